package convert

import (
	"image"
	"image/color"
	"image/draw"
	"strings"
	"sync"

	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/math/fixed"
)

// TextOptions controls Text.
type TextOptions struct {
	// Size is the font size in points. Zero uses the 7x13 bitmap font,
	// which stays crisp without dithering.
	Size float64
	// Margin is the blank border in pixels.
	Margin int
}

var (
	goRegularOnce sync.Once
	goRegular     *truetype.Font
	goRegularErr  error
)

func face(size float64) (font.Face, error) {
	if size <= 0 {
		return basicfont.Face7x13, nil
	}
	goRegularOnce.Do(func() {
		goRegular, goRegularErr = truetype.Parse(goregular.TTF)
	})
	if goRegularErr != nil {
		return nil, goRegularErr
	}
	return truetype.NewFace(goRegular, &truetype.Options{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	}), nil
}

// Text renders txt black on white into a w x h canvas, one line per "\n".
// Lines that do not fit are cut.
func Text(txt string, w, h int, opts TextOptions) (*image.NRGBA, error) {
	f, err := face(opts.Size)
	if err != nil {
		return nil, err
	}
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)

	m := f.Metrics()
	d := font.Drawer{
		Dst:  img,
		Src:  image.Black,
		Face: f,
	}
	left := fixed.I(opts.Margin)
	y := fixed.I(opts.Margin) + m.Ascent
	for _, line := range strings.Split(txt, "\n") {
		if y.Ceil() > h {
			break
		}
		d.Dot = fixed.Point26_6{X: left, Y: y}
		d.DrawString(line)
		y += m.Height
	}
	return img, nil
}
