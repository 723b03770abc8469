// Package convert turns arbitrary images into the packed 1bpp planes the
// panel driver streams: fit/rotate to the panel, optional dithering, and
// black/colour classification.
package convert

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/MaxHalford/halfgone"
	"github.com/disintegration/imaging"
	"periph.io/x/devices/v3/ssd1306/image1bit"
)

// Options controls Pack.
type Options struct {
	// Width and Height are the panel size in pixels.
	Width, Height int
	// Rotate is applied before fitting, in degrees counter-clockwise.
	Rotate int
	// Dither enables Floyd-Steinberg dithering of the black plane.
	Dither bool
	// Invert swaps black and white in the black plane.
	Invert bool
	// Threshold is the luma below which a pixel is black when not
	// dithering. Zero uses the 1-bit colour model of the panel.
	Threshold uint8
	// Color produces a colour plane for tri-colour panels.
	Color bool
}

// Planes is a packed image. Rows are (Width+7)/8 bytes, MSB first, and a
// clear bit is ink: 0xFF is an all white row.
type Planes struct {
	Width, Height int
	Black         []byte
	// Color is nil unless Options.Color was set.
	Color []byte
}

// Stride returns the number of bytes per row.
func (p *Planes) Stride() int {
	return (p.Width + 7) / 8
}

// ErrEmptyImage is returned for images without pixels.
var ErrEmptyImage = errors.New("convert: empty image")

// Pack renders img onto a white panel sized canvas and packs it.
func Pack(img image.Image, opts Options) (*Planes, error) {
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("convert: invalid panel size %dx%d", opts.Width, opts.Height)
	}
	if img == nil || img.Bounds().Empty() {
		return nil, ErrEmptyImage
	}
	canvas := Fit(img, opts.Width, opts.Height, opts.Rotate)
	return PackNRGBA(canvas, opts), nil
}

// Fit rotates img by rotate degrees and scales it to fit w x h, centred on
// a white canvas.
func Fit(img image.Image, w, h, rotate int) *image.NRGBA {
	if r := ((rotate % 360) + 360) % 360; r != 0 {
		img = imaging.Rotate(img, float64(r), color.White)
	}
	b := img.Bounds()
	if b.Dx() != w || b.Dy() != h {
		img = imaging.Fit(img, w, h, imaging.Lanczos)
		b = img.Bounds()
	}

	canvas := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	off := image.Pt((w-b.Dx())/2, (h-b.Dy())/2)
	draw.Draw(canvas, b.Sub(b.Min).Add(off), img, b.Min, draw.Over)
	return canvas
}

// PackNRGBA packs a canvas already sized to the panel.
func PackNRGBA(img *image.NRGBA, opts Options) *Planes {
	b := img.Bounds()
	p := &Planes{Width: b.Dx(), Height: b.Dy()}
	stride := p.Stride()
	p.Black = whitePlane(stride * p.Height)
	if opts.Color {
		p.Color = whitePlane(stride * p.Height)
	}

	// 컬러 픽셀은 black plane에서 제외한 뒤 dithering 한다.
	gray := image.NewGray(image.Rect(0, 0, p.Width, p.Height))
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			c := img.NRGBAAt(b.Min.X+x, b.Min.Y+y)
			if c.A < 128 {
				gray.SetGray(x, y, color.Gray{Y: 0xFF})
				continue
			}
			if opts.Color && classifyPixel(c) == inkColor {
				p.Color[y*stride+x>>3] &^= 0x80 >> (x & 7)
				gray.SetGray(x, y, color.Gray{Y: 0xFF})
				continue
			}
			gray.Set(x, y, c)
		}
	}
	if opts.Dither {
		gray = halfgone.FloydSteinbergDitherer{}.Apply(gray)
	}

	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			ink := isBlack(gray.GrayAt(x, y), opts)
			if opts.Invert {
				ink = !ink
			}
			if ink {
				p.Black[y*stride+x>>3] &^= 0x80 >> (x & 7)
			}
		}
	}
	return p
}

func whitePlane(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = 0xFF
	}
	return buf
}

func isBlack(g color.Gray, opts Options) bool {
	if opts.Dither || opts.Threshold == 0 {
		return image1bit.BitModel.Convert(g).(image1bit.Bit) == image1bit.Off
	}
	return g.Y < opts.Threshold
}

type ink int

const (
	inkWhite ink = iota
	inkBlack
	inkColor
)

// classifyPixel decides the plane of a pixel on a tri-colour panel.
//
// 기준(경험적):
//
//   - 밝기 Y = 0.299R + 0.587G + 0.114B
//   - redness = R - max(G, B)
//   - Y < 64 → black
//   - R > 128 이고 redness > 32 → colour
func classifyPixel(c color.NRGBA) ink {
	r, g, b := float64(c.R), float64(c.G), float64(c.B)
	y := 0.299*r + 0.587*g + 0.114*b
	if y < 64 {
		return inkBlack
	}
	if r > 128 && r-max(g, b) > 32 {
		return inkColor
	}
	return inkWhite
}

// Preview renders p back into an image, colour pixels drawn red.
func Preview(p *Planes) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, p.Width, p.Height))
	stride := p.Stride()
	for y := 0; y < p.Height; y++ {
		for x := 0; x < p.Width; x++ {
			i, mask := y*stride+x>>3, byte(0x80>>(x&7))
			c := color.NRGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}
			switch {
			case p.Color != nil && p.Color[i]&mask == 0:
				c = color.NRGBA{R: 0xFF, A: 0xFF}
			case p.Black[i]&mask == 0:
				c = color.NRGBA{A: 0xFF}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}
