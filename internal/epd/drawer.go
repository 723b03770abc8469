package epd

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"sync"

	"periph.io/x/conn/v3/display"
	"periph.io/x/devices/v3/ssd1306/image1bit"

	"epaperd/internal/convert"
)

// DisplayOpts configures a Display.
type DisplayOpts struct {
	// Render controls conversion of drawn images. Width, Height and Color
	// are taken from the panel profile.
	Render convert.Options
	// Partial draws with partial refreshes. Full refreshes are used
	// otherwise.
	Partial bool
}

// Display exposes a Driver as a periph display.Drawer. It keeps a full
// frame canvas so partial draws can be converted in context.
type Display struct {
	l    *Locked
	opts convert.Options

	mu      sync.Mutex
	partial bool
	canvas  *image.NRGBA
	planes  *convert.Planes
}

// NewDisplay returns a Drawer for the panel driven by l. The canvas starts
// white.
func NewDisplay(l *Locked, o *DisplayOpts) *Display {
	if o == nil {
		o = &DisplayOpts{}
	}
	p := l.Profile()
	opts := o.Render
	opts.Width, opts.Height, opts.Color = p.Width, p.Height, p.HasColor
	s := &Display{
		l:       l,
		opts:    opts,
		partial: o.Partial,
		canvas:  image.NewNRGBA(image.Rect(0, 0, p.Width, p.Height)),
	}
	draw.Draw(s.canvas, s.canvas.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	return s
}

// String implements conn.Resource.
func (s *Display) String() string {
	return fmt.Sprintf("epd.Display{%s}", s.l.Profile())
}

// Halt implements conn.Resource. It hibernates the controller.
func (s *Display) Halt() error {
	return s.l.Do(func(d *Driver) error { return d.Hibernate() })
}

// ColorModel implements display.Drawer.
func (s *Display) ColorModel() color.Model {
	return image1bit.BitModel
}

// Bounds implements display.Drawer.
func (s *Display) Bounds() image.Rectangle {
	return s.canvas.Bounds()
}

// SetPartial selects partial or full refreshes for later Draw calls.
func (s *Display) SetPartial(partial bool) {
	s.mu.Lock()
	s.partial = partial
	s.mu.Unlock()
}

// Draw implements display.Drawer. Only the byte aligned columns covering
// dst are sent to the controller.
func (s *Display) Draw(dst image.Rectangle, src image.Image, sp image.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drawLocked(dst, src, sp, s.partial)
}

// DrawRefresh is Draw with the refresh kind chosen for this call only.
func (s *Display) DrawRefresh(dst image.Rectangle, src image.Image, sp image.Point, partial bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drawLocked(dst, src, sp, partial)
}

func (s *Display) drawLocked(dst image.Rectangle, src image.Image, sp image.Point, partial bool) error {
	r := dst.Intersect(s.canvas.Bounds())
	if r.Empty() {
		return nil
	}
	// sp maps to dst.Min, so skip the part clipped off the top left.
	draw.Draw(s.canvas, r, src, sp.Add(r.Min.Sub(dst.Min)), draw.Src)
	return s.flush(r, partial)
}

// Show fits img to the panel, replaces the whole canvas and draws it.
func (s *Display) Show(img image.Image, partial bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canvas = convert.Fit(img, s.opts.Width, s.opts.Height, s.opts.Rotate)
	return s.flush(s.canvas.Bounds(), partial)
}

// Preview returns the last image sent to the controller as the panel
// would show it, or nil before the first draw.
func (s *Display) Preview() image.Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.planes == nil {
		return nil
	}
	return convert.Preview(s.planes)
}

func (s *Display) flush(r image.Rectangle, partial bool) error {
	s.planes = convert.PackNRGBA(s.canvas, s.opts)
	x0 := floor8(r.Min.X)
	win := Rect{X: x0, Y: r.Min.Y, W: min(ceil8(r.Max.X), s.opts.Width) - x0, H: r.Dy()}
	part := Part{X: win.X, Y: win.Y, Width: s.planes.Width, Height: s.planes.Height}

	black := Bytes(s.planes.Black)
	var colour Bitmap
	if s.planes.Color != nil {
		colour = Bytes(s.planes.Color)
	}
	return s.l.Do(func(d *Driver) error {
		if err := d.WriteImagePartPlanes(black, colour, part, win, WriteOpts{}); err != nil {
			return err
		}
		if partial {
			return d.RefreshRect(win)
		}
		return d.Refresh(false)
	})
}

var _ display.Drawer = &Display{}
