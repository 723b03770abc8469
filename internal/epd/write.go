package epd

import (
	"fmt"
	"time"
)

// White is the fill value of a blank panel.
const White byte = 0xFF

// yieldDelay brackets region writes so other goroutines sharing the bus
// owner get a chance to run.
const yieldDelay = time.Millisecond

// WriteOpts modifies how bitmap bytes are streamed.
type WriteOpts struct {
	// Invert complements every byte.
	Invert bool
	// MirrorY reads the bitmap rows bottom to top.
	MirrorY bool
}

// Part selects the origin of a write inside a larger bitmap of
// Width x Height pixels.
type Part struct {
	X, Y          int
	Width, Height int
}

// WriteScreenBuffer fills the current frame with value. Until the first
// full refresh the previous frame is filled with its complement so the
// first differential update has a defined delta.
func (d *Driver) WriteScreenBuffer(value byte) error {
	if err := d.writeScreenBuffer(value, value); err != nil {
		return fmt.Errorf("epd: write screen buffer: %w", err)
	}
	return nil
}

// WriteScreenBufferPlanes fills the black frame with black and, until the
// first full refresh, the colour frame with the complement of color.
func (d *Driver) WriteScreenBufferPlanes(black, color byte) error {
	if err := d.writeScreenBuffer(black, color); err != nil {
		return fmt.Errorf("epd: write screen buffer: %w", err)
	}
	return nil
}

// WriteScreenBufferAgain fills the previous frame with the complement of
// value.
func (d *Driver) WriteScreenBufferAgain(value byte) error {
	err := d.ensurePartial()
	if err == nil {
		err = d.fill(cmdWriteRAMPrevious, ^value)
	}
	if err != nil {
		return fmt.Errorf("epd: write screen buffer again: %w", err)
	}
	return nil
}

func (d *Driver) writeScreenBuffer(current, previous byte) error {
	d.initialWrite = false
	if err := d.ensurePartial(); err != nil {
		return err
	}
	if err := d.fill(cmdWriteRAMCurrent, current); err != nil {
		return err
	}
	if d.initialRefresh {
		return d.fill(cmdWriteRAMPrevious, ^previous)
	}
	return nil
}

// fill streams value to the whole panel RAM selected by cmd.
func (d *Driver) fill(cmd, value byte) error {
	if err := d.setPartialRAMArea(Rect{W: d.ramWidth(), H: d.p.Height}); err != nil {
		return err
	}
	buf := make([]byte, d.ramWidth()/8*d.p.Height)
	for i := range buf {
		buf[i] = value
	}
	eh := errorHandler{bus: d.bus}
	eh.command(cmd)
	eh.data(buf...)
	return eh.err
}

// WriteImage writes a bitmap of r.W x r.H pixels to the current frame at
// r.X, r.Y. The rectangle is aligned to whole bytes and clipped to the
// panel; nothing is written when nothing remains.
func (d *Driver) WriteImage(b Bitmap, r Rect, o WriteOpts) error {
	return d.writeImage("write image", cmdWriteRAMCurrent, b, fullPart(r), r, o)
}

// WriteImageAgain is WriteImage to the previous (colour) frame, which takes
// complemented data.
func (d *Driver) WriteImageAgain(b Bitmap, r Rect, o WriteOpts) error {
	o.Invert = !o.Invert
	return d.writeImage("write image again", cmdWriteRAMPrevious, b, fullPart(r), r, o)
}

// WriteImagePart writes the r.W x r.H window starting at part.X, part.Y of
// a part.Width x part.Height bitmap to the current frame at r.X, r.Y.
func (d *Driver) WriteImagePart(b Bitmap, part Part, r Rect, o WriteOpts) error {
	return d.writeImage("write image part", cmdWriteRAMCurrent, b, part, r, o)
}

// WriteImagePartAgain is WriteImagePart to the previous (colour) frame.
func (d *Driver) WriteImagePartAgain(b Bitmap, part Part, r Rect, o WriteOpts) error {
	o.Invert = !o.Invert
	return d.writeImage("write image part again", cmdWriteRAMPrevious, b, part, r, o)
}

// WriteImagePlanes writes a black plane to the current frame and a colour
// plane to the previous frame. Either plane may be nil.
func (d *Driver) WriteImagePlanes(black, color Bitmap, r Rect, o WriteOpts) error {
	if black != nil {
		if err := d.WriteImage(black, r, o); err != nil {
			return err
		}
	}
	if color != nil {
		return d.WriteImageAgain(color, r, o)
	}
	return nil
}

// WriteImagePartPlanes is WriteImagePart for a black and a colour plane.
func (d *Driver) WriteImagePartPlanes(black, color Bitmap, part Part, r Rect, o WriteOpts) error {
	if black != nil {
		if err := d.WriteImagePart(black, part, r, o); err != nil {
			return err
		}
	}
	if color != nil {
		return d.WriteImagePartAgain(color, part, r, o)
	}
	return nil
}

// WriteNative writes controller native data: data1 to the current frame and
// data2 to the previous frame.
func (d *Driver) WriteNative(data1, data2 Bitmap, r Rect, o WriteOpts) error {
	return d.WriteImagePlanes(data1, data2, r, o)
}

// DrawImage writes b and refreshes the rectangle it covers.
func (d *Driver) DrawImage(b Bitmap, r Rect, o WriteOpts) error {
	if err := d.WriteImage(b, r, o); err != nil {
		return err
	}
	return d.RefreshRect(r)
}

// DrawImagePart writes a window of b and refreshes the rectangle it covers.
func (d *Driver) DrawImagePart(b Bitmap, part Part, r Rect, o WriteOpts) error {
	if err := d.WriteImagePart(b, part, r, o); err != nil {
		return err
	}
	return d.RefreshRect(r)
}

// DrawImagePlanes writes both planes and refreshes the rectangle.
func (d *Driver) DrawImagePlanes(black, color Bitmap, r Rect, o WriteOpts) error {
	if err := d.WriteImagePlanes(black, color, r, o); err != nil {
		return err
	}
	return d.RefreshRect(r)
}

// DrawImagePartPlanes writes a window of both planes and refreshes the
// rectangle.
func (d *Driver) DrawImagePartPlanes(black, color Bitmap, part Part, r Rect, o WriteOpts) error {
	if err := d.WriteImagePartPlanes(black, color, part, r, o); err != nil {
		return err
	}
	return d.RefreshRect(r)
}

// DrawNative writes native data and refreshes the rectangle.
func (d *Driver) DrawNative(data1, data2 Bitmap, r Rect, o WriteOpts) error {
	if err := d.WriteNative(data1, data2, r, o); err != nil {
		return err
	}
	return d.RefreshRect(r)
}

// ClearScreen fills both frames with value and refreshes the whole panel.
func (d *Driver) ClearScreen(value byte) error {
	return d.ClearScreenPlanes(value, value)
}

// ClearScreenPlanes fills the black frame with black and the colour frame
// with color and refreshes the whole panel.
func (d *Driver) ClearScreenPlanes(black, color byte) error {
	if err := d.WriteScreenBufferPlanes(black, color); err != nil {
		return err
	}
	if err := d.Refresh(true); err != nil {
		return err
	}
	return d.WriteScreenBufferAgain(color)
}

func fullPart(r Rect) Part {
	return Part{Width: r.W, Height: r.H}
}

func (d *Driver) writeImage(op string, cmd byte, b Bitmap, part Part, r Rect, o WriteOpts) error {
	if err := d.writeRegion(cmd, b, part, r, o); err != nil {
		return fmt.Errorf("epd: %s: %w", op, err)
	}
	return nil
}

// writeRegion streams the bytes of b selected by part and r into the RAM
// selected by cmd. Degenerate or fully clipped requests write nothing.
func (d *Driver) writeRegion(cmd byte, b Bitmap, part Part, r Rect, o WriteOpts) error {
	if b == nil || part.Width < 0 || part.Height < 0 || r.W < 0 || r.H < 0 {
		return nil
	}
	if part.X < 0 || part.X >= part.Width || part.Y < 0 || part.Y >= part.Height {
		return nil
	}
	stride := (part.Width + 7) / 8
	xPart := floor8(part.X)
	w := min(r.W, part.Width-xPart)
	h := min(r.H, part.Height-part.Y)
	reg, ok := d.clipWrite(r.X, r.Y, w, h)
	if !ok {
		return nil
	}

	if d.initialWrite {
		if err := d.writeScreenBuffer(White, White); err != nil {
			return err
		}
	}
	d.bus.Delay(yieldDelay)
	if err := d.ensurePartial(); err != nil {
		return err
	}
	if err := d.setPartialRAMArea(reg.win); err != nil {
		return err
	}

	rowLen := reg.win.W / 8
	buf := make([]byte, rowLen*reg.win.H)
	col := xPart/8 + reg.dx/8
	for i := range reg.win.H {
		row := part.Y + i + reg.dy
		if o.MirrorY {
			row = part.Height - 1 - row
		}
		dst := buf[i*rowLen : (i+1)*rowLen]
		if err := readRow(b, dst, col+row*stride); err != nil {
			return err
		}
		if o.Invert {
			for j := range dst {
				dst[j] = ^dst[j]
			}
		}
	}

	eh := errorHandler{bus: d.bus}
	eh.command(cmd)
	eh.data(buf...)
	if eh.err != nil {
		return eh.err
	}
	d.bus.Delay(yieldDelay)
	return nil
}
