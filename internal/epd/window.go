package epd

// Rect is a panel rectangle in pixels.
type Rect struct {
	X, Y, W, H int
}

// Empty reports whether r covers no pixel.
func (r Rect) Empty() bool {
	return r.W <= 0 || r.H <= 0
}

// ramWidth is the panel width rounded up to whole RAM columns.
func (d *Driver) ramWidth() int {
	return ceil8(d.p.Width)
}

// floor8 rounds v down to a multiple of 8, towards negative infinity.
func floor8(v int) int {
	return v - mod8(v)
}

// ceil8 rounds v up to a multiple of 8.
func ceil8(v int) int {
	return floor8(v + 7)
}

func mod8(v int) int {
	m := v % 8
	if m < 0 {
		m += 8
	}
	return m
}

// region is the result of clipping a source rectangle to the panel.
type region struct {
	// win is the byte aligned panel window that is programmed.
	win Rect
	// dx and dy are the pixels cut from the left and top of the source by
	// clipping.
	dx, dy int
}

// clipWrite aligns x and w to RAM columns and clips the rectangle to the
// panel. x moves down to the previous column; w is rounded up to whole
// bytes. ok is false when nothing remains.
func (d *Driver) clipWrite(x, y, w, h int) (region, bool) {
	x = floor8(x)
	w = ceil8(w)
	return d.clip(x, y, w, h)
}

// clipRefresh returns the aligned window covering [x, x+w) clipped to the
// panel.
func (d *Driver) clipRefresh(x, y, w, h int) (Rect, bool) {
	x0 := floor8(x)
	r, ok := d.clip(x0, y, ceil8(x+w)-x0, h)
	return r.win, ok
}

func (d *Driver) clip(x, y, w, h int) (region, bool) {
	x1 := max(x, 0)
	y1 := max(y, 0)
	w1 := min(x+w, d.ramWidth()) - x1
	h1 := min(y+h, d.p.Height) - y1
	r := region{
		win: Rect{X: x1, Y: y1, W: w1, H: h1},
		dx:  x1 - x,
		dy:  y1 - y,
	}
	return r, !r.win.Empty()
}

// setPartialRAMArea programs the RAM window and address counters so the
// following RAM write lands in r. r must be byte aligned.
func (d *Driver) setPartialRAMArea(r Rect) error {
	xs := byte(r.X / 8)
	xe := byte((r.X + r.W - 1) / 8)
	ys := uint16(r.Y)
	ye := uint16(r.Y + r.H - 1)

	eh := errorHandler{bus: d.bus}
	eh.command(cmdDataEntryMode)
	eh.data(entryXIncYInc)

	eh.command(cmdSetRAMXWindow)
	eh.data(xs, xe)

	eh.command(cmdSetRAMYWindow)
	eh.data(lo(ys), hi(ys), lo(ye), hi(ye))

	eh.command(cmdDisplayUpdateControl1)
	eh.data(d.p.UpdateControl[0], d.p.UpdateControl[1])

	eh.command(cmdSetRAMXCounter)
	eh.data(xs)

	eh.command(cmdSetRAMYCounter)
	eh.data(lo(ys), hi(ys))
	return eh.err
}
