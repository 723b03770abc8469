package epd

import (
	"errors"
	"testing"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
	"periph.io/x/conn/v3/spi"
)

var errBus = errors.New("bus failure")

type op struct {
	cmd bool
	b   []byte
}

// fakeBus records every Bus call.
type fakeBus struct {
	ops      []op
	waits    []string
	delays   []time.Duration
	resets   int
	noReset  bool
	pulldown bool

	// failAt makes the n-th write (1-based, counted over the bus lifetime)
	// fail.
	failAt int
	writes int
}

func (f *fakeBus) Reset() error {
	f.resets++
	return nil
}

func (f *fakeBus) HasReset() bool { return !f.noReset }

func (f *fakeBus) SetPulldownReset(v bool) { f.pulldown = v }

func (f *fakeBus) WriteCommand(c byte) error {
	return f.write(op{cmd: true, b: []byte{c}})
}

func (f *fakeBus) WriteData(p ...byte) error {
	if len(p) == 0 {
		return nil
	}
	return f.write(op{b: append([]byte(nil), p...)})
}

func (f *fakeBus) WaitWhileBusy(label string, _ time.Duration) {
	f.waits = append(f.waits, label)
}

func (f *fakeBus) Delay(d time.Duration) {
	f.delays = append(f.delays, d)
}

func (f *fakeBus) String() string { return "fakeBus" }

func (f *fakeBus) write(o op) error {
	f.writes++
	if f.failAt > 0 && f.writes == f.failAt {
		return errBus
	}
	f.ops = append(f.ops, o)
	return nil
}

// clear forgets what was recorded so far.
func (f *fakeBus) clear() {
	f.ops = nil
	f.waits = nil
	f.delays = nil
}

type cmdData struct {
	c    byte
	data []byte
}

// commands groups the recorded writes by command.
func (f *fakeBus) commands() []cmdData {
	var out []cmdData
	for _, o := range f.ops {
		if o.cmd {
			out = append(out, cmdData{c: o.b[0]})
			continue
		}
		if len(out) == 0 {
			out = append(out, cmdData{c: 0xFF})
		}
		last := &out[len(out)-1]
		last.data = append(last.data, o.b...)
	}
	return out
}

// find returns every occurrence of command c.
func (f *fakeBus) find(c byte) []cmdData {
	var out []cmdData
	for _, cd := range f.commands() {
		if cd.c == c {
			out = append(out, cd)
		}
	}
	return out
}

// updates returns the arguments of every display update control 2 command
// followed by a master activation.
func (f *fakeBus) updates() []byte {
	var out []byte
	for _, cd := range f.find(cmdDisplayUpdateControl2) {
		out = append(out, cd.data...)
	}
	return out
}

// newDriver returns an initialised driver for the 128x296 colour panel.
func newDriver(t *testing.T, opts *Opts, init *InitOpts) (*Driver, *fakeBus) {
	t.Helper()
	bus := &fakeBus{}
	d, err := New(bus, &GDEM029C90, opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := d.Init(init); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	bus.clear()
	return d, bus
}

// readyDriver returns a driver that skips the forced first clear and
// first full refresh.
func readyDriver(t *testing.T) (*Driver, *fakeBus) {
	t.Helper()
	return newDriver(t, nil, &InitOpts{KeepContent: true})
}

func fill(n int, v byte) Bytes {
	b := make(Bytes, n)
	for i := range b {
		b[i] = v
	}
	return b
}

// fakeClock advances only when slept on.
type fakeClock struct {
	t      time.Time
	sleeps []time.Duration
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) Sleep(d time.Duration) {
	c.sleeps = append(c.sleeps, d)
	c.t = c.t.Add(d)
}

// recPin is a gpiotest.Pin that remembers every level it was driven to.
type recPin struct {
	gpiotest.Pin
	levels []gpio.Level
}

func (p *recPin) Out(l gpio.Level) error {
	p.levels = append(p.levels, l)
	return p.Pin.Out(l)
}

// busyPin reads High for the first n reads, then Low.
type busyPin struct {
	gpiotest.Pin
	n     int
	reads int
}

func (p *busyPin) Read() gpio.Level {
	p.reads++
	if p.reads <= p.n {
		return gpio.High
	}
	return gpio.Low
}

type tx struct {
	w  []byte
	dc gpio.Level
	cs gpio.Level
}

// recConn is an spi.Conn recording writes with the DC and CS levels seen
// at the time of each Tx.
type recConn struct {
	dc, cs *recPin
	max    int
	err    error
	txs    []tx
}

func (c *recConn) String() string { return "recConn" }

func (c *recConn) Tx(w, r []byte) error {
	if c.err != nil {
		return c.err
	}
	t := tx{w: append([]byte(nil), w...), dc: gpio.High, cs: gpio.Low}
	if c.dc != nil {
		t.dc = c.dc.Read()
	}
	if c.cs != nil {
		t.cs = c.cs.Read()
	}
	c.txs = append(c.txs, t)
	return nil
}

func (c *recConn) Duplex() conn.Duplex { return conn.Half }

func (c *recConn) TxPackets(p []spi.Packet) error {
	return errors.New("recConn: packets not supported")
}

func (c *recConn) MaxTxSize() int { return c.max }

var _ spi.Conn = &recConn{}
