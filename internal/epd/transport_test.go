package epd

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

type testBus struct {
	*SPIBus
	c           *recConn
	cs, dc, rst *recPin
	busy        *busyPin
	clock       *fakeClock
	logged      []string
}

func newTestBus(t *testing.T, opts BusOpts) *testBus {
	t.Helper()
	tb := &testBus{
		cs:    &recPin{Pin: gpiotest.Pin{N: "CS", L: gpio.Low}},
		dc:    &recPin{Pin: gpiotest.Pin{N: "DC", L: gpio.Low}},
		rst:   &recPin{Pin: gpiotest.Pin{N: "RST"}},
		busy:  &busyPin{Pin: gpiotest.Pin{N: "BUSY"}},
		clock: &fakeClock{t: time.Unix(0, 0)},
	}
	tb.c = &recConn{dc: tb.dc, cs: tb.cs, max: 4096}
	opts.Clock = tb.clock
	opts.Diag = func(msg string, kv ...any) {
		tb.logged = append(tb.logged, fmt.Sprint(append([]any{msg}, kv...)...))
	}
	if opts.BusyTimeout == 0 {
		opts.BusyTimeout = time.Second
	}
	b, err := NewSPIBus(tb.c, Pins{CS: tb.cs, DC: tb.dc, RST: tb.rst, Busy: tb.busy}, &opts)
	if err != nil {
		t.Fatalf("NewSPIBus() error = %v", err)
	}
	tb.SPIBus = b
	return tb
}

func TestNewSPIBusIdleLevels(t *testing.T) {
	tb := newTestBus(t, BusOpts{BusyLevel: gpio.High})
	if tb.cs.Read() != gpio.High || tb.dc.Read() != gpio.High {
		t.Errorf("idle levels cs=%s dc=%s, want High", tb.cs.Read(), tb.dc.Read())
	}
	if tb.busy.P != gpio.Float {
		t.Errorf("busy pull = %s, want Float", tb.busy.P)
	}
	if !tb.HasReset() {
		t.Error("HasReset() = false with a reset pin")
	}

	if _, err := NewSPIBus(nil, Pins{}, nil); err == nil {
		t.Error("NewSPIBus(nil) accepted")
	}
	b, err := NewSPIBus(&recConn{}, Pins{RST: gpio.INVALID}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if b.HasReset() {
		t.Error("HasReset() = true with gpio.INVALID")
	}
	if err := b.Reset(); err != nil {
		t.Errorf("Reset() without a line = %v", err)
	}
}

func TestWriteFraming(t *testing.T) {
	tb := newTestBus(t, BusOpts{BusyLevel: gpio.High})
	if err := tb.WriteCommand(0x12); err != nil {
		t.Fatal(err)
	}
	if err := tb.WriteData(0x01, 0x02); err != nil {
		t.Fatal(err)
	}
	if err := tb.WriteData(); err != nil {
		t.Fatal(err)
	}

	want := []tx{
		{w: []byte{0x12}, dc: gpio.Low, cs: gpio.Low},
		{w: []byte{0x01, 0x02}, dc: gpio.High, cs: gpio.Low},
	}
	if len(tb.c.txs) != len(want) {
		t.Fatalf("txs = %+v", tb.c.txs)
	}
	for i := range want {
		got := tb.c.txs[i]
		if !bytes.Equal(got.w, want[i].w) || got.dc != want[i].dc || got.cs != want[i].cs {
			t.Errorf("tx %d = %+v, want %+v", i, got, want[i])
		}
	}
	if tb.cs.Read() != gpio.High || tb.dc.Read() != gpio.High {
		t.Error("lines not back to idle")
	}
	// Each Write is its own chip-select window.
	if got := tb.cs.levels; !slices.Equal(got, []gpio.Level{gpio.High, gpio.Low, gpio.High, gpio.Low, gpio.High}) {
		t.Errorf("cs levels = %v", got)
	}
}

func TestWriteChunking(t *testing.T) {
	tb := newTestBus(t, BusOpts{BusyLevel: gpio.High})
	tb.maxTx = 4
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if err := tb.WriteData(data...); err != nil {
		t.Fatal(err)
	}
	var sizes []int
	var joined []byte
	for _, x := range tb.c.txs {
		sizes = append(sizes, len(x.w))
		joined = append(joined, x.w...)
		if x.cs != gpio.Low {
			t.Error("CS released between chunks")
		}
	}
	if !slices.Equal(sizes, []int{4, 4, 2}) || !bytes.Equal(joined, data) {
		t.Errorf("chunks = %v", sizes)
	}
}

func TestMaxTxSizeFromConn(t *testing.T) {
	c := &recConn{max: 64}
	b, err := NewSPIBus(c, Pins{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if b.maxTx != 64 {
		t.Errorf("maxTx = %d, want 64", b.maxTx)
	}
	b, err = NewSPIBus(&recConn{}, Pins{}, &BusOpts{MaxTxSize: 32})
	if err != nil {
		t.Fatal(err)
	}
	if b.maxTx != 32 {
		t.Errorf("maxTx = %d, want 32", b.maxTx)
	}
}

func TestWriteError(t *testing.T) {
	tb := newTestBus(t, BusOpts{BusyLevel: gpio.High})
	tb.c.err = errBus
	if err := tb.WriteData(1); !errors.Is(err, errBus) {
		t.Errorf("WriteData() error = %v", err)
	}
	if tb.cs.Read() != gpio.High {
		t.Error("CS left asserted after an error")
	}
}

func TestReset(t *testing.T) {
	t.Run("push-pull", func(t *testing.T) {
		tb := newTestBus(t, BusOpts{BusyLevel: gpio.High})
		if err := tb.Reset(); err != nil {
			t.Fatal(err)
		}
		if got := tb.rst.levels; !slices.Equal(got, []gpio.Level{gpio.High, gpio.Low, gpio.High}) {
			t.Errorf("rst levels = %v", got)
		}
		want := []time.Duration{resetPulse, resetPulse, resetSettle}
		if !slices.Equal(tb.clock.sleeps, want) {
			t.Errorf("sleeps = %v, want %v", tb.clock.sleeps, want)
		}
	})

	t.Run("pulldown", func(t *testing.T) {
		tb := newTestBus(t, BusOpts{BusyLevel: gpio.High, PulldownReset: true})
		if err := tb.Reset(); err != nil {
			t.Fatal(err)
		}
		if got := tb.rst.levels; !slices.Equal(got, []gpio.Level{gpio.Low}) {
			t.Errorf("rst levels = %v", got)
		}
		if tb.rst.P != gpio.PullUp {
			t.Errorf("rst pull = %s, want PullUp", tb.rst.P)
		}
		want := []time.Duration{resetPulse, resetSettle}
		if !slices.Equal(tb.clock.sleeps, want) {
			t.Errorf("sleeps = %v, want %v", tb.clock.sleeps, want)
		}
	})

	t.Run("switch sequence", func(t *testing.T) {
		tb := newTestBus(t, BusOpts{BusyLevel: gpio.High})
		tb.SetPulldownReset(true)
		if err := tb.Reset(); err != nil {
			t.Fatal(err)
		}
		if len(tb.rst.levels) != 1 {
			t.Errorf("rst levels = %v, want pulldown sequence", tb.rst.levels)
		}
	})
}

func TestWaitWhileBusy(t *testing.T) {
	t.Run("clears", func(t *testing.T) {
		tb := newTestBus(t, BusOpts{BusyLevel: gpio.High})
		tb.busy.n = 5
		tb.WaitWhileBusy("refresh", time.Minute)
		if tb.busy.reads != 6 {
			t.Errorf("reads = %d, want 6", tb.busy.reads)
		}
		if len(tb.logged) != 1 {
			t.Errorf("logged = %q", tb.logged)
		}
	})

	t.Run("active low", func(t *testing.T) {
		tb := newTestBus(t, BusOpts{BusyLevel: gpio.Low})
		tb.busy.n = 5
		tb.WaitWhileBusy("", time.Minute)
		if tb.busy.reads != 1 {
			t.Errorf("reads = %d, want 1", tb.busy.reads)
		}
		if len(tb.logged) != 0 {
			t.Errorf("unlabelled wait logged %q", tb.logged)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		tb := newTestBus(t, BusOpts{BusyLevel: gpio.High, BusyTimeout: 10 * time.Millisecond})
		tb.busy.n = 1 << 30
		tb.WaitWhileBusy("fullRefresh", time.Minute)
		if tb.busy.reads > 20 {
			t.Errorf("reads = %d, timeout not honoured", tb.busy.reads)
		}
		if len(tb.logged) == 0 || !strings.HasPrefix(tb.logged[0], "busy timeout") {
			t.Errorf("logged = %q", tb.logged)
		}
	})

	t.Run("no busy line", func(t *testing.T) {
		clock := &fakeClock{}
		b, err := NewSPIBus(&recConn{}, Pins{}, &BusOpts{Clock: clock})
		if err != nil {
			t.Fatal(err)
		}
		b.WaitWhileBusy("powerOn", 150*time.Millisecond)
		if !slices.Equal(clock.sleeps, []time.Duration{150 * time.Millisecond}) {
			t.Errorf("sleeps = %v", clock.sleeps)
		}
	})
}

func TestDriverOverSPIBus(t *testing.T) {
	tb := newTestBus(t, BusOpts{BusyLevel: gpio.High})
	d, err := New(tb, &GDEM029C90, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Init(&InitOpts{KeepContent: true}); err != nil {
		t.Fatal(err)
	}
	if err := d.WriteImage(fill(2*4, 0x3C), Rect{X: 16, Y: 8, W: 16, H: 4}, WriteOpts{}); err != nil {
		t.Fatal(err)
	}

	// Reassemble command/data pairs from the DC level of every transfer.
	var cmds []cmdData
	for _, x := range tb.c.txs {
		if x.dc == gpio.Low {
			cmds = append(cmds, cmdData{c: x.w[0]})
			continue
		}
		last := &cmds[len(cmds)-1]
		last.data = append(last.data, x.w...)
	}
	last := cmds[len(cmds)-1]
	if last.c != cmdWriteRAMCurrent || !bytes.Equal(last.data, bytes.Repeat([]byte{0x3C}, 8)) {
		t.Errorf("last command = %#02x %x", last.c, last.data)
	}
	var xw []byte
	for _, c := range cmds {
		if c.c == cmdSetRAMXWindow {
			xw = c.data
		}
	}
	if !bytes.Equal(xw, []byte{2, 3}) {
		t.Errorf("x window = %x", xw)
	}
	if cmds[0].c != cmdSWReset {
		t.Errorf("first command = %#02x, want SWRESET", cmds[0].c)
	}
}
