package epd

import (
	"errors"
	"fmt"
	"time"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
)

// Bus is the transport the Driver talks through. Every Write call is one
// complete bus transaction.
type Bus interface {
	// Reset pulses the reset line. It is a no-op without a reset line.
	Reset() error
	// HasReset reports whether a reset line is wired. Deep sleep can only
	// be left through a hardware reset.
	HasReset() bool
	// WriteCommand sends one command byte with the DC line low.
	WriteCommand(c byte) error
	// WriteData sends data bytes with the DC line high.
	WriteData(p ...byte) error
	// WaitWhileBusy blocks until the busy line is released or the busy
	// timeout elapses. Without a busy line it sleeps fallback.
	WaitWhileBusy(label string, fallback time.Duration)
	// Delay pauses the caller.
	Delay(d time.Duration)
}

// Clock is the time source used for delays and busy polling.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// Pins holds the control lines. Any of them may be nil (or gpio.INVALID)
// when the line is not wired.
type Pins struct {
	CS   gpio.PinOut
	DC   gpio.PinOut
	RST  gpio.PinOut
	Busy gpio.PinIn
}

// BusOpts configures an SPIBus.
type BusOpts struct {
	// BusyLevel is the level reported by the busy line while the
	// controller is working.
	BusyLevel gpio.Level
	// BusyTimeout bounds WaitWhileBusy.
	BusyTimeout time.Duration
	// PulldownReset selects the pulldown-release reset sequence used by
	// boards with a pull-up on RST instead of a push-pull output.
	PulldownReset bool
	// MaxTxSize caps a single Tx; longer writes are chunked with CS held.
	// Zero uses the connection limit or DefaultMaxTxSize.
	MaxTxSize int

	Clock Clock
	Diag  func(msg string, kv ...any)
}

// Defaults for the SPI link.
const (
	DefaultSpeed     = 4 * physic.MegaHertz
	DefaultMode      = spi.Mode0
	DefaultMaxTxSize = 4096
)

// Reset timing.
const (
	resetPulse  = 20 * time.Millisecond
	resetSettle = 200 * time.Millisecond
	pollPeriod  = time.Millisecond
)

// SPIBus implements Bus on top of a periph SPI connection and GPIO lines.
type SPIBus struct {
	c    spi.Conn
	cs   gpio.PinOut
	dc   gpio.PinOut
	rst  gpio.PinOut
	busy gpio.PinIn

	busyLevel     gpio.Level
	busyTimeout   time.Duration
	pulldownReset bool
	maxTx         int

	clock Clock
	diag  func(msg string, kv ...any)
}

// NewSPIBus configures the control lines to their idle levels and returns a
// Bus using c. c must already be connected MSB first; see Open.
func NewSPIBus(c spi.Conn, pins Pins, opts *BusOpts) (*SPIBus, error) {
	if c == nil {
		return nil, errors.New("epd: spi connection is nil")
	}
	if opts == nil {
		opts = &BusOpts{BusyLevel: gpio.High, BusyTimeout: 10 * time.Second}
	}

	b := &SPIBus{
		c:             c,
		cs:            outPin(pins.CS),
		dc:            outPin(pins.DC),
		rst:           outPin(pins.RST),
		busy:          inPin(pins.Busy),
		busyLevel:     opts.BusyLevel,
		busyTimeout:   opts.BusyTimeout,
		pulldownReset: opts.PulldownReset,
		maxTx:         opts.MaxTxSize,
		clock:         opts.Clock,
		diag:          opts.Diag,
	}
	if b.clock == nil {
		b.clock = SystemClock
	}
	if b.maxTx <= 0 {
		b.maxTx = DefaultMaxTxSize
		if l, ok := c.(conn.Limits); ok && l.MaxTxSize() > 0 {
			b.maxTx = l.MaxTxSize()
		}
	}

	if b.cs != nil {
		if err := b.cs.Out(gpio.High); err != nil {
			return nil, fmt.Errorf("epd: cs idle level: %w", err)
		}
	}
	if b.dc != nil {
		if err := b.dc.Out(gpio.High); err != nil {
			return nil, fmt.Errorf("epd: dc idle level: %w", err)
		}
	}
	if b.busy != nil {
		if err := b.busy.In(gpio.Float, gpio.NoEdge); err != nil {
			return nil, fmt.Errorf("epd: busy input: %w", err)
		}
	}
	return b, nil
}

func outPin(p gpio.PinOut) gpio.PinOut {
	if p == nil || p == gpio.INVALID {
		return nil
	}
	return p
}

func inPin(p gpio.PinIn) gpio.PinIn {
	if p == nil || p == gpio.INVALID {
		return nil
	}
	return p
}

// String implements fmt.Stringer.
func (b *SPIBus) String() string {
	return fmt.Sprintf("epd.SPIBus{%s}", b.c)
}

// HasReset implements Bus.
func (b *SPIBus) HasReset() bool {
	return b.rst != nil
}

// Reset implements Bus.
func (b *SPIBus) Reset() error {
	if b.rst == nil {
		return nil
	}
	if b.pulldownReset {
		if err := b.rst.Out(gpio.Low); err != nil {
			return fmt.Errorf("epd: reset low: %w", err)
		}
		b.clock.Sleep(resetPulse)
		// Release the line to the board pull-up when the pin can be an
		// input; otherwise drive it high.
		if in, ok := b.rst.(gpio.PinIn); ok {
			if err := in.In(gpio.PullUp, gpio.NoEdge); err != nil {
				return fmt.Errorf("epd: reset release: %w", err)
			}
		} else if err := b.rst.Out(gpio.High); err != nil {
			return fmt.Errorf("epd: reset high: %w", err)
		}
		b.clock.Sleep(resetSettle)
		return nil
	}

	for _, step := range []struct {
		l gpio.Level
		d time.Duration
	}{
		{gpio.High, resetPulse},
		{gpio.Low, resetPulse},
		{gpio.High, resetSettle},
	} {
		if err := b.rst.Out(step.l); err != nil {
			return fmt.Errorf("epd: reset %s: %w", step.l, err)
		}
		b.clock.Sleep(step.d)
	}
	return nil
}

// SetPulldownReset selects the reset sequence used by Reset.
func (b *SPIBus) SetPulldownReset(v bool) {
	b.pulldownReset = v
}

// WriteCommand implements Bus.
func (b *SPIBus) WriteCommand(c byte) error {
	if err := b.setDC(gpio.Low); err != nil {
		return err
	}
	if err := b.transaction([]byte{c}); err != nil {
		return err
	}
	return b.setDC(gpio.High)
}

// WriteData implements Bus.
func (b *SPIBus) WriteData(p ...byte) error {
	if len(p) == 0 {
		return nil
	}
	return b.transaction(p)
}

// WaitWhileBusy implements Bus.
func (b *SPIBus) WaitWhileBusy(label string, fallback time.Duration) {
	if b.busy == nil {
		b.clock.Sleep(fallback)
		return
	}
	// Give the controller a moment to raise the line.
	b.clock.Sleep(pollPeriod)
	start := b.clock.Now()
	for {
		if b.busy.Read() != b.busyLevel {
			break
		}
		b.clock.Sleep(pollPeriod)
		if b.clock.Now().Sub(start) > b.busyTimeout {
			b.log("busy timeout", "op", label, "timeout", b.busyTimeout)
			break
		}
	}
	if label != "" {
		b.log("busy", "op", label, "elapsed", b.clock.Now().Sub(start))
	}
}

// Delay implements Bus.
func (b *SPIBus) Delay(d time.Duration) {
	b.clock.Sleep(d)
}

func (b *SPIBus) transaction(p []byte) (err error) {
	if err = b.setCS(gpio.Low); err != nil {
		return
	}
	defer func() {
		if e := b.setCS(gpio.High); err == nil {
			err = e
		}
	}()
	return b.tx(p)
}

// tx writes p in chunks no larger than the connection allows.
func (b *SPIBus) tx(p []byte) error {
	for len(p) > 0 {
		n := len(p)
		if n > b.maxTx {
			n = b.maxTx
		}
		if err := b.c.Tx(p[:n], nil); err != nil {
			return fmt.Errorf("epd: spi tx: %w", err)
		}
		p = p[n:]
	}
	return nil
}

func (b *SPIBus) setCS(l gpio.Level) error {
	if b.cs == nil {
		return nil
	}
	if err := b.cs.Out(l); err != nil {
		return fmt.Errorf("epd: cs %s: %w", l, err)
	}
	return nil
}

func (b *SPIBus) setDC(l gpio.Level) error {
	if b.dc == nil {
		return nil
	}
	if err := b.dc.Out(l); err != nil {
		return fmt.Errorf("epd: dc %s: %w", l, err)
	}
	return nil
}

func (b *SPIBus) log(msg string, kv ...any) {
	if b.diag != nil {
		b.diag(msg, kv...)
	}
}

var _ Bus = &SPIBus{}
