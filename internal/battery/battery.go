// Package battery reads the charge of the UPS board powering a
// battery-operated panel, so the daemon can report it and skip refreshes
// when it runs low.
package battery

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// DefaultAddr is the I2C address of the PiSugar3 battery controller.
const DefaultAddr = 0x57

// PiSugar3 registers.
const (
	regVoltageHigh byte = 0x22
	regVoltageLow  byte = 0x23
	regPercent     byte = 0x2A
)

// Status represents current battery status.
type Status struct {
	// Percent is the battery level in 0–100%.
	Percent int `json:"percent"`
	// VoltageMv is the battery voltage in millivolts.
	VoltageMv int `json:"voltage_mv"`
}

// Reader abstracts how battery information is obtained.
type Reader interface {
	Read(ctx context.Context) (Status, error)
}

// PiSugar reads a PiSugar3 over I2C.
type PiSugar struct {
	dev *i2c.Dev
}

// NewPiSugar returns a Reader for the controller at addr on b.
func NewPiSugar(b i2c.Bus, addr uint16) *PiSugar {
	return &PiSugar{dev: &i2c.Dev{Bus: b, Addr: addr}}
}

// Open initialises periph, opens the named I2C bus ("" for the first one)
// and returns a PiSugar reader. The closer releases the bus.
func Open(busName string, addr uint16) (*PiSugar, io.Closer, error) {
	if _, err := host.Init(); err != nil {
		return nil, nil, fmt.Errorf("battery: host init: %w", err)
	}
	bus, err := i2creg.Open(busName)
	if err != nil {
		return nil, nil, fmt.Errorf("battery: open i2c %q: %w", busName, err)
	}
	return NewPiSugar(bus, addr), bus, nil
}

// Read implements Reader.
func (p *PiSugar) Read(_ context.Context) (Status, error) {
	high, err := p.readReg(regVoltageHigh)
	if err != nil {
		return Status{}, err
	}
	low, err := p.readReg(regVoltageLow)
	if err != nil {
		return Status{}, err
	}
	pct, err := p.readReg(regPercent)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Percent:   int(min(pct, 100)),
		VoltageMv: int(uint16(high)<<8 | uint16(low)),
	}, nil
}

func (p *PiSugar) readReg(reg byte) (byte, error) {
	buf := []byte{0}
	if err := p.dev.Tx([]byte{reg}, buf); err != nil {
		return 0, fmt.Errorf("battery: read register 0x%02X: %w", reg, err)
	}
	return buf[0], nil
}

// Cached wraps a Reader and reuses a reading for ttl.
type Cached struct {
	r   Reader
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	last Status
	at   time.Time
}

// NewCached returns a Reader caching r for ttl.
func NewCached(r Reader, ttl time.Duration) *Cached {
	return &Cached{r: r, ttl: ttl, now: time.Now}
}

// Read implements Reader.
func (c *Cached) Read(ctx context.Context) (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if !c.at.IsZero() && now.Sub(c.at) < c.ttl {
		return c.last, nil
	}
	s, err := c.r.Read(ctx)
	if err != nil {
		return Status{}, err
	}
	c.last, c.at = s, now
	return s, nil
}
