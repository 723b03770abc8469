// Package epd drives SSD1680-class bistable e-paper panels over a 4-wire SPI
// bus using periph.io.
//
// The package is split in two layers. A Bus (see SPIBus) moves command and
// data bytes, pulses the reset line and polls the busy line. A Driver owns
// the controller state (power, partial/full addressing, first-write and
// first-refresh flags, hibernation) and implements the register protocol:
// initialisation, partial RAM windows, image writes with clipping and byte
// alignment, refresh and power sequencing.
//
// Panel specifics live in a Profile record rather than in per-panel types;
// Lookup returns the profile registered for a model name.
package epd

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"periph.io/x/conn/v3/gpio"
)

// Errors.
var (
	ErrUnknownModel = errors.New("epd: unknown panel model")
	ErrNoProfile    = errors.New("epd: profile is required")
	ErrNoBus        = errors.New("epd: bus is required")
)

// Controller opcodes (SSD1680).
const (
	cmdDriverOutputControl   byte = 0x01
	cmdDeepSleepMode         byte = 0x10
	cmdDataEntryMode         byte = 0x11
	cmdSWReset               byte = 0x12
	cmdTempSensorSelect      byte = 0x18
	cmdMasterActivation      byte = 0x20
	cmdDisplayUpdateControl1 byte = 0x21
	cmdDisplayUpdateControl2 byte = 0x22
	cmdWriteRAMCurrent       byte = 0x24
	cmdWriteRAMPrevious      byte = 0x26
	cmdBorderWaveform        byte = 0x3C
	cmdSetRAMXWindow         byte = 0x44
	cmdSetRAMYWindow         byte = 0x45
	cmdSetRAMXCounter        byte = 0x4E
	cmdSetRAMYCounter        byte = 0x4F
)

// Data entry modes for cmdDataEntryMode.
const (
	entryXIncYDec byte = 0x01
	entryXIncYInc byte = 0x03
)

// UpdateSequences holds the cmdDisplayUpdateControl2 arguments used for each
// activation the driver issues.
type UpdateSequences struct {
	PowerOn       byte
	PowerOff      byte
	FullRefresh   byte
	PartialUpdate byte
}

// Timing holds the fallback delays used when no busy line is wired.
type Timing struct {
	PowerOn        time.Duration
	PowerOff       time.Duration
	FullRefresh    time.Duration
	PartialRefresh time.Duration
	// ResetSettle is the pause after the hardware reset and after SWRESET.
	ResetSettle time.Duration
	// DeepSleep is the pause after entering deep sleep.
	DeepSleep time.Duration
}

// Profile describes one panel/controller combination. It is immutable once
// registered.
type Profile struct {
	Name string

	// Geometry in pixels.
	Width  int
	Height int

	HasColor             bool
	HasPartialUpdate     bool
	HasFastPartialUpdate bool

	// BusyLevel is the level of the busy line while the controller works.
	BusyLevel   gpio.Level
	BusyTimeout time.Duration

	Update UpdateSequences
	Timing Timing

	// Register values of the init sequence.
	BorderWaveform byte
	TempSensor     byte
	UpdateControl  [2]byte

	// WaitAfterUpdate makes refreshes block until the busy line clears.
	// When false the refresh returns right after activation so the next
	// buffer can be prepared while the panel is still updating.
	WaitAfterUpdate bool
}

// String implements fmt.Stringer.
func (p *Profile) String() string {
	return fmt.Sprintf("%s{%dx%d}", p.Name, p.Width, p.Height)
}

// GDEM029C90 is the 2.9" 128x296 black/white/red panel on an SSD1680.
var GDEM029C90 = Profile{
	Name:                 "gdem029c90",
	Width:                128,
	Height:               296,
	HasColor:             true,
	HasPartialUpdate:     false,
	HasFastPartialUpdate: false,
	BusyLevel:            gpio.High,
	BusyTimeout:          30 * time.Second,
	Update: UpdateSequences{
		PowerOn:       0xF8,
		PowerOff:      0x83,
		FullRefresh:   0xF4,
		PartialUpdate: 0xFC,
	},
	Timing: Timing{
		PowerOn:        100 * time.Millisecond,
		PowerOff:       150 * time.Millisecond,
		FullRefresh:    15 * time.Second,
		PartialRefresh: 15 * time.Second,
		ResetSettle:    time.Second,
		DeepSleep:      100 * time.Millisecond,
	},
	BorderWaveform: 0x05,
	TempSensor:     0x80,
	UpdateControl:  [2]byte{0x00, 0x80},
}

// GDEY029T94 is the 2.9" 128x296 black/white panel on the same controller.
var GDEY029T94 = Profile{
	Name:                 "gdey029t94",
	Width:                128,
	Height:               296,
	HasColor:             false,
	HasPartialUpdate:     true,
	HasFastPartialUpdate: true,
	BusyLevel:            gpio.High,
	BusyTimeout:          10 * time.Second,
	Update: UpdateSequences{
		PowerOn:       0xF8,
		PowerOff:      0x83,
		FullRefresh:   0xF4,
		PartialUpdate: 0xFC,
	},
	Timing: Timing{
		PowerOn:        100 * time.Millisecond,
		PowerOff:       150 * time.Millisecond,
		FullRefresh:    3 * time.Second,
		PartialRefresh: 800 * time.Millisecond,
		ResetSettle:    10 * time.Millisecond,
		DeepSleep:      100 * time.Millisecond,
	},
	BorderWaveform: 0x05,
	TempSensor:     0x80,
	UpdateControl:  [2]byte{0x00, 0x80},
}

var profiles = map[string]*Profile{
	GDEM029C90.Name: &GDEM029C90,
	GDEY029T94.Name: &GDEY029T94,
}

// SupportedModels returns the registered model names, sorted.
func SupportedModels() []string {
	retval := make([]string, 0, len(profiles))
	for k := range profiles {
		retval = append(retval, k)
	}
	sort.Strings(retval)
	return retval
}

// Lookup returns the profile registered under model.
func Lookup(model string) (*Profile, error) {
	p, ok := profiles[model]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownModel, model)
	}
	return p, nil
}
