package epd

import (
	"fmt"
	"time"
)

// Mode is the addressing mode the controller was last initialised for.
type Mode uint8

// Controller modes.
const (
	ModeNone Mode = iota
	ModeFull
	ModePartial
)

func (m Mode) String() string {
	switch m {
	case ModeFull:
		return "full"
	case ModePartial:
		return "partial"
	default:
		return "none"
	}
}

// State is a snapshot of the controller state tracked by the Driver.
type State struct {
	PowerOn        bool `json:"power_on"`
	PartialMode    bool `json:"partial_mode"`
	InitialWrite   bool `json:"initial_write"`
	InitialRefresh bool `json:"initial_refresh"`
	Hibernating    bool `json:"hibernating"`
	// RefreshPending is set while an update was activated without waiting
	// for the busy line.
	RefreshPending bool `json:"refresh_pending"`
}

// Opts configures a Driver.
type Opts struct {
	// WaitAfterRefresh overrides Profile.WaitAfterUpdate when set.
	WaitAfterRefresh *bool
	// Diag receives diagnostic messages. nil disables them.
	Diag func(msg string, kv ...any)
}

// InitOpts configures Init.
type InitOpts struct {
	// PulldownReset selects the pulldown-release reset sequence on buses
	// that support both.
	PulldownReset bool
	// KeepContent skips the forced first clear and first full refresh,
	// for panels known to hold a defined image from a previous run.
	KeepContent bool
}

// Driver implements the controller protocol and state machine. It is not
// safe for concurrent use; see Locked.
type Driver struct {
	bus Bus
	p   *Profile

	waitAfterUpdate bool
	diag            func(msg string, kv ...any)

	mode           Mode
	powerOn        bool
	initialWrite   bool
	initialRefresh bool
	hibernating    bool
	refreshPending bool
	pendingWait    time.Duration
}

// New returns a Driver for the panel described by p on bus.
func New(bus Bus, p *Profile, opts *Opts) (*Driver, error) {
	if bus == nil {
		return nil, ErrNoBus
	}
	if p == nil {
		return nil, ErrNoProfile
	}
	if p.Width <= 0 || p.Height <= 0 || p.Height > 0xFFFF || p.Width/8 > 0xFF {
		return nil, fmt.Errorf("epd: invalid geometry %dx%d", p.Width, p.Height)
	}
	if opts == nil {
		opts = &Opts{}
	}
	d := &Driver{
		bus:             bus,
		p:               p,
		waitAfterUpdate: p.WaitAfterUpdate,
		diag:            opts.Diag,
		initialWrite:    true,
		initialRefresh:  true,
	}
	if opts.WaitAfterRefresh != nil {
		d.waitAfterUpdate = *opts.WaitAfterRefresh
	}
	return d, nil
}

// Profile returns the panel profile.
func (d *Driver) Profile() *Profile {
	return d.p
}

// State returns the tracked controller state.
func (d *Driver) State() State {
	return State{
		PowerOn:        d.powerOn,
		PartialMode:    d.mode == ModePartial,
		InitialWrite:   d.initialWrite,
		InitialRefresh: d.initialRefresh,
		Hibernating:    d.hibernating,
		RefreshPending: d.refreshPending,
	}
}

// Mode returns the mode the controller was last initialised for.
func (d *Driver) Mode() Mode {
	return d.mode
}

// String implements fmt.Stringer.
func (d *Driver) String() string {
	return fmt.Sprintf("epd.Driver{%s, %s}", d.p, d.bus)
}

// Init resets the controller and the tracked state. It must be called
// before any other operation and again to leave hibernation.
func (d *Driver) Init(opts *InitOpts) error {
	if opts == nil {
		opts = &InitOpts{}
	}
	d.initialWrite = !opts.KeepContent
	d.initialRefresh = !opts.KeepContent
	if pr, ok := d.bus.(interface{ SetPulldownReset(bool) }); ok {
		pr.SetPulldownReset(opts.PulldownReset)
	}
	d.mode = ModeNone
	d.refreshPending = false
	if err := d.reset(); err != nil {
		return fmt.Errorf("epd: init: %w", err)
	}
	return nil
}

// reset pulses the reset line. The controller comes out of reset unpowered,
// unaddressed and awake.
func (d *Driver) reset() error {
	if err := d.bus.Reset(); err != nil {
		return err
	}
	d.hibernating = false
	d.powerOn = false
	d.mode = ModeNone
	return nil
}

// initDisplay runs the controller init sequence with the RAM window set to
// the whole panel.
func (d *Driver) initDisplay() error {
	// A reset aborts a running update.
	d.settle()
	if err := d.reset(); err != nil {
		return err
	}
	d.bus.Delay(d.p.Timing.ResetSettle)

	eh := errorHandler{bus: d.bus}
	eh.command(cmdSWReset)
	if eh.err != nil {
		return eh.err
	}
	d.bus.Delay(d.p.Timing.ResetSettle)

	last := uint16(d.p.Height - 1)
	eh.command(cmdDriverOutputControl)
	eh.data(lo(last), hi(last), 0x00)

	eh.command(cmdDataEntryMode)
	eh.data(entryXIncYDec)

	eh.command(cmdSetRAMXWindow)
	eh.data(0x00, byte(d.ramWidth()/8-1))

	eh.command(cmdSetRAMYWindow)
	eh.data(lo(last), hi(last), 0x00, 0x00)

	eh.command(cmdBorderWaveform)
	eh.data(d.p.BorderWaveform)

	eh.command(cmdTempSensorSelect)
	eh.data(d.p.TempSensor)

	eh.command(cmdDisplayUpdateControl1)
	eh.data(d.p.UpdateControl[0], d.p.UpdateControl[1])

	eh.command(cmdSetRAMXCounter)
	eh.data(0x00)

	eh.command(cmdSetRAMYCounter)
	eh.data(lo(last), hi(last))
	if eh.err != nil {
		return eh.err
	}

	d.bus.WaitWhileBusy("initDisplay", d.p.Timing.PowerOn)
	return nil
}

// initFull prepares the controller for a full refresh.
func (d *Driver) initFull() error {
	if err := d.initDisplay(); err != nil {
		return err
	}
	if err := d.powerOnSeq(); err != nil {
		return err
	}
	d.mode = ModeFull
	return nil
}

// initPart prepares the controller for windowed writes and refreshes.
func (d *Driver) initPart() error {
	if err := d.initDisplay(); err != nil {
		return err
	}
	if err := d.powerOnSeq(); err != nil {
		return err
	}
	d.mode = ModePartial
	return nil
}

// ensurePartial runs initPart unless the controller is already in partial
// mode.
func (d *Driver) ensurePartial() error {
	if d.mode == ModePartial {
		return nil
	}
	return d.initPart()
}

// PowerOn enables the analog supplies. It does nothing if they are on.
func (d *Driver) PowerOn() error {
	if err := d.powerOnSeq(); err != nil {
		return fmt.Errorf("epd: power on: %w", err)
	}
	return nil
}

func (d *Driver) powerOnSeq() error {
	if d.powerOn {
		return nil
	}
	eh := errorHandler{bus: d.bus}
	eh.command(cmdDisplayUpdateControl2)
	eh.data(d.p.Update.PowerOn)
	eh.command(cmdMasterActivation)
	if eh.err != nil {
		return eh.err
	}
	d.bus.WaitWhileBusy("powerOn", d.p.Timing.PowerOn)
	d.powerOn = true
	return nil
}

// PowerOff disables the analog supplies. The controller forgets its window
// state, so the next operation re-initialises it.
func (d *Driver) PowerOff() error {
	if err := d.powerOffSeq(); err != nil {
		return fmt.Errorf("epd: power off: %w", err)
	}
	return nil
}

func (d *Driver) powerOffSeq() error {
	d.settle()
	if d.powerOn {
		eh := errorHandler{bus: d.bus}
		eh.command(cmdDisplayUpdateControl2)
		eh.data(d.p.Update.PowerOff)
		eh.command(cmdMasterActivation)
		if eh.err != nil {
			return eh.err
		}
		d.bus.WaitWhileBusy("powerOff", d.p.Timing.PowerOff)
	}
	d.powerOn = false
	d.mode = ModeNone
	return nil
}

// Hibernate powers off and puts the controller into deep sleep. Deep sleep
// is only entered when a reset line is wired, as nothing else can wake the
// controller. Call Init to resume.
func (d *Driver) Hibernate() error {
	if d.hibernating {
		return nil
	}
	if err := d.powerOffSeq(); err != nil {
		return fmt.Errorf("epd: hibernate: %w", err)
	}
	if !d.bus.HasReset() {
		return nil
	}
	eh := errorHandler{bus: d.bus}
	eh.command(cmdDeepSleepMode)
	eh.data(0x01)
	if eh.err != nil {
		return fmt.Errorf("epd: hibernate: %w", eh.err)
	}
	d.hibernating = true
	d.bus.Delay(d.p.Timing.DeepSleep)
	return nil
}

// WaitUntilIdle blocks until a refresh started without waiting has
// completed (or the busy timeout elapsed).
func (d *Driver) WaitUntilIdle() {
	d.settle()
}

func (d *Driver) settle() {
	if !d.refreshPending {
		return
	}
	d.bus.WaitWhileBusy("refresh", d.pendingWait)
	d.refreshPending = false
}

func (d *Driver) log(msg string, kv ...any) {
	if d.diag != nil {
		d.diag(msg, kv...)
	}
}

// errorHandler keeps the first bus error so protocol sequences can be
// written straight-line.
type errorHandler struct {
	bus Bus
	err error
}

func (eh *errorHandler) command(c byte) {
	if eh.err == nil {
		eh.err = eh.bus.WriteCommand(c)
	}
}

func (eh *errorHandler) data(p ...byte) {
	if eh.err == nil {
		eh.err = eh.bus.WriteData(p...)
	}
}

func lo(v uint16) byte { return byte(v) }
func hi(v uint16) byte { return byte(v >> 8) }
