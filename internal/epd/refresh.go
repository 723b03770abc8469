package epd

import (
	"fmt"
	"time"
)

// Refresh updates the panel from RAM. A partial refresh covers the whole
// panel through the windowed path. A full refresh re-initialises the
// controller for full addressing when needed.
//
// Unless the driver waits after updates, Refresh returns as soon as the
// update is activated; see WaitUntilIdle.
func (d *Driver) Refresh(partial bool) error {
	if partial {
		return d.RefreshRect(Rect{W: d.p.Width, H: d.p.Height})
	}
	if err := d.refreshFull(); err != nil {
		return fmt.Errorf("epd: refresh: %w", err)
	}
	return nil
}

// RefreshRect runs a partial refresh of the byte aligned window covering r.
// The first refresh after Init is always a full refresh.
func (d *Driver) RefreshRect(r Rect) error {
	if d.initialRefresh {
		return d.Refresh(false)
	}
	win, ok := d.clipRefresh(r.X, r.Y, r.W, r.H)
	if !ok {
		return nil
	}
	err := d.ensurePartial()
	if err == nil {
		err = d.setPartialRAMArea(win)
	}
	if err == nil {
		err = d.update("partialRefresh", d.p.Update.PartialUpdate, d.p.Timing.PartialRefresh)
	}
	if err != nil {
		return fmt.Errorf("epd: refresh %v: %w", win, err)
	}
	return nil
}

func (d *Driver) refreshFull() error {
	if d.mode != ModeFull {
		if err := d.initFull(); err != nil {
			return err
		}
	}
	if err := d.update("fullRefresh", d.p.Update.FullRefresh, d.p.Timing.FullRefresh); err != nil {
		return err
	}
	d.initialRefresh = false
	return nil
}

// update activates the display update sequence seq.
func (d *Driver) update(label string, seq byte, fallback time.Duration) error {
	d.settle()
	eh := errorHandler{bus: d.bus}
	eh.command(cmdDisplayUpdateControl2)
	eh.data(seq)
	eh.command(cmdMasterActivation)
	if eh.err != nil {
		return eh.err
	}
	if d.waitAfterUpdate {
		d.bus.WaitWhileBusy(label, fallback)
		return nil
	}
	d.refreshPending = true
	d.pendingWait = fallback
	d.log("update started", "op", label)
	return nil
}
