package epd

import "sync"

// Locked serialises access to a Driver shared by several goroutines, such
// as the HTTP handlers and the scheduler.
type Locked struct {
	mu sync.Mutex
	d  *Driver
}

// NewLocked wraps d.
func NewLocked(d *Driver) *Locked {
	return &Locked{d: d}
}

// Do runs fn with exclusive access to the driver.
func (l *Locked) Do(fn func(d *Driver) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(l.d)
}

// State returns the tracked controller state.
func (l *Locked) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.d.State()
}

// Profile returns the panel profile. Profiles are immutable.
func (l *Locked) Profile() *Profile {
	return l.d.Profile()
}
