package watcher

import (
	"sync"
	"time"
)

// Debouncer collapses bursts of calls into one. Editors and copy tools
// often write a file several times in quick succession; fn only runs once
// Trigger has not been called for the quiet period.
type Debouncer struct {
	mu      sync.Mutex
	quiet   time.Duration
	fn      func()
	timer   *time.Timer
	stopped bool
}

// NewDebouncer returns a Debouncer for fn. A zero quiet period runs fn on every Trigger.
func NewDebouncer(quiet time.Duration, fn func()) *Debouncer {
	return &Debouncer{
		quiet: quiet,
		fn:    fn,
	}
}

// Trigger schedules fn, pushing back any pending call
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if d.quiet <= 0 {
		go d.fn()
		return
	}

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.quiet, d.fn)
}

// Stop drops any pending call, later triggers are ignored
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
}
