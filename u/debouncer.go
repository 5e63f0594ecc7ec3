package u

import (
	"sync"
	"time"
)

// Debouncer runs the last function given to Debounce() once Timeout passes
// without another Debounce() call. Safe for concurrent use.
type Debouncer struct {
	Timeout time.Duration

	mu    sync.Mutex
	timer *time.Timer
	f     func()
}

func (d *Debouncer) run() {
	// grab and clear f under lock so a concurrent Debounce() schedules a new run
	d.mu.Lock()
	f := d.f
	d.f = nil
	d.timer = nil
	d.mu.Unlock()
	if f != nil {
		f()
	}
}

func (d *Debouncer) Debounce(f func()) {
	PanicIf(d.Timeout == 0, "debounce timeout is 0")
	d.mu.Lock()
	defer d.mu.Unlock()
	d.f = f
	if d.timer != nil {
		d.timer.Reset(d.Timeout)
		return
	}
	d.timer = time.AfterFunc(d.Timeout, d.run)
}

// Stop cancels a pending run. Returns true if there was one
func (d *Debouncer) Stop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer == nil {
		return false
	}
	stopped := d.timer.Stop()
	d.timer = nil
	d.f = nil
	return stopped
}
