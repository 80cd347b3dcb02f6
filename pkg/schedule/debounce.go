package schedule

import (
	"sync"
	"time"
)

// Debouncer coalesces bursts of triggers into one call of fn, made once delay
// has passed without a new trigger.
type Debouncer struct {
	sched Scheduler
	delay time.Duration
	fn    func()

	mu    sync.Mutex
	timer Timer
	gen   uint64
}

func NewDebouncer(sched Scheduler, delay time.Duration, fn func()) *Debouncer {
	if sched == nil {
		sched = Real()
	}
	return &Debouncer{sched: sched, delay: delay, fn: fn}
}

// Trigger cancels the pending call, if any, and starts a fresh delay.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = d.sched.AfterFunc(d.delay, func() {
		d.mu.Lock()
		if gen != d.gen {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()
		if d.fn != nil {
			d.fn()
		}
	})
}

// Stop cancels the pending call.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
}
