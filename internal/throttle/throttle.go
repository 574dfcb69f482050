package throttle

import (
	"sync"
	"time"
)

// Throttler debounces a mutator: bursts of calls inside the interval collapse
// into a single deferred run, while callers that need it can force an
// immediate one. The mutex serialises direct runs and timer-fired runs, so
// the task never executes concurrently with itself. The zero value is not
// usable; construct with New.
type Throttler struct {
	interval time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	lastRun time.Time
	stopped bool
}

func New(interval time.Duration) *Throttler {
	return &Throttler{interval: interval}
}

// Throttle runs task now if the interval since the last run has elapsed or
// immediate is set, cancelling any pending timer first. Otherwise it
// schedules task for the end of the current interval window, unless a run is
// already pending. It reports whether the task ran synchronously.
func (t *Throttler) Throttle(task func(), immediate bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}

	now := time.Now()
	if immediate || !now.Before(t.lastRun.Add(t.interval)) {
		if t.timer != nil {
			t.timer.Stop()
			t.timer = nil
		}
		t.lastRun = now
		task()
		return true
	}

	if t.timer == nil {
		wait := t.lastRun.Add(t.interval).Sub(now)
		t.timer = time.AfterFunc(wait, func() { t.trigger(task) })
	}
	return false
}

func (t *Throttler) trigger(task func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.timer = nil
	t.lastRun = time.Now()
	task()
}

// Shutdown cancels any pending run. Further Throttle calls are no-ops.
func (t *Throttler) Shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
