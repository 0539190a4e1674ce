package tiles

import "time"

// throttle limits the rate of an action to once per interval. Triggers arriving too
// early collapse into a single run scheduled on C.
type throttle struct {
	interval time.Duration
	next     time.Time
	pending  bool
	timer    *time.Timer
}

func newThrottle(interval time.Duration) *throttle {
	t := &throttle{interval: interval, timer: time.NewTimer(time.Hour)}
	t.timer.Stop()
	return t
}

// trigger reports whether the action may run now. When it may not, a run is
// scheduled on C unless one already is.
func (t *throttle) trigger(now time.Time) bool {
	if t.pending {
		return false
	}
	if !now.Before(t.next) {
		t.next = now.Add(t.interval)
		return true
	}
	t.pending = true
	t.timer.Reset(t.next.Sub(now))
	return false
}

func (t *throttle) C() <-chan time.Time { return t.timer.C }

// fired must be called when a value is received from C.
func (t *throttle) fired() {
	t.pending = false
	t.next = t.next.Add(t.interval)
}

func (t *throttle) stop() { t.timer.Stop() }

// debounce fires on C once delay has elapsed without any touch.
type debounce struct {
	delay time.Duration
	timer *time.Timer
}

func newDebounce(delay time.Duration) *debounce {
	d := &debounce{delay: delay, timer: time.NewTimer(time.Hour)}
	d.timer.Stop()
	return d
}

func (d *debounce) touch() { d.timer.Reset(d.delay) }

func (d *debounce) C() <-chan time.Time { return d.timer.C }

func (d *debounce) stop() { d.timer.Stop() }
