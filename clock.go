package resilix

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time operations so that breakers, backoff waits and chaos
// latency can be tested deterministically. Production code uses
// [RealClock]; tests and chaos sandboxes use [ManualClock].
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Since returns the duration elapsed since t.
	Since(t time.Time) time.Duration
	// NewTimer creates a new [Timer] that will fire after duration d.
	NewTimer(d time.Duration) Timer
}

// Timer abstracts [time.Timer] so that fake clocks can provide controllable
// timers.
type Timer interface {
	// C returns the channel on which the timer's firing time is delivered.
	C() <-chan time.Time
	// Stop prevents the timer from firing and reports whether it was stopped
	// before it fired.
	Stop() bool
	// Reset changes the timer to fire after duration d and reports whether
	// the timer had been active before the reset.
	Reset(d time.Duration) bool
}

// RealClock is a zero-value [Clock] backed by the [time] package.
type RealClock struct{}

// Now returns [time.Now].
func (RealClock) Now() time.Time { return time.Now() }

// Since returns [time.Since].
func (RealClock) Since(t time.Time) time.Duration { return time.Since(t) }

// NewTimer wraps [time.NewTimer].
func (RealClock) NewTimer(d time.Duration) Timer {
	return &realTimer{inner: time.NewTimer(d)}
}

type realTimer struct {
	inner *time.Timer
}

func (t *realTimer) C() <-chan time.Time        { return t.inner.C }
func (t *realTimer) Stop() bool                 { return t.inner.Stop() }
func (t *realTimer) Reset(d time.Duration) bool { return t.inner.Reset(d) }

// sleep blocks for d on clock, returning early with ErrCancelled when ctx
// is done.
func sleep(ctx context.Context, clock Clock, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C():
		return nil
	case <-ctx.Done():
		return cancelled(ctx)
	}
}

// ---------------------------------------------------------------------------
// ManualClock
// ---------------------------------------------------------------------------

// ManualClock is a [Clock] whose time only moves when told to. With
// auto-advance enabled, every new timer moves the clock to its deadline and
// fires at once, so backoff waits and injected latency cost no wall time.
type ManualClock struct {
	mu          sync.Mutex
	now         time.Time
	autoAdvance bool
	timers      []*manualTimer
}

// NewManualClock returns a ManualClock positioned at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// NewAutoClock returns a ManualClock at start with auto-advance enabled.
func NewAutoClock(start time.Time) *ManualClock {
	return &ManualClock{now: start, autoAdvance: true}
}

// Now returns the clock's current time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

// Since returns Now().Sub(t).
func (c *ManualClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

// NewTimer returns a timer firing once the clock reaches now+d.
func (c *ManualClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &manualTimer{clock: c, ch: make(chan time.Time, 1)}

	if c.autoAdvance && d > 0 {
		c.now = c.now.Add(d)
		c.fireDueLocked()
	}

	t.deadline = c.now.Add(d)
	t.active = true

	if d <= 0 {
		t.fireLocked(c.now)

		return t
	}

	if c.autoAdvance {
		t.fireLocked(c.now)

		return t
	}

	c.timers = append(c.timers, t)

	return t
}

// Advance moves the clock forward by d and fires every timer whose deadline
// has been reached.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	c.fireDueLocked()
}

// Pending returns the number of armed timers.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0

	for _, t := range c.timers {
		if t.active {
			n++
		}
	}

	return n
}

func (c *ManualClock) fireDueLocked() {
	kept := c.timers[:0]

	for _, t := range c.timers {
		if !t.active {
			continue
		}

		if !t.deadline.After(c.now) {
			t.fireLocked(c.now)

			continue
		}

		kept = append(kept, t)
	}

	for i := len(kept); i < len(c.timers); i++ {
		c.timers[i] = nil
	}

	c.timers = kept
}

type manualTimer struct {
	clock    *ManualClock
	ch       chan time.Time
	deadline time.Time
	active   bool
}

func (t *manualTimer) C() <-chan time.Time { return t.ch }

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	was := t.active
	t.active = false

	return was
}

func (t *manualTimer) Reset(d time.Duration) bool {
	c := t.clock

	c.mu.Lock()
	defer c.mu.Unlock()

	was := t.active
	t.deadline = c.now.Add(d)
	t.active = true

	if d <= 0 || c.autoAdvance {
		if d > 0 {
			c.now = c.now.Add(d)
			c.fireDueLocked()
		}

		t.fireLocked(c.now)

		return was
	}

	if !was {
		c.timers = append(c.timers, t)
	}

	return was
}

// fireLocked delivers now without blocking; the channel holds one value.
func (t *manualTimer) fireLocked(now time.Time) {
	t.active = false

	select {
	case t.ch <- now:
	default:
	}
}
