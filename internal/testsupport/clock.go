package testsupport

import (
	"sort"
	"sync"
	"time"

	"genrelay/internal/retry"
)

// ManualClock is a retry.Clock driven by Advance. An instant clock fires
// every timer as soon as it is scheduled, moving time forward by its delay.
type ManualClock struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	timers  []*manualTimer
	delays  []time.Duration
	instant bool
}

type manualTimer struct {
	clock   *ManualClock
	id      int
	at      time.Time
	fn      func()
	stopped bool
	fired   bool
}

// NewManualClock returns a clock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// NewInstantClock returns a clock whose timers fire immediately.
func NewInstantClock(start time.Time) *ManualClock {
	return &ManualClock{now: start, instant: true}
}

// Now returns the current fake time.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// AfterFunc schedules fn at now+d and records d.
func (c *ManualClock) AfterFunc(d time.Duration, fn func()) retry.Timer {
	c.mu.Lock()
	c.seq++
	c.delays = append(c.delays, d)
	t := &manualTimer{clock: c, id: c.seq, at: c.now.Add(d), fn: fn}
	if c.instant {
		c.now = t.at
		t.fired = true
		c.mu.Unlock()
		fn()
		return t
	}
	c.timers = append(c.timers, t)
	c.mu.Unlock()
	return t
}

// Advance moves time forward and fires every timer that became due, in
// deadline order.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		sort.SliceStable(c.timers, func(i, j int) bool { return c.timers[i].at.Before(c.timers[j].at) })
		var next *manualTimer
		for i, t := range c.timers {
			if !t.at.After(target) {
				next = t
				c.timers = append(c.timers[:i], c.timers[i+1:]...)
				break
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		if next.at.After(c.now) {
			c.now = next.at
		}
		next.fired = true
		c.mu.Unlock()
		next.fn()
	}
}

// Delays returns every delay passed to AfterFunc so far.
func (c *ManualClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

// Pending returns the number of timers waiting to fire.
func (c *ManualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (t *manualTimer) Stop() bool {
	c := t.clock
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	for i, other := range c.timers {
		if other == t {
			c.timers = append(c.timers[:i], c.timers[i+1:]...)
			break
		}
	}
	return true
}
