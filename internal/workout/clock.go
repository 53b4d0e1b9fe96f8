package workout

import (
	"sync"
	"time"
)

// Clock is the time source of a Manager. Elapsed time is always computed with
// Time.Sub between two readings, so a clock returning time.Now (which carries a
// monotonic reading) is immune to wall clock adjustments.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock returns the process clock
func SystemClock() Clock {
	return systemClock{}
}

// FakeClock is a manually advanced Clock
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
