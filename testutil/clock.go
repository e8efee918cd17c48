package testutil

import "time"

var defaultStartTime = time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC)

// Clock implements clock.Clock with a manually advanced time. Now returns
// the same instant until Add is called, which keeps multi-step operations
// that read the clock more than once deterministic.
type Clock struct {
	now time.Time
}

// Now implements clock.Clock.
func (c *Clock) Now() time.Time {
	return c.now
}

// Add advances the clock and returns the new time.
func (c *Clock) Add(d time.Duration) time.Time {
	c.now = c.now.Add(d)
	return c.now
}

func NewClock() *Clock {
	return &Clock{now: defaultStartTime}
}
