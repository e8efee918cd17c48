package clock

import "time"

var Time Clock = &realClock{}

// Clock provides the current time. It is injected wherever this module
// needs "now" so that tests can control the clock.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (c *realClock) Now() time.Time {
	return time.Now()
}

// Func adapts a plain function to the Clock interface.
type Func func() time.Time

func (f Func) Now() time.Time {
	return f()
}
