// Package clock abstracts wall-clock access so time-dependent code can be
// driven by a fake in tests.
package clock

import "time"

// Clock supplies the current time and timer channels. Billing windows,
// allocation boundaries, and poll backoffs all read time through it.
type Clock interface {
	Now() time.Time
	// After behaves like time.After for waits tests must not sit through.
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}

func (realClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func NewRealClock() Clock {
	return realClock{}
}
