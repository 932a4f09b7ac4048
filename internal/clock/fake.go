package clock

import "time"

// FakeClock is a manually advanced Clock. Not safe for concurrent use;
// advance it from the test goroutine only.
type FakeClock struct {
	now time.Time
}

func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t.UTC()}
}

func (c *FakeClock) Now() time.Time {
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

// After consumes fake time instead of wall time: it advances the clock by d
// and fires immediately.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.Advance(d)
	ch := make(chan time.Time, 1)
	ch <- c.now
	return ch
}
