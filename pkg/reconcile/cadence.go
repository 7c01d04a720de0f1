package reconcile

import "time"

// cadence decides when the live message may be edited again. The delay
// between edits grows with the number of edits already issued and never
// shrinks within a turn.
type cadence struct {
	base  time.Duration
	last  time.Time
	edits int
}

func newCadence(base time.Duration, start time.Time) *cadence {
	return &cadence{base: base, last: start}
}

func (c *cadence) delay() time.Duration {
	switch {
	case c.edits >= 16:
		return c.base * 16
	case c.edits >= 8:
		return c.base * 8
	default:
		return c.base
	}
}

// due reports whether the delay has elapsed at now. A due window restarts the
// delay even when the caller ends up not editing.
func (c *cadence) due(now time.Time) bool {
	if now.Sub(c.last) <= c.delay() {
		return false
	}
	c.last = now
	return true
}

func (c *cadence) edited() {
	c.edits++
}
