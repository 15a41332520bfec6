package relay

import (
	"sync"
	"time"
)

// clock hands out strictly increasing UTC timestamps at microsecond
// resolution, the finest resolution every store backend keeps. Two sends on
// one relay therefore never share a CreatedAt.
type clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func newClock(now func() time.Time) *clock {
	return &clock{now: now}
}

func (c *clock) Next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}
