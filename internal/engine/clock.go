package engine

import (
	"sync"
	"time"
)

// Clock abstracts wall time so replay can drive the same evaluation
// path with candle timestamps.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock in UTC.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now().UTC() }

// SimClock is a manually advanced clock, safe for concurrent reads.
type SimClock struct {
	mu  sync.RWMutex
	now time.Time
}

// NewSimClock starts a simulated clock at t.
func NewSimClock(t time.Time) *SimClock {
	return &SimClock{now: t}
}

func (c *SimClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Advance moves the clock to t. Time never runs backwards.
func (c *SimClock) Advance(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.now) {
		c.now = t
	}
}
