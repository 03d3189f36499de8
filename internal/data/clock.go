package data

import (
	"sync"
	"time"

	"github.com/target/mmk-jobs/internal/core"
)

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ManualClock only moves when told to. Tests share one between a store and
// an engine to drive delays, claim expiry and retention deterministically.
type ManualClock struct {
	mu  sync.RWMutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Advance moves the clock forward by d and returns the new time.
func (c *ManualClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// ClockOrSystem returns tp, or SystemClock when tp is nil.
func ClockOrSystem(tp core.TimeProvider) core.TimeProvider {
	if tp == nil {
		return SystemClock{}
	}
	return tp
}

var (
	_ core.TimeProvider = SystemClock{}
	_ core.TimeProvider = (*ManualClock)(nil)
)
