// Package backoff computes retry delays for failed engine items.
package backoff

import (
	"math"
	"time"

	"github.com/target/mmk-jobs/internal/domain/model"
)

// Strategy computes the delay before a retry attempt.
type Strategy interface {
	// Delay returns how long to wait before retry attempt n (1-indexed).
	// Attempt 1 is the first retry after the initial failure.
	Delay(attempt int) time.Duration
}

// Constant always returns the same delay regardless of attempt number.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return max(c.Interval, 0)
}

// Exponential doubles the delay each attempt.
// Delay = min(Initial * 2^(attempt-1), Max). A zero Max means uncapped.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential backoff strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(attempt-1), capped at Max and at the largest
// representable duration.
func (e *Exponential) Delay(attempt int) time.Duration {
	if e.Initial <= 0 {
		return 0
	}
	attempt = max(attempt, 1)
	f := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	d := time.Duration(math.MaxInt64)
	if f < float64(math.MaxInt64) {
		d = time.Duration(f)
	}
	if e.Max > 0 && d > e.Max {
		return e.Max
	}
	return d
}

// FromPolicy returns the strategy described by p. Unknown kinds fall back to
// exponential.
func FromPolicy(p model.BackoffPolicy) Strategy {
	if p.Kind == model.BackoffFixed {
		return NewConstant(p.Base)
	}
	return NewExponential(p.Base, p.Max)
}

// DefaultStrategy returns the default retry backoff: exponential from 1s.
func DefaultStrategy() Strategy {
	return NewExponential(time.Second, 0)
}
