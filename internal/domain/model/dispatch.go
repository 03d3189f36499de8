//revive:disable-next-line:var-naming // legacy package name widely used across the project
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// BackoffKind selects how retry delays grow.
type BackoffKind string

const (
	// BackoffFixed waits Base between every attempt.
	BackoffFixed BackoffKind = "fixed"
	// BackoffExponential waits Base*2^(n-1) before attempt n+1.
	BackoffExponential BackoffKind = "exponential"
)

// Valid returns true if the BackoffKind is known.
func (k BackoffKind) Valid() bool {
	return k == BackoffFixed || k == BackoffExponential
}

// ParseBackoffKind parses a backoff kind, case-insensitively.
func ParseBackoffKind(s string) (BackoffKind, error) {
	k := BackoffKind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("unknown backoff kind %q", s)
	}
	return k, nil
}

// BackoffPolicy configures the delay between attempts.
type BackoffPolicy struct {
	Kind BackoffKind   `json:"kind"`
	Base time.Duration `json:"base"`
	Max  time.Duration `json:"max,omitempty"`
}

// RetentionPolicy bounds how long finished items stay in the engine.
// A zero MaxAge or MaxCount means no bound on that axis.
type RetentionPolicy struct {
	MaxAge   time.Duration `json:"max_age,omitempty"`
	MaxCount int           `json:"max_count,omitempty"`
}

// DispatchPolicy is the retry and retention policy attached to an engine item.
type DispatchPolicy struct {
	Attempts      int             `json:"attempts"`
	Backoff       BackoffPolicy   `json:"backoff"`
	KeepCompleted RetentionPolicy `json:"keep_completed"`
	KeepFailed    RetentionPolicy `json:"keep_failed"`
}

// Validate checks the policy is usable by an engine.
func (p DispatchPolicy) Validate() error {
	if p.Attempts < 1 {
		return errors.New("dispatch policy attempts must be >= 1")
	}
	if !p.Backoff.Kind.Valid() {
		return fmt.Errorf("dispatch policy backoff kind %q is invalid", p.Backoff.Kind)
	}
	if p.Backoff.Base < 0 || p.Backoff.Max < 0 {
		return errors.New("dispatch policy backoff durations must be >= 0")
	}
	if p.KeepCompleted.MaxAge < 0 || p.KeepFailed.MaxAge < 0 {
		return errors.New("dispatch policy retention ages must be >= 0")
	}
	if p.KeepCompleted.MaxCount < 0 || p.KeepFailed.MaxCount < 0 {
		return errors.New("dispatch policy retention counts must be >= 0")
	}
	return nil
}

// DispatchOverrides replaces selected fields of a queue's default policy.
// Nil fields keep the default.
type DispatchOverrides struct {
	Attempts      *int
	Backoff       *BackoffPolicy
	KeepCompleted *RetentionPolicy
	KeepFailed    *RetentionPolicy
}

// Apply returns base with the non-nil overrides applied.
func (o *DispatchOverrides) Apply(base DispatchPolicy) DispatchPolicy {
	if o == nil {
		return base
	}
	if o.Attempts != nil {
		base.Attempts = *o.Attempts
	}
	if o.Backoff != nil {
		base.Backoff = *o.Backoff
	}
	if o.KeepCompleted != nil {
		base.KeepCompleted = *o.KeepCompleted
	}
	if o.KeepFailed != nil {
		base.KeepFailed = *o.KeepFailed
	}
	return base
}
