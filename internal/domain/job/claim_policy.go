package job

import (
	"errors"
	"time"
)

// MinClaimTTL is the shortest claim a worker may hold on an engine item.
const MinClaimTTL = time.Second

// ErrInvalidDefaultClaim indicates the configured default claim TTL is not positive.
var ErrInvalidDefaultClaim = errors.New("default claim ttl must be positive")

// ClaimSource identifies how a claim TTL was resolved.
type ClaimSource string

const (
	// ClaimSourceExplicit indicates the caller supplied a usable duration.
	ClaimSourceExplicit ClaimSource = "explicit"
	// ClaimSourceDefault indicates the default duration was used.
	ClaimSourceDefault ClaimSource = "default"
	// ClaimSourceClamped indicates the requested duration was raised to MinClaimTTL.
	ClaimSourceClamped ClaimSource = "clamped"
)

// ClaimPolicy normalises how long a worker may hold a claimed item before
// stall recovery returns it to the queue.
type ClaimPolicy struct {
	defaultTTL time.Duration
}

// NewClaimPolicy constructs a ClaimPolicy with the provided default TTL.
func NewClaimPolicy(defaultTTL time.Duration) (*ClaimPolicy, error) {
	if defaultTTL <= 0 {
		return nil, ErrInvalidDefaultClaim
	}
	if defaultTTL < MinClaimTTL {
		defaultTTL = MinClaimTTL
	}
	return &ClaimPolicy{defaultTTL: defaultTTL}, nil
}

// Default returns the configured default claim TTL.
func (p *ClaimPolicy) Default() time.Duration {
	if p == nil {
		return 0
	}
	return p.defaultTTL
}

// ClaimDecision captures the outcome of resolving a claim request.
type ClaimDecision struct {
	TTL       time.Duration
	Source    ClaimSource
	Requested time.Duration
}

// Clamped reports whether the requested value was raised to the minimum.
func (d ClaimDecision) Clamped() bool {
	return d.Source == ClaimSourceClamped
}

// Resolve normalises the requested TTL. Zero selects the default; anything
// below MinClaimTTL, negative included, is clamped. Durations are truncated to
// whole milliseconds, the engine's resolution.
func (p *ClaimPolicy) Resolve(request time.Duration) ClaimDecision {
	decision := ClaimDecision{Requested: request}
	if p == nil {
		decision.TTL = MinClaimTTL
		decision.Source = ClaimSourceClamped
		return decision
	}

	switch {
	case request == 0:
		decision.TTL = p.defaultTTL
		decision.Source = ClaimSourceDefault
	case request < MinClaimTTL:
		decision.TTL = MinClaimTTL
		decision.Source = ClaimSourceClamped
	default:
		decision.TTL = request
		decision.Source = ClaimSourceExplicit
	}
	decision.TTL = decision.TTL.Truncate(time.Millisecond)
	return decision
}
