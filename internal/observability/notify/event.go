// Package notify holds the job failure payload shared by alert sinks.
package notify

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
)

// JobFailurePayload describes a job record that reached FAILED.
type JobFailurePayload struct {
	JobID       string
	JobType     string
	OwnerID     string
	Attempts    int
	MaxAttempts int
	Error       string
	ErrorClass  string
	// Severity defaults to SeverityCritical.
	Severity   string
	OccurredAt time.Time
	// Metadata carries extra context such as the queue and item id. Sinks never
	// let it override the fixed fields.
	Metadata map[string]string
}

// Sink delivers one failure notification.
type Sink interface {
	SendJobFailure(ctx context.Context, payload JobFailurePayload) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, payload JobFailurePayload) error

func (f SinkFunc) SendJobFailure(ctx context.Context, payload JobFailurePayload) error {
	if f == nil {
		return nil
	}
	return f(ctx, payload)
}

// EffectiveSeverity returns the lower-cased severity or SeverityCritical.
func (p JobFailurePayload) EffectiveSeverity() string {
	if s := strings.ToLower(strings.TrimSpace(p.Severity)); s != "" {
		return s
	}
	return SeverityCritical
}

// Timestamp returns OccurredAt in UTC, or now when unset.
func (p JobFailurePayload) Timestamp() time.Time {
	if p.OccurredAt.IsZero() {
		return time.Now().UTC()
	}
	return p.OccurredAt.UTC()
}

// Summary is the one-line incident title.
func (p JobFailurePayload) Summary() string {
	return fmt.Sprintf("Job %s (%s) failed after %d attempt(s)",
		orUnknown(p.JobID), orUnknown(p.JobType), p.Attempts)
}

// DedupKey groups repeated alerts for the same job.
func (p JobFailurePayload) DedupKey() string {
	return strings.Trim(strings.TrimSpace(p.JobType)+":"+strings.TrimSpace(p.JobID), ":")
}

func orUnknown(v string) string {
	if v = strings.TrimSpace(v); v == "" {
		return "unknown"
	}
	return v
}
