// Package model defines the core data types shared by the job orchestration packages.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobType represents the kind of work a job performs. The set is closed and
// selects both the processor and the queue.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobType string

// JobStatus represents the last known lifecycle state of a job record.
type JobStatus string

const (
	// JobTypeEmail represents an outbound email delivery job.
	JobTypeEmail JobType = "email"
	// JobTypeFileTransform represents a file conversion or transformation job.
	JobTypeFileTransform JobType = "file_transform"
	// JobTypeReport represents a report generation job.
	JobTypeReport JobType = "report"
	// JobTypeWebhook represents an outbound webhook delivery job.
	JobTypeWebhook JobType = "webhook"

	// JobStatusPending indicates the job is recorded and waiting for a worker.
	JobStatusPending JobStatus = "PENDING"
	// JobStatusProcessing indicates a worker claimed the job or a retry is pending.
	JobStatusProcessing JobStatus = "PROCESSING"
	// JobStatusCompleted indicates the processor returned a result.
	JobStatusCompleted JobStatus = "COMPLETED"
	// JobStatusFailed indicates every attempt failed.
	JobStatusFailed JobStatus = "FAILED"
	// JobStatusCancelled indicates the job was cancelled before it finished.
	JobStatusCancelled JobStatus = "CANCELLED"
)

// DefaultMaxAttempts is the retry ceiling applied when a request does not set one.
const DefaultMaxAttempts = 3

// ErrInvalidJobType is returned when a job type outside the closed set is supplied.
var ErrInvalidJobType = errors.New("invalid job type")

// AllJobTypes returns every supported job type in a stable order.
func AllJobTypes() []JobType {
	return []JobType{JobTypeEmail, JobTypeFileTransform, JobTypeReport, JobTypeWebhook}
}

// Valid returns true if the JobType is part of the closed set.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeEmail, JobTypeFileTransform, JobTypeReport, JobTypeWebhook:
		return true
	default:
		return false
	}
}

// UnmarshalText implements encoding.TextUnmarshaler so job types can be parsed from env and flags.
func (t *JobType) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	jt := JobType(v)
	if !jt.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidJobType, v)
	}
	*t = jt
	return nil
}

// ParseJobTypes parses a comma-separated list of job types. An empty string yields nil.
func ParseJobTypes(raw string) ([]JobType, error) {
	var out []JobType
	seen := make(map[JobType]struct{})
	for part := range strings.SplitSeq(raw, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		var jt JobType
		if err := jt.UnmarshalText([]byte(part)); err != nil {
			return nil, err
		}
		if _, dup := seen[jt]; dup {
			continue
		}
		seen[jt] = struct{}{}
		out = append(out, jt)
	}
	return out, nil
}

// Valid returns true if the JobStatus is known.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Job is the durable, canonical record of one unit of work.
type Job struct {
	ID             string          `json:"id"                        db:"id"`
	Type           JobType         `json:"type"                      db:"type"`
	Status         JobStatus       `json:"status"                    db:"status"`
	Payload        json.RawMessage `json:"payload"                   db:"payload"`
	Result         json.RawMessage `json:"result,omitempty"          db:"result"`
	Error          *string         `json:"error,omitempty"           db:"error"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty" db:"idempotency_key"`
	OwnerID        *string         `json:"owner_id,omitempty"        db:"owner_id"`
	Attempts       int             `json:"attempts"                  db:"attempts"`
	MaxAttempts    int             `json:"max_attempts"              db:"max_attempts"`
	StartedAt      *time.Time      `json:"started_at,omitempty"      db:"started_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"    db:"completed_at"`
	FailedAt       *time.Time      `json:"failed_at,omitempty"       db:"failed_at"`
	CreatedAt      time.Time       `json:"created_at"                db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"                db:"updated_at"`
}

// ItemID returns the identifier used for this job's engine item: the
// idempotency key when present, otherwise the record id. Neither input
// changes after creation, so the value is stable for the record's lifetime.
func (j *Job) ItemID() string {
	if j.IdempotencyKey != nil && *j.IdempotencyKey != "" {
		return *j.IdempotencyKey
	}
	return j.ID
}

// OwnedBy reports whether the job is visible to ownerID. A nil owner means no scoping.
func (j *Job) OwnedBy(ownerID *string) bool {
	if ownerID == nil {
		return true
	}
	return j.OwnerID != nil && *j.OwnerID == *ownerID
}

// View returns the public projection of the job.
func (j *Job) View() *JobView {
	if j == nil {
		return nil
	}
	return &JobView{
		ID:          j.ID,
		Type:        j.Type,
		Status:      j.Status,
		Payload:     j.Payload,
		Result:      j.Result,
		Error:       j.Error,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		FailedAt:    j.FailedAt,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
	}
}

// JobView is the caller-facing representation of a job record.
type JobView struct {
	ID          string          `json:"id"`
	Type        JobType         `json:"type"`
	Status      JobStatus       `json:"status"`
	Payload     json.RawMessage `json:"payload"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *string         `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// CreateJobRequest represents a request to create a new job.
type CreateJobRequest struct {
	Type           JobType         `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey *string         `json:"idempotency_key,omitempty"`
	OwnerID        *string         `json:"owner_id,omitempty"`
	MaxAttempts    int             `json:"max_attempts,omitempty"`

	// Dispatch optionally overrides the queue's default retry and retention policy.
	Dispatch *DispatchOverrides `json:"-"`
}

// Validate validates the CreateJobRequest fields.
func (r *CreateJobRequest) Validate() error {
	if !r.Type.Valid() {
		return ErrInvalidJobType
	}
	if r.MaxAttempts < 0 {
		return errors.New("max attempts must be >= 1")
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return errors.New("payload must be valid JSON")
	}
	if r.IdempotencyKey != nil && strings.TrimSpace(*r.IdempotencyKey) == "" {
		return errors.New("idempotency key must not be blank")
	}
	return nil
}

// Normalize fills defaults: a missing payload becomes {} and a zero MaxAttempts becomes the default.
func (r *CreateJobRequest) Normalize() {
	if len(r.Payload) == 0 {
		r.Payload = json.RawMessage(`{}`)
	}
	if r.MaxAttempts == 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	if r.IdempotencyKey != nil {
		key := strings.TrimSpace(*r.IdempotencyKey)
		r.IdempotencyKey = &key
	}
}

// SyncUpdate describes a reconciliation write derived from engine state.
type SyncUpdate struct {
	Status JobStatus
	Result json.RawMessage
	Error  *string
}

// FailureOutcome is the state of a job record after a processing failure was recorded.
type FailureOutcome struct {
	Job     *Job
	Applied bool
	Final   bool
}
