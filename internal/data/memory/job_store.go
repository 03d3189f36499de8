// Package memory provides an in-process core.JobRepository. It applies the
// same guards as the Postgres store under a single mutex and backs unit tests
// and STORE_DRIVER=memory deployments.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/target/mmk-jobs/internal/core"
	"github.com/target/mmk-jobs/internal/data"
	"github.com/target/mmk-jobs/internal/domain/job"
	"github.com/target/mmk-jobs/internal/domain/model"
	apperrors "github.com/target/mmk-jobs/internal/errors"
)

// JobStore is an in-memory job record store.
type JobStore struct {
	mu    sync.RWMutex
	jobs  map[string]*model.Job
	byKey map[string]string
	clock core.TimeProvider
}

// NewJobStore creates an empty store. A nil clock uses real time.
func NewJobStore(clock core.TimeProvider) *JobStore {
	return &JobStore{
		jobs:  make(map[string]*model.Job),
		byKey: make(map[string]string),
		clock: data.ClockOrSystem(clock),
	}
}

// Create inserts a PENDING record, rejecting duplicate idempotency keys with a Conflict.
func (s *JobStore) Create(_ context.Context, req *model.CreateJobRequest) (*model.Job, error) {
	if req == nil {
		return nil, data.ErrCreateRequestRequired
	}
	normalized := *req
	normalized.Normalize()
	if err := normalized.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if normalized.IdempotencyKey != nil {
		if _, exists := s.byKey[*normalized.IdempotencyKey]; exists {
			return nil, apperrors.ConflictField("idempotency_key", "job already exists")
		}
	}

	now := s.now()
	rec := &model.Job{
		ID:             uuid.NewString(),
		Type:           normalized.Type,
		Status:         model.JobStatusPending,
		Payload:        bytes.Clone(normalized.Payload),
		IdempotencyKey: cloneString(normalized.IdempotencyKey),
		OwnerID:        cloneString(normalized.OwnerID),
		MaxAttempts:    normalized.MaxAttempts,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.jobs[rec.ID] = rec
	if rec.IdempotencyKey != nil {
		s.byKey[*rec.IdempotencyKey] = rec.ID
	}
	return cloneJob(rec), nil
}

// GetByID returns a copy of the record or data.ErrJobNotFound.
func (s *JobStore) GetByID(_ context.Context, id string) (*model.Job, error) {
	if strings.TrimSpace(id) == "" {
		return nil, data.ErrJobIDRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.jobs[id]
	if !ok {
		return nil, data.ErrJobNotFound
	}
	return cloneJob(rec), nil
}

// GetByIdempotencyKey returns a copy of the record created with key.
func (s *JobStore) GetByIdempotencyKey(_ context.Context, key string) (*model.Job, error) {
	if strings.TrimSpace(key) == "" {
		return nil, data.ErrIdempotencyKeyRequired
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return nil, data.ErrJobNotFound
	}
	return cloneJob(s.jobs[id]), nil
}

// List returns one page ordered by created_at DESC, id DESC and the total match count.
func (s *JobStore) List(_ context.Context, opts model.JobListOptions) ([]*model.Job, int, error) {
	opts.Normalize()

	s.mu.RLock()
	matched := make([]*model.Job, 0, len(s.jobs))
	for _, rec := range s.jobs {
		if matches(rec, opts) {
			matched = append(matched, rec)
		}
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b *model.Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})

	total := len(matched)
	start := min(opts.Offset, total)
	end := min(start+opts.Limit, total)
	page := make([]*model.Job, 0, end-start)
	for _, rec := range matched[start:end] {
		page = append(page, cloneJob(rec))
	}
	return page, total, nil
}

func matches(rec *model.Job, opts model.JobListOptions) bool {
	if opts.OwnerID != nil && (rec.OwnerID == nil || *rec.OwnerID != *opts.OwnerID) {
		return false
	}
	if opts.Status != nil && *opts.Status != "" && rec.Status != *opts.Status {
		return false
	}
	if opts.Type != nil && *opts.Type != "" && rec.Type != *opts.Type {
		return false
	}
	return true
}

// MarkProcessing moves a non-terminal record to PROCESSING and sets started_at once.
func (s *JobStore) MarkProcessing(_ context.Context, id string) (*model.Job, bool, error) {
	return s.mutate(id, func(rec *model.Job, now time.Time) bool {
		rec.Status = model.JobStatusProcessing
		if rec.StartedAt == nil {
			rec.StartedAt = &now
		}
		return true
	})
}

// Complete moves a non-terminal record to COMPLETED with result.
func (s *JobStore) Complete(_ context.Context, id string, result json.RawMessage) (*model.Job, bool, error) {
	if len(result) == 0 {
		result = json.RawMessage(`null`)
	}
	return s.mutate(id, func(rec *model.Job, now time.Time) bool {
		rec.Status = model.JobStatusCompleted
		rec.Result = bytes.Clone(result)
		if rec.CompletedAt == nil {
			rec.CompletedAt = &now
		}
		return true
	})
}

// RecordFailure counts a failed attempt and moves the record to FAILED at the ceiling.
func (s *JobStore) RecordFailure(_ context.Context, id, reason string) (model.FailureOutcome, error) {
	rec, applied, err := s.mutate(id, func(rec *model.Job, now time.Time) bool {
		rec.Attempts = min(rec.Attempts+1, rec.MaxAttempts)
		if rec.Attempts >= rec.MaxAttempts {
			rec.Status = model.JobStatusFailed
			msg := reason
			rec.Error = &msg
			if rec.FailedAt == nil {
				rec.FailedAt = &now
			}
		} else {
			rec.Status = model.JobStatusProcessing
		}
		return true
	})
	if err != nil {
		return model.FailureOutcome{}, err
	}
	return model.FailureOutcome{Job: rec, Applied: applied, Final: rec.Status == model.JobStatusFailed}, nil
}

// Cancel moves a non-terminal record to CANCELLED and reports whether it did.
func (s *JobStore) Cancel(_ context.Context, id string) (bool, error) {
	_, applied, err := s.mutate(id, func(rec *model.Job, _ time.Time) bool {
		rec.Status = model.JobStatusCancelled
		return true
	})
	return applied, err
}

// SyncState applies a reconciliation update to a non-terminal record whose
// status differs from upd.Status.
func (s *JobStore) SyncState(_ context.Context, id string, upd model.SyncUpdate) (*model.Job, bool, error) {
	if !upd.Status.Valid() {
		return nil, false, fmt.Errorf("sync job %s: invalid status %q", id, upd.Status)
	}
	return s.mutate(id, func(rec *model.Job, now time.Time) bool {
		if rec.Status == upd.Status {
			return false
		}
		rec.Status = upd.Status
		switch upd.Status {
		case model.JobStatusProcessing:
			if rec.StartedAt == nil {
				rec.StartedAt = &now
			}
		case model.JobStatusCompleted:
			if rec.Result == nil && upd.Result != nil {
				rec.Result = bytes.Clone(upd.Result)
			}
			if rec.CompletedAt == nil {
				rec.CompletedAt = &now
			}
		case model.JobStatusFailed:
			if rec.Error == nil && upd.Error != nil {
				rec.Error = cloneString(upd.Error)
			}
			rec.Attempts = rec.MaxAttempts
			if rec.FailedAt == nil {
				rec.FailedAt = &now
			}
		}
		return true
	})
}

// mutate applies fn to a non-terminal record under the write lock. fn returns
// false to leave the record untouched. The current record is always returned.
func (s *JobStore) mutate(id string, fn func(rec *model.Job, now time.Time) bool) (*model.Job, bool, error) {
	if strings.TrimSpace(id) == "" {
		return nil, false, data.ErrJobIDRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[id]
	if !ok {
		return nil, false, data.ErrJobNotFound
	}
	if job.IsTerminal(rec.Status) {
		return cloneJob(rec), false, nil
	}
	now := s.now()
	if !fn(rec, now) {
		return cloneJob(rec), false, nil
	}
	rec.UpdatedAt = now
	return cloneJob(rec), true, nil
}

func (s *JobStore) now() time.Time {
	return s.clock.Now().UTC()
}

func cloneJob(src *model.Job) *model.Job {
	if src == nil {
		return nil
	}
	dst := *src
	dst.Payload = bytes.Clone(src.Payload)
	dst.Result = bytes.Clone(src.Result)
	dst.Error = cloneString(src.Error)
	dst.IdempotencyKey = cloneString(src.IdempotencyKey)
	dst.OwnerID = cloneString(src.OwnerID)
	dst.StartedAt = cloneTime(src.StartedAt)
	dst.CompletedAt = cloneTime(src.CompletedAt)
	dst.FailedAt = cloneTime(src.FailedAt)
	return &dst
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

var _ core.JobRepository = (*JobStore)(nil)
