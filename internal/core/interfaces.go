// Package core declares the ports the job orchestration services depend on.
// Adapters under internal/data and internal/adapters implement them.
package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/target/mmk-jobs/internal/domain/model"
)

// This file contains port definitions (hexagonal architecture).
// Service implementations should depend on these interfaces, not concrete implementations.

// JobRepository is the durable store for job records. Every mutating method
// is guarded so that a record in a terminal status is never changed; a guard
// that blocks the write is reported through the bool return, not an error.
type JobRepository interface {
	// Create persists a PENDING record. A duplicate idempotency key is
	// reported as an errors.ErrCodeConflict error with Field "idempotency_key".
	Create(ctx context.Context, req *model.CreateJobRequest) (*model.Job, error)
	GetByID(ctx context.Context, id string) (*model.Job, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*model.Job, error)
	// List returns one page of records matching opts and the unpaginated total.
	List(ctx context.Context, opts model.JobListOptions) ([]*model.Job, int, error)

	// MarkProcessing moves a non-terminal record to PROCESSING and sets started_at once.
	MarkProcessing(ctx context.Context, id string) (*model.Job, bool, error)
	// Complete moves a non-terminal record to COMPLETED with result.
	Complete(ctx context.Context, id string, result json.RawMessage) (*model.Job, bool, error)
	// RecordFailure increments attempts and moves the record to FAILED when
	// the ceiling is reached.
	RecordFailure(ctx context.Context, id, reason string) (model.FailureOutcome, error)
	// Cancel moves a non-terminal record to CANCELLED.
	Cancel(ctx context.Context, id string) (bool, error)
	// SyncState applies a reconciliation update to a non-terminal record.
	SyncState(ctx context.Context, id string, upd model.SyncUpdate) (*model.Job, bool, error)
}

// ExecutionEngine is the transient queue that schedules, retries and tracks
// dispatched items. Items are addressed by (queue, item id).
type ExecutionEngine interface {
	// Add enqueues an item. It returns false without error when an item with
	// the same id already exists in the queue.
	Add(ctx context.Context, queue, itemID string, env model.ItemEnvelope, policy model.DispatchPolicy) (bool, error)
	// Get returns the item or nil when the queue holds no such item.
	Get(ctx context.Context, queue, itemID string) (*model.EngineItem, error)
	// Remove deletes a waiting or delayed item. Active and finished items are left alone.
	Remove(ctx context.Context, queue, itemID string) (bool, error)

	// Claim hands the next ready item to a worker for ttl. It returns
	// model.ErrNoItemsAvailable when nothing is ready.
	Claim(ctx context.Context, queue string, ttl time.Duration) (*model.EngineItem, error)
	// Complete finishes a claimed item. model.ErrClaimLost means the claim expired.
	Complete(ctx context.Context, item *model.EngineItem, result json.RawMessage) error
	// Fail records a failed attempt and either delays the item for retry or
	// moves it to the failed set, per decision.
	Fail(ctx context.Context, item *model.EngineItem, reason string, decision model.FailureDecision) error
	// RecoverStalled returns active items whose claim expired to waiting and
	// reports their ids.
	RecoverStalled(ctx context.Context, queue string) ([]string, error)

	// Prune drops finished items past their retention.
	Prune(ctx context.Context, queue string) (model.PruneResult, error)
	Counts(ctx context.Context, queue string) (model.QueueCounts, error)
	// WaitForItems blocks until the queue may have claimable items or ctx is done.
	WaitForItems(ctx context.Context, queue string) error
}

// TimeProvider abstracts the clock so stores and engines can be driven by tests.
type TimeProvider interface {
	Now() time.Time
}
