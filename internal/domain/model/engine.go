//revive:disable-next-line:var-naming // legacy package name widely used across the project
package model

import (
	"encoding/json"
	"errors"
	"time"
)

// EngineState is the state of an item inside the execution engine.
type EngineState string

const (
	// EngineStateWaiting means the item is ready to be claimed.
	EngineStateWaiting EngineState = "waiting"
	// EngineStateDelayed means the item is waiting out a retry backoff.
	EngineStateDelayed EngineState = "delayed"
	// EngineStateActive means a worker holds the item.
	EngineStateActive EngineState = "active"
	// EngineStateCompleted means the item finished successfully.
	EngineStateCompleted EngineState = "completed"
	// EngineStateFailed means the item exhausted its attempts.
	EngineStateFailed EngineState = "failed"
)

var (
	// ErrNoItemsAvailable is returned by Claim when a queue has nothing ready.
	ErrNoItemsAvailable = errors.New("no items available")
	// ErrClaimLost is returned when a worker reports on an item it no longer holds,
	// for example after stall recovery handed it to another worker.
	ErrClaimLost = errors.New("engine item claim lost")
)

// ItemEnvelope is the data handed to the engine at enqueue time. JobID links
// the item back to its record regardless of the item id in use.
type ItemEnvelope struct {
	JobID   string          `json:"job_id"`
	Payload json.RawMessage `json:"payload"`
}

// EngineItem is the engine's transient view of one dispatched job.
type EngineItem struct {
	ID             string          `json:"id"`
	Queue          string          `json:"queue"`
	State          EngineState     `json:"state"`
	Envelope       ItemEnvelope    `json:"envelope"`
	Result         json.RawMessage `json:"result,omitempty"`
	FailedReason   string          `json:"failed_reason,omitempty"`
	AttemptsMade   int             `json:"attempts_made"`
	Policy         DispatchPolicy  `json:"policy"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
	ClaimExpiresAt *time.Time      `json:"claim_expires_at,omitempty"`
	ClaimToken     string          `json:"claim_token,omitempty"`
	RunAt          *time.Time      `json:"run_at,omitempty"`
}

// QueueCounts reports how many items a queue holds per state.
type QueueCounts struct {
	Queue     string `json:"queue"`
	Waiting   int64  `json:"waiting"`
	Delayed   int64  `json:"delayed"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
}

// FailureDecision tells the engine what to do with a failed item.
type FailureDecision int

const (
	// FailureRetry schedules another attempt after backoff.
	FailureRetry FailureDecision = iota
	// FailureFinal moves the item to the failed set.
	FailureFinal
)

// String implements fmt.Stringer.
func (d FailureDecision) String() string {
	if d == FailureFinal {
		return "final"
	}
	return "retry"
}

// ProcessorInput is what a processor receives for one attempt.
type ProcessorInput struct {
	JobID   string
	ItemID  string
	Type    JobType
	Payload json.RawMessage
	Attempt int
}

// PruneResult reports what a retention sweep removed from one queue.
type PruneResult struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}
