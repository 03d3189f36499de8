// Package job holds the pure lifecycle rules for job records: the terminal
// set, cancellation eligibility, reconciliation against engine state and
// claim duration normalisation.
package job

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/target/mmk-jobs/internal/domain/model"
)

// IsTerminal reports whether status is one a record never leaves.
func IsTerminal(status model.JobStatus) bool {
	switch status {
	case model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusCancelled:
		return true
	default:
		return false
	}
}

// CanCancel reports whether a record in status may still be cancelled.
func CanCancel(status model.JobStatus) bool {
	return !IsTerminal(status)
}

// StatusForEngineState maps an engine state onto a record status. The second
// return is false for states that carry no record-level meaning (delayed).
func StatusForEngineState(state model.EngineState) (model.JobStatus, bool) {
	switch state {
	case model.EngineStateCompleted:
		return model.JobStatusCompleted, true
	case model.EngineStateFailed:
		return model.JobStatusFailed, true
	case model.EngineStateActive:
		return model.JobStatusProcessing, true
	case model.EngineStateWaiting:
		return model.JobStatusPending, true
	default:
		return "", false
	}
}

// Reconcile derives the record update implied by the engine item. It returns
// false when the record should be left alone: the record is terminal, the
// item is missing, the engine state has no mapping, or the mapped status
// equals the current one.
func Reconcile(rec *model.Job, item *model.EngineItem) (model.SyncUpdate, bool) {
	if rec == nil || item == nil || IsTerminal(rec.Status) {
		return model.SyncUpdate{}, false
	}

	status, ok := StatusForEngineState(item.State)
	if !ok || status == rec.Status {
		return model.SyncUpdate{}, false
	}

	upd := model.SyncUpdate{Status: status}
	switch status {
	case model.JobStatusCompleted:
		if len(rec.Result) == 0 {
			upd.Result = ResultOrNull(item.Result)
		}
	case model.JobStatusFailed:
		if rec.Error == nil {
			reason := ReasonOrUnknown(item.FailedReason)
			upd.Error = &reason
		}
	}
	return upd, true
}

// UnknownFailureReason is stored when a failure carries no message.
const UnknownFailureReason = "unknown error"

// ResultOrNull copies a processor result; an empty one becomes JSON null so a
// COMPLETED record always carries a result.
func ResultOrNull(src json.RawMessage) json.RawMessage {
	if len(bytes.TrimSpace(src)) == 0 {
		return json.RawMessage(`null`)
	}
	return bytes.Clone(src)
}

// ReasonOrUnknown keeps a FAILED record's error non-empty.
func ReasonOrUnknown(reason string) string {
	if strings.TrimSpace(reason) == "" {
		return UnknownFailureReason
	}
	return reason
}
