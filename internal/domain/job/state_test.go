package job

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-jobs/internal/domain/model"
)

func TestIsTerminal(t *testing.T) {
	assert.False(t, IsTerminal(model.JobStatusPending))
	assert.False(t, IsTerminal(model.JobStatusProcessing))
	assert.True(t, IsTerminal(model.JobStatusCompleted))
	assert.True(t, IsTerminal(model.JobStatusFailed))
	assert.True(t, IsTerminal(model.JobStatusCancelled))
}

func TestCanCancel(t *testing.T) {
	assert.True(t, CanCancel(model.JobStatusPending))
	assert.True(t, CanCancel(model.JobStatusProcessing))
	assert.False(t, CanCancel(model.JobStatusCompleted))
	assert.False(t, CanCancel(model.JobStatusFailed))
	assert.False(t, CanCancel(model.JobStatusCancelled))
}

func TestReconcile(t *testing.T) {
	existingErr := "earlier"
	tests := []struct {
		name       string
		rec        *model.Job
		item       *model.EngineItem
		wantChange bool
		want       model.SyncUpdate
	}{
		{
			name: "nil item",
			rec:  &model.Job{Status: model.JobStatusPending},
		},
		{
			name: "terminal record ignores engine",
			rec:  &model.Job{Status: model.JobStatusCancelled},
			item: &model.EngineItem{State: model.EngineStateCompleted, Result: json.RawMessage(`1`)},
		},
		{
			name:       "completed pulls result",
			rec:        &model.Job{Status: model.JobStatusProcessing},
			item:       &model.EngineItem{State: model.EngineStateCompleted, Result: json.RawMessage(`{"ok":true}`)},
			wantChange: true,
			want:       model.SyncUpdate{Status: model.JobStatusCompleted, Result: json.RawMessage(`{"ok":true}`)},
		},
		{
			name:       "completed without result stores null",
			rec:        &model.Job{Status: model.JobStatusProcessing},
			item:       &model.EngineItem{State: model.EngineStateCompleted},
			wantChange: true,
			want:       model.SyncUpdate{Status: model.JobStatusCompleted, Result: json.RawMessage(`null`)},
		},
		{
			name:       "failed without reason stores placeholder",
			rec:        &model.Job{Status: model.JobStatusProcessing},
			item:       &model.EngineItem{State: model.EngineStateFailed, FailedReason: "  "},
			wantChange: true,
			want:       model.SyncUpdate{Status: model.JobStatusFailed, Error: strPtr(UnknownFailureReason)},
		},
		{
			name:       "completed keeps existing result",
			rec:        &model.Job{Status: model.JobStatusProcessing, Result: json.RawMessage(`"mine"`)},
			item:       &model.EngineItem{State: model.EngineStateCompleted, Result: json.RawMessage(`"theirs"`)},
			wantChange: true,
			want:       model.SyncUpdate{Status: model.JobStatusCompleted},
		},
		{
			name:       "failed pulls reason",
			rec:        &model.Job{Status: model.JobStatusProcessing},
			item:       &model.EngineItem{State: model.EngineStateFailed, FailedReason: "boom"},
			wantChange: true,
			want:       model.SyncUpdate{Status: model.JobStatusFailed, Error: strPtr("boom")},
		},
		{
			name:       "failed keeps existing error",
			rec:        &model.Job{Status: model.JobStatusProcessing, Error: &existingErr},
			item:       &model.EngineItem{State: model.EngineStateFailed, FailedReason: "boom"},
			wantChange: true,
			want:       model.SyncUpdate{Status: model.JobStatusFailed},
		},
		{
			name:       "active maps to processing",
			rec:        &model.Job{Status: model.JobStatusPending},
			item:       &model.EngineItem{State: model.EngineStateActive},
			wantChange: true,
			want:       model.SyncUpdate{Status: model.JobStatusProcessing},
		},
		{
			name: "active on processing record is a no-op",
			rec:  &model.Job{Status: model.JobStatusProcessing},
			item: &model.EngineItem{State: model.EngineStateActive},
		},
		{
			name:       "waiting maps to pending",
			rec:        &model.Job{Status: model.JobStatusProcessing},
			item:       &model.EngineItem{State: model.EngineStateWaiting},
			wantChange: true,
			want:       model.SyncUpdate{Status: model.JobStatusPending},
		},
		{
			name: "delayed leaves record alone",
			rec:  &model.Job{Status: model.JobStatusProcessing},
			item: &model.EngineItem{State: model.EngineStateDelayed},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := Reconcile(tt.rec, tt.item)
			require.Equal(t, tt.wantChange, changed)
			if !tt.wantChange {
				return
			}
			assert.Equal(t, tt.want.Status, got.Status)
			if tt.want.Result == nil {
				assert.Nil(t, got.Result)
			} else {
				assert.JSONEq(t, string(tt.want.Result), string(got.Result))
			}
			assert.Equal(t, tt.want.Error, got.Error)
		})
	}
}

// Applying a reconciliation update and reconciling again must not produce a
// second change.
func TestReconcile_Converges(t *testing.T) {
	states := []model.EngineState{
		model.EngineStateWaiting,
		model.EngineStateActive,
		model.EngineStateDelayed,
		model.EngineStateCompleted,
		model.EngineStateFailed,
	}
	for _, st := range states {
		rec := &model.Job{Status: model.JobStatusPending}
		item := &model.EngineItem{State: st, Result: json.RawMessage(`1`), FailedReason: "x"}

		if upd, ok := Reconcile(rec, item); ok {
			rec.Status = upd.Status
			if upd.Result != nil {
				rec.Result = upd.Result
			}
			if upd.Error != nil {
				rec.Error = upd.Error
			}
		}
		_, again := Reconcile(rec, item)
		assert.False(t, again, "state %s", st)
	}
}

func strPtr(s string) *string { return &s }

func TestResultOrNull(t *testing.T) {
	assert.JSONEq(t, `null`, string(ResultOrNull(nil)))
	assert.JSONEq(t, `null`, string(ResultOrNull(json.RawMessage(" "))))

	src := json.RawMessage(`{"a":1}`)
	got := ResultOrNull(src)
	assert.JSONEq(t, `{"a":1}`, string(got))
	got[0] = '['
	assert.Equal(t, byte('{'), src[0], "result is copied")
}

func TestReasonOrUnknown(t *testing.T) {
	assert.Equal(t, "boom", ReasonOrUnknown("boom"))
	assert.Equal(t, UnknownFailureReason, ReasonOrUnknown(""))
}
