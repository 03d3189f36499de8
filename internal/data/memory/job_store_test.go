package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-jobs/internal/core"
	"github.com/target/mmk-jobs/internal/data"
	"github.com/target/mmk-jobs/internal/data/testhelpers"
	"github.com/target/mmk-jobs/internal/domain/model"
)

func TestJobStore_Contract(t *testing.T) {
	clock := data.NewManualClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	testhelpers.RunJobRepositoryContract(t, func(_ *testing.T) core.JobRepository {
		// advance per call so created_at ordering is deterministic
		return NewJobStore(&tickingClock{base: clock})
	})
}

func TestJobStore_ReturnsCopies(t *testing.T) {
	store := NewJobStore(nil)
	ctx := context.Background()
	rec, err := store.Create(ctx, &model.CreateJobRequest{Type: model.JobTypeEmail})
	require.NoError(t, err)

	rec.Status = model.JobStatusCompleted
	rec.Payload[0] = 'X'

	got, err := store.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, got.Status)
	assert.JSONEq(t, `{}`, string(got.Payload))
}

func TestJobStore_ListOrdering(t *testing.T) {
	store := NewJobStore(&tickingClock{base: data.NewManualClock(time.Unix(0, 0).UTC())})
	ctx := context.Background()

	var ids []string
	for range 3 {
		rec, err := store.Create(ctx, &model.CreateJobRequest{Type: model.JobTypeReport})
		require.NoError(t, err)
		ids = append(ids, rec.ID)
	}

	items, total, err := store.List(ctx, model.JobListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, items, 3)
	assert.Equal(t, ids[2], items[0].ID)
	assert.Equal(t, ids[0], items[2].ID)
}

// tickingClock advances by one millisecond on every read.
type tickingClock struct {
	base *data.ManualClock
}

func (c *tickingClock) Now() time.Time {
	return c.base.Advance(time.Millisecond)
}
