// Package testhelpers holds behaviour suites shared by the job store
// implementations' tests.
package testhelpers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-jobs/internal/core"
	"github.com/target/mmk-jobs/internal/data"
	"github.com/target/mmk-jobs/internal/domain/model"
	apperrors "github.com/target/mmk-jobs/internal/errors"
)

// RepoFactory returns a fresh, empty repository for one subtest.
type RepoFactory func(t *testing.T) core.JobRepository

// RunJobRepositoryContract exercises the guarded-update rules every
// core.JobRepository must honour.
func RunJobRepositoryContract(t *testing.T, newRepo RepoFactory) {
	t.Helper()

	t.Run("create defaults", func(t *testing.T) {
		repo := newRepo(t)
		rec, err := repo.Create(context.Background(), &model.CreateJobRequest{Type: model.JobTypeEmail})
		require.NoError(t, err)
		assert.NotEmpty(t, rec.ID)
		assert.Equal(t, model.JobStatusPending, rec.Status)
		assert.Equal(t, 0, rec.Attempts)
		assert.Equal(t, model.DefaultMaxAttempts, rec.MaxAttempts)
		assert.JSONEq(t, `{}`, string(rec.Payload))
		assert.Nil(t, rec.Result)
		assert.Nil(t, rec.Error)
		assert.Nil(t, rec.StartedAt)
	})

	t.Run("duplicate idempotency key conflicts", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		key := "dup-key"
		first, err := repo.Create(ctx, &model.CreateJobRequest{Type: model.JobTypeReport, IdempotencyKey: &key})
		require.NoError(t, err)

		_, err = repo.Create(ctx, &model.CreateJobRequest{Type: model.JobTypeReport, IdempotencyKey: &key})
		require.Error(t, err)
		assert.True(t, apperrors.IsUniqueViolationOn(err, "idempotency_key"), "got %v", err)

		got, err := repo.GetByIdempotencyKey(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.ID)
	})

	t.Run("missing records", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		_, err := repo.GetByID(ctx, "5b3c8f1e-3f4e-4bb0-9a57-1b2c3d4e5f60")
		require.ErrorIs(t, err, data.ErrJobNotFound)
		_, err = repo.GetByIdempotencyKey(ctx, "nope")
		require.ErrorIs(t, err, data.ErrJobNotFound)
		_, _, err = repo.MarkProcessing(ctx, "5b3c8f1e-3f4e-4bb0-9a57-1b2c3d4e5f60")
		require.ErrorIs(t, err, data.ErrJobNotFound)
	})

	t.Run("attempt ceiling", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		rec, err := repo.Create(ctx, &model.CreateJobRequest{Type: model.JobTypeWebhook, MaxAttempts: 3})
		require.NoError(t, err)

		for i := 1; i <= 2; i++ {
			out, failErr := repo.RecordFailure(ctx, rec.ID, "boom")
			require.NoError(t, failErr)
			assert.True(t, out.Applied)
			assert.False(t, out.Final)
			assert.Equal(t, i, out.Job.Attempts)
			assert.Equal(t, model.JobStatusProcessing, out.Job.Status)
			assert.Nil(t, out.Job.Error)
		}

		out, err := repo.RecordFailure(ctx, rec.ID, "final boom")
		require.NoError(t, err)
		assert.True(t, out.Final)
		assert.Equal(t, 3, out.Job.Attempts)
		assert.Equal(t, model.JobStatusFailed, out.Job.Status)
		require.NotNil(t, out.Job.Error)
		assert.Equal(t, "final boom", *out.Job.Error)
		assert.NotNil(t, out.Job.FailedAt)

		again, err := repo.RecordFailure(ctx, rec.ID, "late")
		require.NoError(t, err)
		assert.False(t, again.Applied)
		assert.Equal(t, 3, again.Job.Attempts)
		assert.Equal(t, "final boom", *again.Job.Error)
	})

	t.Run("terminal records are immutable", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		rec, err := repo.Create(ctx, &model.CreateJobRequest{Type: model.JobTypeEmail})
		require.NoError(t, err)

		_, applied, err := repo.MarkProcessing(ctx, rec.ID)
		require.NoError(t, err)
		require.True(t, applied)
		done, applied, err := repo.Complete(ctx, rec.ID, json.RawMessage(`{"sent":true}`))
		require.NoError(t, err)
		require.True(t, applied)
		require.NotNil(t, done.StartedAt)
		require.NotNil(t, done.CompletedAt)
		assert.False(t, done.CompletedAt.Before(*done.StartedAt))

		_, applied, err = repo.MarkProcessing(ctx, rec.ID)
		require.NoError(t, err)
		assert.False(t, applied)

		_, applied, err = repo.Complete(ctx, rec.ID, json.RawMessage(`{"sent":false}`))
		require.NoError(t, err)
		assert.False(t, applied)

		out, err := repo.RecordFailure(ctx, rec.ID, "late failure")
		require.NoError(t, err)
		assert.False(t, out.Applied)

		cancelled, err := repo.Cancel(ctx, rec.ID)
		require.NoError(t, err)
		assert.False(t, cancelled)

		msg := "x"
		_, applied, err = repo.SyncState(ctx, rec.ID, model.SyncUpdate{Status: model.JobStatusFailed, Error: &msg})
		require.NoError(t, err)
		assert.False(t, applied)

		final, err := repo.GetByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, final.Status)
		assert.JSONEq(t, `{"sent":true}`, string(final.Result))
		assert.Nil(t, final.Error)
		assert.Equal(t, 0, final.Attempts)
	})

	t.Run("cancel guard", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		rec, err := repo.Create(ctx, &model.CreateJobRequest{Type: model.JobTypeReport})
		require.NoError(t, err)

		ok, err := repo.Cancel(ctx, rec.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = repo.Cancel(ctx, rec.ID)
		require.NoError(t, err)
		assert.False(t, ok)

		_, applied, err := repo.Complete(ctx, rec.ID, json.RawMessage(`1`))
		require.NoError(t, err)
		assert.False(t, applied)

		got, err := repo.GetByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCancelled, got.Status)
		assert.Nil(t, got.Result)
		assert.Nil(t, got.Error)
	})

	t.Run("sync state", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		rec, err := repo.Create(ctx, &model.CreateJobRequest{Type: model.JobTypeFileTransform, MaxAttempts: 2})
		require.NoError(t, err)

		_, applied, err := repo.SyncState(ctx, rec.ID, model.SyncUpdate{Status: model.JobStatusPending})
		require.NoError(t, err)
		assert.False(t, applied, "same status is a no-op")

		got, applied, err := repo.SyncState(ctx, rec.ID, model.SyncUpdate{Status: model.JobStatusProcessing})
		require.NoError(t, err)
		assert.True(t, applied)
		assert.NotNil(t, got.StartedAt)

		reason := "engine says no"
		got, applied, err = repo.SyncState(ctx, rec.ID, model.SyncUpdate{Status: model.JobStatusFailed, Error: &reason})
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, model.JobStatusFailed, got.Status)
		assert.Equal(t, 2, got.Attempts)
		require.NotNil(t, got.Error)
		assert.Equal(t, reason, *got.Error)
	})

	t.Run("list filters and pages", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		alice, bob := "alice", "bob"
		for range 3 {
			_, err := repo.Create(ctx, &model.CreateJobRequest{Type: model.JobTypeEmail, OwnerID: &alice})
			require.NoError(t, err)
		}
		reportRec, err := repo.Create(ctx, &model.CreateJobRequest{Type: model.JobTypeReport, OwnerID: &alice})
		require.NoError(t, err)
		_, err = repo.Create(ctx, &model.CreateJobRequest{Type: model.JobTypeEmail, OwnerID: &bob})
		require.NoError(t, err)
		_, err = repo.Cancel(ctx, reportRec.ID)
		require.NoError(t, err)

		items, total, err := repo.List(ctx, model.JobListOptions{OwnerID: &alice, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 4, total)
		assert.Len(t, items, 2)

		items, total, err = repo.List(ctx, model.JobListOptions{OwnerID: &alice, Limit: 2, Offset: 2})
		require.NoError(t, err)
		assert.Equal(t, 4, total)
		assert.Len(t, items, 2)

		cancelled := model.JobStatusCancelled
		items, total, err = repo.List(ctx, model.JobListOptions{OwnerID: &alice, Status: &cancelled})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, items, 1)
		assert.Equal(t, reportRec.ID, items[0].ID)

		emailType := model.JobTypeEmail
		_, total, err = repo.List(ctx, model.JobListOptions{Type: &emailType})
		require.NoError(t, err)
		assert.Equal(t, 4, total)

		_, total, err = repo.List(ctx, model.JobListOptions{OwnerID: &bob})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
	})

	t.Run("concurrent failures never exceed the ceiling", func(t *testing.T) {
		repo := newRepo(t)
		ctx := context.Background()
		rec, err := repo.Create(ctx, &model.CreateJobRequest{Type: model.JobTypeWebhook, MaxAttempts: 3})
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make(chan error, 10)
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, failErr := repo.RecordFailure(ctx, rec.ID, "boom"); failErr != nil {
					errs <- failErr
				}
			}()
		}
		wg.Wait()
		close(errs)
		for e := range errs {
			require.NoError(t, e)
		}

		got, err := repo.GetByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, got.Attempts)
		assert.Equal(t, model.JobStatusFailed, got.Status)
	})

	t.Run("blank ids", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.GetByID(context.Background(), " ")
		assert.True(t, errors.Is(err, data.ErrJobIDRequired))
	})
}
