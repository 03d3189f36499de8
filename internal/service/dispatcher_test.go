package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/mmk-jobs/internal/adapters/memqueue"
	"github.com/target/mmk-jobs/internal/domain/model"
	apperrors "github.com/target/mmk-jobs/internal/errors"
	"github.com/target/mmk-jobs/internal/mocks"
	"github.com/target/mmk-jobs/internal/observability/statsd"
)

func TestQueueName(t *testing.T) {
	tests := []struct {
		jobType model.JobType
		want    string
	}{
		{model.JobTypeEmail, "jobs-email"},
		{model.JobTypeFileTransform, "jobs-file-transform"},
		{"Big__Report!", "jobs-big-report"},
		{"-edge-", "jobs-edge"},
		{"a--b", "jobs-a--b"},
	}
	for _, tt := range tests {
		t.Run(string(tt.jobType), func(t *testing.T) {
			assert.Equal(t, tt.want, QueueName("jobs-", tt.jobType))
		})
	}
}

func TestNewQueueDispatcher_Validation(t *testing.T) {
	_, err := NewQueueDispatcher(QueueDispatcherOptions{Config: testQueueConfig()})
	require.Error(t, err)

	cfg := testQueueConfig()
	cfg.BackoffKind = "fibonacci"
	_, err = NewQueueDispatcher(QueueDispatcherOptions{Engine: memqueue.New(nil), Config: cfg})
	require.Error(t, err)
}

func TestQueueDispatcher_ResolvePolicy(t *testing.T) {
	d, err := NewQueueDispatcher(QueueDispatcherOptions{Engine: memqueue.New(nil), Config: testQueueConfig()})
	require.NoError(t, err)

	def := d.DefaultPolicy()
	assert.Equal(t, 3, def.Attempts)
	assert.Equal(t, model.BackoffExponential, def.Backoff.Kind)
	assert.Equal(t, time.Second, def.Backoff.Base)
	assert.Equal(t, 100, def.KeepCompleted.MaxCount)

	attempts := 7
	p, err := d.ResolvePolicy(&model.DispatchOverrides{
		Attempts:   &attempts,
		KeepFailed: &model.RetentionPolicy{MaxCount: 5},
	})
	require.NoError(t, err)
	assert.Equal(t, 7, p.Attempts)
	assert.Equal(t, 5, p.KeepFailed.MaxCount)
	assert.Equal(t, def.Backoff, p.Backoff)

	zero := 0
	_, err = d.ResolvePolicy(&model.DispatchOverrides{Attempts: &zero})
	assert.True(t, apperrors.IsValidation(err))
}

func TestQueueDispatcher_EnqueueLookupRemove(t *testing.T) {
	rec := &statsd.Recorder{}
	d, err := NewQueueDispatcher(QueueDispatcherOptions{
		Engine:  memqueue.New(nil),
		Config:  testQueueConfig(),
		Metrics: rec,
	})
	require.NoError(t, err)
	ctx := context.Background()
	env := model.ItemEnvelope{JobID: "job-1"}

	added, err := d.Enqueue(ctx, model.JobTypeEmail, "key-1", env, nil)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = d.Enqueue(ctx, model.JobTypeEmail, "key-1", env, nil)
	require.NoError(t, err)
	assert.False(t, added, "engine dedups by item id")

	item, err := d.Lookup(ctx, model.JobTypeEmail, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "jobs-email", item.Queue)

	_, err = d.Lookup(ctx, model.JobTypeReport, "key-1")
	assert.True(t, apperrors.IsNotFound(err), "items are scoped per queue")

	counts, err := d.Counts(ctx, model.JobTypeEmail)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Waiting)

	removed, err := d.Remove(ctx, model.JobTypeEmail, "key-1")
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = d.Lookup(ctx, model.JobTypeEmail, "key-1")
	assert.True(t, apperrors.IsNotFound(err))

	adds := rec.Find("queue.operation", map[string]string{"queue": "jobs-email", "operation": "add", "result": "success"})
	assert.Len(t, adds, 2)
}

func TestQueueDispatcher_EngineErrorsAreWrapped(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine := mocks.NewMockExecutionEngine(ctrl)
	rec := &statsd.Recorder{}
	d, err := NewQueueDispatcher(QueueDispatcherOptions{Engine: engine, Config: testQueueConfig(), Metrics: rec})
	require.NoError(t, err)

	boom := errors.New("READONLY You can't write against a read only replica")
	engine.EXPECT().Add(gomock.Any(), "jobs-email", "k", gomock.Any(), gomock.Any()).Return(false, boom)
	engine.EXPECT().Get(gomock.Any(), "jobs-email", "k").Return(nil, boom)
	engine.EXPECT().Prune(gomock.Any(), "jobs-email").Return(model.PruneResult{}, boom)

	_, err = d.Enqueue(context.Background(), model.JobTypeEmail, "k", model.ItemEnvelope{}, nil)
	require.ErrorIs(t, err, boom)
	_, err = d.Lookup(context.Background(), model.JobTypeEmail, "k")
	require.ErrorIs(t, err, boom)
	assert.False(t, apperrors.IsNotFound(err))
	_, err = d.Prune(context.Background(), model.JobTypeEmail)
	require.ErrorIs(t, err, boom)

	assert.Len(t, rec.Find("queue.operation", map[string]string{"result": "error"}), 3)
}
