package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/mmk-jobs/config"
	"github.com/target/mmk-jobs/internal/domain/model"
	"github.com/target/mmk-jobs/internal/mocks"
	"github.com/target/mmk-jobs/internal/observability/statsd"
)

func TestNewReaperService_Validation(t *testing.T) {
	_, err := NewReaperService(ReaperServiceOptions{Config: config.ReaperConfig{Interval: time.Minute}})
	require.Error(t, err)

	f := newOrchestratorFixture(t)
	_, err = NewReaperService(ReaperServiceOptions{Dispatcher: f.dispatcher})
	require.Error(t, err, "zero interval")
}

func TestReaperService_SweepPrunesExpiredItems(t *testing.T) {
	f := newOrchestratorFixture(t)
	ctx := context.Background()

	done, err := f.orch.CreateJob(ctx, &model.CreateJobRequest{Type: model.JobTypeEmail})
	require.NoError(t, err)
	item := f.claim(t, model.JobTypeEmail)
	require.NoError(t, f.engine.Complete(ctx, item, json.RawMessage(`{}`)))

	dead, err := f.orch.CreateJob(ctx, &model.CreateJobRequest{Type: model.JobTypeReport, MaxAttempts: 1})
	require.NoError(t, err)
	item = f.claim(t, model.JobTypeReport)
	require.NoError(t, f.engine.Fail(ctx, item, "boom", model.FailureFinal))

	reaper, err := NewReaperService(ReaperServiceOptions{
		Dispatcher: f.dispatcher,
		Config:     config.ReaperConfig{Interval: time.Minute},
		Metrics:    f.metrics,
	})
	require.NoError(t, err)

	res, err := reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.PruneResult{}, res, "nothing has expired yet")

	// Completed items are kept for 1h, failed ones for 24h.
	f.clock.Advance(2 * time.Hour)
	res, err = reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Completed)
	assert.Equal(t, int64(0), res.Failed)

	f.clock.Advance(24 * time.Hour)
	res, err = reaper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Failed)

	for _, id := range []string{done.ID, dead.ID} {
		_, lookupErr := f.orch.InspectItem(ctx, id)
		require.Error(t, lookupErr)
	}

	// Pruning the engine never touches records.
	assert.Equal(t, model.JobStatusPending, f.record(t, done.ID).Status)

	pruned := f.metrics.Find("reaper.items_pruned", map[string]string{"queue": "jobs-email", "state": "completed"})
	require.Len(t, pruned, 1)
	assert.InDelta(t, 1, pruned[0].Value, 0)
	assert.NotEmpty(t, f.metrics.Find("reaper.sweep", map[string]string{"result": "noop"}))
	assert.NotEmpty(t, f.metrics.Find("reaper.last_success_epoch", nil))
}

func TestReaperService_SweepContinuesPastQueueErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	engine := mocks.NewMockExecutionEngine(ctrl)
	rec := &statsd.Recorder{}
	d, err := NewQueueDispatcher(QueueDispatcherOptions{Engine: engine, Config: testQueueConfig()})
	require.NoError(t, err)

	engine.EXPECT().Prune(gomock.Any(), "jobs-email").Return(model.PruneResult{}, errors.New("LOADING Redis is loading"))
	engine.EXPECT().Prune(gomock.Any(), "jobs-webhook").Return(model.PruneResult{Completed: 4}, nil)

	reaper, err := NewReaperService(ReaperServiceOptions{
		Dispatcher: d,
		Types:      []model.JobType{model.JobTypeEmail, model.JobTypeWebhook},
		Config:     config.ReaperConfig{Interval: time.Minute},
		Metrics:    rec,
	})
	require.NoError(t, err)

	res, err := reaper.Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "email")
	assert.Equal(t, int64(4), res.Completed)

	assert.Len(t, rec.Find("reaper.sweep", map[string]string{"queue": "jobs-email", "result": "error"}), 1)
	assert.Len(t, rec.Find("reaper.sweep", map[string]string{"queue": "jobs-webhook", "result": "success"}), 1)
	assert.Empty(t, rec.Find("reaper.last_success_epoch", nil))
}

func TestReaperService_RunStopsOnCancel(t *testing.T) {
	f := newOrchestratorFixture(t)
	reaper, err := NewReaperService(ReaperServiceOptions{
		Dispatcher: f.dispatcher,
		Config:     config.ReaperConfig{Interval: 10 * time.Millisecond},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- reaper.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop after cancel")
	}
}

func TestStartJitter(t *testing.T) {
	assert.Zero(t, startJitter(5*time.Nanosecond))
	for range 100 {
		j := startJitter(time.Minute)
		assert.GreaterOrEqual(t, j, time.Duration(0))
		assert.Less(t, j, 6*time.Second)
	}
}

func TestSleepCtx(t *testing.T) {
	assert.True(t, sleepCtx(context.Background(), 0))
	assert.True(t, sleepCtx(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, sleepCtx(ctx, 0))
	assert.False(t, sleepCtx(ctx, time.Hour))
}
