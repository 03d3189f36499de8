package reaper

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-jobs/config"
	"github.com/target/mmk-jobs/internal/adapters/memqueue"
	"github.com/target/mmk-jobs/internal/data"
	"github.com/target/mmk-jobs/internal/domain/model"
	"github.com/target/mmk-jobs/internal/service"
)

func TestNewRunnerRequiresDispatcher(t *testing.T) {
	_, err := NewRunner(RunnerOptions{Config: config.ReaperConfig{Interval: time.Minute}})
	require.Error(t, err)
}

func TestRunnerSweepOnceOnlyTouchesConfiguredTypes(t *testing.T) {
	ctx := context.Background()
	clock := data.NewManualClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	engine := memqueue.New(clock)

	dispatcher, err := service.NewQueueDispatcher(service.QueueDispatcherOptions{
		Engine: engine,
		Config: config.QueueConfig{
			Prefix:          "jobs-",
			DefaultAttempts: 1,
			BackoffKind:     string(model.BackoffFixed),
			BackoffBase:     time.Second,
			CompletedMaxAge: time.Minute,
			FailedMaxAge:    time.Minute,
		},
	})
	require.NoError(t, err)

	for _, jobType := range []model.JobType{model.JobTypeEmail, model.JobTypeWebhook} {
		queue := dispatcher.QueueName(jobType)
		_, err := engine.Add(ctx, queue, "item-"+string(jobType), model.ItemEnvelope{JobID: "job"}, dispatcher.DefaultPolicy())
		require.NoError(t, err)
		item, err := engine.Claim(ctx, queue, time.Minute)
		require.NoError(t, err)
		require.NoError(t, engine.Complete(ctx, item, json.RawMessage(`{}`)))
	}

	runner, err := NewRunner(RunnerOptions{
		Dispatcher: dispatcher,
		Config:     config.ReaperConfig{Interval: time.Minute},
		Types:      []model.JobType{model.JobTypeEmail},
	})
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	res, err := runner.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.PruneResult{Completed: 1}, res)

	counts, err := dispatcher.Counts(ctx, model.JobTypeWebhook)
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Completed)
}

func TestRunnerRunStopsOnCancel(t *testing.T) {
	dispatcher, err := service.NewQueueDispatcher(service.QueueDispatcherOptions{
		Engine: memqueue.New(nil),
		Config: config.QueueConfig{Prefix: "jobs-", DefaultAttempts: 1, BackoffKind: string(model.BackoffFixed), BackoffBase: time.Second},
	})
	require.NoError(t, err)

	runner, err := NewRunner(RunnerOptions{Dispatcher: dispatcher, Config: config.ReaperConfig{Interval: time.Minute}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop after cancel")
	}
}
