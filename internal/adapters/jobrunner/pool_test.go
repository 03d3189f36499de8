package jobrunner

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/target/mmk-jobs/config"
	"github.com/target/mmk-jobs/internal/adapters/memqueue"
	"github.com/target/mmk-jobs/internal/data/memory"
	"github.com/target/mmk-jobs/internal/domain/model"
	"github.com/target/mmk-jobs/internal/observability/statsd"
	"github.com/target/mmk-jobs/internal/service"
)

const waitFor = 5 * time.Second

type poolFixture struct {
	store    *memory.JobStore
	engine   *memqueue.Engine
	orch     *service.JobOrchestrator
	registry *service.ProcessorRegistry
	handler  *recordingHandler
	metrics  *statsd.Recorder
	queues   *service.QueueDispatcher
	spans    *tracetest.SpanRecorder
	tracer   *sdktrace.TracerProvider
}

// recordingHandler forwards to the orchestrator and remembers stall reports.
type recordingHandler struct {
	LifecycleHandler

	mu      sync.Mutex
	stalled []string
}

func (h *recordingHandler) OnStalled(ctx context.Context, queue, itemID string) {
	h.mu.Lock()
	h.stalled = append(h.stalled, itemID)
	h.mu.Unlock()
	h.LifecycleHandler.OnStalled(ctx, queue, itemID)
}

func (h *recordingHandler) stalledIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.stalled...)
}

func newPoolFixture(t *testing.T) *poolFixture {
	t.Helper()
	rec := &statsd.Recorder{}
	spans := tracetest.NewSpanRecorder()
	store := memory.NewJobStore(nil)
	engine := memqueue.New(nil)

	dispatcher, err := service.NewQueueDispatcher(service.QueueDispatcherOptions{
		Engine: engine,
		Config: config.QueueConfig{
			Prefix:            "jobs-",
			DefaultAttempts:   3,
			BackoffKind:       "fixed",
			BackoffBase:       20 * time.Millisecond,
			CompletedMaxCount: 100,
		},
	})
	require.NoError(t, err)

	orch := service.MustNewJobOrchestrator(service.JobOrchestratorOptions{
		Repo:       store,
		Dispatcher: dispatcher,
		Metrics:    rec,
	})

	return &poolFixture{
		store:    store,
		engine:   engine,
		orch:     orch,
		registry: service.NewProcessorRegistry(),
		handler:  &recordingHandler{LifecycleHandler: orch},
		metrics:  rec,
		queues:   dispatcher,
		spans:    spans,
		tracer:   sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans)),
	}
}

func (f *poolFixture) workerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		Concurrency:     2,
		RateBurst:       1,
		ClaimTTL:        5 * time.Second,
		PollInterval:    20 * time.Millisecond,
		StalledInterval: time.Second,
		ShutdownTimeout: time.Second,
	}
}

// start runs a pool until the test ends.
func (f *poolFixture) start(t *testing.T, cfg config.WorkerConfig) *Pool {
	t.Helper()
	pool, err := NewPool(PoolOptions{
		Engine:    f.engine,
		Handler:   f.handler,
		Registry:  f.registry,
		QueueName: f.queues.QueueName,
		Config:    cfg,
		Metrics:   f.metrics,
		Tracer:    f.tracer.Tracer("test"),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Error("pool did not stop")
		}
	})
	return pool
}

func (f *poolFixture) awaitStatus(t *testing.T, id string, want model.JobStatus) *model.Job {
	t.Helper()
	var job *model.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = f.store.GetByID(context.Background(), id)
		return err == nil && job.Status == want
	}, waitFor, 10*time.Millisecond, "job %s never reached %s", id, want)
	return job
}

func TestNewPool_Validation(t *testing.T) {
	f := newPoolFixture(t)
	require.NoError(t, f.registry.Register(model.JobTypeEmail, service.EchoProcessor))

	base := PoolOptions{
		Engine:    f.engine,
		Handler:   f.handler,
		Registry:  f.registry,
		QueueName: f.queues.QueueName,
	}

	missing := []func(o *PoolOptions){
		func(o *PoolOptions) { o.Engine = nil },
		func(o *PoolOptions) { o.Handler = nil },
		func(o *PoolOptions) { o.Registry = nil },
		func(o *PoolOptions) { o.QueueName = nil },
	}
	for _, mutate := range missing {
		opts := base
		mutate(&opts)
		_, err := NewPool(opts)
		require.Error(t, err)
	}

	opts := base
	opts.Config = config.WorkerConfig{Types: "email,report"}
	_, err := NewPool(opts)
	require.Error(t, err, "report has no processor")

	opts.Config = config.WorkerConfig{Types: "fax"}
	_, err = NewPool(opts)
	require.ErrorIs(t, err, model.ErrInvalidJobType)
}

func TestNewPool_GroupsFollowRegistryAndOverrides(t *testing.T) {
	f := newPoolFixture(t)
	require.NoError(t, f.registry.Register(model.JobTypeEmail, service.EchoProcessor))
	require.NoError(t, f.registry.Register(model.JobTypeWebhook, service.EchoProcessor))

	cfg := f.workerConfig()
	cfg.RateLimit = 10
	cfg.Overrides = map[model.JobType]config.WorkerOverride{
		model.JobTypeWebhook: {Concurrency: 8, RateLimit: 50},
	}
	pool, err := NewPool(PoolOptions{
		Engine:    f.engine,
		Handler:   f.handler,
		Registry:  f.registry,
		QueueName: f.queues.QueueName,
		Config:    cfg,
	})
	require.NoError(t, err)

	assert.Equal(t, []model.JobType{model.JobTypeEmail, model.JobTypeWebhook}, pool.Types())
	require.Len(t, pool.groups, 2)
	assert.Equal(t, "jobs-email", pool.groups[0].queue)
	assert.Equal(t, 2, pool.groups[0].concurrency)
	assert.InDelta(t, 10, float64(pool.groups[0].limiter.Limit()), 0)
	assert.Equal(t, 8, pool.groups[1].concurrency)
	assert.InDelta(t, 50, float64(pool.groups[1].limiter.Limit()), 0)

	cfg.Types = "webhook"
	pool, err = NewPool(PoolOptions{
		Engine:    f.engine,
		Handler:   f.handler,
		Registry:  f.registry,
		QueueName: f.queues.QueueName,
		Config:    cfg,
	})
	require.NoError(t, err)
	assert.Equal(t, []model.JobType{model.JobTypeWebhook}, pool.Types())
}

func TestPool_RunWithoutGroups(t *testing.T) {
	f := newPoolFixture(t)
	pool, err := NewPool(PoolOptions{
		Engine:    f.engine,
		Handler:   f.handler,
		Registry:  f.registry,
		QueueName: f.queues.QueueName,
	})
	require.NoError(t, err)
	require.Error(t, pool.Run(context.Background()))
}

func TestPool_ImmediateSuccess(t *testing.T) {
	f := newPoolFixture(t)
	require.NoError(t, f.registry.Register(model.JobTypeEmail, service.EchoProcessor))
	f.start(t, f.workerConfig())

	view, err := f.orch.CreateJob(context.Background(), &model.CreateJobRequest{
		Type:    model.JobTypeEmail,
		Payload: json.RawMessage(`{"x":1}`),
	})
	require.NoError(t, err)

	job := f.awaitStatus(t, view.ID, model.JobStatusCompleted)
	assert.JSONEq(t, `{"x":1}`, string(job.Result))
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)
	assert.False(t, job.CompletedAt.Before(*job.StartedAt))
	assert.Equal(t, 0, job.Attempts)

	require.Eventually(t, func() bool {
		item, getErr := f.engine.Get(context.Background(), "jobs-email", view.ID)
		return getErr == nil && item != nil && item.State == model.EngineStateCompleted
	}, waitFor, 10*time.Millisecond)

	assert.NotEmpty(t, f.metrics.Find("job.transition", map[string]string{
		"job_type":   "email",
		"transition": "completed",
		"result":     "success",
	}))
}

func TestPool_SingleAttemptFailure(t *testing.T) {
	f := newPoolFixture(t)
	require.NoError(t, f.registry.Register(model.JobTypeReport, func(context.Context, model.ProcessorInput) (json.RawMessage, error) {
		return nil, errors.New("renderer crashed")
	}))
	f.start(t, f.workerConfig())

	view, err := f.orch.CreateJob(context.Background(), &model.CreateJobRequest{
		Type:        model.JobTypeReport,
		Payload:     json.RawMessage(`{"x":1}`),
		MaxAttempts: 1,
	})
	require.NoError(t, err)

	job := f.awaitStatus(t, view.ID, model.JobStatusFailed)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.Error)
	assert.Equal(t, "renderer crashed", *job.Error)
	assert.Nil(t, job.Result)
}

func TestPool_RetriesUntilSuccess(t *testing.T) {
	f := newPoolFixture(t)
	var calls atomic.Int32
	attempts := make(chan int, 4)
	require.NoError(t, f.registry.Register(model.JobTypeWebhook, func(_ context.Context, in model.ProcessorInput) (json.RawMessage, error) {
		attempts <- in.Attempt
		if calls.Add(1) < 3 {
			return nil, errors.New("503 from receiver")
		}
		return json.RawMessage(`{"delivered":true}`), nil
	}))
	f.start(t, f.workerConfig())

	view, err := f.orch.CreateJob(context.Background(), &model.CreateJobRequest{
		Type:        model.JobTypeWebhook,
		MaxAttempts: 5,
	})
	require.NoError(t, err)

	job := f.awaitStatus(t, view.ID, model.JobStatusCompleted)
	assert.Equal(t, 2, job.Attempts, "failed attempts are counted")
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []int{1, 2, 3}, []int{<-attempts, <-attempts, <-attempts})

	retries := f.metrics.Find("job.transition", map[string]string{"transition": "failed", "result": "retry"})
	assert.Len(t, retries, 2)
}

func TestPool_AttemptCeiling(t *testing.T) {
	f := newPoolFixture(t)
	var calls atomic.Int32
	require.NoError(t, f.registry.Register(model.JobTypeEmail, func(context.Context, model.ProcessorInput) (json.RawMessage, error) {
		calls.Add(1)
		return nil, errors.New("mailbox unavailable")
	}))
	f.start(t, f.workerConfig())

	view, err := f.orch.CreateJob(context.Background(), &model.CreateJobRequest{Type: model.JobTypeEmail, MaxAttempts: 3})
	require.NoError(t, err)

	job := f.awaitStatus(t, view.ID, model.JobStatusFailed)
	assert.Equal(t, 3, job.Attempts)

	require.Eventually(t, func() bool {
		item, getErr := f.engine.Get(context.Background(), "jobs-email", view.ID)
		return getErr == nil && item != nil && item.State == model.EngineStateFailed
	}, waitFor, 10*time.Millisecond)

	// No further attempts once the ceiling is hit.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(3), calls.Load())
}

func TestPool_PanicBecomesFailure(t *testing.T) {
	f := newPoolFixture(t)
	require.NoError(t, f.registry.Register(model.JobTypeFileTransform, func(context.Context, model.ProcessorInput) (json.RawMessage, error) {
		panic("index out of range")
	}))
	f.start(t, f.workerConfig())

	view, err := f.orch.CreateJob(context.Background(), &model.CreateJobRequest{
		Type:        model.JobTypeFileTransform,
		MaxAttempts: 1,
	})
	require.NoError(t, err)

	job := f.awaitStatus(t, view.ID, model.JobStatusFailed)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, "processor panic")
}

func TestPool_TerminalRecordIsNotProcessed(t *testing.T) {
	f := newPoolFixture(t)
	var calls atomic.Int32
	require.NoError(t, f.registry.Register(model.JobTypeEmail, func(context.Context, model.ProcessorInput) (json.RawMessage, error) {
		calls.Add(1)
		return nil, nil
	}))

	ctx := context.Background()
	view, err := f.orch.CreateJob(ctx, &model.CreateJobRequest{Type: model.JobTypeEmail})
	require.NoError(t, err)
	// Cancel the record without removing its item.
	_, err = f.store.Cancel(ctx, view.ID)
	require.NoError(t, err)

	f.start(t, f.workerConfig())

	require.Eventually(t, func() bool {
		item, getErr := f.engine.Get(ctx, "jobs-email", view.ID)
		return getErr == nil && item != nil && item.State == model.EngineStateFailed
	}, waitFor, 10*time.Millisecond)

	item, err := f.engine.Get(ctx, "jobs-email", view.ID)
	require.NoError(t, err)
	assert.Equal(t, reasonTerminalRecord, item.FailedReason)
	assert.Zero(t, calls.Load())

	job, err := f.store.GetByID(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCancelled, job.Status)
}

func TestPool_RecoversStalledItems(t *testing.T) {
	f := newPoolFixture(t)
	require.NoError(t, f.registry.Register(model.JobTypeReport, service.EchoProcessor))

	ctx := context.Background()
	view, err := f.orch.CreateJob(ctx, &model.CreateJobRequest{Type: model.JobTypeReport})
	require.NoError(t, err)

	// A worker that claimed the item and died.
	stale, err := f.engine.Claim(ctx, "jobs-report", time.Millisecond)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	f.start(t, f.workerConfig())

	f.awaitStatus(t, view.ID, model.JobStatusCompleted)
	assert.Equal(t, []string{view.ID}, f.handler.stalledIDs())

	err = f.engine.Complete(ctx, stale, json.RawMessage(`{}`))
	require.ErrorIs(t, err, model.ErrClaimLost)
}

func TestPool_ConcurrentJobs(t *testing.T) {
	f := newPoolFixture(t)
	var inFlight, peak atomic.Int32
	require.NoError(t, f.registry.Register(model.JobTypeEmail, func(context.Context, model.ProcessorInput) (json.RawMessage, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return nil, nil
	}))
	cfg := f.workerConfig()
	cfg.Concurrency = 3
	f.start(t, cfg)

	ctx := context.Background()
	ids := make([]string, 0, 9)
	for range 9 {
		view, err := f.orch.CreateJob(ctx, &model.CreateJobRequest{Type: model.JobTypeEmail})
		require.NoError(t, err)
		ids = append(ids, view.ID)
	}
	for _, id := range ids {
		job := f.awaitStatus(t, id, model.JobStatusCompleted)
		assert.JSONEq(t, `null`, string(job.Result))
	}
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestPool_TracesAttempts(t *testing.T) {
	f := newPoolFixture(t)
	require.NoError(t, f.registry.Register(model.JobTypeReport, func(context.Context, model.ProcessorInput) (json.RawMessage, error) {
		return nil, errors.New("renderer crashed")
	}))
	require.NoError(t, f.registry.Register(model.JobTypeEmail, service.EchoProcessor))
	f.start(t, f.workerConfig())

	failed, err := f.orch.CreateJob(context.Background(), &model.CreateJobRequest{Type: model.JobTypeReport, MaxAttempts: 1})
	require.NoError(t, err)
	done, err := f.orch.CreateJob(context.Background(), &model.CreateJobRequest{Type: model.JobTypeEmail})
	require.NoError(t, err)

	f.awaitStatus(t, failed.ID, model.JobStatusFailed)
	f.awaitStatus(t, done.ID, model.JobStatusCompleted)

	var byJob map[string]sdktrace.ReadOnlySpan
	require.Eventually(t, func() bool {
		byJob = map[string]sdktrace.ReadOnlySpan{}
		for _, span := range f.spans.Ended() {
			for _, kv := range span.Attributes() {
				if kv.Key == "mmk_jobs.job.id" {
					byJob[kv.Value.AsString()] = span
				}
			}
		}
		return len(byJob) == 2
	}, waitFor, 10*time.Millisecond)

	failedSpan := byJob[failed.ID]
	assert.Equal(t, "mmk_jobs.job.process", failedSpan.Name())
	assert.Equal(t, codes.Error, failedSpan.Status().Code)
	assert.Contains(t, failedSpan.Attributes(), attribute.String("mmk_jobs.failure_decision", model.FailureFinal.String()))
	assert.Contains(t, failedSpan.Attributes(), attribute.String("mmk_jobs.queue", "jobs-report"))

	assert.Equal(t, codes.Ok, byJob[done.ID].Status().Code)
}
