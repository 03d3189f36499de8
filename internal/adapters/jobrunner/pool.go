// Package jobrunner runs the worker pool that claims engine items, invokes
// processors and reports each attempt back to the job orchestrator.
package jobrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/target/mmk-jobs/config"
	"github.com/target/mmk-jobs/internal/core"
	"github.com/target/mmk-jobs/internal/domain/job"
	"github.com/target/mmk-jobs/internal/domain/model"
	"github.com/target/mmk-jobs/internal/observability/metrics"
	"github.com/target/mmk-jobs/internal/observability/statsd"
)

// reasonTerminalRecord is recorded on items retired because their record
// reached a terminal status before the attempt began.
const reasonTerminalRecord = "job record is terminal"

// tracerName is the instrumentation scope for attempt spans.
const tracerName = "github.com/target/mmk-jobs/internal/adapters/jobrunner"

// LifecycleHandler receives the record-side transitions of every attempt.
// service.JobOrchestrator is the production implementation.
type LifecycleHandler interface {
	OnStarted(ctx context.Context, item *model.EngineItem) (bool, error)
	OnCompleted(ctx context.Context, item *model.EngineItem, result json.RawMessage) error
	OnFailed(ctx context.Context, item *model.EngineItem, cause error) (model.FailureDecision, error)
	OnStalled(ctx context.Context, queue, itemID string)
}

// Invoker runs the processor registered for a job type.
type Invoker interface {
	Invoke(ctx context.Context, in model.ProcessorInput) (json.RawMessage, error)
	Types() []model.JobType
}

// PoolOptions configures the worker pool.
type PoolOptions struct {
	Engine    core.ExecutionEngine       // Required
	Handler   LifecycleHandler           // Required
	Registry  Invoker                    // Required
	QueueName func(model.JobType) string // Required: maps a job type to its engine queue
	Config    config.WorkerConfig

	// Notifier wakes idle workers. Defaults to a job.Broadcaster over Engine.
	Notifier job.Notifier
	Logger   *slog.Logger
	Metrics  statsd.Sink
	// Tracer defaults to the global OpenTelemetry provider, a no-op until
	// tracing is initialised.
	Tracer trace.Tracer
}

// Pool runs one consumer group per job type.
type Pool struct {
	engine   core.ExecutionEngine
	handler  LifecycleHandler
	registry Invoker
	notifier job.Notifier
	logger   *slog.Logger
	metrics  statsd.Sink
	tracer   trace.Tracer

	groups          []*group
	claimTTL        time.Duration
	pollInterval    time.Duration
	stalledInterval time.Duration
	shutdownTimeout time.Duration
}

type group struct {
	jobType     model.JobType
	queue       string
	concurrency int
	limiter     *rate.Limiter
}

// NewPool validates opts and builds the consumer groups. Types listed in
// WORKER_TYPES must have a registered processor.
func NewPool(opts PoolOptions) (*Pool, error) {
	switch {
	case opts.Engine == nil:
		return nil, errors.New("ExecutionEngine is required")
	case opts.Handler == nil:
		return nil, errors.New("LifecycleHandler is required")
	case opts.Registry == nil:
		return nil, errors.New("processor registry is required")
	case opts.QueueName == nil:
		return nil, errors.New("QueueName is required")
	}

	cfg := opts.Config
	cfg.Sanitize()

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "worker_pool")

	claims, err := job.NewClaimPolicy(cfg.ClaimTTL)
	if err != nil {
		return nil, fmt.Errorf("claim policy: %w", err)
	}

	types, err := resolveTypes(cfg, opts.Registry.Types())
	if err != nil {
		return nil, err
	}

	notifier := opts.Notifier
	if notifier == nil {
		n, nerr := job.NewNotifier(job.NotifierOptions{Waiter: opts.Engine})
		if nerr != nil {
			return nil, fmt.Errorf("notifier: %w", nerr)
		}
		notifier = n
	}

	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	p := &Pool{
		engine:          opts.Engine,
		handler:         opts.Handler,
		registry:        opts.Registry,
		notifier:        notifier,
		logger:          logger,
		metrics:         opts.Metrics,
		tracer:          tracer,
		claimTTL:        claims.Resolve(cfg.ClaimTTL).TTL,
		pollInterval:    cfg.PollInterval,
		stalledInterval: cfg.StalledInterval,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	for _, jt := range types {
		eff := cfg.ForType(jt)
		limit := rate.Inf
		if eff.RateLimit > 0 {
			limit = rate.Limit(eff.RateLimit)
		}
		p.groups = append(p.groups, &group{
			jobType:     jt,
			queue:       opts.QueueName(jt),
			concurrency: eff.Concurrency,
			limiter:     rate.NewLimiter(limit, eff.RateBurst),
		})
	}
	return p, nil
}

func resolveTypes(cfg config.WorkerConfig, registered []model.JobType) ([]model.JobType, error) {
	enabled, err := cfg.EnabledTypes()
	if err != nil {
		return nil, err
	}
	if enabled == nil {
		return registered, nil
	}
	for _, jt := range enabled {
		if !slices.Contains(registered, jt) {
			return nil, fmt.Errorf("WORKER_TYPES includes %s but no processor is registered", jt)
		}
	}
	return enabled, nil
}

// Types returns the job types the pool consumes.
func (p *Pool) Types() []model.JobType {
	out := make([]model.JobType, 0, len(p.groups))
	for _, g := range p.groups {
		out = append(out, g.jobType)
	}
	return out
}

// Run starts every group and blocks until ctx is done. In-flight attempts get
// the shutdown timeout to finish before their context is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	if len(p.groups) == 0 {
		return errors.New("worker pool has no job types to consume")
	}
	defer p.notifier.StopAll()

	workCtx, cancelWork := p.detachedWorkContext(ctx)
	defer cancelWork()

	g, gctx := errgroup.WithContext(ctx)
	for _, grp := range p.groups {
		p.logger.InfoContext(ctx, "starting consumer group",
			"type", grp.jobType,
			"queue", grp.queue,
			"concurrency", grp.concurrency,
			"rate_limit", float64(grp.limiter.Limit()),
			"claim_ttl", p.claimTTL,
		)

		g.Go(func() error {
			p.stallLoop(gctx, grp)
			return nil
		})
		for range grp.concurrency {
			unsub, wake := p.notifier.Subscribe(grp.queue)
			g.Go(func() error {
				defer unsub()
				p.workerLoop(gctx, workCtx, grp, wake)
				return nil
			})
		}
	}

	err := g.Wait()
	p.logger.InfoContext(ctx, "worker pool stopped", "reason", ctx.Err())
	if err != nil {
		return err
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

// detachedWorkContext outlives ctx by the shutdown timeout so an attempt in
// progress can record its outcome.
func (p *Pool) detachedWorkContext(ctx context.Context) (context.Context, context.CancelFunc) {
	workCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		timer := time.NewTimer(p.shutdownTimeout)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-workCtx.Done():
		}
	})
	return workCtx, func() {
		stop()
		cancel()
	}
}

func (p *Pool) workerLoop(ctx, workCtx context.Context, grp *group, wake <-chan struct{}) {
	for ctx.Err() == nil {
		if err := grp.limiter.Wait(ctx); err != nil {
			return
		}

		item, err := p.engine.Claim(ctx, grp.queue, p.claimTTL)
		switch {
		case err == nil:
			p.process(workCtx, grp, item)
		case errors.Is(err, model.ErrNoItemsAvailable):
			if !p.idle(ctx, wake) {
				return
			}
		case ctx.Err() != nil:
			return
		default:
			p.logger.ErrorContext(ctx, "claim failed", "queue", grp.queue, "error", err)
			metrics.EmitQueueOperation(p.metrics, metrics.QueueMetric{
				Queue:     grp.queue,
				Operation: "claim",
				Result:    metrics.ResultError,
				Err:       err,
			})
			if !p.sleep(ctx, p.pollInterval) {
				return
			}
		}
	}
}

// idle waits for a wake-up or the poll interval. It returns false when ctx is done.
func (p *Pool) idle(ctx context.Context, wake <-chan struct{}) bool {
	timer := time.NewTimer(p.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-wake:
		return true
	case <-timer.C:
		return true
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (p *Pool) process(ctx context.Context, grp *group, item *model.EngineItem) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "mmk_jobs.job.process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("mmk_jobs.job.id", item.Envelope.JobID),
			attribute.String("mmk_jobs.job.type", string(grp.jobType)),
			attribute.String("mmk_jobs.queue", grp.queue),
			attribute.String("mmk_jobs.item.id", item.ID),
			attribute.Int("mmk_jobs.attempt", item.AttemptsMade+1),
		),
	)
	defer span.End()

	log := p.logger.With("queue", grp.queue, "item_id", item.ID, "job_id", item.Envelope.JobID)
	emit := func(transition, result string, err error) {
		metrics.EmitJobLifecycle(p.metrics, metrics.JobMetric{
			JobType:    string(grp.jobType),
			Transition: transition,
			Result:     result,
			Duration:   time.Since(start),
			Err:        err,
		})
	}

	started, err := p.handler.OnStarted(ctx, item)
	if err != nil {
		// The claim is left to expire; stall recovery hands the item out again
		// without spending an attempt.
		log.ErrorContext(ctx, "mark started failed", "error", err)
		emit(metrics.TransitionStarted, metrics.ResultError, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "mark started failed")
		return
	}
	if !started {
		span.SetAttributes(attribute.Bool("mmk_jobs.skipped", true))
		if failErr := p.engine.Fail(ctx, item, reasonTerminalRecord, model.FailureFinal); failErr != nil {
			p.logEngineError(ctx, log, "retire item", failErr)
		}
		emit(metrics.TransitionStarted, metrics.ResultSkipped, nil)
		return
	}
	emit(metrics.TransitionStarted, metrics.ResultSuccess, nil)

	result, runErr := p.registry.Invoke(ctx, model.ProcessorInput{
		JobID:   item.Envelope.JobID,
		ItemID:  item.ID,
		Type:    grp.jobType,
		Payload: item.Envelope.Payload,
		Attempt: item.AttemptsMade + 1,
	})
	if runErr == nil {
		p.complete(ctx, log, item, result, emit)
		span.SetStatus(codes.Ok, "")
		return
	}
	decision := p.fail(ctx, log, item, runErr, emit)
	span.RecordError(runErr)
	span.SetAttributes(attribute.String("mmk_jobs.failure_decision", decision.String()))
	span.SetStatus(codes.Error, runErr.Error())
}

func (p *Pool) complete(
	ctx context.Context,
	log *slog.Logger,
	item *model.EngineItem,
	result json.RawMessage,
	emit func(transition, result string, err error),
) {
	result = job.ResultOrNull(result)
	// A failed record write still completes the engine item; reads reconcile
	// the record from it.
	if err := p.handler.OnCompleted(ctx, item, result); err != nil {
		log.ErrorContext(ctx, "record completion failed", "error", err)
	}
	if err := p.engine.Complete(ctx, item, result); err != nil {
		p.logEngineError(ctx, log, "complete item", err)
		emit(metrics.TransitionCompleted, metrics.ResultError, err)
		return
	}
	emit(metrics.TransitionCompleted, metrics.ResultSuccess, nil)
}

func (p *Pool) fail(
	ctx context.Context,
	log *slog.Logger,
	item *model.EngineItem,
	cause error,
	emit func(transition, result string, err error),
) model.FailureDecision {
	decision, err := p.handler.OnFailed(ctx, item, cause)
	if err != nil {
		log.ErrorContext(ctx, "record failure failed", "error", err, "decision", decision.String())
	}
	if failErr := p.engine.Fail(ctx, item, job.ReasonOrUnknown(cause.Error()), decision); failErr != nil {
		p.logEngineError(ctx, log, "fail item", failErr)
	}

	result := metrics.ResultRetry
	if decision == model.FailureFinal {
		result = metrics.ResultError
	}
	emit(metrics.TransitionFailed, result, cause)
	log.DebugContext(ctx, "attempt failed",
		"attempt", item.AttemptsMade+1,
		"decision", decision.String(),
		"error", cause,
	)
	return decision
}

func (p *Pool) logEngineError(ctx context.Context, log *slog.Logger, op string, err error) {
	if errors.Is(err, model.ErrClaimLost) {
		log.WarnContext(ctx, op+": claim lost to stall recovery", "error", err)
		return
	}
	log.ErrorContext(ctx, op+" failed", "error", err)
}

func (p *Pool) stallLoop(ctx context.Context, grp *group) {
	ticker := time.NewTicker(p.stalledInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.recoverStalled(ctx, grp)
		}
	}
}

func (p *Pool) recoverStalled(ctx context.Context, grp *group) {
	ids, err := p.engine.RecoverStalled(ctx, grp.queue)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.ErrorContext(ctx, "stall recovery failed", "queue", grp.queue, "error", err)
		}
		return
	}
	for _, id := range ids {
		p.handler.OnStalled(ctx, grp.queue, id)
	}
}
