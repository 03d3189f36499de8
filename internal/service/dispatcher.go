package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/target/mmk-jobs/config"
	"github.com/target/mmk-jobs/internal/core"
	"github.com/target/mmk-jobs/internal/domain/model"
	apperrors "github.com/target/mmk-jobs/internal/errors"
	"github.com/target/mmk-jobs/internal/observability/metrics"
	"github.com/target/mmk-jobs/internal/observability/statsd"
)

// QueueDispatcherOptions groups dependencies for QueueDispatcher.
type QueueDispatcherOptions struct {
	Engine  core.ExecutionEngine // Required: execution engine
	Config  config.QueueConfig   // Required: queue naming and default policy
	Logger  *slog.Logger         // Optional: structured logger
	Metrics statsd.Sink          // Optional: metrics sink (StatsD-compatible)
}

// QueueDispatcher routes job types to engine queues and owns the default
// dispatch policy.
type QueueDispatcher struct {
	engine   core.ExecutionEngine
	prefix   string
	defaults model.DispatchPolicy
	logger   *slog.Logger
	metrics  statsd.Sink
}

// NewQueueDispatcher constructs a new QueueDispatcher.
func NewQueueDispatcher(opts QueueDispatcherOptions) (*QueueDispatcher, error) {
	if opts.Engine == nil {
		return nil, errors.New("ExecutionEngine is required")
	}
	defaults, err := opts.Config.DefaultPolicy()
	if err != nil {
		return nil, fmt.Errorf("default dispatch policy: %w", err)
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "queue_dispatcher")
		logger.Debug("QueueDispatcher initialized",
			"prefix", opts.Config.Prefix,
			"attempts", defaults.Attempts,
			"backoff", defaults.Backoff.Kind,
		)
	}

	return &QueueDispatcher{
		engine:   opts.Engine,
		prefix:   opts.Config.Prefix,
		defaults: defaults,
		logger:   logger,
		metrics:  opts.Metrics,
	}, nil
}

var queueNameInvalid = regexp.MustCompile(`[^a-z0-9-]+`)

// QueueName maps a job type to an engine-legal queue name: lowercased, each
// run of characters outside [a-z0-9-] replaced by one dash, outer dashes
// trimmed, then prefixed.
func QueueName(prefix string, jobType model.JobType) string {
	name := queueNameInvalid.ReplaceAllString(strings.ToLower(string(jobType)), "-")
	return prefix + strings.Trim(name, "-")
}

// QueueName returns the queue used for jobType.
func (d *QueueDispatcher) QueueName(jobType model.JobType) string {
	return QueueName(d.prefix, jobType)
}

// DefaultPolicy returns the policy applied when a request has no overrides.
func (d *QueueDispatcher) DefaultPolicy() model.DispatchPolicy {
	return d.defaults
}

// ResolvePolicy applies overrides to the default policy and validates the result.
func (d *QueueDispatcher) ResolvePolicy(overrides *model.DispatchOverrides) (model.DispatchPolicy, error) {
	p := overrides.Apply(d.defaults)
	if err := p.Validate(); err != nil {
		return model.DispatchPolicy{}, apperrors.ValidationField("dispatch", err.Error())
	}
	return p, nil
}

// Enqueue adds an item for jobType. A duplicate item id returns false without error.
func (d *QueueDispatcher) Enqueue(
	ctx context.Context,
	jobType model.JobType,
	itemID string,
	env model.ItemEnvelope,
	overrides *model.DispatchOverrides,
) (bool, error) {
	policy, err := d.ResolvePolicy(overrides)
	if err != nil {
		return false, err
	}
	queue := d.QueueName(jobType)

	start := time.Now()
	added, err := d.engine.Add(ctx, queue, itemID, env, policy)
	d.emit(queue, "add", start, err)
	if err != nil {
		return false, fmt.Errorf("enqueue %s on %s: %w", itemID, queue, err)
	}

	if d.logger != nil {
		d.logger.DebugContext(ctx, "item enqueued",
			"queue", queue,
			"item_id", itemID,
			"job_id", env.JobID,
			"added", added,
			"attempts", policy.Attempts,
		)
	}
	return added, nil
}

// Lookup returns the engine item for jobType and itemID, or a NotFound error.
func (d *QueueDispatcher) Lookup(ctx context.Context, jobType model.JobType, itemID string) (*model.EngineItem, error) {
	queue := d.QueueName(jobType)
	start := time.Now()
	item, err := d.engine.Get(ctx, queue, itemID)
	d.emit(queue, "get", start, err)
	if err != nil {
		return nil, fmt.Errorf("lookup %s on %s: %w", itemID, queue, err)
	}
	if item == nil {
		return nil, apperrors.NotFoundf("engine item %s not found on %s", itemID, queue)
	}
	return item, nil
}

// Remove deletes a waiting or delayed item. Active and finished items are kept.
func (d *QueueDispatcher) Remove(ctx context.Context, jobType model.JobType, itemID string) (bool, error) {
	queue := d.QueueName(jobType)
	start := time.Now()
	removed, err := d.engine.Remove(ctx, queue, itemID)
	d.emit(queue, "remove", start, err)
	if err != nil {
		return false, fmt.Errorf("remove %s from %s: %w", itemID, queue, err)
	}
	return removed, nil
}

// Counts reports item counts per state for jobType's queue.
func (d *QueueDispatcher) Counts(ctx context.Context, jobType model.JobType) (model.QueueCounts, error) {
	queue := d.QueueName(jobType)
	counts, err := d.engine.Counts(ctx, queue)
	if err != nil {
		return model.QueueCounts{}, fmt.Errorf("counts for %s: %w", queue, err)
	}
	return counts, nil
}

// Prune drops finished items past their retention from jobType's queue.
func (d *QueueDispatcher) Prune(ctx context.Context, jobType model.JobType) (model.PruneResult, error) {
	queue := d.QueueName(jobType)
	start := time.Now()
	res, err := d.engine.Prune(ctx, queue)
	d.emit(queue, "prune", start, err)
	if err != nil {
		return model.PruneResult{}, fmt.Errorf("prune %s: %w", queue, err)
	}
	return res, nil
}

func (d *QueueDispatcher) emit(queue, op string, start time.Time, err error) {
	metrics.EmitQueueOperation(d.metrics, metrics.QueueMetric{
		Queue:     queue,
		Operation: op,
		Result:    metrics.ResultFor(err),
		Duration:  time.Since(start),
		Err:       err,
	})
}
