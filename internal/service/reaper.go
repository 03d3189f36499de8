package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/target/mmk-jobs/config"
	"github.com/target/mmk-jobs/internal/domain/model"
	"github.com/target/mmk-jobs/internal/observability/metrics"
	"github.com/target/mmk-jobs/internal/observability/statsd"
)

// ReaperServiceOptions groups dependencies for ReaperService.
type ReaperServiceOptions struct {
	Dispatcher *QueueDispatcher    // Required: queue routing over the execution engine
	Types      []model.JobType     // Optional: queues to sweep; defaults to every job type
	Config     config.ReaperConfig // Required: reaper configuration
	Logger     *slog.Logger        // Optional: structured logger
	Metrics    statsd.Sink         // Optional: metrics sink (StatsD-compatible)
}

// ReaperService enforces age-based retention on finished engine items.
// Count-based retention is applied by the engine as items finish; items
// that outlive their max age are only dropped by a sweep.
type ReaperService struct {
	dispatcher *QueueDispatcher
	types      []model.JobType
	config     config.ReaperConfig
	logger     *slog.Logger
	metrics    statsd.Sink
}

// NewReaperService constructs a new ReaperService.
func NewReaperService(opts ReaperServiceOptions) (*ReaperService, error) {
	if opts.Dispatcher == nil {
		return nil, errors.New("QueueDispatcher is required")
	}
	if opts.Config.Interval <= 0 {
		return nil, errors.New("reaper interval must be positive")
	}
	types := opts.Types
	if len(types) == 0 {
		types = model.AllJobTypes()
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "reaper_service")
		logger.Debug("ReaperService initialized",
			"interval", opts.Config.Interval,
			"types", types,
		)
	}

	return &ReaperService{
		dispatcher: opts.Dispatcher,
		types:      types,
		config:     opts.Config,
		logger:     logger,
		metrics:    opts.Metrics,
	}, nil
}

// Run sweeps once after a random start delay and then every Interval until
// ctx ends. Cancellation is a clean stop; a deadline is returned.
func (s *ReaperService) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "starting reaper service", "interval", s.config.Interval)
	}

	// Instances started together should not sweep in lockstep.
	if !sleepCtx(ctx, startJitter(s.config.Interval)) {
		return s.stopped(ctx)
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()
	for label := "initial sweep"; ; label = "sweep" {
		if _, err := s.Sweep(ctx); err != nil {
			s.logSweepError(ctx, err, label)
		}
		select {
		case <-ctx.Done():
			return s.stopped(ctx)
		case <-ticker.C:
		}
	}
}

func (s *ReaperService) stopped(ctx context.Context) error {
	if s.logger != nil {
		s.logger.InfoContext(ctx, "reaper service stopping", "reason", ctx.Err())
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil
	}
	return ctx.Err()
}

// Sweep prunes every configured queue once and returns the total removed.
// A failing queue does not stop the others.
func (s *ReaperService) Sweep(ctx context.Context) (model.PruneResult, error) {
	var (
		total model.PruneResult
		errs  []error
	)
	for _, jt := range s.types {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		res, err := s.dispatcher.Prune(ctx, jt)
		metrics.EmitSweep(s.metrics, metrics.SweepMetric{
			Queue:     s.dispatcher.QueueName(jt),
			Completed: res.Completed,
			Failed:    res.Failed,
			Err:       suppressContextCancellation(err),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", jt, err))
			continue
		}

		total.Completed += res.Completed
		total.Failed += res.Failed
		if res.Completed+res.Failed > 0 && s.logger != nil {
			s.logger.InfoContext(ctx, "pruned finished items",
				"type", jt,
				"completed", res.Completed,
				"failed", res.Failed,
			)
		}
	}

	if len(errs) > 0 {
		joined := errors.Join(errs...)
		if isContextCancellation(joined) && ctx.Err() != nil {
			return total, context.Canceled
		}
		return total, fmt.Errorf("sweep failed: %w", joined)
	}
	if s.metrics != nil {
		s.metrics.Gauge("reaper.last_success_epoch", float64(time.Now().Unix()), nil)
	}
	return total, nil
}

// startJitter is uniform in [0, interval/10).
func startJitter(interval time.Duration) time.Duration {
	if limit := interval / 10; limit > 0 {
		return rand.N(limit)
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *ReaperService) logSweepError(ctx context.Context, err error, label string) {
	if err == nil || s.logger == nil {
		return
	}
	if isContextCancellation(err) {
		s.logger.DebugContext(ctx, label+" cancelled by context", "error", err)
		return
	}
	s.logger.ErrorContext(ctx, label+" failed", "error", err)
}

func isContextCancellation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func suppressContextCancellation(err error) error {
	if isContextCancellation(err) {
		return nil
	}
	return err
}
