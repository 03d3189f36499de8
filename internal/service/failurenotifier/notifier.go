// Package failurenotifier fans terminal job failures out to notification sinks.
package failurenotifier

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/target/mmk-jobs/internal/domain/model"
	"github.com/target/mmk-jobs/internal/observability/notify"
	"github.com/target/mmk-jobs/internal/observability/statsd"
)

const defaultTimeout = 10 * time.Second

// SinkRegistration names a sink for logs and the notify.delivery metric.
type SinkRegistration struct {
	Name string
	Sink notify.Sink
}

type Options struct {
	Logger  *slog.Logger
	Metrics statsd.Sink
	Sinks   []SinkRegistration
	// Types limits notifications to these job types. Empty notifies for every type.
	Types []model.JobType
	// Timeout bounds a whole fan-out including sink retries.
	Timeout time.Duration
}

// Service delivers each failure to every registered sink concurrently.
type Service struct {
	logger  *slog.Logger
	metrics statsd.Sink
	sinks   []SinkRegistration
	watch   map[model.JobType]struct{}
	timeout time.Duration
}

func NewService(opts Options) *Service {
	s := &Service{
		logger:  opts.Logger,
		metrics: opts.Metrics,
		timeout: opts.Timeout,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "failure_notifier")
	if s.timeout <= 0 {
		s.timeout = defaultTimeout
	}

	for _, reg := range opts.Sinks {
		if reg.Sink == nil {
			continue
		}
		if reg.Name == "" {
			reg.Name = "sink"
		}
		s.sinks = append(s.sinks, reg)
	}
	if len(opts.Types) > 0 {
		s.watch = make(map[model.JobType]struct{}, len(opts.Types))
		for _, t := range opts.Types {
			s.watch[t] = struct{}{}
		}
	}
	return s
}

// Enabled reports whether the notifier has any active sinks.
func (s *Service) Enabled() bool {
	return s != nil && len(s.sinks) > 0
}

// NotifyJobFailure blocks until every sink has answered or the timeout
// elapses. Cancellation of ctx is ignored so a worker shutting down still
// reports the failure it just recorded.
func (s *Service) NotifyJobFailure(ctx context.Context, payload notify.JobFailurePayload) {
	if !s.Enabled() {
		return
	}
	if !s.watches(model.JobType(payload.JobType)) {
		s.logger.DebugContext(ctx, "job type not watched, skipping notification",
			"job_id", payload.JobID,
			"job_type", payload.JobType,
		)
		return
	}
	if payload.Severity == "" {
		payload.Severity = notify.SeverityCritical
	}

	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	// Sink errors are reported per sink and never abort the siblings, so the
	// group is used only for its wait.
	var g errgroup.Group
	for _, reg := range s.sinks {
		g.Go(func() error {
			s.deliver(sendCtx, reg, payload)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) watches(t model.JobType) bool {
	if s.watch == nil {
		return true
	}
	_, ok := s.watch[t]
	return ok
}

func (s *Service) deliver(ctx context.Context, reg SinkRegistration, payload notify.JobFailurePayload) {
	start := time.Now()
	err := reg.Sink.SendJobFailure(ctx, payload)

	result := "success"
	if err != nil {
		result = "error"
		s.logger.ErrorContext(ctx, "failure notification not delivered",
			"sink", reg.Name,
			"job_id", payload.JobID,
			"job_type", payload.JobType,
			"error", err,
		)
	}
	if s.metrics != nil {
		tags := map[string]string{"sink": reg.Name, "result": result}
		s.metrics.Count("notify.delivery", 1, tags)
		s.metrics.Timing("notify.delivery.duration", time.Since(start), tags)
	}
}
