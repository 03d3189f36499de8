// Package reaper wires the retention sweeper for the service runner and the
// admin CLI.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/mmk-jobs/config"
	"github.com/target/mmk-jobs/internal/domain/model"
	"github.com/target/mmk-jobs/internal/observability/statsd"
	"github.com/target/mmk-jobs/internal/service"
)

type RunnerOptions struct {
	Dispatcher *service.QueueDispatcher
	Config     config.ReaperConfig
	Logger     *slog.Logger
	Metrics    statsd.Sink

	// Types limits the sweep to these job types. Empty sweeps every type.
	Types []model.JobType
}

// Runner owns one ReaperService. Run drives the periodic loop; SweepOnce
// backs the admin "prune" command.
type Runner struct {
	svc    *service.ReaperService
	logger *slog.Logger
}

func NewRunner(opts RunnerOptions) (*Runner, error) {
	if opts.Dispatcher == nil {
		return nil, errors.New("queue dispatcher is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	svc, err := service.NewReaperService(service.ReaperServiceOptions{
		Dispatcher: opts.Dispatcher,
		Types:      opts.Types,
		Config:     opts.Config,
		Logger:     logger,
		Metrics:    opts.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("wire reaper service: %w", err)
	}
	return &Runner{svc: svc, logger: logger.With("component", "reaper_runner")}, nil
}

// Run blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "reaper runner started")
	err := r.svc.Run(ctx)
	r.logger.InfoContext(ctx, "reaper runner exited", "error", err)
	return err
}

func (r *Runner) SweepOnce(ctx context.Context) (model.PruneResult, error) {
	res, err := r.svc.Sweep(ctx)
	if err != nil {
		return res, err
	}
	r.logger.InfoContext(ctx, "sweep finished", "completed", res.Completed, "failed", res.Failed)
	return res, nil
}
