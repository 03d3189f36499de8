package bootstrap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/target/mmk-jobs/config"
	"github.com/target/mmk-jobs/internal/adapters/jobrunner"
	"github.com/target/mmk-jobs/internal/adapters/reaper"
	"github.com/target/mmk-jobs/internal/observability/statsd"
	"github.com/target/mmk-jobs/internal/service"
)

// WorkersConfig contains configuration for the worker pool.
type WorkersConfig struct {
	Services ServiceContainer
	Config   config.WorkerConfig
	Logger   *slog.Logger
	Metrics  statsd.Sink
}

// NewWorkerPool builds the worker pool over the container's engine, registry
// and orchestrator.
func NewWorkerPool(cfg WorkersConfig) (*jobrunner.Pool, error) {
	svc := cfg.Services
	pool, err := jobrunner.NewPool(jobrunner.PoolOptions{
		Engine:    svc.Engine,
		Handler:   svc.Orchestrator,
		Registry:  svc.Registry,
		QueueName: svc.Dispatcher.QueueName,
		Config:    cfg.Config,
		Logger:    cfg.Logger,
		Metrics:   cfg.Metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return pool, nil
}

// RunWorkers starts the worker pool and blocks until ctx is done.
func RunWorkers(ctx context.Context, cfg WorkersConfig) error {
	pool, err := NewWorkerPool(cfg)
	if err != nil {
		return err
	}
	if runErr := pool.Run(ctx); runErr != nil {
		return fmt.Errorf("run worker pool: %w", runErr)
	}
	return nil
}

// ReaperConfig contains configuration for the retention sweeper.
type ReaperConfig struct {
	Dispatcher *service.QueueDispatcher
	Config     config.ReaperConfig
	Logger     *slog.Logger
	Metrics    statsd.Sink
}

// RunReaper starts the reaper service.
func RunReaper(ctx context.Context, cfg ReaperConfig) error {
	runner, err := reaper.NewRunner(reaper.RunnerOptions{
		Dispatcher: cfg.Dispatcher,
		Config:     cfg.Config,
		Logger:     cfg.Logger,
		Metrics:    cfg.Metrics,
	})
	if err != nil {
		return fmt.Errorf("create reaper runner: %w", err)
	}

	return runner.Run(ctx)
}
