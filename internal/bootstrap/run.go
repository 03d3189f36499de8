package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/target/mmk-jobs/config"
)

// ServiceOrchestrationConfig contains configuration for service orchestration.
type ServiceOrchestrationConfig struct {
	Config   *config.AppConfig
	Services ServiceContainer
	Logger   *slog.Logger

	// Signals overrides the signals that trigger shutdown. Tests send on it directly.
	Signals <-chan os.Signal
}

// shutdownGrace is added to the worker shutdown timeout when waiting for services to stop.
const shutdownGrace = 5 * time.Second

// runnable is one long-running component selected by SERVICES.
type runnable struct {
	mode config.ServiceMode
	name string
	run  func(context.Context) error
}

func (cfg *ServiceOrchestrationConfig) runnables(logger *slog.Logger) []runnable {
	sink := cfg.Services.Observability.sink()
	return []runnable{
		{
			mode: config.ServiceModeWorkers,
			name: "worker pool",
			run: func(ctx context.Context) error {
				return RunWorkers(ctx, WorkersConfig{
					Services: cfg.Services,
					Config:   cfg.Config.Worker,
					Logger:   logger,
					Metrics:  sink,
				})
			},
		},
		{
			mode: config.ServiceModeReaper,
			name: "reaper",
			run: func(ctx context.Context) error {
				return RunReaper(ctx, ReaperConfig{
					Dispatcher: cfg.Services.Dispatcher,
					Config:     cfg.Config.Reaper,
					Logger:     logger,
					Metrics:    sink,
				})
			},
		},
	}
}

// selectRunnables keeps the entries whose mode is enabled, in table order.
func selectRunnables(all []runnable, enabled map[config.ServiceMode]bool) []runnable {
	out := make([]runnable, 0, len(all))
	for _, r := range all {
		if enabled[r.mode] {
			out = append(out, r)
		}
	}
	return out
}

// RunServicesWithShutdown starts all enabled services and blocks until a
// shutdown signal arrives or one of them fails. A failure stops the others
// and is returned; a signal yields nil.
func RunServicesWithShutdown(cfg *ServiceOrchestrationConfig) error {
	if cfg == nil {
		return errors.New("service orchestration config is required")
	}
	if cfg.Config == nil {
		return errors.New("service orchestration config missing AppConfig")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	enabled, err := cfg.Config.GetEnabledServices()
	if err != nil {
		return fmt.Errorf("determine enabled services: %w", err)
	}

	signals := cfg.Signals
	if signals == nil {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)
		signals = quit
	}

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()
	g, gctx := errgroup.WithContext(rootCtx)

	for _, r := range selectRunnables(cfg.runnables(logger), enabled) {
		g.Go(func() error {
			err := r.run(gctx)
			if err == nil || (rootCtx.Err() != nil && errors.Is(err, context.Canceled)) {
				logger.Info(r.name + " stopped")
				return nil
			}
			return fmt.Errorf("%s failed: %w", r.name, err)
		})
		logger.Info("background service started", "service", r.name, "mode", r.mode)
	}

	timeout := cfg.Config.Worker.ShutdownTimeout + shutdownGrace
	select {
	case sig := <-signals:
		logger.Info("shutting down services...", "signal", sig)
		stop()
		awaitGroup(g, timeout, logger)
		return nil
	case <-gctx.Done():
		// Only a failing service cancels gctx before stop is called.
		failure := context.Cause(gctx)
		logger.Error("service error", "error", failure)
		stop()
		awaitGroup(g, timeout, logger)
		return failure
	}
}

// awaitGroup waits for every service goroutine, giving up after timeout.
func awaitGroup(g *errgroup.Group, timeout time.Duration, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		logger.Warn("timeout waiting for services to stop", "timeout", timeout)
	}
}
