package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/target/mmk-jobs/config"
	"github.com/target/mmk-jobs/internal/bootstrap"
)

func main() {
	ctx := context.Background()
	logger := bootstrap.InitLogger(slog.LevelInfo)
	if err := run(ctx, logger); err != nil {
		logger.ErrorContext(ctx, "fatal error", "error", err)
		os.Exit(1) //nolint:forbidigo // Main entrypoint should exit with non-zero status on fatal errors.
	}
}

func run(ctx context.Context, logger *slog.Logger) error {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return err
	}
	logger = bootstrap.InitLogger(cfg.SlogLevel())

	logStartupInfo(ctx, logger, &cfg)

	if err = bootstrap.ValidateServiceConfig(&cfg); err != nil {
		return err
	}

	shutdownTracing, err := bootstrap.InitTracing(ctx, &cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if terr := shutdownTracing(flushCtx); terr != nil {
			logger.WarnContext(ctx, "flush traces failed", "error", terr)
		}
	}()

	db, redisClient, cleanup, err := bootstrap.ConnectBackends(ctx, &cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	services, err := bootstrap.NewServices(&bootstrap.ServiceDeps{
		Config: &cfg,
		DB:     db,
		Redis:  redisClient,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := services.Close(); cerr != nil {
			logger.ErrorContext(ctx, "close services failed", "error", cerr)
		}
	}()

	return bootstrap.RunServicesWithShutdown(&bootstrap.ServiceOrchestrationConfig{
		Config:   &cfg,
		Services: services,
		Logger:   logger,
	})
}

func logStartupInfo(ctx context.Context, logger *slog.Logger, cfg *config.AppConfig) {
	logger.InfoContext(ctx, "starting mmk-jobs service",
		"store_driver", cfg.StoreDriver,
		"engine_driver", cfg.EngineDriver,
		"db_host", cfg.Postgres.Host,
		"db_name", cfg.Postgres.Name,
		"enabled_services", bootstrap.GetEnabledServices(cfg),
		"metrics_enabled", cfg.Observability.Metrics.IsEnabled(),
		"slack_notifications", cfg.Observability.Notifications.Slack.Enabled,
		"pagerduty_notifications", cfg.Observability.Notifications.PagerDuty.Enabled,
		"tracing_exporter", cfg.Observability.Tracing.Exporter,
	)
}
