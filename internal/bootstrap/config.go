package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/target/mmk-jobs/config"
	"github.com/target/mmk-jobs/internal/observability/tracing"
)

// InitLogger installs a JSON slog handler on stdout as the process default.
func InitLogger(level slog.Level) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// LoadConfig reads an optional .env file, parses the process environment and
// applies sanitisation plus worker override files.
func LoadConfig() (config.AppConfig, error) {
	var cfg config.AppConfig
	if err := loadDotEnv(); err != nil {
		return cfg, err
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	cfg.Sanitize()
	if err := cfg.Worker.LoadOverrides(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadDotEnv is a no-op when ./.env is absent.
func loadDotEnv() error {
	err := godotenv.Load()
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load .env file: %w", err)
}

// InitTracing registers the global tracer provider chosen by
// OBSERVABILITY_TRACING_EXPORTER. The returned func must run before exit so
// batched spans are flushed.
func InitTracing(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (tracing.ShutdownFunc, error) {
	shutdown, err := tracing.Init(ctx, tracing.Options{
		Config:      cfg.Observability.Tracing,
		Environment: cfg.Environment,
	})
	if err != nil {
		return shutdown, fmt.Errorf("init tracing: %w", err)
	}
	if cfg.Observability.Tracing.Enabled() {
		logger.InfoContext(ctx, "tracing enabled",
			"exporter", cfg.Observability.Tracing.Exporter,
			"sample_ratio", cfg.Observability.Tracing.SampleRatio,
		)
	}
	return shutdown, nil
}

// ValidateServiceConfig runs config validation and requires at least one
// enabled service.
func ValidateServiceConfig(cfg *config.AppConfig) error {
	if cfg == nil {
		return errors.New("service config is required")
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid service configuration: %w", err)
	}
	if len(GetEnabledServices(cfg)) == 0 {
		return errors.New("no services enabled")
	}
	return nil
}

// GetEnabledServices lists the enabled service names in start order. Invalid
// SERVICES values yield an empty list and are reported by ValidateServiceConfig.
func GetEnabledServices(cfg *config.AppConfig) []string {
	if cfg == nil {
		return []string{}
	}
	enabled, err := cfg.GetEnabledServices()
	if err != nil {
		return []string{}
	}
	names := make([]string, 0, len(enabled))
	for mode := range slices.Values(config.ValidServiceModes()) {
		if enabled[mode] {
			names = append(names, string(mode))
		}
	}
	return names
}
