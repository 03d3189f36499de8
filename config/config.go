package config

import (
	"fmt"
	"log/slog"
	"strings"
)

// AppConfig is the main application configuration struct that composes
// domain-specific configuration from separate files.
//
// Configuration is loaded from environment variables using the
// github.com/caarlos0/env library. See individual domain config
// files for details on available environment variables:
//   - database.go: record store and execution engine connections
//   - queue.go: default dispatch policy
//   - services.go: service mode, worker pool and reaper configuration
//   - observability.go: metrics, failure notifications and tracing
type AppConfig struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Environment labels spans with deployment.environment.
	Environment string `env:"APP_ENV" envDefault:"development"`

	// Record store and execution engine drivers.
	StoreDriver  StoreDriver  `env:"STORE_DRIVER"  envDefault:"postgres"`
	EngineDriver EngineDriver `env:"ENGINE_DRIVER" envDefault:"redis"`

	// Database configuration
	Postgres DBConfig    `envPrefix:"DB_"`
	Redis    RedisConfig `envPrefix:"REDIS_"`

	// Service mode configuration
	Services string `env:"SERVICES" envDefault:"workers"`

	Queue  QueueConfig  `envPrefix:"QUEUE_"`
	Worker WorkerConfig `envPrefix:"WORKER_"`
	Reaper ReaperConfig

	// Processors configures the built-in processors.
	Processors ProcessorsConfig `envPrefix:"PROCESSORS_"`

	// Observability configuration
	Observability ObservabilityConfig
}

// Sanitize applies guardrails to configuration values loaded from env.
// This should be called after loading configuration from environment variables.
func (c *AppConfig) Sanitize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.Postgres.Sanitize()
	c.Queue.Sanitize()
	c.Worker.Sanitize()
	c.Reaper.Sanitize()
	c.Observability.Sanitize()
}

// Validate reports configuration that cannot be corrected by Sanitize.
func (c *AppConfig) Validate() error {
	if !c.StoreDriver.Valid() {
		return fmt.Errorf("invalid STORE_DRIVER %q (valid options: postgres, memory)", c.StoreDriver)
	}
	if !c.EngineDriver.Valid() {
		return fmt.Errorf("invalid ENGINE_DRIVER %q (valid options: redis, memory)", c.EngineDriver)
	}
	if _, err := c.Queue.DefaultPolicy(); err != nil {
		return err
	}
	if _, err := c.GetEnabledServices(); err != nil {
		return err
	}
	if err := c.Observability.Validate(); err != nil {
		return err
	}
	return nil
}

// SlogLevel maps LogLevel onto a slog level, defaulting to info.
func (c *AppConfig) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GetEnabledServices returns the enabled services based on the Services field.
func (c *AppConfig) GetEnabledServices() (map[ServiceMode]bool, error) {
	return ParseServices(c.Services)
}

// IsWorkersEnabled returns true if the worker pool service is enabled.
func (c *AppConfig) IsWorkersEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeWorkers]
}

// IsReaperEnabled returns true if the reaper service is enabled.
func (c *AppConfig) IsReaperEnabled() bool {
	services, err := c.GetEnabledServices()
	if err != nil {
		return false
	}
	return services[ServiceModeReaper]
}
