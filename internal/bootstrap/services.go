package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/target/mmk-jobs/config"
	"github.com/target/mmk-jobs/internal/adapters/memqueue"
	"github.com/target/mmk-jobs/internal/adapters/redisqueue"
	"github.com/target/mmk-jobs/internal/core"
	"github.com/target/mmk-jobs/internal/data"
	"github.com/target/mmk-jobs/internal/data/memory"
	"github.com/target/mmk-jobs/internal/domain/model"
	"github.com/target/mmk-jobs/internal/observability/notify/pagerduty"
	"github.com/target/mmk-jobs/internal/observability/notify/slack"
	"github.com/target/mmk-jobs/internal/observability/statsd"
	"github.com/target/mmk-jobs/internal/service"
	"github.com/target/mmk-jobs/internal/service/failurenotifier"
)

// ServiceContainer holds the wired job orchestration services.
type ServiceContainer struct {
	Store        core.JobRepository
	Engine       core.ExecutionEngine
	Dispatcher   *service.QueueDispatcher
	Orchestrator *service.JobOrchestrator
	Registry     *service.ProcessorRegistry

	Observability ObservabilityContainer
}

// ObservabilityContainer holds observability-related dependencies.
type ObservabilityContainer struct {
	// MetricsSink is nil when metrics are disabled or the client failed to start.
	MetricsSink     *statsd.Client
	MetricsConfig   config.ObservabilityMetricsConfig
	FailureNotifier *failurenotifier.Service
	NotifierConfig  config.ObservabilityNotificationsConfig
}

// notifier returns the failure notifier when at least one sink is active.
//
//nolint:ireturn // nil keeps the orchestrator from building payloads nobody receives.
func (o ObservabilityContainer) notifier() service.FailureNotifier {
	if !o.FailureNotifier.Enabled() {
		return nil
	}
	return o.FailureNotifier
}

// sink returns the metrics sink as an interface, keeping a nil client from
// becoming a non-nil interface value.
func (o ObservabilityContainer) sink() statsd.Sink {
	if o.MetricsSink == nil {
		return nil
	}
	return o.MetricsSink
}

// ServiceDeps contains dependencies for building services. DB is required for
// the postgres store driver and Redis for the redis engine driver.
type ServiceDeps struct {
	Config *config.AppConfig
	DB     *sql.DB
	Redis  redis.UniversalClient
	Logger *slog.Logger

	// Processors registers application processors in addition to the echo
	// processor configured by PROCESSORS_ECHO_TYPES.
	Processors map[model.JobType]service.ProcessorFunc
}

func buildObservability(logger *slog.Logger, cfg config.ObservabilityConfig) (ObservabilityContainer, error) {
	obsLogger := logger
	if obsLogger == nil {
		obsLogger = slog.Default()
	}

	var metricsSink *statsd.Client
	if cfg.Metrics.IsEnabled() {
		client, err := statsd.NewClient(statsd.Config{
			Address:       cfg.Metrics.StatsdAddress,
			Prefix:        cfg.Metrics.Prefix,
			Tags:          cfg.Metrics.Tags,
			MaxPacketSize: cfg.Metrics.MaxPacketSize,
			FlushInterval: cfg.Metrics.FlushInterval,
			Logger:        obsLogger,
		})
		if err != nil {
			obsLogger.Error("failed to initialise statsd client", "error", err)
		} else {
			metricsSink = client
		}
	}

	notifier, err := buildFailureNotifier(obsLogger, metricsSink, cfg.Notifications)
	if err != nil {
		return ObservabilityContainer{}, err
	}

	return ObservabilityContainer{
		MetricsSink:     metricsSink,
		MetricsConfig:   cfg.Metrics,
		FailureNotifier: notifier,
		NotifierConfig:  cfg.Notifications,
	}, nil
}

func buildFailureNotifier(
	logger *slog.Logger,
	metricsSink *statsd.Client,
	cfg config.ObservabilityNotificationsConfig,
) (*failurenotifier.Service, error) {
	types, err := cfg.ParseTypes()
	if err != nil {
		return nil, err
	}

	opts := failurenotifier.Options{
		Logger: logger,
		Types:  types,
		// Each sink may use the full per-request timeout on every retry.
		Timeout: cfg.Timeout*time.Duration(cfg.RetryLimit+1) + time.Second,
	}
	if metricsSink != nil {
		opts.Metrics = metricsSink
	}
	if !cfg.Enabled {
		return failurenotifier.NewService(opts), nil
	}

	if cfg.Slack.Enabled {
		client, err := slack.NewClient(slack.Config{
			WebhookURL:   cfg.Slack.WebhookURL,
			Channel:      cfg.Slack.Channel,
			Username:     cfg.Slack.Username,
			Timeout:      cfg.Timeout,
			RetryLimit:   cfg.RetryLimit,
			JobURLPrefix: cfg.Slack.JobURLPrefix,
		})
		if err != nil {
			logger.Error("failed to initialise slack notifier", "error", err)
		} else {
			opts.Sinks = append(opts.Sinks, failurenotifier.SinkRegistration{Name: "slack", Sink: client})
		}
	}

	if cfg.PagerDuty.Enabled {
		client, err := pagerduty.NewClient(pagerduty.Config{
			RoutingKey: cfg.PagerDuty.RoutingKey,
			Source:     cfg.PagerDuty.Source,
			Component:  cfg.PagerDuty.Component,
			Timeout:    cfg.Timeout,
			RetryLimit: cfg.RetryLimit,
		})
		if err != nil {
			logger.Error("failed to initialise pagerduty notifier", "error", err)
		} else {
			opts.Sinks = append(opts.Sinks, failurenotifier.SinkRegistration{Name: "pagerduty", Sink: client})
		}
	}

	return failurenotifier.NewService(opts), nil
}

// buildStore selects the record store for STORE_DRIVER.
//
//nolint:ireturn // the driver is chosen at runtime.
func buildStore(deps *ServiceDeps) (core.JobRepository, error) {
	switch deps.Config.StoreDriver {
	case config.StoreDriverPostgres:
		if deps.DB == nil {
			return nil, errors.New("postgres store driver requires a database connection")
		}
		return data.NewJobRepo(deps.DB, data.RepoConfig{Logger: deps.Logger}), nil
	case config.StoreDriverMemory:
		return memory.NewJobStore(nil), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", deps.Config.StoreDriver)
	}
}

// buildEngine selects the execution engine for ENGINE_DRIVER.
//
//nolint:ireturn // the driver is chosen at runtime.
func buildEngine(deps *ServiceDeps) (core.ExecutionEngine, error) {
	switch deps.Config.EngineDriver {
	case config.EngineDriverRedis:
		if deps.Redis == nil {
			return nil, errors.New("redis engine driver requires a redis client")
		}
		return redisqueue.New(deps.Redis, redisqueue.Options{
			KeyPrefix: deps.Config.Redis.KeyPrefix,
			Logger:    deps.Logger,
		}), nil
	case config.EngineDriverMemory:
		return memqueue.New(nil), nil
	default:
		return nil, fmt.Errorf("unknown engine driver %q", deps.Config.EngineDriver)
	}
}

// buildRegistry registers the configured processors.
func buildRegistry(deps *ServiceDeps) (*service.ProcessorRegistry, error) {
	registry := service.NewProcessorRegistry()
	for jobType, fn := range deps.Processors {
		if err := registry.Register(jobType, fn); err != nil {
			return nil, err
		}
	}

	echoTypes, err := deps.Config.Processors.ParseEchoTypes()
	if err != nil {
		return nil, err
	}
	for _, jobType := range echoTypes {
		if _, exists := registry.Lookup(jobType); exists {
			continue
		}
		if err := registry.Register(jobType, service.EchoProcessor); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// NewServices wires the store, engine, dispatcher, orchestrator and processor
// registry selected by deps.Config.
func NewServices(deps *ServiceDeps) (ServiceContainer, error) {
	if deps == nil || deps.Config == nil {
		return ServiceContainer{}, errors.New("service deps with config are required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	observability, err := buildObservability(deps.Logger, deps.Config.Observability)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("observability: %w", err)
	}

	store, err := buildStore(deps)
	if err != nil {
		return ServiceContainer{}, err
	}
	engine, err := buildEngine(deps)
	if err != nil {
		return ServiceContainer{}, err
	}

	dispatcher, err := service.NewQueueDispatcher(service.QueueDispatcherOptions{
		Engine:  engine,
		Config:  deps.Config.Queue,
		Logger:  deps.Logger,
		Metrics: observability.sink(),
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("queue dispatcher: %w", err)
	}

	orchestrator, err := service.NewJobOrchestrator(service.JobOrchestratorOptions{
		Repo:       store,
		Dispatcher: dispatcher,
		Logger:     deps.Logger,
		Metrics:    observability.sink(),
		Notifier:   observability.notifier(),
	})
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("job orchestrator: %w", err)
	}

	registry, err := buildRegistry(deps)
	if err != nil {
		return ServiceContainer{}, fmt.Errorf("processor registry: %w", err)
	}

	return ServiceContainer{
		Store:         store,
		Engine:        engine,
		Dispatcher:    dispatcher,
		Orchestrator:  orchestrator,
		Registry:      registry,
		Observability: observability,
	}, nil
}

// Close releases resources owned by the container.
func (c ServiceContainer) Close() error {
	return c.Observability.MetricsSink.Close()
}

// ConnectBackends opens the connections the configured drivers need. The
// returned cleanup closes whatever was opened.
func ConnectBackends(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*sql.DB, redis.UniversalClient, func(), error) {
	var (
		db          *sql.DB
		redisClient redis.UniversalClient
	)
	cleanup := func() {
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				logger.Warn("close redis client", "error", err)
			}
		}
		if db != nil {
			if err := db.Close(); err != nil {
				logger.Warn("close database", "error", err)
			}
		}
	}

	if cfg.StoreDriver == config.StoreDriverPostgres {
		conn, err := ConnectDB(ctx, cfg.Postgres, logger)
		if err != nil {
			return nil, nil, cleanup, err
		}
		db = conn
		if cfg.Postgres.RunMigrationsOnStart {
			if migErr := RunMigrations(ctx, db, logger); migErr != nil {
				cleanup()
				return nil, nil, func() {}, migErr
			}
		}
	}

	if cfg.EngineDriver == config.EngineDriverRedis {
		client, err := ConnectRedis(ctx, cfg.Redis, logger)
		if err != nil {
			cleanup()
			return nil, nil, func() {}, err
		}
		redisClient = client
	}

	return db, redisClient, cleanup, nil
}
