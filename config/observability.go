package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/target/mmk-jobs/internal/domain/model"
)

const defaultObservabilityName = "mmk-jobs"

// ObservabilityConfig groups configuration that controls metrics emission and failure alerts.
type ObservabilityConfig struct {
	Metrics       ObservabilityMetricsConfig
	Notifications ObservabilityNotificationsConfig
	Tracing       ObservabilityTracingConfig
}

// Sanitize applies guardrails to observability sub-configs.
func (c *ObservabilityConfig) Sanitize() {
	c.Metrics.Sanitize()
	c.Notifications.Sanitize()
	c.Tracing.Sanitize()
}

// Validate rejects settings Sanitize cannot repair.
func (c *ObservabilityConfig) Validate() error {
	if _, err := c.Notifications.ParseTypes(); err != nil {
		return err
	}
	return c.Tracing.Validate()
}

// ObservabilityMetricsConfig controls emission of metrics to external sinks such as StatsD.
type ObservabilityMetricsConfig struct {
	Enabled       bool              `env:"OBSERVABILITY_METRICS_ENABLED"        envDefault:"false"`
	StatsdAddress string            `env:"OBSERVABILITY_METRICS_STATSD_ADDRESS" envDefault:"127.0.0.1:8125"`
	Prefix        string            `env:"OBSERVABILITY_METRICS_PREFIX"         envDefault:"mmk_jobs"`
	Tags          map[string]string `env:"OBSERVABILITY_METRICS_TAGS"`
	FlushInterval time.Duration     `env:"OBSERVABILITY_METRICS_FLUSH_INTERVAL" envDefault:"1s"`
	// MaxPacketSize caps a batched datagram in bytes.
	MaxPacketSize int `env:"OBSERVABILITY_METRICS_MAX_PACKET_SIZE" envDefault:"1432"`
}

// Sanitize disables metrics without an address and restores batching defaults.
func (c *ObservabilityMetricsConfig) Sanitize() {
	c.StatsdAddress = strings.TrimSpace(c.StatsdAddress)
	if c.StatsdAddress == "" {
		c.Enabled = false
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.MaxPacketSize < 512 || c.MaxPacketSize > 65507 {
		c.MaxPacketSize = 1432
	}
}

// IsEnabled returns true when metrics emission is active after sanitisation.
func (c *ObservabilityMetricsConfig) IsEnabled() bool {
	return c.Enabled && c.StatsdAddress != ""
}

// ObservabilityNotificationsConfig controls alerts sent when a job fails permanently.
type ObservabilityNotificationsConfig struct {
	Enabled    bool                        `env:"OBSERVABILITY_NOTIFICATIONS_ENABLED"     envDefault:"false"`
	Timeout    time.Duration               `env:"OBSERVABILITY_NOTIFICATIONS_TIMEOUT"     envDefault:"5s"`
	RetryLimit int                         `env:"OBSERVABILITY_NOTIFICATIONS_RETRY_LIMIT" envDefault:"3"`
	Types      string                      `env:"OBSERVABILITY_NOTIFICATIONS_TYPES"`
	Slack      SlackNotificationConfig     `                                                                 envPrefix:"OBSERVABILITY_NOTIFICATIONS_SLACK_"`
	PagerDuty  PagerDutyNotificationConfig `                                                                 envPrefix:"OBSERVABILITY_NOTIFICATIONS_PAGERDUTY_"`
}

// Sanitize normalises notification configuration values.
func (c *ObservabilityNotificationsConfig) Sanitize() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RetryLimit < 0 {
		c.RetryLimit = 0
	}
	c.Types = strings.TrimSpace(c.Types)

	c.Slack.sanitize()
	c.PagerDuty.sanitize()

	if !c.Enabled {
		c.Slack.Enabled = false
		c.PagerDuty.Enabled = false
		return
	}

	if c.Slack.Enabled && c.Slack.WebhookURL == "" {
		c.Slack.Enabled = false
	}
	if c.PagerDuty.Enabled && c.PagerDuty.RoutingKey == "" {
		c.PagerDuty.Enabled = false
	}
}

// ParseTypes returns the job type filter. Nil means every type.
func (c *ObservabilityNotificationsConfig) ParseTypes() ([]model.JobType, error) {
	if c.Types == "" {
		return nil, nil
	}
	types, err := model.ParseJobTypes(c.Types)
	if err != nil {
		return nil, fmt.Errorf("OBSERVABILITY_NOTIFICATIONS_TYPES: %w", err)
	}
	return types, nil
}

// SlackNotificationConfig controls Slack webhook fan-out.
type SlackNotificationConfig struct {
	Enabled      bool   `env:"ENABLED"        envDefault:"false"`
	WebhookURL   string `env:"WEBHOOK_URL"`
	Channel      string `env:"CHANNEL"`
	Username     string `env:"USERNAME"       envDefault:"mmk-jobs"`
	JobURLPrefix string `env:"JOB_URL_PREFIX"`
}

func (c *SlackNotificationConfig) sanitize() {
	c.WebhookURL = strings.TrimSpace(c.WebhookURL)
	c.Channel = strings.TrimSpace(c.Channel)
	c.JobURLPrefix = strings.TrimSpace(c.JobURLPrefix)
	if c.Username = strings.TrimSpace(c.Username); c.Username == "" {
		c.Username = defaultObservabilityName
	}
}

// PagerDutyNotificationConfig controls PagerDuty Events API v2 fan-out.
type PagerDutyNotificationConfig struct {
	Enabled    bool   `env:"ENABLED"     envDefault:"false"`
	RoutingKey string `env:"ROUTING_KEY"`
	Source     string `env:"SOURCE"      envDefault:"mmk-jobs"`
	Component  string `env:"COMPONENT"   envDefault:"mmk-jobs"`
}

func (c *PagerDutyNotificationConfig) sanitize() {
	c.RoutingKey = strings.TrimSpace(c.RoutingKey)
	if c.Source = strings.TrimSpace(c.Source); c.Source == "" {
		c.Source = defaultObservabilityName
	}
	if c.Component = strings.TrimSpace(c.Component); c.Component == "" {
		c.Component = defaultObservabilityName
	}
}

// Tracing exporters accepted by OBSERVABILITY_TRACING_EXPORTER.
const (
	TracingExporterNone     = "none"
	TracingExporterStdout   = "stdout"
	TracingExporterOTLPHTTP = "otlphttp"
)

// ObservabilityTracingConfig controls OpenTelemetry spans around job attempts.
type ObservabilityTracingConfig struct {
	Exporter    string            `env:"OBSERVABILITY_TRACING_EXPORTER"     envDefault:"none"`
	Endpoint    string            `env:"OBSERVABILITY_TRACING_ENDPOINT"     envDefault:"http://localhost:4318"`
	Headers     map[string]string `env:"OBSERVABILITY_TRACING_HEADERS"`
	Insecure    bool              `env:"OBSERVABILITY_TRACING_INSECURE"     envDefault:"false"`
	SampleRatio float64           `env:"OBSERVABILITY_TRACING_SAMPLE_RATIO" envDefault:"1"`
	ServiceName string            `env:"OBSERVABILITY_TRACING_SERVICE_NAME" envDefault:"mmk-jobs"`
}

// Sanitize normalises exporter names and clamps the sample ratio to [0, 1].
func (c *ObservabilityTracingConfig) Sanitize() {
	c.Exporter = strings.ToLower(strings.TrimSpace(c.Exporter))
	if c.Exporter == "" {
		c.Exporter = TracingExporterNone
	}
	c.Endpoint = strings.TrimSpace(c.Endpoint)
	c.SampleRatio = min(max(c.SampleRatio, 0), 1)
	if c.ServiceName = strings.TrimSpace(c.ServiceName); c.ServiceName == "" {
		c.ServiceName = defaultObservabilityName
	}
}

// Validate checks the exporter name.
func (c *ObservabilityTracingConfig) Validate() error {
	switch c.Exporter {
	case TracingExporterNone, TracingExporterStdout, TracingExporterOTLPHTTP:
		return nil
	default:
		return fmt.Errorf("invalid OBSERVABILITY_TRACING_EXPORTER %q (valid options: none, stdout, otlphttp)", c.Exporter)
	}
}

// Enabled reports whether spans are exported.
func (c *ObservabilityTracingConfig) Enabled() bool {
	return c.Exporter != "" && c.Exporter != TracingExporterNone
}
