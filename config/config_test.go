package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	env "github.com/caarlos0/env/v11"

	"github.com/target/mmk-jobs/internal/domain/model"
)

func TestParseServices(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    map[ServiceMode]bool
		expectError bool
	}{
		{
			name:     "single service - workers",
			input:    "workers",
			expected: map[ServiceMode]bool{ServiceModeWorkers: true},
		},
		{
			name:     "single service - reaper",
			input:    "reaper",
			expected: map[ServiceMode]bool{ServiceModeReaper: true},
		},
		{
			name:  "services with spaces and duplicates",
			input: " workers , reaper ,workers",
			expected: map[ServiceMode]bool{
				ServiceModeWorkers: true,
				ServiceModeReaper:  true,
			},
		},
		{
			name:        "empty string",
			input:       "",
			expectError: true,
		},
		{
			name:        "only commas",
			input:       ",,",
			expectError: true,
		},
		{
			name:        "unknown service",
			input:       "workers,http",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := ParseServices(tt.input)
			if tt.expectError {
				if err == nil {
					t.Errorf("ParseServices(%q) expected error, got nil", tt.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseServices(%q) unexpected error: %v", tt.input, err)
			}
			if !reflect.DeepEqual(result, tt.expected) {
				t.Errorf("ParseServices(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestAppConfig_Defaults(t *testing.T) {
	var cfg AppConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}}); err != nil {
		t.Fatalf("parse defaults: %v", err)
	}
	cfg.Sanitize()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.StoreDriver != StoreDriverPostgres || cfg.EngineDriver != EngineDriverRedis {
		t.Errorf("drivers = %s/%s, want postgres/redis", cfg.StoreDriver, cfg.EngineDriver)
	}
	if !cfg.IsWorkersEnabled() || cfg.IsReaperEnabled() {
		t.Errorf("default services should be workers only, got %q", cfg.Services)
	}
	if cfg.Worker.Concurrency != 5 || cfg.Worker.RateLimit != 10 || cfg.Worker.RateBurst != 1 {
		t.Errorf("worker defaults = %+v", cfg.Worker)
	}
	if cfg.Worker.ClaimTTL != 30*time.Second || cfg.Worker.PollInterval != time.Second || cfg.Worker.StalledInterval != 30*time.Second {
		t.Errorf("worker timings = %+v", cfg.Worker)
	}
	if cfg.SlogLevel() != slog.LevelInfo {
		t.Errorf("SlogLevel() = %v, want info", cfg.SlogLevel())
	}

	policy, err := cfg.Queue.DefaultPolicy()
	if err != nil {
		t.Fatalf("DefaultPolicy: %v", err)
	}
	want := model.DispatchPolicy{
		Attempts:      3,
		Backoff:       model.BackoffPolicy{Kind: model.BackoffExponential, Base: time.Second},
		KeepCompleted: model.RetentionPolicy{MaxAge: time.Hour, MaxCount: 1000},
		KeepFailed:    model.RetentionPolicy{MaxAge: 7 * 24 * time.Hour},
	}
	if !reflect.DeepEqual(policy, want) {
		t.Errorf("DefaultPolicy() = %+v, want %+v", policy, want)
	}
}

func TestAppConfig_FromEnvironment(t *testing.T) {
	var cfg AppConfig
	err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{
		"LOG_LEVEL":              "DEBUG",
		"STORE_DRIVER":           "memory",
		"ENGINE_DRIVER":          "memory",
		"SERVICES":               "workers,reaper",
		"QUEUE_BACKOFF_KIND":     "fixed",
		"QUEUE_BACKOFF_BASE":     "250ms",
		"QUEUE_DEFAULT_ATTEMPTS": "0",
		"WORKER_CONCURRENCY":     "2",
		"WORKER_TYPES":           "email,webhook",
		"WORKER_CLAIM_TTL":       "10ms",
		"REDIS_KEY_PREFIX":       "stage:",
		"PROCESSORS_ECHO_TYPES":  "report",
	}})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg.Sanitize()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.SlogLevel() != slog.LevelDebug {
		t.Errorf("SlogLevel() = %v, want debug", cfg.SlogLevel())
	}
	if cfg.Queue.DefaultAttempts != 1 {
		t.Errorf("attempts should be clamped to 1, got %d", cfg.Queue.DefaultAttempts)
	}
	if cfg.Worker.ClaimTTL != time.Second {
		t.Errorf("claim ttl should be clamped to 1s, got %s", cfg.Worker.ClaimTTL)
	}
	if cfg.Redis.KeyPrefix != "stage:" || cfg.Processors.EchoTypes != "report" {
		t.Errorf("prefixed fields not parsed: %+v %+v", cfg.Redis, cfg.Processors)
	}
	types, err := cfg.Worker.EnabledTypes()
	if err != nil {
		t.Fatalf("EnabledTypes: %v", err)
	}
	if !reflect.DeepEqual(types, []model.JobType{model.JobTypeEmail, model.JobTypeWebhook}) {
		t.Errorf("EnabledTypes() = %v", types)
	}
}

func TestAppConfig_ValidateRejects(t *testing.T) {
	tests := map[string]func(*AppConfig){
		"store driver":  func(c *AppConfig) { c.StoreDriver = "mysql" },
		"engine driver": func(c *AppConfig) { c.EngineDriver = "kafka" },
		"backoff kind":  func(c *AppConfig) { c.Queue.BackoffKind = "linear" },
		"services":      func(c *AppConfig) { c.Services = "http" },
		"notify types":  func(c *AppConfig) { c.Observability.Notifications.Types = "fax" },
		"tracing":       func(c *AppConfig) { c.Observability.Tracing.Exporter = "jaeger" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			var cfg AppConfig
			if err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}}); err != nil {
				t.Fatalf("parse: %v", err)
			}
			cfg.Sanitize()
			mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestWorkerOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workers.yaml")
	doc := []byte("types:\n  email:\n    concurrency: 10\n    rate_limit: 50\n  report:\n    rate_burst: 4\n")
	if err := os.WriteFile(path, doc, 0o600); err != nil {
		t.Fatalf("write overrides: %v", err)
	}

	w := WorkerConfig{Concurrency: 5, RateLimit: 10, RateBurst: 1, OverridesFile: path}
	if err := w.LoadOverrides(); err != nil {
		t.Fatalf("LoadOverrides: %v", err)
	}

	if got := w.ForType(model.JobTypeEmail); got != (WorkerOverride{Concurrency: 10, RateLimit: 50, RateBurst: 1}) {
		t.Errorf("email = %+v", got)
	}
	if got := w.ForType(model.JobTypeReport); got != (WorkerOverride{Concurrency: 5, RateLimit: 10, RateBurst: 4}) {
		t.Errorf("report = %+v", got)
	}
	if got := w.ForType(model.JobTypeWebhook); got != (WorkerOverride{Concurrency: 5, RateLimit: 10, RateBurst: 1}) {
		t.Errorf("webhook = %+v", got)
	}
}

func TestParseWorkerOverrides_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown type": "types:\n  fax:\n    concurrency: 1\n",
		"negative":     "types:\n  email:\n    concurrency: -1\n",
		"bad yaml":     "types: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseWorkerOverrides([]byte(doc)); err == nil {
				t.Errorf("expected error for %s", name)
			}
		})
	}
}

func TestWorkerConfig_LoadOverridesNoFile(t *testing.T) {
	w := WorkerConfig{}
	if err := w.LoadOverrides(); err != nil {
		t.Fatalf("LoadOverrides without file: %v", err)
	}
	if w.Overrides != nil {
		t.Errorf("Overrides should stay nil, got %v", w.Overrides)
	}
}

func TestProcessorsConfig_ParseEchoTypes(t *testing.T) {
	p := ProcessorsConfig{EchoTypes: " email, report ,email"}
	got, err := p.ParseEchoTypes()
	if err != nil {
		t.Fatalf("ParseEchoTypes: %v", err)
	}
	want := []model.JobType{model.JobTypeEmail, model.JobTypeReport}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseEchoTypes = %v, want %v", got, want)
	}

	p.EchoTypes = "email,fax"
	if _, err := p.ParseEchoTypes(); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestNotificationsConfig_Sanitize(t *testing.T) {
	var cfg AppConfig
	err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{
		"OBSERVABILITY_NOTIFICATIONS_ENABLED":               "true",
		"OBSERVABILITY_NOTIFICATIONS_RETRY_LIMIT":           "-2",
		"OBSERVABILITY_NOTIFICATIONS_TYPES":                 "webhook, email",
		"OBSERVABILITY_NOTIFICATIONS_SLACK_ENABLED":         "true",
		"OBSERVABILITY_NOTIFICATIONS_SLACK_WEBHOOK_URL":     " https://hooks.slack.com/services/x ",
		"OBSERVABILITY_NOTIFICATIONS_PAGERDUTY_ENABLED":     "true",
		"OBSERVABILITY_NOTIFICATIONS_PAGERDUTY_ROUTING_KEY": "  ",
	}})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg.Sanitize()

	n := cfg.Observability.Notifications
	if n.RetryLimit != 0 {
		t.Errorf("retry limit should clamp to 0, got %d", n.RetryLimit)
	}
	if !n.Slack.Enabled || n.Slack.WebhookURL != "https://hooks.slack.com/services/x" || n.Slack.Username != "mmk-jobs" {
		t.Errorf("slack config = %+v", n.Slack)
	}
	if n.PagerDuty.Enabled {
		t.Error("pagerduty without routing key should be disabled")
	}
	types, err := n.ParseTypes()
	if err != nil {
		t.Fatalf("ParseTypes: %v", err)
	}
	if !reflect.DeepEqual(types, []model.JobType{model.JobTypeWebhook, model.JobTypeEmail}) {
		t.Errorf("ParseTypes() = %v", types)
	}

	n.Enabled = false
	n.Sanitize()
	if n.Slack.Enabled {
		t.Error("master switch off should disable slack")
	}
}

func TestTracingConfig_FromEnvironment(t *testing.T) {
	var cfg AppConfig
	err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{
		"OBSERVABILITY_TRACING_EXPORTER":     " OTLPHTTP ",
		"OBSERVABILITY_TRACING_HEADERS":      "x-api-key:secret,x-team:jobs",
		"OBSERVABILITY_TRACING_SAMPLE_RATIO": "4",
	}})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg.Sanitize()

	tr := cfg.Observability.Tracing
	if err := tr.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !tr.Enabled() || tr.Exporter != TracingExporterOTLPHTTP {
		t.Errorf("exporter = %q", tr.Exporter)
	}
	if tr.SampleRatio != 1 {
		t.Errorf("sample ratio should clamp to 1, got %v", tr.SampleRatio)
	}
	if tr.Headers["x-api-key"] != "secret" || tr.Headers["x-team"] != "jobs" {
		t.Errorf("headers = %v", tr.Headers)
	}
	if tr.ServiceName != "mmk-jobs" {
		t.Errorf("service name = %q", tr.ServiceName)
	}
}

func TestMetricsConfig_Sanitize(t *testing.T) {
	var cfg AppConfig
	err := env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{
		"OBSERVABILITY_METRICS_ENABLED":         "true",
		"OBSERVABILITY_METRICS_TAGS":            "env:stage,region:us",
		"OBSERVABILITY_METRICS_FLUSH_INTERVAL":  "0s",
		"OBSERVABILITY_METRICS_MAX_PACKET_SIZE": "100000",
	}})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg.Sanitize()

	m := cfg.Observability.Metrics
	if !m.IsEnabled() {
		t.Fatal("metrics should be enabled with the default address")
	}
	if m.FlushInterval != time.Second || m.MaxPacketSize != 1432 {
		t.Errorf("batching defaults not restored: %s %d", m.FlushInterval, m.MaxPacketSize)
	}
	if m.Tags["env"] != "stage" || m.Tags["region"] != "us" {
		t.Errorf("tags = %v", m.Tags)
	}

	m.StatsdAddress = " "
	m.Sanitize()
	if m.IsEnabled() {
		t.Error("metrics without an address must be disabled")
	}
}
