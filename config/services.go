package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/target/mmk-jobs/internal/domain/model"
)

// ServiceMode represents the available service modes.
type ServiceMode string

const (
	// ServiceModeWorkers runs the worker pool.
	ServiceModeWorkers ServiceMode = "workers"
	// ServiceModeReaper runs the engine retention sweeper.
	ServiceModeReaper ServiceMode = "reaper"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{ServiceModeWorkers, ServiceModeReaper}
}

// ParseServices parses a comma-delimited string of service names and returns the enabled services.
// It validates that all service names are valid and returns an error if any are invalid.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	services := make(map[ServiceMode]bool)

	if servicesStr == "" {
		return services, errors.New("at least one service must be specified")
	}

	for part := range strings.SplitSeq(servicesStr, ",") {
		serviceName := strings.TrimSpace(part)
		if serviceName == "" {
			continue
		}

		mode := ServiceMode(serviceName)
		switch mode {
		case ServiceModeWorkers, ServiceModeReaper:
			services[mode] = true
		default:
			return nil, fmt.Errorf("invalid service name: %q (valid options: workers, reaper)", serviceName)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}

	return services, nil
}

// WorkerConfig contains worker pool configuration.
type WorkerConfig struct {
	// Concurrency is the number of worker goroutines per job type.
	Concurrency int `env:"CONCURRENCY" envDefault:"5"`

	// RateLimit caps claims per second per job type. Zero disables the limit.
	RateLimit float64 `env:"RATE_LIMIT" envDefault:"10"`

	// RateBurst is the limiter burst size.
	RateBurst int `env:"RATE_BURST" envDefault:"1"`

	// ClaimTTL is how long a claimed item stays active before it counts as stalled.
	ClaimTTL time.Duration `env:"CLAIM_TTL" envDefault:"30s"`

	// PollInterval bounds how long an idle worker waits before claiming again.
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`

	// StalledInterval is how often expired claims are recovered.
	StalledInterval time.Duration `env:"STALLED_INTERVAL" envDefault:"30s"`

	// Types restricts which job types this process consumes. Empty means all registered types.
	Types string `env:"TYPES" envDefault:""`

	// OverridesFile points at a YAML file with per-type concurrency and rate limits.
	OverridesFile string `env:"OVERRIDES_FILE" envDefault:""`

	// ShutdownTimeout bounds how long in-flight processors get after shutdown starts.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Overrides is loaded from OverridesFile by LoadOverrides.
	Overrides map[model.JobType]WorkerOverride
}

// WorkerOverride replaces the pool defaults for one job type. Zero fields keep the default.
type WorkerOverride struct {
	Concurrency int     `yaml:"concurrency"`
	RateLimit   float64 `yaml:"rate_limit"`
	RateBurst   int     `yaml:"rate_burst"`
}

// workerOverridesFile is the on-disk shape of WORKER_OVERRIDES_FILE:
//
//	types:
//	  email:
//	    concurrency: 10
//	    rate_limit: 50
type workerOverridesFile struct {
	Types map[string]WorkerOverride `yaml:"types"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.RateLimit < 0 {
		w.RateLimit = 0
	}
	if w.RateBurst < 1 {
		w.RateBurst = 1
	}
	if w.ClaimTTL < time.Second {
		w.ClaimTTL = time.Second
	}
	if w.PollInterval < 10*time.Millisecond {
		w.PollInterval = 10 * time.Millisecond
	}
	if w.StalledInterval < time.Second {
		w.StalledInterval = time.Second
	}
	if w.ShutdownTimeout <= 0 {
		w.ShutdownTimeout = 30 * time.Second
	}
	w.OverridesFile = strings.TrimSpace(w.OverridesFile)
}

// EnabledTypes parses Types. A nil result means every registered type.
func (w *WorkerConfig) EnabledTypes() ([]model.JobType, error) {
	if strings.TrimSpace(w.Types) == "" {
		return nil, nil
	}
	types, err := model.ParseJobTypes(w.Types)
	if err != nil {
		return nil, fmt.Errorf("WORKER_TYPES: %w", err)
	}
	return types, nil
}

// LoadOverrides reads OverridesFile into Overrides. It is a no-op when no file is configured.
func (w *WorkerConfig) LoadOverrides() error {
	if w.OverridesFile == "" {
		return nil
	}
	raw, err := os.ReadFile(w.OverridesFile)
	if err != nil {
		return fmt.Errorf("read worker overrides: %w", err)
	}
	overrides, err := ParseWorkerOverrides(raw)
	if err != nil {
		return fmt.Errorf("parse worker overrides %s: %w", w.OverridesFile, err)
	}
	w.Overrides = overrides
	return nil
}

// ParseWorkerOverrides decodes the YAML overrides document.
func ParseWorkerOverrides(raw []byte) (map[model.JobType]WorkerOverride, error) {
	var doc workerOverridesFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	out := make(map[model.JobType]WorkerOverride, len(doc.Types))
	for name, o := range doc.Types {
		jt := model.JobType(strings.TrimSpace(name))
		if !jt.Valid() {
			return nil, fmt.Errorf("%w: %q", model.ErrInvalidJobType, name)
		}
		if o.Concurrency < 0 || o.RateLimit < 0 || o.RateBurst < 0 {
			return nil, fmt.Errorf("override for %s must not be negative", jt)
		}
		out[jt] = o
	}
	return out, nil
}

// ForType returns the effective settings for jobType.
func (w *WorkerConfig) ForType(jobType model.JobType) WorkerOverride {
	eff := WorkerOverride{Concurrency: w.Concurrency, RateLimit: w.RateLimit, RateBurst: w.RateBurst}
	o, ok := w.Overrides[jobType]
	if !ok {
		return eff
	}
	if o.Concurrency > 0 {
		eff.Concurrency = o.Concurrency
	}
	if o.RateLimit > 0 {
		eff.RateLimit = o.RateLimit
	}
	if o.RateBurst > 0 {
		eff.RateBurst = o.RateBurst
	}
	return eff
}

// ReaperConfig contains engine retention sweeper configuration.
type ReaperConfig struct {
	// Interval is the reaper tick interval.
	Interval time.Duration `env:"REAPER_INTERVAL" envDefault:"5m"`
}

// Sanitize applies guardrails to reaper configuration values.
func (r *ReaperConfig) Sanitize() {
	if r.Interval < 10*time.Second {
		r.Interval = 10 * time.Second
	}
}

// ProcessorsConfig configures the processors built into the binary.
type ProcessorsConfig struct {
	// EchoTypes lists job types served by the echo processor, which returns its payload.
	EchoTypes string `env:"ECHO_TYPES" envDefault:""`
}

// ParseEchoTypes parses EchoTypes.
func (p *ProcessorsConfig) ParseEchoTypes() ([]model.JobType, error) {
	types, err := model.ParseJobTypes(p.EchoTypes)
	if err != nil {
		return nil, fmt.Errorf("PROCESSORS_ECHO_TYPES: %w", err)
	}
	return types, nil
}
