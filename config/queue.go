package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/target/mmk-jobs/internal/domain/model"
)

// QueueConfig holds the dispatch policy applied to every enqueued item unless
// a request overrides it.
type QueueConfig struct {
	// Prefix is prepended to the sanitized job type to form the queue name.
	Prefix string `env:"PREFIX" envDefault:"jobs-"`

	DefaultAttempts int           `env:"DEFAULT_ATTEMPTS" envDefault:"3"`
	BackoffKind     string        `env:"BACKOFF_KIND"     envDefault:"exponential"`
	BackoffBase     time.Duration `env:"BACKOFF_BASE"     envDefault:"1s"`
	BackoffMax      time.Duration `env:"BACKOFF_MAX"      envDefault:"0s"`

	CompletedMaxAge   time.Duration `env:"COMPLETED_MAX_AGE"   envDefault:"1h"`
	CompletedMaxCount int           `env:"COMPLETED_MAX_COUNT" envDefault:"1000"`
	FailedMaxAge      time.Duration `env:"FAILED_MAX_AGE"      envDefault:"168h"` // 7 days
}

// Sanitize applies guardrails to queue configuration values.
func (q *QueueConfig) Sanitize() {
	q.Prefix = strings.TrimSpace(q.Prefix)
	if q.DefaultAttempts < 1 {
		q.DefaultAttempts = 1
	}
	if q.BackoffBase < 0 {
		q.BackoffBase = 0
	}
	if q.BackoffMax < 0 {
		q.BackoffMax = 0
	}
	if q.CompletedMaxAge < 0 {
		q.CompletedMaxAge = 0
	}
	if q.CompletedMaxCount < 0 {
		q.CompletedMaxCount = 0
	}
	if q.FailedMaxAge < 0 {
		q.FailedMaxAge = 0
	}
}

// DefaultPolicy builds the dispatch policy described by the config.
func (q *QueueConfig) DefaultPolicy() (model.DispatchPolicy, error) {
	kind, err := model.ParseBackoffKind(q.BackoffKind)
	if err != nil {
		return model.DispatchPolicy{}, fmt.Errorf("QUEUE_BACKOFF_KIND: %w", err)
	}
	p := model.DispatchPolicy{
		Attempts: q.DefaultAttempts,
		Backoff: model.BackoffPolicy{
			Kind: kind,
			Base: q.BackoffBase,
			Max:  q.BackoffMax,
		},
		KeepCompleted: model.RetentionPolicy{MaxAge: q.CompletedMaxAge, MaxCount: q.CompletedMaxCount},
		KeepFailed:    model.RetentionPolicy{MaxAge: q.FailedMaxAge},
	}
	if err := p.Validate(); err != nil {
		return model.DispatchPolicy{}, err
	}
	return p, nil
}
