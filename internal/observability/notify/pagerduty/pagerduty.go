// Package pagerduty raises PagerDuty incidents for failed jobs via the Events API v2.
package pagerduty

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"strings"
	"time"

	"github.com/target/mmk-jobs/internal/observability/notify"
)

// APIEndpoint is the Events API v2 ingest URL.
const APIEndpoint = "https://events.pagerduty.com/v2/enqueue"

const defaultSource = "mmk-jobs"

// Config for the PagerDuty sink. RoutingKey is the integration key of the
// target service.
type Config struct {
	RoutingKey string
	Source     string
	Component  string
	// Endpoint defaults to APIEndpoint.
	Endpoint   string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
}

// Client triggers one incident per failed job, deduplicated by type and id.
type Client struct {
	routingKey string
	source     string
	component  string
	endpoint   string
	poster     notify.Poster
}

var _ notify.Sink = (*Client)(nil)

// NewClient requires a routing key.
func NewClient(cfg Config) (*Client, error) {
	key := strings.TrimSpace(cfg.RoutingKey)
	if key == "" {
		return nil, errors.New("pagerduty routing key is required")
	}
	return &Client{
		routingKey: key,
		source:     orDefault(cfg.Source, defaultSource),
		component:  orDefault(cfg.Component, defaultSource),
		endpoint:   orDefault(cfg.Endpoint, APIEndpoint),
		poster:     notify.NewPoster("pagerduty api", cfg.Client, cfg.Timeout, cfg.RetryLimit),
	}, nil
}

// SendJobFailure posts a trigger event.
func (c *Client) SendJobFailure(ctx context.Context, payload notify.JobFailurePayload) error {
	return c.poster.PostJSON(ctx, c.endpoint, c.buildEvent(payload))
}

func (c *Client) buildEvent(p notify.JobFailurePayload) map[string]any {
	details := make(map[string]any, len(p.Metadata)+7)
	for k, v := range p.Metadata {
		details[k] = v
	}
	maps.Copy(details, map[string]any{
		"job_id":       p.JobID,
		"job_type":     p.JobType,
		"owner_id":     p.OwnerID,
		"attempts":     p.Attempts,
		"max_attempts": p.MaxAttempts,
		"error":        p.Error,
		"error_class":  p.ErrorClass,
	})

	return map[string]any{
		"routing_key":  c.routingKey,
		"event_action": "trigger",
		"dedup_key":    p.DedupKey(),
		"payload": map[string]any{
			"summary":        p.Summary(),
			"severity":       p.EffectiveSeverity(),
			"source":         c.source,
			"component":      c.component,
			"timestamp":      p.Timestamp().Format(time.RFC3339),
			"custom_details": details,
		},
	}
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}
