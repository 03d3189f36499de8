// Package slack posts job failure notifications to a Slack incoming webhook.
package slack

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/target/mmk-jobs/internal/observability/notify"
)

// Config for the Slack sink.
type Config struct {
	WebhookURL string
	Channel    string
	Username   string
	Timeout    time.Duration
	RetryLimit int
	Client     *http.Client
	// JobURLPrefix turns job ids into links, e.g. https://ops.example/jobs.
	JobURLPrefix string
}

// Client formats failures as mrkdwn messages.
type Client struct {
	webhookURL string
	channel    string
	username   string
	jobLinks   *url.URL
	poster     notify.Poster
}

var _ notify.Sink = (*Client)(nil)

var mrkdwnEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// NewClient requires a webhook URL. An unparsable JobURLPrefix disables links.
func NewClient(cfg Config) (*Client, error) {
	hook := strings.TrimSpace(cfg.WebhookURL)
	if hook == "" {
		return nil, errors.New("slack webhook url is required")
	}
	username := strings.TrimSpace(cfg.Username)
	if username == "" {
		username = "mmk-jobs"
	}
	return &Client{
		webhookURL: hook,
		channel:    strings.TrimSpace(cfg.Channel),
		username:   username,
		jobLinks:   parseLinkPrefix(cfg.JobURLPrefix),
		poster:     notify.NewPoster("slack webhook", cfg.Client, cfg.Timeout, cfg.RetryLimit),
	}, nil
}

func parseLinkPrefix(raw string) *url.URL {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil
	}
	return u
}

// SendJobFailure posts the formatted message.
func (c *Client) SendJobFailure(ctx context.Context, payload notify.JobFailurePayload) error {
	return c.poster.PostJSON(ctx, c.webhookURL, c.formatMessage(payload))
}

func (c *Client) formatMessage(p notify.JobFailurePayload) map[string]any {
	var b strings.Builder
	b.WriteString("*Job failed*")
	if ref := c.formatJobRef(p.JobID); ref != "" {
		b.WriteString(" " + ref)
	}
	if p.JobType != "" {
		b.WriteString(" (" + mrkdwnEscaper.Replace(p.JobType) + ")")
	}
	b.WriteByte('\n')

	field := func(label, value string) {
		if strings.TrimSpace(value) != "" {
			fmt.Fprintf(&b, "• %s: %s\n", label, value)
		}
	}
	field("Severity", p.EffectiveSeverity())
	field("Owner", mrkdwnEscaper.Replace(p.OwnerID))
	if p.MaxAttempts > 0 {
		field("Attempts", strconv.Itoa(p.Attempts)+"/"+strconv.Itoa(p.MaxAttempts))
	}
	field("Error class", p.ErrorClass)
	field("Error", mrkdwnEscaper.Replace(p.Error))
	if len(p.Metadata) > 0 {
		b.WriteString("• Metadata:\n")
		for _, k := range slices.Sorted(maps.Keys(p.Metadata)) {
			fmt.Fprintf(&b, "    • %s: %s\n", k, mrkdwnEscaper.Replace(p.Metadata[k]))
		}
	}
	b.WriteString("• Timestamp: " + p.Timestamp().Format(time.RFC3339))

	msg := map[string]any{"text": b.String(), "username": c.username}
	if c.channel != "" {
		msg["channel"] = c.channel
	}
	return msg
}

// formatJobRef renders the id as a link when a prefix is configured, else as code.
func (c *Client) formatJobRef(jobID string) string {
	id := strings.TrimSpace(jobID)
	if id == "" {
		return ""
	}
	if c.jobLinks != nil {
		return fmt.Sprintf("<%s|%s>", c.jobLinks.JoinPath(id).String(), mrkdwnEscaper.Replace(id))
	}
	return "`" + mrkdwnEscaper.Replace(id) + "`"
}
