package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout applies to each HTTP attempt when none is configured.
const DefaultTimeout = 5 * time.Second

// Poster sends JSON documents to an HTTP endpoint with linear backoff
// between attempts: Backoff, 2*Backoff, and so on.
type Poster struct {
	// Name prefixes errors, e.g. "slack webhook".
	Name       string
	Client     *http.Client
	RetryLimit int
	Backoff    time.Duration
}

// NewPoster returns a Poster with an http.Client bounded by timeout unless hc
// is supplied.
func NewPoster(name string, hc *http.Client, timeout time.Duration, retryLimit int) Poster {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if hc == nil {
		hc = &http.Client{Timeout: timeout}
	}
	return Poster{Name: name, Client: hc, RetryLimit: max(retryLimit, 0), Backoff: 200 * time.Millisecond}
}

// PostJSON encodes doc once and posts it until a 2xx response, the retry
// limit, or ctx cancellation.
func (p Poster) PostJSON(ctx context.Context, url string, doc any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", p.Name, err)
	}

	var lastErr error
	for attempt := 0; attempt <= p.RetryLimit; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(time.Duration(attempt) * p.Backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if lastErr = p.post(ctx, url, body); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (p Poster) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", p.Name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.Client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", p.Name, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("%s %s: %s", p.Name, resp.Status, strings.TrimSpace(string(detail)))
}
