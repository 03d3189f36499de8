package slack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/target/mmk-jobs/internal/observability/notify"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error when webhook url missing")
	}
}

func TestFormatMessageIncludesFields(t *testing.T) {
	client, err := NewClient(Config{
		WebhookURL: "https://hooks.slack.com/services/test",
		Channel:    "#alerts",
		Username:   "bot",
		Timeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := client.formatMessage(notify.JobFailurePayload{
		JobID:       "123",
		JobType:     "email",
		OwnerID:     "user-7",
		Attempts:    3,
		MaxAttempts: 3,
		Error:       "smtp <down>",
		ErrorClass:  "dial_error",
		Metadata:    map[string]string{"queue": "jobs-email"},
	})

	if msg["username"] != "bot" {
		t.Fatalf("expected username to be preserved, got %v", msg["username"])
	}
	if msg["channel"] != "#alerts" {
		t.Fatalf("expected channel to be set, got %v", msg["channel"])
	}

	text, ok := msg["text"].(string)
	if !ok {
		t.Fatalf("expected text field")
	}
	for _, want := range []string{"Job failed", "`123`", "(email)", "user-7", "3/3", "smtp &lt;down&gt;", "dial_error", "queue: jobs-email"} {
		if !strings.Contains(text, want) {
			t.Fatalf("message text missing %q: %s", want, text)
		}
	}
}

func TestFormatJobRef(t *testing.T) {
	tcs := []struct {
		name   string
		jobID  string
		prefix string
		want   string
	}{
		{name: "link", jobID: "job-1", prefix: "https://ops.example/jobs", want: "<https://ops.example/jobs/job-1|job-1>"},
		{name: "no prefix", jobID: "job-2", want: "`job-2`"},
		{name: "invalid prefix", jobID: "job-3", prefix: "not a url", want: "`job-3`"},
		{name: "empty id", prefix: "https://ops.example/jobs", want: ""},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			client, err := NewClient(Config{
				WebhookURL:   "https://hooks.slack.com/services/test",
				JobURLPrefix: tc.prefix,
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := client.formatJobRef(tc.jobID); got != tc.want {
				t.Fatalf("formatJobRef(%q) = %q, want %q", tc.jobID, got, tc.want)
			}
		})
	}
}

func TestSendJobFailureRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		if calls.Add(1) == 1 {
			http.Error(w, "try later", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewClient(Config{WebhookURL: srv.URL, RetryLimit: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := client.SendJobFailure(context.Background(), notify.JobFailurePayload{JobID: "1"}); err != nil {
		t.Fatalf("SendJobFailure: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 2 deliveries, got %d", got)
	}
}

func TestSendJobFailureReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "invalid_payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	client, err := NewClient(Config{WebhookURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = client.SendJobFailure(context.Background(), notify.JobFailurePayload{JobID: "1"})
	if err == nil || !strings.Contains(err.Error(), "invalid_payload") {
		t.Fatalf("expected webhook error, got %v", err)
	}
}
