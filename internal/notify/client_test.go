package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/skypro1111/command-smoother/internal/metrics"
)

func testConfig(endpoint string) Config {
	return Config{
		Endpoint:      endpoint,
		APIKey:        "secret",
		Timeout:       2 * time.Second,
		MaxRetries:    2,
		MaxConcurrent: 2,
		BaseBackoff:   time.Millisecond,
		Version:       "test",
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}, nil); err == nil {
		t.Errorf("Expected error for empty endpoint")
	}

	c, err := NewClient(Config{Endpoint: "http://localhost"}, nil)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if c.config.MaxConcurrent != 10 {
		t.Errorf("Expected default max concurrent 10, got %d", c.config.MaxConcurrent)
	}
	if c.config.Timeout != 10*time.Second {
		t.Errorf("Expected default timeout 10s, got %v", c.config.Timeout)
	}
}

func TestSendDeliversEvent(t *testing.T) {
	var received DetectionEvent
	var authHeader, contentType string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader = r.Header.Get("Authorization")
		contentType = r.Header.Get("Content-Type")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("Failed to decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	m := metrics.NewMetrics(prometheus.NewRegistry())
	client, err := NewClient(testConfig(server.URL), m)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	event := &DetectionEvent{
		StreamID:    7,
		SessionID:   "s-1",
		Label:       "yes",
		Score:       0.8,
		TimestampMs: 1150,
	}
	if err := client.Send(context.Background(), event); err != nil {
		t.Fatalf("Expected delivery to succeed, got %v", err)
	}

	if authHeader != "Bearer secret" {
		t.Errorf("Expected bearer auth header, got %q", authHeader)
	}
	if contentType != "application/json" {
		t.Errorf("Expected JSON content type, got %q", contentType)
	}
	if received.Label != "yes" || received.StreamID != 7 || received.TimestampMs != 1150 {
		t.Errorf("Unexpected event received: %+v", received)
	}
	if _, err := uuid.Parse(received.EventID); err != nil {
		t.Errorf("Expected a UUID event ID, got %q", received.EventID)
	}
	if received.ServiceInfo.Name != "command-smoother" {
		t.Errorf("Expected service name command-smoother, got %q", received.ServiceInfo.Name)
	}

	stats := client.GetStats()
	if stats.TotalRequests != 1 || stats.SuccessRequests != 1 || stats.TotalRetries != 0 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if got := testutil.ToFloat64(m.WebhookSuccesses); got != 1 {
		t.Errorf("Expected 1 webhook success metric, got %f", got)
	}
}

func TestSendRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client, err := NewClient(testConfig(server.URL), nil)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	if err := client.Send(context.Background(), &DetectionEvent{Label: "no"}); err != nil {
		t.Fatalf("Expected delivery to succeed after retries, got %v", err)
	}

	if calls.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls.Load())
	}
	if stats := client.GetStats(); stats.TotalRetries != 2 {
		t.Errorf("Expected 2 retries, got %d", stats.TotalRetries)
	}
}

func TestSendGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client, err := NewClient(testConfig(server.URL), nil)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	err = client.Send(context.Background(), &DetectionEvent{Label: "no"})
	if err == nil {
		t.Fatalf("Expected delivery to fail")
	}

	var se *statusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusTooManyRequests {
		t.Errorf("Expected wrapped 429 status error, got %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls.Load())
	}
	if stats := client.GetStats(); stats.FailedRequests != 1 {
		t.Errorf("Expected 1 failed request, got %d", stats.FailedRequests)
	}
}

func TestSendDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad event", http.StatusBadRequest)
	}))
	defer server.Close()

	client, err := NewClient(testConfig(server.URL), nil)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	if err := client.Send(context.Background(), &DetectionEvent{Label: "no"}); err == nil {
		t.Fatalf("Expected delivery to fail")
	}
	if calls.Load() != 1 {
		t.Errorf("Expected a single attempt, got %d", calls.Load())
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"server error", &statusError{StatusCode: 502}, true},
		{"rate limited", &statusError{StatusCode: 429}, true},
		{"bad request", &statusError{StatusCode: 400}, false},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, false},
		{"plain error", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryableError(tt.err); got != tt.expected {
				t.Errorf("Expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestSendAfterClose(t *testing.T) {
	client, err := NewClient(testConfig("http://127.0.0.1:1"), nil)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Closing twice is harmless
	if err := client.Close(); err != nil {
		t.Fatalf("Second close failed: %v", err)
	}

	if err := client.Send(context.Background(), &DetectionEvent{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}
