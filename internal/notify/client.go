package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/command-smoother/internal/metrics"
)

// ErrClosed is returned by Send after Close has been called
var ErrClosed = errors.New("notify client closed")

// Client delivers confirmed detections to a webhook endpoint
type Client struct {
	config     Config
	httpClient *http.Client
	semaphore  chan struct{} // Concurrency limit
	metrics    *metrics.Metrics
	closed     atomic.Bool

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// Config contains webhook client configuration
type Config struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	BaseBackoff   time.Duration // First retry delay, doubled on every attempt
	ServiceName   string
	Version       string
}

// DetectionEvent is the JSON body posted for each confirmed detection
type DetectionEvent struct {
	EventID      string    `json:"event_id"`
	StreamID     uint32    `json:"stream_id"`
	SessionID    string    `json:"session_id"`
	ChannelID    string    `json:"channel_id,omitempty"`
	DeviceID     string    `json:"device_id,omitempty"`
	Model        string    `json:"model,omitempty"`
	Label        string    `json:"label"`
	Score        float64   `json:"score"`
	TimestampMs  int64     `json:"timestamp_ms"`
	TotalQuietMs int64     `json:"total_quiet_ms"`
	DetectedAt   time.Time `json:"detected_at"`
	ServiceInfo  struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"service_info"`
}

// ClientStats represents client statistics
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// statusError is a non-2xx webhook response
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Body)
}

// NewClient creates a new webhook client. m may be nil.
func NewClient(config Config, m *metrics.Metrics) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 3
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	if config.BaseBackoff <= 0 {
		config.BaseBackoff = time.Second
	}

	if config.ServiceName == "" {
		config.ServiceName = "command-smoother"
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
		metrics:    m,
	}, nil
}

// Send posts a detection event, retrying transient failures with exponential backoff.
// Missing EventID and DetectedAt fields are filled in.
func (c *Client) Send(ctx context.Context, event *DetectionEvent) error {
	if c.closed.Load() {
		return ErrClosed
	}

	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return ctx.Err()
	}

	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	if event.DetectedAt.IsZero() {
		event.DetectedAt = time.Now()
	}
	event.ServiceInfo.Name = c.config.ServiceName
	event.ServiceInfo.Version = c.config.Version

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode detection event: %w", err)
	}

	startTime := time.Now()
	c.incrementTotalRequests()
	if c.metrics != nil {
		c.metrics.RecordWebhookRequest()
	}

	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.incrementTotalRetries()
			if c.metrics != nil {
				c.metrics.RecordWebhookRetry()
			}

			backoffTime := c.config.BaseBackoff << (attempt - 1)
			if backoffTime > 30*time.Second {
				backoffTime = 30 * time.Second
			}

			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				c.recordFailure(startTime)
				return ctx.Err()
			}
		}

		err := c.doRequest(ctx, body)
		if err == nil {
			c.incrementSuccessRequests()
			elapsed := time.Since(startTime)
			c.updateAvgResponseTime(elapsed)
			if c.metrics != nil {
				c.metrics.RecordWebhookSuccess(elapsed.Seconds())
			}
			return nil
		}

		lastErr = err

		if !isRetryableError(err) {
			break
		}
	}

	c.recordFailure(startTime)
	return fmt.Errorf("webhook delivery failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// doRequest performs a single POST to the webhook endpoint
func (c *Client) doRequest(ctx context.Context, body []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.config.ServiceName+"/"+c.config.Version)
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	// Bounded read so a misbehaving endpoint cannot flood the log
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return nil
}

// isRetryableError reports whether a failed delivery is worth retrying.
// Server errors, rate limiting and network failures are retried.
func isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var se *statusError
	if errors.As(err, &se) {
		return se.StatusCode >= 500 || se.StatusCode == http.StatusTooManyRequests
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

func (c *Client) recordFailure(startTime time.Time) {
	c.incrementFailedRequests()
	if c.metrics != nil {
		c.metrics.RecordWebhookFailure(time.Since(startTime).Seconds())
	}
}

// Statistics methods
func (c *Client) incrementTotalRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRequests++
}

func (c *Client) incrementSuccessRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.successRequests++
}

func (c *Client) incrementFailedRequests() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedRequests++
}

func (c *Client) incrementTotalRetries() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totalRetries++
}

func (c *Client) updateAvgResponseTime(responseTime time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.avgResponseTime == 0 {
		c.avgResponseTime = responseTime
	} else {
		c.avgResponseTime = (c.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    c.totalRetries,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}

// Close rejects new deliveries and waits for in-flight ones to finish
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	for i := 0; i < c.config.MaxConcurrent; i++ {
		c.semaphore <- struct{}{}
	}

	return nil
}
