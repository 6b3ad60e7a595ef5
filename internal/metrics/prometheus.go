package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the command smoothing service
type Metrics struct {
	// UDP packet metrics
	PacketsReceived  prometheus.Counter
	PacketsProcessed prometheus.Counter
	ParseErrors      prometheus.Counter
	QueueSize        prometheus.Gauge

	// Stream metrics
	ActiveStreams    prometheus.Gauge
	StreamsCreated   prometheus.Counter
	StreamsDestroyed prometheus.Counter
	StreamDuration   prometheus.Histogram

	// Recognition metrics
	SamplesProcessed  *prometheus.CounterVec
	InputErrors       *prometheus.CounterVec
	Detections        *prometheus.CounterVec
	DetectionScore    prometheus.Histogram
	ProcessingTime    prometheus.Histogram
	QuietTime         prometheus.Counter
	SubscriberDropped prometheus.Counter

	// Webhook metrics
	WebhookRequests  prometheus.Counter
	WebhookSuccesses prometheus.Counter
	WebhookFailures  prometheus.Counter
	WebhookDuration  prometheus.Histogram
	WebhookRetries   prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all Prometheus metrics and registers them with reg.
// Passing prometheus.DefaultRegisterer exposes them on the default /metrics handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// UDP packet metrics
		PacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "smoother_packets_received_total",
			Help: "Total number of UDP packets received",
		}),
		PacketsProcessed: factory.NewCounter(prometheus.CounterOpts{
			Name: "smoother_packets_processed_total",
			Help: "Total number of UDP packets successfully processed",
		}),
		ParseErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "smoother_parse_errors_total",
			Help: "Total number of packet parsing errors",
		}),
		QueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "smoother_packet_queue_size",
			Help: "Current number of packets in processing queue",
		}),

		// Stream metrics
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "smoother_active_streams",
			Help: "Current number of active score streams",
		}),
		StreamsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "smoother_streams_created_total",
			Help: "Total number of streams created",
		}),
		StreamsDestroyed: factory.NewCounter(prometheus.CounterOpts{
			Name: "smoother_streams_destroyed_total",
			Help: "Total number of streams destroyed",
		}),
		StreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "smoother_stream_duration_seconds",
			Help:    "Duration of score streams in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),

		// Recognition metrics
		SamplesProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "smoother_samples_processed_total",
			Help: "Total number of score vectors processed, by decision path",
		}, []string{"decision"}),
		InputErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "smoother_input_errors_total",
			Help: "Total number of rejected score vectors, by error kind",
		}, []string{"kind"}),
		Detections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "smoother_detections_total",
			Help: "Total number of confirmed detections, by label",
		}, []string{"label"}),
		DetectionScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "smoother_detection_score",
			Help:    "Averaged score of confirmed detections",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0.0 to 1.0
		}),
		ProcessingTime: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "smoother_processing_duration_seconds",
			Help:    "Time spent smoothing one score vector",
			Buckets: prometheus.ExponentialBuckets(0.000001, 4, 10), // 1us to ~0.26s
		}),
		QuietTime: factory.NewCounter(prometheus.CounterOpts{
			Name: "smoother_quiet_milliseconds_total",
			Help: "Total quiet time accumulated across streams in milliseconds",
		}),
		SubscriberDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "smoother_subscriber_dropped_total",
			Help: "Total number of results dropped for slow subscribers",
		}),

		// Webhook metrics
		WebhookRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "smoother_webhook_requests_total",
			Help: "Total number of detection webhook requests sent",
		}),
		WebhookSuccesses: factory.NewCounter(prometheus.CounterOpts{
			Name: "smoother_webhook_successes_total",
			Help: "Total number of successful detection webhook requests",
		}),
		WebhookFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "smoother_webhook_failures_total",
			Help: "Total number of failed detection webhook requests",
		}),
		WebhookDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "smoother_webhook_duration_seconds",
			Help:    "Duration of detection webhook requests",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		}),
		WebhookRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "smoother_webhook_retries_total",
			Help: "Total number of detection webhook retries",
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "smoother_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "smoother_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "smoother_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordPacketReceived increments the packets received counter
func (m *Metrics) RecordPacketReceived() {
	m.PacketsReceived.Inc()
}

// RecordPacketProcessed increments the packets processed counter
func (m *Metrics) RecordPacketProcessed() {
	m.PacketsProcessed.Inc()
}

// RecordParseError increments the parse errors counter
func (m *Metrics) RecordParseError() {
	m.ParseErrors.Inc()
}

// SetQueueSize sets the current queue size
func (m *Metrics) SetQueueSize(size int) {
	m.QueueSize.Set(float64(size))
}

// SetActiveStreams sets the current number of active streams
func (m *Metrics) SetActiveStreams(count int) {
	m.ActiveStreams.Set(float64(count))
}

// RecordStreamCreated increments the streams created counter
func (m *Metrics) RecordStreamCreated() {
	m.StreamsCreated.Inc()
}

// RecordStreamDestroyed increments the streams destroyed counter and records duration
func (m *Metrics) RecordStreamDestroyed(durationSeconds float64) {
	m.StreamsDestroyed.Inc()
	m.StreamDuration.Observe(durationSeconds)
}

// RecordSample records one processed score vector
func (m *Metrics) RecordSample(decision string, processingTimeSeconds float64) {
	m.SamplesProcessed.WithLabelValues(decision).Inc()
	m.ProcessingTime.Observe(processingTimeSeconds)
}

// RecordInputError records a rejected score vector
func (m *Metrics) RecordInputError(kind string) {
	m.InputErrors.WithLabelValues(kind).Inc()
}

// RecordDetection records a confirmed detection
func (m *Metrics) RecordDetection(label string, score float64) {
	m.Detections.WithLabelValues(label).Inc()
	m.DetectionScore.Observe(score)
}

// AddQuietTime adds newly accumulated quiet time
func (m *Metrics) AddQuietTime(deltaMs int64) {
	if deltaMs > 0 {
		m.QuietTime.Add(float64(deltaMs))
	}
}

// RecordSubscriberDropped increments the dropped results counter
func (m *Metrics) RecordSubscriberDropped() {
	m.SubscriberDropped.Inc()
}

// RecordWebhookRequest increments webhook requests counter
func (m *Metrics) RecordWebhookRequest() {
	m.WebhookRequests.Inc()
}

// RecordWebhookSuccess records a successful webhook delivery
func (m *Metrics) RecordWebhookSuccess(durationSeconds float64) {
	m.WebhookSuccesses.Inc()
	m.WebhookDuration.Observe(durationSeconds)
}

// RecordWebhookFailure records a failed webhook delivery
func (m *Metrics) RecordWebhookFailure(durationSeconds float64) {
	m.WebhookFailures.Inc()
	m.WebhookDuration.Observe(durationSeconds)
}

// RecordWebhookRetry increments the retry counter
func (m *Metrics) RecordWebhookRetry() {
	m.WebhookRetries.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
