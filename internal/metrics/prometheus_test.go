package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsRegistersCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordPacketReceived()
	m.RecordSample("evaluated", 0.0001)
	m.RecordDetection("yes", 0.8)
	m.RecordInputError("length_mismatch")
	m.RecordHTTPRequest("GET", "/health", "200", 0.001)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}

	for _, name := range []string{
		"smoother_packets_received_total",
		"smoother_samples_processed_total",
		"smoother_detections_total",
		"smoother_input_errors_total",
		"smoother_http_requests_total",
	} {
		if !names[name] {
			t.Errorf("Expected metric %s to be registered", name)
		}
	}
}

func TestRecordHelpers(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordSample("evaluated", 0.0001)
	m.RecordSample("evaluated", 0.0001)
	m.RecordSample("rate_limited", 0.0001)

	if got := testutil.ToFloat64(m.SamplesProcessed.WithLabelValues("evaluated")); got != 2 {
		t.Errorf("Expected 2 evaluated samples, got %f", got)
	}
	if got := testutil.ToFloat64(m.SamplesProcessed.WithLabelValues("rate_limited")); got != 1 {
		t.Errorf("Expected 1 rate limited sample, got %f", got)
	}

	m.RecordDetection("yes", 0.9)
	m.RecordDetection("no", 0.7)
	m.RecordDetection("yes", 0.6)
	if got := testutil.ToFloat64(m.Detections.WithLabelValues("yes")); got != 2 {
		t.Errorf("Expected 2 'yes' detections, got %f", got)
	}

	m.AddQuietTime(150)
	m.AddQuietTime(0)
	m.AddQuietTime(-10)
	if got := testutil.ToFloat64(m.QuietTime); got != 150 {
		t.Errorf("Expected 150ms quiet time, got %f", got)
	}

	m.SetActiveStreams(3)
	if got := testutil.ToFloat64(m.ActiveStreams); got != 3 {
		t.Errorf("Expected 3 active streams, got %f", got)
	}
}

func TestSeparateRegistries(t *testing.T) {
	// Two instances on separate registries must not collide
	a := NewMetrics(prometheus.NewRegistry())
	b := NewMetrics(prometheus.NewRegistry())

	a.RecordParseError()
	if got := testutil.ToFloat64(b.ParseErrors); got != 0 {
		t.Errorf("Expected independent counters, got %f", got)
	}
}
