package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/command-smoother/internal/config"
	"github.com/skypro1111/command-smoother/internal/labels"
	"github.com/skypro1111/command-smoother/internal/metrics"
	"github.com/skypro1111/command-smoother/internal/notify"
	"github.com/skypro1111/command-smoother/internal/recognize"
	"github.com/skypro1111/command-smoother/internal/stream"
)

const (
	serviceName    = "command-smoother"
	serviceVersion = "1.0.0"

	// Upper bound on JSON request bodies
	maxBodyBytes = 1 << 20
)

// HTTPServer provides HTTP API endpoints for ingest, monitoring and management
type HTTPServer struct {
	server     *http.Server
	handler    http.Handler
	logger     *slog.Logger
	config     *config.Config
	vocabulary *labels.Vocabulary
	streamMgr  *stream.Manager
	udpServer  *UDPServer
	notifier   *notify.Client
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer

	// Closed on Stop to end live event feeds
	ctx    context.Context
	cancel context.CancelFunc

	startTime time.Time
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// Components are the parts of the service exposed over HTTP.
// UDPServer and Notifier may be nil. A nil Gatherer uses the default registry.
type Components struct {
	Config     *config.Config
	Vocabulary *labels.Vocabulary
	Streams    *stream.Manager
	UDPServer  *UDPServer
	Notifier   *notify.Client
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger, c Components) *HTTPServer {
	ctx, cancel := context.WithCancel(context.Background())

	gatherer := c.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:     logger,
		config:     c.Config,
		vocabulary: c.Vocabulary,
		streamMgr:  c.Streams,
		udpServer:  c.UDPServer,
		notifier:   c.Notifier,
		metrics:    c.Metrics,
		gatherer:   gatherer,
		ctx:        ctx,
		cancel:     cancel,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Stream management, ingest and live feed
	mux.HandleFunc("/streams", h.withMetrics("/streams", h.handleStreams))
	mux.HandleFunc("/streams/", h.handleStreamRoutes)

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/labels", h.withMetrics("/labels", h.handleLabels))

	// Prometheus metrics endpoint (not instrumented itself)
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// Handler returns the routed handler, mainly for tests
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		if h.metrics == nil {
			return
		}

		duration := time.Since(startTime).Seconds()
		statusCode := strconv.Itoa(ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	h.cancel()
	return h.server.Shutdown(ctx)
}

// writeJSON encodes v as the response body
func (h *HTTPServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to encode response", slog.String("error", err.Error()))
	}
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	components := map[string]interface{}{
		"stream_manager": map[string]interface{}{
			"status":         "running",
			"active_streams": h.streamMgr.GetActiveSessionCount(),
		},
	}

	if h.udpServer != nil {
		udpStats := h.udpServer.GetStatistics()
		components["udp_server"] = map[string]interface{}{
			"status":            "running",
			"packets_received":  udpStats.PacketsReceived,
			"packets_processed": udpStats.PacketsProcessed,
			"parse_errors":      udpStats.ParseErrors,
			"queue_size":        udpStats.QueueSize,
		}
	}

	if h.notifier != nil {
		notifyStats := h.notifier.GetStats()
		components["notifier"] = map[string]interface{}{
			"status":          "running",
			"total_requests":  notifyStats.TotalRequests,
			"success_rate":    notifyStats.SuccessRate,
			"active_requests": notifyStats.ActiveRequests,
		}
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": components,
	})
}

// createStreamRequest is the body of POST /streams
type createStreamRequest struct {
	StreamID  uint32 `json:"stream_id"`
	ChannelID string `json:"channel_id"`
	DeviceID  string `json:"device_id"`
	Model     string `json:"model"`
}

// handleStreams implements GET and POST /streams
func (h *HTTPServer) handleStreams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		sessions := h.streamMgr.GetAllSessions()
		sessionInfos := make([]stream.SessionInfo, 0, len(sessions))
		for _, session := range sessions {
			sessionInfos = append(sessionInfos, session.GetSessionInfo())
		}

		h.writeJSON(w, http.StatusOK, map[string]interface{}{
			"total_streams": len(sessionInfos),
			"timestamp":     time.Now().UTC(),
			"streams":       sessionInfos,
		})

	case http.MethodPost:
		var req createStreamRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
				http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
				return
			}
		}

		status := http.StatusCreated
		if req.StreamID == 0 {
			req.StreamID = h.streamMgr.AllocateStreamID()
		} else if _, exists := h.streamMgr.GetSession(req.StreamID); exists {
			status = http.StatusOK
		}

		session, err := h.streamMgr.CreateSession(req.StreamID, stream.Metadata{
			ChannelID: req.ChannelID,
			DeviceID:  req.DeviceID,
			Model:     req.Model,
		})
		if err != nil {
			if errors.Is(err, stream.ErrSessionLimit) {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		h.writeJSON(w, status, session.GetSessionInfo())

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleStreamRoutes dispatches /streams/{id}[/action] requests
func (h *HTTPServer) handleStreamRoutes(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/streams/")
	idStr, action, _ := strings.Cut(rest, "/")

	switch action {
	case "":
		h.withMetrics("/streams/{id}", func(w http.ResponseWriter, r *http.Request) {
			h.handleStreamDetail(w, r, idStr)
		})(w, r)
	case "scores":
		h.withMetrics("/streams/{id}/scores", func(w http.ResponseWriter, r *http.Request) {
			h.handleStreamScores(w, r, idStr)
		})(w, r)
	case "reset":
		h.withMetrics("/streams/{id}/reset", func(w http.ResponseWriter, r *http.Request) {
			h.handleStreamReset(w, r, idStr)
		})(w, r)
	case "events":
		h.withMetrics("/streams/{id}/events", func(w http.ResponseWriter, r *http.Request) {
			h.handleStreamEvents(w, r, idStr)
		})(w, r)
	default:
		h.withMetrics("/streams/{id}", http.NotFound)(w, r)
	}
}

// lookupSession resolves a stream ID path segment, writing an error response on failure
func (h *HTTPServer) lookupSession(w http.ResponseWriter, idStr string) (*stream.Session, bool) {
	if idStr == "" {
		http.Error(w, "Stream ID required", http.StatusBadRequest)
		return nil, false
	}

	streamID, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		http.Error(w, "Invalid stream ID", http.StatusBadRequest)
		return nil, false
	}

	session, exists := h.streamMgr.GetSession(uint32(streamID))
	if !exists {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return nil, false
	}

	return session, true
}

// handleStreamDetail implements GET and DELETE /streams/{id}
func (h *HTTPServer) handleStreamDetail(w http.ResponseWriter, r *http.Request, idStr string) {
	if r.Method != http.MethodGet && r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, ok := h.lookupSession(w, idStr)
	if !ok {
		return
	}

	if r.Method == http.MethodDelete {
		info := session.GetSessionInfo()
		if !h.streamMgr.RemoveSession(session.ID) {
			http.Error(w, "Stream not found", http.StatusNotFound)
			return
		}
		h.writeJSON(w, http.StatusOK, info)
		return
	}

	h.writeJSON(w, http.StatusOK, session.GetSessionInfo())
}

// scoresRequest is the body of POST /streams/{id}/scores
type scoresRequest struct {
	TimestampMs *int64    `json:"timestamp_ms"`
	Scores      []float64 `json:"scores"`
}

// handleStreamScores implements POST /streams/{id}/scores
func (h *HTTPServer) handleStreamScores(w http.ResponseWriter, r *http.Request, idStr string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, ok := h.lookupSession(w, idStr)
	if !ok {
		return
	}

	var req scoresRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.TimestampMs == nil {
		http.Error(w, "timestamp_ms is required", http.StatusBadRequest)
		return
	}

	result, err := session.Process(req.Scores, *req.TimestampMs)
	if err != nil {
		switch {
		case errors.Is(err, recognize.ErrInvalidInput):
			h.writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
				"error": err.Error(),
				"kind":  recognize.ErrorKind(err),
			})
		case errors.Is(err, stream.ErrSessionClosed):
			http.Error(w, "Stream not found", http.StatusNotFound)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, stream.Event{
		StreamID:    session.ID,
		SessionID:   session.SessionID,
		TimestampMs: *req.TimestampMs,
		Result:      result,
	})
}

// handleStreamReset implements POST /streams/{id}/reset
func (h *HTTPServer) handleStreamReset(w http.ResponseWriter, r *http.Request, idStr string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	session, ok := h.lookupSession(w, idStr)
	if !ok {
		return
	}

	session.Reset()
	h.writeJSON(w, http.StatusOK, session.GetSessionInfo())
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	engineCfg := h.streamMgr.EngineConfig()

	// API key is omitted
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"server": map[string]interface{}{
			"udp_port":               h.config.Server.UDPPort,
			"bind_address":           h.config.Server.BindAddress,
			"buffer_size":            h.config.Server.BufferSize,
			"max_concurrent_streams": h.config.Server.MaxConcurrentStreams,
			"workers":                h.config.Server.Workers,
			"queue_size":             h.config.Server.QueueSize,
		},
		"recognition": map[string]interface{}{
			"labels_file":                     h.config.Recognition.LabelsFile,
			"label_count":                     len(engineCfg.Labels),
			"quiet_label":                     engineCfg.QuietLabel,
			"average_window_duration_ms":      engineCfg.AverageWindowDurationMs,
			"detection_threshold":             engineCfg.DetectionThreshold,
			"suppression_ms":                  engineCfg.SuppressionMs,
			"minimum_count":                   engineCfg.MinimumCount,
			"minimum_time_between_samples_ms": engineCfg.MinimumTimeBetweenSamplesMs,
		},
		"stream": map[string]interface{}{
			"timeout":           h.config.Stream.Timeout,
			"cleanup_interval":  h.config.Stream.CleanupInterval,
			"subscriber_buffer": h.config.Stream.SubscriberBuffer,
		},
		"notify": map[string]interface{}{
			"enabled":        h.config.Notify.Enabled,
			"endpoint":       h.config.Notify.Endpoint,
			"timeout":        h.config.Notify.Timeout,
			"max_retries":    h.config.Notify.MaxRetries,
			"max_concurrent": h.config.Notify.MaxConcurrent,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	detections := make(map[string]uint64)
	var samplesProcessed, samplesRejected uint64
	var totalQuietMs int64
	for _, session := range h.streamMgr.GetAllSessions() {
		info := session.GetSessionInfo()
		samplesProcessed += info.SamplesProcessed
		samplesRejected += info.SamplesRejected
		totalQuietMs += info.Engine.TotalQuietMs
		for label, n := range info.Detections {
			detections[label] += n
		}
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"streams": map[string]interface{}{
			"active_count":      h.streamMgr.GetActiveSessionCount(),
			"samples_processed": samplesProcessed,
			"samples_rejected":  samplesRejected,
			"total_quiet_ms":    totalQuietMs,
			"detections":        detections,
		},
	}

	if h.udpServer != nil {
		stats["udp"] = h.udpServer.GetStatistics()
	}

	if h.notifier != nil {
		stats["notify"] = h.notifier.GetStats()
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// handleLabels implements the /labels endpoint
func (h *HTTPServer) handleLabels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"labels":      h.vocabulary.Labels(),
		"displayed":   h.vocabulary.Displayed(),
		"quiet_label": h.streamMgr.EngineConfig().QuietLabel,
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "Command Smoothing Service",
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"GET /":                     "API documentation",
			"GET /health":               "Service health check",
			"GET /streams":              "List all active streams",
			"POST /streams":             "Open a stream",
			"GET /streams/{id}":         "Get detailed stream information",
			"DELETE /streams/{id}":      "Close a stream",
			"POST /streams/{id}/scores": "Process one score vector",
			"POST /streams/{id}/reset":  "Reset the stream's smoothing state",
			"GET /streams/{id}/events":  "WebSocket feed of smoothed results",
			"GET /config":               "Get service configuration",
			"GET /stats":                "Get service statistics",
			"GET /labels":               "Get the label vocabulary",
			"GET /metrics":              "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
