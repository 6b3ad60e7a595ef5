package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/skypro1111/command-smoother/internal/labels"
	"github.com/skypro1111/command-smoother/internal/recognize"
)

// Config represents the complete service configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" toml:"server"`
	HTTP        HTTPConfig        `yaml:"http" toml:"http"`
	Recognition RecognitionConfig `yaml:"recognition" toml:"recognition"`
	Stream      StreamConfig      `yaml:"stream" toml:"stream"`
	Notify      NotifyConfig      `yaml:"notify" toml:"notify"`
	Logging     LoggingConfig     `yaml:"logging" toml:"logging"`
}

// ServerConfig contains UDP ingest server configuration
type ServerConfig struct {
	UDPPort              int    `yaml:"udp_port" toml:"udp_port"`
	BindAddress          string `yaml:"bind_address" toml:"bind_address"`
	BufferSize           int    `yaml:"buffer_size" toml:"buffer_size"`
	MaxConcurrentStreams int    `yaml:"max_concurrent_streams" toml:"max_concurrent_streams"`
	Workers              int    `yaml:"workers" toml:"workers"`
	QueueSize            int    `yaml:"queue_size" toml:"queue_size"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port    int    `yaml:"port" toml:"port"`
	Address string `yaml:"address" toml:"address"`
	Enabled bool   `yaml:"enabled" toml:"enabled"`
}

// RecognitionConfig contains the smoothing parameters shared by every stream
type RecognitionConfig struct {
	LabelsFile                  string   `yaml:"labels_file" toml:"labels_file"`
	Labels                      []string `yaml:"labels" toml:"labels"`
	QuietLabel                  string   `yaml:"quiet_label" toml:"quiet_label"`
	AverageWindowDurationMs     int64    `yaml:"average_window_duration_ms" toml:"average_window_duration_ms"`
	DetectionThreshold          float64  `yaml:"detection_threshold" toml:"detection_threshold"`
	SuppressionMs               int64    `yaml:"suppression_ms" toml:"suppression_ms"`
	MinimumCount                int      `yaml:"minimum_count" toml:"minimum_count"`
	MinimumTimeBetweenSamplesMs int64    `yaml:"minimum_time_between_samples_ms" toml:"minimum_time_between_samples_ms"`
}

// StreamConfig contains stream session lifecycle configuration
type StreamConfig struct {
	Timeout          int `yaml:"timeout" toml:"timeout"`                     // seconds
	CleanupInterval  int `yaml:"cleanup_interval" toml:"cleanup_interval"`   // seconds
	SubscriberBuffer int `yaml:"subscriber_buffer" toml:"subscriber_buffer"` // results
}

// NotifyConfig contains detection webhook configuration
type NotifyConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled"`
	Endpoint      string `yaml:"endpoint" toml:"endpoint"`
	APIKey        string `yaml:"api_key" toml:"api_key"`
	Timeout       int    `yaml:"timeout" toml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries" toml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent" toml:"max_concurrent"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
	Output string `yaml:"output" toml:"output"`
}

// Load reads and parses the configuration file. The format is picked from the
// extension: .toml for TOML, anything else is parsed as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// Relative labels files are resolved against the config file location
	if lf := config.Recognition.LabelsFile; lf != "" && !filepath.IsAbs(lf) {
		if _, err := os.Stat(lf); err != nil {
			config.Recognition.LabelsFile = filepath.Join(filepath.Dir(path), lf)
		}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Default returns a configuration populated with the service defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			UDPPort:              4545,
			BindAddress:          "0.0.0.0",
			BufferSize:           65536,
			MaxConcurrentStreams: 1000,
			Workers:              4,
			QueueSize:            1000,
		},
		HTTP: HTTPConfig{
			Port:    8080,
			Address: "0.0.0.0",
			Enabled: true,
		},
		Recognition: RecognitionConfig{
			QuietLabel:                  recognize.DefaultQuietLabel,
			AverageWindowDurationMs:     1000,
			DetectionThreshold:          0.5,
			SuppressionMs:               1500,
			MinimumCount:                3,
			MinimumTimeBetweenSamplesMs: 30,
		},
		Stream: StreamConfig{
			Timeout:          60,
			CleanupInterval:  30,
			SubscriberBuffer: 64,
		},
		Notify: NotifyConfig{
			Timeout:       10,
			MaxRetries:    3,
			MaxConcurrent: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Recognition.Validate(); err != nil {
		return fmt.Errorf("recognition config: %w", err)
	}

	if err := c.Stream.Validate(); err != nil {
		return fmt.Errorf("stream config: %w", err)
	}

	if err := c.Notify.Validate(); err != nil {
		return fmt.Errorf("notify config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if s.UDPPort < 1 || s.UDPPort > 65535 {
		return fmt.Errorf("udp_port must be between 1 and 65535, got %d", s.UDPPort)
	}

	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}

	if s.BufferSize < 1024 {
		return fmt.Errorf("buffer_size must be at least 1024 bytes, got %d", s.BufferSize)
	}

	if s.MaxConcurrentStreams < 1 {
		return fmt.Errorf("max_concurrent_streams must be at least 1, got %d", s.MaxConcurrentStreams)
	}

	if s.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", s.Workers)
	}

	if s.QueueSize < 1 {
		return fmt.Errorf("queue_size must be at least 1, got %d", s.QueueSize)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("http port must be between 1 and 65535, got %d", h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("http address cannot be empty when HTTP is enabled")
		}
	}

	return nil
}

// Validate validates recognition configuration
func (r *RecognitionConfig) Validate() error {
	if r.LabelsFile == "" && len(r.Labels) == 0 {
		return fmt.Errorf("either labels_file or labels must be set")
	}

	if r.LabelsFile != "" && len(r.Labels) > 0 {
		return fmt.Errorf("labels_file and labels are mutually exclusive")
	}

	if r.QuietLabel == "" {
		return fmt.Errorf("quiet_label cannot be empty")
	}

	if r.AverageWindowDurationMs < 0 {
		return fmt.Errorf("average_window_duration_ms cannot be negative, got %d", r.AverageWindowDurationMs)
	}

	if r.SuppressionMs < 0 {
		return fmt.Errorf("suppression_ms cannot be negative, got %d", r.SuppressionMs)
	}

	if r.MinimumCount < 0 {
		return fmt.Errorf("minimum_count cannot be negative, got %d", r.MinimumCount)
	}

	if r.MinimumTimeBetweenSamplesMs < 0 {
		return fmt.Errorf("minimum_time_between_samples_ms cannot be negative, got %d", r.MinimumTimeBetweenSamplesMs)
	}

	return nil
}

// Vocabulary loads the label vocabulary from the labels file or the inline list
func (r *RecognitionConfig) Vocabulary() (*labels.Vocabulary, error) {
	if r.LabelsFile != "" {
		return labels.Load(r.LabelsFile)
	}
	return labels.New(r.Labels)
}

// EngineConfig builds the engine configuration for the given vocabulary
func (r *RecognitionConfig) EngineConfig(vocab *labels.Vocabulary) recognize.Config {
	return recognize.Config{
		Labels:                      vocab.Labels(),
		QuietLabel:                  r.QuietLabel,
		AverageWindowDurationMs:     r.AverageWindowDurationMs,
		DetectionThreshold:          r.DetectionThreshold,
		SuppressionMs:               r.SuppressionMs,
		MinimumCount:                r.MinimumCount,
		MinimumTimeBetweenSamplesMs: r.MinimumTimeBetweenSamplesMs,
	}
}

// Validate validates stream configuration
func (s *StreamConfig) Validate() error {
	if s.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", s.Timeout)
	}

	if s.CleanupInterval < 1 {
		return fmt.Errorf("cleanup_interval must be at least 1 second, got %d", s.CleanupInterval)
	}

	if s.SubscriberBuffer < 1 {
		return fmt.Errorf("subscriber_buffer must be at least 1, got %d", s.SubscriberBuffer)
	}

	return nil
}

// Validate validates notify configuration
func (n *NotifyConfig) Validate() error {
	if !n.Enabled {
		return nil
	}

	if n.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty when notify is enabled")
	}

	if !strings.HasPrefix(n.Endpoint, "http://") && !strings.HasPrefix(n.Endpoint, "https://") {
		return fmt.Errorf("endpoint must be an http(s) URL, got '%s'", n.Endpoint)
	}

	if n.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", n.Timeout)
	}

	if n.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", n.MaxRetries)
	}

	if n.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", n.MaxConcurrent)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output is stdout, stderr or a file path
	return nil
}

// GetTimeoutDuration returns the stream idle timeout as a time.Duration
func (s *StreamConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// GetCleanupIntervalDuration returns the cleanup interval as a time.Duration
func (s *StreamConfig) GetCleanupIntervalDuration() time.Duration {
	return time.Duration(s.CleanupInterval) * time.Second
}

// GetTimeoutDuration returns the webhook request timeout as a time.Duration
func (n *NotifyConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(n.Timeout) * time.Second
}

// GetAverageWindowDuration returns the averaging window as a time.Duration
func (r *RecognitionConfig) GetAverageWindowDuration() time.Duration {
	return time.Duration(r.AverageWindowDurationMs) * time.Millisecond
}

// GetMinimumTimeBetweenSamples returns the minimum sample spacing as a time.Duration
func (r *RecognitionConfig) GetMinimumTimeBetweenSamples() time.Duration {
	return time.Duration(r.MinimumTimeBetweenSamplesMs) * time.Millisecond
}
