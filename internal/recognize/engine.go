package recognize

import (
	"fmt"
)

// MaxQuietGapMs is the largest gap between consecutive quiet decisions that still
// counts toward the quiet accumulator. Larger gaps are treated as the stream pausing.
const MaxQuietGapMs = 200

// DefaultQuietLabel is the quiet sentinel used by the standard speech command vocabularies.
const DefaultQuietLabel = "_silence_"

// Decision describes which path Process took to produce a Result
type Decision string

const (
	DecisionRateLimited      Decision = "rate_limited"
	DecisionInsufficientData Decision = "insufficient_data"
	DecisionEvaluated        Decision = "evaluated"
)

// Config holds the fixed engine configuration
type Config struct {
	Labels                      []string `json:"labels" yaml:"labels"`
	QuietLabel                  string   `json:"quiet_label" yaml:"quiet_label"`
	AverageWindowDurationMs     int64    `json:"average_window_duration_ms" yaml:"average_window_duration_ms"`
	DetectionThreshold          float64  `json:"detection_threshold" yaml:"detection_threshold"`
	SuppressionMs               int64    `json:"suppression_ms" yaml:"suppression_ms"`
	MinimumCount                int      `json:"minimum_count" yaml:"minimum_count"`
	MinimumTimeBetweenSamplesMs int64    `json:"minimum_time_between_samples_ms" yaml:"minimum_time_between_samples_ms"`
}

// DefaultConfig returns the smoothing parameters used by the reference speech command app
func DefaultConfig(labels []string) Config {
	return Config{
		Labels:                      labels,
		QuietLabel:                  DefaultQuietLabel,
		AverageWindowDurationMs:     1000,
		DetectionThreshold:          0.5,
		SuppressionMs:               1500,
		MinimumCount:                3,
		MinimumTimeBetweenSamplesMs: 30,
	}
}

// Validate checks the configuration for values the engine cannot work with
func (c *Config) Validate() error {
	if len(c.Labels) == 0 {
		return fmt.Errorf("labels cannot be empty")
	}

	seen := make(map[string]int, len(c.Labels))
	for i, label := range c.Labels {
		if label == "" {
			return fmt.Errorf("label at index %d is empty", i)
		}
		if prev, dup := seen[label]; dup {
			return fmt.Errorf("label %q appears at index %d and %d", label, prev, i)
		}
		seen[label] = i
	}

	if _, ok := seen[c.QuietLabel]; !ok {
		return fmt.Errorf("quiet label %q is not in the vocabulary", c.QuietLabel)
	}

	if c.AverageWindowDurationMs < 0 {
		return fmt.Errorf("average window duration must not be negative, got %d", c.AverageWindowDurationMs)
	}

	if c.SuppressionMs < 0 {
		return fmt.Errorf("suppression must not be negative, got %d", c.SuppressionMs)
	}

	if c.MinimumCount < 0 {
		return fmt.Errorf("minimum count must not be negative, got %d", c.MinimumCount)
	}

	if c.MinimumTimeBetweenSamplesMs < 0 {
		return fmt.Errorf("minimum time between samples must not be negative, got %d", c.MinimumTimeBetweenSamplesMs)
	}

	return nil
}

// Result is the smoothed decision produced for one call to Process
type Result struct {
	FoundLabel   string   `json:"found_label"`    // Top label (or previous confirmed label when no decision was made)
	Score        float64  `json:"score"`          // Averaged score of FoundLabel
	IsNewCommand bool     `json:"is_new_command"` // Whether this call confirmed a new detection
	TotalQuietMs int64    `json:"total_quiet_ms"` // Running quiet-time accumulation
	Decision     Decision `json:"decision"`       // Path taken to produce the result
}

// Stats is a snapshot of engine counters and state
type Stats struct {
	SamplesAccepted    uint64  `json:"samples_accepted"`
	RateLimited        uint64  `json:"rate_limited"`
	InsufficientData   uint64  `json:"insufficient_data"`
	Evaluated          uint64  `json:"evaluated"`
	Confirmations      uint64  `json:"confirmations"`
	Evicted            uint64  `json:"evicted"`
	WindowSize         int     `json:"window_size"`
	TotalQuietMs       int64   `json:"total_quiet_ms"`
	PreviousTopLabel   string  `json:"previous_top_label"`
	PreviousTopTimeMs  int64   `json:"previous_top_time_ms"`
	PreviousTopScore   float64 `json:"previous_top_score"`
	PreviousTopDefined bool    `json:"previous_top_defined"`
}

// Engine turns a stream of score vectors into debounced detections.
//
// An Engine is not safe for concurrent use. Callers that share one across
// goroutines must serialize calls to Process themselves.
type Engine struct {
	cfg    Config
	labels []string

	window   window
	averages []float64

	// Last confirmed detection
	prevTopLabel   string
	prevTopTimeMs  int64
	prevTopDefined bool
	prevTopScore   float64

	totalQuietMs int64
	last         Result

	// Statistics
	accepted      uint64
	rateLimited   uint64
	insufficient  uint64
	evaluated     uint64
	confirmations uint64
	evicted       uint64
}

// NewEngine creates a new engine for one stream
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	labels := make([]string, len(cfg.Labels))
	copy(labels, cfg.Labels)
	cfg.Labels = labels

	e := &Engine{
		cfg:      cfg,
		labels:   labels,
		averages: make([]float64, len(labels)),
	}
	e.Reset()

	return e, nil
}

// Process feeds one score vector observed at timestampMs and returns the smoothed decision.
//
// scores must be aligned with the configured labels and timestampMs must not be
// earlier than the most recent sample in the window. A violation returns an error
// wrapping ErrInvalidInput and leaves the engine untouched.
func (e *Engine) Process(scores []float64, timestampMs int64) (Result, error) {
	if len(scores) != len(e.labels) {
		return Result{}, fmt.Errorf("%w: expected %d scores, got %d", ErrLengthMismatch, len(e.labels), len(scores))
	}

	if e.window.len() > 0 {
		if latest := e.window.back().timestampMs; timestampMs < latest {
			return Result{}, fmt.Errorf("%w: received %d, earlier than the most recent %d",
				ErrOutOfOrderTimestamp, timestampMs, latest)
		}
	}

	// Ignore samples arriving too soon after the most recent one
	if e.window.len() > 1 {
		if timestampMs-e.window.back().timestampMs < e.cfg.MinimumTimeBetweenSamplesMs {
			e.rateLimited++
			result := e.last
			result.IsNewCommand = false
			result.TotalQuietMs = e.totalQuietMs
			result.Decision = DecisionRateLimited
			return result, nil
		}
	}

	stored := make([]float64, len(scores))
	copy(stored, scores)
	e.window.push(sample{timestampMs: timestampMs, scores: stored})
	e.accepted++

	e.evicted += uint64(e.window.evictBefore(timestampMs - e.cfg.AverageWindowDurationMs))

	// Too few samples makes the average unreliable
	if e.window.len() < e.cfg.MinimumCount {
		e.insufficient++
		e.last = Result{
			FoundLabel:   e.prevTopLabel,
			Score:        0,
			IsNewCommand: false,
			TotalQuietMs: e.totalQuietMs,
			Decision:     DecisionInsufficientData,
		}
		return e.last, nil
	}

	e.evaluated++
	e.average()

	// Strictly greater keeps the lowest index on ties
	topIndex := 0
	for i := 1; i < len(e.averages); i++ {
		if e.averages[i] > e.averages[topIndex] {
			topIndex = i
		}
	}
	topLabel := e.labels[topIndex]
	topScore := e.averages[topIndex]

	if topLabel == e.cfg.QuietLabel {
		e.accumulateQuiet(timestampMs)
	}

	isNew := false
	if topScore > e.cfg.DetectionThreshold && e.suppressionElapsed(timestampMs) {
		e.prevTopLabel = topLabel
		e.prevTopTimeMs = timestampMs
		e.prevTopDefined = true
		e.prevTopScore = topScore
		e.confirmations++
		isNew = true
	}

	e.last = Result{
		FoundLabel:   topLabel,
		Score:        topScore,
		IsNewCommand: isNew,
		TotalQuietMs: e.totalQuietMs,
		Decision:     DecisionEvaluated,
	}
	return e.last, nil
}

// average fills e.averages with the per-label mean over the window
func (e *Engine) average() {
	clear(e.averages)

	live := e.window.live()
	for _, s := range live {
		for i, score := range s.scores {
			e.averages[i] += score
		}
	}

	n := float64(len(live))
	for i := range e.averages {
		e.averages[i] /= n
	}
}

// accumulateQuiet adds the gap since the last confirmation to the quiet total.
// Gaps of MaxQuietGapMs or more are stream interruptions and are skipped.
func (e *Engine) accumulateQuiet(timestampMs int64) {
	if !e.prevTopDefined || e.prevTopTimeMs <= 0 {
		return
	}

	delta := timestampMs - e.prevTopTimeMs
	if delta < MaxQuietGapMs {
		e.totalQuietMs += delta
	}
}

// suppressionElapsed reports whether enough time has passed since the last confirmation.
// A quiet or undefined previous detection never suppresses.
func (e *Engine) suppressionElapsed(timestampMs int64) bool {
	if !e.prevTopDefined || e.prevTopLabel == e.cfg.QuietLabel {
		return true
	}
	return timestampMs-e.prevTopTimeMs > e.cfg.SuppressionMs
}

// Reset returns the engine to its freshly constructed state
func (e *Engine) Reset() {
	e.window.reset()
	e.prevTopLabel = e.cfg.QuietLabel
	e.prevTopTimeMs = 0
	e.prevTopDefined = false
	e.prevTopScore = 0
	e.totalQuietMs = 0
	e.last = Result{FoundLabel: e.cfg.QuietLabel}

	e.accepted = 0
	e.rateLimited = 0
	e.insufficient = 0
	e.evaluated = 0
	e.confirmations = 0
	e.evicted = 0
}

// Stats returns current engine statistics
func (e *Engine) Stats() Stats {
	return Stats{
		SamplesAccepted:    e.accepted,
		RateLimited:        e.rateLimited,
		InsufficientData:   e.insufficient,
		Evaluated:          e.evaluated,
		Confirmations:      e.confirmations,
		Evicted:            e.evicted,
		WindowSize:         e.window.len(),
		TotalQuietMs:       e.totalQuietMs,
		PreviousTopLabel:   e.prevTopLabel,
		PreviousTopTimeMs:  e.prevTopTimeMs,
		PreviousTopScore:   e.prevTopScore,
		PreviousTopDefined: e.prevTopDefined,
	}
}

// Labels returns the vocabulary the engine was built with
func (e *Engine) Labels() []string {
	out := make([]string, len(e.labels))
	copy(out, e.labels)
	return out
}

// Config returns the engine configuration
func (e *Engine) Config() Config {
	cfg := e.cfg
	cfg.Labels = e.Labels()
	return cfg
}

// LastResult returns the most recent decision
func (e *Engine) LastResult() Result {
	return e.last
}

// TotalQuietMs returns the quiet-time accumulator
func (e *Engine) TotalQuietMs() int64 {
	return e.totalQuietMs
}
