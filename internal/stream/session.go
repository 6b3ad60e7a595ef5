package stream

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skypro1111/command-smoother/internal/labels"
	"github.com/skypro1111/command-smoother/internal/notify"
	"github.com/skypro1111/command-smoother/internal/recognize"
)

// Session is one score stream with its own smoothing engine
type Session struct {
	ID           uint32
	SessionID    string
	ChannelID    string
	DeviceID     string
	Model        string
	StartTime    time.Time
	LastActivity time.Time

	engine *recognize.Engine

	// Confirmed detections of displayed labels
	tally map[string]uint64

	subscribers map[*Subscription]struct{}

	samplesProcessed uint64
	samplesRejected  uint64
	dropped          uint64
	closed           bool

	manager *Manager

	// Serializes engine access
	mu sync.RWMutex
}

// Event is a smoothed result published to subscribers
type Event struct {
	StreamID    uint32 `json:"stream_id"`
	SessionID   string `json:"session_id"`
	TimestampMs int64  `json:"timestamp_ms"`
	recognize.Result
}

// Subscription receives every Event produced by a session.
// C is closed when the subscription ends or the session is removed.
type Subscription struct {
	C  <-chan Event
	ch chan Event
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	StreamID         uint32            `json:"stream_id"`
	SessionID        string            `json:"session_id"`
	ChannelID        string            `json:"channel_id"`
	DeviceID         string            `json:"device_id"`
	Model            string            `json:"model"`
	StartTime        time.Time         `json:"start_time"`
	LastActivity     time.Time         `json:"last_activity"`
	Duration         time.Duration     `json:"duration"`
	SamplesProcessed uint64            `json:"samples_processed"`
	SamplesRejected  uint64            `json:"samples_rejected"`
	Subscribers      int               `json:"subscribers"`
	DroppedEvents    uint64            `json:"dropped_events"`
	Detections       map[string]uint64 `json:"detections"`
	LastResult       recognize.Result  `json:"last_result"`
	Engine           recognize.Stats   `json:"engine"`
}

// Process runs one score vector through the session engine, publishes the
// result to subscribers and hands confirmed detections to the notifier.
func (s *Session) Process(scores []float64, timestampMs int64) (recognize.Result, error) {
	m := s.manager
	start := time.Now()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return recognize.Result{}, fmt.Errorf("stream %d: %w", s.ID, ErrSessionClosed)
	}

	s.LastActivity = start
	prevQuiet := s.engine.TotalQuietMs()

	result, err := s.engine.Process(scores, timestampMs)
	if err != nil {
		s.samplesRejected++
		s.mu.Unlock()

		if m.metrics != nil {
			m.metrics.RecordInputError(recognize.ErrorKind(err))
		}
		return recognize.Result{}, err
	}

	s.samplesProcessed++
	detected := result.IsNewCommand && labels.IsDisplayed(result.FoundLabel)
	if detected {
		s.tally[result.FoundLabel]++
	}

	event := Event{
		StreamID:    s.ID,
		SessionID:   s.SessionID,
		TimestampMs: timestampMs,
		Result:      result,
	}
	dropped := s.publish(event)

	var detection *notify.DetectionEvent
	if detected && m.notifier != nil {
		detection = &notify.DetectionEvent{
			StreamID:     s.ID,
			SessionID:    s.SessionID,
			ChannelID:    s.ChannelID,
			DeviceID:     s.DeviceID,
			Model:        s.Model,
			Label:        result.FoundLabel,
			Score:        result.Score,
			TimestampMs:  timestampMs,
			TotalQuietMs: result.TotalQuietMs,
		}
	}
	s.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordSample(string(result.Decision), time.Since(start).Seconds())
		m.metrics.AddQuietTime(result.TotalQuietMs - prevQuiet)
		if result.IsNewCommand {
			m.metrics.RecordDetection(result.FoundLabel, result.Score)
		}
		for i := 0; i < dropped; i++ {
			m.metrics.RecordSubscriberDropped()
		}
	}

	if detected {
		m.logger.Info("Command detected",
			slog.Uint64("stream_id", uint64(s.ID)),
			slog.String("label", result.FoundLabel),
			slog.Float64("score", result.Score),
			slog.Int64("timestamp_ms", timestampMs),
		)
	}

	if detection != nil {
		m.dispatch(detection)
	}

	return result, nil
}

// publish delivers an event to every subscriber without blocking.
// It returns how many subscribers missed the event. Callers hold s.mu.
func (s *Session) publish(event Event) int {
	dropped := 0
	for sub := range s.subscribers {
		select {
		case sub.ch <- event:
		default:
			dropped++
		}
	}
	s.dropped += uint64(dropped)
	return dropped
}

// Subscribe registers a new result subscriber
func (s *Session) Subscribe() (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("stream %d: %w", s.ID, ErrSessionClosed)
	}

	ch := make(chan Event, s.manager.config.SubscriberBuffer)
	sub := &Subscription{C: ch, ch: ch}
	s.subscribers[sub] = struct{}{}

	return sub, nil
}

// Unsubscribe ends a subscription. It is safe to call more than once.
func (s *Session) Unsubscribe(sub *Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscribers[sub]; ok {
		delete(s.subscribers, sub)
		close(sub.ch)
	}
}

// close marks the session closed and ends all subscriptions
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true

	for sub := range s.subscribers {
		delete(s.subscribers, sub)
		close(sub.ch)
	}
}

// Reset clears the engine state and detection tally
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.engine.Reset()
	clear(s.tally)
	s.LastActivity = time.Now()
}

// Tally returns the number of confirmed detections per displayed label
func (s *Session) Tally() map[string]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]uint64, len(s.tally))
	for label, n := range s.tally {
		out[label] = n
	}
	return out
}

// GetSessionInfo returns a snapshot of the session
func (s *Session) GetSessionInfo() SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	detections := make(map[string]uint64, len(s.tally))
	for label, n := range s.tally {
		detections[label] = n
	}

	return SessionInfo{
		StreamID:         s.ID,
		SessionID:        s.SessionID,
		ChannelID:        s.ChannelID,
		DeviceID:         s.DeviceID,
		Model:            s.Model,
		StartTime:        s.StartTime,
		LastActivity:     s.LastActivity,
		Duration:         time.Since(s.StartTime),
		SamplesProcessed: s.samplesProcessed,
		SamplesRejected:  s.samplesRejected,
		Subscribers:      len(s.subscribers),
		DroppedEvents:    s.dropped,
		Detections:       detections,
		LastResult:       s.engine.LastResult(),
		Engine:           s.engine.Stats(),
	}
}
