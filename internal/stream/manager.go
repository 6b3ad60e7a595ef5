package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/skypro1111/command-smoother/internal/metrics"
	"github.com/skypro1111/command-smoother/internal/notify"
	"github.com/skypro1111/command-smoother/internal/recognize"
)

var (
	// ErrSessionLimit is returned when creating a session would exceed MaxSessions
	ErrSessionLimit = errors.New("session limit reached")
	// ErrSessionClosed is returned when processing scores on a removed session
	ErrSessionClosed = errors.New("session closed")
)

// Notifier delivers confirmed detections outside the process
type Notifier interface {
	Send(ctx context.Context, event *notify.DetectionEvent) error
}

// Metadata describes the producer of a score stream
type Metadata struct {
	ChannelID string `json:"channel_id"`
	DeviceID  string `json:"device_id"`
	Model     string `json:"model"`
}

// ManagerConfig contains configuration for the stream manager
type ManagerConfig struct {
	Engine           recognize.Config
	Timeout          time.Duration // Idle time before a session is removed
	CleanupInterval  time.Duration
	MaxSessions      int // Zero means unlimited
	SubscriberBuffer int
	NotifyTimeout    time.Duration
}

// Manager manages all active stream sessions
type Manager struct {
	sessions map[uint32]*Session
	mu       sync.RWMutex
	logger   *slog.Logger
	config   ManagerConfig
	metrics  *metrics.Metrics
	notifier Notifier
	nextID   atomic.Uint32

	// Detection deliveries in flight
	notifyWG sync.WaitGroup

	// Cleanup management
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a new stream manager. m and notifier may be nil.
func NewManager(logger *slog.Logger, config ManagerConfig, m *metrics.Metrics, notifier Notifier) (*Manager, error) {
	if err := config.Engine.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}

	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 30 * time.Second
	}

	if config.SubscriberBuffer <= 0 {
		config.SubscriberBuffer = 64
	}

	if config.NotifyTimeout <= 0 {
		config.NotifyTimeout = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		sessions: make(map[uint32]*Session),
		logger:   logger,
		config:   config,
		metrics:  m,
		notifier: notifier,
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr, nil
}

// CreateSession creates a new stream session. An existing session keeps its
// engine state and only has its metadata refreshed.
func (m *Manager) CreateSession(streamID uint32, meta Metadata) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, exists := m.sessions[streamID]; exists {
		m.logger.Warn("Session already exists, updating metadata",
			slog.Uint64("stream_id", uint64(streamID)),
			slog.String("existing_channel", existing.ChannelID),
			slog.String("new_channel", meta.ChannelID),
		)

		existing.mu.Lock()
		existing.ChannelID = meta.ChannelID
		existing.DeviceID = meta.DeviceID
		existing.Model = meta.Model
		existing.LastActivity = time.Now()
		existing.mu.Unlock()

		return existing, nil
	}

	if m.config.MaxSessions > 0 && len(m.sessions) >= m.config.MaxSessions {
		return nil, fmt.Errorf("%w: %d active", ErrSessionLimit, len(m.sessions))
	}

	engine, err := recognize.NewEngine(m.config.Engine)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	now := time.Now()
	session := &Session{
		ID:           streamID,
		SessionID:    uuid.NewString(),
		ChannelID:    meta.ChannelID,
		DeviceID:     meta.DeviceID,
		Model:        meta.Model,
		StartTime:    now,
		LastActivity: now,
		engine:       engine,
		tally:        make(map[string]uint64),
		subscribers:  make(map[*Subscription]struct{}),
		manager:      m,
	}

	m.sessions[streamID] = session

	if m.metrics != nil {
		m.metrics.RecordStreamCreated()
		m.metrics.SetActiveStreams(len(m.sessions))
	}

	m.logger.Info("Created new stream session",
		slog.Uint64("stream_id", uint64(streamID)),
		slog.String("session_id", session.SessionID),
		slog.String("channel_id", session.ChannelID),
		slog.String("device_id", session.DeviceID),
		slog.String("model", session.Model),
	)

	return session, nil
}

// AllocateStreamID returns a non-zero stream ID not used by any active session
func (m *Manager) AllocateStreamID() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for {
		id := m.nextID.Add(1)
		if id == 0 {
			continue
		}
		if _, taken := m.sessions[id]; !taken {
			return id
		}
	}
}

// GetSession retrieves an existing stream session
func (m *Manager) GetSession(streamID uint32) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[streamID]
	return session, exists
}

// GetActiveSessionCount returns the number of currently active sessions
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetAllSessions returns a snapshot of all active sessions
func (m *Manager) GetAllSessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}

	return sessions
}

// EngineConfig returns the configuration every session engine is built from
func (m *Manager) EngineConfig() recognize.Config {
	cfg := m.config.Engine
	cfg.Labels = append([]string(nil), cfg.Labels...)
	return cfg
}

// RemoveSession removes a stream session and closes its subscriptions
func (m *Manager) RemoveSession(streamID uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, exists := m.sessions[streamID]
	if !exists {
		return false
	}

	session.close()
	delete(m.sessions, streamID)

	info := session.GetSessionInfo()

	if m.metrics != nil {
		m.metrics.RecordStreamDestroyed(info.Duration.Seconds())
		m.metrics.SetActiveStreams(len(m.sessions))
	}

	m.logger.Info("Stream session removed",
		slog.Uint64("stream_id", uint64(streamID)),
		slog.String("session_id", info.SessionID),
		slog.Duration("duration", info.Duration),
		slog.Uint64("samples_processed", info.SamplesProcessed),
		slog.Uint64("samples_rejected", info.SamplesRejected),
		slog.Int64("total_quiet_ms", info.Engine.TotalQuietMs),
		slog.Any("detections", info.Detections),
	)

	return true
}

// Stop gracefully stops the stream manager
func (m *Manager) Stop() {
	m.logger.Info("Stopping stream manager...")

	m.cancel()
	<-m.cleanup

	m.mu.Lock()
	for streamID, session := range m.sessions {
		session.close()
		delete(m.sessions, streamID)
	}
	if m.metrics != nil {
		m.metrics.SetActiveStreams(0)
	}
	m.mu.Unlock()

	// Let detections already handed to the notifier finish
	m.notifyWG.Wait()

	m.logger.Info("Stream manager stopped")
}

// startCleanupRoutine removes idle sessions until the manager stops
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	m.logger.Info("Stream cleanup routine started",
		slog.Duration("timeout", m.config.Timeout),
		slog.Duration("check_interval", m.config.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Stream cleanup routine stopping")
			return

		case <-ticker.C:
			m.cleanupExpiredSessions()
		}
	}
}

// cleanupExpiredSessions removes sessions that have been inactive for too long
func (m *Manager) cleanupExpiredSessions() {
	now := time.Now()
	expiredSessions := make([]uint32, 0)

	m.mu.RLock()
	for streamID, session := range m.sessions {
		session.mu.RLock()
		lastActivity := session.LastActivity
		session.mu.RUnlock()

		if now.Sub(lastActivity) > m.config.Timeout {
			expiredSessions = append(expiredSessions, streamID)
		}
	}
	m.mu.RUnlock()

	if len(expiredSessions) > 0 {
		m.logger.Info("Cleaning up expired sessions",
			slog.Int("expired_count", len(expiredSessions)),
		)

		for _, streamID := range expiredSessions {
			m.RemoveSession(streamID)
		}
	}
}

// dispatch hands a confirmed detection to the notifier in the background
func (m *Manager) dispatch(event *notify.DetectionEvent) {
	m.notifyWG.Add(1)
	go func() {
		defer m.notifyWG.Done()

		ctx, cancel := context.WithTimeout(context.Background(), m.config.NotifyTimeout)
		defer cancel()

		if err := m.notifier.Send(ctx, event); err != nil {
			m.logger.Error("Detection notification failed",
				slog.Uint64("stream_id", uint64(event.StreamID)),
				slog.String("label", event.Label),
				slog.String("error", err.Error()),
			)
			return
		}

		m.logger.Debug("Detection notification delivered",
			slog.Uint64("stream_id", uint64(event.StreamID)),
			slog.String("event_id", event.EventID),
			slog.String("label", event.Label),
		)
	}()
}
