package stream

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/skypro1111/command-smoother/internal/metrics"
	"github.com/skypro1111/command-smoother/internal/notify"
	"github.com/skypro1111/command-smoother/internal/recognize"
)

var (
	silenceFrame = []float64{0.9, 0.05, 0.05, 0}
	yesFrame     = []float64{0, 0.05, 0.9, 0.05}
	noFrame      = []float64{0, 0.05, 0.05, 0.9}
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// createTestManagerConfig decides every sample on its own scores
func createTestManagerConfig() ManagerConfig {
	return ManagerConfig{
		Engine: recognize.Config{
			Labels:                      []string{"_silence_", "_unknown_", "yes", "no"},
			QuietLabel:                  "_silence_",
			AverageWindowDurationMs:     0,
			DetectionThreshold:          0.5,
			SuppressionMs:               1500,
			MinimumCount:                1,
			MinimumTimeBetweenSamplesMs: 0,
		},
		Timeout:          60 * time.Second,
		CleanupInterval:  time.Hour,
		SubscriberBuffer: 8,
	}
}

func newTestManager(t *testing.T, config ManagerConfig, m *metrics.Metrics, notifier Notifier) *Manager {
	t.Helper()
	mgr, err := NewManager(testLogger(), config, m, notifier)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}
	t.Cleanup(mgr.Stop)
	return mgr
}

func newTestSession(t *testing.T, mgr *Manager, id uint32) *Session {
	t.Helper()
	session, err := mgr.CreateSession(id, Metadata{ChannelID: "kiosk-1", DeviceID: "mic-0", Model: "conv_actions"})
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}
	return session
}

// recordingNotifier collects delivered detections
type recordingNotifier struct {
	mu     sync.Mutex
	events []*notify.DetectionEvent
	done   chan struct{}
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{done: make(chan struct{}, 16)}
}

func (n *recordingNotifier) Send(ctx context.Context, event *notify.DetectionEvent) error {
	n.mu.Lock()
	n.events = append(n.events, event)
	n.mu.Unlock()
	n.done <- struct{}{}
	return nil
}

func (n *recordingNotifier) Events() []*notify.DetectionEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*notify.DetectionEvent(nil), n.events...)
}

func TestNewManager(t *testing.T) {
	mgr := newTestManager(t, createTestManagerConfig(), nil, nil)

	if mgr.GetActiveSessionCount() != 0 {
		t.Errorf("Expected 0 active sessions, got %d", mgr.GetActiveSessionCount())
	}

	config := createTestManagerConfig()
	config.Engine.QuietLabel = "_quiet_"
	if _, err := NewManager(testLogger(), config, nil, nil); err == nil {
		t.Errorf("Expected error for quiet label outside the vocabulary")
	}
}

func TestCreateSession(t *testing.T) {
	mgr := newTestManager(t, createTestManagerConfig(), nil, nil)
	session := newTestSession(t, mgr, 12345)

	if session.ID != 12345 {
		t.Errorf("Expected stream ID 12345, got %d", session.ID)
	}

	if session.ChannelID != "kiosk-1" {
		t.Errorf("Expected channel ID 'kiosk-1', got '%s'", session.ChannelID)
	}

	if _, err := uuid.Parse(session.SessionID); err != nil {
		t.Errorf("Expected UUID session ID, got %q", session.SessionID)
	}

	if mgr.GetActiveSessionCount() != 1 {
		t.Errorf("Expected 1 active session, got %d", mgr.GetActiveSessionCount())
	}
}

func TestCreateSessionDuplicate(t *testing.T) {
	mgr := newTestManager(t, createTestManagerConfig(), nil, nil)
	session1 := newTestSession(t, mgr, 12345)

	if _, err := session1.Process(yesFrame, 100); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	session2, err := mgr.CreateSession(12345, Metadata{ChannelID: "kiosk-2"})
	if err != nil {
		t.Fatalf("Failed to update session: %v", err)
	}

	if session1 != session2 {
		t.Errorf("Expected the existing session to be returned")
	}

	if session2.ChannelID != "kiosk-2" {
		t.Errorf("Expected channel ID to be updated to 'kiosk-2', got '%s'", session2.ChannelID)
	}

	// Engine state survives a repeated open
	if got := session2.Tally()["yes"]; got != 1 {
		t.Errorf("Expected tally to survive, got %d", got)
	}

	if mgr.GetActiveSessionCount() != 1 {
		t.Errorf("Expected 1 active session, got %d", mgr.GetActiveSessionCount())
	}
}

func TestCreateSessionLimit(t *testing.T) {
	config := createTestManagerConfig()
	config.MaxSessions = 1
	mgr := newTestManager(t, config, nil, nil)

	newTestSession(t, mgr, 1)

	if _, err := mgr.CreateSession(2, Metadata{}); !errors.Is(err, ErrSessionLimit) {
		t.Errorf("Expected ErrSessionLimit, got %v", err)
	}

	// Reopening an existing stream is not limited
	if _, err := mgr.CreateSession(1, Metadata{}); err != nil {
		t.Errorf("Expected reopen to succeed, got %v", err)
	}
}

func TestSessionProcess(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)
	mgr := newTestManager(t, createTestManagerConfig(), m, nil)
	session := newTestSession(t, mgr, 1)

	steps := []struct {
		scores []float64
		ts     int64
		label  string
		isNew  bool
	}{
		{silenceFrame, 100, "_silence_", true},
		{yesFrame, 200, "yes", true},   // Previous detection was quiet
		{noFrame, 300, "no", false},    // Suppressed by "yes"
		{noFrame, 2000, "no", true},    // Suppression elapsed
		{yesFrame, 2100, "yes", false}, // Suppressed by "no"
	}

	for i, step := range steps {
		result, err := session.Process(step.scores, step.ts)
		if err != nil {
			t.Fatalf("Step %d: process failed: %v", i, err)
		}
		if result.FoundLabel != step.label || result.IsNewCommand != step.isNew {
			t.Errorf("Step %d: expected (%s, %v), got (%s, %v)",
				i, step.label, step.isNew, result.FoundLabel, result.IsNewCommand)
		}
	}

	tally := session.Tally()
	if tally["yes"] != 1 || tally["no"] != 1 {
		t.Errorf("Expected one yes and one no, got %v", tally)
	}
	if _, ok := tally["_silence_"]; ok {
		t.Errorf("Expected quiet label to be excluded from tally")
	}

	info := session.GetSessionInfo()
	if info.SamplesProcessed != 5 {
		t.Errorf("Expected 5 samples processed, got %d", info.SamplesProcessed)
	}
	if info.Engine.Confirmations != 3 {
		t.Errorf("Expected 3 engine confirmations, got %d", info.Engine.Confirmations)
	}
	if info.LastResult.FoundLabel != "yes" {
		t.Errorf("Expected last result 'yes', got '%s'", info.LastResult.FoundLabel)
	}

	if got := testutil.ToFloat64(m.SamplesProcessed.WithLabelValues("evaluated")); got != 5 {
		t.Errorf("Expected 5 evaluated samples metric, got %f", got)
	}
	if got := testutil.ToFloat64(m.Detections.WithLabelValues("no")); got != 1 {
		t.Errorf("Expected 1 'no' detection metric, got %f", got)
	}
}

func TestSessionProcessRejectsInvalidInput(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	mgr := newTestManager(t, createTestManagerConfig(), m, nil)
	session := newTestSession(t, mgr, 1)

	if _, err := session.Process([]float64{1}, 100); !errors.Is(err, recognize.ErrInvalidInput) {
		t.Errorf("Expected ErrInvalidInput for short vector, got %v", err)
	}

	if _, err := session.Process(yesFrame, 100); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if _, err := session.Process(yesFrame, 50); !errors.Is(err, recognize.ErrOutOfOrderTimestamp) {
		t.Errorf("Expected ErrOutOfOrderTimestamp, got %v", err)
	}

	info := session.GetSessionInfo()
	if info.SamplesRejected != 2 || info.SamplesProcessed != 1 {
		t.Errorf("Expected 2 rejected and 1 processed, got %d and %d", info.SamplesRejected, info.SamplesProcessed)
	}

	if got := testutil.ToFloat64(m.InputErrors.WithLabelValues("length_mismatch")); got != 1 {
		t.Errorf("Expected 1 length mismatch metric, got %f", got)
	}
	if got := testutil.ToFloat64(m.InputErrors.WithLabelValues("out_of_order_timestamp")); got != 1 {
		t.Errorf("Expected 1 out of order metric, got %f", got)
	}
}

func TestSessionSubscribe(t *testing.T) {
	mgr := newTestManager(t, createTestManagerConfig(), nil, nil)
	session := newTestSession(t, mgr, 9)

	sub, err := session.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if _, err := session.Process(yesFrame, 100); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	select {
	case event := <-sub.C:
		if event.StreamID != 9 || event.FoundLabel != "yes" || !event.IsNewCommand || event.TimestampMs != 100 {
			t.Errorf("Unexpected event: %+v", event)
		}
		if event.SessionID != session.SessionID {
			t.Errorf("Expected session ID %s, got %s", session.SessionID, event.SessionID)
		}
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for event")
	}

	session.Unsubscribe(sub)
	session.Unsubscribe(sub)

	if _, ok := <-sub.C; ok {
		t.Errorf("Expected subscription channel to be closed")
	}
}

func TestSessionSubscriberOverflow(t *testing.T) {
	config := createTestManagerConfig()
	config.SubscriberBuffer = 1
	m := metrics.NewMetrics(prometheus.NewRegistry())
	mgr := newTestManager(t, config, m, nil)
	session := newTestSession(t, mgr, 1)

	sub, err := session.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	for i, ts := range []int64{100, 200, 300} {
		if _, err := session.Process(silenceFrame, ts); err != nil {
			t.Fatalf("Process %d failed: %v", i, err)
		}
	}

	if info := session.GetSessionInfo(); info.DroppedEvents != 2 {
		t.Errorf("Expected 2 dropped events, got %d", info.DroppedEvents)
	}
	if got := testutil.ToFloat64(m.SubscriberDropped); got != 2 {
		t.Errorf("Expected 2 dropped events metric, got %f", got)
	}

	event := <-sub.C
	if event.TimestampMs != 100 {
		t.Errorf("Expected the first event to be kept, got timestamp %d", event.TimestampMs)
	}
}

func TestRemoveSession(t *testing.T) {
	mgr := newTestManager(t, createTestManagerConfig(), nil, nil)
	session := newTestSession(t, mgr, 12345)

	sub, err := session.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if !mgr.RemoveSession(12345) {
		t.Errorf("Expected session removal to succeed")
	}

	if mgr.GetActiveSessionCount() != 0 {
		t.Errorf("Expected 0 active sessions after removal, got %d", mgr.GetActiveSessionCount())
	}

	if _, ok := <-sub.C; ok {
		t.Errorf("Expected subscription to be closed with the session")
	}

	if _, err := session.Process(yesFrame, 100); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed, got %v", err)
	}

	if _, err := session.Subscribe(); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed on subscribe, got %v", err)
	}

	if mgr.RemoveSession(12345) {
		t.Errorf("Expected second removal to fail")
	}
}

func TestSessionReset(t *testing.T) {
	mgr := newTestManager(t, createTestManagerConfig(), nil, nil)
	session := newTestSession(t, mgr, 1)

	if _, err := session.Process(yesFrame, 500); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	session.Reset()

	if len(session.Tally()) != 0 {
		t.Errorf("Expected empty tally after reset")
	}

	// Earlier timestamps are accepted again after a reset
	if _, err := session.Process(yesFrame, 100); err != nil {
		t.Errorf("Expected process after reset to succeed, got %v", err)
	}
}

func TestNotifierDispatch(t *testing.T) {
	notifier := newRecordingNotifier()
	mgr := newTestManager(t, createTestManagerConfig(), nil, notifier)
	session := newTestSession(t, mgr, 3)

	// Quiet confirmation is not delivered
	if _, err := session.Process(silenceFrame, 100); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if _, err := session.Process(yesFrame, 200); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	select {
	case <-notifier.done:
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for notification")
	}

	mgr.notifyWG.Wait()

	events := notifier.Events()
	if len(events) != 1 {
		t.Fatalf("Expected 1 notification, got %d", len(events))
	}

	event := events[0]
	if event.Label != "yes" || event.StreamID != 3 || event.TimestampMs != 200 {
		t.Errorf("Unexpected notification: %+v", event)
	}
	if event.SessionID != session.SessionID || event.ChannelID != "kiosk-1" {
		t.Errorf("Expected session metadata on notification, got %+v", event)
	}
}

func TestCleanupExpiredSessions(t *testing.T) {
	config := createTestManagerConfig()
	config.Timeout = 50 * time.Millisecond
	mgr := newTestManager(t, config, nil, nil)

	newTestSession(t, mgr, 1)
	time.Sleep(100 * time.Millisecond)
	active := newTestSession(t, mgr, 2)

	mgr.cleanupExpiredSessions()

	if _, exists := mgr.GetSession(1); exists {
		t.Errorf("Expected idle session to be removed")
	}
	if got, exists := mgr.GetSession(2); !exists || got != active {
		t.Errorf("Expected recent session to be kept")
	}
}

func TestAllocateStreamID(t *testing.T) {
	mgr := newTestManager(t, createTestManagerConfig(), nil, nil)
	newTestSession(t, mgr, 1)
	newTestSession(t, mgr, 2)

	id := mgr.AllocateStreamID()
	if id == 0 || id == 1 || id == 2 {
		t.Errorf("Expected a fresh non-zero ID, got %d", id)
	}
}

func TestConcurrentProcess(t *testing.T) {
	mgr := newTestManager(t, createTestManagerConfig(), nil, nil)
	session := newTestSession(t, mgr, 1)

	const goroutines = 8
	const perGoroutine = 50

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				// Equal timestamps are never out of order
				if _, err := session.Process(silenceFrame, 1000); err != nil {
					t.Errorf("Process failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if info := session.GetSessionInfo(); info.SamplesProcessed != goroutines*perGoroutine {
		t.Errorf("Expected %d samples, got %d", goroutines*perGoroutine, info.SamplesProcessed)
	}
}

func TestManagerStop(t *testing.T) {
	mgr, err := NewManager(testLogger(), createTestManagerConfig(), nil, nil)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	session := newTestSession(t, mgr, 1)
	mgr.Stop()

	if mgr.GetActiveSessionCount() != 0 {
		t.Errorf("Expected no sessions after stop, got %d", mgr.GetActiveSessionCount())
	}
	if _, err := session.Process(yesFrame, 100); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed after stop, got %v", err)
	}
}
