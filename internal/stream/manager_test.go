package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/clearpath-health/vigil/internal/observe"
	"github.com/clearpath-health/vigil/internal/risk"
	"github.com/clearpath-health/vigil/pkg/provider/stt"
	sttmock "github.com/clearpath-health/vigil/pkg/provider/stt/mock"
)

// captureSink records every envelope sent to it.
type captureSink struct {
	mu   sync.Mutex
	envs []Envelope

	// SendErr, if non-nil, is returned by every Send call.
	SendErr error
}

func (s *captureSink) Send(_ context.Context, env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendErr != nil {
		return s.SendErr
	}
	s.envs = append(s.envs, env)
	return nil
}

func (s *captureSink) all() []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Envelope, len(s.envs))
	copy(out, s.envs)
	return out
}

func (s *captureSink) count(t EventType) int {
	n := 0
	for _, e := range s.all() {
		if e.Type == t {
			n++
		}
	}
	return n
}

// waitFor polls until an envelope of the given type arrives.
func (s *captureSink) waitFor(t *testing.T, et EventType) Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, e := range s.all() {
			if e.Type == et {
				return e
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q event; got %v", et, eventTypes(s.all()))
	return Envelope{}
}

func eventTypes(envs []Envelope) []EventType {
	out := make([]EventType, len(envs))
	for i, e := range envs {
		out[i] = e.Type
	}
	return out
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newTestManager(t *testing.T, provider stt.Provider, opts ...ManagerOption) *Manager {
	t.Helper()
	cfg := Config{
		SampleRate: 16000,
		TempDir:    t.TempDir(),
	}
	opts = append(opts, WithMetrics(testMetrics(t)))
	m := NewManager(cfg, provider, risk.NewGuardrail(nil), opts...)
	t.Cleanup(m.Close)
	return m
}

func TestConnectRealtime(t *testing.T) {
	provider := &sttmock.Provider{ProviderName: "cloud", Handle: sttmock.NewHandle()}
	m := newTestManager(t, provider)
	sink := &captureSink{}

	sess, err := m.Connect(context.Background(), "s1", sink)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !sess.Realtime() {
		t.Error("Realtime() = false, want true")
	}
	if sess.State() != StateStreaming {
		t.Errorf("State() = %v, want Streaming", sess.State())
	}

	env := sink.waitFor(t, EventConnectionEstablished)
	data := env.Data.(connectionData)
	if !data.STTConfig["realtime_enabled"].(bool) {
		t.Error("connection_established reports realtime_enabled=false")
	}
}

func TestConnectCapacityRejected(t *testing.T) {
	provider := &sttmock.Provider{ProviderName: "cloud", StartRealtimeErr: stt.ErrCapacity}
	m := newTestManager(t, provider)

	_, err := m.Connect(context.Background(), "s1", &captureSink{})
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("Connect err = %v, want ErrCapacity", err)
	}
	if _, ok := m.Get("s1"); ok {
		t.Error("rejected session should not be registered")
	}
}

func TestConnectDegradesToBatch(t *testing.T) {
	provider := &sttmock.Provider{ProviderName: "cloud", StartRealtimeErr: errors.New("handshake timeout")}
	m := newTestManager(t, provider)
	sink := &captureSink{}

	sess, err := m.Connect(context.Background(), "s1", sink)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if sess.Realtime() {
		t.Error("Realtime() = true, want false after handshake failure")
	}

	env := sink.waitFor(t, EventConnectionEstablished)
	data := env.Data.(connectionData)
	if data.STTConfig["realtime_enabled"].(bool) {
		t.Error("connection_established reports realtime_enabled=true after handshake failure")
	}
}

func TestBatchEveryThirdChunk(t *testing.T) {
	provider := &sttmock.Provider{
		ProviderName:     "batch",
		StartRealtimeErr: stt.ErrRealtimeUnsupported,
		BatchResult:      stt.Transcript{Text: "I feel okay today", Confidence: 0.9, Provider: "batch"},
	}
	m := newTestManager(t, provider)
	sink := &captureSink{}

	if _, err := m.Connect(context.Background(), "s1", sink); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	chunk := make([]byte, 320)
	for i := 0; i < 3; i++ {
		if err := m.HandleAudio("s1", chunk); err != nil {
			t.Fatalf("HandleAudio %d: %v", i, err)
		}
	}

	sink.waitFor(t, EventTranscription)
	if got := len(provider.TranscribeCalls); got != 1 {
		t.Errorf("TranscribeFile calls = %d, want exactly 1 after 3 chunks", got)
	}
	if got := sink.count(EventAudioReceived); got != 3 {
		t.Errorf("audio_received events = %d, want 3", got)
	}
}

func TestCrisisTranscriptLocksSession(t *testing.T) {
	provider := &sttmock.Provider{
		ProviderName:     "batch",
		StartRealtimeErr: stt.ErrRealtimeUnsupported,
		BatchResult:      stt.Transcript{Text: "I want to kill myself", Confidence: 0.9, Provider: "batch"},
	}
	m := newTestManager(t, provider)
	sink := &captureSink{}

	sess, err := m.Connect(context.Background(), "s1", sink)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	chunk := make([]byte, 320)
	for i := 0; i < 3; i++ {
		if err := m.HandleAudio("s1", chunk); err != nil {
			t.Fatalf("HandleAudio %d: %v", i, err)
		}
	}

	env := sink.waitFor(t, EventCrisisDetected)
	data := env.Data.(map[string]any)
	if data["immediate_action_required"] != true {
		t.Error("crisis_detected missing immediate_action_required=true")
	}
	if score := data["risk_score"].(float64); score < 0.85 {
		t.Errorf("risk_score = %v, want >= 0.85", score)
	}

	if sess.State() != StateLocked {
		t.Fatalf("State() = %v, want Locked", sess.State())
	}

	// The receive loop observes the lock on the next inbound frame.
	err = m.HandleAudio("s1", chunk)
	if !errors.Is(err, ErrSessionLocked) {
		t.Fatalf("HandleAudio on locked session = %v, want ErrSessionLocked", err)
	}
	sink.waitFor(t, EventSessionLocked)
}

func TestCalmTranscriptKeepsStreaming(t *testing.T) {
	provider := &sttmock.Provider{
		ProviderName:     "batch",
		StartRealtimeErr: stt.ErrRealtimeUnsupported,
		BatchResult:      stt.Transcript{Text: "I feel okay today", Confidence: 0.9, Provider: "batch"},
	}
	m := newTestManager(t, provider)
	sink := &captureSink{}

	sess, err := m.Connect(context.Background(), "s1", sink)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	chunk := make([]byte, 320)
	for i := 0; i < 3; i++ {
		if err := m.HandleAudio("s1", chunk); err != nil {
			t.Fatalf("HandleAudio %d: %v", i, err)
		}
	}

	env := sink.waitFor(t, EventRiskAssessment)
	data := env.Data.(map[string]any)
	if score := data["risk_score"].(float64); score != 0.10 {
		t.Errorf("risk_score = %v, want 0.10", score)
	}

	if sess.State() != StateStreaming {
		t.Errorf("State() = %v, want Streaming", sess.State())
	}
	if got := sink.count(EventCrisisDetected); got != 0 {
		t.Errorf("crisis_detected events = %d, want 0", got)
	}
}

func TestMediumRiskWarnsWithoutLocking(t *testing.T) {
	// Two anxiety keywords score 0.45: medium band, below the 0.5 threshold.
	provider := &sttmock.Provider{
		ProviderName:     "batch",
		StartRealtimeErr: stt.ErrRealtimeUnsupported,
		BatchResult:      stt.Transcript{Text: "I am so anxious I could panic", Confidence: 0.9, Provider: "batch"},
	}
	m := newTestManager(t, provider)
	sink := &captureSink{}

	sess, err := m.Connect(context.Background(), "s1", sink)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	chunk := make([]byte, 320)
	for i := 0; i < 3; i++ {
		if err := m.HandleAudio("s1", chunk); err != nil {
			t.Fatalf("HandleAudio %d: %v", i, err)
		}
	}

	sink.waitFor(t, EventRiskWarning)
	if sess.State() != StateStreaming {
		t.Errorf("State() = %v, want Streaming (warning must not lock)", sess.State())
	}
}

func TestRealtimeFinalsFlowThrough(t *testing.T) {
	handle := sttmock.NewHandle()
	provider := &sttmock.Provider{ProviderName: "cloud", Handle: handle}
	m := newTestManager(t, provider)
	sink := &captureSink{}

	sess, err := m.Connect(context.Background(), "s1", sink)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	handle.PartialsCh <- stt.Transcript{Text: "I feel", Provider: "cloud"}
	handle.FinalsCh <- stt.Transcript{Text: "I feel okay today", IsFinal: true, Confidence: 0.95, Provider: "cloud"}

	env := sink.waitFor(t, EventRiskAssessment)
	if env.SessionID != "s1" {
		t.Errorf("SessionID = %q, want s1", env.SessionID)
	}

	// Only the final transcript is durable.
	deadline := time.Now().Add(2 * time.Second)
	for len(sess.Transcripts()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	recs := sess.Transcripts()
	if len(recs) != 1 {
		t.Fatalf("Transcripts() = %d records, want 1 (partials are transient)", len(recs))
	}
	if recs[0].Text != "I feel okay today" {
		t.Errorf("transcript text = %q", recs[0].Text)
	}
	if !recs[0].Realtime {
		t.Error("transcript should be marked realtime")
	}
}

func TestRealtimeChannelFailureDegradesToBatch(t *testing.T) {
	handle := sttmock.NewHandle()
	provider := &sttmock.Provider{ProviderName: "cloud", Handle: handle}
	m := newTestManager(t, provider)
	sink := &captureSink{}

	sess, err := m.Connect(context.Background(), "s1", sink)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	handle.Terminate(errors.New("stream reset"))

	sink.waitFor(t, EventTranscriptionError)
	deadline := time.Now().Add(2 * time.Second)
	for sess.Realtime() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sess.Realtime() {
		t.Error("session still realtime after channel failure")
	}
	if sess.State() != StateStreaming {
		t.Errorf("State() = %v, want Streaming (channel death is not fatal)", sess.State())
	}
}

func TestControlCommands(t *testing.T) {
	provider := &sttmock.Provider{ProviderName: "cloud", Handle: sttmock.NewHandle()}
	m := newTestManager(t, provider)
	sink := &captureSink{}

	if _, err := m.Connect(context.Background(), "s1", sink); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := m.HandleControl("s1", []byte(`{"command":"ping"}`)); err != nil {
		t.Fatalf("ping: %v", err)
	}
	sink.waitFor(t, EventPong)

	if err := m.HandleControl("s1", []byte(`{"command":"get_session_summary"}`)); err != nil {
		t.Fatalf("get_session_summary: %v", err)
	}
	env := sink.waitFor(t, EventSessionSummary)
	if sum := env.Data.(Summary); sum.SessionID != "s1" {
		t.Errorf("summary session id = %q", sum.SessionID)
	}

	if err := m.HandleControl("s1", []byte(`{"command":"get_status"}`)); err != nil {
		t.Fatalf("get_status: %v", err)
	}
	sink.waitFor(t, EventStatusUpdate)

	if err := m.HandleControl("s1", []byte(`{"command":"reset_session"}`)); err != nil {
		t.Fatalf("reset_session: %v", err)
	}
	sink.waitFor(t, EventSessionReset)
}

func TestMalformedControlMessageKeepsSessionOpen(t *testing.T) {
	provider := &sttmock.Provider{ProviderName: "cloud", Handle: sttmock.NewHandle()}
	m := newTestManager(t, provider)
	sink := &captureSink{}

	sess, err := m.Connect(context.Background(), "s1", sink)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := m.HandleControl("s1", []byte(`{not json`)); err != nil {
		t.Fatalf("HandleControl = %v, want nil (session stays open)", err)
	}
	sink.waitFor(t, EventError)
	if sess.State() != StateStreaming {
		t.Errorf("State() = %v, want Streaming", sess.State())
	}
}

func TestUnknownCommandReportsError(t *testing.T) {
	provider := &sttmock.Provider{ProviderName: "cloud", Handle: sttmock.NewHandle()}
	m := newTestManager(t, provider)
	sink := &captureSink{}

	if _, err := m.Connect(context.Background(), "s1", sink); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.HandleControl("s1", []byte(`{"command":"self_destruct"}`)); err != nil {
		t.Fatalf("HandleControl: %v", err)
	}
	sink.waitFor(t, EventError)
}

func TestResetDoesNotUnlock(t *testing.T) {
	sess := newSession(context.Background(), "s1", NewAudioBuffer(16000, 30), &captureSink{})
	sess.startStreaming(false, "batch")

	if !sess.lock() {
		t.Fatal("lock() = false on streaming session")
	}
	sess.reset()

	if sess.State() != StateLocked {
		t.Errorf("State() after reset = %v, want Locked (lock is sticky)", sess.State())
	}
	if len(sess.Transcripts()) != 0 {
		t.Error("reset should clear transcripts")
	}
}

func TestRiskLevelMonotonic(t *testing.T) {
	sess := newSession(context.Background(), "s1", NewAudioBuffer(16000, 30), &captureSink{})

	for _, score := range []float64{0.2, 0.9, 0.1} {
		sess.observeRisk(risk.Assessment{
			Score: score,
			Level: levelFor(score),
		})
	}

	snap := sess.Snapshot()
	if snap.HighestRiskScore != 0.9 {
		t.Errorf("HighestRiskScore = %v, want 0.9", snap.HighestRiskScore)
	}
	if snap.RiskLevel != risk.LevelCritical {
		t.Errorf("RiskLevel = %q, want critical", snap.RiskLevel)
	}
}

func levelFor(score float64) risk.Level {
	switch {
	case score >= 0.81:
		return risk.LevelCritical
	case score >= 0.61:
		return risk.LevelHigh
	case score >= 0.31:
		return risk.LevelMedium
	default:
		return risk.LevelLow
	}
}

func TestReconnectStartsFresh(t *testing.T) {
	provider := &sttmock.Provider{
		ProviderName:     "batch",
		StartRealtimeErr: stt.ErrRealtimeUnsupported,
		BatchResult:      stt.Transcript{Text: "I feel okay today", Confidence: 0.9, Provider: "batch"},
	}
	m := newTestManager(t, provider)

	if _, err := m.Connect(context.Background(), "s1", &captureSink{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	chunk := make([]byte, 320)
	for i := 0; i < 3; i++ {
		if err := m.HandleAudio("s1", chunk); err != nil {
			t.Fatalf("HandleAudio: %v", err)
		}
	}
	m.Disconnect("s1")

	sess, err := m.Connect(context.Background(), "s1", &captureSink{})
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	snap := sess.Snapshot()
	if snap.ChunksReceived != 0 || snap.TranscriptsGenerated != 0 || snap.HighestRiskScore != 0 {
		t.Errorf("reconnected session carries state: %+v", snap)
	}
}

func TestTeardownRunsOnce(t *testing.T) {
	store := &recordingStore{}
	provider := &sttmock.Provider{ProviderName: "cloud", Handle: sttmock.NewHandle()}
	m := newTestManager(t, provider, WithStore(store))

	if _, err := m.Connect(context.Background(), "s1", &captureSink{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	m.Disconnect("s1")
	m.Disconnect("s1")

	if got := store.summaryCount(); got != 1 {
		t.Errorf("SaveSessionSummary calls = %d, want 1", got)
	}
	if _, ok := m.Get("s1"); ok {
		t.Error("session still registered after Disconnect")
	}
}

func TestDisconnectClosesRealtimeHandle(t *testing.T) {
	handle := sttmock.NewHandle()
	provider := &sttmock.Provider{ProviderName: "cloud", Handle: handle}
	m := newTestManager(t, provider)

	if _, err := m.Connect(context.Background(), "s1", &captureSink{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	m.Disconnect("s1")

	if handle.CloseCallCount == 0 {
		t.Error("realtime handle was not closed on disconnect")
	}
}

func TestSessionsSnapshot(t *testing.T) {
	provider := &sttmock.Provider{ProviderName: "cloud", Handle: sttmock.NewHandle()}
	m := newTestManager(t, provider)

	if _, err := m.Connect(context.Background(), "s1", &captureSink{}); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	snaps := m.Sessions()
	if len(snaps) != 1 {
		t.Fatalf("Sessions() = %d, want 1", len(snaps))
	}
	if snaps[0].SessionID != "s1" {
		t.Errorf("SessionID = %q", snaps[0].SessionID)
	}
}

func TestUnknownSession(t *testing.T) {
	m := newTestManager(t, &sttmock.Provider{ProviderName: "cloud"})

	if err := m.HandleAudio("ghost", []byte{1, 2}); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("HandleAudio = %v, want ErrUnknownSession", err)
	}
	if err := m.HandleControl("ghost", []byte(`{"command":"ping"}`)); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("HandleControl = %v, want ErrUnknownSession", err)
	}
}

// recordingStore is a Store test double.
type recordingStore struct {
	mu          sync.Mutex
	transcripts []TranscriptRecord
	summaries   []Summary
}

func (s *recordingStore) SaveTranscript(_ context.Context, _ string, rec TranscriptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts = append(s.transcripts, rec)
	return nil
}

func (s *recordingStore) SaveSessionSummary(_ context.Context, sum Summary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries = append(s.summaries, sum)
	return nil
}

func (s *recordingStore) summaryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.summaries)
}
