// Package stream implements the per-session transcription pipeline: audio
// buffering, realtime streaming with batch degradation, asynchronous risk
// evaluation, and the crisis-lock state machine that gates each session.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/clearpath-health/vigil/internal/observe"
	"github.com/clearpath-health/vigil/internal/risk"
	"github.com/clearpath-health/vigil/pkg/audio"
	"github.com/clearpath-health/vigil/pkg/provider/stt"
)

// Sentinel errors surfaced to the transport layer.
var (
	// ErrSessionLocked signals that the session entered the terminal crisis
	// state; the caller must close the transport.
	ErrSessionLocked = errors.New("stream: session locked")

	// ErrUnknownSession signals a message for a session id with no live
	// session.
	ErrUnknownSession = errors.New("stream: unknown session")

	// ErrCapacity signals that the realtime concurrency ceiling rejected a
	// new connection. Surfaced at connect time, never queued.
	ErrCapacity = errors.New("stream: realtime capacity exceeded")
)

// Sink delivers envelopes to one session's client transport. The manager
// serializes calls per session; implementations only need to write.
type Sink interface {
	Send(ctx context.Context, env Envelope) error
}

// Store is the optional persistence collaborator. The core never blocks on
// it: writes are dispatched as background tasks.
type Store interface {
	SaveTranscript(ctx context.Context, sessionID string, rec TranscriptRecord) error
	SaveSessionSummary(ctx context.Context, sum Summary) error
}

// Config holds the tunables the pipeline consumes.
type Config struct {
	// SampleRate of inbound PCM in Hz. Default 16000.
	SampleRate int

	// ChunkMS is the advertised chunk duration in milliseconds. Default 1000.
	ChunkMS int

	// RiskThreshold locks the session when a risk score reaches it.
	// Default 0.5.
	RiskThreshold float64

	// BatchEvery triggers a batch transcription every Nth chunk when no
	// realtime channel is active. Default 3.
	BatchEvery int

	// WindowChunks is how many recent chunks feed each batch window.
	// Default 3.
	WindowChunks int

	// MaxChunks is the buffer retention ceiling. Default 30.
	MaxChunks int

	// TempDir is the scratch directory for batch WAV files. Empty means the
	// system temp dir.
	TempDir string
}

func (c *Config) applyDefaults() {
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.ChunkMS <= 0 {
		c.ChunkMS = 1000
	}
	if c.RiskThreshold <= 0 {
		c.RiskThreshold = 0.5
	}
	if c.BatchEvery <= 0 {
		c.BatchEvery = 3
	}
	if c.WindowChunks <= 0 {
		c.WindowChunks = 3
	}
	if c.MaxChunks <= 0 {
		c.MaxChunks = 30
	}
}

// Manager owns all live sessions and wires the audio buffer, the STT
// provider and the risk guardrail together. One Manager per process.
type Manager struct {
	cfg       Config
	stt       stt.Provider
	guardrail *risk.Guardrail
	store     Store
	logger    *slog.Logger
	metrics   *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithStore attaches the persistence collaborator.
func WithStore(s Store) ManagerOption {
	return func(m *Manager) { m.store = s }
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics().
func WithMetrics(met *observe.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = met }
}

// NewManager creates a Manager over the given STT provider and guardrail.
func NewManager(cfg Config, provider stt.Provider, guardrail *risk.Guardrail, opts ...ManagerOption) *Manager {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:       cfg,
		stt:       provider,
		guardrail: guardrail,
		logger:    slog.Default(),
		ctx:       ctx,
		cancel:    cancel,
		sessions:  make(map[string]*Session),
	}
	for _, o := range opts {
		o(m)
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	return m
}

// connectionData is the connection_established payload.
type connectionData struct {
	SessionID   string         `json:"session_id"`
	AudioConfig map[string]any `json:"audio_config"`
	STTConfig   map[string]any `json:"stt_config"`
	Threshold   float64        `json:"risk_threshold"`
}

// Connect registers a new session and negotiates its transcription mode.
// A realtime handshake failure degrades the session to batch mode; only
// capacity exhaustion rejects the connection ([ErrCapacity]).
//
// An existing session with the same id is torn down first: a reconnect
// always starts from a fresh state.
func (m *Manager) Connect(ctx context.Context, sessionID string, sink Sink) (*Session, error) {
	if prev := m.remove(sessionID); prev != nil {
		m.logger.Info("replacing live session on reconnect", "session_id", sessionID)
		m.teardown(prev)
	}

	sess := newSession(m.ctx, sessionID, NewAudioBuffer(m.cfg.SampleRate, m.cfg.MaxChunks), sink)

	realtime := false
	providerName := m.stt.Name()

	start := time.Now()
	handle, err := m.stt.StartRealtime(ctx, sessionID, stt.StreamConfig{
		SampleRate:  m.cfg.SampleRate,
		Channels:    1,
		FormatTurns: true,
	})
	elapsed := time.Since(start)

	switch {
	case err == nil:
		realtime = true
		sess.setHandle(handle)
		m.metrics.HandshakeDuration.Record(ctx, elapsed.Seconds(),
			metric.WithAttributes(attribute.String("provider", providerName)))

	case errors.Is(err, stt.ErrCapacity):
		m.logger.Warn("realtime capacity exceeded, rejecting connect", "session_id", sessionID)
		return nil, fmt.Errorf("%w: %w", ErrCapacity, err)

	default:
		// Degraded mode: chunks are batch-transcribed periodically.
		m.logger.Warn("realtime start failed, falling back to batch",
			"session_id", sessionID, "provider", providerName, "error", err)
		m.metrics.RecordProviderError(ctx, providerName, "realtime_start")
	}

	sess.startStreaming(realtime, providerName)

	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()

	if realtime {
		sess.tasks.Add(1)
		go m.pumpRealtime(sess, handle)
	}

	m.metrics.RecordSessionStart(ctx, realtime)
	m.logger.Info("session connected",
		"session_id", sessionID, "realtime", realtime, "provider", providerName)

	m.deliver(sess, EventConnectionEstablished, connectionData{
		SessionID: sessionID,
		AudioConfig: map[string]any{
			"sample_rate": m.cfg.SampleRate,
			"chunk_ms":    m.cfg.ChunkMS,
		},
		STTConfig: map[string]any{
			"provider":         providerName,
			"realtime_enabled": realtime,
		},
		Threshold: m.cfg.RiskThreshold,
	})

	return sess, nil
}

// Get returns the live session for id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// Sessions returns snapshots of all live sessions.
func (m *Manager) Sessions() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

// HandleAudio ingests one binary audio frame. It returns [ErrSessionLocked]
// after emitting the session_locked event when the crisis lock has been
// observed; the caller must then close the transport.
func (m *Manager) HandleAudio(sessionID string, chunk []byte) error {
	sess, ok := m.Get(sessionID)
	if !ok {
		return ErrUnknownSession
	}

	if sess.Locked() {
		m.deliver(sess, EventSessionLocked, map[string]any{
			"reason": "Crisis intervention required",
		})
		m.logger.Warn("session locked, refusing audio", "session_id", sessionID)
		return ErrSessionLocked
	}

	sess.touch(true)
	m.metrics.AudioChunks.Add(sess.ctx, 1)

	stats := sess.Buffer.AddChunk(chunk)

	if sess.Realtime() {
		if h := sess.realtimeHandle(); h != nil {
			if err := h.SendAudio(chunk); err != nil {
				// Channel is gone; the pump goroutine reports the error.
				// From here the session continues on the batch path.
				m.logger.Warn("realtime send failed",
					"session_id", sessionID, "error", err)
				sess.realtimeLost()
			}
		}
	}

	m.deliver(sess, EventAudioReceived, map[string]any{
		"chunk_number":        stats.ChunkNumber,
		"duration_seconds":    stats.DurationSeconds,
		"total_samples":       stats.TotalSamples,
		"realtime_processing": sess.Realtime(),
	})

	if !sess.Realtime() && stats.ChunkNumber%m.cfg.BatchEvery == 0 {
		sess.tasks.Add(1)
		go m.batchTranscribe(sess)
	}

	return nil
}

// controlMessage is the inbound control frame shape.
type controlMessage struct {
	Command string `json:"command"`
}

// HandleControl processes one inbound text frame. Malformed messages are
// reported back as error events and leave the session open. Returns
// [ErrSessionLocked] when the lock has been observed.
func (m *Manager) HandleControl(sessionID string, raw []byte) error {
	sess, ok := m.Get(sessionID)
	if !ok {
		return ErrUnknownSession
	}

	if sess.Locked() {
		m.deliver(sess, EventSessionLocked, map[string]any{
			"reason": "Crisis intervention required",
		})
		return ErrSessionLocked
	}

	sess.touch(false)

	var msg controlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		m.deliver(sess, EventError, errorData{Message: "Invalid control message format"})
		return nil
	}

	switch msg.Command {
	case "get_session_summary":
		m.deliver(sess, EventSessionSummary, sess.Summary())

	case "reset_session":
		sess.reset()
		m.deliver(sess, EventSessionReset, map[string]any{
			"message": "Session reset successfully",
		})

	case "ping":
		m.deliver(sess, EventPong, map[string]any{})

	case "get_status":
		m.deliver(sess, EventStatusUpdate, m.statusData(sess))

	default:
		m.deliver(sess, EventError, errorData{
			Message: fmt.Sprintf("Unknown command: %s", msg.Command),
		})
	}

	return nil
}

// statusData assembles the status_update payload.
func (m *Manager) statusData(sess *Session) map[string]any {
	return map[string]any{
		"session":        sess.Snapshot(),
		"stt_provider":   m.stt.Name(),
		"stt_available":  m.stt.Available(),
		"active_streams": m.stt.ActiveStreams(),
		"risk_threshold": m.cfg.RiskThreshold,
	}
}

// Disconnect tears the session down. Safe to call multiple times and from
// concurrent paths; the teardown body runs exactly once.
func (m *Manager) Disconnect(sessionID string) {
	if sess := m.remove(sessionID); sess != nil {
		m.teardown(sess)
	}
}

// Close tears down every live session. Called on process shutdown.
func (m *Manager) Close() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range all {
		m.teardown(s)
	}
	m.cancel()
}

// remove detaches a session from the registry without tearing it down.
func (m *Manager) remove(sessionID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	return s
}

// teardown releases everything a session owns: the realtime channel, the
// audio buffer, and all in-flight background tasks. Runs exactly once per
// session regardless of how many paths trigger it.
func (m *Manager) teardown(sess *Session) {
	sess.closeOnce.Do(func() {
		sess.markClosed()
		sess.cancel()

		if h := sess.realtimeHandle(); h != nil {
			if err := h.Close(); err != nil {
				m.logger.Debug("realtime close", "session_id", sess.ID, "error", err)
			}
		}

		// Background tasks observe the cancelled context and exit.
		sess.tasks.Wait()

		sess.Buffer.Clear()
		m.metrics.RecordSessionEnd(context.Background())

		if m.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := m.store.SaveSessionSummary(ctx, sess.Summary()); err != nil {
				m.logger.Error("persist session summary",
					"session_id", sess.ID, "error", err)
			}
		}

		m.logger.Info("session torn down", "session_id", sess.ID)
	})
}

// pumpRealtime forwards transcript events from the realtime channel into
// the session until the channel dies or the session is torn down. It owns
// the exactly-once error surfacing for its channel: a dead channel flips
// the session to batch mode, it never reconnects on its own.
func (m *Manager) pumpRealtime(sess *Session, handle stt.RealtimeHandle) {
	defer sess.tasks.Done()

	partials := handle.Partials()
	finals := handle.Finals()

	for {
		select {
		case <-sess.ctx.Done():
			return

		case tr, ok := <-partials:
			if !ok {
				partials = nil
				continue
			}
			m.deliver(sess, EventTranscription, partialData(tr))

		case tr, ok := <-finals:
			if !ok {
				finals = nil
				continue
			}
			m.onFinalTranscript(sess, tr, true)

		case <-handle.Done():
			// Drain any finals buffered before the close.
			if finals != nil {
				for tr := range finals {
					m.onFinalTranscript(sess, tr, true)
				}
			}
			sess.realtimeLost()
			if err := handle.Err(); err != nil {
				m.logger.Warn("realtime channel failed, degrading to batch",
					"session_id", sess.ID, "error", err)
				m.metrics.RecordProviderError(sess.ctx, m.stt.Name(), "realtime_stream")
				m.deliver(sess, EventTranscriptionError, errorData{
					Message: "Realtime transcription interrupted, continuing in batch mode",
				})
			}
			return
		}
	}
}

// partialData builds the transcription payload for interim results.
// Partials only ever come from the realtime path and are never stored.
func partialData(tr stt.Transcript) map[string]any {
	return map[string]any{
		"text":       tr.Text,
		"confidence": tr.Confidence,
		"is_final":   false,
		"word_count": tr.WordCount(),
		"timestamp":  time.Now().UTC(),
		"provider":   tr.Provider,
		"realtime":   true,
	}
}

// onFinalTranscript appends a durable transcript, notifies the client and
// schedules the risk evaluation. Ingestion never blocks on risk scoring.
func (m *Manager) onFinalTranscript(sess *Session, tr stt.Transcript, realtime bool) {
	if sess.State() == StateLocked || sess.State() == StateClosed {
		return
	}

	rec := TranscriptRecord{
		Text:       tr.Text,
		Confidence: tr.Confidence,
		Timestamp:  time.Now().UTC(),
		Duration:   tr.Duration.Seconds(),
		WordCount:  tr.WordCount(),
		Provider:   tr.Provider,
		Realtime:   realtime,
	}
	sess.appendTranscript(rec)
	m.metrics.RecordTranscript(sess.ctx, tr.Provider, realtime)

	m.deliver(sess, EventTranscription, map[string]any{
		"text":       rec.Text,
		"confidence": rec.Confidence,
		"is_final":   true,
		"word_count": rec.WordCount,
		"timestamp":  rec.Timestamp,
		"provider":   rec.Provider,
		"realtime":   realtime,
	})

	if m.store != nil {
		sess.tasks.Add(1)
		go func() {
			defer sess.tasks.Done()
			if err := m.store.SaveTranscript(sess.ctx, sess.ID, rec); err != nil {
				m.logger.Error("persist transcript", "session_id", sess.ID, "error", err)
			}
		}()
	}

	sess.tasks.Add(1)
	go m.assessRisk(sess, rec.Text)
}

// assessRisk runs one guardrail evaluation as a tracked background task.
// Results arriving after teardown are discarded.
func (m *Manager) assessRisk(sess *Session, text string) {
	defer sess.tasks.Done()

	ctx, span := observe.StartSpan(sess.ctx, "risk.assess",
		trace.WithAttributes(attribute.String("session_id", sess.ID)))
	defer span.End()

	start := time.Now()
	a := m.guardrail.Assess(ctx, text)
	if sess.ctx.Err() != nil {
		return
	}
	span.SetAttributes(
		attribute.Float64("risk_score", a.Score),
		attribute.String("risk_level", string(a.Level)),
		attribute.String("source", string(a.Source)),
	)
	m.metrics.RecordAssessment(sess.ctx, string(a.Level), string(a.Source), time.Since(start))

	sess.observeRisk(a)

	analyzed := text
	if len(analyzed) > 100 {
		analyzed = analyzed[:100] + "..."
	}
	m.deliver(sess, EventRiskAssessment, map[string]any{
		"risk_score":          a.Score,
		"risk_level":          a.Level,
		"explanation":         a.Explanation,
		"recommendations":     a.Recommendations,
		"transcript_analyzed": analyzed,
	})

	switch {
	case a.Score >= m.cfg.RiskThreshold:
		if sess.lock() {
			m.metrics.CrisisLocks.Add(sess.ctx, 1)
			m.logger.Warn("crisis detected, locking session",
				"session_id", sess.ID, "risk_score", a.Score, "risk_level", a.Level)
			m.deliver(sess, EventCrisisDetected, map[string]any{
				"risk_score":                a.Score,
				"risk_level":                a.Level,
				"explanation":               a.Explanation,
				"immediate_action_required": true,
				"session_locked":            true,
				"emergency_contacts":        "Contact emergency services if needed",
			})
		}

	case a.Level == risk.LevelMedium:
		m.deliver(sess, EventRiskWarning, map[string]any{
			"risk_score":      a.Score,
			"risk_level":      a.Level,
			"explanation":     a.Explanation,
			"recommendations": a.Recommendations,
		})
	}
}

// batchTranscribe extracts the recent audio window, materializes it as a
// scratch WAV file and runs the batch STT path. A failed window is logged
// and skipped: the next window retries naturally.
func (m *Manager) batchTranscribe(sess *Session) {
	defer sess.tasks.Done()

	window := sess.Buffer.ExtractWindow(m.cfg.WindowChunks)
	if len(window) == 0 {
		return
	}

	ctx, span := observe.StartSpan(sess.ctx, "transcribe.batch",
		trace.WithAttributes(
			attribute.String("session_id", sess.ID),
			attribute.String("provider", m.stt.Name()),
		))
	defer span.End()

	path, err := audio.WriteTempWAV(m.cfg.TempDir, window, m.cfg.SampleRate, 1)
	if err != nil {
		m.logger.Error("write batch window", "session_id", sess.ID, "error", err)
		m.deliver(sess, EventTranscriptionError, errorData{Message: "Transcription processing failed"})
		return
	}
	defer os.Remove(path)

	start := time.Now()
	tr, err := m.stt.TranscribeFile(ctx, path)
	m.metrics.BatchSTTDuration.Record(sess.ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("provider", m.stt.Name())))

	if err != nil {
		if sess.ctx.Err() != nil {
			return
		}
		span.RecordError(err)
		m.logger.Warn("batch transcription failed",
			"session_id", sess.ID, "error", err)
		m.metrics.RecordProviderError(sess.ctx, m.stt.Name(), "batch")
		m.deliver(sess, EventTranscriptionError, errorData{Message: "Transcription processing failed"})
		return
	}

	if !tr.HasSpeech() {
		return
	}

	m.onFinalTranscript(sess, tr, false)
}

// deliver sends one envelope on the session's serialized writer. A failed
// send means the transport is gone: the session is torn down.
func (m *Manager) deliver(sess *Session, t EventType, data any) {
	if err := sess.send(t, data); err != nil {
		if sess.ctx.Err() != nil {
			return
		}
		m.logger.Warn("outbound send failed, disconnecting",
			"session_id", sess.ID, "event", string(t), "error", err)
		go m.Disconnect(sess.ID)
	}
}
