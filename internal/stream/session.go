package stream

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/clearpath-health/vigil/internal/risk"
	"github.com/clearpath-health/vigil/pkg/provider/stt"
)

// State is the lifecycle state of a session.
type State int

const (
	// StateConnecting is the initial state while the realtime channel is
	// being negotiated.
	StateConnecting State = iota

	// StateStreaming is the normal operating state.
	StateStreaming

	// StateLocked is the terminal crisis state. A locked session accepts no
	// further audio and emits no further transcripts.
	StateLocked

	// StateClosed is the terminal state after teardown.
	StateClosed
)

// String returns the lowercase state name used on the wire.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateLocked:
		return "locked"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TranscriptRecord is one durable final transcript in the session log.
type TranscriptRecord struct {
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
	Duration   float64   `json:"duration"`
	WordCount  int       `json:"word_count"`
	Provider   string    `json:"provider"`
	Realtime   bool      `json:"realtime"`
}

// Snapshot is a point-in-time copy of a session's observable state. It is
// the status_update payload and part of the session summary.
type Snapshot struct {
	SessionID            string     `json:"session_id"`
	State                string     `json:"state"`
	ConnectedAt          time.Time  `json:"connected_at"`
	LastActivity         time.Time  `json:"last_activity"`
	ChunksReceived       int        `json:"chunks_received"`
	TranscriptsGenerated int        `json:"transcripts_generated"`
	HighestRiskScore     float64    `json:"highest_risk_score"`
	RiskLevel            risk.Level `json:"risk_level"`
	RealtimeEnabled      bool       `json:"realtime_enabled"`
	STTProvider          string     `json:"stt_provider"`
}

// Summary is the session_summary payload.
type Summary struct {
	SessionID       string   `json:"session_id"`
	TranscriptCount int      `json:"transcript_count"`
	FullTranscript  string   `json:"full_transcript"`
	SessionState    Snapshot `json:"session_state"`
}

// Session holds all per-session state. Exactly one Session exists per
// session id at any time; a reconnect with the same id starts fresh.
//
// The mu mutex guards the mutable fields; writeMu serializes outbound
// transport writes so concurrently completing background tasks never
// interleave. ctx is cancelled on teardown and bounds every background
// task spawned for this session.
type Session struct {
	ID     string
	Buffer *AudioBuffer

	ctx       context.Context
	cancel    context.CancelFunc
	tasks     sync.WaitGroup
	closeOnce sync.Once

	writeMu sync.Mutex
	sink    Sink

	mu                   sync.Mutex
	handle               stt.RealtimeHandle
	state                State
	connectedAt          time.Time
	lastActivity         time.Time
	chunksReceived       int
	transcriptsGenerated int
	highestRiskScore     float64
	riskLevel            risk.Level
	realtimeEnabled      bool
	sttProvider          string
	transcripts          []TranscriptRecord
}

func newSession(parent context.Context, id string, buffer *AudioBuffer, sink Sink) *Session {
	ctx, cancel := context.WithCancel(parent)
	now := time.Now().UTC()
	return &Session{
		ID:           id,
		Buffer:       buffer,
		ctx:          ctx,
		cancel:       cancel,
		sink:         sink,
		state:        StateConnecting,
		connectedAt:  now,
		lastActivity: now,
		riskLevel:    risk.LevelLow,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Locked reports whether the session is in the terminal crisis state.
func (s *Session) Locked() bool {
	return s.State() == StateLocked
}

// lock transitions the session to Locked. It reports whether this call
// performed the transition; Locked and Closed are terminal.
func (s *Session) lock() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateLocked || s.state == StateClosed {
		return false
	}
	s.state = StateLocked
	return true
}

// markClosed transitions to Closed. A Locked session stays Locked so the
// terminal crisis state remains visible in the final summary.
func (s *Session) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateLocked {
		s.state = StateClosed
	}
}

// startStreaming moves Connecting → Streaming and records whether a
// realtime channel was established.
func (s *Session) startStreaming(realtime bool, provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnecting {
		s.state = StateStreaming
	}
	s.realtimeEnabled = realtime
	s.sttProvider = provider
}

// setHandle stores the active realtime channel.
func (s *Session) setHandle(h stt.RealtimeHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handle = h
}

// realtimeHandle returns the active realtime channel, or nil.
func (s *Session) realtimeHandle() stt.RealtimeHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// realtimeLost flips the session to batch mode after its realtime channel
// dies. The session itself stays in Streaming.
func (s *Session) realtimeLost() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.realtimeEnabled = false
}

// Realtime reports whether a live streaming channel is active.
func (s *Session) Realtime() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.realtimeEnabled
}

// touch updates the activity timestamp and chunk counter.
func (s *Session) touch(chunkReceived bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now().UTC()
	if chunkReceived {
		s.chunksReceived++
	}
}

// appendTranscript records a final transcript in the durable log.
func (s *Session) appendTranscript(rec TranscriptRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts = append(s.transcripts, rec)
	s.transcriptsGenerated++
}

// observeRisk folds a new assessment score into the running maximum.
// The score and level never decrease over the session's lifetime.
func (s *Session) observeRisk(a risk.Assessment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.Score > s.highestRiskScore {
		s.highestRiskScore = a.Score
		s.riskLevel = a.Level
	}
}

// reset clears the transcript log and risk counters. It deliberately does
// NOT unlock a Locked session: the crisis lock is sticky until disconnect.
func (s *Session) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcripts = nil
	s.transcriptsGenerated = 0
	s.highestRiskScore = 0
	s.riskLevel = risk.LevelLow
}

// Snapshot returns a copy of the session's observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SessionID:            s.ID,
		State:                s.state.String(),
		ConnectedAt:          s.connectedAt,
		LastActivity:         s.lastActivity,
		ChunksReceived:       s.chunksReceived,
		TranscriptsGenerated: s.transcriptsGenerated,
		HighestRiskScore:     s.highestRiskScore,
		RiskLevel:            s.riskLevel,
		RealtimeEnabled:      s.realtimeEnabled,
		STTProvider:          s.sttProvider,
	}
}

// Summary assembles the session_summary payload.
func (s *Session) Summary() Summary {
	s.mu.Lock()
	texts := make([]string, len(s.transcripts))
	for i, t := range s.transcripts {
		texts[i] = t.Text
	}
	count := len(s.transcripts)
	s.mu.Unlock()

	return Summary{
		SessionID:       s.ID,
		TranscriptCount: count,
		FullTranscript:  strings.Join(texts, " "),
		SessionState:    s.Snapshot(),
	}
}

// Transcripts returns a copy of the durable transcript log.
func (s *Session) Transcripts() []TranscriptRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TranscriptRecord, len(s.transcripts))
	copy(out, s.transcripts)
	return out
}

// send serializes one envelope to the session's transport. Writes are
// exclusive per session so background tasks never interleave.
func (s *Session) send(t EventType, data any) error {
	env := NewEnvelope(t, s.ID, data)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.sink.Send(s.ctx, env)
}
