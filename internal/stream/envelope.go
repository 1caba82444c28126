package stream

import (
	"encoding/json"
	"time"
)

// EventType names an outbound envelope event.
type EventType string

// The full outbound event vocabulary.
const (
	EventConnectionEstablished EventType = "connection_established"
	EventAudioReceived         EventType = "audio_received"
	EventTranscription         EventType = "transcription"
	EventRiskAssessment        EventType = "risk_assessment"
	EventRiskWarning           EventType = "risk_warning"
	EventCrisisDetected        EventType = "crisis_detected"
	EventSessionLocked         EventType = "session_locked"
	EventSessionSummary        EventType = "session_summary"
	EventSessionReset          EventType = "session_reset"
	EventStatusUpdate          EventType = "status_update"
	EventPong                  EventType = "pong"
	EventError                 EventType = "error"
	EventTranscriptionError    EventType = "transcription_error"
)

// Envelope is the typed wrapper around every outbound message. Data holds
// the event-specific payload.
type Envelope struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEnvelope builds an envelope stamped with the current UTC time.
func NewEnvelope(t EventType, sessionID string, data any) Envelope {
	return Envelope{
		Type:      t,
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Marshal renders the envelope as JSON.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// errorData is the payload for error and transcription_error events.
type errorData struct {
	Message string `json:"message"`
}
