package stt

import (
	"strings"
	"time"
)

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript. Only final transcripts are durable.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if
	// the provider does not report confidence.
	Confidence float64

	// Start marks when the utterance started, relative to session start.
	// Zero for providers that do not report realtime offsets.
	Start time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration

	// Provider names the backend that produced this transcript.
	Provider string

	// Timestamp records when the transcript was received.
	Timestamp time.Time
}

// HasSpeech reports whether the transcript contains any recognised speech.
func (t Transcript) HasSpeech() bool {
	return strings.TrimSpace(t.Text) != ""
}

// WordCount returns the number of whitespace-separated words in the text.
func (t Transcript) WordCount() int {
	return len(strings.Fields(t.Text))
}
