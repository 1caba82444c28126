// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g., AssemblyAI, Deepgram,
// OpenAI, or a local whisper.cpp model) and exposes two capabilities behind a
// uniform interface: a persistent realtime streaming channel that emits
// partial and final transcripts as audio arrives, and a batch path that
// transcribes a complete audio file. Providers that cannot stream (whisper,
// OpenAI) return [ErrRealtimeUnsupported] from StartRealtime and are used by
// the session manager in batch-fallback mode only.
//
// Implementations must be safe for concurrent use. Multiple realtime channels
// may be open simultaneously, one per client session, subject to the
// provider's admission ceiling (see [Limiter]).
package stt

import (
	"context"
	"errors"
)

// Sentinel errors shared by all provider implementations.
var (
	// ErrCapacity is returned by StartRealtime when the provider's
	// concurrent-stream ceiling has been reached. Callers must reject the
	// session explicitly rather than queueing behind it.
	ErrCapacity = errors.New("stt: realtime stream capacity exceeded")

	// ErrRealtimeUnsupported is returned by batch-only providers.
	ErrRealtimeUnsupported = errors.New("stt: realtime streaming not supported")

	// ErrSessionClosed is returned by SendAudio once the realtime channel has
	// terminated. Callers must not retry; the channel does not reopen.
	ErrSessionClosed = errors.New("stt: realtime session is closed")

	// ErrUnavailable is returned when the provider is not configured
	// (missing credentials or model) and cannot serve any request.
	ErrUnavailable = errors.New("stt: provider not available")
)

// StreamConfig describes the audio format for a new realtime channel.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The default is 16000,
	// 16-bit signed mono PCM.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// STT providers).
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en").
	// An empty string lets the provider pick its default.
	Language string

	// FormatTurns requests punctuated, formatted final transcripts from
	// providers that distinguish formatted turns (AssemblyAI v3).
	FormatTurns bool
}

// RealtimeHandle represents an open realtime transcription channel. It is an
// interface so that test code can provide mock implementations without a live
// provider connection.
//
// A handle is live from the moment StartRealtime returns: the provider's
// handshake acknowledgment has already been received. Callers must call Close
// when the session ends; Close is idempotent and never fails on an
// already-closed channel.
type RealtimeHandle interface {
	// SendAudio delivers a chunk of raw PCM audio to the provider. It returns
	// ErrSessionClosed once the channel has terminated for any reason; the
	// caller must treat that as "no realtime capability" and stop sending.
	SendAudio(chunk []byte) error

	// Partials emits low-latency interim transcripts. Suitable for UI
	// feedback only; never written to the session log. Closed when the
	// channel ends.
	Partials() <-chan Transcript

	// Finals emits authoritative transcripts that belong in the session log
	// and feed risk evaluation. Closed when the channel ends.
	Finals() <-chan Transcript

	// Done is closed when the channel has terminated, gracefully or not.
	Done() <-chan struct{}

	// Err reports why the channel terminated. It is valid only after Done is
	// closed and returns nil for a graceful termination (client Close or
	// provider Termination message). It reports the same error on every call.
	Err() error

	// Close sends a graceful termination signal if the channel is still open
	// and releases all resources. Safe to call multiple times.
	Close() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// Name identifies the provider in logs, metrics, and transcript records
	// (e.g., "assemblyai", "whisper").
	Name() string

	// Available reports whether the provider is configured (credentials or
	// model present) and passes a cheap local check. It does not guarantee
	// network reachability.
	Available() bool

	// StartRealtime opens a persistent streaming channel for the given
	// session. A successful return means the connection is open AND the
	// provider's handshake acknowledgment was received within the bounded
	// timeout. On any handshake failure it returns an error and leaves no
	// resources behind; the caller falls back to batch mode for the session.
	//
	// Returns ErrCapacity when the provider's stream ceiling is reached and
	// ErrRealtimeUnsupported for batch-only providers.
	StartRealtime(ctx context.Context, sessionID string, cfg StreamConfig) (RealtimeHandle, error)

	// TranscribeFile submits a complete audio file for batch transcription.
	// May block on network; callers run it off the hot path. Provider errors
	// are returned as wrapped errors, never panics.
	TranscribeFile(ctx context.Context, path string) (Transcript, error)

	// ActiveStreams reports the number of currently open realtime channels.
	ActiveStreams() int
}
