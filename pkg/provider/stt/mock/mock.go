// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts realtime channels with the
// expected config and to script batch transcription results. Use Handle to
// feed controlled Transcript values and inspect which audio chunks were
// delivered.
//
// Example:
//
//	h := mock.NewHandle()
//	p := &mock.Provider{Handle: h}
//	handle, _ := p.StartRealtime(ctx, "sess-1", cfg)
//	h.FinalsCh <- stt.Transcript{Text: "hello", IsFinal: true}
package mock

import (
	"context"
	"sync"

	"github.com/clearpath-health/vigil/pkg/provider/stt"
)

// StartRealtimeCall records a single invocation of Provider.StartRealtime.
type StartRealtimeCall struct {
	SessionID string
	Cfg       stt.StreamConfig
}

// TranscribeFileCall records a single invocation of Provider.TranscribeFile.
type TranscribeFileCall struct {
	Path string
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock" when empty.
	ProviderName string

	// Unavailable makes Available return false.
	Unavailable bool

	// Handle is the RealtimeHandle returned by StartRealtime. If nil,
	// StartRealtime returns a fresh Handle with buffered channels.
	Handle stt.RealtimeHandle

	// StartRealtimeErr, if non-nil, is returned as the error from StartRealtime.
	StartRealtimeErr error

	// BatchResult and BatchErr script the TranscribeFile return values.
	BatchResult stt.Transcript
	BatchErr    error

	// Streams is the value reported by ActiveStreams.
	Streams int

	// --- Call records ---

	StartRealtimeCalls []StartRealtimeCall
	TranscribeCalls    []TranscribeFileCall
}

// Compile-time interface assertion.
var _ stt.Provider = (*Provider)(nil)

// Name returns ProviderName or "mock".
func (p *Provider) Name() string {
	if p.ProviderName != "" {
		return p.ProviderName
	}
	return "mock"
}

// Available returns !Unavailable.
func (p *Provider) Available() bool { return !p.Unavailable }

// StartRealtime records the call and returns Handle, StartRealtimeErr.
func (p *Provider) StartRealtime(_ context.Context, sessionID string, cfg stt.StreamConfig) (stt.RealtimeHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartRealtimeCalls = append(p.StartRealtimeCalls, StartRealtimeCall{SessionID: sessionID, Cfg: cfg})
	if p.StartRealtimeErr != nil {
		return nil, p.StartRealtimeErr
	}
	if p.Handle != nil {
		return p.Handle, nil
	}
	return NewHandle(), nil
}

// TranscribeFile records the call and returns BatchResult, BatchErr.
func (p *Provider) TranscribeFile(_ context.Context, path string) (stt.Transcript, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeFileCall{Path: path})
	return p.BatchResult, p.BatchErr
}

// ActiveStreams returns Streams.
func (p *Provider) ActiveStreams() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Streams
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartRealtimeCalls = nil
	p.TranscribeCalls = nil
}

// SendAudioCall records a single invocation of Handle.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes passed to SendAudio.
	Chunk []byte
}

// Handle is a mock implementation of stt.RealtimeHandle. Tests send
// Transcript values on PartialsCh/FinalsCh and close the handle via
// Terminate to simulate a provider-side disconnect.
type Handle struct {
	mu sync.Mutex

	// PartialsCh and FinalsCh are the channels returned by Partials and
	// Finals. Tests own the sending side.
	PartialsCh chan stt.Transcript
	FinalsCh   chan stt.Transcript

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	done    chan struct{}
	doneErr error
	once    sync.Once
}

// Compile-time interface assertion.
var _ stt.RealtimeHandle = (*Handle)(nil)

// NewHandle returns a Handle with buffered transcript channels.
func NewHandle() *Handle {
	return &Handle{
		PartialsCh: make(chan stt.Transcript, 16),
		FinalsCh:   make(chan stt.Transcript, 16),
		done:       make(chan struct{}),
	}
}

// SendAudio records the call and returns SendAudioErr, or ErrSessionClosed
// after the handle has terminated.
func (h *Handle) SendAudio(chunk []byte) error {
	select {
	case <-h.done:
		return stt.ErrSessionClosed
	default:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c := make([]byte, len(chunk))
	copy(c, chunk)
	h.SendAudioCalls = append(h.SendAudioCalls, SendAudioCall{Chunk: c})
	return h.SendAudioErr
}

// Partials returns PartialsCh.
func (h *Handle) Partials() <-chan stt.Transcript { return h.PartialsCh }

// Finals returns FinalsCh.
func (h *Handle) Finals() <-chan stt.Transcript { return h.FinalsCh }

// Done returns the termination channel.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the error recorded by Terminate, nil after Close.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.doneErr
}

// Close terminates the handle gracefully and closes the transcript channels.
func (h *Handle) Close() error {
	h.mu.Lock()
	h.CloseCallCount++
	h.mu.Unlock()
	h.Terminate(nil)
	return nil
}

// Terminate simulates channel termination with the given cause (nil for
// graceful). It closes the transcript channels exactly once.
func (h *Handle) Terminate(cause error) {
	h.once.Do(func() {
		h.mu.Lock()
		h.doneErr = cause
		h.mu.Unlock()
		close(h.done)
		close(h.PartialsCh)
		close(h.FinalsCh)
	})
}
