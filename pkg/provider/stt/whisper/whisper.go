// Package whisper provides a local whisper.cpp-backed STT provider using the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a) and
// headers (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH environment variables.
//
// whisper.cpp is a batch (non-streaming) engine, so the provider implements
// only the TranscribeFile side of the port; StartRealtime returns
// stt.ErrRealtimeUnsupported and the session manager degrades to periodic
// batch transcription of the recent audio window.
//
// The model is loaded once at construction and shared across all concurrent
// calls; each inference creates its own whisper context, which is the
// binding's unit of thread confinement.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/clearpath-health/vigil/pkg/audio"
	"github.com/clearpath-health/vigil/pkg/provider/stt"
)

const (
	defaultLanguage   = "en"
	defaultSampleRate = 16000
)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithLanguage sets the BCP-47 language code for transcription (e.g., "en").
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithSampleRate sets the expected sample rate in Hz of submitted audio.
// Defaults to 16000, which is what whisper.cpp is trained on.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// Provider implements the batch side of stt.Provider using whisper.cpp.
type Provider struct {
	model      whisperlib.Model
	language   string
	sampleRate int
}

// Compile-time interface assertion.
var _ stt.Provider = (*Provider)(nil)

// New creates a Provider that loads the whisper.cpp model from the given
// file path. The caller must call Close when the provider is no longer needed.
func New(modelPath string, opts ...Option) (*Provider, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	p := &Provider{
		model:      model,
		language:   defaultLanguage,
		sampleRate: defaultSampleRate,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Close releases the whisper model.
func (p *Provider) Close() error {
	if p.model != nil {
		return p.model.Close()
	}
	return nil
}

// Name implements stt.Provider.
func (p *Provider) Name() string { return "whisper" }

// Available reports whether the model loaded successfully.
func (p *Provider) Available() bool { return p.model != nil }

// StartRealtime always fails: whisper.cpp cannot stream.
func (p *Provider) StartRealtime(_ context.Context, _ string, _ stt.StreamConfig) (stt.RealtimeHandle, error) {
	return nil, fmt.Errorf("whisper: %w", stt.ErrRealtimeUnsupported)
}

// ActiveStreams implements stt.Provider. Always zero for a batch-only provider.
func (p *Provider) ActiveStreams() int { return 0 }

// TranscribeFile decodes the WAV file at path and runs whisper.cpp inference
// on its samples. The context is checked before the (CPU-bound,
// uncancellable) inference begins.
func (p *Provider) TranscribeFile(ctx context.Context, path string) (stt.Transcript, error) {
	if !p.Available() {
		return stt.Transcript{}, fmt.Errorf("whisper: %w", stt.ErrUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: %w", err)
	}

	f, err := os.Open(path)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: open audio file: %w", err)
	}
	pcm, sampleRate, _, err := audio.DecodeWAV(f)
	f.Close()
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: decode audio file: %w", err)
	}

	text, err := p.infer(audio.PCMToFloat32(pcm))
	if err != nil {
		return stt.Transcript{}, err
	}

	t := stt.Transcript{
		Text:      text,
		IsFinal:   true,
		Duration:  audio.Duration(pcm, sampleRate),
		Provider:  "whisper",
		Timestamp: time.Now().UTC(),
	}
	// whisper.cpp reports no confidence; use the same length heuristic the
	// original service applied.
	if t.HasSpeech() {
		t.Confidence = 0.8
		if t.WordCount() < 3 {
			t.Confidence = 0.6
		}
	}
	return t, nil
}

// infer runs whisper.cpp inference on float32 mono samples using a fresh
// context and returns the concatenated segment text.
func (p *Provider) infer(samples []float32) (string, error) {
	wctx, err := p.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(p.language); err != nil {
		return "", fmt.Errorf("whisper: set language %q: %w", p.language, err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " "), nil
}
