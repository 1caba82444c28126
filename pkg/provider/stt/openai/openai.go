// Package openai provides a batch-only STT provider backed by the OpenAI
// audio transcription API (whisper-1 / gpt-4o-transcribe). It has no
// streaming capability; StartRealtime returns stt.ErrRealtimeUnsupported and
// the session manager uses the provider for periodic batch fallback only.
package openai

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/clearpath-health/vigil/pkg/provider/stt"
)

const defaultModel = oai.AudioModelWhisper1

// Option is a functional option for Provider.
type Option func(*config)

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	model   string
	timeout time.Duration
}

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithModel selects the transcription model (e.g., "whisper-1",
// "gpt-4o-transcribe").
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// Provider implements the batch side of stt.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

// Compile-time interface assertion.
var _ stt.Provider = (*Provider)(nil)

// New constructs a new OpenAI transcription Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai stt: apiKey must not be empty")
	}

	cfg := &config{model: string(defaultModel)}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithRequestTimeout(cfg.timeout))
	}

	return &Provider{
		client: oai.NewClient(reqOpts...),
		model:  cfg.model,
	}, nil
}

// Name implements stt.Provider.
func (p *Provider) Name() string { return "openai" }

// Available reports whether the provider was constructed with credentials.
// Construction requires a key, so this is always true for a live Provider.
func (p *Provider) Available() bool { return p.model != "" }

// StartRealtime always fails: the transcription API is request/response only.
func (p *Provider) StartRealtime(_ context.Context, _ string, _ stt.StreamConfig) (stt.RealtimeHandle, error) {
	return nil, fmt.Errorf("openai stt: %w", stt.ErrRealtimeUnsupported)
}

// ActiveStreams implements stt.Provider. Always zero for a batch-only provider.
func (p *Provider) ActiveStreams() int { return 0 }

// TranscribeFile uploads the audio file to the transcription endpoint.
func (p *Provider) TranscribeFile(ctx context.Context, path string) (stt.Transcript, error) {
	f, err := os.Open(path)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("openai stt: open audio file: %w", err)
	}
	defer f.Close()

	resp, err := p.client.Audio.Transcriptions.New(ctx, oai.AudioTranscriptionNewParams{
		File:  f,
		Model: oai.AudioModel(p.model),
	})
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("openai stt: transcribe: %w", err)
	}

	return stt.Transcript{
		Text:      resp.Text,
		IsFinal:   true,
		Provider:  "openai",
		Timestamp: time.Now().UTC(),
	}, nil
}
