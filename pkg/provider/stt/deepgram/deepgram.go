// Package deepgram provides a Deepgram-backed STT provider using the
// streaming WebSocket API for realtime transcription and the pre-recorded
// REST endpoint for batch file transcription. It implements the stt.Provider
// interface.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/clearpath-health/vigil/pkg/provider/stt"
)

const (
	defaultStreamEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultAPIEndpoint    = "https://api.deepgram.com"

	defaultModel      = "nova-2"
	defaultLanguage   = "en-US"
	defaultSampleRate = 16000

	handshakeTimeout = 1500 * time.Millisecond
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-2", "base").
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the BCP-47 language code for recognition.
func WithLanguage(language string) Option {
	return func(p *Provider) { p.language = language }
}

// WithSampleRate sets the default audio sample rate in Hz.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithMaxStreams sets the concurrent realtime stream ceiling. Defaults to 4.
func WithMaxStreams(max int64) Option {
	return func(p *Provider) { p.limiter = stt.NewLimiter(max) }
}

// WithStreamEndpoint overrides the streaming WebSocket endpoint. Used in tests.
func WithStreamEndpoint(endpoint string) Option {
	return func(p *Provider) { p.streamEndpoint = endpoint }
}

// WithAPIEndpoint overrides the REST API base URL. Used in tests.
func WithAPIEndpoint(endpoint string) Option {
	return func(p *Provider) { p.apiEndpoint = endpoint }
}

// Provider implements stt.Provider backed by the Deepgram API.
type Provider struct {
	apiKey         string
	model          string
	language       string
	sampleRate     int
	streamEndpoint string
	apiEndpoint    string
	limiter        *stt.Limiter
	httpClient     *http.Client
}

// Compile-time interface assertion.
var _ stt.Provider = (*Provider)(nil)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:         apiKey,
		model:          defaultModel,
		language:       defaultLanguage,
		sampleRate:     defaultSampleRate,
		streamEndpoint: defaultStreamEndpoint,
		apiEndpoint:    defaultAPIEndpoint,
		limiter:        stt.NewLimiter(4),
		httpClient:     &http.Client{Timeout: 60 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements stt.Provider.
func (p *Provider) Name() string { return "deepgram" }

// Available reports whether an API key is configured.
func (p *Provider) Available() bool { return p.apiKey != "" }

// ActiveStreams implements stt.Provider.
func (p *Provider) ActiveStreams() int { return p.limiter.Active() }

// StartRealtime opens a streaming transcription channel with Deepgram.
// Deepgram has no explicit handshake acknowledgment frame; a completed
// WebSocket upgrade within the bounded timeout is treated as the ack.
func (p *Provider) StartRealtime(ctx context.Context, sessionID string, cfg stt.StreamConfig) (stt.RealtimeHandle, error) {
	if !p.Available() {
		return nil, fmt.Errorf("deepgram: %w", stt.ErrUnavailable)
	}

	release, err := p.limiter.Acquire()
	if err != nil {
		return nil, fmt.Errorf("deepgram: %w", err)
	}

	wsURL, err := p.buildStreamURL(cfg)
	if err != nil {
		release()
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(dialCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		release()
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &realtimeSession{
		conn:     conn,
		ctx:      sessCtx,
		cancel:   sessCancel,
		partials: make(chan stt.Transcript, 64),
		finals:   make(chan stt.Transcript, 64),
		audio:    make(chan []byte, 256),
		done:     make(chan struct{}),
		release:  release,
	}
	sess.wg.Add(2)
	go sess.readLoop()
	go sess.writeLoop()
	return sess, nil
}

// buildStreamURL constructs the streaming endpoint URL for the given config.
func (p *Provider) buildStreamURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.streamEndpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = p.sampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("encoding", "linear16")
	q.Set("punctuate", "true")
	q.Set("interim_results", "true")
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- realtime session ----

// streamResponse is the JSON structure of a Deepgram Results frame.
type streamResponse struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// realtimeSession is a live Deepgram streaming channel. It implements
// stt.RealtimeHandle.
type realtimeSession struct {
	conn     *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	partials chan stt.Transcript
	finals   chan stt.Transcript
	audio    chan []byte

	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	release func()

	errMu sync.Mutex
	err   error
}

// SendAudio queues a PCM chunk for delivery to Deepgram.
func (s *realtimeSession) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

func (s *realtimeSession) Partials() <-chan stt.Transcript { return s.partials }
func (s *realtimeSession) Finals() <-chan stt.Transcript   { return s.finals }
func (s *realtimeSession) Done() <-chan struct{}           { return s.done }

func (s *realtimeSession) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *realtimeSession) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// Close terminates the channel cleanly. Idempotent.
func (s *realtimeSession) Close() error {
	s.terminate(nil)
	return nil
}

func (s *realtimeSession) terminate(cause error) {
	s.once.Do(func() {
		if cause != nil {
			s.setErr(cause)
		}
		close(s.done)
		// Tell Deepgram to flush pending audio and end the stream.
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.cancel()
		s.wg.Wait()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		if s.release != nil {
			s.release()
		}
	})
}

// writeLoop forwards queued audio chunks as binary frames.
func (s *realtimeSession) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(s.ctx, websocket.MessageBinary, chunk); err != nil {
				go s.terminate(fmt.Errorf("deepgram: write audio: %w", err))
				return
			}
		case <-s.done:
			return
		}
	}
}

// readLoop receives Results frames and dispatches normalized transcripts.
func (s *realtimeSession) readLoop() {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			select {
			case <-s.done:
			default:
				go s.terminate(fmt.Errorf("deepgram: stream read: %w", err))
			}
			return
		}

		t, ok := parseStreamResponse(msg)
		if !ok {
			continue
		}
		ch := s.partials
		if t.IsFinal {
			ch = s.finals
		}
		select {
		case ch <- t:
		case <-s.done:
		}
	}
}

// parseStreamResponse parses a raw Deepgram frame into a Transcript.
// Returns (zero, false) for frames that should be ignored.
func parseStreamResponse(data []byte) (stt.Transcript, bool) {
	var resp streamResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return stt.Transcript{}, false
	}
	if resp.Type != "Results" || len(resp.Channel.Alternatives) == 0 {
		return stt.Transcript{}, false
	}
	alt := resp.Channel.Alternatives[0]
	if alt.Transcript == "" {
		return stt.Transcript{}, false
	}
	return stt.Transcript{
		Text:       alt.Transcript,
		IsFinal:    resp.IsFinal,
		Confidence: alt.Confidence,
		Start:      time.Duration(resp.Start * float64(time.Second)),
		Duration:   time.Duration(resp.Duration * float64(time.Second)),
		Provider:   "deepgram",
		Timestamp:  time.Now().UTC(),
	}, true
}

// ---- batch transcription ----

// prerecordedResponse is the subset of the pre-recorded API response we use.
type prerecordedResponse struct {
	Metadata struct {
		Duration float64 `json:"duration"`
	} `json:"metadata"`
	Results struct {
		Channels []struct {
			Alternatives []struct {
				Transcript string  `json:"transcript"`
				Confidence float64 `json:"confidence"`
			} `json:"alternatives"`
		} `json:"channels"`
	} `json:"results"`
}

// TranscribeFile submits the audio file to the pre-recorded endpoint.
func (p *Provider) TranscribeFile(ctx context.Context, path string) (stt.Transcript, error) {
	if !p.Available() {
		return stt.Transcript{}, fmt.Errorf("deepgram: %w", stt.ErrUnavailable)
	}

	f, err := os.Open(path)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: open audio file: %w", err)
	}
	defer f.Close()

	q := url.Values{}
	q.Set("model", p.model)
	q.Set("language", p.language)
	q.Set("punctuate", "true")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiEndpoint+"/v1/listen?"+q.Encode(), f)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+p.apiKey)
	req.Header.Set("Content-Type", "audio/wav")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: transcribe file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return stt.Transcript{}, fmt.Errorf("deepgram: transcribe file: status %d: %s", resp.StatusCode, body)
	}

	var pr prerecordedResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return stt.Transcript{}, fmt.Errorf("deepgram: decode response: %w", err)
	}
	if len(pr.Results.Channels) == 0 || len(pr.Results.Channels[0].Alternatives) == 0 {
		return stt.Transcript{}, errors.New("deepgram: empty transcription result")
	}

	alt := pr.Results.Channels[0].Alternatives[0]
	return stt.Transcript{
		Text:       alt.Transcript,
		IsFinal:    true,
		Confidence: alt.Confidence,
		Duration:   time.Duration(pr.Metadata.Duration * float64(time.Second)),
		Provider:   "deepgram",
		Timestamp:  time.Now().UTC(),
	}, nil
}
