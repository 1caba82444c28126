// Package assemblyai provides an AssemblyAI-backed STT provider using the
// v3 streaming WebSocket API for realtime transcription and the v2 REST API
// for batch file transcription. It implements the stt.Provider interface.
//
// The v3 streaming endpoint sends its handshake acknowledgment ("Begin")
// within tens of milliseconds of a successful connect; StartRealtime waits
// for it with a bounded deadline and treats anything else as a failed start.
package assemblyai

import (
	"bytes"
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
	defaultStreamEndpoint = "wss://streaming.assemblyai.com/v3/ws"
	defaultAPIEndpoint    = "https://api.assemblyai.com"

	defaultSampleRate = 16000

	// handshakeTimeout bounds the wait for the Begin acknowledgment after the
	// WebSocket connect. The v3 endpoint answers in well under a second.
	handshakeTimeout = 1500 * time.Millisecond

	// pollInterval is the delay between batch transcription status checks.
	pollInterval = 5 * time.Second
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithSampleRate sets the default audio sample rate in Hz. Defaults to 16000.
func WithSampleRate(rate int) Option {
	return func(p *Provider) { p.sampleRate = rate }
}

// WithFormatTurns requests punctuated, formatted final turns. Defaults to true.
func WithFormatTurns(enabled bool) Option {
	return func(p *Provider) { p.formatTurns = enabled }
}

// WithStreamEndpoint overrides the streaming WebSocket endpoint. Used in tests.
func WithStreamEndpoint(endpoint string) Option {
	return func(p *Provider) { p.streamEndpoint = endpoint }
}

// WithAPIEndpoint overrides the REST API base URL. Used in tests.
func WithAPIEndpoint(endpoint string) Option {
	return func(p *Provider) { p.apiEndpoint = endpoint }
}

// WithMaxStreams sets the concurrent realtime stream ceiling. The free tier
// allows exactly one stream; paid plans allow more. Defaults to 1.
func WithMaxStreams(max int64) Option {
	return func(p *Provider) { p.limiter = stt.NewLimiter(max) }
}

// Provider implements stt.Provider backed by AssemblyAI.
type Provider struct {
	apiKey         string
	sampleRate     int
	formatTurns    bool
	streamEndpoint string
	apiEndpoint    string
	limiter        *stt.Limiter
	httpClient     *http.Client
}

// Compile-time interface assertion.
var _ stt.Provider = (*Provider)(nil)

// New creates a new AssemblyAI Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("assemblyai: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:         apiKey,
		sampleRate:     defaultSampleRate,
		formatTurns:    true,
		streamEndpoint: defaultStreamEndpoint,
		apiEndpoint:    defaultAPIEndpoint,
		limiter:        stt.NewLimiter(1),
		httpClient:     &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name implements stt.Provider.
func (p *Provider) Name() string { return "assemblyai" }

// Available reports whether an API key of plausible length is configured.
// It performs no network calls.
func (p *Provider) Available() bool { return len(p.apiKey) > 10 }

// ActiveStreams implements stt.Provider.
func (p *Provider) ActiveStreams() int { return p.limiter.Active() }

// StartRealtime opens a v3 streaming channel for the session. The returned
// handle is live: the Begin acknowledgment has been received. All failure
// paths release the admission slot and leave no resources behind.
func (p *Provider) StartRealtime(ctx context.Context, sessionID string, cfg stt.StreamConfig) (stt.RealtimeHandle, error) {
	if !p.Available() {
		return nil, fmt.Errorf("assemblyai: %w", stt.ErrUnavailable)
	}

	release, err := p.limiter.Acquire()
	if err != nil {
		return nil, fmt.Errorf("assemblyai: %w", err)
	}

	handle, err := p.dial(ctx, sessionID, cfg)
	if err != nil {
		release()
		return nil, err
	}
	handle.release = release
	handle.start()
	return handle, nil
}

// dial connects and completes the Begin handshake within handshakeTimeout.
func (p *Provider) dial(ctx context.Context, sessionID string, cfg stt.StreamConfig) (*realtimeSession, error) {
	sr := cfg.SampleRate
	if sr <= 0 {
		sr = p.sampleRate
	}

	q := url.Values{}
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("format_turns", strconv.FormatBool(cfg.FormatTurns || p.formatTurns))

	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	headers := http.Header{}
	headers.Set("Authorization", p.apiKey)

	conn, _, err := websocket.Dial(dialCtx, p.streamEndpoint+"?"+q.Encode(), &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("assemblyai: dial: %w", err)
	}

	// The first frame must be a Begin acknowledgment; anything else (or a
	// timeout) means the handshake failed and the channel must not be used.
	_, msg, err := conn.Read(dialCtx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "handshake failed")
		return nil, fmt.Errorf("assemblyai: handshake read: %w", err)
	}
	var begin wireMessage
	if err := json.Unmarshal(msg, &begin); err != nil || begin.Type != "Begin" {
		conn.Close(websocket.StatusNormalClosure, "handshake failed")
		if begin.Error != "" {
			return nil, fmt.Errorf("assemblyai: handshake rejected: %s", begin.Error)
		}
		return nil, fmt.Errorf("assemblyai: handshake: unexpected first message %q", begin.Type)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	return &realtimeSession{
		conn:      conn,
		sessionID: sessionID,
		ctx:       sessCtx,
		cancel:    sessCancel,
		partials:  make(chan stt.Transcript, 64),
		finals:    make(chan stt.Transcript, 64),
		audio:     make(chan []byte, 256),
		done:      make(chan struct{}),
	}, nil
}

// ---- realtime session ----

// wireMessage is the superset of fields across AssemblyAI v3 frame types.
// The Type field discriminates: Begin, Turn, Termination, or an error frame.
type wireMessage struct {
	Type             string  `json:"type"`
	ID               string  `json:"id,omitempty"`
	Transcript       string  `json:"transcript,omitempty"`
	TurnIsFormatted  bool    `json:"turn_is_formatted,omitempty"`
	EndOfTurn        bool    `json:"end_of_turn,omitempty"`
	Confidence       float64 `json:"confidence,omitempty"`
	AudioDurationSec float64 `json:"audio_duration_seconds,omitempty"`
	Error            string  `json:"error,omitempty"`
}

// realtimeSession is a live v3 streaming channel. It implements
// stt.RealtimeHandle.
type realtimeSession struct {
	conn      *websocket.Conn
	sessionID string
	ctx       context.Context
	cancel    context.CancelFunc
	partials  chan stt.Transcript
	finals    chan stt.Transcript
	audio     chan []byte

	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
	release func()

	errMu sync.Mutex
	err   error
}

func (s *realtimeSession) start() {
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
}

// SendAudio queues a PCM chunk for delivery. Returns stt.ErrSessionClosed
// once the channel has terminated.
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

// Err reports the terminal error, nil for graceful termination.
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

// Close terminates the channel gracefully. Idempotent.
func (s *realtimeSession) Close() error {
	s.terminate(nil)
	return nil
}

// terminate shuts the channel down exactly once, recording cause as the
// terminal error (nil = graceful).
func (s *realtimeSession) terminate(cause error) {
	s.once.Do(func() {
		if cause != nil {
			s.setErr(cause)
		}
		close(s.done)
		// Ask the provider to flush and end the session; best effort.
		_ = s.conn.Write(context.Background(), websocket.MessageText, []byte(`{"type":"Terminate"}`))
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
				go s.terminate(fmt.Errorf("assemblyai: write audio: %w", err))
				return
			}
		case <-s.done:
			return
		}
	}
}

// readLoop receives v3 frames and dispatches normalized transcripts to the
// partials and finals channels.
func (s *realtimeSession) readLoop() {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	for {
		_, msg, err := s.conn.Read(s.ctx)
		if err != nil {
			select {
			case <-s.done:
				// Client-initiated close; not an error.
			default:
				go s.terminate(fmt.Errorf("assemblyai: stream read: %w", err))
			}
			return
		}

		var frame wireMessage
		if err := json.Unmarshal(msg, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case "Turn":
			if frame.Transcript == "" {
				continue
			}
			t := stt.Transcript{
				Text:       frame.Transcript,
				IsFinal:    frame.TurnIsFormatted,
				Confidence: frame.Confidence,
				Provider:   "assemblyai",
				Timestamp:  time.Now().UTC(),
			}
			s.dispatch(t)
		case "Termination":
			go s.terminate(nil)
			return
		case "Begin":
			// Duplicate handshake ack; ignore.
		default:
			if frame.Error != "" {
				go s.terminate(fmt.Errorf("assemblyai: provider error: %s", frame.Error))
				return
			}
		}
	}
}

func (s *realtimeSession) dispatch(t stt.Transcript) {
	ch := s.partials
	if t.IsFinal {
		ch = s.finals
	}
	select {
	case ch <- t:
	case <-s.done:
	}
}

// ---- batch transcription ----

type uploadResponse struct {
	UploadURL string `json:"upload_url"`
}

type transcriptResponse struct {
	ID            string  `json:"id"`
	Status        string  `json:"status"`
	Text          string  `json:"text"`
	Confidence    float64 `json:"confidence"`
	AudioDuration float64 `json:"audio_duration"`
	Error         string  `json:"error"`
}

// TranscribeFile uploads the audio file and polls the v2 transcript endpoint
// until the job completes or ctx is cancelled.
func (p *Provider) TranscribeFile(ctx context.Context, path string) (stt.Transcript, error) {
	if !p.Available() {
		return stt.Transcript{}, fmt.Errorf("assemblyai: %w", stt.ErrUnavailable)
	}

	uploadURL, err := p.uploadFile(ctx, path)
	if err != nil {
		return stt.Transcript{}, err
	}

	id, err := p.requestTranscript(ctx, uploadURL)
	if err != nil {
		return stt.Transcript{}, err
	}

	for {
		res, err := p.pollTranscript(ctx, id)
		if err != nil {
			return stt.Transcript{}, err
		}
		switch res.Status {
		case "completed":
			return stt.Transcript{
				Text:       res.Text,
				IsFinal:    true,
				Confidence: res.Confidence,
				Duration:   time.Duration(res.AudioDuration * float64(time.Second)),
				Provider:   "assemblyai",
				Timestamp:  time.Now().UTC(),
			}, nil
		case "error":
			return stt.Transcript{}, fmt.Errorf("assemblyai: transcription failed: %s", res.Error)
		}

		select {
		case <-ctx.Done():
			return stt.Transcript{}, fmt.Errorf("assemblyai: transcription poll: %w", ctx.Err())
		case <-time.After(pollInterval):
		}
	}
}

func (p *Provider) uploadFile(ctx context.Context, path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("assemblyai: open audio file: %w", err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiEndpoint+"/v2/upload", f)
	if err != nil {
		return "", fmt.Errorf("assemblyai: build upload request: %w", err)
	}
	req.Header.Set("Authorization", p.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("assemblyai: upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("assemblyai: upload: status %d: %s", resp.StatusCode, body)
	}

	var ur uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&ur); err != nil {
		return "", fmt.Errorf("assemblyai: decode upload response: %w", err)
	}
	return ur.UploadURL, nil
}

func (p *Provider) requestTranscript(ctx context.Context, audioURL string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"audio_url":   audioURL,
		"punctuate":   true,
		"format_text": true,
	})
	if err != nil {
		return "", fmt.Errorf("assemblyai: marshal transcript request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.apiEndpoint+"/v2/transcript", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("assemblyai: build transcript request: %w", err)
	}
	req.Header.Set("Authorization", p.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("assemblyai: request transcript: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("assemblyai: request transcript: status %d: %s", resp.StatusCode, body)
	}

	var tr transcriptResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("assemblyai: decode transcript response: %w", err)
	}
	return tr.ID, nil
}

func (p *Provider) pollTranscript(ctx context.Context, id string) (transcriptResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiEndpoint+"/v2/transcript/"+id, nil)
	if err != nil {
		return transcriptResponse{}, fmt.Errorf("assemblyai: build poll request: %w", err)
	}
	req.Header.Set("Authorization", p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return transcriptResponse{}, fmt.Errorf("assemblyai: poll transcript: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return transcriptResponse{}, fmt.Errorf("assemblyai: poll transcript: status %d: %s", resp.StatusCode, body)
	}

	var tr transcriptResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return transcriptResponse{}, fmt.Errorf("assemblyai: decode poll response: %w", err)
	}
	return tr, nil
}
