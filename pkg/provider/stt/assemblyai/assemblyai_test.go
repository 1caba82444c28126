package assemblyai_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/clearpath-health/vigil/pkg/provider/stt"
	"github.com/clearpath-health/vigil/pkg/provider/stt/assemblyai"
)

const testKey = "aai-test-key-0123456789"

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startStreamServer launches a test WebSocket server. The handler receives
// the accepted conn; it is responsible for sending the Begin acknowledgment.
func startStreamServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	b, err := json.Marshal(frame)
	if err != nil {
		t.Errorf("marshal frame: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Errorf("write frame: %v", err)
	}
}

func sendBegin(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	sendFrame(t, conn, map[string]any{"type": "Begin", "id": "test-stream"})
}

func TestNew_RequiresAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := assemblyai.New(""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestStartRealtime_TurnDispatch(t *testing.T) {
	t.Parallel()

	gotAudio := make(chan []byte, 4)
	srv := startStreamServer(t, func(conn *websocket.Conn, r *http.Request) {
		if got := r.URL.Query().Get("sample_rate"); got != "16000" {
			t.Errorf("sample_rate = %q, want 16000", got)
		}
		sendBegin(t, conn)

		ctx := context.Background()
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageBinary {
			t.Errorf("audio frame type = %v, want binary", typ)
		}
		gotAudio <- data

		sendFrame(t, conn, map[string]any{
			"type": "Turn", "transcript": "i feel", "turn_is_formatted": false, "confidence": 0.7,
		})
		sendFrame(t, conn, map[string]any{
			"type": "Turn", "transcript": "I feel overwhelmed.", "turn_is_formatted": true, "confidence": 0.93,
		})

		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	p, err := assemblyai.New(testKey, assemblyai.WithStreamEndpoint(wsURL(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	handle, err := p.StartRealtime(context.Background(), "sess-1", stt.StreamConfig{SampleRate: 16000})
	if err != nil {
		t.Fatalf("StartRealtime: %v", err)
	}
	defer handle.Close()

	if err := handle.SendAudio(make([]byte, 640)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	select {
	case chunk := <-gotAudio:
		if len(chunk) != 640 {
			t.Errorf("server received %d bytes, want 640", len(chunk))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout: server never received audio")
	}

	select {
	case tr := <-handle.Partials():
		if tr.Text != "i feel" || tr.IsFinal {
			t.Errorf("partial = %+v, want unformatted 'i feel'", tr)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for partial")
	}

	select {
	case tr := <-handle.Finals():
		if tr.Text != "I feel overwhelmed." || !tr.IsFinal {
			t.Errorf("final = %+v, want formatted turn", tr)
		}
		if tr.Provider != "assemblyai" {
			t.Errorf("provider = %q, want assemblyai", tr.Provider)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for final")
	}
}

func TestStartRealtime_HandshakeRejected(t *testing.T) {
	t.Parallel()

	srv := startStreamServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendFrame(t, conn, map[string]any{"type": "Error", "error": "invalid api key"})
		conn.CloseRead(context.Background())
		time.Sleep(100 * time.Millisecond)
	})

	p, err := assemblyai.New(testKey, assemblyai.WithStreamEndpoint(wsURL(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = p.StartRealtime(context.Background(), "sess", stt.StreamConfig{})
	if err == nil {
		t.Fatal("expected handshake rejection")
	}
	if !strings.Contains(err.Error(), "invalid api key") {
		t.Errorf("err = %v, want provider error message surfaced", err)
	}
	if got := p.ActiveStreams(); got != 0 {
		t.Errorf("ActiveStreams after rejected handshake = %d, want 0", got)
	}
}

func TestClose_SendsTerminate(t *testing.T) {
	t.Parallel()

	terminated := make(chan struct{}, 1)
	srv := startStreamServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendBegin(t, conn)
		ctx := context.Background()
		for {
			typ, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ != websocket.MessageText {
				continue
			}
			var m map[string]string
			if json.Unmarshal(data, &m) == nil && m["type"] == "Terminate" {
				terminated <- struct{}{}
				return
			}
		}
	})

	p, err := assemblyai.New(testKey, assemblyai.WithStreamEndpoint(wsURL(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	handle, err := p.StartRealtime(context.Background(), "sess", stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartRealtime: %v", err)
	}

	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	select {
	case <-terminated:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout: server never received Terminate")
	}

	if err := handle.Err(); err != nil {
		t.Errorf("Err after graceful close = %v, want nil", err)
	}
	if err := handle.SendAudio([]byte{0, 0}); !errors.Is(err, stt.ErrSessionClosed) {
		t.Errorf("SendAudio after close = %v, want ErrSessionClosed", err)
	}
	if got := p.ActiveStreams(); got != 0 {
		t.Errorf("ActiveStreams after close = %d, want 0", got)
	}
}

func TestStartRealtime_DefaultCeilingIsOne(t *testing.T) {
	t.Parallel()

	srv := startStreamServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendBegin(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p, err := assemblyai.New(testKey, assemblyai.WithStreamEndpoint(wsURL(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	first, err := p.StartRealtime(context.Background(), "a", stt.StreamConfig{})
	if err != nil {
		t.Fatalf("first StartRealtime: %v", err)
	}

	_, err = p.StartRealtime(context.Background(), "b", stt.StreamConfig{})
	if !errors.Is(err, stt.ErrCapacity) {
		t.Fatalf("second StartRealtime err = %v, want ErrCapacity", err)
	}

	first.Close()

	third, err := p.StartRealtime(context.Background(), "c", stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartRealtime after release: %v", err)
	}
	third.Close()
}

func TestStartRealtime_ProviderTermination(t *testing.T) {
	t.Parallel()

	srv := startStreamServer(t, func(conn *websocket.Conn, _ *http.Request) {
		sendBegin(t, conn)
		sendFrame(t, conn, map[string]any{"type": "Termination", "audio_duration_seconds": 12.0})
		time.Sleep(200 * time.Millisecond)
	})

	p, err := assemblyai.New(testKey, assemblyai.WithStreamEndpoint(wsURL(srv)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	handle, err := p.StartRealtime(context.Background(), "sess", stt.StreamConfig{})
	if err != nil {
		t.Fatalf("StartRealtime: %v", err)
	}
	defer handle.Close()

	select {
	case <-handle.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Done after Termination frame")
	}
	if err := handle.Err(); err != nil {
		t.Errorf("Err after provider Termination = %v, want nil", err)
	}
}

func TestTranscribeFile(t *testing.T) {
	t.Parallel()

	var uploadSeen, requestSeen bool
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/upload", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != testKey {
			t.Errorf("upload Authorization = %q", got)
		}
		uploadSeen = true
		json.NewEncoder(w).Encode(map[string]string{"upload_url": "https://cdn.example/audio/abc"})
	})
	mux.HandleFunc("POST /v2/transcript", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode transcript request: %v", err)
		}
		if body["audio_url"] != "https://cdn.example/audio/abc" {
			t.Errorf("audio_url = %v", body["audio_url"])
		}
		requestSeen = true
		json.NewEncoder(w).Encode(map[string]string{"id": "job-1", "status": "queued"})
	})
	mux.HandleFunc("GET /v2/transcript/job-1", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"id": "job-1", "status": "completed",
			"text": "batch transcript", "confidence": 0.91, "audio_duration": 3.0,
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	p, err := assemblyai.New(testKey, assemblyai.WithAPIEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	path := filepath.Join(t.TempDir(), "audio.wav")
	if err := os.WriteFile(path, []byte("fake-wav-bytes"), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	tr, err := p.TranscribeFile(context.Background(), path)
	if err != nil {
		t.Fatalf("TranscribeFile: %v", err)
	}
	if !uploadSeen || !requestSeen {
		t.Errorf("upload/request hit = %v/%v, want both", uploadSeen, requestSeen)
	}
	if tr.Text != "batch transcript" {
		t.Errorf("text = %q, want 'batch transcript'", tr.Text)
	}
	if !tr.IsFinal {
		t.Error("batch transcript should be final")
	}
	if tr.Duration != 3*time.Second {
		t.Errorf("duration = %v, want 3s", tr.Duration)
	}
}

func TestTranscribeFile_JobError(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/upload", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"upload_url": "https://cdn.example/audio/x"})
	})
	mux.HandleFunc("POST /v2/transcript", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "job-2", "status": "queued"})
	})
	mux.HandleFunc("GET /v2/transcript/job-2", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"id": "job-2", "status": "error", "error": "unsupported codec",
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	p, err := assemblyai.New(testKey, assemblyai.WithAPIEndpoint(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	path := filepath.Join(t.TempDir(), "audio.wav")
	if err := os.WriteFile(path, []byte("fake-wav-bytes"), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	_, err = p.TranscribeFile(context.Background(), path)
	if err == nil || !strings.Contains(err.Error(), "unsupported codec") {
		t.Fatalf("err = %v, want job error surfaced", err)
	}
}
