// Package server exposes the websocket and HTTP surface of the service:
// the audio streaming endpoint, the session listing, Prometheus metrics
// and the health probes.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/clearpath-health/vigil/internal/health"
	"github.com/clearpath-health/vigil/internal/observe"
	"github.com/clearpath-health/vigil/internal/stream"
)

// Server routes websocket sessions into the [stream.Manager] and serves the
// observability endpoints next to them.
type Server struct {
	manager *stream.Manager
	health  *health.Handler
	logger  *slog.Logger
	metrics *observe.Metrics
	mux     *http.ServeMux
	rest    restDeps

	originPatterns []string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithHealth attaches the health handler whose probes are served under
// /healthz and /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// WithMetrics sets the metrics instance. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithOriginPatterns sets the host patterns accepted during the websocket
// handshake. Empty means same-origin only.
func WithOriginPatterns(patterns []string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// New creates a Server over the given session manager.
func New(manager *stream.Manager, opts ...Option) *Server {
	s := &Server{
		manager: manager,
		logger:  slog.Default(),
		mux:     http.NewServeMux(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.health == nil {
		s.health = health.New()
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /ws/audio/{session_id}", s.handleAudioStream)
	s.mux.HandleFunc("GET /ws/sessions", s.handleSessions)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	if s.rest.transcriber != nil {
		s.mux.HandleFunc("POST /transcribe", s.handleTranscribe)
	}
	if s.rest.guardrail != nil {
		s.mux.HandleFunc("POST /assess", s.handleAssess)
	}
	s.health.Register(s.mux)
}

// Handler returns the fully assembled HTTP handler.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.instrument(h)
	h = s.recover(h)
	return h
}

// handleAudioStream upgrades the connection and runs the session read loop
// until the client disconnects or the crisis lock closes the session.
func (s *Server) handleAudioStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if sessionID == "" {
		http.Error(w, "session id required", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "session_id", sessionID, "error", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()

	_, err = s.manager.Connect(ctx, sessionID, &wsSink{conn: conn})
	if err != nil {
		if errors.Is(err, stream.ErrCapacity) {
			conn.Close(websocket.StatusTryAgainLater, "realtime capacity exceeded")
			return
		}
		s.logger.Error("session connect failed", "session_id", sessionID, "error", err)
		conn.Close(websocket.StatusInternalError, "connection failed")
		return
	}
	defer s.manager.Disconnect(sessionID)

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			// Client closed or the network dropped. Normal end of session.
			s.logger.Debug("websocket read ended", "session_id", sessionID, "error", err)
			return
		}

		switch typ {
		case websocket.MessageBinary:
			err = s.manager.HandleAudio(sessionID, data)
		case websocket.MessageText:
			err = s.manager.HandleControl(sessionID, data)
		}

		switch {
		case errors.Is(err, stream.ErrSessionLocked):
			conn.Close(websocket.StatusPolicyViolation, "session locked")
			return
		case errors.Is(err, stream.ErrUnknownSession):
			conn.Close(websocket.StatusGoingAway, "session gone")
			return
		}
	}
}

// sessionList is the /ws/sessions response body.
type sessionList struct {
	ActiveSessions int               `json:"active_sessions"`
	Sessions       []stream.Snapshot `json:"sessions"`
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	snaps := s.manager.Sessions()
	writeJSON(w, http.StatusOK, sessionList{
		ActiveSessions: len(snaps),
		Sessions:       snaps,
	})
}

// instrument records request durations per route, websocket upgrades
// excluded since their duration is the session lifetime.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/ws/audio/") {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		s.metrics.HTTPRequestDuration.Record(r.Context(), time.Since(start).Seconds(),
			metric.WithAttributes(attribute.String("path", r.URL.Path)))
	})
}

func (s *Server) recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic", "path", r.URL.Path, "panic", rec)
				http.Error(w, "internal error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}
