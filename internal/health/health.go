// Package health provides HTTP liveness and readiness handlers for the
// transcription service.
//
//   - /healthz — liveness probe; always returns 200 OK.
//   - /readyz  — readiness probe; returns 200 only when every registered
//     [Checker] passes (STT chain reachable, risk classifier configured,
//     database answering pings).
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map containing the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/clearpath-health/vigil/pkg/provider/llm"
	"github.com/clearpath-health/vigil/pkg/provider/stt"
)

// checkTimeout caps a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. Check returns nil when the
// dependency is healthy and a non-nil error describing the failure otherwise.
type Checker struct {
	// Name is a short label for this check (e.g. "stt", "database"). It
	// appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// STTChecker reports ready while the speech-to-text provider (or at least one
// member of a fallback chain) is available.
func STTChecker(p stt.Provider) Checker {
	return Checker{
		Name: "stt",
		Check: func(context.Context) error {
			if p == nil {
				return fmt.Errorf("no provider configured")
			}
			if !p.Available() {
				return fmt.Errorf("provider %s unavailable", p.Name())
			}
			return nil
		},
	}
}

// LLMChecker reports ready while the risk-classifier backend is available.
// A nil provider is healthy: the guardrail runs on keyword scoring alone.
func LLMChecker(p llm.Provider) Checker {
	return Checker{
		Name: "risk_classifier",
		Check: func(context.Context) error {
			if p == nil {
				return nil
			}
			if !p.Available() {
				return fmt.Errorf("provider %s unavailable, keyword fallback active", p.Name())
			}
			return nil
		},
	}
}

// Pinger is satisfied by storage backends that can be probed for liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// DatabaseChecker reports ready while the transcript store answers pings.
func DatabaseChecker(db Pinger) Checker {
	return Checker{
		Name: "database",
		Check: func(ctx context.Context) error {
			return db.Ping(ctx)
		},
	}
}

// result is the JSON response body for health endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz endpoints. It is safe for concurrent
// use; the checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request, sequentially in the order provided.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is a liveness probe that always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 only when every registered [Checker] passes. Each
// checker runs under a [checkTimeout] deadline derived from the request
// context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{
		Status: "ok",
		Checks: checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
