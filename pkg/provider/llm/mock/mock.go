// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify the guardrail sends correct
// CompletionRequests and to feed controlled responses without a live LLM
// backend. All fields are safe to set before calling any method; mutating
// them during a concurrent call is the caller's responsibility.
//
// Example:
//
//	p := &mock.Provider{Response: `{"risk_score": 0.9}`}
//	text, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"sync"

	"github.com/clearpath-health/vigil/pkg/provider/llm"
)

// CompleteCall records a single invocation of Complete.
type CompleteCall struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
// Zero values for response fields cause methods to return zero values and
// nil errors. Set Err to inject errors.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// ProviderName is returned by Name. Defaults to "mock" when empty.
	ProviderName string

	// Unavailable makes Available return false.
	Unavailable bool

	// Response is the text returned by Complete.
	Response string

	// Err, if non-nil, is returned as the error from Complete.
	Err error

	// --- Call records (read after test) ---

	// CompleteCalls records every invocation of Complete in order.
	CompleteCalls []CompleteCall
}

var _ llm.Provider = (*Provider)(nil)

// Name implements llm.Provider.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Available implements llm.Provider.
func (p *Provider) Available() bool { return !p.Unavailable }

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	p.mu.Lock()
	p.CompleteCalls = append(p.CompleteCalls, CompleteCall{Ctx: ctx, Req: req})
	p.mu.Unlock()

	if p.Err != nil {
		return "", p.Err
	}
	return p.Response, nil
}
