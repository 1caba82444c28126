// Package llm defines the provider-agnostic interface for chat-completion
// backends used by the risk guardrail.
//
// The surface is deliberately small: the guardrail issues one completion per
// transcript and parses the response itself, so streaming and tool calling
// are not part of the contract.
package llm

import "context"

// Message is a single turn in a completion conversation.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string
	// Content is the text of the message.
	Content string
}

// CompletionRequest describes a single completion call.
type CompletionRequest struct {
	// Messages is the conversation so far, oldest first.
	Messages []Message

	// SystemPrompt, if non-empty, is prepended as a system message.
	SystemPrompt string

	// Temperature controls randomness. Zero means provider default.
	Temperature float64

	// MaxTokens limits the response length. Zero means provider default.
	MaxTokens int
}

// Provider is the interface all LLM backends implement.
type Provider interface {
	// Name returns a human-readable provider identifier (e.g. "gemini").
	Name() string

	// Available reports whether the provider is configured and usable.
	Available() bool

	// Complete sends the request and returns the full response text.
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}
