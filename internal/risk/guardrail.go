// Package risk implements the crisis guardrail: an LLM-backed classifier
// that scores transcript text for mental-health risk, with a deterministic
// keyword fallback so an assessment is always produced.
package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/clearpath-health/vigil/pkg/provider/llm"
)

// Level is the coarse risk band derived from the score.
type Level string

// Risk bands, in ascending severity.
const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// MentalState is the inferred client state paired with each band.
type MentalState string

// Mental states, in ascending severity.
const (
	StateCalm      MentalState = "calm"
	StateStressed  MentalState = "stressed"
	StateAnxious   MentalState = "anxious"
	StateDepressed MentalState = "depressed"
	StateSuicidal  MentalState = "suicidal"
)

// Source identifies which classifier produced an Assessment.
type Source string

const (
	// SourceLLM marks assessments produced by the LLM classifier.
	SourceLLM Source = "llm"
	// SourceKeyword marks assessments produced by the keyword fallback.
	SourceKeyword Source = "keyword"
)

// Assessment is the fully populated result of a risk evaluation.
type Assessment struct {
	Score           float64     `json:"risk_score"`
	Level           Level       `json:"risk_level"`
	MentalState     MentalState `json:"mental_state"`
	TopEmotions     []string    `json:"top_emotions"`
	Explanation     string      `json:"explanation"`
	Recommendations []string    `json:"recommendations"`
	Source          Source      `json:"source"`
}

// levelForScore maps a clamped score to its band. The score is always
// authoritative: bands reported by the LLM are discarded.
func levelForScore(score float64) Level {
	switch {
	case score >= 0.81:
		return LevelCritical
	case score >= 0.61:
		return LevelHigh
	case score >= 0.31:
		return LevelMedium
	default:
		return LevelLow
	}
}

// stateForScore maps a clamped score to its mental state.
func stateForScore(score float64) MentalState {
	switch {
	case score >= 0.81:
		return StateSuicidal
	case score >= 0.61:
		return StateDepressed
	case score >= 0.31:
		return StateStressed
	default:
		return StateCalm
	}
}

const assessmentPrompt = `You are a mental-health triage assistant.

Return a JSON object **exactly** like this:

{
  "risk_score": 0.0,
  "risk_level": "low|medium|high|critical",
  "mental_state": "calm|stressed|anxious|depressed|suicidal",
  "top_emotions": ["sad", "guilty", "..."],
  "explanation": "...",
  "recommendations": ["..."]
}

Guidelines:
- 0.00-0.30 → calm   / low
- 0.31-0.60 → stressed|anxious / medium
- 0.61-0.80 → depressed        / high
- 0.81-1.00 → suicidal         / critical

Transcript (last %d s / ~%d w):

%s`

// Guardrail scores transcript text. It tries the configured LLM provider
// first and falls back to deterministic keyword scoring on any failure:
// provider unavailable, transport error, malformed JSON, or a response
// missing required fields.
type Guardrail struct {
	provider llm.Provider
	logger   *slog.Logger

	windowSeconds int
	windowWords   int
	temperature   float64
	maxTokens     int
	timeout       time.Duration
}

// Option is a functional option for Guardrail.
type Option func(*Guardrail)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Guardrail) { g.logger = l }
}

// WithWindow sets the transcript window context embedded in the prompt.
func WithWindow(seconds, words int) Option {
	return func(g *Guardrail) {
		g.windowSeconds = seconds
		g.windowWords = words
	}
}

// WithTimeout caps the time spent on the LLM call before falling back.
func WithTimeout(d time.Duration) Option {
	return func(g *Guardrail) { g.timeout = d }
}

// NewGuardrail constructs a Guardrail. provider may be nil, in which case
// every assessment uses the keyword fallback.
func NewGuardrail(provider llm.Provider, opts ...Option) *Guardrail {
	g := &Guardrail{
		provider:      provider,
		logger:        slog.Default(),
		windowSeconds: 45,
		windowWords:   250,
		temperature:   0.1,
		maxTokens:     512,
		timeout:       10 * time.Second,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Assess evaluates the given transcript text. It never returns an error:
// any failure on the LLM path degrades to the keyword classifier, and the
// returned Assessment is always fully populated.
func (g *Guardrail) Assess(ctx context.Context, text string) Assessment {
	if g.provider == nil || !g.provider.Available() {
		return keywordAssess(text)
	}

	a, err := g.assessLLM(ctx, text)
	if err != nil {
		g.logger.Warn("risk: llm assessment failed, using keyword fallback", "error", err)
		return keywordAssess(text)
	}
	return a
}

// llmResponse mirrors the JSON object the prompt requests. Band fields are
// parsed but recomputed from the score afterwards.
type llmResponse struct {
	RiskScore       *float64 `json:"risk_score"`
	RiskLevel       string   `json:"risk_level"`
	MentalState     string   `json:"mental_state"`
	TopEmotions     []string `json:"top_emotions"`
	Explanation     string   `json:"explanation"`
	Recommendations []string `json:"recommendations"`
}

func (g *Guardrail) assessLLM(ctx context.Context, text string) (Assessment, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	prompt := fmt.Sprintf(assessmentPrompt, g.windowSeconds, g.windowWords, text)

	raw, err := g.provider.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	})
	if err != nil {
		return Assessment{}, fmt.Errorf("risk: completion: %w", err)
	}

	var resp llmResponse
	if err := json.Unmarshal([]byte(extractJSON(raw)), &resp); err != nil {
		return Assessment{}, fmt.Errorf("risk: parse response: %w", err)
	}
	if resp.RiskScore == nil {
		return Assessment{}, fmt.Errorf("risk: response missing risk_score")
	}
	if resp.Explanation == "" {
		return Assessment{}, fmt.Errorf("risk: response missing explanation")
	}

	score := max(0.0, min(1.0, *resp.RiskScore))

	a := Assessment{
		Score:           score,
		Level:           levelForScore(score),
		MentalState:     stateForScore(score),
		TopEmotions:     resp.TopEmotions,
		Explanation:     resp.Explanation,
		Recommendations: resp.Recommendations,
		Source:          SourceLLM,
	}
	if len(a.TopEmotions) == 0 {
		a.TopEmotions = []string{string(a.MentalState)}
	}
	if len(a.Recommendations) == 0 {
		a.Recommendations = []string{"Monitor for changes"}
	}
	return a, nil
}

// extractJSON strips markdown code fences and any prose surrounding the
// first JSON object in the response. Models routinely wrap JSON output
// despite instructions not to.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}
