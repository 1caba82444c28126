package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/clearpath-health/vigil/pkg/provider/stt"
)

// ErrNoProvider is returned when every provider in a [Chain] is skipped or
// fails. It wraps the last provider error when one exists.
var ErrNoProvider = errors.New("resilience: no provider succeeded")

// chainEntry pairs a provider with its dedicated circuit breaker.
type chainEntry struct {
	provider stt.Provider
	breaker  *Breaker
}

// Chain implements [stt.Provider] with automatic failover across multiple
// speech-to-text backends, tried in registration order. Each backend has
// its own circuit breaker.
//
// Capacity exhaustion ([stt.ErrCapacity]) and missing realtime support
// ([stt.ErrRealtimeUnsupported]) skip to the next backend without counting
// against the breaker: neither means the backend is unhealthy.
type Chain struct {
	entries []chainEntry
	logger  *slog.Logger
}

var _ stt.Provider = (*Chain)(nil)

// NewChain builds a Chain over the given providers. The first provider is
// the preferred backend. cfg.Name is ignored; each breaker is named after
// its provider.
func NewChain(cfg BreakerConfig, logger *slog.Logger, providers ...stt.Provider) (*Chain, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("resilience: chain needs at least one provider")
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Chain{logger: logger}
	for _, p := range providers {
		bcfg := cfg
		bcfg.Name = p.Name()
		c.entries = append(c.entries, chainEntry{
			provider: p,
			breaker:  NewBreaker(bcfg, logger),
		})
	}
	return c, nil
}

// Name implements stt.Provider.
func (c *Chain) Name() string {
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.provider.Name()
	}
	return "chain(" + strings.Join(names, ",") + ")"
}

// Available implements stt.Provider. The chain is available when any
// backend is.
func (c *Chain) Available() bool {
	for _, e := range c.entries {
		if e.provider.Available() {
			return true
		}
	}
	return false
}

// ActiveStreams implements stt.Provider.
func (c *Chain) ActiveStreams() int {
	total := 0
	for _, e := range c.entries {
		total += e.provider.ActiveStreams()
	}
	return total
}

// StartRealtime implements stt.Provider. It opens a stream on the first
// healthy backend that supports realtime and has capacity.
func (c *Chain) StartRealtime(ctx context.Context, sessionID string, cfg stt.StreamConfig) (stt.RealtimeHandle, error) {
	var lastErr, capErr error
	for i := range c.entries {
		e := &c.entries[i]
		if !e.provider.Available() {
			continue
		}
		if err := e.breaker.Allow(); err != nil {
			c.logger.Debug("skipping stt backend, breaker open", "provider", e.provider.Name())
			continue
		}

		handle, err := e.provider.StartRealtime(ctx, sessionID, cfg)
		if err == nil {
			e.breaker.Record(nil)
			return handle, nil
		}

		if errors.Is(err, stt.ErrRealtimeUnsupported) || errors.Is(err, stt.ErrCapacity) {
			// Not a health signal for this backend.
			e.breaker.Record(nil)
			if errors.Is(err, stt.ErrCapacity) {
				// Capacity exhaustion must stay visible to callers even when a
				// later backend fails differently, so it is tracked separately.
				capErr = err
			}
			lastErr = err
			continue
		}

		e.breaker.Record(err)
		lastErr = err
		c.logger.Warn("stt backend failed to start stream, trying next",
			"provider", e.provider.Name(), "error", err)
	}

	if capErr != nil && !errors.Is(lastErr, stt.ErrCapacity) {
		lastErr = errors.Join(capErr, lastErr)
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoProvider, lastErr)
	}
	return nil, ErrNoProvider
}

// TranscribeFile implements stt.Provider. It runs the batch transcription
// on the first healthy backend that succeeds.
func (c *Chain) TranscribeFile(ctx context.Context, path string) (stt.Transcript, error) {
	var lastErr error
	for i := range c.entries {
		e := &c.entries[i]
		if !e.provider.Available() {
			continue
		}
		if err := e.breaker.Allow(); err != nil {
			c.logger.Debug("skipping stt backend, breaker open", "provider", e.provider.Name())
			continue
		}

		tr, err := e.provider.TranscribeFile(ctx, path)
		e.breaker.Record(err)
		if err == nil {
			return tr, nil
		}

		lastErr = err
		c.logger.Warn("stt backend failed batch transcription, trying next",
			"provider", e.provider.Name(), "error", err)

		if ctx.Err() != nil {
			break
		}
	}

	if lastErr != nil {
		return stt.Transcript{}, fmt.Errorf("%w: %w", ErrNoProvider, lastErr)
	}
	return stt.Transcript{}, ErrNoProvider
}
