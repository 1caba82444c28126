// Package resilience provides failover primitives for speech-to-text
// backends: a three-state circuit breaker and a provider chain that routes
// around unhealthy entries.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Allow] while the breaker is open
// and the cooldown has not yet elapsed.
var ErrBreakerOpen = errors.New("resilience: breaker open")

// breakerState is the operating mode of a [Breaker].
type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero fields take defaults.
type BreakerConfig struct {
	// Name labels the breaker in log output.
	Name string

	// FailureThreshold is the number of consecutive failures before the
	// breaker opens. Default: 3.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before admitting a
	// single probe call. Default: 30s.
	Cooldown time.Duration
}

// Breaker is a three-state circuit breaker (closed → open → half-open).
// After the cooldown one probe call is admitted; its outcome decides
// whether the breaker closes again or re-opens.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a Breaker from cfg.
func NewBreaker(cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Breaker{
		name:      cfg.Name,
		threshold: cfg.FailureThreshold,
		cooldown:  cfg.Cooldown,
		logger:    logger,
	}
}

// Allow reports whether a call may proceed. It returns [ErrBreakerOpen]
// while open; once the cooldown elapses it admits exactly one probe at a
// time in the half-open state. Every admitted call must be followed by
// Record with its outcome.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return nil

	case stateOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return ErrBreakerOpen
		}
		b.state = stateHalfOpen
		b.probing = true
		b.logger.Info("breaker half-open, probing", "breaker", b.name)
		return nil

	default: // half-open
		if b.probing {
			return ErrBreakerOpen
		}
		b.probing = true
		return nil
	}
}

// Record reports the outcome of a call previously admitted by Allow.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateHalfOpen {
		b.probing = false
		if err != nil {
			b.state = stateOpen
			b.openedAt = time.Now()
			b.failures = b.threshold
			b.logger.Warn("breaker re-opened after failed probe", "breaker", b.name)
			return
		}
		b.state = stateClosed
		b.failures = 0
		b.logger.Info("breaker closed after successful probe", "breaker", b.name)
		return
	}

	if err == nil {
		b.failures = 0
		return
	}

	b.failures++
	if b.state == stateClosed && b.failures >= b.threshold {
		b.state = stateOpen
		b.openedAt = time.Now()
		b.logger.Warn("breaker opened",
			"breaker", b.name,
			"consecutive_failures", b.failures)
	}
}

// Open reports whether the breaker currently rejects calls. A breaker past
// its cooldown is not considered open: the next Allow admits a probe.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateOpen && time.Since(b.openedAt) < b.cooldown
}

// Reset forces the breaker back to closed and clears failure counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = stateClosed
	b.failures = 0
	b.probing = false
}
