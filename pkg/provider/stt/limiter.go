package stt

import (
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Limiter enforces a provider-imposed ceiling on concurrent realtime streams
// (e.g., AssemblyAI's single free-tier stream). Admission is
// checked-then-incremented atomically, so concurrent StartRealtime calls can
// never over-admit past the ceiling.
//
// All methods are safe for concurrent use.
type Limiter struct {
	sem    *semaphore.Weighted
	active atomic.Int64
}

// NewLimiter creates a Limiter that admits at most max concurrent streams.
// max must be >= 1.
func NewLimiter(max int64) *Limiter {
	if max < 1 {
		max = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(max)}
}

// Acquire attempts to admit one stream. It returns a release function on
// success and ErrCapacity when the ceiling is reached. It never blocks.
//
// The release function is idempotent and must be called exactly when the
// stream ends; the handle implementations call it from their teardown path.
func (l *Limiter) Acquire() (release func(), err error) {
	if !l.sem.TryAcquire(1) {
		return nil, ErrCapacity
	}
	l.active.Add(1)

	var released atomic.Bool
	return func() {
		if released.CompareAndSwap(false, true) {
			l.active.Add(-1)
			l.sem.Release(1)
		}
	}, nil
}

// Active reports the number of streams currently admitted.
func (l *Limiter) Active() int {
	return int(l.active.Load())
}
