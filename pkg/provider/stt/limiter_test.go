package stt

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestLimiter_Ceiling(t *testing.T) {
	t.Parallel()

	l := NewLimiter(2)

	rel1, err := l.Acquire()
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	rel2, err := l.Acquire()
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if got := l.Active(); got != 2 {
		t.Errorf("Active = %d, want 2", got)
	}

	if _, err := l.Acquire(); !errors.Is(err, ErrCapacity) {
		t.Fatalf("third Acquire err = %v, want ErrCapacity", err)
	}

	rel1()
	if got := l.Active(); got != 1 {
		t.Errorf("Active after release = %d, want 1", got)
	}
	rel3, err := l.Acquire()
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	rel2()
	rel3()
	if got := l.Active(); got != 0 {
		t.Errorf("Active after all released = %d, want 0", got)
	}
}

func TestLimiter_ReleaseIdempotent(t *testing.T) {
	t.Parallel()

	l := NewLimiter(1)
	rel, err := l.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	rel()
	rel()
	rel()

	if got := l.Active(); got != 0 {
		t.Errorf("Active = %d, want 0", got)
	}
	// Double release must not free a slot that was never taken.
	if _, err := l.Acquire(); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if _, err := l.Acquire(); !errors.Is(err, ErrCapacity) {
		t.Fatalf("over-admit after double release: err = %v, want ErrCapacity", err)
	}
}

func TestLimiter_MinimumCeilingIsOne(t *testing.T) {
	t.Parallel()

	l := NewLimiter(0)
	rel, err := l.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer rel()
	if _, err := l.Acquire(); !errors.Is(err, ErrCapacity) {
		t.Fatalf("second Acquire err = %v, want ErrCapacity", err)
	}
}

func TestLimiter_ConcurrentAdmission(t *testing.T) {
	t.Parallel()

	const ceiling = 8
	l := NewLimiter(ceiling)

	var (
		admitted atomic.Int64
		wg       sync.WaitGroup
		releases = make(chan func(), 64)
	)
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rel, err := l.Acquire()
			if err != nil {
				return
			}
			admitted.Add(1)
			releases <- rel
		}()
	}
	wg.Wait()
	close(releases)

	if got := admitted.Load(); got != ceiling {
		t.Errorf("admitted %d streams, want exactly %d", got, ceiling)
	}
	if got := l.Active(); got != ceiling {
		t.Errorf("Active = %d, want %d", got, ceiling)
	}
	for rel := range releases {
		rel()
	}
	if got := l.Active(); got != 0 {
		t.Errorf("Active after releases = %d, want 0", got)
	}
}
