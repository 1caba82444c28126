package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", FailureThreshold: 3, Cooldown: time.Minute}, nil)

	for i := 0; i < 3; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("Allow() before threshold = %v", err)
		}
		b.Record(errBoom)
	}

	if !b.Open() {
		t.Fatal("breaker should be open after 3 consecutive failures")
	}
	if err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("Allow() = %v, want ErrBreakerOpen", err)
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute}, nil)

	b.Allow()
	b.Record(errBoom)
	b.Allow()
	b.Record(errBoom)
	b.Allow()
	b.Record(nil) // resets the streak

	b.Allow()
	b.Record(errBoom)
	if b.Open() {
		t.Error("breaker opened despite interleaved success")
	}
}

func TestBreakerProbeAfterCooldown(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Millisecond}, nil)

	b.Allow()
	b.Record(errBoom)
	if err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("Allow() while open = %v, want ErrBreakerOpen", err)
	}

	time.Sleep(20 * time.Millisecond)

	// First call after cooldown is the probe.
	if err := b.Allow(); err != nil {
		t.Fatalf("Allow() after cooldown = %v, want nil", err)
	}
	// A second concurrent call must wait for the probe outcome.
	if err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("second Allow() during probe = %v, want ErrBreakerOpen", err)
	}

	b.Record(nil)
	if b.Open() {
		t.Error("breaker should close after successful probe")
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() after closing = %v", err)
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Millisecond}, nil)

	b.Allow()
	b.Record(errBoom)
	time.Sleep(20 * time.Millisecond)

	if err := b.Allow(); err != nil {
		t.Fatalf("probe Allow() = %v", err)
	}
	b.Record(errBoom)

	if !b.Open() {
		t.Error("breaker should re-open after failed probe")
	}
}

func TestBreakerReset(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute}, nil)

	b.Allow()
	b.Record(errBoom)
	if !b.Open() {
		t.Fatal("breaker should be open")
	}

	b.Reset()
	if b.Open() {
		t.Error("breaker should be closed after Reset")
	}
	if err := b.Allow(); err != nil {
		t.Errorf("Allow() after Reset = %v", err)
	}
}
