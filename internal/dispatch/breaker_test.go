package dispatch

import (
	"testing"
	"time"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	cfg := BreakerConfig{Threshold: 3, RecoveryTimeout: time.Minute}
	var b breakerCore
	now := time.Now()

	for i := 0; i < 2; i++ {
		b.step(evFailure, now, cfg)
		if b.state != BreakerClosed {
			t.Fatalf("after %d failures state = %s, want closed", i+1, b.state)
		}
	}
	b.step(evFailure, now, cfg)
	if b.state != BreakerOpen {
		t.Fatalf("state = %s, want open at threshold", b.state)
	}
	if allowed := b.step(evCheck, now, cfg); allowed {
		t.Fatalf("open breaker must reject immediately")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cfg := BreakerConfig{Threshold: 3, RecoveryTimeout: time.Minute}
	var b breakerCore
	now := time.Now()

	b.step(evFailure, now, cfg)
	b.step(evFailure, now, cfg)
	b.step(evSuccess, now, cfg)
	b.step(evFailure, now, cfg)
	b.step(evFailure, now, cfg)
	if b.state != BreakerClosed {
		t.Fatalf("state = %s, want closed: success must reset the streak", b.state)
	}
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	cfg := BreakerConfig{Threshold: 1, RecoveryTimeout: time.Minute}
	var b breakerCore
	now := time.Now()

	b.step(evFailure, now, cfg)
	if b.state != BreakerOpen {
		t.Fatalf("state = %s, want open", b.state)
	}

	// Before the recovery timeout: still rejecting.
	if b.step(evCheck, now.Add(30*time.Second), cfg) {
		t.Fatalf("open breaker allowed a request before recovery timeout")
	}

	// Past the timeout: exactly one probe goes through.
	probeTime := now.Add(2 * time.Minute)
	if !b.step(evCheck, probeTime, cfg) {
		t.Fatalf("expected half-open probe to be allowed")
	}
	if b.state != BreakerHalfOpen {
		t.Fatalf("state = %s, want half-open", b.state)
	}
	if b.step(evCheck, probeTime, cfg) {
		t.Fatalf("second concurrent probe must be rejected")
	}
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	cfg := BreakerConfig{Threshold: 1, RecoveryTimeout: time.Minute}
	var b breakerCore
	now := time.Now()

	b.step(evFailure, now, cfg)
	probeTime := now.Add(2 * time.Minute)
	b.step(evCheck, probeTime, cfg)
	b.step(evSuccess, probeTime, cfg)

	if b.state != BreakerClosed || b.consecutiveFailures != 0 {
		t.Fatalf("state = %s failures = %d, want closed with reset counters", b.state, b.consecutiveFailures)
	}
	if !b.step(evCheck, probeTime, cfg) {
		t.Fatalf("closed breaker must allow requests")
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cfg := BreakerConfig{Threshold: 1, RecoveryTimeout: time.Minute}
	var b breakerCore
	now := time.Now()

	b.step(evFailure, now, cfg)
	probeTime := now.Add(2 * time.Minute)
	b.step(evCheck, probeTime, cfg)
	b.step(evFailure, probeTime, cfg)

	if b.state != BreakerOpen {
		t.Fatalf("state = %s, want open after failed probe", b.state)
	}
	// The recovery window restarts from the probe failure.
	if b.step(evCheck, probeTime.Add(30*time.Second), cfg) {
		t.Fatalf("breaker must reject during the fresh recovery window")
	}
	if !b.step(evCheck, probeTime.Add(2*time.Minute), cfg) {
		t.Fatalf("breaker must probe again after the fresh window")
	}
}
