// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"testing"
	"time"
)

// newTestBreaker returns a breaker on a manual clock and the function that
// advances it.
func newTestBreaker(threshold int, reset time.Duration) (*CircuitBreaker, func(time.Duration)) {
	now := time.Unix(1700000000, 0)
	cb := NewCircuitBreaker(threshold, reset)
	cb.now = func() time.Time { return now }
	return cb, func(d time.Duration) { now = now.Add(d) }
}

func TestCircuitBreakerStartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	if cb.State() != CircuitClosed {
		t.Errorf("expected CircuitClosed, got %v", cb.State())
	}
	if !cb.Allow() {
		t.Error("expected Allow() to return true in Closed state")
	}
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, 30*time.Second)
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	if cb.State() != CircuitOpen {
		t.Errorf("expected CircuitOpen after 3 failures, got %v", cb.State())
	}
	if cb.Allow() {
		t.Error("expected Allow() to return false in Open state")
	}
}

func TestCircuitBreakerDoesNotOpenBelowThreshold(t *testing.T) {
	cb, _ := newTestBreaker(5, 30*time.Second)
	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected CircuitClosed with 4/5 failures, got %v", cb.State())
	}
}

func TestCircuitBreakerHalfOpenAdmitsOneProbe(t *testing.T) {
	cb, advance := newTestBreaker(2, time.Minute)
	cb.RecordFailure()
	cb.RecordFailure()

	advance(59 * time.Second)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected CircuitOpen before timeout, got %v", cb.State())
	}
	advance(time.Second)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected CircuitHalfOpen after timeout, got %v", cb.State())
	}
	if !cb.Allow() {
		t.Error("first probe should be allowed")
	}
	if cb.Allow() {
		t.Error("second concurrent probe should be refused")
	}
}

func TestCircuitBreakerHalfOpenClosesOnSuccess(t *testing.T) {
	cb, advance := newTestBreaker(2, time.Minute)
	cb.RecordFailure()
	cb.RecordFailure()
	advance(time.Minute)
	cb.Allow()
	cb.RecordSuccess()

	if cb.State() != CircuitClosed {
		t.Errorf("expected CircuitClosed after success in HalfOpen, got %v", cb.State())
	}
	if cb.FailureCount() != 0 {
		t.Errorf("expected failure count 0 after success, got %d", cb.FailureCount())
	}
}

func TestCircuitBreakerHalfOpenReopensOnFailure(t *testing.T) {
	cb, advance := newTestBreaker(2, time.Minute)
	cb.RecordFailure()
	cb.RecordFailure()
	advance(time.Minute)
	cb.Allow()
	cb.RecordFailure()

	if cb.State() != CircuitOpen {
		t.Errorf("expected CircuitOpen after failure in HalfOpen, got %v", cb.State())
	}
	// The reopen restarts the timeout.
	advance(30 * time.Second)
	if cb.Allow() {
		t.Error("expected the breaker to stay open for a full timeout")
	}
}

func TestCircuitStateString(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{CircuitClosed, "closed"},
		{CircuitOpen, "open"},
		{CircuitHalfOpen, "half-open"},
		{CircuitState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("CircuitState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
