package resilience

import (
	"errors"
	"testing"
	"time"
)

var errProbe = errors.New("backend down")

// trip drives n consecutive failures through cb.
func trip(cb *CircuitBreaker, n int) {
	for range n {
		_ = cb.Execute(func() error { return errProbe })
	}
}

func TestCircuitBreakerDefaults(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "llm"})
	if cb.maxFailures != 5 || cb.resetTimeout != 30*time.Second || cb.halfOpenMax != 3 {
		t.Errorf("defaults = (%d, %v, %d), want (5, 30s, 3)",
			cb.maxFailures, cb.resetTimeout, cb.halfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreakerClosedForwards(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "llm", MaxFailures: 3})
	called := false
	if err := cb.Execute(func() error { called = true; return nil }); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !called {
		t.Fatal("fn was not called")
	}
}

func TestCircuitBreakerOpensAtLimit(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "llm",
		MaxFailures:  3,
		ResetTimeout: time.Hour,
	})

	trip(cb, 2)
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed below the limit", cb.State())
	}

	trip(cb, 1)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open at the limit", cb.State())
	}

	// Open breaker rejects without invoking fn.
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if called {
		t.Fatal("fn called while open")
	}
}

func TestCircuitBreakerSuccessClearsCounter(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "llm", MaxFailures: 3})

	trip(cb, 2)
	_ = cb.Execute(func() error { return nil })
	trip(cb, 2)

	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed — success must reset the streak", cb.State())
	}
}

func TestCircuitBreakerProbesAfterTimeout(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "llm",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  2,
	})
	trip(cb, 2)

	time.Sleep(15 * time.Millisecond)
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after the reset timeout", cb.State())
	}

	// Enough successful probes close the breaker.
	for i := range 2 {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after successful probes", cb.State())
	}
}

func TestCircuitBreakerFailedProbeReopens(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "llm",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  3,
	})
	trip(cb, 2)
	time.Sleep(15 * time.Millisecond)

	if err := cb.Execute(func() error { return errProbe }); err == nil {
		t.Fatal("expected the probe's error")
	}

	cb.mu.Lock()
	s := cb.state
	cb.mu.Unlock()
	if s != StateOpen {
		t.Fatalf("state = %v, want open after a failed probe", s)
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "llm",
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})
	trip(cb, 2)

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after Reset", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Execute after Reset: %v", err)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
