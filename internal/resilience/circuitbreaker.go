// Package resilience provides circuit breaker and provider failover primitives.
//
// [CircuitBreaker] is a three-state breaker (closed → open → half-open)
// that stops hammering a dependency once it fails repeatedly.
// [FallbackGroup] composes multiple providers of one capability with a
// breaker per entry, so a tripped primary is bypassed in favour of a
// healthy fallback.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// is open and the reset timeout has not elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed forwards all calls.
	StateClosed State = iota

	// StateOpen rejects calls with [ErrCircuitOpen] until the reset timeout
	// elapses.
	StateOpen

	// StateHalfOpen admits a bounded number of probe calls. Enough successes
	// close the breaker; any failure re-opens it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields select the
// defaults noted per field.
type CircuitBreakerConfig struct {
	// Name labels the breaker in log messages.
	Name string

	// MaxFailures is the consecutive-failure count that opens a closed
	// breaker. Default 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the probe budget in the half-open state. Default 3.
	HalfOpenMax int
}

// CircuitBreaker implements the three-state circuit breaker pattern.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu         sync.Mutex
	state      State
	failures   int // consecutive, closed state only
	openedAt   time.Time
	probes     int // calls admitted while half-open
	probeFails int
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
	}
}

// Execute runs fn when the breaker admits the call and feeds the outcome
// back into the state machine. While open it returns [ErrCircuitOpen]
// without calling fn; while half-open only the probe budget is admitted.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	probe, ok := cb.admit()
	if !ok {
		return ErrCircuitOpen
	}

	err := fn()
	cb.record(err, probe)
	return err
}

// admit decides whether a call may proceed. The second return is false when
// the call is rejected; the first reports whether the admitted call counts
// as a half-open probe.
func (cb *CircuitBreaker) admit() (probe, ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) < cb.resetTimeout {
			return false, false
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeFails = 0
		slog.Info("circuit breaker transitioning to half-open", "name", cb.name)

	case StateHalfOpen:
		if cb.probes >= cb.halfOpenMax {
			return false, false
		}
	}

	if cb.state == StateHalfOpen {
		cb.probes++
		return true, true
	}
	return false, true
}

func (cb *CircuitBreaker) record(err error, probe bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		if !probe {
			cb.failures = 0
			return
		}
		if cb.probes-cb.probeFails >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.failures = 0
			cb.probes = 0
			cb.probeFails = 0
			slog.Info("circuit breaker closed after successful probes", "name", cb.name)
		}
		return
	}

	cb.openedAt = time.Now()

	if probe {
		// One failed probe re-opens immediately.
		cb.probeFails++
		cb.state = StateOpen
		cb.failures = cb.maxFailures
		slog.Warn("circuit breaker re-opened from half-open", "name", cb.name)
		return
	}

	cb.failures++
	if cb.failures >= cb.maxFailures {
		cb.state = StateOpen
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"consecutive_failures", cb.failures)
	}
}

// State returns the breaker's current state. An open breaker whose reset
// timeout has elapsed reports [StateHalfOpen]; the stored transition happens
// on the next [Execute].
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.openedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker back to closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.probes = 0
	cb.probeFails = 0
	slog.Info("circuit breaker manually reset", "name", cb.name)
}
