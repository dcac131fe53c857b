package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] either
// failed or had an open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig holds the circuit breaker template applied to each entry
// in a [FallbackGroup]. The per-entry breaker name is set to the entry's
// registered name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds a primary and zero or more fallback instances of one
// provider type. Calls go to the first entry whose breaker admits them;
// a failing or tripped entry is bypassed in registration order.
//
// Entries must all be registered before the group is used; Execute may then
// be called concurrently.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a group with primary as its first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.add(primaryName, primary)
	return fg
}

// AddFallback appends a fallback, tried after the primary and any earlier
// fallbacks.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.add(name, fallback)
}

func (fg *FallbackGroup[T]) add(name string, value T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Execute tries fn against each entry until one succeeds. Entries with an
// open breaker are skipped. When every entry fails, the returned error wraps
// [ErrAllFailed] together with the last failure.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that produce a
// value. It is a package-level function because Go methods cannot introduce
// type parameters.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var lastErr error
	for i := range fg.entries {
		entry := &fg.entries[i]

		var result R
		err := entry.breaker.Execute(func() error {
			var callErr error
			result, callErr = fn(entry.value)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		lastErr = err

		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping provider (circuit open)", "provider", entry.name)
		} else {
			slog.Warn("provider failed, trying next", "provider", entry.name, "error", err)
		}
	}

	var zero R
	return zero, fmt.Errorf("%w: %v", ErrAllFailed, lastErr)
}
