package resilience

import (
	"context"
	"errors"
	"time"
)

// Call runs fn against a provider through the tracker: it consults
// ShouldSkip first, returning a *CircuitOpenError without calling fn when
// the provider is backing off, then records the outcome and latency.
// Timeouts are the caller's responsibility; the tracker only measures.
func Call[T any](ctx context.Context, t *Tracker, providerID string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if skip, retryAfter, state := t.ShouldSkip(providerID); skip {
		return zero, &CircuitOpenError{Provider: providerID, RetryAfter: retryAfter, State: state}
	}

	start := t.nowFunc()
	val, err := fn(ctx)
	t.RecordOutcome(providerID, Outcome{
		Success: err == nil,
		Latency: t.nowFunc().Sub(start),
		Err:     err,
	})
	if err != nil {
		return zero, err
	}
	return val, nil
}

// Guarded returns a retry ShouldRetry predicate that never retries circuit
// rejections and otherwise defers to IsTransient.
func Guarded(err error) bool {
	var coe *CircuitOpenError
	if errors.As(err, &coe) {
		return false
	}
	return IsTransient(err)
}

// RetryAfter extracts the retry hint from a rejection, or zero.
func RetryAfter(err error) time.Duration {
	var coe *CircuitOpenError
	if errors.As(err, &coe) {
		return coe.RetryAfter
	}
	return 0
}
