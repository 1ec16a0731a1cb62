package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"go.opentelemetry.io/otel"
)

// nonRetryableError marks a fatal error that Retry must not retry, so
// callers can classify provider/evaluator failures without a second error
// return value.
type nonRetryableError struct{ err error }

func (e *nonRetryableError) Error() string { return e.err.Error() }
func (e *nonRetryableError) Unwrap() error { return e.err }

// NonRetryable marks err as terminal: Retry returns the underlying error
// immediately on the first occurrence instead of continuing the backoff
// loop.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &nonRetryableError{err: err}
}

// Retry executes fn with exponential backoff (base delay) and full jitter.
// delay is the initial backoff; it doubles after each failed attempt until
// attempts are exhausted. Jitter is a uniform random duration in
// [0, currentDelay]. If fn returns an error wrapped by NonRetryable, Retry
// stops immediately and unwraps it rather than spending remaining attempts.
func Retry[T any](ctx context.Context, attempts int, delay time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	if attempts <= 0 {
		return zero, nil
	}
	cur := delay
	var lastErr error
	meter := otel.Meter(tracerName)
	attemptCounter, _ := meter.Int64Counter("evalorc_resilience_retry_attempts_total")
	successCounter, _ := meter.Int64Counter("evalorc_resilience_retry_success_total")
	failCounter, _ := meter.Int64Counter("evalorc_resilience_retry_fail_total")
	for i := 0; i < attempts; i++ {
		v, err := fn()
		attemptCounter.Add(ctx, 1)
		if err == nil {
			successCounter.Add(ctx, 1)
			return v, nil
		}
		var nonRetryable *nonRetryableError
		if errors.As(err, &nonRetryable) {
			failCounter.Add(ctx, 1)
			return zero, nonRetryable.Unwrap()
		}
		lastErr = err
		if i == attempts-1 {
			break
		}
		if cur > 60*time.Second {
			cur = 60 * time.Second
		}
		sleep := time.Duration(rand.Int63n(int64(cur) + 1))
		select {
		case <-ctx.Done():
			failCounter.Add(ctx, 1)
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
		cur *= 2
	}
	failCounter.Add(ctx, 1)
	return zero, lastErr
}
