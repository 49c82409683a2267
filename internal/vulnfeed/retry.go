package vulnfeed

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// permanentError stops retry early; a 404 will not fix itself.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err: err} }

// retry executes fn up to maxAttempts times with jittered exponential backoff.
// Base delay doubles on each attempt: 500ms -> 1s -> 2s, etc.
// Random jitter of 0-50% of the current delay is added.
func retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	var lastErr error
	delay := baseDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var pe *permanentError
		if errors.As(lastErr, &pe) {
			return pe.err
		}
		if attempt == maxAttempts || ctx.Err() != nil {
			break
		}
		var jitter time.Duration
		if delay > 1 {
			jitter = time.Duration(rand.Int63n(int64(delay / 2)))
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return lastErr
}
