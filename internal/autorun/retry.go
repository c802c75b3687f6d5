package autorun

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRetryInterrupted is returned when a backoff sleep was cut short.
var ErrRetryInterrupted = errors.New("retry interrupted")

// RetryPolicy describes how often and how patiently an operation is retried.
type RetryPolicy struct {
	MaxAttempts int
	// Backoff[i] is the delay after failed attempt i. The last entry repeats.
	Backoff []time.Duration
	// AttemptTimeout bounds the context handed to each attempt. Zero means
	// no per-attempt deadline.
	AttemptTimeout time.Duration
}

// Delay returns the wait after the given zero-based failed attempt.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	if attempt >= len(p.Backoff) {
		return p.Backoff[len(p.Backoff)-1]
	}
	if attempt < 0 {
		return p.Backoff[0]
	}
	return p.Backoff[attempt]
}

// Sleeper waits for d and reports whether the full delay elapsed.
type Sleeper func(ctx context.Context, d time.Duration) bool

// ExhaustedError is returned when every attempt failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry calls fn until it returns nil, a Permanent error, or the policy is
// exhausted. No sleep happens after the final attempt.
func Retry(ctx context.Context, p RetryPolicy, sleep Sleeper, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := runAttempt(ctx, p.AttemptTimeout, attempt, fn)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if attempt == attempts-1 {
			break
		}
		if !sleep(ctx, p.Delay(attempt)) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %v", ErrRetryInterrupted, lastErr)
		}
	}
	return &ExhaustedError{Attempts: attempts, Err: lastErr}
}

func runAttempt(ctx context.Context, timeout time.Duration, attempt int, fn func(context.Context, int) error) error {
	if timeout <= 0 {
		return fn(ctx, attempt)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx, attempt)
}
