// Package retry provides retry policies for transient failures.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int           // Maximum number of attempts (0 = infinite)
	InitialWait time.Duration // Initial wait time
	MaxWait     time.Duration // Maximum wait time
	Multiplier  float64       // Backoff multiplier (1.0 = fixed delay)
	Jitter      float64       // Jitter factor (0-1)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 100 * time.Millisecond,
		MaxWait:     10 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

// Fixed returns a fixed-delay policy: maxAttempts attempts separated by wait.
func Fixed(maxAttempts int, wait time.Duration) Config {
	return Config{
		MaxAttempts: maxAttempts,
		InitialWait: wait,
		MaxWait:     wait,
		Multiplier:  1.0,
	}
}

// wait returns the delay before retrying after the given 1-based attempt.
func (c Config) wait(attempt int) time.Duration {
	w := float64(c.InitialWait) * math.Pow(c.Multiplier, float64(attempt-1))
	if w > float64(c.MaxWait) {
		w = float64(c.MaxWait)
	}
	if c.Jitter > 0 {
		w += w * c.Jitter * (rand.Float64()*2 - 1)
	}
	return time.Duration(w)
}

// RetryableError wraps an error that should be retried.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string {
	return e.Err.Error()
}

func (e RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error should be retried.
func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable)
}

// Retryable wraps an error to mark it as retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err}
}

// Loop is an explicit retry state machine. The caller runs the operation,
// then feeds the failure into Next, which decides whether another attempt
// is allowed and sleeps out the inter-attempt delay:
//
//	l := retry.NewLoop(cfg)
//	for {
//		err := op()
//		if err == nil {
//			return nil
//		}
//		if !l.Next(ctx, err) {
//			return l.Err()
//		}
//	}
type Loop struct {
	cfg     Config
	attempt int
	err     error
}

// NewLoop creates a retry loop with the given policy.
func NewLoop(cfg Config) *Loop {
	return &Loop{cfg: cfg}
}

// Attempt returns the number of attempts consumed so far.
func (l *Loop) Attempt() int {
	return l.attempt
}

// Err returns the error that terminated the loop.
func (l *Loop) Err() error {
	return l.err
}

// Next records err and waits before the next attempt. It returns false when
// the error is not retryable, the attempt budget is spent, or the context is
// done; the governing error is then available from Err.
func (l *Loop) Next(ctx context.Context, err error) bool {
	l.attempt++
	l.err = err

	if !IsRetryable(err) {
		return false
	}
	if l.cfg.MaxAttempts > 0 && l.attempt >= l.cfg.MaxAttempts {
		return false
	}
	if ctx.Err() != nil {
		l.err = ctx.Err()
		return false
	}

	select {
	case <-ctx.Done():
		l.err = ctx.Err()
		return false
	case <-time.After(l.cfg.wait(l.attempt)):
		return true
	}
}

// Do executes fn with retries.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	l := NewLoop(cfg)
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if !l.Next(ctx, err) {
			return l.Err()
		}
	}
}

// DoWithResult executes fn with retries and returns a result.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var zero T
	l := NewLoop(cfg)
	for {
		r, err := fn()
		if err == nil {
			return r, nil
		}
		if !l.Next(ctx, err) {
			return zero, l.Err()
		}
	}
}
