package acton

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// retryConfig holds bounded-retry settings.
type retryConfig struct {
	maxAttempts int
	baseDelay   time.Duration
	logger      *slog.Logger
}

// RetryOption configures a retry sequence.
type RetryOption func(*retryConfig)

// RetryMaxAttempts sets the maximum number of attempts (default: 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(c *retryConfig) {
		if n >= 1 {
			c.maxAttempts = n
		}
	}
}

// RetryBaseDelay sets the initial backoff delay before the second
// attempt (default: 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(c *retryConfig) { c.baseDelay = d }
}

// RetryLogger sets the structured logger for retry events. Retries log
// at WARN; final failures after exhausting attempts log at ERROR.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(c *retryConfig) { c.logger = l }
}

// Retry runs fn up to maxAttempts times with exponential backoff and
// jitter, returning the first success or the last error. Context
// cancellation aborts between attempts.
func Retry[T any](ctx context.Context, op string, fn func() (T, error), opts ...RetryOption) (T, error) {
	cfg := retryConfig{maxAttempts: 3, baseDelay: time.Second, logger: nopLogger}
	for _, o := range opts {
		o(&cfg)
	}

	var zero T
	var lastErr error
	for i := 0; i < cfg.maxAttempts; i++ {
		if ctx.Err() != nil {
			return zero, &ErrCancelled{Op: op}
		}
		v, err := fn()
		if err == nil {
			return v, nil
		}
		lastErr = err
		cfg.logger.Warn("retrying after error",
			"op", op, "attempt", i+1, "max_attempts", cfg.maxAttempts, "error", err)
		if i < cfg.maxAttempts-1 {
			timer := time.NewTimer(retryDelay(cfg.baseDelay, i))
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, &ErrCancelled{Op: op}
			case <-timer.C:
			}
		}
	}
	cfg.logger.Error("all retry attempts exhausted",
		"op", op, "attempts", cfg.maxAttempts, "error", lastErr)
	return zero, lastErr
}

// retryDelay doubles the base delay per attempt and adds up to 25%
// jitter so synchronized retries spread out.
func retryDelay(base time.Duration, attempt int) time.Duration {
	d := base << attempt
	return d + time.Duration(rand.Int63n(int64(d)/4+1))
}
