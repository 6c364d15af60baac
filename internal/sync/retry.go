package sync

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultRetryAttempts  = 4
	defaultRetryBaseDelay = 500 * time.Millisecond
)

// withRetry runs fn up to attempts times, doubling the delay between
// tries. Each attempt gets its own deadline when callTimeout is set;
// exceeding it counts as transient. Only transient failures are
// retried; anything else returns immediately. The last error is
// returned once the budget is spent.
func withRetry(ctx context.Context, logger *slog.Logger, op string, attempts int, baseDelay, callTimeout time.Duration, fn func(ctx context.Context) error) error {
	if attempts < 1 {
		attempts = defaultRetryAttempts
	}
	if baseDelay <= 0 {
		baseDelay = defaultRetryBaseDelay
	}

	delay := baseDelay
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if callTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, callTimeout)
		}
		err = fn(attemptCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil || !IsTransient(err) {
			return err
		}
		// An expired per-call deadline is retryable, a canceled parent
		// is not.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == attempts {
			break
		}
		logger.Warn("transient provider error, backing off",
			"op", op, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
