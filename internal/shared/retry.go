package shared

import (
	"context"
	"log/slog"
	"time"
)

// RetryPolicy bounds Retry.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy mirrors the database retry defaults: 3 attempts, 50ms base.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond}

// Retry runs fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. Delays double after every attempt.
func Retry(ctx context.Context, policy RetryPolicy, op string, fn func(ctx context.Context) error) error {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}

	var err error
	for i := 0; i < policy.MaxAttempts; i++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !IsRetryableDBError(err) || i == policy.MaxAttempts-1 {
			return err
		}

		delay := policy.BaseDelay * time.Duration(1<<i) // exponential backoff: 50ms, 100ms, 200ms
		slog.Debug("Database conflict, retrying",
			"op", op,
			"attempt", i+1,
			"delay", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
