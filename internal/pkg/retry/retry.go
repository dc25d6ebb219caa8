// Package retry provides an exponential-backoff retry helper for transient
// external calls such as database queries and queue writes.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Do runs op up to maxRetries+1 times. The delay before retry k is
// baseDelay * 2^(k-1). The operation name is used only for logging.
func Do[T any](ctx context.Context, op func(ctx context.Context) (T, error), maxRetries int, baseDelay time.Duration, name string, logger *slog.Logger) (T, error) {
	var zero T
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(baseDelay, attempt)
			logger.Warn("retrying operation",
				"name", name,
				"attempt", attempt,
				"max_retries", maxRetries,
				"delay", delay,
				"error", lastErr,
			)
			if !sleep(ctx, delay) {
				return zero, fmt.Errorf("%s cancelled: %w", name, ctx.Err())
			}
		}

		// Trace level (below debug).
		logger.Log(ctx, slog.LevelDebug-4, "attempting operation", "name", name, "attempt", attempt)

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
	}

	logger.Error("operation failed after retries",
		"name", name,
		"max_retries", maxRetries,
		"error", lastErr,
	)
	return zero, fmt.Errorf("%s after %d attempts: %w", name, maxRetries+1, lastErr)
}

// backoffDelay returns baseDelay * 2^(attempt-1).
func backoffDelay(baseDelay time.Duration, attempt int) time.Duration {
	return baseDelay * time.Duration(1<<(attempt-1))
}

// sleep waits for duration or context cancellation. Returns false if cancelled.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
