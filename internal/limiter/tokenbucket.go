// Package limiter provides the two pacing primitives of the engine: a token
// bucket for producer-side query pacing and a min-time scheduler for
// outbound channel calls.
package limiter

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/time/rate"
)

// ErrCancelled is returned for work that was scheduled but never started
// because the limiter shut down.
var ErrCancelled = errors.New("limiter: cancelled")

// TokenBucket paces callers to a fixed number of acquisitions per second.
// Burst is kept at one so that over any interval of length T the number of
// successful acquisitions never exceeds rate*T+1.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket creates a token bucket limiter.
func NewTokenBucket(ratePerSecond float64) (*TokenBucket, error) {
	if ratePerSecond <= 0 {
		return nil, fmt.Errorf("rate per second must be positive, got %g", ratePerSecond)
	}
	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), 1),
	}, nil
}

// Acquire blocks until a token is available or the context is cancelled.
func (b *TokenBucket) Acquire(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}
