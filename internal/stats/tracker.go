// Package stats accumulates per-recipient send outcomes as counters in a
// Redis hash. Tracking is best-effort: store failures are logged and
// swallowed so that stats can never fail a send.
package stats

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/bissquit/notify-fanout/internal/domain"
)

// Counter names.
const (
	CounterSuccess     = "success"
	counterErrorPrefix = "error:"

	unknownErrorKey   = counterErrorPrefix + "UNKNOWN_ERROR"
	invalidFormatKey  = counterErrorPrefix + "invalid_response_format"
)

// Tracker writes outcome counters to the shared store.
type Tracker struct {
	client redis.Cmdable
	logger *slog.Logger
}

// New creates a stats tracker.
func New(client redis.Cmdable, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{client: client, logger: logger}
}

// Track records the outcome of a send under trackingKey. Accepted response
// shapes: a slice of results (one increment each), a single result or
// result pointer (one success or error increment), nil (no writes). Anything
// else counts once as an invalid response format.
func (t *Tracker) Track(ctx context.Context, trackingKey string, response any) {
	if response == nil {
		return
	}

	counters := make(map[string]int64)

	switch r := response.(type) {
	case []domain.Result:
		if len(r) == 0 {
			return
		}
		for _, result := range r {
			counters[counterName(result)]++
		}
	case domain.Result:
		if r.Status == domain.StatusSuccess {
			counters[CounterSuccess]++
		} else {
			counters[counterName(r)]++
		}
	case *domain.Result:
		if r == nil {
			return
		}
		t.Track(ctx, trackingKey, *r)
		return
	default:
		t.logger.Warn("unrecognized response format for stats tracking",
			"tracking_key", trackingKey,
		)
		counters[invalidFormatKey]++
	}

	pipe := t.client.Pipeline()
	for name, count := range counters {
		pipe.HIncrBy(ctx, trackingKey, name, count)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		t.logger.Error("failed to record stats",
			"tracking_key", trackingKey,
			"error", err,
		)
	}
}

// TrackError records a single error counter, used when job processing threw
// before per-recipient results existed.
func (t *Tracker) TrackError(ctx context.Context, trackingKey, message string) {
	if message == "" {
		message = "UNKNOWN_ERROR"
	}
	if err := t.client.HIncrBy(ctx, trackingKey, counterErrorPrefix+message, 1).Err(); err != nil {
		t.logger.Error("failed to record error stat",
			"tracking_key", trackingKey,
			"error", err,
		)
	}
}

// Get returns the full stats hash for key. Read failures are logged and an
// empty map is returned.
func (t *Tracker) Get(ctx context.Context, trackingKey string) map[string]string {
	values, err := t.client.HGetAll(ctx, trackingKey).Result()
	if err != nil {
		t.logger.Error("failed to read stats",
			"tracking_key", trackingKey,
			"error", err,
		)
		return map[string]string{}
	}
	return values
}

// Reset deletes the stats hash for key. Errors are logged and swallowed.
func (t *Tracker) Reset(ctx context.Context, trackingKey string) {
	if err := t.client.Del(ctx, trackingKey).Err(); err != nil {
		t.logger.Error("failed to reset stats",
			"tracking_key", trackingKey,
			"error", err,
		)
	}
}

// counterName maps one result to its counter.
func counterName(result domain.Result) string {
	if result.Status == domain.StatusSuccess {
		return CounterSuccess
	}
	if result.Error == "" {
		return unknownErrorKey
	}
	return counterErrorPrefix + result.Error
}
