// Package campaign manages the advisory cancellation flags workers consult
// before processing a job.
package campaign

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix      = "worker:cancel:campaign:"
	cancelledValue = "true"
)

// Key returns the store key holding the cancellation flag for a campaign.
func Key(campaignID string) string {
	return keyPrefix + campaignID
}

// Cancel marks a campaign as cancelled. A zero ttl leaves the flag without
// expiry; flag lifetime is operator policy.
func Cancel(ctx context.Context, client redis.Cmdable, campaignID string, ttl time.Duration) error {
	return client.Set(ctx, Key(campaignID), cancelledValue, ttl).Err()
}

// Resume removes the cancellation flag for a campaign.
func Resume(ctx context.Context, client redis.Cmdable, campaignID string) error {
	return client.Del(ctx, Key(campaignID)).Err()
}

// IsCancelled reports whether the campaign's flag is set. Only the literal
// value "true" counts as cancelled; a missing key is not an error.
func IsCancelled(ctx context.Context, client redis.Cmdable, campaignID string) (bool, error) {
	value, err := client.Get(ctx, Key(campaignID)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return value == cancelledValue, nil
}
