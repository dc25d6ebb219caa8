package stats

import (
	"context"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/notify-fanout/internal/domain"
	"github.com/bissquit/notify-fanout/internal/testutil"
)

const testKey = "notifications:stats"

func TestTracker_TrackResultSlice(t *testing.T) {
	_, client := testutil.NewRedis(t)
	tracker := New(client, nil)
	ctx := context.Background()

	results := []domain.Result{
		domain.SuccessResult("a@example.com", nil),
		domain.SuccessResult("b@example.com", nil),
		domain.ErrorResult("c@example.com", "550:Mailbox_not_found"),
		domain.ErrorResult("d@example.com", ""),
	}

	tracker.Track(ctx, testKey, results)

	stats := tracker.Get(ctx, testKey)
	assert.Equal(t, map[string]string{
		"success":                     "2",
		"error:550:Mailbox_not_found": "1",
		"error:UNKNOWN_ERROR":         "1",
	}, stats)
}

func TestTracker_SumEqualsInputLength(t *testing.T) {
	_, client := testutil.NewRedis(t)
	tracker := New(client, nil)
	ctx := context.Background()

	results := []domain.Result{
		domain.SuccessResult("a", nil),
		domain.ErrorResult("b", "x"),
		domain.ErrorResult("c", "x"),
		domain.SuccessResult("d", nil),
		domain.ErrorResult("e", ""),
	}

	tracker.Track(ctx, testKey, results)

	var total int64
	counts, err := client.HGetAll(ctx, testKey).Result()
	require.NoError(t, err)
	for _, v := range counts {
		n, parseErr := strconv.ParseInt(v, 10, 64)
		require.NoError(t, parseErr)
		total += n
	}
	assert.Equal(t, int64(len(results)), total)
}

func TestTracker_TrackSingleFailure(t *testing.T) {
	_, client := testutil.NewRedis(t)
	tracker := New(client, nil)
	ctx := context.Background()

	tracker.Track(ctx, testKey, domain.ErrorResult("a", "500:boom"))

	stats := tracker.Get(ctx, testKey)
	assert.Equal(t, map[string]string{"error:500:boom": "1"}, stats)
}

func TestTracker_TrackUnrecognizedShape(t *testing.T) {
	_, client := testutil.NewRedis(t)
	tracker := New(client, nil)
	ctx := context.Background()

	tracker.Track(ctx, testKey, 12345)

	stats := tracker.Get(ctx, testKey)
	assert.Equal(t, map[string]string{"error:invalid_response_format": "1"}, stats)
}

func TestTracker_TrackNil(t *testing.T) {
	_, client := testutil.NewRedis(t)
	tracker := New(client, nil)
	ctx := context.Background()

	tracker.Track(ctx, testKey, nil)

	exists, err := client.Exists(ctx, testKey).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestTracker_TrackEmptySlice(t *testing.T) {
	_, client := testutil.NewRedis(t)
	tracker := New(client, nil)
	ctx := context.Background()

	tracker.Track(ctx, testKey, []domain.Result{})

	exists, err := client.Exists(ctx, testKey).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)
}

func TestTracker_IncrementsAccumulate(t *testing.T) {
	_, client := testutil.NewRedis(t)
	tracker := New(client, nil)
	ctx := context.Background()

	tracker.Track(ctx, testKey, []domain.Result{domain.SuccessResult("a", nil)})
	tracker.Track(ctx, testKey, []domain.Result{domain.SuccessResult("b", nil)})

	stats := tracker.Get(ctx, testKey)
	assert.Equal(t, "2", stats["success"])
}

func TestTracker_TrackError(t *testing.T) {
	_, client := testutil.NewRedis(t)
	tracker := New(client, nil)
	ctx := context.Background()

	tracker.TrackError(ctx, testKey, "adapter exploded")

	stats := tracker.Get(ctx, testKey)
	assert.Equal(t, map[string]string{"error:adapter exploded": "1"}, stats)
}

func TestTracker_ResetThenGetEmpty(t *testing.T) {
	_, client := testutil.NewRedis(t)
	tracker := New(client, nil)
	ctx := context.Background()

	tracker.Track(ctx, testKey, []domain.Result{domain.SuccessResult("a", nil)})
	tracker.Reset(ctx, testKey)

	assert.Empty(t, tracker.Get(ctx, testKey))
}

func TestTracker_GetOnStoreFailure(t *testing.T) {
	mr, client := testutil.NewRedis(t)
	tracker := New(client, nil)

	mr.Close()

	stats := tracker.Get(context.Background(), testKey)
	assert.NotNil(t, stats)
	assert.Empty(t, stats)
}

func TestTracker_TrackSwallowsStoreFailure(t *testing.T) {
	mr, client := testutil.NewRedis(t)
	tracker := New(client, nil)

	mr.Close()

	// Must not panic or return an error to the caller.
	tracker.Track(context.Background(), testKey, []domain.Result{domain.SuccessResult("a", nil)})
	tracker.Reset(context.Background(), testKey)
}
