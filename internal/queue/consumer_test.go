package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/notify-fanout/internal/testutil"
)

func testConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Concurrency:     2,
		LockDuration:    5 * time.Second,
		BlockTimeout:    50 * time.Millisecond,
		StalledInterval: time.Hour,
		PromoteInterval: 20 * time.Millisecond,
	}
}

func TestConsumer_ProcessesJob(t *testing.T) {
	_, client := testutil.NewRedis(t)
	ctx := context.Background()

	q, err := New(client, "jobs")
	require.NoError(t, err)

	var mu sync.Mutex
	var got []string

	consumer := NewConsumer(q, testConsumerConfig(), func(_ context.Context, job *Job) error {
		mu.Lock()
		got = append(got, string(job.Data))
		mu.Unlock()
		return nil
	}, Events{}, nil)

	_, err = q.Add(ctx, "send", []byte(`payload-1`), Options{RemoveOnComplete: true})
	require.NoError(t, err)

	consumer.Start(ctx)
	defer consumer.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"payload-1"}, got)
	mu.Unlock()

	// RemoveOnComplete drops the record and the queue is empty.
	require.Eventually(t, func() bool {
		counts, err := q.JobCounts(ctx)
		return err == nil && counts.Total() == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestConsumer_CompletedRetainedWithoutRemoveOnComplete(t *testing.T) {
	_, client := testutil.NewRedis(t)
	ctx := context.Background()

	q, err := New(client, "jobs")
	require.NoError(t, err)

	consumer := NewConsumer(q, testConsumerConfig(), func(context.Context, *Job) error {
		return nil
	}, Events{}, nil)

	id, err := q.Add(ctx, "send", []byte(`{}`), Options{})
	require.NoError(t, err)

	consumer.Start(ctx)
	defer consumer.Close()

	require.Eventually(t, func() bool {
		completed, err := client.LRange(ctx, "jobs:completed", 0, -1).Result()
		return err == nil && len(completed) == 1 && completed[0] == id
	}, 3*time.Second, 10*time.Millisecond)

	exists, err := client.Exists(ctx, "jobs:job:"+id).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)
}

func TestConsumer_RetriesThenFails(t *testing.T) {
	_, client := testutil.NewRedis(t)
	ctx := context.Background()

	q, err := New(client, "jobs")
	require.NoError(t, err)

	var attempts atomic.Int64
	var failedEvents atomic.Int64

	consumer := NewConsumer(q, testConsumerConfig(), func(context.Context, *Job) error {
		attempts.Add(1)
		return errors.New("send exploded")
	}, Events{
		OnFailed: func(*Job, error) { failedEvents.Add(1) },
	}, nil)

	id, err := q.Add(ctx, "send", []byte(`{}`), Options{
		Attempts: 3,
		Backoff:  BackoffPolicy{Type: "fixed", Delay: 10 * time.Millisecond},
	})
	require.NoError(t, err)

	consumer.Start(ctx)
	defer consumer.Close()

	require.Eventually(t, func() bool {
		return attempts.Load() == 3
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		failed, err := client.LRange(ctx, "jobs:failed", 0, -1).Result()
		return err == nil && len(failed) == 1 && failed[0] == id
	}, 3*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(3), failedEvents.Load())

	// Failed jobs are retained for inspection.
	reason, err := client.HGet(ctx, "jobs:job:"+id, "failedReason").Result()
	require.NoError(t, err)
	assert.Equal(t, "send exploded", reason)
}

func TestConsumer_DelayedJobPromoted(t *testing.T) {
	_, client := testutil.NewRedis(t)
	ctx := context.Background()

	q, err := New(client, "jobs")
	require.NoError(t, err)

	var processed atomic.Int64

	consumer := NewConsumer(q, testConsumerConfig(), func(context.Context, *Job) error {
		processed.Add(1)
		return nil
	}, Events{}, nil)

	_, err = q.Add(ctx, "send", []byte(`{}`), Options{Delay: 100 * time.Millisecond, RemoveOnComplete: true})
	require.NoError(t, err)

	consumer.Start(ctx)
	defer consumer.Close()

	// Not processed before the delay expires.
	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, processed.Load())

	require.Eventually(t, func() bool {
		return processed.Load() == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConsumer_Events(t *testing.T) {
	_, client := testutil.NewRedis(t)
	ctx := context.Background()

	q, err := New(client, "jobs")
	require.NoError(t, err)

	var active, completed, drained atomic.Int64

	consumer := NewConsumer(q, testConsumerConfig(), func(context.Context, *Job) error {
		return nil
	}, Events{
		OnActive:    func(*Job) { active.Add(1) },
		OnCompleted: func(*Job) { completed.Add(1) },
		OnDrained:   func() { drained.Add(1) },
	}, nil)

	_, err = q.Add(ctx, "send", []byte(`{}`), Options{RemoveOnComplete: true})
	require.NoError(t, err)

	consumer.Start(ctx)
	defer consumer.Close()

	require.Eventually(t, func() bool {
		return active.Load() == 1 && completed.Load() == 1 && drained.Load() >= 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConsumer_EventPanicIsCaught(t *testing.T) {
	_, client := testutil.NewRedis(t)
	ctx := context.Background()

	q, err := New(client, "jobs")
	require.NoError(t, err)

	var completed atomic.Int64

	consumer := NewConsumer(q, testConsumerConfig(), func(context.Context, *Job) error {
		return nil
	}, Events{
		OnActive:    func(*Job) { panic("listener bug") },
		OnCompleted: func(*Job) { completed.Add(1) },
	}, nil)

	_, err = q.Add(ctx, "send", []byte(`{}`), Options{RemoveOnComplete: true})
	require.NoError(t, err)

	consumer.Start(ctx)
	defer consumer.Close()

	require.Eventually(t, func() bool {
		return completed.Load() == 1
	}, 3*time.Second, 10*time.Millisecond)
}

func TestConsumer_HandlerPanicFailsJob(t *testing.T) {
	_, client := testutil.NewRedis(t)
	ctx := context.Background()

	q, err := New(client, "jobs")
	require.NoError(t, err)

	var failedErr error
	var failed atomic.Bool

	consumer := NewConsumer(q, testConsumerConfig(), func(context.Context, *Job) error {
		panic("handler bug")
	}, Events{
		OnFailed: func(_ *Job, err error) {
			failedErr = err
			failed.Store(true)
		},
	}, nil)

	_, err = q.Add(ctx, "send", []byte(`{}`), Options{})
	require.NoError(t, err)

	consumer.Start(ctx)
	defer consumer.Close()

	require.Eventually(t, func() bool { return failed.Load() }, 3*time.Second, 10*time.Millisecond)
	assert.Contains(t, failedErr.Error(), "handler panic")
}

func TestConsumer_StalledJobRequeued(t *testing.T) {
	_, client := testutil.NewRedis(t)
	ctx := context.Background()

	q, err := New(client, "jobs")
	require.NoError(t, err)

	// Simulate a crashed worker: job sits on the active list with no lock.
	id, err := q.Add(ctx, "send", []byte(`{}`), Options{})
	require.NoError(t, err)
	_, err = client.LPush(ctx, "jobs:active", id).Result()
	require.NoError(t, err)
	_, err = client.LRem(ctx, "jobs:waiting", 1, id).Result()
	require.NoError(t, err)

	consumer := NewConsumer(q, testConsumerConfig(), func(context.Context, *Job) error {
		return nil
	}, Events{}, nil)

	consumer.recoverStalled(ctx)

	waiting, err := client.LRange(ctx, "jobs:waiting", 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{id}, waiting)

	active, err := client.LLen(ctx, "jobs:active").Result()
	require.NoError(t, err)
	assert.Zero(t, active)
}

func TestConsumer_CloseStopsClaiming(t *testing.T) {
	_, client := testutil.NewRedis(t)
	ctx := context.Background()

	q, err := New(client, "jobs")
	require.NoError(t, err)

	var processed atomic.Int64

	consumer := NewConsumer(q, testConsumerConfig(), func(context.Context, *Job) error {
		processed.Add(1)
		return nil
	}, Events{}, nil)

	consumer.Start(ctx)
	consumer.Close()

	_, err = q.Add(ctx, "send", []byte(`{}`), Options{})
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, processed.Load())
}
