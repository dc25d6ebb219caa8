package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ConsumerConfig contains consumer configuration.
type ConsumerConfig struct {
	// Concurrency is the number of claim loops, i.e. the maximum number of
	// jobs processed at once.
	Concurrency int
	// LockDuration bounds how long a crashed worker can hold a job before
	// it is re-queued. The lock is renewed at half this interval while the
	// handler runs.
	LockDuration time.Duration
	// BlockTimeout is how long one claim attempt blocks on an empty queue.
	BlockTimeout time.Duration
	// StalledInterval is how often active jobs with expired locks are
	// swept back onto the waiting list.
	StalledInterval time.Duration
	// PromoteInterval is how often due delayed jobs are promoted.
	PromoteInterval time.Duration
}

// DefaultConsumerConfig returns default consumer configuration.
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Concurrency:     10,
		LockDuration:    30 * time.Second,
		BlockTimeout:    time.Second,
		StalledInterval: 30 * time.Second,
		PromoteInterval: 500 * time.Millisecond,
	}
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	def := DefaultConsumerConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = def.Concurrency
	}
	if c.LockDuration <= 0 {
		c.LockDuration = def.LockDuration
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = def.BlockTimeout
	}
	if c.StalledInterval <= 0 {
		c.StalledInterval = def.StalledInterval
	}
	if c.PromoteInterval <= 0 {
		c.PromoteInterval = def.PromoteInterval
	}
	return c
}

// Handler processes one claimed job. A non-nil error fails the attempt and
// the job's retry policy decides what happens next.
type Handler func(ctx context.Context, job *Job) error

// Events are consumer lifecycle callbacks. All fields are optional;
// callbacks run on the claim goroutine and panics inside them are caught
// and logged.
type Events struct {
	OnActive    func(job *Job)
	OnCompleted func(job *Job)
	OnFailed    func(job *Job, err error)
	OnDrained   func()
}

// Consumer claims and processes jobs from one queue.
type Consumer struct {
	queue   *Queue
	client  redis.Cmdable
	config  ConsumerConfig
	handler Handler
	events  Events
	logger  *slog.Logger

	id string

	claimCancel context.CancelFunc
	procCtx     context.Context
	wg          sync.WaitGroup

	// sawWork gates the drained event: it fires once each time the queue
	// transitions from busy to empty.
	sawWork atomic.Bool
}

// NewConsumer creates a consumer for the queue. Call Start to begin
// claiming.
func NewConsumer(q *Queue, config ConsumerConfig, handler Handler, events Events, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Consumer{
		queue:   q,
		client:  q.client,
		config:  config.withDefaults(),
		handler: handler,
		events:  events,
		logger:  logger,
		id:      uuid.NewString(),
	}
	c.sawWork.Store(true)
	return c
}

// Start launches the claim loops. Claiming stops when Close is called or
// ctx is cancelled; jobs already claimed run to completion on ctx.
func (c *Consumer) Start(ctx context.Context) {
	claimCtx, cancel := context.WithCancel(ctx)
	c.claimCancel = cancel
	c.procCtx = ctx

	c.logger.Info("starting queue consumer",
		"queue", c.queue.Name(),
		"concurrency", c.config.Concurrency,
		"lock_duration", c.config.LockDuration,
	)

	c.wg.Add(1)
	go c.promoteLoop(claimCtx)

	c.wg.Add(1)
	go c.stalledLoop(claimCtx)

	for i := 0; i < c.config.Concurrency; i++ {
		c.wg.Add(1)
		go c.claimLoop(claimCtx)
	}
}

// Close stops claiming new jobs and waits for in-flight jobs to finish.
func (c *Consumer) Close() {
	if c.claimCancel != nil {
		c.claimCancel()
	}
	c.wg.Wait()
	c.logger.Info("queue consumer stopped", "queue", c.queue.Name())
}

func (c *Consumer) claimLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		id, err := c.client.BRPopLPush(ctx, c.queue.waitingKey(), c.queue.activeKey(), c.config.BlockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			c.maybeDrained(ctx)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("failed to claim job", "queue", c.queue.Name(), "error", err)
			sleep(ctx, time.Second)
			continue
		}

		c.sawWork.Store(true)
		c.process(id)
	}
}

// process runs one claimed job to a terminal outcome. It deliberately uses
// the processing context so an in-flight job survives Close.
func (c *Consumer) process(id string) {
	ctx := c.procCtx

	lockKey := c.queue.lockKey(id)
	if err := c.client.Set(ctx, lockKey, c.id, c.config.LockDuration).Err(); err != nil {
		c.logger.Error("failed to lock job", "job_id", id, "error", err)
	}

	stopRenewal := make(chan struct{})
	var renewalDone sync.WaitGroup
	renewalDone.Add(1)
	go c.renewLock(ctx, lockKey, stopRenewal, &renewalDone)

	defer func() {
		close(stopRenewal)
		renewalDone.Wait()
	}()

	job, err := c.queue.loadJob(ctx, id)
	if err != nil || job == nil {
		if err != nil {
			c.logger.Error("failed to load claimed job", "job_id", id, "error", err)
		} else {
			c.logger.Warn("claimed job has no record, dropping", "job_id", id)
		}
		c.removeFromActive(ctx, id, lockKey)
		return
	}

	c.fire(func() {
		if c.events.OnActive != nil {
			c.events.OnActive(job)
		}
	})

	if handlerErr := c.runHandler(ctx, job); handlerErr != nil {
		c.finishFailed(ctx, job, lockKey, handlerErr)
		return
	}
	c.finishCompleted(ctx, job, lockKey)
}

// runHandler invokes the handler, converting panics into errors so a bad
// job cannot kill the claim loop.
func (c *Consumer) runHandler(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return c.handler(ctx, job)
}

func (c *Consumer) finishCompleted(ctx context.Context, job *Job, lockKey string) {
	pipe := c.client.TxPipeline()
	pipe.LRem(ctx, c.queue.activeKey(), 1, job.ID)
	pipe.Del(ctx, lockKey)
	if job.Opts.RemoveOnComplete {
		pipe.Del(ctx, c.queue.jobKey(job.ID))
	} else {
		pipe.LPush(ctx, c.queue.completedKey(), job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Error("failed to finalize completed job", "job_id", job.ID, "error", err)
	}

	c.fire(func() {
		if c.events.OnCompleted != nil {
			c.events.OnCompleted(job)
		}
	})
}

func (c *Consumer) finishFailed(ctx context.Context, job *Job, lockKey string, jobErr error) {
	attemptsMade := job.AttemptsMade + 1

	pipe := c.client.TxPipeline()
	pipe.LRem(ctx, c.queue.activeKey(), 1, job.ID)
	pipe.Del(ctx, lockKey)
	pipe.HSet(ctx, c.queue.jobKey(job.ID), "attemptsMade", attemptsMade, "failedReason", jobErr.Error())

	if attemptsMade < job.Opts.Attempts {
		delay := retryDelay(job.Opts.Backoff, attemptsMade)
		readyAt := time.Now().Add(delay).UnixMilli()
		pipe.ZAdd(ctx, c.queue.delayedKey(), redis.Z{Score: float64(readyAt), Member: job.ID})

		c.logger.Warn("job failed, scheduling retry",
			"job_id", job.ID,
			"attempts_made", attemptsMade,
			"attempts", job.Opts.Attempts,
			"delay", delay,
			"error", jobErr,
		)
	} else {
		if job.Opts.RemoveOnFail {
			pipe.Del(ctx, c.queue.jobKey(job.ID))
		} else {
			pipe.LPush(ctx, c.queue.failedKey(), job.ID)
		}

		c.logger.Error("job failed permanently",
			"job_id", job.ID,
			"attempts_made", attemptsMade,
			"error", jobErr,
		)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Error("failed to finalize failed job", "job_id", job.ID, "error", err)
	}

	job.AttemptsMade = attemptsMade
	c.fire(func() {
		if c.events.OnFailed != nil {
			c.events.OnFailed(job, jobErr)
		}
	})
}

func (c *Consumer) removeFromActive(ctx context.Context, id, lockKey string) {
	pipe := c.client.TxPipeline()
	pipe.LRem(ctx, c.queue.activeKey(), 1, id)
	pipe.Del(ctx, lockKey)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Error("failed to remove job from active list", "job_id", id, "error", err)
	}
}

func (c *Consumer) renewLock(ctx context.Context, lockKey string, stop <-chan struct{}, done *sync.WaitGroup) {
	defer done.Done()

	ticker := time.NewTicker(c.config.LockDuration / 2)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.client.PExpire(ctx, lockKey, c.config.LockDuration).Err(); err != nil {
				c.logger.Warn("failed to renew job lock", "lock", lockKey, "error", err)
			}
		}
	}
}

// promoteLoop moves due delayed jobs onto the waiting list.
func (c *Consumer) promoteLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.promoteDue(ctx)
		}
	}
}

func (c *Consumer) promoteDue(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)

	ids, err := c.client.ZRangeByScore(ctx, c.queue.delayedKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: 100,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Error("failed to read delayed jobs", "queue", c.queue.Name(), "error", err)
		}
		return
	}

	for _, id := range ids {
		// ZRem guards against concurrent promoters double-queueing.
		removed, err := c.client.ZRem(ctx, c.queue.delayedKey(), id).Result()
		if err != nil {
			c.logger.Error("failed to promote delayed job", "job_id", id, "error", err)
			continue
		}
		if removed == 0 {
			continue
		}
		if err := c.client.LPush(ctx, c.queue.waitingKey(), id).Err(); err != nil {
			c.logger.Error("failed to enqueue promoted job", "job_id", id, "error", err)
		}
	}
}

// stalledLoop re-queues active jobs whose lock expired, e.g. after a worker
// crash. This is what makes delivery at-least-once.
func (c *Consumer) stalledLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.StalledInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.recoverStalled(ctx)
		}
	}
}

func (c *Consumer) recoverStalled(ctx context.Context) {
	ids, err := c.client.LRange(ctx, c.queue.activeKey(), 0, -1).Result()
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Error("failed to read active jobs", "queue", c.queue.Name(), "error", err)
		}
		return
	}

	for _, id := range ids {
		locked, err := c.client.Exists(ctx, c.queue.lockKey(id)).Result()
		if err != nil || locked > 0 {
			continue
		}

		removed, err := c.client.LRem(ctx, c.queue.activeKey(), 1, id).Result()
		if err != nil || removed == 0 {
			continue
		}

		c.logger.Warn("re-queueing stalled job", "job_id", id, "queue", c.queue.Name())
		if err := c.client.LPush(ctx, c.queue.waitingKey(), id).Err(); err != nil {
			c.logger.Error("failed to re-queue stalled job", "job_id", id, "error", err)
		}
	}
}

// maybeDrained fires the drained event on the busy-to-empty transition.
func (c *Consumer) maybeDrained(ctx context.Context) {
	if !c.sawWork.Load() {
		return
	}

	counts, err := c.queue.JobCounts(ctx)
	if err != nil || counts.Total() != 0 {
		return
	}

	if c.sawWork.CompareAndSwap(true, false) {
		c.fire(func() {
			if c.events.OnDrained != nil {
				c.events.OnDrained()
			}
		})
	}
}

// fire runs an event callback, catching panics.
func (c *Consumer) fire(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event callback panic", "panic", r)
		}
	}()
	fn()
}

// retryDelay computes the backoff before retry attempt n (1-based).
func retryDelay(policy BackoffPolicy, attempt int) time.Duration {
	if policy.Delay <= 0 {
		return 0
	}
	if policy.Type == "exponential" {
		return policy.Delay * time.Duration(1<<(attempt-1))
	}
	return policy.Delay
}

// sleep waits for duration or context cancellation.
func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
