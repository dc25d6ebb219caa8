// Package dispatch implements the producer side of the engine: it pages
// recipients out of the caller's database, groups them into jobs and
// enqueues the jobs for workers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/bissquit/notify-fanout/internal/domain"
	"github.com/bissquit/notify-fanout/internal/limiter"
	"github.com/bissquit/notify-fanout/internal/pkg/ctxlog"
	"github.com/bissquit/notify-fanout/internal/pkg/redisconn"
	"github.com/bissquit/notify-fanout/internal/pkg/retry"
	"github.com/bissquit/notify-fanout/internal/queue"
)

const (
	defaultBatchSize        = 1000
	defaultTrackingKey      = "notifications:stats"
	defaultEnqueueRetries   = 3
	defaultEnqueueBaseDelay = 200 * time.Millisecond

	// Query retry policy: base 500ms, factor 2, up to 5 attempts.
	queryRetries   = 4
	queryBaseDelay = 500 * time.Millisecond

	// At most this many batch handlers run in parallel.
	maxConcurrentBatches = 3
)

// Config describes one dispatch run. R is the caller's database record
// type.
type Config[R any] struct {
	// Client is an externally owned store connection. When nil, Redis is
	// used to build a dispatch-owned connection that is closed on exit.
	Client redis.UniversalClient
	Redis  *redisconn.Config

	// Channel selects the adapter workers will use for these jobs.
	Channel string

	QueueName string
	JobName   string

	// Query pages records: it is called with a growing offset until it
	// returns an empty slice.
	Query func(ctx context.Context, offset, limit int) ([]R, error)
	// MapRecipient extracts the channel-specific recipient identifier.
	MapRecipient func(record R) string
	// BuildMeta builds the per-recipient message content. A failure is
	// logged and leaves that slot's meta empty instead of aborting the
	// batch.
	BuildMeta func(record R) (domain.Meta, error)

	CampaignID string

	BatchSize           int
	MaxQueriesPerSecond float64

	TrackResponses bool
	TrackingKey    string

	// JobOptions overrides the queue options. When nil, jobs are enqueued
	// with {RemoveOnComplete: true, RemoveOnFail: false}.
	JobOptions *queue.Options

	EnqueueRetries   int
	EnqueueBaseDelay time.Duration

	Logger *slog.Logger
}

func (c *Config[R]) validate() error {
	if c.Client == nil && c.Redis == nil {
		return errors.New("dispatch: store connection or connection options are required")
	}
	if c.Channel == "" {
		return errors.New("dispatch: channel is required")
	}
	if c.QueueName == "" {
		return errors.New("dispatch: queue name is required")
	}
	if c.JobName == "" {
		return errors.New("dispatch: job name is required")
	}
	if c.Query == nil {
		return errors.New("dispatch: query function is required")
	}
	if c.MapRecipient == nil {
		return errors.New("dispatch: map recipient function is required")
	}
	if c.BuildMeta == nil {
		return errors.New("dispatch: build meta function is required")
	}
	return nil
}

func (c *Config[R]) withDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.TrackingKey == "" {
		c.TrackingKey = defaultTrackingKey
	}
	if c.EnqueueRetries <= 0 {
		c.EnqueueRetries = defaultEnqueueRetries
	}
	if c.EnqueueBaseDelay <= 0 {
		c.EnqueueBaseDelay = defaultEnqueueBaseDelay
	}
}

// Run pages every record out of the database and enqueues the resulting
// jobs. It returns after the last batch is enqueued or on the first
// permanent failure, awaiting outstanding batch handlers either way.
func Run[R any](ctx context.Context, cfg Config[R]) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	cfg.withDefaults()

	logger := ctxlog.Component(cfg.Logger, "dispatch").With(
		"queue", cfg.QueueName,
		"channel", cfg.Channel,
	)

	client := cfg.Client
	ownsClient := false
	if client == nil {
		connected, err := redisconn.Connect(ctx, *cfg.Redis)
		if err != nil {
			return fmt.Errorf("dispatch: %w", err)
		}
		client = connected
		ownsClient = true
	}
	defer func() {
		if ownsClient {
			if err := client.Close(); err != nil {
				logger.Warn("failed to close store connection", "error", err)
			}
		}
	}()

	var bucket *limiter.TokenBucket
	if cfg.MaxQueriesPerSecond > 0 {
		var err error
		bucket, err = limiter.NewTokenBucket(cfg.MaxQueriesPerSecond)
		if err != nil {
			return fmt.Errorf("dispatch: %w", err)
		}
	}

	q, err := queue.New(client, cfg.QueueName)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	logger.Info("dispatch started",
		"batch_size", cfg.BatchSize,
		"campaign_id", cfg.CampaignID,
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxConcurrentBatches)

	var loopErr error
	offset := 0
	batches := 0

	for {
		if groupCtx.Err() != nil {
			break
		}

		if bucket != nil {
			if err := bucket.Acquire(groupCtx); err != nil {
				loopErr = fmt.Errorf("dispatch: query pacing: %w", err)
				break
			}
		}

		queryOffset := offset
		records, err := retry.Do(groupCtx, func(ctx context.Context) ([]R, error) {
			return cfg.Query(ctx, queryOffset, cfg.BatchSize)
		}, queryRetries, queryBaseDelay, "db query", logger)
		if err != nil {
			loopErr = fmt.Errorf("dispatch: %w", err)
			break
		}

		if len(records) == 0 {
			break
		}

		// Offsets advance by returned count, not by requested limit.
		offset += len(records)
		batches++

		group.Go(func() error {
			return enqueueBatch(groupCtx, &cfg, q, records, queryOffset, logger)
		})
	}

	if err := group.Wait(); err != nil && loopErr == nil {
		loopErr = err
	}
	if loopErr == nil && ctx.Err() != nil {
		loopErr = fmt.Errorf("dispatch: %w", ctx.Err())
	}

	if loopErr != nil {
		logger.Error("dispatch failed", "records", offset, "batches", batches, "error", loopErr)
		return loopErr
	}

	logger.Info("dispatch finished", "records", offset, "batches", batches)
	return nil
}

// enqueueBatch builds one job from a page of records and writes it to the
// queue with retry.
func enqueueBatch[R any](ctx context.Context, cfg *Config[R], q *queue.Queue, records []R, batchOffset int, logger *slog.Logger) error {
	userIDs := make([]string, len(records))
	metas := make([]domain.Meta, len(records))

	for i, record := range records {
		userIDs[i] = cfg.MapRecipient(record)

		meta, err := cfg.BuildMeta(record)
		if err != nil {
			logger.Warn("failed to build meta for record, leaving it empty",
				"batch_offset", batchOffset,
				"index", i,
				"error", err,
			)
			meta = domain.Meta{}
		}
		metas[i] = meta
	}

	job := &domain.Job{
		UserIDs:        userIDs,
		Channel:        cfg.Channel,
		Meta:           metas,
		TrackResponses: cfg.TrackResponses,
		TrackingKey:    cfg.TrackingKey,
		CampaignID:     cfg.CampaignID,
	}

	payload, err := queue.EncodeJob(job)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	opts := queue.Options{RemoveOnComplete: true, RemoveOnFail: false}
	if cfg.JobOptions != nil {
		opts = *cfg.JobOptions
	}

	jobID, err := retry.Do(ctx, func(ctx context.Context) (string, error) {
		return q.Add(ctx, cfg.JobName, payload, opts)
	}, cfg.EnqueueRetries, cfg.EnqueueBaseDelay, "enqueue", logger)
	if err != nil {
		return fmt.Errorf("dispatch: %w", err)
	}

	logger.Debug("job enqueued",
		"job_id", jobID,
		"batch_offset", batchOffset,
		"recipients", len(userIDs),
	)
	return nil
}
