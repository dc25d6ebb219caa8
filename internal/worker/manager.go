// Package worker implements the consumer side of the engine: it claims
// jobs from the queue, checks campaign cancellation, dispatches to the
// channel adapter and tracks per-recipient outcomes.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bissquit/notify-fanout/internal/campaign"
	"github.com/bissquit/notify-fanout/internal/channels"
	"github.com/bissquit/notify-fanout/internal/domain"
	"github.com/bissquit/notify-fanout/internal/pkg/ctxlog"
	"github.com/bissquit/notify-fanout/internal/pkg/redisconn"
	"github.com/bissquit/notify-fanout/internal/queue"
	"github.com/bissquit/notify-fanout/internal/stats"
)

const (
	defaultConcurrency = 10
	defaultTrackingKey = "notifications:stats"

	drainPollAttempts = 10
	drainPollInterval = 1500 * time.Millisecond
)

// InvalidJobError marks a job payload that failed structural validation.
// The queue's retry policy decides whether such a job is retried.
type InvalidJobError struct {
	Reason error
}

func (e *InvalidJobError) Error() string {
	return fmt.Sprintf("invalid job payload: %v", e.Reason)
}

func (e *InvalidJobError) Unwrap() error { return e.Reason }

// Events are worker lifecycle hooks. Implementations must be short or
// non-blocking; panics are caught and logged, never propagated.
type Events interface {
	OnStart(job *domain.Job, logger *slog.Logger)
	OnComplete(job *domain.Job, statsHash map[string]string, logger *slog.Logger)
	OnDrained(logger *slog.Logger)
}

// NoopEvents is the default Events implementation. Embed it to override
// selectively.
type NoopEvents struct{}

func (NoopEvents) OnStart(*domain.Job, *slog.Logger) {}

func (NoopEvents) OnComplete(*domain.Job, map[string]string, *slog.Logger) {}

func (NoopEvents) OnDrained(*slog.Logger) {}

// Config contains worker configuration.
type Config struct {
	// Client is an externally owned store connection. When nil, Redis is
	// used to build a worker-owned connection that is closed on Close.
	Client redis.UniversalClient
	Redis  *redisconn.Config

	QueueName string

	// Concurrency is the maximum number of in-flight jobs.
	Concurrency int
	// TrackingKey is used when the job payload omits one.
	TrackingKey string

	Events                    Events
	ResetStatsAfterCompletion bool

	// Queue passthrough options.
	LockDuration    time.Duration
	StalledInterval time.Duration

	Logger *slog.Logger
}

// Manager runs the job-processing protocol against one queue.
type Manager struct {
	config     Config
	client     redis.UniversalClient
	ownsClient bool
	queue      *queue.Queue
	consumer   *queue.Consumer
	registry   *channels.Registry
	tracker    *stats.Tracker
	logger     *slog.Logger
	events     Events

	wg sync.WaitGroup
}

// Start constructs a manager and begins consuming jobs.
func Start(ctx context.Context, cfg Config, registry *channels.Registry) (*Manager, error) {
	if cfg.QueueName == "" {
		return nil, errors.New("worker: queue name is required")
	}
	if cfg.Client == nil && cfg.Redis == nil {
		return nil, errors.New("worker: store connection or connection options are required")
	}
	if registry == nil {
		return nil, errors.New("worker: channel registry is required")
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.TrackingKey == "" {
		cfg.TrackingKey = defaultTrackingKey
	}
	if cfg.Events == nil {
		cfg.Events = NoopEvents{}
	}

	logger := ctxlog.Component(cfg.Logger, "worker").With("queue", cfg.QueueName)

	client := cfg.Client
	ownsClient := false
	if client == nil {
		connected, err := redisconn.Connect(ctx, *cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("worker: %w", err)
		}
		client = connected
		ownsClient = true
	}

	q, err := queue.New(client, cfg.QueueName)
	if err != nil {
		if ownsClient {
			_ = client.Close()
		}
		return nil, fmt.Errorf("worker: %w", err)
	}

	m := &Manager{
		config:     cfg,
		client:     client,
		ownsClient: ownsClient,
		queue:      q,
		registry:   registry,
		tracker:    stats.New(client, logger),
		logger:     logger,
		events:     cfg.Events,
	}

	m.consumer = queue.NewConsumer(q, queue.ConsumerConfig{
		Concurrency:     cfg.Concurrency,
		LockDuration:    cfg.LockDuration,
		StalledInterval: cfg.StalledInterval,
	}, m.handleJob, queue.Events{
		OnActive:    m.onActive,
		OnCompleted: m.onCompleted,
		OnDrained:   m.onDrained,
	}, logger)

	m.consumer.Start(ctx)

	logger.Info("worker started",
		"concurrency", cfg.Concurrency,
		"tracking_key", cfg.TrackingKey,
	)
	return m, nil
}

// Close stops claiming jobs, waits for in-flight jobs and drain polls, and
// closes the store connection iff it is worker-owned.
func (m *Manager) Close() {
	m.consumer.Close()
	m.wg.Wait()

	if m.ownsClient {
		if err := m.client.Close(); err != nil {
			m.logger.Warn("failed to close store connection", "error", err)
		}
	}

	m.logger.Info("worker stopped")
}

// handleJob is the per-job protocol.
func (m *Manager) handleJob(ctx context.Context, qjob *queue.Job) error {
	start := time.Now()

	job, err := queue.DecodeJob(qjob.Data)
	if err != nil {
		recordJob("unknown", "invalid")
		return &InvalidJobError{Reason: err}
	}

	logger := m.jobLogger(qjob, job)
	trackingKey := m.trackingKey(job)

	// Cancellation check precedes validation and adapter lookup; a
	// cancelled job completes without side effects.
	if job.CampaignID != "" {
		cancelled, err := campaign.IsCancelled(ctx, m.client, job.CampaignID)
		if err != nil {
			logger.Warn("failed to read cancellation flag, proceeding", "error", err)
		} else if cancelled {
			logger.Info("skipping job for cancelled campaign")
			recordJob(job.Channel, "skipped_cancelled")
			return nil
		}
	}

	if err := job.Validate(); err != nil {
		recordJob(job.Channel, "invalid")
		m.trackFailure(ctx, job, trackingKey, err)
		return &InvalidJobError{Reason: err}
	}

	adapter, err := m.registry.Get(job.Channel)
	if err != nil {
		recordJob(job.Channel, "failed")
		m.trackFailure(ctx, job, trackingKey, err)
		return err
	}

	results, err := m.sendThroughAdapter(ctx, adapter, job, logger)
	if err != nil {
		recordJob(job.Channel, "failed")
		m.trackFailure(ctx, job, trackingKey, err)
		return err
	}

	if job.TrackResponses {
		m.tracker.Track(ctx, trackingKey, results)
	}

	var success, failure int
	for _, result := range results {
		if result.Status == domain.StatusSuccess {
			success++
		} else {
			failure++
		}
	}
	recordResults(job.Channel, success, failure)
	recordJob(job.Channel, "processed")
	recordJobDuration(job.Channel, time.Since(start))

	logger.Debug("job processed",
		"recipients", len(job.UserIDs),
		"success", success,
		"failure", failure,
		"duration", time.Since(start),
	)
	return nil
}

// sendThroughAdapter isolates adapter panics so they fail the job instead
// of killing the claim loop without tracking.
func (m *Manager) sendThroughAdapter(ctx context.Context, adapter channels.Adapter, job *domain.Job, logger *slog.Logger) (results []domain.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			results = nil
			err = fmt.Errorf("adapter panic: %v", r)
		}
	}()
	return adapter.Send(ctx, job.UserIDs, job.Meta, logger), nil
}

// trackFailure records one aggregated error counter before the failure is
// surfaced to the queue.
func (m *Manager) trackFailure(ctx context.Context, job *domain.Job, trackingKey string, err error) {
	if !job.TrackResponses {
		return
	}
	m.tracker.TrackError(ctx, trackingKey, err.Error())
}

func (m *Manager) onActive(qjob *queue.Job) {
	job, err := queue.DecodeJob(qjob.Data)
	if err != nil {
		return
	}
	logger := m.jobLogger(qjob, job)
	m.safeEvent(func() { m.events.OnStart(job, logger) })
}

func (m *Manager) onCompleted(qjob *queue.Job) {
	job, err := queue.DecodeJob(qjob.Data)
	if err != nil {
		return
	}
	logger := m.jobLogger(qjob, job)
	trackingKey := m.trackingKey(job)

	statsHash := m.tracker.Get(m.consumerContext(), trackingKey)
	m.safeEvent(func() { m.events.OnComplete(job, statsHash, logger) })

	if m.config.ResetStatsAfterCompletion {
		m.tracker.Reset(m.consumerContext(), trackingKey)
	}
}

// onDrained polls job counts until the queue is observably empty, then
// fires the drained hook. If the queue never settles the hook is skipped
// with a warning.
func (m *Manager) onDrained() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ctx := m.consumerContext()
		for attempt := 0; attempt < drainPollAttempts; attempt++ {
			counts, err := m.queue.JobCounts(ctx)
			if err == nil && counts.Total() == 0 {
				RecordQueueDepth(m.queue.Name(), 0, 0, 0)
				m.safeEvent(func() { m.events.OnDrained(m.logger) })
				return
			}
			if err == nil {
				RecordQueueDepth(m.queue.Name(), counts.Active, counts.Waiting, counts.Delayed)
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(drainPollInterval):
			}
		}
		m.logger.Warn("queue signalled drained but jobs remain, skipping drained hook")
	}()
}

func (m *Manager) jobLogger(qjob *queue.Job, job *domain.Job) *slog.Logger {
	return m.logger.With(
		"job_id", qjob.ID,
		"job_name", qjob.Name,
		"campaign_id", job.CampaignID,
		"channel", job.Channel,
	)
}

func (m *Manager) trackingKey(job *domain.Job) string {
	if job.TrackingKey != "" {
		return job.TrackingKey
	}
	return m.config.TrackingKey
}

// consumerContext is the context used for callback-time store reads.
func (m *Manager) consumerContext() context.Context {
	return context.Background()
}

// safeEvent runs a lifecycle hook, catching panics.
func (m *Manager) safeEvent(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("worker event hook panic", "panic", r)
		}
	}()
	fn()
}
