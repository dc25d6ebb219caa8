// Package queue implements the durable job queue shared by producers and
// workers. Jobs live in Redis: a waiting list, a delayed set scored by
// ready-time, an active list guarded by per-job lock keys, and a failed
// list retained for inspection. Delivery is at-least-once; a job whose
// worker dies is re-queued once its lock expires.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// BackoffPolicy controls the delay between job retry attempts.
type BackoffPolicy struct {
	// Type is "fixed" or "exponential". Empty means fixed.
	Type  string        `json:"type,omitempty"`
	Delay time.Duration `json:"delay,omitempty"`
}

// Options control how one job is stored and retried.
type Options struct {
	// Delay postpones the first attempt.
	Delay time.Duration `json:"delay,omitempty"`
	// Attempts is the total number of attempts including the first.
	// Zero means one attempt.
	Attempts int           `json:"attempts,omitempty"`
	Backoff  BackoffPolicy `json:"backoff,omitempty"`
	// RemoveOnComplete drops the job record after success instead of
	// keeping it on the completed list.
	RemoveOnComplete bool `json:"removeOnComplete,omitempty"`
	// RemoveOnFail drops the job record after the final failed attempt
	// instead of keeping it on the failed list.
	RemoveOnFail bool `json:"removeOnFail,omitempty"`
}

// JobCounts is a snapshot of queue depth by state.
type JobCounts struct {
	Active  int64
	Waiting int64
	Delayed int64
}

// Total returns the number of jobs not yet in a terminal state.
func (c JobCounts) Total() int64 {
	return c.Active + c.Waiting + c.Delayed
}

// Queue is the producer-side handle to a named queue.
type Queue struct {
	client redis.Cmdable
	name   string
}

// New creates a handle to the named queue. The name must be non-empty.
func New(client redis.Cmdable, name string) (*Queue, error) {
	if name == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	return &Queue{client: client, name: name}, nil
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Add enqueues one job and returns its id. The payload is opaque to the
// queue.
func (q *Queue) Add(ctx context.Context, jobName string, payload []byte, opts Options) (string, error) {
	if jobName == "" {
		return "", fmt.Errorf("job name is required")
	}

	id := uuid.NewString()

	optsJSON, err := json.Marshal(opts)
	if err != nil {
		return "", fmt.Errorf("marshal job options: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id),
		"name", jobName,
		"data", payload,
		"opts", optsJSON,
		"attemptsMade", 0,
		"timestamp", time.Now().UnixMilli(),
	)
	if opts.Delay > 0 {
		readyAt := time.Now().Add(opts.Delay).UnixMilli()
		pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(readyAt), Member: id})
	} else {
		pipe.LPush(ctx, q.waitingKey(), id)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// JobCounts reports the number of active, waiting and delayed jobs.
func (q *Queue) JobCounts(ctx context.Context) (JobCounts, error) {
	pipe := q.client.Pipeline()
	active := pipe.LLen(ctx, q.activeKey())
	waiting := pipe.LLen(ctx, q.waitingKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())

	if _, err := pipe.Exec(ctx); err != nil {
		return JobCounts{}, fmt.Errorf("job counts: %w", err)
	}

	return JobCounts{
		Active:  active.Val(),
		Waiting: waiting.Val(),
		Delayed: delayed.Val(),
	}, nil
}

// Job is one claimed or inspected job.
type Job struct {
	ID           string
	Name         string
	Data         []byte
	Opts         Options
	AttemptsMade int
}

// loadJob reads and decodes the job hash. A missing record returns nil.
func (q *Queue) loadJob(ctx context.Context, id string) (*Job, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	job := &Job{
		ID:   id,
		Name: fields["name"],
		Data: []byte(fields["data"]),
	}

	if raw, ok := fields["opts"]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Opts); err != nil {
			return nil, fmt.Errorf("decode job %s options: %w", id, err)
		}
	}
	if raw, ok := fields["attemptsMade"]; ok && raw != "" {
		attempts, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("decode job %s attempts: %w", id, err)
		}
		job.AttemptsMade = attempts
	}

	return job, nil
}

func (q *Queue) waitingKey() string { return q.name + ":waiting" }
func (q *Queue) activeKey() string  { return q.name + ":active" }
func (q *Queue) delayedKey() string { return q.name + ":delayed" }
func (q *Queue) failedKey() string  { return q.name + ":failed" }

func (q *Queue) completedKey() string { return q.name + ":completed" }

func (q *Queue) jobKey(id string) string  { return q.name + ":job:" + id }
func (q *Queue) lockKey(id string) string { return q.name + ":lock:" + id }
