package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MinTime enforces both a maximum in-flight count and a minimum spacing
// between task starts. Tasks run in submission order; a single dispatcher
// goroutine pulls the queue, waits the spacing gate and hands the task to a
// runner bounded by the concurrency semaphore.
type MinTime struct {
	tasks chan *task
	sem   chan struct{}
	gate  *rate.Limiter

	closed    chan struct{}
	closeOnce sync.Once
	drained   chan struct{}
	wg        sync.WaitGroup
}

type task struct {
	ctx  context.Context
	fn   func() (any, error)
	done chan taskResult
}

type taskResult struct {
	value any
	err   error
}

// NewMinTime creates a scheduler that runs at most maxConcurrent tasks at
// once and starts tasks no closer together than perPeriod/maxRequests.
func NewMinTime(maxConcurrent, maxRequests int, perPeriod time.Duration) (*MinTime, error) {
	if maxConcurrent <= 0 {
		return nil, fmt.Errorf("max concurrent must be positive, got %d", maxConcurrent)
	}
	if maxRequests <= 0 {
		return nil, fmt.Errorf("max requests must be positive, got %d", maxRequests)
	}
	if perPeriod <= 0 {
		return nil, fmt.Errorf("period must be positive, got %s", perPeriod)
	}

	minTime := perPeriod / time.Duration(maxRequests)

	m := &MinTime{
		tasks:   make(chan *task),
		sem:     make(chan struct{}, maxConcurrent),
		gate:    rate.NewLimiter(rate.Every(minTime), 1),
		closed:  make(chan struct{}),
		drained: make(chan struct{}),
	}

	go m.dispatch()
	return m, nil
}

// Schedule queues fn and blocks until it has run, returning its value and
// error. If the scheduler is closed before fn starts, ErrCancelled is
// returned and fn never runs.
func (m *MinTime) Schedule(ctx context.Context, fn func() (any, error)) (any, error) {
	t := &task{ctx: ctx, fn: fn, done: make(chan taskResult, 1)}

	select {
	case m.tasks <- t:
	case <-m.closed:
		return nil, ErrCancelled
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case r := <-t.done:
		return r.value, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting work, fails still-pending tasks with ErrCancelled
// and waits for in-flight tasks to drain.
func (m *MinTime) Close() {
	m.closeOnce.Do(func() { close(m.closed) })
	<-m.drained
	m.wg.Wait()
}

func (m *MinTime) dispatch() {
	defer close(m.drained)

	for {
		select {
		case <-m.closed:
			m.drainPending()
			return
		case t := <-m.tasks:
			if !m.waitGate(t) {
				continue
			}
			select {
			case m.sem <- struct{}{}:
			case <-m.closed:
				t.done <- taskResult{err: ErrCancelled}
				m.drainPending()
				return
			case <-t.ctx.Done():
				t.done <- taskResult{err: t.ctx.Err()}
				continue
			}

			m.wg.Add(1)
			go m.run(t)
		}
	}
}

// waitGate blocks until the min-time gate permits the task to start. It
// reports false when the task was failed instead of started; a closed
// scheduler additionally drains the queue before returning.
func (m *MinTime) waitGate(t *task) bool {
	reservation := m.gate.Reserve()
	delay := reservation.Delay()
	if delay == 0 {
		return true
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-m.closed:
		reservation.Cancel()
		t.done <- taskResult{err: ErrCancelled}
		m.drainPending()
		return false
	case <-t.ctx.Done():
		reservation.Cancel()
		t.done <- taskResult{err: t.ctx.Err()}
		return false
	}
}

func (m *MinTime) run(t *task) {
	defer m.wg.Done()
	defer func() { <-m.sem }()

	value, err := t.fn()
	t.done <- taskResult{value: value, err: err}
}

// drainPending fails every queued task. Senders that have not yet handed
// over their task observe the closed channel instead.
func (m *MinTime) drainPending() {
	for {
		select {
		case t := <-m.tasks:
			t.done <- taskResult{err: ErrCancelled}
		default:
			return
		}
	}
}
