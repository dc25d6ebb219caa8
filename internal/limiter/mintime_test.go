package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMinTime_Validation(t *testing.T) {
	tests := []struct {
		name          string
		maxConcurrent int
		maxRequests   int
		perPeriod     time.Duration
		ok            bool
	}{
		{"valid", 5, 25, time.Second, true},
		{"zero concurrency", 0, 25, time.Second, false},
		{"zero requests", 5, 0, time.Second, false},
		{"zero period", 5, 25, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewMinTime(tt.maxConcurrent, tt.maxRequests, tt.perPeriod)
			if tt.ok {
				require.NoError(t, err)
				m.Close()
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestMinTime_ReturnsValueAndError(t *testing.T) {
	m, err := NewMinTime(2, 1000, time.Second)
	require.NoError(t, err)
	defer m.Close()

	value, err := m.Schedule(context.Background(), func() (any, error) {
		return "hello", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", value)

	wantErr := errors.New("send failed")
	_, err = m.Schedule(context.Background(), func() (any, error) {
		return nil, wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}

func TestMinTime_ConcurrencyCeiling(t *testing.T) {
	const maxConcurrent = 3

	m, err := NewMinTime(maxConcurrent, 10000, time.Second)
	require.NoError(t, err)
	defer m.Close()

	var running, peak int64
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Schedule(context.Background(), func() (any, error) {
				n := atomic.AddInt64(&running, 1)
				for {
					p := atomic.LoadInt64(&peak)
					if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt64(&running, -1)
				return nil, nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(maxConcurrent))
}

func TestMinTime_Spacing(t *testing.T) {
	// 10 requests per second: at least 100ms between starts.
	m, err := NewMinTime(5, 10, time.Second)
	require.NoError(t, err)
	defer m.Close()

	var mu sync.Mutex
	var starts []time.Time
	var wg sync.WaitGroup

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Schedule(context.Background(), func() (any, error) {
				mu.Lock()
				starts = append(starts, time.Now())
				mu.Unlock()
				return nil, nil
			})
		}()
	}
	wg.Wait()

	require.Len(t, starts, 3)
	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(starts); i++ {
		gap := starts[i].Sub(starts[i-1])
		if gap < 0 {
			gap = -gap
		}
		assert.GreaterOrEqual(t, gap, 80*time.Millisecond, "starts %d and %d too close", i-1, i)
	}
}

func TestMinTime_CloseFailsPending(t *testing.T) {
	// One request per hour: the second task can never start.
	m, err := NewMinTime(1, 1, time.Hour)
	require.NoError(t, err)

	started := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := m.Schedule(context.Background(), func() (any, error) {
			close(started)
			return "first", nil
		})
		assert.NoError(t, err)
	}()

	<-started

	wg.Add(1)
	var pendingErr error
	go func() {
		defer wg.Done()
		_, pendingErr = m.Schedule(context.Background(), func() (any, error) {
			t.Error("pending task must not run after close")
			return nil, nil
		})
	}()

	// Give the second task time to queue behind the gate.
	time.Sleep(20 * time.Millisecond)
	m.Close()
	wg.Wait()

	assert.ErrorIs(t, pendingErr, ErrCancelled)
}

func TestMinTime_ScheduleAfterClose(t *testing.T) {
	m, err := NewMinTime(1, 100, time.Second)
	require.NoError(t, err)
	m.Close()

	_, err = m.Schedule(context.Background(), func() (any, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestMinTime_ContextCancelled(t *testing.T) {
	m, err := NewMinTime(1, 1, time.Hour)
	require.NoError(t, err)
	defer m.Close()

	// Consume the immediate token.
	_, err = m.Schedule(context.Background(), func() (any, error) { return nil, nil })
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = m.Schedule(ctx, func() (any, error) {
		t.Error("task must not run")
		return nil, nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
