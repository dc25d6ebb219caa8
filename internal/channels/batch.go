package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bissquit/notify-fanout/internal/domain"
	"github.com/bissquit/notify-fanout/internal/limiter"
	"github.com/bissquit/notify-fanout/internal/pkg/ctxlog"
)

// BatchSender validates, schedules and aggregates per-recipient sends for
// one job. Results are always positional: the i-th result corresponds to
// the i-th input regardless of completion order.
type BatchSender struct {
	limiter     *limiter.MinTime
	concurrency int
}

// NewBatchSender creates a batch sender that keeps at most concurrency
// sends in flight and paces individual sends through the channel limiter.
func NewBatchSender(lim *limiter.MinTime, concurrency int) (*BatchSender, error) {
	if lim == nil {
		return nil, fmt.Errorf("limiter is required")
	}
	if concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be positive, got %d", concurrency)
	}
	return &BatchSender{limiter: lim, concurrency: concurrency}, nil
}

// Process sends to every recipient and returns one result per input, index
// aligned.
func (b *BatchSender) Process(ctx context.Context, recipients []string, metas []domain.Meta, logger *slog.Logger, sendOne SendOne) []domain.Result {
	if logger == nil {
		logger = slog.Default()
	}

	results := make([]domain.Result, len(recipients))
	filled := make([]bool, len(recipients))

	var skipped int
	sem := make(chan struct{}, b.concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i, recipient := range recipients {
		if strings.TrimSpace(recipient) == "" {
			results[i] = domain.ErrorResult(domain.InvalidRecipientPlaceholder(i), domain.ErrKeyInvalidRecipient)
			filled[i] = true
			skipped++
			continue
		}

		if i >= len(metas) || metas[i].IsEmpty() {
			results[i] = domain.ErrorResult(recipient, domain.ErrKeyMissingMeta)
			filled[i] = true
			skipped++
			continue
		}

		sem <- struct{}{}
		wg.Add(1)

		go func(i int, recipient string, meta domain.Meta) {
			defer wg.Done()
			defer func() { <-sem }()

			sendLogger := logger.With("recipient", ctxlog.MaskRecipient(recipient))

			value, err := b.limiter.Schedule(ctx, func() (result any, schedErr error) {
				defer func() {
					if r := recover(); r != nil {
						result = domain.ErrorResultWithResponse(recipient, domain.ErrKeyInternalSend, fmt.Sprint(r))
					}
				}()
				return sendOne(ctx, i, recipient, meta, sendLogger), nil
			})
			if err != nil {
				// Scheduling failed (shutdown or cancelled context); the
				// slot is finalized below.
				sendLogger.Debug("send not scheduled", "error", err)
				return
			}

			result, ok := value.(domain.Result)
			if !ok {
				result = domain.ErrorResult(recipient, domain.ErrKeyInternalSend)
			}

			mu.Lock()
			results[i] = result
			filled[i] = true
			mu.Unlock()
		}(i, recipient, metas[i])
	}

	wg.Wait()

	var success, failure int
	mu.Lock()
	for i := range results {
		if !filled[i] {
			recipient := recipients[i]
			results[i] = domain.ErrorResult(recipient, domain.ErrKeySkipped)
			filled[i] = true
		}
		if results[i].Status == domain.StatusSuccess {
			success++
		} else {
			failure++
		}
	}
	mu.Unlock()

	logger.Info("batch send finished",
		"success_count", success,
		"failure_count", failure,
		"skipped_count", skipped,
		"total_attempted", len(recipients),
	)

	return results
}
