package channels

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bissquit/notify-fanout/internal/domain"
	"github.com/bissquit/notify-fanout/internal/limiter"
)

func newTestLimiter(t *testing.T) *limiter.MinTime {
	t.Helper()
	lim, err := limiter.NewMinTime(10, 100000, time.Second)
	require.NoError(t, err)
	t.Cleanup(lim.Close)
	return lim
}

func telegramMetas(n int) []domain.Meta {
	metas := make([]domain.Meta, n)
	for i := range metas {
		metas[i] = domain.Meta{Telegram: &domain.TelegramMeta{Text: "hi"}}
	}
	return metas
}

func echoSendOne(_ context.Context, _ int, recipient string, _ domain.Meta, _ *slog.Logger) domain.Result {
	return domain.SuccessResult(recipient, "ok")
}

func TestBatchSender_Validation(t *testing.T) {
	lim := newTestLimiter(t)

	_, err := NewBatchSender(nil, 5)
	assert.Error(t, err)

	_, err = NewBatchSender(lim, 0)
	assert.Error(t, err)

	sender, err := NewBatchSender(lim, 5)
	require.NoError(t, err)
	assert.NotNil(t, sender)
}

func TestBatchSender_ResultsArePositional(t *testing.T) {
	lim := newTestLimiter(t)
	sender, err := NewBatchSender(lim, 5)
	require.NoError(t, err)

	recipients := []string{"r0", "r1", "r2", "r3", "r4"}

	// Later recipients finish first.
	sendOne := func(_ context.Context, index int, recipient string, _ domain.Meta, _ *slog.Logger) domain.Result {
		time.Sleep(time.Duration(len(recipients)-index) * 5 * time.Millisecond)
		return domain.SuccessResult(recipient, index)
	}

	results := sender.Process(context.Background(), recipients, telegramMetas(5), nil, sendOne)

	require.Len(t, results, len(recipients))
	for i, result := range results {
		assert.Equal(t, recipients[i], result.Recipient)
		assert.Equal(t, i, result.Response)
	}
}

func TestBatchSender_InvalidRecipient(t *testing.T) {
	lim := newTestLimiter(t)
	sender, err := NewBatchSender(lim, 5)
	require.NoError(t, err)

	var sent atomic.Int64
	sendOne := func(_ context.Context, _ int, recipient string, _ domain.Meta, _ *slog.Logger) domain.Result {
		sent.Add(1)
		return domain.SuccessResult(recipient, nil)
	}

	results := sender.Process(context.Background(), []string{"ok@example.com", "", "  "}, telegramMetas(3), nil, sendOne)

	require.Len(t, results, 3)
	assert.Equal(t, domain.StatusSuccess, results[0].Status)

	assert.Equal(t, domain.StatusError, results[1].Status)
	assert.Equal(t, "invalid_recipient_at_index_1", results[1].Recipient)
	assert.Equal(t, domain.ErrKeyInvalidRecipient, results[1].Error)

	assert.Equal(t, "invalid_recipient_at_index_2", results[2].Recipient)

	assert.Equal(t, int64(1), sent.Load())
}

func TestBatchSender_MissingMeta(t *testing.T) {
	lim := newTestLimiter(t)
	sender, err := NewBatchSender(lim, 5)
	require.NoError(t, err)

	metas := []domain.Meta{
		{Telegram: &domain.TelegramMeta{Text: "hi"}},
		{},
	}

	results := sender.Process(context.Background(), []string{"a", "b", "c"}, metas, nil, echoSendOne)

	require.Len(t, results, 3)
	assert.Equal(t, domain.StatusSuccess, results[0].Status)

	assert.Equal(t, domain.StatusError, results[1].Status)
	assert.Equal(t, "b", results[1].Recipient)
	assert.Equal(t, domain.ErrKeyMissingMeta, results[1].Error)

	// Recipient beyond the metas slice counts as missing meta too.
	assert.Equal(t, domain.ErrKeyMissingMeta, results[2].Error)
}

func TestBatchSender_PanicBecomesInternalError(t *testing.T) {
	lim := newTestLimiter(t)
	sender, err := NewBatchSender(lim, 5)
	require.NoError(t, err)

	sendOne := func(_ context.Context, _ int, recipient string, _ domain.Meta, _ *slog.Logger) domain.Result {
		if recipient == "boom" {
			panic("transport blew up")
		}
		return domain.SuccessResult(recipient, nil)
	}

	results := sender.Process(context.Background(), []string{"fine", "boom"}, telegramMetas(2), nil, sendOne)

	require.Len(t, results, 2)
	assert.Equal(t, domain.StatusSuccess, results[0].Status)

	assert.Equal(t, domain.StatusError, results[1].Status)
	assert.Equal(t, domain.ErrKeyInternalSend, results[1].Error)
	assert.Equal(t, "transport blew up", results[1].Response)
}

func TestBatchSender_ConcurrencyBound(t *testing.T) {
	lim := newTestLimiter(t)
	const concurrency = 2

	sender, err := NewBatchSender(lim, concurrency)
	require.NoError(t, err)

	var running, peak int64
	sendOne := func(_ context.Context, _ int, recipient string, _ domain.Meta, _ *slog.Logger) domain.Result {
		n := atomic.AddInt64(&running, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt64(&running, -1)
		return domain.SuccessResult(recipient, nil)
	}

	recipients := make([]string, 10)
	for i := range recipients {
		recipients[i] = "r"
	}

	sender.Process(context.Background(), recipients, telegramMetas(10), nil, sendOne)

	assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(concurrency))
}

func TestBatchSender_CancelledSlotsAreFinalized(t *testing.T) {
	lim, err := limiter.NewMinTime(1, 1, time.Hour)
	require.NoError(t, err)

	sender, err := NewBatchSender(lim, 5)
	require.NoError(t, err)

	// The gate admits one task immediately; the rest queue behind an
	// hour-long spacing and are cancelled by Close.
	go func() {
		time.Sleep(50 * time.Millisecond)
		lim.Close()
	}()

	results := sender.Process(context.Background(), []string{"a", "b", "c"}, telegramMetas(3), nil, echoSendOne)

	require.Len(t, results, 3)

	var skipped int
	for _, r := range results {
		if r.Error == domain.ErrKeySkipped {
			skipped++
		}
	}
	assert.GreaterOrEqual(t, skipped, 1)
}
