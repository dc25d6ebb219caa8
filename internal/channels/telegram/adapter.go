// Package telegram provides the chat bot channel adapter.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/bissquit/notify-fanout/internal/channels"
	"github.com/bissquit/notify-fanout/internal/domain"
	"github.com/bissquit/notify-fanout/internal/limiter"
	"github.com/bissquit/notify-fanout/internal/pkg/ctxlog"
)

const (
	defaultRatePerSecond = 25
	defaultConcurrency   = 5
	defaultParseMode     = tele.ModeHTML
)

// Config holds telegram adapter configuration.
type Config struct {
	BotToken      string
	RatePerSecond int
	Concurrency   int
	// Offline skips the initial getMe call. Test use only.
	Offline bool
}

// Receipt is the transport response attached to a successful send.
type Receipt struct {
	MessageID int   `json:"message_id"`
	ChatID    int64 `json:"chat_id"`
}

// sender is the part of the bot API the adapter uses.
type sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

// Adapter implements the telegram channel.
type Adapter struct {
	config  Config
	bot     sender
	limiter *limiter.MinTime
	batch   *channels.BatchSender
}

// NewAdapter creates a telegram adapter.
// Returns error if the bot token is missing or the bot cannot be built.
func NewAdapter(config Config) (*Adapter, error) {
	if config.BotToken == "" {
		return nil, errors.New("telegram adapter: bot token is required")
	}

	if config.RatePerSecond == 0 {
		config.RatePerSecond = defaultRatePerSecond
	}
	if config.Concurrency == 0 {
		config.Concurrency = defaultConcurrency
	}

	bot, err := tele.NewBot(tele.Settings{
		Token:   config.BotToken,
		Offline: config.Offline,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram adapter: create bot: %w", err)
	}

	adapter, err := newAdapterWithSender(config, bot)
	if err != nil {
		return nil, err
	}

	slog.Info("telegram adapter configured",
		"rate_per_second", config.RatePerSecond,
		"concurrency", config.Concurrency,
	)
	return adapter, nil
}

func newAdapterWithSender(config Config, bot sender) (*Adapter, error) {
	lim, err := limiter.NewMinTime(config.Concurrency, config.RatePerSecond, time.Second)
	if err != nil {
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	batch, err := channels.NewBatchSender(lim, config.Concurrency)
	if err != nil {
		lim.Close()
		return nil, fmt.Errorf("telegram adapter: %w", err)
	}

	return &Adapter{
		config:  config,
		bot:     bot,
		limiter: lim,
		batch:   batch,
	}, nil
}

// Name returns the channel name.
func (a *Adapter) Name() string { return domain.ChannelTelegram }

// Send delivers one message per chat id and returns index-aligned results.
func (a *Adapter) Send(ctx context.Context, recipients []string, metas []domain.Meta, logger *slog.Logger) []domain.Result {
	return a.batch.Process(ctx, recipients, metas, ctxlog.Component(logger, "telegram"), a.sendOne)
}

// Close stops the channel limiter, failing sends that have not started.
func (a *Adapter) Close() {
	a.limiter.Close()
}

func (a *Adapter) sendOne(_ context.Context, _ int, recipient string, meta domain.Meta, logger *slog.Logger) domain.Result {
	tm := meta.Telegram
	if tm == nil {
		return domain.ErrorResult(recipient, domain.ErrKeyMissingMeta)
	}
	if tm.Text == "" {
		return domain.ErrorResult(recipient, "MISSING_TEXT")
	}

	chatID, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return domain.ErrorResult(recipient, domain.ErrorKey("N/A", "invalid chat id"))
	}

	parseMode := tm.ParseMode
	if parseMode == "" {
		parseMode = defaultParseMode
	}

	opts := &tele.SendOptions{
		ParseMode:             parseMode,
		DisableWebPagePreview: tm.DisableWebPreview,
		DisableNotification:   tm.DisableNotification,
	}

	msg, err := a.bot.Send(tele.ChatID(chatID), tm.Text, opts)
	if err != nil {
		errKey := classifyError(err)
		logger.Warn("telegram send failed", "error", err)
		return domain.ErrorResult(recipient, errKey)
	}

	logger.Debug("telegram message sent", "message_id", msg.ID)
	return domain.SuccessResult(recipient, &Receipt{MessageID: msg.ID, ChatID: chatID})
}

// classifyError maps a bot API error to the "<status>:<sanitized>" key.
func classifyError(err error) string {
	var floodErr tele.FloodError
	if errors.As(err, &floodErr) {
		return domain.ErrorKey("429", floodErr.Description)
	}

	var teleErr *tele.Error
	if errors.As(err, &teleErr) {
		return domain.ErrorKey(strconv.Itoa(teleErr.Code), teleErr.Description)
	}

	return domain.ErrorKey("N/A", err.Error())
}
