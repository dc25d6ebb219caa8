// Package email provides the transactional email channel adapter over SMTP.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/textproto"
	"time"

	"github.com/bissquit/notify-fanout/internal/channels"
	"github.com/bissquit/notify-fanout/internal/domain"
	"github.com/bissquit/notify-fanout/internal/limiter"
	"github.com/bissquit/notify-fanout/internal/pkg/ctxlog"
)

const (
	defaultRatePerSecond = 10
	defaultConcurrency   = 3
	defaultPoolSize      = 5
	defaultTimeout       = 10 * time.Second
)

// Config holds email adapter configuration.
type Config struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	FromAddress  string
	// RatePerSecond caps outbound messages per second.
	RatePerSecond int
	// Concurrency caps in-flight sends within one batch.
	Concurrency int
	// PoolSize caps concurrent SMTP connections.
	PoolSize int
	Timeout  time.Duration
}

// Receipt is the transport response attached to a successful send.
type Receipt struct {
	MessageID string   `json:"message_id"`
	Accepted  []string `json:"accepted"`
	Rejected  []string `json:"rejected"`
}

// Adapter implements the email channel.
type Adapter struct {
	config    Config
	transport transport
	limiter   *limiter.MinTime
	batch     *channels.BatchSender
	pool      chan struct{}
}

// transport performs one SMTP delivery.
type transport interface {
	Send(ctx context.Context, msg *message) (*Receipt, error)
}

// NewAdapter creates an email adapter.
// Returns error if required config is missing.
func NewAdapter(config Config) (*Adapter, error) {
	if config.SMTPHost == "" {
		return nil, errors.New("email adapter: SMTP host is required")
	}
	if config.FromAddress == "" {
		return nil, errors.New("email adapter: from address is required")
	}

	// Set defaults
	if config.SMTPPort == 0 {
		config.SMTPPort = 587
	}
	if config.RatePerSecond == 0 {
		config.RatePerSecond = defaultRatePerSecond
	}
	if config.Concurrency == 0 {
		config.Concurrency = defaultConcurrency
	}
	if config.PoolSize == 0 {
		config.PoolSize = defaultPoolSize
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	lim, err := limiter.NewMinTime(config.Concurrency, config.RatePerSecond, time.Second)
	if err != nil {
		return nil, fmt.Errorf("email adapter: %w", err)
	}

	batch, err := channels.NewBatchSender(lim, config.Concurrency)
	if err != nil {
		lim.Close()
		return nil, fmt.Errorf("email adapter: %w", err)
	}

	slog.Info("email adapter configured",
		"smtp_host", config.SMTPHost,
		"smtp_port", config.SMTPPort,
		"from_address", config.FromAddress,
		"rate_per_second", config.RatePerSecond,
		"concurrency", config.Concurrency,
	)

	return &Adapter{
		config:    config,
		transport: newSMTPTransport(config),
		limiter:   lim,
		batch:     batch,
		pool:      make(chan struct{}, config.PoolSize),
	}, nil
}

// Name returns the channel name.
func (a *Adapter) Name() string { return domain.ChannelEmail }

// Send delivers one email per recipient and returns index-aligned results.
func (a *Adapter) Send(ctx context.Context, recipients []string, metas []domain.Meta, logger *slog.Logger) []domain.Result {
	return a.batch.Process(ctx, recipients, metas, ctxlog.Component(logger, "email"), a.sendOne)
}

// Close stops the channel limiter, failing sends that have not started.
func (a *Adapter) Close() {
	a.limiter.Close()
}

func (a *Adapter) sendOne(ctx context.Context, _ int, recipient string, meta domain.Meta, logger *slog.Logger) domain.Result {
	em := meta.Email
	if em == nil {
		return domain.ErrorResult(recipient, domain.ErrKeyMissingMeta)
	}
	if em.Subject == "" {
		return domain.ErrorResult(recipient, "MISSING_SUBJECT")
	}

	msg := &message{
		From:        a.config.FromAddress,
		To:          recipient,
		Subject:     em.Subject,
		Attachments: em.Attachments,
	}
	// Prefer HTML over text, never both.
	if em.HTML != "" {
		msg.HTML = em.HTML
	} else {
		msg.Text = em.Text
	}

	a.pool <- struct{}{}
	defer func() { <-a.pool }()

	receipt, err := a.transport.Send(ctx, msg)
	if err != nil {
		errKey := domain.ErrorKey(smtpErrorCode(err), err.Error())
		logger.Warn("email send failed", "error", err)
		return domain.ErrorResult(recipient, errKey)
	}

	logger.Debug("email sent", "message_id", receipt.MessageID)
	return domain.SuccessResult(recipient, receipt)
}

// smtpErrorCode classifies a transport error into the code segment of the
// error key: the SMTP status code when the server replied, a network code
// otherwise.
func smtpErrorCode(err error) string {
	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		return fmt.Sprintf("%d", protoErr.Code)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "ETIMEDOUT"
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return "ECONN"
	}

	return "N/A"
}
