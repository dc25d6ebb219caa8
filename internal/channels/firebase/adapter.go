// Package firebase provides the mobile push channel adapter over Firebase
// Cloud Messaging. Messages are sent one per token, not multicast, so every
// recipient gets its own result and error key.
package firebase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"firebase.google.com/go/v4/errorutils"
	"firebase.google.com/go/v4/messaging"

	"github.com/bissquit/notify-fanout/internal/channels"
	"github.com/bissquit/notify-fanout/internal/domain"
	"github.com/bissquit/notify-fanout/internal/limiter"
	"github.com/bissquit/notify-fanout/internal/pkg/ctxlog"
)

const (
	defaultRatePerSecond = 500
	defaultConcurrency   = 5
)

// Config holds firebase adapter configuration. CredentialsFile or
// CredentialsJSON is required unless an earlier adapter in this process
// already initialized the SDK, in which case that client is reused and
// these credentials are ignored. When both are set, CredentialsJSON is used.
type Config struct {
	CredentialsFile string
	CredentialsJSON []byte
	RatePerSecond   int
	Concurrency     int
}

// client is the part of the FCM SDK the adapter uses.
type client interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// Adapter implements the mobile push channel.
type Adapter struct {
	config  Config
	client  client
	limiter *limiter.MinTime
	batch   *channels.BatchSender
}

// NewAdapter creates a push adapter, initializing the process-wide SDK
// handle when needed.
func NewAdapter(ctx context.Context, config Config) (*Adapter, error) {
	fcm, err := initClient(ctx, config)
	if err != nil {
		return nil, err
	}
	adapter, err := newAdapterWithClient(config, fcm)
	if err != nil {
		return nil, err
	}

	slog.Info("firebase adapter configured",
		"rate_per_second", adapter.config.RatePerSecond,
		"concurrency", adapter.config.Concurrency,
	)
	return adapter, nil
}

func newAdapterWithClient(config Config, fcm client) (*Adapter, error) {
	if config.RatePerSecond == 0 {
		config.RatePerSecond = defaultRatePerSecond
	}
	if config.Concurrency == 0 {
		config.Concurrency = defaultConcurrency
	}

	lim, err := limiter.NewMinTime(config.Concurrency, config.RatePerSecond, time.Second)
	if err != nil {
		return nil, fmt.Errorf("firebase adapter: %w", err)
	}

	batch, err := channels.NewBatchSender(lim, config.Concurrency)
	if err != nil {
		lim.Close()
		return nil, fmt.Errorf("firebase adapter: %w", err)
	}

	return &Adapter{
		config:  config,
		client:  fcm,
		limiter: lim,
		batch:   batch,
	}, nil
}

// Name returns the channel name.
func (a *Adapter) Name() string { return domain.ChannelFirebase }

// Send delivers one push per token and returns index-aligned results.
func (a *Adapter) Send(ctx context.Context, recipients []string, metas []domain.Meta, logger *slog.Logger) []domain.Result {
	return a.batch.Process(ctx, recipients, metas, ctxlog.Component(logger, "firebase"), a.sendOne)
}

// Close stops the channel limiter, failing sends that have not started.
func (a *Adapter) Close() {
	a.limiter.Close()
}

func (a *Adapter) sendOne(ctx context.Context, _ int, token string, meta domain.Meta, logger *slog.Logger) domain.Result {
	pm := meta.Push
	if pm == nil {
		return domain.ErrorResult(token, domain.ErrKeyMissingMeta)
	}

	msg, err := buildMessage(token, pm)
	if err != nil {
		return domain.ErrorResultWithResponse(token, "INVALID_PAYLOAD", err.Error())
	}
	if msg.Notification == nil && len(msg.Data) == 0 {
		return domain.ErrorResultWithResponse(token, "INVALID_PAYLOAD", "Message must contain notification or data")
	}

	id, err := a.client.Send(ctx, msg)
	if err != nil {
		errKey := domain.ErrorKey("N/A:"+fcmErrorCode(err), err.Error())
		logger.Warn("push send failed", "error", err)
		return domain.ErrorResult(token, errKey)
	}

	logger.Debug("push sent", "fcm_message_id", id)
	return domain.SuccessResult(token, id)
}

// buildMessage assembles the FCM message from the meta variant. The
// passthrough configs are decoded into their SDK shapes; a malformed
// passthrough invalidates the payload.
func buildMessage(token string, pm *domain.PushMeta) (*messaging.Message, error) {
	msg := &messaging.Message{
		Token: token,
		Data:  pm.Data,
	}

	if pm.Title != "" || pm.Body != "" {
		msg.Notification = &messaging.Notification{
			Title: pm.Title,
			Body:  pm.Body,
		}
	}

	if len(pm.Android) > 0 {
		msg.Android = &messaging.AndroidConfig{}
		if err := json.Unmarshal(pm.Android, msg.Android); err != nil {
			return nil, fmt.Errorf("decode android config: %w", err)
		}
	}
	if len(pm.APNS) > 0 {
		msg.APNS = &messaging.APNSConfig{}
		if err := json.Unmarshal(pm.APNS, msg.APNS); err != nil {
			return nil, fmt.Errorf("decode apns config: %w", err)
		}
	}
	if len(pm.Webpush) > 0 {
		msg.Webpush = &messaging.WebpushConfig{}
		if err := json.Unmarshal(pm.Webpush, msg.Webpush); err != nil {
			return nil, fmt.Errorf("decode webpush config: %w", err)
		}
	}
	if len(pm.FCMOptions) > 0 {
		msg.FCMOptions = &messaging.FCMOptions{}
		if err := json.Unmarshal(pm.FCMOptions, msg.FCMOptions); err != nil {
			return nil, fmt.Errorf("decode fcm options: %w", err)
		}
	}

	return msg, nil
}

// fcmErrorCode maps an SDK error to a stable code segment.
func fcmErrorCode(err error) string {
	switch {
	case messaging.IsUnregistered(err):
		return "messaging/unregistered"
	case messaging.IsQuotaExceeded(err):
		return "messaging/quota-exceeded"
	case messaging.IsSenderIDMismatch(err):
		return "messaging/sender-id-mismatch"
	case messaging.IsThirdPartyAuthError(err):
		return "messaging/third-party-auth-error"
	case errorutils.IsInvalidArgument(err):
		return "messaging/invalid-argument"
	case errorutils.IsUnavailable(err):
		return "messaging/unavailable"
	case errorutils.IsInternal(err):
		return "messaging/internal-error"
	default:
		return "unknown"
	}
}
