// Package webpush provides the browser push channel adapter. Recipients
// are JSON-serialized push subscriptions as handed out by the browser.
package webpush

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	webpushgo "github.com/SherClockHolmes/webpush-go"

	"github.com/bissquit/notify-fanout/internal/channels"
	"github.com/bissquit/notify-fanout/internal/domain"
	"github.com/bissquit/notify-fanout/internal/limiter"
	"github.com/bissquit/notify-fanout/internal/pkg/ctxlog"
)

const (
	defaultRatePerSecond = 50
	defaultConcurrency   = 5
	defaultTitle         = "Notification"
)

// Config holds web push adapter configuration. The VAPID fields are
// process-global; the first adapter to supply them wins.
type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	ContactEmail    string
	RatePerSecond   int
	Concurrency     int
}

// Receipt is the transport response attached to a successful send.
type Receipt struct {
	StatusCode int `json:"status_code"`
}

// sendFunc performs one web push request. Swappable in tests.
type sendFunc func(ctx context.Context, payload []byte, sub *webpushgo.Subscription, opts *webpushgo.Options) (*http.Response, error)

// Adapter implements the browser push channel.
type Adapter struct {
	config  Config
	vapid   *VAPIDHandle
	send    sendFunc
	limiter *limiter.MinTime
	batch   *channels.BatchSender
}

// NewAdapter creates a web push adapter. Construction fails when the VAPID
// details are incomplete and no process-wide handle exists yet.
func NewAdapter(config Config) (*Adapter, error) {
	vapid, err := InitVAPID(config.VAPIDPublicKey, config.VAPIDPrivateKey, config.ContactEmail)
	if err != nil {
		return nil, err
	}

	if config.RatePerSecond == 0 {
		config.RatePerSecond = defaultRatePerSecond
	}
	if config.Concurrency == 0 {
		config.Concurrency = defaultConcurrency
	}

	lim, err := limiter.NewMinTime(config.Concurrency, config.RatePerSecond, time.Second)
	if err != nil {
		return nil, fmt.Errorf("webpush adapter: %w", err)
	}

	batch, err := channels.NewBatchSender(lim, config.Concurrency)
	if err != nil {
		lim.Close()
		return nil, fmt.Errorf("webpush adapter: %w", err)
	}

	slog.Info("webpush adapter configured",
		"rate_per_second", config.RatePerSecond,
		"concurrency", config.Concurrency,
	)

	return &Adapter{
		config:  config,
		vapid:   vapid,
		send:    webpushgo.SendNotificationWithContext,
		limiter: lim,
		batch:   batch,
	}, nil
}

// Name returns the channel name.
func (a *Adapter) Name() string { return domain.ChannelWebPush }

// Send delivers one push per subscription and returns index-aligned results.
func (a *Adapter) Send(ctx context.Context, recipients []string, metas []domain.Meta, logger *slog.Logger) []domain.Result {
	return a.batch.Process(ctx, recipients, metas, ctxlog.Component(logger, "webpush"), a.sendOne)
}

// Close stops the channel limiter, failing sends that have not started.
func (a *Adapter) Close() {
	a.limiter.Close()
}

// payload is the JSON document delivered to the service worker.
type payload struct {
	Title string          `json:"title"`
	Body  string          `json:"body,omitempty"`
	Icon  string          `json:"icon,omitempty"`
	Image string          `json:"image,omitempty"`
	Badge string          `json:"badge,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func (a *Adapter) sendOne(ctx context.Context, index int, recipient string, meta domain.Meta, logger *slog.Logger) domain.Result {
	wm := meta.WebPush
	if wm == nil {
		return domain.ErrorResult(recipient, domain.ErrKeyMissingMeta)
	}

	sub, ok := parseSubscription(recipient)
	if !ok {
		return domain.ErrorResult(domain.UnparseableSubscriptionPlaceholder(index), "INVALID_SUBSCRIPTION_STRING")
	}

	body := payload{
		Title: wm.Title,
		Body:  wm.Body,
		Icon:  wm.Icon,
		Image: wm.Image,
		Badge: wm.Badge,
		Data:  wm.Data,
	}
	if wm.Title == "" && wm.Body == "" && len(wm.Data) == 0 {
		logger.Warn("web push meta has no title, body or data, using default title")
		body.Title = defaultTitle
	}

	message, err := json.Marshal(body)
	if err != nil {
		return domain.ErrorResult(recipient, domain.ErrorKey("N/A", err.Error()))
	}

	opts := &webpushgo.Options{
		Subscriber:      a.vapid.Subscriber,
		VAPIDPublicKey:  a.vapid.PublicKey,
		VAPIDPrivateKey: a.vapid.PrivateKey,
		TTL:             wm.TTL,
	}
	applyHeaders(opts, wm.Headers, logger)

	resp, err := a.send(ctx, message, sub, opts)
	if err != nil {
		logger.Warn("web push send failed", "error", err)
		return domain.ErrorResult(recipient, domain.ErrorKey("N/A", err.Error()))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusBadRequest {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		errKey := domain.ErrorKey(strconv.Itoa(resp.StatusCode), string(detail))
		logger.Warn("web push rejected", "status_code", resp.StatusCode)
		return domain.ErrorResult(recipient, errKey)
	}

	logger.Debug("web push sent", "status_code", resp.StatusCode)
	return domain.SuccessResult(recipient, &Receipt{StatusCode: resp.StatusCode})
}

// parseSubscription decodes and structurally validates a subscription
// string.
func parseSubscription(recipient string) (*webpushgo.Subscription, bool) {
	var sub webpushgo.Subscription
	if err := json.Unmarshal([]byte(recipient), &sub); err != nil {
		return nil, false
	}
	if sub.Endpoint == "" || sub.Keys.P256dh == "" || sub.Keys.Auth == "" {
		return nil, false
	}
	return &sub, true
}

// applyHeaders maps the supported header overrides onto request options.
func applyHeaders(opts *webpushgo.Options, headers map[string]string, logger *slog.Logger) {
	for name, value := range headers {
		switch name {
		case "Topic":
			opts.Topic = value
		case "Urgency":
			opts.Urgency = webpushgo.Urgency(value)
		default:
			logger.Debug("ignoring unsupported web push header", "header", name)
		}
	}
}
