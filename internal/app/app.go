// Package app provides worker application initialization and lifecycle
// management: it wires the store connection, the channel adapters and the
// worker manager, and serves the ops HTTP endpoint.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/bissquit/notify-fanout/internal/channels"
	"github.com/bissquit/notify-fanout/internal/channels/email"
	"github.com/bissquit/notify-fanout/internal/channels/firebase"
	"github.com/bissquit/notify-fanout/internal/channels/telegram"
	"github.com/bissquit/notify-fanout/internal/channels/webpush"
	"github.com/bissquit/notify-fanout/internal/config"
	"github.com/bissquit/notify-fanout/internal/domain"
	"github.com/bissquit/notify-fanout/internal/pkg/ctxlog"
	"github.com/bissquit/notify-fanout/internal/pkg/httputil"
	"github.com/bissquit/notify-fanout/internal/pkg/redisconn"
	"github.com/bissquit/notify-fanout/internal/queue"
	"github.com/bissquit/notify-fanout/internal/version"
	"github.com/bissquit/notify-fanout/internal/worker"
)

// App represents the worker application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	client        *redis.Client
	registry      *channels.Registry
	manager       *worker.Manager
	server        *http.Server
	metricsCancel context.CancelFunc
}

// New creates a new application instance and starts consuming jobs.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := config.NewLogger(cfg.Log)
	slog.SetDefault(logger)

	client, err := redisconn.Connect(ctx, redisconn.Config{
		Addr:            cfg.Redis.Addr,
		Password:        cfg.Redis.Password,
		DB:              cfg.Redis.DB,
		PoolSize:        cfg.Redis.PoolSize,
		DialTimeout:     cfg.Redis.DialTimeout,
		ConnectAttempts: cfg.Redis.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	registry, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	if len(registry.List()) == 0 {
		logger.Warn("no channel adapters enabled: every job will fail with an unknown channel")
	}

	manager, err := worker.Start(ctx, worker.Config{
		Client:                    client,
		QueueName:                 cfg.Worker.QueueName,
		Concurrency:               cfg.Worker.Concurrency,
		TrackingKey:               cfg.Worker.TrackingKey,
		LockDuration:              cfg.Worker.LockDuration,
		ResetStatsAfterCompletion: cfg.Worker.ResetStatsAfterCompletion,
		Logger:                    logger,
	}, registry)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	metricsCtx, metricsCancel := context.WithCancel(context.Background())

	app := &App{
		config:        cfg,
		logger:        logger,
		client:        client,
		registry:      registry,
		manager:       manager,
		metricsCancel: metricsCancel,
	}

	go app.collectQueueMetrics(metricsCtx)

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           app.setupRouter(),
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run serves the ops endpoint until shutdown.
func (a *App) Run() error {
	a.logger.Info("starting ops server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"channels", a.registry.List(),
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server error: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the worker, the ops server and the store
// connection.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	a.metricsCancel()

	// Stop claiming and let in-flight jobs finish first.
	a.manager.Close()

	var shutdownErr error
	if err := a.server.Shutdown(ctx); err != nil {
		shutdownErr = fmt.Errorf("shutdown ops server: %w", err)
	}

	if err := a.client.Close(); err != nil && shutdownErr == nil {
		shutdownErr = fmt.Errorf("close redis: %w", err)
	}

	return shutdownErr
}

// buildRegistry constructs adapters for every enabled channel.
func buildRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*channels.Registry, error) {
	registry := channels.NewRegistry(logger)

	slog.Info("channels configured",
		"email_enabled", cfg.Channels.Email.Enabled,
		"firebase_enabled", cfg.Channels.Firebase.Enabled,
		"telegram_enabled", cfg.Channels.Telegram.Enabled,
		"webpush_enabled", cfg.Channels.WebPush.Enabled,
	)

	if cfg.Channels.Email.Enabled {
		adapter, err := email.NewAdapter(email.Config{
			SMTPHost:      cfg.Channels.Email.SMTPHost,
			SMTPPort:      cfg.Channels.Email.SMTPPort,
			SMTPUser:      cfg.Channels.Email.SMTPUser,
			SMTPPassword:  cfg.Channels.Email.SMTPPassword,
			FromAddress:   cfg.Channels.Email.FromAddress,
			RatePerSecond: cfg.Channels.Email.RatePerSecond,
			Concurrency:   cfg.Channels.Email.Concurrency,
		})
		if err != nil {
			return nil, fmt.Errorf("create email adapter: %w", err)
		}
		registry.Register(domain.ChannelEmail, adapter)
	}

	if cfg.Channels.Firebase.Enabled {
		adapter, err := firebase.NewAdapter(ctx, firebase.Config{
			CredentialsFile: cfg.Channels.Firebase.CredentialsFile,
			RatePerSecond:   cfg.Channels.Firebase.RatePerSecond,
			Concurrency:     cfg.Channels.Firebase.Concurrency,
		})
		if err != nil {
			return nil, fmt.Errorf("create firebase adapter: %w", err)
		}
		registry.Register(domain.ChannelFirebase, adapter)
	}

	if cfg.Channels.Telegram.Enabled {
		adapter, err := telegram.NewAdapter(telegram.Config{
			BotToken:      cfg.Channels.Telegram.BotToken,
			RatePerSecond: cfg.Channels.Telegram.RatePerSecond,
			Concurrency:   cfg.Channels.Telegram.Concurrency,
		})
		if err != nil {
			return nil, fmt.Errorf("create telegram adapter: %w", err)
		}
		registry.Register(domain.ChannelTelegram, adapter)
	}

	if cfg.Channels.WebPush.Enabled {
		adapter, err := webpush.NewAdapter(webpush.Config{
			VAPIDPublicKey:  cfg.Channels.WebPush.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.Channels.WebPush.VAPIDPrivateKey,
			ContactEmail:    cfg.Channels.WebPush.ContactEmail,
			RatePerSecond:   cfg.Channels.WebPush.RatePerSecond,
			Concurrency:     cfg.Channels.WebPush.Concurrency,
		})
		if err != nil {
			return nil, fmt.Errorf("create webpush adapter: %w", err)
		}
		registry.Register(domain.ChannelWebPush, adapter)
	}

	return registry, nil
}

func (a *App) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.client.Ping(ctx).Err(); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Store unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

// collectQueueMetrics keeps the queue depth gauges fresh.
func (a *App) collectQueueMetrics(ctx context.Context) {
	q, err := queue.New(a.client, a.config.Worker.QueueName)
	if err != nil {
		return
	}

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			counts, err := q.JobCounts(ctx)
			if err != nil {
				if ctx.Err() == nil {
					slog.Error("failed to get queue counts", "error", err)
				}
				continue
			}
			worker.RecordQueueDepth(a.config.Worker.QueueName, counts.Active, counts.Waiting, counts.Delayed)
		case <-ctx.Done():
			return
		}
	}
}
