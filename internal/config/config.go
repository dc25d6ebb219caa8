// Package config loads the worker application configuration from an
// optional YAML file and NOTIFY_-prefixed environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "NOTIFY_"

// Config is the root application configuration.
type Config struct {
	Log      LogConfig      `koanf:"log"`
	Redis    RedisConfig    `koanf:"redis"`
	Server   ServerConfig   `koanf:"server"`
	Worker   WorkerConfig   `koanf:"worker"`
	Channels ChannelsConfig `koanf:"channels"`
}

// LogConfig controls log output.
type LogConfig struct {
	// Level is one of fatal, error, warn, info, debug, trace. The
	// LOG_LEVEL environment variable overrides it.
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// RedisConfig is the shared store connection.
type RedisConfig struct {
	Addr            string        `koanf:"addr" validate:"required"`
	Password        string        `koanf:"password"`
	DB              int           `koanf:"db"`
	PoolSize        int           `koanf:"pool_size"`
	DialTimeout     time.Duration `koanf:"dial_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
}

// ServerConfig is the ops HTTP endpoint (health, readiness, metrics).
type ServerConfig struct {
	Host string `koanf:"host"`
	Port string `koanf:"port"`
}

// WorkerConfig tunes the job consumer.
type WorkerConfig struct {
	QueueName                 string        `koanf:"queue_name" validate:"required"`
	Concurrency               int           `koanf:"concurrency" validate:"gte=0"`
	TrackingKey               string        `koanf:"tracking_key"`
	LockDuration              time.Duration `koanf:"lock_duration"`
	ResetStatsAfterCompletion bool          `koanf:"reset_stats_after_completion"`
}

// ChannelsConfig enables and tunes the channel adapters.
type ChannelsConfig struct {
	Email    EmailConfig    `koanf:"email"`
	Firebase FirebaseConfig `koanf:"firebase"`
	Telegram TelegramConfig `koanf:"telegram"`
	WebPush  WebPushConfig  `koanf:"webpush"`
}

// EmailConfig configures the SMTP channel.
type EmailConfig struct {
	Enabled       bool   `koanf:"enabled"`
	SMTPHost      string `koanf:"smtp_host"`
	SMTPPort      int    `koanf:"smtp_port"`
	SMTPUser      string `koanf:"smtp_user"`
	SMTPPassword  string `koanf:"smtp_password"`
	FromAddress   string `koanf:"from_address"`
	RatePerSecond int    `koanf:"rate_per_second"`
	Concurrency   int    `koanf:"concurrency"`
}

// FirebaseConfig configures the mobile push channel.
type FirebaseConfig struct {
	Enabled         bool   `koanf:"enabled"`
	CredentialsFile string `koanf:"credentials_file"`
	RatePerSecond   int    `koanf:"rate_per_second"`
	Concurrency     int    `koanf:"concurrency"`
}

// TelegramConfig configures the chat bot channel.
type TelegramConfig struct {
	Enabled       bool   `koanf:"enabled"`
	BotToken      string `koanf:"bot_token"`
	RatePerSecond int    `koanf:"rate_per_second"`
	Concurrency   int    `koanf:"concurrency"`
}

// WebPushConfig configures the browser push channel.
type WebPushConfig struct {
	Enabled         bool   `koanf:"enabled"`
	VAPIDPublicKey  string `koanf:"vapid_public_key"`
	VAPIDPrivateKey string `koanf:"vapid_private_key"`
	ContactEmail    string `koanf:"contact_email"`
	RatePerSecond   int    `koanf:"rate_per_second"`
	Concurrency     int    `koanf:"concurrency"`
}

// Load reads configuration from the YAML file at path (optional, pass ""
// to skip) overlaid with NOTIFY_ environment variables, applies defaults
// and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	// Double underscore separates sections: NOTIFY_WORKER__QUEUE_NAME maps
	// to worker.queue_name, NOTIFY_CHANNELS__EMAIL__SMTP_HOST to
	// channels.email.smtp_host.
	if err := k.Load(env.Provider(envPrefix, ".", func(key string) string {
		key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
		return strings.ReplaceAll(key, "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("load env config: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyDefaults()

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == "" {
		c.Server.Port = "9090"
	}
	if c.Worker.TrackingKey == "" {
		c.Worker.TrackingKey = "notifications:stats"
	}
	if c.Redis.ConnectAttempts == 0 {
		c.Redis.ConnectAttempts = 5
	}
}
