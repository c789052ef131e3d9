// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the chat service.
package server

import (
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Config holds the server configuration settings including security controls.
// Fields are read from the environment; unset variables keep their defaults.
type Config struct {
	Port           string   `env:"SERVER_PORT"`
	AllowedOrigins []string // parsed from Origins
	Origins        string   `env:"ALLOWED_ORIGINS"`
	MaxMessageSize int64    `env:"MAX_MESSAGE_SIZE"`

	RateLimitBurst          int           `env:"RATE_LIMIT_BURST"`
	RateLimitRefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL"`

	SendBufferSize   int `env:"SEND_BUFFER_SIZE"`
	ShardCount       int `env:"SHARD_COUNT"`
	SequencerWorkers int `env:"SEQUENCER_WORKERS"`
	SequencerBacklog int `env:"SEQUENCER_QUEUE"`

	JWTSecret string `env:"JWT_SECRET"`

	DatabaseURL      string        `env:"DATABASE_URL"`
	RedisAddr        string        `env:"REDIS_ADDR"`
	RedisPassword    string        `env:"REDIS_PASSWORD"`
	RedisDB          int           `env:"REDIS_DB"`
	ContactsCacheTTL time.Duration `env:"CONTACTS_CACHE_TTL"`

	NATSURL           string `env:"NATS_URL"`
	NATSSubjectPrefix string `env:"NATS_SUBJECT_PREFIX"`
	NotifySecret      string `env:"NOTIFY_SECRET"`

	LogLevel  string `env:"LOG_LEVEL"`
	LogFormat string `env:"LOG_FORMAT"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"`
	HandlerTimeout  time.Duration `env:"HANDLER_TIMEOUT"`

	EnableTestPage bool `env:"ENABLE_TEST_PAGE"`
}

const defaultJWTSecret = "default_jwt_secret_change_this"

func defaultConfig() Config {
	return Config{
		Port:                    ":8080",
		AllowedOrigins:          []string{"http://localhost:3000"},
		MaxMessageSize:          4096,
		RateLimitBurst:          20,
		RateLimitRefillInterval: time.Second,
		SendBufferSize:          256,
		ShardCount:              32,
		SequencerWorkers:        16,
		SequencerBacklog:        1024,
		JWTSecret:               defaultJWTSecret,
		ContactsCacheTTL:        30 * time.Second,
		NATSSubjectPrefix:       "chat.notify",
		LogLevel:                "info",
		LogFormat:               "console",
		ShutdownTimeout:         10 * time.Second,
		HandlerTimeout:          5 * time.Second,
	}
}

func sanitizeConfig(cfg Config) Config {
	def := defaultConfig()

	if cfg.Port == "" {
		cfg.Port = def.Port
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = def.RateLimitBurst
	}
	if cfg.RateLimitRefillInterval <= 0 {
		cfg.RateLimitRefillInterval = def.RateLimitRefillInterval
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = def.SendBufferSize
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = def.ShardCount
	}
	if cfg.SequencerWorkers <= 0 {
		cfg.SequencerWorkers = def.SequencerWorkers
	}
	if cfg.SequencerBacklog <= 0 {
		cfg.SequencerBacklog = def.SequencerBacklog
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = def.JWTSecret
	}
	if cfg.NATSSubjectPrefix == "" {
		cfg.NATSSubjectPrefix = def.NATSSubjectPrefix
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = def.HandlerTimeout
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = def.LogFormat
	}

	if cfg.Origins != "" {
		cfg.AllowedOrigins = parseOrigins(cfg.Origins)
	}
	cfg.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)

	return cfg
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// NewConfigFromEnv creates a Config instance from environment variables,
// loading a .env file first when one is present.
// Falls back to default values if environment variables are not set.
func NewConfigFromEnv() (*Config, error) {
	_ = godotenv.Load()

	cfg := defaultConfig()
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, errors.Wrap(err, "read environment")
	}

	cfg = sanitizeConfig(cfg)
	return &cfg, nil
}

// UsesDefaultSecret reports whether tokens are verified with the built-in
// development secret.
func (c *Config) UsesDefaultSecret() bool {
	return c.JWTSecret == defaultJWTSecret
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
