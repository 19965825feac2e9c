// Package config loads the service configuration from the environment, with
// an optional .env file for development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"wainbox/internal/media"
)

// Config holds all configuration for the service.
type Config struct {
	Port        string
	DatabaseURL string

	GatewayBaseURL string
	GatewayAPIKey  string

	WebhookPath  string
	WebhookToken string

	MediaRoot string

	RabbitMQURL         string
	RabbitMQQueuePrefix string

	EventWorkers    int
	OutboundWorkers int

	SendLockTTL       time.Duration
	ChannelCacheTTL   time.Duration
	ReconcileInterval time.Duration

	QRToTerminal bool

	S3 media.S3Config

	LogLevel  string
	LogFormat string
}

// Load reads configuration from the environment. A .env file is honored
// when present; real environment variables take precedence.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		Port:        envOr("PORT", "8080"),
		DatabaseURL: envOr("DATABASE_URL", "wainbox.db"),

		GatewayBaseURL: os.Getenv("GATEWAY_BASE_URL"),
		GatewayAPIKey:  os.Getenv("GATEWAY_API_KEY"),

		WebhookPath:  envOr("WEBHOOK_PATH", "/webhooks/gateway"),
		WebhookToken: os.Getenv("WEBHOOK_TOKEN"),

		MediaRoot: envOr("MEDIA_ROOT", "./media"),

		RabbitMQURL:         os.Getenv("RABBITMQ_URL"),
		RabbitMQQueuePrefix: envOr("RABBITMQ_QUEUE_PREFIX", "wainbox"),

		EventWorkers:    envInt("EVENT_WORKERS", 4),
		OutboundWorkers: envInt("OUTBOUND_WORKERS", 2),

		SendLockTTL:       envDuration("SEND_LOCK_TTL", time.Minute),
		ChannelCacheTTL:   envDuration("CHANNEL_CACHE_TTL", time.Minute),
		ReconcileInterval: envDuration("RECONCILE_INTERVAL", 5*time.Minute),

		QRToTerminal: envBool("QR_TERMINAL", false),

		S3: media.S3Config{
			Enabled:   envBool("S3_ENABLED", false),
			Endpoint:  os.Getenv("S3_ENDPOINT"),
			Region:    envOr("S3_REGION", "us-east-1"),
			Bucket:    os.Getenv("S3_BUCKET"),
			AccessKey: os.Getenv("S3_ACCESS_KEY"),
			SecretKey: os.Getenv("S3_SECRET_KEY"),
			PathStyle: envBool("S3_PATH_STYLE", false),
		},

		LogLevel:  envOr("LOG_LEVEL", "info"),
		LogFormat: envOr("LOG_FORMAT", "console"),
	}

	if cfg.GatewayBaseURL == "" {
		return nil, fmt.Errorf("GATEWAY_BASE_URL is required")
	}
	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment, using default")
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid boolean in environment, using default")
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration in environment, using default")
		return fallback
	}
	return d
}
