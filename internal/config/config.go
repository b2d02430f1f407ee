package config

import "github.com/kelseyhightower/envconfig"

type Config struct {
	// ----------------------------
	// Redis (queue + batch store + shared limiter)
	// ----------------------------
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" default:""`

	// ----------------------------
	// Vault
	// ----------------------------
	// 32-byte key, hex encoded. Empty means a random per-process key;
	// bundles in flight do not survive a restart in that mode.
	EncryptionKey string `envconfig:"ENCRYPTION_KEY" default:""`

	// ----------------------------
	// Workers
	// ----------------------------
	WorkerCount       int  `envconfig:"WORKER_COUNT" default:"5"`
	MaxAttempts       int  `envconfig:"MAX_ATTEMPTS" default:"3"`
	BackoffBaseMS     int  `envconfig:"BACKOFF_BASE_MS" default:"1000"`
	RateLimitMax      int  `envconfig:"RATE_LIMIT_MAX" default:"10"`
	RateLimitWindowMS int  `envconfig:"RATE_LIMIT_WINDOW_MS" default:"1000"`
	RateLimitShared   bool `envconfig:"RATE_LIMIT_SHARED" default:"true"`

	// ----------------------------
	// Batches
	// ----------------------------
	BatchTTLHours int `envconfig:"BATCH_TTL_HOURS" default:"24"`

	// ----------------------------
	// Renderer
	// ----------------------------
	PageWidth  float64 `envconfig:"PAGE_WIDTH" default:"800"`
	PageHeight float64 `envconfig:"PAGE_HEIGHT" default:"600"`

	// ----------------------------
	// Mail providers
	// ----------------------------
	GoogleClientID      string `envconfig:"GOOGLE_CLIENT_ID" default:""`
	GoogleClientSecret  string `envconfig:"GOOGLE_CLIENT_SECRET" default:""`
	OutlookClientID     string `envconfig:"OUTLOOK_CLIENT_ID" default:""`
	OutlookClientSecret string `envconfig:"OUTLOOK_CLIENT_SECRET" default:""`
	OutlookTokenURL     string `envconfig:"OUTLOOK_TOKEN_URL" default:"https://login.microsoftonline.com/common/oauth2/v2.0/token"`

	// ----------------------------
	// SMTP (local/dev provider)
	// ----------------------------
	SMTPHost string `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort int    `envconfig:"SMTP_PORT" default:"1025"`
	SMTPFrom string `envconfig:"SMTP_FROM" default:"noreply@certmailer.local"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
}

func Load() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return &cfg, err
}
