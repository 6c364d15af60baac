package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// HTTP
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// Database
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/mailsync.db"`

	// Mailbox being synchronized
	MailboxID string `env:"MAILBOX_ID,required,notEmpty"`
	Provider  string `env:"MAIL_PROVIDER" envDefault:"gmail"` // "gmail" or "outlook"

	// Auth service that owns the OAuth token lifecycle
	AuthServerURL string `env:"AUTH_SERVER_URL,required,notEmpty"`
	AuthAPIKey    string `env:"AUTH_API_KEY"`

	// JWKS endpoint for control-plane bearer tokens (empty disables auth)
	JWKSURL string `env:"JWKS_URL"`

	// NATS (empty disables event publication)
	NATSURL string `env:"NATS_URL"`

	// Sync tuning
	SyncWorkers     int           `env:"SYNC_WORKERS" envDefault:"4"`
	SyncQueueSize   int           `env:"SYNC_QUEUE_SIZE" envDefault:"64"`
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"30s"` // per provider API call
	RetryAttempts   int           `env:"SYNC_RETRY_ATTEMPTS" envDefault:"4"`
	RetryBaseDelay  time.Duration `env:"SYNC_RETRY_BASE_DELAY" envDefault:"500ms"`
	ResyncWindow    int64         `env:"SYNC_RESYNC_WINDOW" envDefault:"50"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Provider != "gmail" && cfg.Provider != "outlook" {
		return nil, fmt.Errorf("MAIL_PROVIDER must be \"gmail\" or \"outlook\", got %q", cfg.Provider)
	}
	if cfg.SyncWorkers < 1 {
		return nil, fmt.Errorf("SYNC_WORKERS must be at least 1, got %d", cfg.SyncWorkers)
	}

	return cfg, nil
}
