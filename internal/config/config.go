// Package config loads process configuration from the environment.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all recognized runtime options.
type Config struct {
	DatabaseURL string
	RedisURL    string

	// Vault keys, 64 hex chars each (32 bytes). Previous enables rotation.
	CredentialEncryptionKey         []byte
	CredentialEncryptionKeyPrevious []byte

	SlackBotToken   string
	DashboardURL    string
	AnthropicAPIKey string

	ListenAddr string
	LogLevel   string
	LogFormat  string

	IngestWorkers int
	AlertWorkers  int

	ProviderTimeout time.Duration
	IngestTimeout   time.Duration
}

// Load reads configuration from the environment, consulting a .env file if
// one is present. DATABASE_URL is required; everything else has a default or
// degrades a feature when absent.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Msg("Loaded environment from .env")
	}

	cfg := &Config{
		DatabaseURL:     strings.TrimSpace(os.Getenv("DATABASE_URL")),
		RedisURL:        strings.TrimSpace(os.Getenv("REDIS_URL")),
		SlackBotToken:   os.Getenv("SLACK_BOT_TOKEN"),
		DashboardURL:    strings.TrimRight(os.Getenv("DASHBOARD_URL"), "/"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		ListenAddr:      envDefault("LISTEN_ADDR", ":8080"),
		LogLevel:        envDefault("LOG_LEVEL", "info"),
		LogFormat:       envDefault("LOG_FORMAT", "auto"),
		IngestWorkers:   envInt("INGEST_WORKERS", 2*runtime.NumCPU()),
		AlertWorkers:    envInt("ALERT_WORKERS", 4),
		ProviderTimeout: 10 * time.Second,
		IngestTimeout:   30 * time.Second,
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	var err error
	if cfg.CredentialEncryptionKey, err = envHexKey("CREDENTIAL_ENCRYPTION_KEY"); err != nil {
		return nil, err
	}
	if cfg.CredentialEncryptionKeyPrevious, err = envHexKey("CREDENTIAL_ENCRYPTION_KEY_PREVIOUS"); err != nil {
		return nil, err
	}

	if cfg.RedisURL == "" {
		log.Warn().Msg("REDIS_URL not set; backfill progress, distributed locks, and rate limits are disabled")
	}
	if cfg.AnthropicAPIKey == "" {
		log.Debug().Msg("ANTHROPIC_API_KEY not set; AI features disabled")
	}

	return cfg, nil
}

func envDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		log.Warn().Str("key", key).Str("value", v).Msg("Ignoring invalid integer env var")
		return fallback
	}
	return n
}

func envHexKey(key string) ([]byte, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("%s must be hex-encoded: %w", key, err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("%s must decode to 32 bytes, got %d", key, len(raw))
	}
	return raw, nil
}
