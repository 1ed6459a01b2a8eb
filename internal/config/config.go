// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server
	Port        string
	Environment string // development, staging, production
	LogLevel    string
	LogFormat   string // json or text

	// Database. Empty means in-memory stores.
	DatabaseURL string

	// TON chain access
	TONEndpoint   string
	TONAPIKey     string
	TgBTCContract string // tgBTC jetton master address
	WalletAddress string // service wallet funding escrow deploys
	WalletKey     string // hex-encoded wallet secret

	// Telegram
	TelegramBotToken string
	AppURL           string // mini app base URL for deep links

	// Background loops
	PollInterval   time.Duration // chain observer poll cadence
	SweepInterval  time.Duration // expiry sweep cadence
	SettleTimeout  time.Duration // max wait for settlement acceptance
	ReconcileEvery time.Duration // dangling settlement reconciliation cadence

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Observability
	OTLPEndpoint string // empty disables trace export
}

// Load reads configuration from the environment. A .env file is loaded
// first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogFormat:   getEnv("LOG_FORMAT", "json"),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		TONEndpoint:   getEnv("TON_ENDPOINT", "https://testnet.toncenter.com/api/v2"),
		TONAPIKey:     os.Getenv("TON_API_KEY"),
		TgBTCContract: os.Getenv("TGBTC_CONTRACT"),
		WalletAddress: os.Getenv("WALLET_ADDRESS"),
		WalletKey:     os.Getenv("WALLET_KEY"),

		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		AppURL:           os.Getenv("APP_URL"),

		PollInterval:   getDuration("POLL_INTERVAL", 5*time.Second),
		SweepInterval:  getDuration("SWEEP_INTERVAL", 30*time.Second),
		SettleTimeout:  getDuration("SETTLE_TIMEOUT", 2*time.Minute),
		ReconcileEvery: getDuration("RECONCILE_INTERVAL", 5*time.Minute),

		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 10),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 20),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required settings are present and sane.
func (c *Config) Validate() error {
	switch c.Environment {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("invalid ENV %q", c.Environment)
	}
	if c.Environment == "production" && c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required in production")
	}
	if c.TONEndpoint == "" {
		return fmt.Errorf("TON_ENDPOINT must not be empty")
	}
	if c.PollInterval < time.Second {
		return fmt.Errorf("POLL_INTERVAL must be at least 1s, got %s", c.PollInterval)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive, got %v", c.RateLimitRPS)
	}
	return nil
}

// IsProduction reports whether the app runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
