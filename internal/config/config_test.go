package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		Port:          "8080",
		Environment:   "development",
		TONEndpoint:   "https://testnet.toncenter.com/api/v2",
		PollInterval:  5 * time.Second,
		SweepInterval: 30 * time.Second,
		RateLimitRPS:  10,
	}
}

func TestValidate_OK(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_BadEnvironment(t *testing.T) {
	cfg := validConfig()
	cfg.Environment = "prod"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid environment")
	}
}

func TestValidate_ProductionRequiresDatabase(t *testing.T) {
	cfg := validConfig()
	cfg.Environment = "production"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error without DATABASE_URL in production")
	}
	cfg.DatabaseURL = "postgres://localhost/tgbtcpay"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidate_PollIntervalFloor(t *testing.T) {
	cfg := validConfig()
	cfg.PollInterval = 100 * time.Millisecond
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for sub-second poll interval")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("DATABASE_URL", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.PollInterval != 5*time.Second {
		t.Errorf("expected default poll interval 5s, got %s", cfg.PollInterval)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9999")
	t.Setenv("POLL_INTERVAL", "2s")
	t.Setenv("RATE_LIMIT_RPS", "50")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != "9999" {
		t.Errorf("expected port 9999, got %s", cfg.Port)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("expected poll interval 2s, got %s", cfg.PollInterval)
	}
	if cfg.RateLimitRPS != 50 {
		t.Errorf("expected RPS 50, got %v", cfg.RateLimitRPS)
	}
}
