package config

import (
	"testing"
	"time"
)

// Load reads the process environment, so these tests must not run in
// parallel with each other.

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_BASE_URL", "https://venue.example")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	if cfg.API.Timeout != 30*time.Second {
		t.Errorf("API timeout = %v, want 30s", cfg.API.Timeout)
	}
	if cfg.MarketScanInterval != time.Minute {
		t.Errorf("market scan interval = %v, want 1m", cfg.MarketScanInterval)
	}
	if cfg.PositionScanInterval != 10*time.Second {
		t.Errorf("position scan interval = %v, want 10s", cfg.PositionScanInterval)
	}
	if cfg.Chain.ConfirmRealTransactions {
		t.Error("real transactions must be off by default")
	}
	if !cfg.StrategiesEnabled {
		t.Error("strategies should be enabled by default")
	}
	if cfg.Trading.StartHour != 6 || cfg.Trading.EndHour != 22 {
		t.Errorf("trading window = [%d, %d], want [6, 22]", cfg.Trading.StartHour, cfg.Trading.EndHour)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("API_BASE_URL", "https://venue.example")
	t.Setenv("API_TIMEOUT", "5000")
	t.Setenv("MARKET_SCAN_INTERVAL", "120000")
	t.Setenv("STRATEGIES_ENABLED", "false")
	t.Setenv("HOURLY_ARBITRAGE_ENABLED", "true")
	t.Setenv("HOURLY_ARBITRAGE_AMOUNT", "25.5")
	t.Setenv("HOURLY_ARBITRAGE_MIN_PRICE_THRESHOLD", "0.65")
	t.Setenv("PRICE_ARBITRAGE_MIN_MINUTES", "10")
	t.Setenv("PRICE_ARBITRAGE_MAX_MINUTES", "50")
	t.Setenv("MAX_DAILY_LOSS", "42")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.API.Timeout != 5*time.Second {
		t.Errorf("API timeout = %v, want 5s", cfg.API.Timeout)
	}
	if cfg.MarketScanInterval != 2*time.Minute {
		t.Errorf("market scan interval = %v, want 2m", cfg.MarketScanInterval)
	}
	if cfg.StrategiesEnabled {
		t.Error("kill-switch not honored")
	}
	if !cfg.Hourly.Enabled || cfg.Hourly.Amount != 25.5 {
		t.Errorf("hourly config = %+v", cfg.Hourly)
	}
	if cfg.Hourly.MinPriceThreshold != 0.65 {
		t.Errorf("min price threshold = %v, want 0.65", cfg.Hourly.MinPriceThreshold)
	}
	if cfg.PriceArb.MinMinutes != 10 || cfg.PriceArb.MaxMinutes != 50 {
		t.Errorf("price arb window = [%d, %d]", cfg.PriceArb.MinMinutes, cfg.PriceArb.MaxMinutes)
	}
	if cfg.Limits.MaxDailyLoss != 42 {
		t.Errorf("max daily loss = %v, want 42", cfg.Limits.MaxDailyLoss)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Setenv("API_BASE_URL", "https://venue.example")

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing base URL", func(c *Config) { c.API.BaseURL = "" }},
		{"zero position size", func(c *Config) { c.Limits.MaxPositionSize = 0 }},
		{"inverted trading hours", func(c *Config) { c.Trading.StartHour = 23; c.Trading.EndHour = 6 }},
		{"inverted arb minutes", func(c *Config) { c.PriceArb.MinMinutes = 50; c.PriceArb.MaxMinutes = 40 }},
		{"hourly enabled without amount", func(c *Config) { c.Hourly.Enabled = true; c.Hourly.Amount = 0 }},
	}

	for _, tc := range cases {
		cfg, err := Load()
		if err != nil {
			t.Fatal(err)
		}
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate should fail", tc.name)
		}
	}
}
