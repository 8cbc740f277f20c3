// Package config defines all configuration for the trading engine.
// Config is read from the environment (a .env file is honored when present),
// with defaults suitable for a dry run against the demo venue.
//
// All durations are configured in milliseconds on the wire (the venue tooling
// has always used ms) and exposed as time.Duration here.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the top-level configuration.
type Config struct {
	API     APIConfig
	Chain   ChainConfig
	Store   StoreConfig
	Logging LoggingConfig
	Status  StatusConfig

	// StrategiesEnabled is the global kill-switch: when false, strategies
	// are constructed but never ticked.
	StrategiesEnabled bool

	MarketScanInterval     time.Duration
	PositionScanInterval   time.Duration
	AccountRefreshInterval time.Duration
	PositionCheckInterval  time.Duration

	Limits  LimitsConfig
	Trading TradingWindowConfig

	Hourly   HourlyConfig
	PriceArb PriceArbConfig
	LPMaking LPMakingConfig
}

// APIConfig points at the venue REST API.
type APIConfig struct {
	BaseURL string
	Timeout time.Duration
}

// ChainConfig holds the EVM JSON-RPC endpoint and the broadcast safeguard.
// ConfirmRealTransactions must be explicitly enabled before any on-chain
// call (approve, split, merge, claim) is allowed to broadcast.
type ChainConfig struct {
	RPCURL                  string
	ChainID                 int64
	ConfirmRealTransactions bool
}

// StoreConfig sets the filesystem layout: the vault, the account state file,
// execution stats, and the proxy list.
type StoreConfig struct {
	DataDir   string // root; secure/ and state/ live under it
	ProxyFile string
	MasterKey string // PBKDF2 seed for the vault key
}

type LoggingConfig struct {
	Level  string
	Format string
}

// StatusConfig controls the status/observability HTTP server.
type StatusConfig struct {
	Enabled bool
	Port    int
	// AllowedOrigins replaces the default localhost-only websocket origin
	// rule when non-empty.
	AllowedOrigins []string
}

// LimitsConfig carries the global risk caps shared by all executors.
type LimitsConfig struct {
	MaxTotalInvestment               float64
	MaxDailyLoss                     float64
	EmergencyStopLoss                float64
	MaxPositionSize                  float64
	MaxRiskLevel                     float64
	MaxConcurrentPositionsPerAccount int
}

// TradingWindowConfig restricts order submission to a daily hour window.
type TradingWindowConfig struct {
	Enabled   bool
	StartHour int
	EndHour   int
}

// HourlyConfig tunes the hourly arbitrage strategy.
type HourlyConfig struct {
	Enabled                bool
	Amount                 float64 // USDC per opportunity
	MinPriceThreshold      float64
	MaxPriceThreshold      float64
	MaxConcurrentPositions int
	SettlementBuffer       time.Duration
	MinTimeToSettlement    time.Duration
	ScanInterval           time.Duration
	Slippage               float64
}

// PriceArbConfig tunes the price arbitrage strategy. The minute window
// boundaries are evaluated against the local clock, deliberately — the
// venue's hourly markets settle on local-hour boundaries.
type PriceArbConfig struct {
	Enabled                 bool
	Amount                  float64
	Slippage                float64
	MinMinutes              int
	MaxMinutes              int
	MaxConcurrentPositions  int
	SellToArbitrageInterval time.Duration
	ScanInterval            time.Duration
}

// LPMakingConfig tunes the LP making strategy.
type LPMakingConfig struct {
	Enabled                 bool
	InitialPurchase         float64
	TargetProfitRate        float64
	MinMarketScore          float64
	MaxConcurrentMarkets    int
	PriceAdjustmentInterval time.Duration
	MaxOrderAge             time.Duration
	ScanInterval            time.Duration
}

// envBindings maps config keys to their environment variables.
var envBindings = map[string]string{
	"api.base_url":    "API_BASE_URL",
	"api.timeout":     "API_TIMEOUT",
	"chain.rpc_url":   "RPC_URL",
	"chain.chain_id":  "CHAIN_ID",
	"chain.confirm":   "CONFIRM_REAL_TRANSACTIONS",
	"store.data_dir":  "DATA_DIR",
	"store.proxies":   "PROXY_FILE",
	"store.masterkey": "MASTER_KEY",

	"log.level":  "LOG_LEVEL",
	"log.format": "LOG_FORMAT",

	"status.enabled": "STATUS_ENABLED",
	"status.port":    "STATUS_PORT",
	"status.origins": "STATUS_ALLOWED_ORIGINS",

	"strategies.enabled":       "STRATEGIES_ENABLED",
	"market.scan_interval":     "MARKET_SCAN_INTERVAL",
	"position.scan_interval":   "POSITION_SCAN_INTERVAL",
	"account.refresh_interval": "ACCOUNT_REFRESH_INTERVAL",
	"position.check_interval":  "POSITION_CHECK_INTERVAL",

	"limits.max_total_investment":      "MAX_TOTAL_INVESTMENT",
	"limits.max_daily_loss":            "MAX_DAILY_LOSS",
	"limits.emergency_stop_loss":       "EMERGENCY_STOP_LOSS",
	"limits.max_position_size":         "MAX_POSITION_SIZE",
	"limits.max_risk_level":            "MAX_RISK_LEVEL",
	"limits.max_positions_per_account": "MAX_CONCURRENT_POSITIONS_PER_ACCOUNT",

	"trading.hours_enabled": "TRADING_HOURS_ENABLED",
	"trading.start_hour":    "TRADING_START_HOUR",
	"trading.end_hour":      "TRADING_END_HOUR",

	"hourly.enabled":                "HOURLY_ARBITRAGE_ENABLED",
	"hourly.amount":                 "HOURLY_ARBITRAGE_AMOUNT",
	"hourly.min_price_threshold":    "HOURLY_ARBITRAGE_MIN_PRICE_THRESHOLD",
	"hourly.max_price_threshold":    "HOURLY_ARBITRAGE_MAX_PRICE_THRESHOLD",
	"hourly.max_concurrent":         "HOURLY_ARBITRAGE_MAX_CONCURRENT_POSITIONS",
	"hourly.settlement_buffer":      "HOURLY_ARBITRAGE_SETTLEMENT_BUFFER",
	"hourly.min_time_to_settlement": "HOURLY_ARBITRAGE_MIN_TIME_TO_SETTLEMENT",
	"hourly.scan_interval":          "HOURLY_ARBITRAGE_SCAN_INTERVAL",
	"hourly.slippage":               "HOURLY_ARBITRAGE_SLIPPAGE",

	"pricearb.enabled":        "PRICE_ARBITRAGE_ENABLED",
	"pricearb.amount":         "PRICE_ARBITRAGE_AMOUNT",
	"pricearb.slippage":       "PRICE_ARBITRAGE_SLIPPAGE",
	"pricearb.min_minutes":    "PRICE_ARBITRAGE_MIN_MINUTES",
	"pricearb.max_minutes":    "PRICE_ARBITRAGE_MAX_MINUTES",
	"pricearb.max_concurrent": "PRICE_ARBITRAGE_MAX_CONCURRENT_POSITIONS",
	"pricearb.sell_interval":  "PRICE_ARBITRAGE_SELL_TO_ARBITRAGE_INTERVAL",
	"pricearb.scan_interval":  "PRICE_ARBITRAGE_SCAN_INTERVAL",

	"lp.enabled":            "LP_MAKING_ENABLED",
	"lp.initial_purchase":   "LP_MAKING_INITIAL_PURCHASE",
	"lp.target_profit_rate": "LP_MAKING_TARGET_PROFIT_RATE",
	"lp.min_market_score":   "LP_MAKING_MIN_MARKET_SCORE",
	"lp.max_markets":        "LP_MAKING_MAX_CONCURRENT_MARKETS",
	"lp.adjust_interval":    "LP_MAKING_PRICE_ADJUSTMENT_INTERVAL",
	"lp.max_order_age":      "LP_MAKING_MAX_ORDER_AGE",
	"lp.scan_interval":      "LP_MAKING_SCAN_INTERVAL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.timeout", 30_000)
	v.SetDefault("chain.chain_id", 8453) // Base mainnet
	v.SetDefault("chain.confirm", false)
	v.SetDefault("store.data_dir", ".kiro")
	v.SetDefault("store.proxies", "proxies.txt")
	// Demo default only; set MASTER_KEY in any real deployment.
	v.SetDefault("store.masterkey", "kiro-demo-master-key")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("status.enabled", false)
	v.SetDefault("status.port", 8090)

	v.SetDefault("strategies.enabled", true)
	v.SetDefault("market.scan_interval", 60_000)
	v.SetDefault("position.scan_interval", 10_000)
	v.SetDefault("account.refresh_interval", 1_000)
	v.SetDefault("position.check_interval", 30_000)

	v.SetDefault("limits.max_total_investment", 1000.0)
	v.SetDefault("limits.max_daily_loss", 100.0)
	v.SetDefault("limits.emergency_stop_loss", 200.0)
	v.SetDefault("limits.max_position_size", 100.0)
	v.SetDefault("limits.max_risk_level", 1.0)
	v.SetDefault("limits.max_positions_per_account", 5)

	v.SetDefault("trading.hours_enabled", true)
	v.SetDefault("trading.start_hour", 6)
	v.SetDefault("trading.end_hour", 22)

	v.SetDefault("hourly.enabled", false)
	v.SetDefault("hourly.amount", 10.0)
	v.SetDefault("hourly.min_price_threshold", 0.6)
	v.SetDefault("hourly.max_price_threshold", 0.95)
	v.SetDefault("hourly.max_concurrent", 3)
	v.SetDefault("hourly.settlement_buffer", 3_600_000)
	v.SetDefault("hourly.min_time_to_settlement", 300_000)
	v.SetDefault("hourly.scan_interval", 30_000)
	v.SetDefault("hourly.slippage", 0.02)

	v.SetDefault("pricearb.enabled", false)
	v.SetDefault("pricearb.amount", 10.0)
	v.SetDefault("pricearb.slippage", 0.05)
	v.SetDefault("pricearb.min_minutes", 0)
	v.SetDefault("pricearb.max_minutes", 55)
	v.SetDefault("pricearb.max_concurrent", 3)
	v.SetDefault("pricearb.sell_interval", 60_000)
	v.SetDefault("pricearb.scan_interval", 30_000)

	v.SetDefault("lp.enabled", false)
	v.SetDefault("lp.initial_purchase", 25.0)
	v.SetDefault("lp.target_profit_rate", 0.05)
	v.SetDefault("lp.min_market_score", 0.3)
	v.SetDefault("lp.max_markets", 5)
	v.SetDefault("lp.adjust_interval", 300_000)
	v.SetDefault("lp.max_order_age", 3_600_000)
	v.SetDefault("lp.scan_interval", 60_000)
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present (missing file is not an error).
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	ms := func(key string) time.Duration {
		return time.Duration(v.GetInt64(key)) * time.Millisecond
	}

	cfg := &Config{
		API: APIConfig{
			BaseURL: v.GetString("api.base_url"),
			Timeout: ms("api.timeout"),
		},
		Chain: ChainConfig{
			RPCURL:                  v.GetString("chain.rpc_url"),
			ChainID:                 v.GetInt64("chain.chain_id"),
			ConfirmRealTransactions: v.GetBool("chain.confirm"),
		},
		Store: StoreConfig{
			DataDir:   v.GetString("store.data_dir"),
			ProxyFile: v.GetString("store.proxies"),
			MasterKey: v.GetString("store.masterkey"),
		},
		Logging: LoggingConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Status: StatusConfig{
			Enabled:        v.GetBool("status.enabled"),
			Port:           v.GetInt("status.port"),
			AllowedOrigins: splitList(v.GetString("status.origins")),
		},
		StrategiesEnabled:      v.GetBool("strategies.enabled"),
		MarketScanInterval:     ms("market.scan_interval"),
		PositionScanInterval:   ms("position.scan_interval"),
		AccountRefreshInterval: ms("account.refresh_interval"),
		PositionCheckInterval:  ms("position.check_interval"),
		Limits: LimitsConfig{
			MaxTotalInvestment:               v.GetFloat64("limits.max_total_investment"),
			MaxDailyLoss:                     v.GetFloat64("limits.max_daily_loss"),
			EmergencyStopLoss:                v.GetFloat64("limits.emergency_stop_loss"),
			MaxPositionSize:                  v.GetFloat64("limits.max_position_size"),
			MaxRiskLevel:                     v.GetFloat64("limits.max_risk_level"),
			MaxConcurrentPositionsPerAccount: v.GetInt("limits.max_positions_per_account"),
		},
		Trading: TradingWindowConfig{
			Enabled:   v.GetBool("trading.hours_enabled"),
			StartHour: v.GetInt("trading.start_hour"),
			EndHour:   v.GetInt("trading.end_hour"),
		},
		Hourly: HourlyConfig{
			Enabled:                v.GetBool("hourly.enabled"),
			Amount:                 v.GetFloat64("hourly.amount"),
			MinPriceThreshold:      v.GetFloat64("hourly.min_price_threshold"),
			MaxPriceThreshold:      v.GetFloat64("hourly.max_price_threshold"),
			MaxConcurrentPositions: v.GetInt("hourly.max_concurrent"),
			SettlementBuffer:       ms("hourly.settlement_buffer"),
			MinTimeToSettlement:    ms("hourly.min_time_to_settlement"),
			ScanInterval:           ms("hourly.scan_interval"),
			Slippage:               v.GetFloat64("hourly.slippage"),
		},
		PriceArb: PriceArbConfig{
			Enabled:                 v.GetBool("pricearb.enabled"),
			Amount:                  v.GetFloat64("pricearb.amount"),
			Slippage:                v.GetFloat64("pricearb.slippage"),
			MinMinutes:              v.GetInt("pricearb.min_minutes"),
			MaxMinutes:              v.GetInt("pricearb.max_minutes"),
			MaxConcurrentPositions:  v.GetInt("pricearb.max_concurrent"),
			SellToArbitrageInterval: ms("pricearb.sell_interval"),
			ScanInterval:            ms("pricearb.scan_interval"),
		},
		LPMaking: LPMakingConfig{
			Enabled:                 v.GetBool("lp.enabled"),
			InitialPurchase:         v.GetFloat64("lp.initial_purchase"),
			TargetProfitRate:        v.GetFloat64("lp.target_profit_rate"),
			MinMarketScore:          v.GetFloat64("lp.min_market_score"),
			MaxConcurrentMarkets:    v.GetInt("lp.max_markets"),
			PriceAdjustmentInterval: ms("lp.adjust_interval"),
			MaxOrderAge:             ms("lp.max_order_age"),
			ScanInterval:            ms("lp.scan_interval"),
		},
	}

	return cfg, nil
}

// splitList parses a comma-separated env value, trimming blanks.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate checks required fields and value ranges. A failure here is a
// ConfigError in the taxonomy: fatal at startup.
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("API_BASE_URL is required")
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("API_TIMEOUT must be > 0")
	}
	if c.Limits.MaxPositionSize <= 0 {
		return fmt.Errorf("MAX_POSITION_SIZE must be > 0")
	}
	if c.Limits.MaxDailyLoss <= 0 {
		return fmt.Errorf("MAX_DAILY_LOSS must be > 0")
	}
	if c.Limits.MaxConcurrentPositionsPerAccount <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_POSITIONS_PER_ACCOUNT must be > 0")
	}
	if c.Trading.StartHour < 0 || c.Trading.StartHour > 23 ||
		c.Trading.EndHour < 0 || c.Trading.EndHour > 23 ||
		c.Trading.StartHour > c.Trading.EndHour {
		return fmt.Errorf("trading hours window [%d, %d] is invalid", c.Trading.StartHour, c.Trading.EndHour)
	}
	if c.PriceArb.MinMinutes < 0 || c.PriceArb.MaxMinutes > 59 ||
		c.PriceArb.MinMinutes > c.PriceArb.MaxMinutes {
		return fmt.Errorf("price arbitrage minute window [%d, %d] is invalid", c.PriceArb.MinMinutes, c.PriceArb.MaxMinutes)
	}
	if c.Hourly.Enabled && c.Hourly.Amount <= 0 {
		return fmt.Errorf("HOURLY_ARBITRAGE_AMOUNT must be > 0 when the strategy is enabled")
	}
	if c.LPMaking.Enabled && c.LPMaking.InitialPurchase <= 0 {
		return fmt.Errorf("LP_MAKING_INITIAL_PURCHASE must be > 0 when the strategy is enabled")
	}
	return nil
}
