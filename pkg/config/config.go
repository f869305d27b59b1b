package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the immutable configuration document for the trading engine.
// The YAML document carries tunables; credentials come from the environment.
type Config struct {
	Trading    TradingConfig    `yaml:"trading"`
	Risk       RiskConfig       `yaml:"risk"`
	Exit       ExitConfig       `yaml:"exit"`
	Strategies StrategiesConfig `yaml:"strategies"`
	API        APIConfig        `yaml:"api"`
	Database   DatabaseConfig   `yaml:"database"`
	Creds      Credentials      `yaml:"-"`
}

// TradingConfig controls the main loop.
type TradingConfig struct {
	PaperTradingMode    bool            `yaml:"paper_trading_mode"`
	Granularity         string          `yaml:"granularity"`
	CandleHistory       int             `yaml:"candle_history"`
	LoopSleepSeconds    int             `yaml:"loop_sleep_seconds"`
	MaxProducts         int             `yaml:"max_products"`
	MinSignalConfidence float64         `yaml:"min_signal_confidence"`
	MinFillFraction     decimal.Decimal `yaml:"min_fill_fraction"`
	QuoteCurrency       string          `yaml:"quote_currency"`
	MaxPriceStalenessS  int             `yaml:"max_price_staleness_seconds"`
	FillTimeoutSeconds  int             `yaml:"fill_timeout_seconds"`
	OrderMaxAgeSeconds  int             `yaml:"order_max_age_seconds"`
}

// RiskConfig holds the portfolio guardrails.
type RiskConfig struct {
	RiskPerTrade      decimal.Decimal `yaml:"risk_per_trade"`
	MaxPositionSize   decimal.Decimal `yaml:"max_position_size"`
	MaxTotalExposure  decimal.Decimal `yaml:"max_total_exposure"`
	DefaultStopLoss   decimal.Decimal `yaml:"default_stop_loss"`
	DefaultTakeProfit decimal.Decimal `yaml:"default_take_profit"`
	MaxDrawdown       decimal.Decimal `yaml:"max_drawdown"`
	DrawdownRelease   decimal.Decimal `yaml:"drawdown_release"`
	MaxConcurrent     int             `yaml:"max_concurrent"`
	MaxSpreadPct      decimal.Decimal `yaml:"max_spread_pct"`
	MinBuyPressure    float64         `yaml:"min_buy_pressure"`
	MaxFeePct         decimal.Decimal `yaml:"max_fee_pct"`
	MaxSlippagePct    decimal.Decimal `yaml:"max_slippage_pct"`
	MinQuoteTrade     decimal.Decimal `yaml:"min_quote_trade"`
}

// ExitConfig tunes the signal-confirmed exit rules.
type ExitConfig struct {
	ProfitExitPct      decimal.Decimal `yaml:"profit_exit_pct"`
	LossExitPct        decimal.Decimal `yaml:"loss_exit_pct"`
	LossExitConfidence float64         `yaml:"loss_exit_confidence"`
}

// StrategiesConfig selects and tunes the evaluators.
type StrategiesConfig struct {
	Active  string `yaml:"active"`
	HybridK int    `yaml:"hybrid_k"`
}

// APIConfig controls the read-only ops endpoints.
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// DatabaseConfig locates the durable store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// Credentials are environment-only, never in the YAML document.
type Credentials struct {
	APIKey      string
	APISecret   string
	OpsTokenKey string // HMAC key for ops API bearer tokens
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Trading: TradingConfig{
			PaperTradingMode:    true,
			Granularity:         "FIFTEEN_MINUTE",
			CandleHistory:       200,
			LoopSleepSeconds:    60,
			MaxProducts:         20,
			MinSignalConfidence: 0.50,
			MinFillFraction:     decimal.NewFromInt(1),
			QuoteCurrency:       "USD",
			MaxPriceStalenessS:  30,
			FillTimeoutSeconds:  30,
			OrderMaxAgeSeconds:  300,
		},
		Risk: RiskConfig{
			RiskPerTrade:      decimal.RequireFromString("0.01"),
			MaxPositionSize:   decimal.RequireFromString("0.10"),
			MaxTotalExposure:  decimal.RequireFromString("0.50"),
			DefaultStopLoss:   decimal.RequireFromString("0.015"),
			DefaultTakeProfit: decimal.RequireFromString("0.03"),
			MaxDrawdown:       decimal.RequireFromString("0.15"),
			DrawdownRelease:   decimal.RequireFromString("0.95"),
			MaxConcurrent:     5,
			MaxSpreadPct:      decimal.RequireFromString("0.005"),
			MinBuyPressure:    0.45,
			MaxFeePct:         decimal.RequireFromString("0.01"),
			MaxSlippagePct:    decimal.RequireFromString("0.005"),
			MinQuoteTrade:     decimal.NewFromInt(10),
		},
		Exit: ExitConfig{
			ProfitExitPct:      decimal.RequireFromString("0.05"),
			LossExitPct:        decimal.RequireFromString("-0.02"),
			LossExitConfidence: 0.60,
		},
		Strategies: StrategiesConfig{
			Active:  "momentum",
			HybridK: 2,
		},
		API: APIConfig{
			Enabled: false,
			Addr:    ":8080",
		},
		Database: DatabaseConfig{
			Path: "./data/trader.db",
		},
	}
}

// Load reads the YAML document at path (optional) over the defaults, then
// pulls credentials from the environment (optionally via .env).
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg.Creds = Credentials{
		APIKey:      os.Getenv("EXCHANGE_API_KEY"),
		APISecret:   os.Getenv("EXCHANGE_API_SECRET"),
		OpsTokenKey: getEnv("OPS_TOKEN_KEY", "dev-secret"),
	}

	if dbPath := os.Getenv("DB_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if paper := os.Getenv("PAPER_TRADING"); paper != "" {
		cfg.Trading.PaperTradingMode = paper == "true"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects documents a running engine could not honor.
func (c *Config) Validate() error {
	if c.Trading.CandleHistory < 200 {
		return fmt.Errorf("trading.candle_history %d below strategy minimum 200", c.Trading.CandleHistory)
	}
	if c.Trading.MaxProducts <= 0 {
		return fmt.Errorf("trading.max_products must be positive")
	}
	if c.Risk.MaxConcurrent <= 0 {
		return fmt.Errorf("risk.max_concurrent must be positive")
	}
	if c.Trading.MinFillFraction.Sign() <= 0 || c.Trading.MinFillFraction.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("trading.min_fill_fraction must be in (0,1]")
	}
	if !c.Trading.PaperTradingMode && (c.Creds.APIKey == "" || c.Creds.APISecret == "") {
		return fmt.Errorf("live trading requires EXCHANGE_API_KEY and EXCHANGE_API_SECRET")
	}
	switch c.Strategies.Active {
	case "momentum", "mean_reversion", "breakout", "hybrid":
	default:
		return fmt.Errorf("unknown strategy %q", c.Strategies.Active)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
