// Package config defines all configuration for the trading bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via BITBANK_* environment variables.
//
// Every component receives the single immutable Config (or one of its
// sub-structs) at construction time; nothing reads configuration at runtime.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"bitbank-bot/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Mode      types.TradeMode       `mapstructure:"mode"` // backtest | paper | live
	API       APIConfig             `mapstructure:"api"`
	Trading   TradingConfig         `mapstructure:"trading"`
	Risk      RiskConfig            `mapstructure:"risk"`
	Position  PositionConfig        `mapstructure:"position_management"`
	Execution OrderExecutionConfig  `mapstructure:"order_execution"`
	TPSL      TPSLConfig            `mapstructure:"tp_sl"`
	Anomaly   AnomalyConfig         `mapstructure:"anomaly"`
	Market    MarketConfig          `mapstructure:"market"`
	Store     StoreConfig           `mapstructure:"store"`
	Logging   LoggingConfig         `mapstructure:"logging"`
	Dashboard DashboardConfig       `mapstructure:"dashboard"`
	Realtime  RealtimeConfig        `mapstructure:"realtime"`
}

// APIConfig holds Bitbank endpoints and credentials. Credentials are only
// required in live mode; paper mode uses public endpoints.
type APIConfig struct {
	PublicBaseURL  string `mapstructure:"public_base_url"`
	PrivateBaseURL string `mapstructure:"private_base_url"`
	Key            string `mapstructure:"key"`
	Secret         string `mapstructure:"secret"`
}

// TradingConfig holds the pair and cycle-level knobs.
type TradingConfig struct {
	CurrencyPair     string        `mapstructure:"currency_pair"`     // e.g. "btc_jpy"
	DefaultOrderType types.OrderType `mapstructure:"default_order_type"` // market | limit
	CycleInterval    time.Duration `mapstructure:"cycle_interval"`
	// ReferencePrice is the paper-mode fallback when the public ticker is
	// unreachable.
	ReferencePrice float64 `mapstructure:"reference_price"`
	// InitialBalance seeds paper-mode virtual balance and the drawdown
	// manager before the first real balance fetch.
	InitialBalance float64 `mapstructure:"initial_balance"`
}

// RiskConfig sets the gates the evaluator consults every cycle.
type RiskConfig struct {
	MaxDrawdownRatio         float64       `mapstructure:"max_drawdown_ratio"`     // e.g. 0.20
	ConsecutiveLossLimit     int           `mapstructure:"consecutive_loss_limit"` // e.g. 5
	CooldownHours            float64       `mapstructure:"cooldown_hours"`
	MinMLConfidence          float64       `mapstructure:"min_ml_confidence"`
	RiskThresholdDeny        float64       `mapstructure:"risk_threshold_deny"`
	RiskThresholdConditional float64       `mapstructure:"risk_threshold_conditional"`
	// Kelly sizing.
	MinTradesForKelly int     `mapstructure:"min_trades_for_kelly"`
	SafetyFactor      float64 `mapstructure:"safety_factor"`
	MaxPositionRatio  float64 `mapstructure:"max_position_ratio"`
	DefaultFraction   float64 `mapstructure:"default_fraction"` // used below MinTradesForKelly
	// HistoryLimit bounds the trade-result list the sizer keeps.
	HistoryLimit int `mapstructure:"history_limit"`
}

// TakeProfitConfig controls individual TP placement.
type TakeProfitConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	DefaultRatio   float64       `mapstructure:"default_ratio"`
	MinProfitRatio float64       `mapstructure:"min_profit_ratio"`
	Maker          MakerStrategy `mapstructure:"maker_strategy"`
}

// MakerStrategy tunes post-only TP placement.
type MakerStrategy struct {
	Enabled          bool          `mapstructure:"enabled"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryInterval    time.Duration `mapstructure:"retry_interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FallbackToNative bool          `mapstructure:"fallback_to_native"`
}

// StopLossConfig controls individual SL placement.
type StopLossConfig struct {
	Enabled              bool            `mapstructure:"enabled"`
	OrderType            types.OrderType `mapstructure:"order_type"` // stop | stop_limit
	SlippageBuffer       float64         `mapstructure:"slippage_buffer"`
	MaxLossRatio         float64         `mapstructure:"max_loss_ratio"`
	MinDistanceRatio     float64         `mapstructure:"min_distance_ratio"`
	DefaultATRMultiplier float64         `mapstructure:"default_atr_multiplier"`
}

// PositionConfig groups position-management thresholds.
type PositionConfig struct {
	TakeProfit    TakeProfitConfig `mapstructure:"take_profit"`
	StopLoss      StopLossConfig   `mapstructure:"stop_loss"`
	MinTradeSize  float64          `mapstructure:"min_trade_size"` // BTC, e.g. 0.0001
	DynamicSizing bool             `mapstructure:"dynamic_sizing"`
	// RegimeRatios maps a regime tag to its (TP, SL) ratios. Missing
	// regimes fall back to "normal_range".
	RegimeRatios map[string]RegimeRatio `mapstructure:"regime_ratios"`
}

// RegimeRatio is the per-regime TP/SL ratio pair.
type RegimeRatio struct {
	MinProfitRatio float64 `mapstructure:"min_profit_ratio"`
	MaxLossRatio   float64 `mapstructure:"max_loss_ratio"`
}

// Ratios returns the ratio pair for a regime, defaulting to normal_range
// and finally to (0.009, 0.007) if the table is incomplete.
func (p PositionConfig) Ratios(regime string) RegimeRatio {
	if r, ok := p.RegimeRatios[regime]; ok {
		return r
	}
	if r, ok := p.RegimeRatios["normal_range"]; ok {
		return r
	}
	return RegimeRatio{MinProfitRatio: 0.009, MaxLossRatio: 0.007}
}

// OrderExecutionConfig controls market-vs-limit selection.
type OrderExecutionConfig struct {
	SmartOrderEnabled       bool    `mapstructure:"smart_order_enabled"`
	HighConfidenceThreshold float64 `mapstructure:"high_confidence_threshold"`
	LowConfidenceThreshold  float64 `mapstructure:"low_confidence_threshold"`
	MaxSpreadRatioForLimit  float64 `mapstructure:"max_spread_ratio_for_limit"`
	PriceImprovementRatio   float64 `mapstructure:"price_improvement_ratio"`
}

// TPSLConfig holds the lifecycle-manager intervals and budgets.
type TPSLConfig struct {
	VerificationDelay        time.Duration `mapstructure:"verification_delay"`
	CheckInterval            time.Duration `mapstructure:"check_interval"`
	OrphanScanInterval       time.Duration `mapstructure:"orphan_scan_interval"`
	APIOrderLimit            int           `mapstructure:"api_order_limit"`
	FallbackATR              float64       `mapstructure:"fallback_atr"`
	RequireRecalculation     bool          `mapstructure:"require_tpsl_recalculation"`
	CleanupThresholdCount    int           `mapstructure:"cleanup_threshold_count"`
	CleanupMaxAge            time.Duration `mapstructure:"cleanup_max_age"`
	CoverageThreshold        float64       `mapstructure:"coverage_threshold"`
	RestoreTriggerPriceBand  float64       `mapstructure:"restore_trigger_price_band"`
}

// AnomalyConfig holds market-sanity thresholds.
type AnomalyConfig struct {
	SpreadWarning   float64       `mapstructure:"spread_warning"`    // e.g. 0.003
	SpreadCritical  float64       `mapstructure:"spread_critical"`   // e.g. 0.005
	LatencyWarning  time.Duration `mapstructure:"latency_warning"`   // e.g. 1s
	LatencyCritical time.Duration `mapstructure:"latency_critical"`  // e.g. 3s
	SpikeZScore     float64       `mapstructure:"spike_zscore"`      // e.g. 3.0
	PauseWindow     time.Duration `mapstructure:"pause_window"`      // e.g. 5m
	HistoryLimit    int           `mapstructure:"history_limit"`
}

// MarketConfig controls the candle poller.
type MarketConfig struct {
	Timeframes  []string `mapstructure:"timeframes"`   // Bitbank candle types, e.g. 15min, 4hour
	HistoryDays int      `mapstructure:"history_days"` // day buckets fetched per timeframe
	MaxCandles  int      `mapstructure:"max_candles"`  // tail kept per window
	ATRPeriod   int      `mapstructure:"atr_period"`
}

// StoreConfig sets where durable state lives (JSON files).
type StoreConfig struct {
	StateDir string `mapstructure:"state_dir"`
	LogDir   string `mapstructure:"log_dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the read-only status HTTP server.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// RealtimeConfig controls the public websocket ticker feed.
type RealtimeConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// Load reads config from a YAML file with env var overrides.
// Credentials use env vars: BITBANK_API_KEY, BITBANK_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BITBANK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("BITBANK_API_KEY"); key != "" {
		cfg.API.Key = key
	}
	if secret := os.Getenv("BITBANK_API_SECRET"); secret != "" {
		cfg.API.Secret = secret
	}
	if mode := os.Getenv("BITBANK_MODE"); mode != "" {
		cfg.Mode = types.TradeMode(mode)
	}

	return &cfg, nil
}

// setDefaults pins the documented defaults so a sparse YAML file still
// yields a runnable configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "paper")
	v.SetDefault("api.public_base_url", "https://public.bitbank.cc")
	v.SetDefault("api.private_base_url", "https://api.bitbank.cc")

	v.SetDefault("trading.currency_pair", "btc_jpy")
	v.SetDefault("trading.default_order_type", "market")
	v.SetDefault("trading.cycle_interval", "60s")
	v.SetDefault("trading.reference_price", 14000000.0)
	v.SetDefault("trading.initial_balance", 100000.0)

	v.SetDefault("risk.max_drawdown_ratio", 0.20)
	v.SetDefault("risk.consecutive_loss_limit", 5)
	v.SetDefault("risk.cooldown_hours", 6.0)
	v.SetDefault("risk.min_ml_confidence", 0.30)
	v.SetDefault("risk.risk_threshold_deny", 0.8)
	v.SetDefault("risk.risk_threshold_conditional", 0.6)
	v.SetDefault("risk.min_trades_for_kelly", 20)
	v.SetDefault("risk.safety_factor", 0.7)
	v.SetDefault("risk.max_position_ratio", 0.05)
	v.SetDefault("risk.default_fraction", 0.01)
	v.SetDefault("risk.history_limit", 500)

	v.SetDefault("position_management.take_profit.enabled", true)
	v.SetDefault("position_management.take_profit.default_ratio", 0.009)
	v.SetDefault("position_management.take_profit.min_profit_ratio", 0.009)
	v.SetDefault("position_management.take_profit.maker_strategy.enabled", true)
	v.SetDefault("position_management.take_profit.maker_strategy.max_retries", 2)
	v.SetDefault("position_management.take_profit.maker_strategy.retry_interval", "2s")
	v.SetDefault("position_management.take_profit.maker_strategy.timeout", "10s")
	v.SetDefault("position_management.take_profit.maker_strategy.fallback_to_native", true)
	v.SetDefault("position_management.stop_loss.enabled", true)
	v.SetDefault("position_management.stop_loss.order_type", "stop")
	v.SetDefault("position_management.stop_loss.slippage_buffer", 0.002)
	v.SetDefault("position_management.stop_loss.max_loss_ratio", 0.007)
	v.SetDefault("position_management.stop_loss.min_distance_ratio", 0.001)
	v.SetDefault("position_management.stop_loss.default_atr_multiplier", 1.5)
	v.SetDefault("position_management.min_trade_size", 0.0001)
	v.SetDefault("position_management.dynamic_sizing", true)
	v.SetDefault("position_management.regime_ratios.normal_range.min_profit_ratio", 0.009)
	v.SetDefault("position_management.regime_ratios.normal_range.max_loss_ratio", 0.007)

	v.SetDefault("order_execution.smart_order_enabled", true)
	v.SetDefault("order_execution.high_confidence_threshold", 0.75)
	v.SetDefault("order_execution.low_confidence_threshold", 0.4)
	v.SetDefault("order_execution.max_spread_ratio_for_limit", 0.002)
	v.SetDefault("order_execution.price_improvement_ratio", 0.001)

	v.SetDefault("tp_sl.verification_delay", "600s")
	v.SetDefault("tp_sl.check_interval", "600s")
	v.SetDefault("tp_sl.orphan_scan_interval", "1800s")
	v.SetDefault("tp_sl.api_order_limit", 100)
	v.SetDefault("tp_sl.fallback_atr", 70000.0)
	v.SetDefault("tp_sl.require_tpsl_recalculation", false)
	v.SetDefault("tp_sl.cleanup_threshold_count", 25)
	v.SetDefault("tp_sl.cleanup_max_age", "24h")
	v.SetDefault("tp_sl.coverage_threshold", 0.95)
	v.SetDefault("tp_sl.restore_trigger_price_band", 0.03)

	v.SetDefault("anomaly.spread_warning", 0.003)
	v.SetDefault("anomaly.spread_critical", 0.005)
	v.SetDefault("anomaly.latency_warning", "1s")
	v.SetDefault("anomaly.latency_critical", "3s")
	v.SetDefault("anomaly.spike_zscore", 3.0)
	v.SetDefault("anomaly.pause_window", "5m")
	v.SetDefault("anomaly.history_limit", 1000)

	v.SetDefault("market.timeframes", []string{"15min", "4hour"})
	v.SetDefault("market.history_days", 3)
	v.SetDefault("market.max_candles", 200)
	v.SetDefault("market.atr_period", 14)

	v.SetDefault("store.state_dir", "data")
	v.SetDefault("store.log_dir", "logs")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("dashboard.enabled", false)
	v.SetDefault("dashboard.port", 8080)

	v.SetDefault("realtime.enabled", false)
	v.SetDefault("realtime.url", "wss://stream.bitbank.cc/socket.io/?EIO=4&transport=websocket")
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Mode {
	case types.ModeBacktest, types.ModePaper, types.ModeLive:
	default:
		return fmt.Errorf("mode must be one of: backtest, paper, live (got %q)", c.Mode)
	}
	if c.Mode == types.ModeLive {
		if c.API.Key == "" || c.API.Secret == "" {
			return fmt.Errorf("api.key and api.secret are required in live mode (set BITBANK_API_KEY / BITBANK_API_SECRET)")
		}
	}
	if c.Trading.CurrencyPair == "" {
		return fmt.Errorf("trading.currency_pair is required")
	}
	switch c.Trading.DefaultOrderType {
	case types.OrderTypeMarket, types.OrderTypeLimit:
	default:
		return fmt.Errorf("trading.default_order_type must be market or limit")
	}
	if c.Trading.CycleInterval <= 0 {
		return fmt.Errorf("trading.cycle_interval must be > 0")
	}
	if c.Risk.MaxDrawdownRatio <= 0 || c.Risk.MaxDrawdownRatio >= 1 {
		return fmt.Errorf("risk.max_drawdown_ratio must be in (0, 1)")
	}
	if c.Risk.ConsecutiveLossLimit <= 0 {
		return fmt.Errorf("risk.consecutive_loss_limit must be > 0")
	}
	if c.Position.MinTradeSize <= 0 {
		return fmt.Errorf("position_management.min_trade_size must be > 0")
	}
	switch c.Position.StopLoss.OrderType {
	case types.OrderTypeStop, types.OrderTypeStopLimit:
	default:
		return fmt.Errorf("position_management.stop_loss.order_type must be stop or stop_limit")
	}
	if c.TPSL.CoverageThreshold <= 0 || c.TPSL.CoverageThreshold > 1 {
		return fmt.Errorf("tp_sl.coverage_threshold must be in (0, 1]")
	}
	if c.TPSL.CleanupThresholdCount <= 0 {
		return fmt.Errorf("tp_sl.cleanup_threshold_count must be > 0")
	}
	return nil
}

// Cooldown converts the configured cooldown hours into a duration.
func (c RiskConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownHours * float64(time.Hour))
}
