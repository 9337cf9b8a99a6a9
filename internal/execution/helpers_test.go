package execution

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"bitbank-bot/internal/config"
	"bitbank-bot/internal/exchange"
	"bitbank-bot/internal/store"
	"bitbank-bot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(config.StoreConfig{
		StateDir: filepath.Join(dir, "data"),
		LogDir:   filepath.Join(dir, "logs"),
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func posConfig() config.PositionConfig {
	return config.PositionConfig{
		TakeProfit: config.TakeProfitConfig{
			Enabled:        true,
			DefaultRatio:   0.009,
			MinProfitRatio: 0.009,
			Maker: config.MakerStrategy{
				Enabled:          false,
				MaxRetries:       2,
				RetryInterval:    time.Millisecond,
				Timeout:          time.Second,
				FallbackToNative: true,
			},
		},
		StopLoss: config.StopLossConfig{
			Enabled:              true,
			OrderType:            types.OrderTypeStop,
			SlippageBuffer:       0.002,
			MaxLossRatio:         0.007,
			MinDistanceRatio:     0.001,
			DefaultATRMultiplier: 1.5,
		},
		MinTradeSize:  0.0001,
		DynamicSizing: true,
		RegimeRatios: map[string]config.RegimeRatio{
			"normal_range": {MinProfitRatio: 0.009, MaxLossRatio: 0.007},
		},
	}
}

func tpslConfig() config.TPSLConfig {
	return config.TPSLConfig{
		VerificationDelay:       0,
		CheckInterval:           time.Hour,
		OrphanScanInterval:      0,
		APIOrderLimit:           100,
		FallbackATR:             70000,
		RequireRecalculation:    false,
		CleanupThresholdCount:   25,
		CleanupMaxAge:           24 * time.Hour,
		CoverageThreshold:       0.95,
		RestoreTriggerPriceBand: 0.03,
	}
}

func execConfig() config.OrderExecutionConfig {
	return config.OrderExecutionConfig{
		SmartOrderEnabled:       true,
		HighConfidenceThreshold: 0.75,
		LowConfidenceThreshold:  0.4,
		MaxSpreadRatioForLimit:  0.002,
		PriceImprovementRatio:   0.001,
	}
}

// newManager builds a TPSLManager around a fresh tracker and store.
func newManager(t *testing.T, mock *exchange.Mock) (*TPSLManager, *Tracker) {
	t.Helper()
	tracker := NewTracker(testLogger())
	m := NewTPSLManager(mock, posConfig(), tpslConfig(), "btc_jpy", tracker, testStore(t), testLogger())
	return m, tracker
}

// buyEval is an approved long evaluation around 14M JPY.
func buyEval() *types.TradeEvaluation {
	return &types.TradeEvaluation{
		Decision:        types.Approved,
		Side:            types.ActionBuy,
		PositionSize:    0.01,
		TakeProfit:      14126000,
		StopLoss:        13902000,
		ConfidenceLevel: 0.65,
		MarketConditions: types.MarketConditions{
			ATRCurrent: 70000,
			Regime:     "normal_range",
			Bid:        13999500,
			Ask:        14000500,
		},
	}
}
