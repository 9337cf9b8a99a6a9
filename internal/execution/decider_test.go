package execution

import (
	"context"
	"errors"
	"testing"

	"bitbank-bot/internal/config"
	"bitbank-bot/internal/exchange"
	"bitbank-bot/pkg/types"
)

func newDecider(mock *exchange.Mock, cfg config.OrderExecutionConfig, defaultType types.OrderType) *Decider {
	return NewDecider(cfg, defaultType, "btc_jpy", mock, testLogger())
}

func bookMock(bid, ask float64) *exchange.Mock {
	m := exchange.NewMock((bid + ask) / 2)
	m.Depth = types.Depth{
		Bids: []types.DepthLevel{{Price: bid, Amount: 0.5}},
		Asks: []types.DepthLevel{{Price: ask, Amount: 0.5}},
	}
	return m
}

func TestHighConfidenceGetsImprovedLimit(t *testing.T) {
	t.Parallel()
	mock := bookMock(14000000, 14001000)
	d := newDecider(mock, execConfig(), types.OrderTypeMarket)

	eval := buyEval()
	eval.ConfidenceLevel = 0.85
	plan := d.GetOptimalExecutionConfig(context.Background(), eval)
	if plan.OrderType != types.OrderTypeLimit {
		t.Fatalf("order type = %v, want limit", plan.OrderType)
	}
	if plan.Label != LabelHighConfidenceLimit || plan.Strategy != StrategyMakerRebate {
		t.Errorf("label/strategy = %v/%v", plan.Label, plan.Strategy)
	}
	// bid×1.001 exceeds the cross guard, so the price pins to ask×0.999.
	if plan.Price != 13986999 {
		t.Errorf("price = %v, want 13986999", plan.Price)
	}
	if plan.Price >= 14001000 {
		t.Error("an improved limit must never cross the ask")
	}
}

func TestWideSpreadForcesMarket(t *testing.T) {
	t.Parallel()
	mock := bookMock(14000000, 14050000) // ~0.36% spread
	d := newDecider(mock, execConfig(), types.OrderTypeMarket)

	eval := buyEval()
	eval.ConfidenceLevel = 0.9
	plan := d.GetOptimalExecutionConfig(context.Background(), eval)
	if plan.OrderType != types.OrderTypeMarket || plan.Label != LabelWideSpreadMarket {
		t.Errorf("plan = %+v, want wide_spread_market", plan)
	}
}

func TestLowConfidenceForcesMarket(t *testing.T) {
	t.Parallel()
	mock := bookMock(14000000, 14001000)
	d := newDecider(mock, execConfig(), types.OrderTypeMarket)

	eval := buyEval()
	eval.ConfidenceLevel = 0.3
	plan := d.GetOptimalExecutionConfig(context.Background(), eval)
	if plan.OrderType != types.OrderTypeMarket || plan.Label != LabelLowConfidenceMarket {
		t.Errorf("plan = %+v, want low_confidence_market", plan)
	}
}

func TestEmergencyExitForcesMarket(t *testing.T) {
	t.Parallel()
	mock := bookMock(14000000, 14001000)
	d := newDecider(mock, execConfig(), types.OrderTypeMarket)

	eval := buyEval()
	eval.ConfidenceLevel = 0.9
	eval.EmergencyExit = true
	plan := d.GetOptimalExecutionConfig(context.Background(), eval)
	if plan.OrderType != types.OrderTypeMarket || plan.Label != LabelEmergencyMarket {
		t.Errorf("plan = %+v, want emergency_market", plan)
	}
}

func TestMediumConfidenceDefaultsToMarket(t *testing.T) {
	t.Parallel()
	mock := bookMock(14000000, 14001000)
	d := newDecider(mock, execConfig(), types.OrderTypeMarket)

	plan := d.GetOptimalExecutionConfig(context.Background(), buyEval()) // 0.65
	if plan.OrderType != types.OrderTypeMarket || plan.Label != LabelMediumConfidence {
		t.Errorf("plan = %+v, want medium_confidence_market", plan)
	}
}

func TestBookFailureFallsBackToMarket(t *testing.T) {
	t.Parallel()
	mock := exchange.NewMock(14000000)
	mock.DepthErr = errors.New("depth unavailable")
	d := newDecider(mock, execConfig(), types.OrderTypeMarket)

	eval := buyEval()
	eval.ConfidenceLevel = 0.9
	plan := d.GetOptimalExecutionConfig(context.Background(), eval)
	if plan.OrderType != types.OrderTypeMarket || plan.Label != LabelFallbackMarket {
		t.Errorf("plan = %+v, want fallback_market", plan)
	}
}

func TestStaticModeRespectsDefaultType(t *testing.T) {
	t.Parallel()
	mock := bookMock(14000000, 14001000)
	cfg := execConfig()
	cfg.SmartOrderEnabled = false

	d := newDecider(mock, cfg, types.OrderTypeMarket)
	plan := d.GetOptimalExecutionConfig(context.Background(), buyEval())
	if plan.OrderType != types.OrderTypeMarket || plan.Label != LabelDefaultMarket {
		t.Errorf("plan = %+v, want default_market", plan)
	}

	d = newDecider(mock, cfg, types.OrderTypeLimit)
	plan = d.GetOptimalExecutionConfig(context.Background(), buyEval())
	if plan.OrderType != types.OrderTypeLimit || plan.Label != LabelDefaultLimit {
		t.Errorf("plan = %+v, want default_limit", plan)
	}
	// Buy rests just past the ask: 14001000 × 1.0005 = 14008000.5 → 14008001 after rounding.
	if plan.Price != 14008001 {
		t.Errorf("price = %v, want 14008001", plan.Price)
	}
}

func TestQuantizeAmountTruncates(t *testing.T) {
	t.Parallel()
	if got := quantizeAmount(0.00019999); got != 0.0001 {
		t.Errorf("quantizeAmount = %v, want 0.0001 (truncated, never rounded up)", got)
	}
	if got := quantizePrice(13986999.4); got != 13986999 {
		t.Errorf("quantizePrice = %v, want 13986999", got)
	}
}
