// Package execution turns an approved evaluation into exchange orders and
// owns the position lifecycle around them: smart order-type selection, the
// atomic entry protocol with TP/SL attachment and rollback, coverage
// repair, position restoration and the trade counters.
package execution

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"bitbank-bot/internal/config"
	"bitbank-bot/internal/exchange"
	"bitbank-bot/pkg/types"
)

// Strategy labels attached to every execution plan for log analysis.
const (
	LabelDefaultMarket        = "default_market"
	LabelDefaultLimit         = "default_limit"
	LabelFallbackMarket       = "fallback_market"
	LabelWideSpreadMarket     = "wide_spread_market"
	LabelEmergencyMarket      = "emergency_market"
	LabelLowConfidenceMarket  = "low_confidence_market"
	LabelHighConfidenceLimit  = "high_confidence_limit"
	LabelMediumConfidence     = "medium_confidence_market"
	StrategyMakerRebate       = "maker_rebate"
	StrategyTaker             = "taker"
)

// passiveOffsetRatio nudges a plain limit order just past the touch when
// smart ordering is off.
const passiveOffsetRatio = 0.0005

// crossGuardRatio caps an improved limit price so it can never cross the
// book and execute as a taker.
const crossGuardRatio = 0.001

// ExecutionPlan is the decider's answer: how to submit the entry.
type ExecutionPlan struct {
	OrderType types.OrderType
	Price     float64 // 0 for market orders
	Label     string
	Strategy  string
}

// Decider picks market vs limit per opportunity.
type Decider struct {
	cfg         config.OrderExecutionConfig
	defaultType types.OrderType
	pair        string
	api         exchange.API
	logger      *slog.Logger
}

// NewDecider creates the order strategy decider.
func NewDecider(cfg config.OrderExecutionConfig, defaultType types.OrderType, pair string, api exchange.API, logger *slog.Logger) *Decider {
	return &Decider{
		cfg:         cfg,
		defaultType: defaultType,
		pair:        pair,
		api:         api,
		logger:      logger.With("component", "order_decider"),
	}
}

// GetOptimalExecutionConfig returns the execution plan for an evaluation.
// Every failure degrades to a market order; entry must never be blocked by
// a book fetch.
func (d *Decider) GetOptimalExecutionConfig(ctx context.Context, eval *types.TradeEvaluation) ExecutionPlan {
	if !d.cfg.SmartOrderEnabled {
		return d.staticPlan(ctx, eval)
	}
	return d.smartPlan(ctx, eval)
}

func (d *Decider) staticPlan(ctx context.Context, eval *types.TradeEvaluation) ExecutionPlan {
	if d.defaultType != types.OrderTypeLimit {
		return ExecutionPlan{OrderType: types.OrderTypeMarket, Label: LabelDefaultMarket, Strategy: StrategyTaker}
	}

	bid, ask, err := d.bestQuote(ctx)
	if err != nil {
		d.logger.Warn("book fetch failed, falling back to market", "error", err)
		return ExecutionPlan{OrderType: types.OrderTypeMarket, Label: LabelFallbackMarket, Strategy: StrategyTaker}
	}

	price := ask * (1 + passiveOffsetRatio)
	if eval.Side == types.ActionSell {
		price = bid * (1 - passiveOffsetRatio)
	}
	return ExecutionPlan{
		OrderType: types.OrderTypeLimit,
		Price:     quantizePrice(price),
		Label:     LabelDefaultLimit,
		Strategy:  StrategyTaker,
	}
}

func (d *Decider) smartPlan(ctx context.Context, eval *types.TradeEvaluation) ExecutionPlan {
	bid, ask, err := d.bestQuote(ctx)
	if err != nil {
		d.logger.Warn("book fetch failed, falling back to market", "error", err)
		return ExecutionPlan{OrderType: types.OrderTypeMarket, Label: LabelFallbackMarket, Strategy: StrategyTaker}
	}

	mid := (bid + ask) / 2
	spread := (ask - bid) / mid

	switch {
	case spread > d.cfg.MaxSpreadRatioForLimit:
		d.logger.Warn("spread too wide for limit entry", "spread", spread)
		return ExecutionPlan{OrderType: types.OrderTypeMarket, Label: LabelWideSpreadMarket, Strategy: StrategyTaker}

	case eval.EmergencyExit:
		return ExecutionPlan{OrderType: types.OrderTypeMarket, Label: LabelEmergencyMarket, Strategy: StrategyTaker}

	case eval.ConfidenceLevel < d.cfg.LowConfidenceThreshold:
		return ExecutionPlan{OrderType: types.OrderTypeMarket, Label: LabelLowConfidenceMarket, Strategy: StrategyTaker}

	case eval.ConfidenceLevel >= d.cfg.HighConfidenceThreshold:
		price := d.improvedLimitPrice(eval.Side, bid, ask)
		return ExecutionPlan{
			OrderType: types.OrderTypeLimit,
			Price:     price,
			Label:     LabelHighConfidenceLimit,
			Strategy:  StrategyMakerRebate,
		}

	default:
		return ExecutionPlan{OrderType: types.OrderTypeMarket, Label: LabelMediumConfidence, Strategy: StrategyTaker}
	}
}

// improvedLimitPrice bids through the touch by the improvement ratio but
// never far enough to cross the spread.
func (d *Decider) improvedLimitPrice(side types.Action, bid, ask float64) float64 {
	if side == types.ActionSell {
		improved := ask * (1 - d.cfg.PriceImprovementRatio)
		floor := bid * (1 + crossGuardRatio)
		if improved < floor {
			improved = floor
		}
		return quantizePrice(improved)
	}

	improved := bid * (1 + d.cfg.PriceImprovementRatio)
	cap := ask * (1 - crossGuardRatio)
	if improved > cap {
		improved = cap
	}
	return quantizePrice(improved)
}

func (d *Decider) bestQuote(ctx context.Context) (bid, ask float64, err error) {
	depth, err := d.api.FetchDepth(ctx, d.pair)
	if err != nil {
		return 0, 0, err
	}
	bestBid, okBid := depth.BestBid()
	bestAsk, okAsk := depth.BestAsk()
	if !okBid || !okAsk {
		return 0, 0, exchange.ErrEmptyBook
	}
	return bestBid.Price, bestAsk.Price, nil
}

// quantizePrice rounds to whole JPY, the btc_jpy tick size. Decimal math
// avoids float drift flipping the last yen.
func quantizePrice(p float64) float64 {
	out, _ := decimal.NewFromFloat(p).Round(0).Float64()
	return out
}

// quantizeAmount truncates to Bitbank's 4-decimal amount precision.
// Truncation, not rounding: an exit must never exceed the position.
func quantizeAmount(a float64) float64 {
	out, _ := decimal.NewFromFloat(a).RoundDown(4).Float64()
	return out
}
