package strategy

import (
	"context"
	"log/slog"
	"math"

	"bitbank-bot/internal/market"
	"bitbank-bot/pkg/types"
)

// Momentum is a moving-average crossover strategy on the primary window.
//
// A fast SMA above the slow SMA votes buy, below votes sell; the vote's
// confidence grows with the gap measured in ATR units and saturates at
// maxConfidence. Proposed TP/SL bracket the last price at ATR multiples so
// downstream recalculation has a sane starting point.
type Momentum struct {
	fastPeriod    int
	slowPeriod    int
	atrTakeProfit float64 // TP distance in ATR units
	atrStopLoss   float64 // SL distance in ATR units
	maxConfidence float64
	logger        *slog.Logger
}

// NewMomentum creates the crossover strategy with its default tuning.
func NewMomentum(logger *slog.Logger) *Momentum {
	return &Momentum{
		fastPeriod:    8,
		slowPeriod:    24,
		atrTakeProfit: 2.0,
		atrStopLoss:   1.5,
		maxConfidence: 0.9,
		logger:        logger.With("component", "strategy", "strategy", "momentum"),
	}
}

func (m *Momentum) Name() string { return "momentum" }

// Evaluate emits one signal for the cycle. Hold when the window is too
// short or the ATR has not warmed up.
func (m *Momentum) Evaluate(_ context.Context, windows market.Windows, ticker types.Ticker) (types.Signal, error) {
	hold := types.Signal{Action: types.ActionHold, StrategyName: m.Name()}

	w, ok := windows.Primary()
	if !ok || w.Len() < m.slowPeriod {
		return hold, nil
	}
	atr, ok := w.LatestATR()
	if !ok {
		return hold, nil
	}

	fast := sma(w.Candles, m.fastPeriod)
	slow := sma(w.Candles, m.slowPeriod)
	gap := fast - slow

	price := ticker.Last
	if price <= 0 {
		price, _ = w.LatestClose()
	}
	if price <= 0 || gap == 0 {
		return hold, nil
	}

	confidence := math.Min(math.Abs(gap)/atr, 1.0) * m.maxConfidence
	sig := types.Signal{
		Confidence:   confidence,
		StrategyName: m.Name(),
	}
	if gap > 0 {
		sig.Action = types.ActionBuy
		sig.TakeProfit = price + m.atrTakeProfit*atr
		sig.StopLoss = price - m.atrStopLoss*atr
	} else {
		sig.Action = types.ActionSell
		sig.TakeProfit = price - m.atrTakeProfit*atr
		sig.StopLoss = price + m.atrStopLoss*atr
	}

	m.logger.Debug("momentum signal",
		"action", sig.Action,
		"confidence", sig.Confidence,
		"fast", fast,
		"slow", slow,
		"atr", atr,
	)
	return sig, nil
}

// sma averages the closes of the last n candles.
func sma(candles []types.Candle, n int) float64 {
	if n <= 0 || len(candles) < n {
		return 0
	}
	sum := 0.0
	for _, c := range candles[len(candles)-n:] {
		sum += c.Close
	}
	return sum / float64(n)
}

// EnsembleStub is the MLPredictor used when no external model is wired.
// It mirrors the fused strategy opinion at a discounted confidence so the
// risk gate still sees both inputs.
type EnsembleStub struct {
	fuser      *Fuser
	strategies []Strategy
	discount   float64
}

// NewEnsembleStub creates the stand-in predictor over the given strategies.
func NewEnsembleStub(fuser *Fuser, strategies []Strategy) *EnsembleStub {
	return &EnsembleStub{fuser: fuser, strategies: strategies, discount: 0.8}
}

// Predict fuses the strategies' signals and discounts the confidence.
func (e *EnsembleStub) Predict(ctx context.Context, windows market.Windows, ticker types.Ticker) (types.MLPrediction, error) {
	signals := make([]types.Signal, 0, len(e.strategies))
	for _, s := range e.strategies {
		sig, err := s.Evaluate(ctx, windows, ticker)
		if err != nil {
			continue
		}
		signals = append(signals, sig)
	}
	fused := e.fuser.Fuse(signals)
	return types.MLPrediction{
		Action:     fused.Action,
		Confidence: fused.Confidence * e.discount,
	}, nil
}
