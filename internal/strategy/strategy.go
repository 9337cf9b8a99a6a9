// Package strategy produces the trade signals the risk gate evaluates.
//
// Concrete strategies and the ML ensemble are pluggable: the engine runs
// every registered Strategy per cycle, fuses the resulting signals into a
// single candidate, and pairs it with the MLPredictor's output. Both
// interfaces are intentionally narrow so external signal sources (a
// separate ML service, a backtest replayer) drop in without engine changes.
package strategy

import (
	"context"

	"bitbank-bot/internal/market"
	"bitbank-bot/pkg/types"
)

// Strategy evaluates the current market and emits one signal per cycle.
type Strategy interface {
	Name() string
	Evaluate(ctx context.Context, windows market.Windows, ticker types.Ticker) (types.Signal, error)
}

// MLPredictor supplies the model-side opinion for the risk evaluator.
type MLPredictor interface {
	Predict(ctx context.Context, windows market.Windows, ticker types.Ticker) (types.MLPrediction, error)
}
