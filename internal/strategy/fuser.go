package strategy

import (
	"log/slog"

	"bitbank-bot/pkg/types"
)

// Fuser aggregates per-strategy signals into the single evaluation input.
//
// Each side's weight is the sum of the confidences voting for it. The
// heavier side wins; an exact tie (including the empty input) resolves to
// hold, since acting on a split book of opinions is worse than skipping
// the cycle. The fused confidence is the winning weight normalized by the
// total weight, so a unanimous slate keeps its confidence and a contested
// one is discounted.
type Fuser struct {
	logger *slog.Logger
}

// NewFuser creates a signal fuser.
func NewFuser(logger *slog.Logger) *Fuser {
	return &Fuser{logger: logger.With("component", "signal_fuser")}
}

// Fuse combines the cycle's signals into one.
func (f *Fuser) Fuse(signals []types.Signal) types.Signal {
	var buyWeight, sellWeight float64
	for _, s := range signals {
		switch s.Action {
		case types.ActionBuy:
			buyWeight += s.Confidence
		case types.ActionSell:
			sellWeight += s.Confidence
		}
	}

	total := buyWeight + sellWeight
	if total == 0 || buyWeight == sellWeight {
		return types.Signal{Action: types.ActionHold, StrategyName: "fused"}
	}

	side := types.ActionBuy
	weight := buyWeight
	if sellWeight > buyWeight {
		side = types.ActionSell
		weight = sellWeight
	}

	fused := types.Signal{
		Action:       side,
		Confidence:   weight / total,
		StrategyName: "fused",
	}
	fused.TakeProfit, fused.StopLoss = f.fuseLevels(signals, side)

	f.logger.Debug("signals fused",
		"inputs", len(signals),
		"side", side,
		"confidence", fused.Confidence,
	)
	return fused
}

// fuseLevels confidence-weights the TP/SL levels proposed by the winning
// side. Signals without levels abstain.
func (f *Fuser) fuseLevels(signals []types.Signal, side types.Action) (tp, sl float64) {
	var tpSum, tpWeight, slSum, slWeight float64
	for _, s := range signals {
		if s.Action != side {
			continue
		}
		if s.TakeProfit > 0 {
			tpSum += s.TakeProfit * s.Confidence
			tpWeight += s.Confidence
		}
		if s.StopLoss > 0 {
			slSum += s.StopLoss * s.Confidence
			slWeight += s.Confidence
		}
	}
	if tpWeight > 0 {
		tp = tpSum / tpWeight
	}
	if slWeight > 0 {
		sl = slSum / slWeight
	}
	return tp, sl
}
