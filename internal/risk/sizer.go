package risk

import (
	"log/slog"
	"math"

	"bitbank-bot/internal/config"
	"bitbank-bot/pkg/types"
)

// PositionSizer converts the trade history into a Kelly-bounded position
// size. Until min_trades_for_kelly results exist, a conservative default
// fraction is used instead of the formula.
type PositionSizer struct {
	cfg          config.RiskConfig
	minTradeSize float64
	logger       *slog.Logger
	history      []types.TradeResult
}

// NewPositionSizer creates a sizer.
func NewPositionSizer(cfg config.RiskConfig, minTradeSize float64, logger *slog.Logger) *PositionSizer {
	return &PositionSizer{
		cfg:          cfg,
		minTradeSize: minTradeSize,
		logger:       logger.With("component", "sizer"),
	}
}

// AddResult records a closed trade, keeping the history bounded.
func (s *PositionSizer) AddResult(r types.TradeResult) {
	s.history = append(s.history, r)
	if limit := s.cfg.HistoryLimit; limit > 0 && len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
}

// TradeCount returns the number of recorded results.
func (s *PositionSizer) TradeCount() int { return len(s.history) }

// CalculateSize returns the position size in base currency and the raw
// Kelly fraction it was derived from.
//
//	f = W − (1−W)/R,  W = win rate,  R = avg win / avg loss
//
// f is clamped to [0, max_position_ratio], damped by the safety factor
// and a confidence modifier in [0.5, 1.0], then converted to size at the
// given price and floored at the exchange minimum lot.
func (s *PositionSizer) CalculateSize(balance, price, mlConfidence, signalConfidence float64) (size, kelly float64) {
	if price <= 0 || balance <= 0 {
		return s.minTradeSize, 0
	}

	fraction := s.cfg.DefaultFraction
	if len(s.history) >= s.cfg.MinTradesForKelly {
		kelly = s.kellyFraction()
		fraction = kelly
	}

	if fraction < 0 {
		fraction = 0
	}
	if fraction > s.cfg.MaxPositionRatio {
		fraction = s.cfg.MaxPositionRatio
	}

	modifier := 0.5 + 0.5*(mlConfidence+signalConfidence)/2
	fraction *= s.cfg.SafetyFactor * modifier

	size = balance * fraction / price
	if size < s.minTradeSize {
		size = s.minTradeSize
	}

	s.logger.Debug("position sized",
		"kelly", kelly,
		"fraction", fraction,
		"size", size,
		"trades", len(s.history),
	)
	return size, kelly
}

// kellyFraction computes the raw Kelly criterion over the history.
// Degenerate histories (no wins, no losses) return the boundary values.
func (s *PositionSizer) kellyFraction() float64 {
	var wins, losses int
	var winSum, lossSum float64
	for _, r := range s.history {
		if r.PnL > 0 {
			wins++
			winSum += r.PnL
		} else if r.PnL < 0 {
			losses++
			lossSum += math.Abs(r.PnL)
		}
	}

	n := wins + losses
	if n == 0 {
		return 0
	}
	w := float64(wins) / float64(n)
	if losses == 0 {
		// Undefeated history: cap instead of dividing by zero.
		return s.cfg.MaxPositionRatio
	}
	if wins == 0 {
		return 0
	}

	r := (winSum / float64(wins)) / (lossSum / float64(losses))
	return w - (1-w)/r
}
