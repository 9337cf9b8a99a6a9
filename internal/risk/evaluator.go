package risk

import (
	"fmt"
	"log/slog"
	"time"

	"bitbank-bot/internal/config"
	"bitbank-bot/internal/market"
	"bitbank-bot/pkg/types"
)

// Risk-score weights. The five terms measure model doubt, market health,
// equity damage, streak damage and raw volatility.
const (
	weightMLDoubt    = 0.30
	weightAnomaly    = 0.25
	weightDrawdown   = 0.25
	weightLossStreak = 0.10
	weightVolatility = 0.10

	volatilityCeiling = 0.05 // vol at which the volatility term saturates
)

// denialDrawdown appears verbatim in operator-facing output; kept in
// Japanese to match the alerting runbooks.
const denialDrawdown = "ドローダウン制限により取引停止中"

// Evaluator is the single risk gate. Every opportunity passes through
// EvaluateTradeOpportunity exactly once per cycle.
type Evaluator struct {
	cfg      config.RiskConfig
	drawdown *DrawdownManager
	anomaly  *AnomalyDetector
	sizer    *PositionSizer
	logger   *slog.Logger
}

// NewEvaluator wires the gate from its collaborators.
func NewEvaluator(cfg config.RiskConfig, dd *DrawdownManager, ad *AnomalyDetector, sizer *PositionSizer, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		cfg:      cfg,
		drawdown: dd,
		anomaly:  ad,
		sizer:    sizer,
		logger:   logger.With("component", "evaluator"),
	}
}

// EvaluateTradeOpportunity folds the drawdown gate, anomaly checks, ML
// confidence and Kelly sizing into one verdict. Any internal failure
// yields a DENIED evaluation with risk score 1.0 rather than an error:
// the loop must keep running and a broken gate must fail closed.
func (e *Evaluator) EvaluateTradeOpportunity(
	ml types.MLPrediction,
	signal types.Signal,
	windows market.Windows,
	balance, bid, ask float64,
	latency time.Duration,
) (eval types.TradeEvaluation) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("evaluation failed", "panic", r)
			eval = types.TradeEvaluation{
				Decision:      types.Denied,
				Side:          signal.Action,
				RiskScore:     1.0,
				DenialReasons: []string{fmt.Sprintf("evaluation error: %v", r)},
			}
		}
	}()

	last := (bid + ask) / 2
	volume := 0.0
	if w, ok := windows.Primary(); ok {
		if vols := w.Volumes(); len(vols) > 0 {
			volume = vols[len(vols)-1]
		}
	}

	var warnings, denials []string

	// 1. Drawdown gate.
	ratio, allowed := e.drawdown.UpdateBalance(balance)
	if !allowed {
		denials = append(denials, fmt.Sprintf("%s (status=%s, drawdown=%.1f%%)",
			denialDrawdown, e.drawdown.Status(), ratio*100))
	}

	// 2. Market sanity.
	alerts := e.anomaly.ComprehensiveCheck(bid, ask, last, volume, latency, windows)
	for _, a := range alerts {
		switch a.Level {
		case types.LevelCritical:
			denials = append(denials, a.Message)
		case types.LevelWarning:
			warnings = append(warnings, a.Message)
		}
	}

	// 3. Model confidence gate.
	if ml.Confidence < e.cfg.MinMLConfidence {
		denials = append(denials, fmt.Sprintf("ml confidence %.2f below minimum %.2f",
			ml.Confidence, e.cfg.MinMLConfidence))
	}

	volatility := returnsVolatility(windows)
	conditions := types.MarketConditions{
		Bid:       bid,
		Ask:       ask,
		SpreadPct: spreadPct(bid, ask, last),
		Regime:    classifyRegime(volatility),
		Extra:     map[string]float64{"volatility": volatility},
	}
	if atr, ok := windows.ATRTail("15min", "4hour"); ok {
		conditions.ATRCurrent = atr
	}

	// 4. Sizing, only for still-viable opportunities.
	var size, kelly float64
	if len(denials) == 0 {
		size, kelly = e.sizer.CalculateSize(balance, last, ml.Confidence, signal.Confidence)
	}

	// 5. Composite risk score.
	score := weightMLDoubt*(1-ml.Confidence) +
		weightAnomaly*ScoreAlerts(alerts) +
		weightDrawdown*clamp01(ratio/e.cfg.MaxDrawdownRatio) +
		weightLossStreak*clamp01(float64(e.drawdown.ConsecutiveLosses())/float64(e.cfg.ConsecutiveLossLimit)) +
		weightVolatility*clamp01(volatility/volatilityCeiling)
	score = clamp01(score)

	// 6. Verdict.
	decision := types.Approved
	switch {
	case len(denials) > 0 || score >= e.cfg.RiskThresholdDeny:
		decision = types.Denied
	case score >= e.cfg.RiskThresholdConditional:
		decision = types.Conditional
	}

	eval = types.TradeEvaluation{
		Decision:            decision,
		Side:                signal.Action,
		RiskScore:           score,
		PositionSize:        size,
		StopLoss:            signal.StopLoss,
		TakeProfit:          signal.TakeProfit,
		ConfidenceLevel:     ml.Confidence,
		KellyRecommendation: kelly,
		DrawdownStatus:      e.drawdown.Status(),
		Warnings:            warnings,
		DenialReasons:       denials,
		MarketConditions:    conditions,
	}

	e.logger.Info("opportunity evaluated",
		"decision", decision,
		"side", signal.Action,
		"risk_score", score,
		"position_size", size,
		"denials", len(denials),
		"warnings", len(warnings),
	)
	return eval
}

func spreadPct(bid, ask, last float64) float64 {
	if last <= 0 {
		return 0
	}
	return (ask - bid) / last
}

// returnsVolatility is the standard deviation of the primary window's
// close-to-close returns.
func returnsVolatility(windows market.Windows) float64 {
	w, ok := windows.Primary()
	if !ok {
		return 0
	}
	rets := w.Returns()
	if len(rets) < 2 {
		return 0
	}
	_, std := meanStd(rets)
	return std
}

// classifyRegime tags the volatility environment for the TP/SL ratio
// table. Thresholds are fractional per-candle return volatility.
func classifyRegime(volatility float64) string {
	switch {
	case volatility >= 0.02:
		return "high_volatility"
	case volatility > 0 && volatility < 0.002:
		return "low_volatility"
	default:
		return "normal_range"
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
