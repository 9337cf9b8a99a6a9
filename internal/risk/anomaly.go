// Package risk is the gate every trade opportunity passes before execution:
// market-sanity checks, the drawdown FSM, Kelly sizing, and the evaluator
// that folds them into a single APPROVED/DENIED/CONDITIONAL verdict.
package risk

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"bitbank-bot/internal/config"
	"bitbank-bot/internal/market"
	"bitbank-bot/pkg/types"
)

// Alert is one anomaly finding.
type Alert struct {
	Timestamp   time.Time        `json:"timestamp"`
	Kind        string           `json:"kind"`
	Level       types.AlertLevel `json:"level"`
	Value       float64          `json:"value"`
	Threshold   float64          `json:"threshold"`
	Message     string           `json:"message"`
	ShouldPause bool             `json:"should_pause_trading"`
}

// AnomalyDetector runs the per-cycle market-sanity checks and keeps a
// bounded history of findings for the pause-window scan.
type AnomalyDetector struct {
	cfg     config.AnomalyConfig
	logger  *slog.Logger
	history []Alert
}

// NewAnomalyDetector creates a detector.
func NewAnomalyDetector(cfg config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	return &AnomalyDetector{
		cfg:    cfg,
		logger: logger.With("component", "anomaly"),
	}
}

// ComprehensiveCheck runs every check against the cycle's market snapshot.
// Checks are independent; all findings are returned and recorded.
func (d *AnomalyDetector) ComprehensiveCheck(bid, ask, last, volume float64, latency time.Duration, windows market.Windows) []Alert {
	now := time.Now()
	var alerts []Alert

	alerts = append(alerts, d.checkSpread(now, bid, ask, last)...)
	alerts = append(alerts, d.checkLatency(now, latency)...)

	if w, ok := windows.Primary(); ok {
		alerts = append(alerts, d.checkSpike(now, "price_spike", w.Returns())...)
		alerts = append(alerts, d.checkSpike(now, "volume_spike", w.Volumes())...)
	}

	d.record(alerts)
	for _, a := range alerts {
		d.logger.Warn("anomaly detected",
			"kind", a.Kind,
			"level", a.Level,
			"value", a.Value,
			"threshold", a.Threshold,
			"pause", a.ShouldPause,
		)
	}
	return alerts
}

func (d *AnomalyDetector) checkSpread(now time.Time, bid, ask, last float64) []Alert {
	if bid <= 0 || ask <= 0 || last <= 0 || ask <= bid {
		kind := "invalid_price"
		if bid > 0 && ask > 0 && ask <= bid {
			kind = "inverted_spread"
		}
		return []Alert{{
			Timestamp:   now,
			Kind:        kind,
			Level:       types.LevelCritical,
			Value:       ask - bid,
			Message:     fmt.Sprintf("unusable quote: bid=%v ask=%v last=%v", bid, ask, last),
			ShouldPause: true,
		}}
	}

	spread := (ask - bid) / last
	switch {
	case spread >= d.cfg.SpreadCritical:
		return []Alert{{
			Timestamp:   now,
			Kind:        "spread",
			Level:       types.LevelCritical,
			Value:       spread,
			Threshold:   d.cfg.SpreadCritical,
			Message:     fmt.Sprintf("spread %.4f%% at or above critical %.4f%%", spread*100, d.cfg.SpreadCritical*100),
			ShouldPause: true,
		}}
	case spread >= d.cfg.SpreadWarning:
		return []Alert{{
			Timestamp: now,
			Kind:      "spread",
			Level:     types.LevelWarning,
			Value:     spread,
			Threshold: d.cfg.SpreadWarning,
			Message:   fmt.Sprintf("spread %.4f%% above warning %.4f%%", spread*100, d.cfg.SpreadWarning*100),
		}}
	}
	return nil
}

func (d *AnomalyDetector) checkLatency(now time.Time, latency time.Duration) []Alert {
	switch {
	case latency < 0:
		return []Alert{{
			Timestamp:   now,
			Kind:        "latency",
			Level:       types.LevelCritical,
			Value:       latency.Seconds() * 1000,
			Message:     "negative api latency, clock skew suspected",
			ShouldPause: true,
		}}
	case latency >= d.cfg.LatencyCritical:
		return []Alert{{
			Timestamp:   now,
			Kind:        "latency",
			Level:       types.LevelCritical,
			Value:       latency.Seconds() * 1000,
			Threshold:   d.cfg.LatencyCritical.Seconds() * 1000,
			Message:     fmt.Sprintf("api latency %v at or above critical %v", latency, d.cfg.LatencyCritical),
			ShouldPause: true,
		}}
	case latency >= d.cfg.LatencyWarning:
		return []Alert{{
			Timestamp: now,
			Kind:      "latency",
			Level:     types.LevelWarning,
			Value:     latency.Seconds() * 1000,
			Threshold: d.cfg.LatencyWarning.Seconds() * 1000,
			Message:   fmt.Sprintf("api latency %v above warning %v", latency, d.cfg.LatencyWarning),
		}}
	}
	return nil
}

// checkSpike z-scores the newest sample of a series against the mean and
// standard deviation of the earlier samples. Needs at least 10 samples.
func (d *AnomalyDetector) checkSpike(now time.Time, kind string, series []float64) []Alert {
	if len(series) < 10 {
		return nil
	}

	current := series[len(series)-1]
	prior := series[:len(series)-1]
	mean, std := meanStd(prior)

	if std == 0 {
		if current != mean {
			return []Alert{{
				Timestamp: now,
				Kind:      kind + "_zero_volatility",
				Level:     types.LevelWarning,
				Value:     current,
				Message:   fmt.Sprintf("%s: move %.6f on a flat history", kind, current-mean),
			}}
		}
		return nil
	}

	z := (current - mean) / std
	if math.Abs(z) >= d.cfg.SpikeZScore {
		return []Alert{{
			Timestamp: now,
			Kind:      kind,
			Level:     types.LevelWarning,
			Value:     z,
			Threshold: d.cfg.SpikeZScore,
			Message:   fmt.Sprintf("%s: |z|=%.2f at or above %.2f", kind, math.Abs(z), d.cfg.SpikeZScore),
		}}
	}
	return nil
}

// ShouldPauseTrading scans the pause window of recorded history and
// returns true with the reasons if any CRITICAL pausing alert is present.
func (d *AnomalyDetector) ShouldPauseTrading() (bool, []string) {
	cutoff := time.Now().Add(-d.cfg.PauseWindow)
	var reasons []string
	for _, a := range d.history {
		if a.Timestamp.Before(cutoff) {
			continue
		}
		if a.Level == types.LevelCritical && a.ShouldPause {
			reasons = append(reasons, a.Message)
		}
	}
	return len(reasons) > 0, reasons
}

func (d *AnomalyDetector) record(alerts []Alert) {
	d.history = append(d.history, alerts...)
	if limit := d.cfg.HistoryLimit; limit > 0 && len(d.history) > limit {
		d.history = d.history[len(d.history)-limit:]
	}
}

// ScoreAlerts maps one cycle's findings onto [0, 1] for the risk score:
// any CRITICAL is 1.0, any WARNING is 0.5, a clean pass is 0.
func ScoreAlerts(alerts []Alert) float64 {
	score := 0.0
	for _, a := range alerts {
		switch a.Level {
		case types.LevelCritical:
			return 1.0
		case types.LevelWarning:
			score = 0.5
		}
	}
	return score
}

func meanStd(series []float64) (mean, std float64) {
	if len(series) == 0 {
		return 0, 0
	}
	for _, v := range series {
		mean += v
	}
	mean /= float64(len(series))

	var variance float64
	for _, v := range series {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(series))
	return mean, math.Sqrt(variance)
}
