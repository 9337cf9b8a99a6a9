package risk

import (
	"log/slog"
	"os"
	"time"

	"bitbank-bot/internal/config"
	"bitbank-bot/internal/store"
	"bitbank-bot/pkg/types"
)

// snapshotCap bounds the in-memory equity history.
const snapshotCap = 1000

// forceResetEnv forces the FSM back to ACTIVE on startup regardless of
// the persisted state. Escape hatch for a wedged pause.
const forceResetEnv = "FORCE_DRAWDOWN_RESET"

// DrawdownManager owns the trading-status FSM, equity tracking and its
// persistence file. While the status is not ACTIVE no new entries are
// placed; exit management elsewhere continues.
type DrawdownManager struct {
	cfg    config.RiskConfig
	store  *store.Store
	logger *slog.Logger

	state          types.DrawdownState
	snapshots      []types.DrawdownSnapshot
	initialBalance float64
}

// NewDrawdownManager restores the FSM from disk, applying the load-time
// sanity pass: implausible state (drawdown beyond 50%, non-positive
// balances, a persisted hard pause, or the force-reset env flag) resets
// to ACTIVE with the initial balance. A corrupted file must never freeze
// trading permanently across restarts.
func NewDrawdownManager(cfg config.RiskConfig, st *store.Store, initialBalance float64, logger *slog.Logger) *DrawdownManager {
	m := &DrawdownManager{
		cfg:            cfg,
		store:          st,
		logger:         logger.With("component", "drawdown"),
		initialBalance: initialBalance,
	}

	state, found, err := st.LoadDrawdownState()
	if err != nil {
		m.logger.Error("drawdown state unreadable, resetting", "error", err)
		m.reset("unreadable_state")
		return m
	}
	if !found {
		m.reset("fresh_start")
		return m
	}

	m.state = state
	if reason, bad := m.implausible(); bad {
		m.logger.Warn("drawdown state failed sanity pass, resetting", "reason", reason)
		m.reset(reason)
		return m
	}
	m.logger.Info("drawdown state restored",
		"status", state.TradingStatus,
		"peak", state.PeakBalance,
		"current", state.CurrentBalance,
		"consecutive_losses", state.ConsecutiveLosses,
	)
	return m
}

func (m *DrawdownManager) implausible() (string, bool) {
	switch {
	case os.Getenv(forceResetEnv) == "true":
		return "force_reset_env", true
	case m.state.CurrentBalance <= 0 || m.state.PeakBalance <= 0:
		return "non_positive_balance", true
	case m.drawdownRatio() > 0.5:
		return "drawdown_over_50pct", true
	case m.state.TradingStatus == types.StatusPausedDrawdown:
		return "persisted_drawdown_pause", true
	}
	return "", false
}

func (m *DrawdownManager) reset(reason string) {
	m.state = types.DrawdownState{
		CurrentBalance: m.initialBalance,
		PeakBalance:    m.initialBalance,
		TradingStatus:  types.StatusActive,
		CurrentSession: time.Now().Format("2006-01-02T15:04:05"),
	}
	m.snapshots = nil
	m.save()
	m.logger.Info("drawdown state reset", "reason", reason, "balance", m.initialBalance)
}

func (m *DrawdownManager) save() {
	if err := m.store.SaveDrawdownState(m.state); err != nil {
		m.logger.Error("drawdown state save failed", "error", err)
	}
}

// InitializeBalance starts a fresh session at the given equity.
func (m *DrawdownManager) InitializeBalance(balance float64) {
	m.state.CurrentBalance = balance
	m.state.PeakBalance = balance
	m.state.CurrentSession = time.Now().Format("2006-01-02T15:04:05")
	m.save()
}

// UpdateBalance records the current equity and returns the drawdown ratio
// and whether trading is allowed. A new peak clears the loss streak.
func (m *DrawdownManager) UpdateBalance(balance float64) (float64, bool) {
	m.state.CurrentBalance = balance
	if balance > m.state.PeakBalance {
		m.state.PeakBalance = balance
		m.state.ConsecutiveLosses = 0
		if m.state.TradingStatus == types.StatusPausedConsecutiveLoss {
			m.resume("new_peak")
		}
	}

	ratio := m.drawdownRatio()
	if ratio >= m.cfg.MaxDrawdownRatio && m.state.TradingStatus == types.StatusActive {
		m.state.TradingStatus = types.StatusPausedDrawdown
		m.logger.Warn("trading paused on drawdown",
			"ratio", ratio,
			"limit", m.cfg.MaxDrawdownRatio,
		)
	}

	m.appendSnapshot(ratio)
	allowed := m.CheckTradingAllowed()
	m.save()
	return ratio, allowed
}

// RecordTradeResult feeds a closed trade into the loss streak.
func (m *DrawdownManager) RecordTradeResult(pnl float64, strategy string) {
	if pnl > 0 {
		m.state.ConsecutiveLosses = 0
		if m.state.TradingStatus == types.StatusPausedConsecutiveLoss {
			m.resume("profitable_trade")
		}
	} else if pnl < 0 {
		m.state.ConsecutiveLosses++
		m.state.LastLossTime = time.Now()
		if m.state.ConsecutiveLosses >= m.cfg.ConsecutiveLossLimit {
			m.state.TradingStatus = types.StatusPausedConsecutiveLoss
			m.state.PauseUntil = time.Now().Add(m.cfg.Cooldown())
			m.logger.Warn("trading paused on loss streak",
				"consecutive_losses", m.state.ConsecutiveLosses,
				"pause_until", m.state.PauseUntil,
				"strategy", strategy,
			)
		}
	}
	m.save()
}

// CheckTradingAllowed reports whether new entries may be placed, resuming
// automatically once a pause condition has cleared.
func (m *DrawdownManager) CheckTradingAllowed() bool {
	switch m.state.TradingStatus {
	case types.StatusPausedManual:
		return false
	case types.StatusPausedDrawdown:
		if m.drawdownRatio() < m.cfg.MaxDrawdownRatio {
			m.resume("drawdown_recovered")
			return true
		}
		return false
	case types.StatusPausedConsecutiveLoss:
		if !m.state.PauseUntil.IsZero() && time.Now().After(m.state.PauseUntil) {
			m.state.ConsecutiveLosses = 0
			m.resume("cooldown_elapsed")
			return true
		}
		return false
	}

	if m.drawdownRatio() >= m.cfg.MaxDrawdownRatio {
		return false
	}
	if m.state.ConsecutiveLosses >= m.cfg.ConsecutiveLossLimit {
		return false
	}
	return true
}

func (m *DrawdownManager) resume(reason string) {
	m.state.TradingStatus = types.StatusActive
	m.state.PauseUntil = time.Time{}
	m.save()
	m.logger.Info("trading resumed", "reason", reason)
}

// PauseManual halts entries until ResumeManual.
func (m *DrawdownManager) PauseManual() {
	m.state.TradingStatus = types.StatusPausedManual
	m.save()
}

// ResumeManual lifts a manual pause.
func (m *DrawdownManager) ResumeManual() {
	if m.state.TradingStatus == types.StatusPausedManual {
		m.resume("manual_resume")
	}
}

func (m *DrawdownManager) drawdownRatio() float64 {
	if m.state.PeakBalance <= 0 {
		return 0
	}
	ratio := (m.state.PeakBalance - m.state.CurrentBalance) / m.state.PeakBalance
	if ratio < 0 {
		return 0
	}
	return ratio
}

func (m *DrawdownManager) appendSnapshot(ratio float64) {
	m.snapshots = append(m.snapshots, types.DrawdownSnapshot{
		Timestamp:         time.Now(),
		CurrentBalance:    m.state.CurrentBalance,
		PeakBalance:       m.state.PeakBalance,
		DrawdownRatio:     ratio,
		ConsecutiveLosses: m.state.ConsecutiveLosses,
		TradingStatus:     m.state.TradingStatus,
	})
	if len(m.snapshots) > snapshotCap {
		m.snapshots = m.snapshots[len(m.snapshots)-snapshotCap:]
	}
}

// Status returns the current FSM state.
func (m *DrawdownManager) Status() types.TradingStatus { return m.state.TradingStatus }

// DrawdownRatio returns the current peak-to-equity drawdown.
func (m *DrawdownManager) DrawdownRatio() float64 { return m.drawdownRatio() }

// ConsecutiveLosses returns the current loss streak.
func (m *DrawdownManager) ConsecutiveLosses() int { return m.state.ConsecutiveLosses }

// Snapshots returns the equity history, newest last.
func (m *DrawdownManager) Snapshots() []types.DrawdownSnapshot {
	out := make([]types.DrawdownSnapshot, len(m.snapshots))
	copy(out, m.snapshots)
	return out
}

// State returns a copy of the persisted FSM blob.
func (m *DrawdownManager) State() types.DrawdownState { return m.state }
