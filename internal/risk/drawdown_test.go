package risk

import (
	"path/filepath"
	"testing"
	"time"

	"bitbank-bot/internal/config"
	"bitbank-bot/internal/store"
	"bitbank-bot/pkg/types"
)

func riskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxDrawdownRatio:         0.20,
		ConsecutiveLossLimit:     5,
		CooldownHours:            6,
		MinMLConfidence:          0.30,
		RiskThresholdDeny:        0.8,
		RiskThresholdConditional: 0.6,
		MinTradesForKelly:        20,
		SafetyFactor:             0.7,
		MaxPositionRatio:         0.05,
		DefaultFraction:          0.01,
		HistoryLimit:             500,
	}
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

func TestDrawdownPause(t *testing.T) {
	t.Parallel()
	m := NewDrawdownManager(riskConfig(), testStore(t), 100000, testLogger())

	ratio, allowed := m.UpdateBalance(90000)
	if !allowed || ratio != 0.10 {
		t.Fatalf("10%% drawdown should allow trading: ratio=%v allowed=%v", ratio, allowed)
	}

	ratio, allowed = m.UpdateBalance(79000)
	if allowed {
		t.Fatalf("21%% drawdown should pause: ratio=%v", ratio)
	}
	if m.Status() != types.StatusPausedDrawdown {
		t.Errorf("status = %v, want PAUSED_DRAWDOWN", m.Status())
	}

	// Recovery above the limit resumes.
	_, allowed = m.UpdateBalance(95000)
	if !allowed || m.Status() != types.StatusActive {
		t.Errorf("recovered equity should resume: allowed=%v status=%v", allowed, m.Status())
	}
}

func TestConsecutiveLossPauseAndCooldown(t *testing.T) {
	t.Parallel()
	m := NewDrawdownManager(riskConfig(), testStore(t), 100000, testLogger())

	for i := 0; i < 5; i++ {
		m.RecordTradeResult(-100, "momentum")
	}
	if m.Status() != types.StatusPausedConsecutiveLoss {
		t.Fatalf("status = %v, want PAUSED_CONSECUTIVE_LOSS", m.Status())
	}
	if m.CheckTradingAllowed() {
		t.Fatal("cooldown should block trading")
	}

	// Force the cooldown into the past; the next check auto-resumes.
	m.state.PauseUntil = time.Now().Add(-time.Minute)
	if !m.CheckTradingAllowed() {
		t.Fatal("elapsed cooldown should resume")
	}
	if m.Status() != types.StatusActive || m.ConsecutiveLosses() != 0 {
		t.Errorf("resume should reset: status=%v losses=%d", m.Status(), m.ConsecutiveLosses())
	}
}

func TestProfitClearsLossStreak(t *testing.T) {
	t.Parallel()
	m := NewDrawdownManager(riskConfig(), testStore(t), 100000, testLogger())

	m.RecordTradeResult(-100, "momentum")
	m.RecordTradeResult(-100, "momentum")
	m.RecordTradeResult(250, "momentum")
	if m.ConsecutiveLosses() != 0 {
		t.Errorf("profit should clear streak, got %d", m.ConsecutiveLosses())
	}

	// A profitable trade also lifts a loss-streak pause.
	for i := 0; i < 5; i++ {
		m.RecordTradeResult(-100, "momentum")
	}
	m.RecordTradeResult(500, "momentum")
	if m.Status() != types.StatusActive {
		t.Errorf("profit should resume, status=%v", m.Status())
	}
}

func TestNewPeakResetsStreak(t *testing.T) {
	t.Parallel()
	m := NewDrawdownManager(riskConfig(), testStore(t), 100000, testLogger())

	m.RecordTradeResult(-100, "momentum")
	m.UpdateBalance(110000)
	if m.ConsecutiveLosses() != 0 {
		t.Errorf("new peak should clear streak, got %d", m.ConsecutiveLosses())
	}
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	t.Parallel()
	st := testStore(t)

	m := NewDrawdownManager(riskConfig(), st, 100000, testLogger())
	m.UpdateBalance(92000)
	m.RecordTradeResult(-100, "momentum")

	m2 := NewDrawdownManager(riskConfig(), st, 100000, testLogger())
	if m2.ConsecutiveLosses() != 1 {
		t.Errorf("restored losses = %d, want 1", m2.ConsecutiveLosses())
	}
	if m2.State().CurrentBalance != 92000 || m2.State().PeakBalance != 100000 {
		t.Errorf("restored balances wrong: %+v", m2.State())
	}
}

func TestSanityPassResetsImplausibleState(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		state types.DrawdownState
	}{
		{"drawdown_over_50pct", types.DrawdownState{
			CurrentBalance: 40000, PeakBalance: 100000, TradingStatus: types.StatusActive,
		}},
		{"non_positive_balance", types.DrawdownState{
			CurrentBalance: -1, PeakBalance: 100000, TradingStatus: types.StatusActive,
		}},
		{"persisted_drawdown_pause", types.DrawdownState{
			CurrentBalance: 90000, PeakBalance: 100000, TradingStatus: types.StatusPausedDrawdown,
		}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			st := testStore(t)
			if err := st.SaveDrawdownState(tc.state); err != nil {
				t.Fatal(err)
			}

			m := NewDrawdownManager(riskConfig(), st, 100000, testLogger())
			if m.Status() != types.StatusActive {
				t.Errorf("status = %v, want ACTIVE after reset", m.Status())
			}
			if m.State().CurrentBalance != 100000 || m.State().PeakBalance != 100000 {
				t.Errorf("balances not reset: %+v", m.State())
			}
		})
	}
}

func TestForceResetEnvFlag(t *testing.T) {
	st := testStore(t)
	if err := st.SaveDrawdownState(types.DrawdownState{
		CurrentBalance: 90000, PeakBalance: 100000,
		ConsecutiveLosses: 3, TradingStatus: types.StatusActive,
	}); err != nil {
		t.Fatal(err)
	}

	t.Setenv(forceResetEnv, "true")
	m := NewDrawdownManager(riskConfig(), st, 100000, testLogger())
	if m.ConsecutiveLosses() != 0 || m.State().CurrentBalance != 100000 {
		t.Errorf("env flag should force reset: %+v", m.State())
	}
}

func TestManualPause(t *testing.T) {
	t.Parallel()
	m := NewDrawdownManager(riskConfig(), testStore(t), 100000, testLogger())

	m.PauseManual()
	if m.CheckTradingAllowed() {
		t.Fatal("manual pause should block trading")
	}
	m.ResumeManual()
	if !m.CheckTradingAllowed() {
		t.Fatal("manual resume should allow trading")
	}
}

func TestSnapshotCap(t *testing.T) {
	t.Parallel()
	m := NewDrawdownManager(riskConfig(), testStore(t), 100000, testLogger())

	for i := 0; i < snapshotCap+50; i++ {
		m.UpdateBalance(100000 - float64(i))
	}
	if got := len(m.Snapshots()); got != snapshotCap {
		t.Errorf("snapshots = %d, want %d", got, snapshotCap)
	}
}
