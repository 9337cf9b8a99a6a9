package strategy

import (
	"io"
	"log/slog"
	"math"
	"testing"

	"bitbank-bot/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFuseMajoritySide(t *testing.T) {
	t.Parallel()
	f := NewFuser(testLogger())

	fused := f.Fuse([]types.Signal{
		{Action: types.ActionBuy, Confidence: 0.6, StrategyName: "a"},
		{Action: types.ActionBuy, Confidence: 0.4, StrategyName: "b"},
		{Action: types.ActionSell, Confidence: 0.5, StrategyName: "c"},
	})

	if fused.Action != types.ActionBuy {
		t.Fatalf("action = %v, want buy", fused.Action)
	}
	// buy weight 1.0 of total 1.5
	if math.Abs(fused.Confidence-1.0/1.5) > 1e-9 {
		t.Errorf("confidence = %v, want %v", fused.Confidence, 1.0/1.5)
	}
}

func TestFuseTieIsHold(t *testing.T) {
	t.Parallel()
	f := NewFuser(testLogger())

	fused := f.Fuse([]types.Signal{
		{Action: types.ActionBuy, Confidence: 0.5},
		{Action: types.ActionSell, Confidence: 0.5},
	})
	if fused.Action != types.ActionHold {
		t.Fatalf("tie should hold, got %v", fused.Action)
	}

	if f.Fuse(nil).Action != types.ActionHold {
		t.Error("empty input should hold")
	}

	onlyHolds := f.Fuse([]types.Signal{{Action: types.ActionHold, Confidence: 0.9}})
	if onlyHolds.Action != types.ActionHold {
		t.Error("hold-only input should hold")
	}
}

func TestFuseLevelsWeightedByWinningSide(t *testing.T) {
	t.Parallel()
	f := NewFuser(testLogger())

	fused := f.Fuse([]types.Signal{
		{Action: types.ActionBuy, Confidence: 0.8, TakeProfit: 14500000, StopLoss: 13500000},
		{Action: types.ActionBuy, Confidence: 0.2, TakeProfit: 14100000, StopLoss: 13900000},
		// Losing side's levels must not bleed in.
		{Action: types.ActionSell, Confidence: 0.3, TakeProfit: 1, StopLoss: 1},
	})

	wantTP := (14500000*0.8 + 14100000*0.2) / 1.0
	wantSL := (13500000*0.8 + 13900000*0.2) / 1.0
	if math.Abs(fused.TakeProfit-wantTP) > 1e-6 {
		t.Errorf("tp = %v, want %v", fused.TakeProfit, wantTP)
	}
	if math.Abs(fused.StopLoss-wantSL) > 1e-6 {
		t.Errorf("sl = %v, want %v", fused.StopLoss, wantSL)
	}
}

func TestFuseSignalsWithoutLevelsAbstain(t *testing.T) {
	t.Parallel()
	f := NewFuser(testLogger())

	fused := f.Fuse([]types.Signal{
		{Action: types.ActionBuy, Confidence: 0.7},
	})
	if fused.TakeProfit != 0 || fused.StopLoss != 0 {
		t.Errorf("levels should stay zero, got tp=%v sl=%v", fused.TakeProfit, fused.StopLoss)
	}
}
