package market

import (
	"math"
	"testing"
	"time"

	"bitbank-bot/pkg/types"
)

func makeCandles(closes ...float64) []types.Candle {
	base := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	out := make([]types.Candle, len(closes))
	for i, c := range closes {
		out[i] = types.Candle{
			Open:   c,
			High:   c + 1000,
			Low:    c - 1000,
			Close:  c,
			Volume: 10,
			Time:   base.Add(time.Duration(i) * 15 * time.Minute),
		}
	}
	return out
}

func TestWindowReturns(t *testing.T) {
	t.Parallel()

	w := NewWindow("15min", makeCandles(100, 110, 99), 14)
	rets := w.Returns()
	if len(rets) != 2 {
		t.Fatalf("returns len = %d, want 2", len(rets))
	}
	if math.Abs(rets[0]-0.10) > 1e-9 {
		t.Errorf("rets[0] = %v, want 0.10", rets[0])
	}
	if math.Abs(rets[1]-(-0.10)) > 1e-9 {
		t.Errorf("rets[1] = %v, want -0.10", rets[1])
	}
}

func TestWindowATRWarmup(t *testing.T) {
	t.Parallel()

	// 14-period ATR needs 15 candles before the tail is non-zero.
	short := NewWindow("15min", makeCandles(1e7, 1e7, 1e7), 14)
	if _, ok := short.LatestATR(); ok {
		t.Error("short window should have no ATR")
	}

	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 14000000
	}
	w := NewWindow("15min", makeCandles(closes...), 14)
	atr, ok := w.LatestATR()
	if !ok {
		t.Fatal("warmed-up window should have an ATR")
	}
	// Flat closes with a constant 2000 high-low range converge to TR=2000.
	if math.Abs(atr-2000) > 1e-6 {
		t.Errorf("atr = %v, want 2000", atr)
	}
}

func TestWindowsATRTailPrefersFinerTimeframe(t *testing.T) {
	t.Parallel()

	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 14000000
	}
	fine := NewWindow("15min", makeCandles(closes...), 14)
	coarse := NewWindow("4hour", makeCandles(closes...), 14)

	ws := Windows{ByTimeframe: map[string]Window{"15min": fine, "4hour": coarse}}
	atr, ok := ws.ATRTail("15min", "4hour")
	if !ok || atr <= 0 {
		t.Fatalf("ATRTail = %v, %v", atr, ok)
	}

	// With only the coarse window warmed up, fall through to it.
	ws = Windows{ByTimeframe: map[string]Window{
		"15min": NewWindow("15min", makeCandles(1e7, 1e7), 14),
		"4hour": coarse,
	}}
	atr, ok = ws.ATRTail("15min", "4hour")
	if !ok || atr <= 0 {
		t.Fatalf("fallback ATRTail = %v, %v", atr, ok)
	}
}

func TestWindowsPrimary(t *testing.T) {
	t.Parallel()

	ws := Windows{ByTimeframe: map[string]Window{
		"4hour": NewWindow("4hour", makeCandles(1, 2, 3), 14),
	}}
	w, ok := ws.Primary()
	if !ok || w.Timeframe != "4hour" {
		t.Fatalf("Primary = %q, %v", w.Timeframe, ok)
	}

	ws.ByTimeframe["15min"] = NewWindow("15min", makeCandles(1, 2), 14)
	w, ok = ws.Primary()
	if !ok || w.Timeframe != "15min" {
		t.Fatalf("Primary with 15min present = %q, %v", w.Timeframe, ok)
	}

	if _, ok := (Windows{}).Primary(); ok {
		t.Error("empty Windows should have no primary")
	}
}
