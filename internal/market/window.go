// Package market maintains multi-timeframe candle windows for the pair.
//
// A Window is an immutable snapshot of recent OHLCV data for one timeframe
// plus a derived ATR series. Windows mirrors the set of timeframes the
// poller tracks ("15min", "4hour" by default) and is rebuilt wholesale on
// every poll, so consumers can hold a Windows value across a cycle without
// locking.
package market

import (
	"math"
	"time"

	"bitbank-bot/pkg/types"
)

// Window is a candle series for one timeframe with its ATR column.
type Window struct {
	Timeframe string
	Candles   []types.Candle
	ATR       []float64 // Wilder ATR, aligned with Candles; 0 until warmed up
	FetchedAt time.Time
}

// NewWindow builds a window and computes its ATR column.
func NewWindow(timeframe string, candles []types.Candle, atrPeriod int) Window {
	return Window{
		Timeframe: timeframe,
		Candles:   candles,
		ATR:       computeATR(candles, atrPeriod),
		FetchedAt: time.Now(),
	}
}

// Len returns the number of candles in the window.
func (w Window) Len() int { return len(w.Candles) }

// LatestClose returns the most recent close, or false on an empty window.
func (w Window) LatestClose() (float64, bool) {
	if len(w.Candles) == 0 {
		return 0, false
	}
	return w.Candles[len(w.Candles)-1].Close, true
}

// LatestATR returns the tail of the ATR column, or false if the window is
// too short for the ATR to have warmed up.
func (w Window) LatestATR() (float64, bool) {
	for i := len(w.ATR) - 1; i >= 0; i-- {
		if w.ATR[i] > 0 {
			return w.ATR[i], true
		}
	}
	return 0, false
}

// Returns yields the close-to-close fractional returns of the window,
// oldest first. A window of n candles yields n-1 returns.
func (w Window) Returns() []float64 {
	if len(w.Candles) < 2 {
		return nil
	}
	out := make([]float64, 0, len(w.Candles)-1)
	for i := 1; i < len(w.Candles); i++ {
		prev := w.Candles[i-1].Close
		if prev == 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, (w.Candles[i].Close-prev)/prev)
	}
	return out
}

// Volumes yields the volume series, oldest first.
func (w Window) Volumes() []float64 {
	out := make([]float64, len(w.Candles))
	for i, c := range w.Candles {
		out[i] = c.Volume
	}
	return out
}

// computeATR computes the Wilder-smoothed average true range. Entries
// before the first full period are zero.
func computeATR(candles []types.Candle, period int) []float64 {
	if period <= 0 || len(candles) <= period {
		return make([]float64, len(candles))
	}

	tr := make([]float64, len(candles))
	tr[0] = candles[0].High - candles[0].Low
	for i := 1; i < len(candles); i++ {
		hl := candles[i].High - candles[i].Low
		hc := math.Abs(candles[i].High - candles[i-1].Close)
		lc := math.Abs(candles[i].Low - candles[i-1].Close)
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}

	atr := make([]float64, len(candles))
	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += tr[i]
	}
	atr[period] = sum / float64(period)
	for i := period + 1; i < len(candles); i++ {
		atr[i] = (atr[i-1]*float64(period-1) + tr[i]) / float64(period)
	}
	return atr
}

// Windows groups the tracked timeframes of one poll.
type Windows struct {
	ByTimeframe map[string]Window
	FetchedAt   time.Time
}

// Window returns the window for a timeframe, or false if untracked.
func (ws Windows) Window(timeframe string) (Window, bool) {
	w, ok := ws.ByTimeframe[timeframe]
	return w, ok
}

// ATRTail returns the freshest ATR across the preferred timeframe order
// (finest first). Used when the evaluation pipeline did not publish a
// current ATR for the cycle.
func (ws Windows) ATRTail(order ...string) (float64, bool) {
	for _, tf := range order {
		if w, ok := ws.ByTimeframe[tf]; ok {
			if atr, ok := w.LatestATR(); ok {
				return atr, true
			}
		}
	}
	return 0, false
}

// Primary returns the finest-grained window present, preferring 15min.
func (ws Windows) Primary() (Window, bool) {
	for _, tf := range []string{"15min", "5min", "1hour", "4hour"} {
		if w, ok := ws.ByTimeframe[tf]; ok && w.Len() > 0 {
			return w, true
		}
	}
	for _, w := range ws.ByTimeframe {
		if w.Len() > 0 {
			return w, true
		}
	}
	return Window{}, false
}
