package market

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"bitbank-bot/internal/config"
	"bitbank-bot/internal/exchange"
)

func testPoller(mock *exchange.Mock) *Poller {
	cfg := config.MarketConfig{
		Timeframes:  []string{"15min"},
		HistoryDays: 2,
		MaxCandles:  200,
		ATRPeriod:   14,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPoller(mock, cfg, "btc_jpy", logger)
}

func TestPollerDeduplicatesAcrossDays(t *testing.T) {
	t.Parallel()

	mock := exchange.NewMock(14000000)
	mock.Candles = makeCandles(14000000, 14010000, 13990000)

	p := testPoller(mock)
	p.Poll(context.Background())

	// The mock serves the same candles for both day buckets; duplicates
	// collapse by timestamp.
	w, ok := p.Latest().Window("15min")
	if !ok {
		t.Fatal("15min window missing")
	}
	if w.Len() != 3 {
		t.Fatalf("window len = %d, want 3", w.Len())
	}
}

func TestPollerKeepsPreviousWindowOnFailure(t *testing.T) {
	t.Parallel()

	mock := exchange.NewMock(14000000)
	mock.Candles = makeCandles(14000000, 14010000)

	p := testPoller(mock)
	p.Poll(context.Background())

	mock.CandlesErr = errors.New("boom")
	p.Poll(context.Background())

	w, ok := p.Latest().Window("15min")
	if !ok || w.Len() != 2 {
		t.Fatalf("previous window not retained: ok=%v len=%d", ok, w.Len())
	}
}

func TestPollerTrimsToMaxCandles(t *testing.T) {
	t.Parallel()

	closes := make([]float64, 50)
	for i := range closes {
		closes[i] = 14000000 + float64(i)
	}
	mock := exchange.NewMock(14000000)
	mock.Candles = makeCandles(closes...)

	p := testPoller(mock)
	p.cfg.MaxCandles = 30
	p.Poll(context.Background())

	w, _ := p.Latest().Window("15min")
	if w.Len() != 30 {
		t.Fatalf("window len = %d, want 30", w.Len())
	}
	// The tail must survive the trim.
	last, _ := w.LatestClose()
	if last != 14000049 {
		t.Errorf("latest close = %v, want 14000049", last)
	}
}
