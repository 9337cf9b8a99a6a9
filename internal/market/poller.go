package market

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"bitbank-bot/internal/config"
	"bitbank-bot/internal/exchange"
	"bitbank-bot/pkg/types"
)

// Poller keeps the candle windows fresh. It polls every timeframe on the
// trading cycle interval and republishes a complete Windows snapshot; the
// evaluation pipeline reads the latest snapshot at the start of each cycle.
type Poller struct {
	api    exchange.API
	cfg    config.MarketConfig
	pair   string
	logger *slog.Logger

	mu     sync.RWMutex
	latest Windows
}

// NewPoller creates a candle poller for one pair.
func NewPoller(api exchange.API, cfg config.MarketConfig, pair string, logger *slog.Logger) *Poller {
	return &Poller{
		api:    api,
		cfg:    cfg,
		pair:   pair,
		logger: logger.With("component", "candle_poller", "pair", pair),
	}
}

// Latest returns the most recent snapshot. The zero Windows (no timeframes)
// is returned before the first successful poll.
func (p *Poller) Latest() Windows {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest
}

// Run polls immediately and then on every tick. Blocks until ctx is
// cancelled.
func (p *Poller) Run(ctx context.Context, interval time.Duration) {
	p.Poll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		}
	}
}

// Poll fetches all timeframes once and swaps in the new snapshot.
// Timeframes that fail keep their previous window so one bad fetch does
// not blind the whole snapshot.
func (p *Poller) Poll(ctx context.Context) {
	prev := p.Latest()
	next := Windows{
		ByTimeframe: make(map[string]Window, len(p.cfg.Timeframes)),
		FetchedAt:   time.Now(),
	}

	for _, tf := range p.cfg.Timeframes {
		candles, err := p.fetchWindow(ctx, tf)
		if err != nil {
			p.logger.Warn("candle fetch failed", "timeframe", tf, "error", err)
			if old, ok := prev.ByTimeframe[tf]; ok {
				next.ByTimeframe[tf] = old
			}
			continue
		}
		next.ByTimeframe[tf] = NewWindow(tf, candles, p.cfg.ATRPeriod)
	}

	p.mu.Lock()
	p.latest = next
	p.mu.Unlock()

	p.logger.Debug("candle poll complete", "timeframes", len(next.ByTimeframe))
}

// fetchWindow pulls history_days of day buckets for one timeframe and
// returns the deduplicated tail, oldest first.
func (p *Poller) fetchWindow(ctx context.Context, timeframe string) ([]types.Candle, error) {
	days := p.cfg.HistoryDays
	if days < 1 {
		days = 1
	}

	seen := make(map[int64]struct{})
	var all []types.Candle
	now := time.Now().UTC()

	for i := days - 1; i >= 0; i-- {
		day := now.AddDate(0, 0, -i)
		candles, err := p.api.FetchCandles(ctx, p.pair, timeframe, day)
		if err != nil {
			return nil, fmt.Errorf("timeframe %s day %s: %w", timeframe, day.Format("2006-01-02"), err)
		}
		for _, c := range candles {
			key := c.Time.UnixMilli()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			all = append(all, c)
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Time.Before(all[j].Time) })

	if max := p.cfg.MaxCandles; max > 0 && len(all) > max {
		all = all[len(all)-max:]
	}
	return all, nil
}
