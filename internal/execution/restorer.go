package execution

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"bitbank-bot/internal/config"
	"bitbank-bot/internal/exchange"
	"bitbank-bot/internal/store"
	"bitbank-bot/pkg/types"
)

// adoptedOrderID marks an adopted position whose exit orders predate this
// process; the real ids are unknown but coverage was measured as complete.
const adoptedOrderID = "existing"

// PositionRestorer rebuilds the in-memory position mirror from exchange
// state: once at startup, then periodically for positions that appeared
// outside the bot's control. It also owns order-book hygiene (stale order
// cleanup) and the orphaned stop-loss sweep.
type PositionRestorer struct {
	api     exchange.API
	tpslCfg config.TPSLConfig
	pair    string
	tracker *Tracker
	tpsl    *TPSLManager
	store   *store.Store
	logger  *slog.Logger

	lastOrphanScan time.Time
	lastCleanup    time.Time
}

// NewPositionRestorer wires the restorer.
func NewPositionRestorer(api exchange.API, tpslCfg config.TPSLConfig, pair string, tracker *Tracker, tpsl *TPSLManager, st *store.Store, logger *slog.Logger) *PositionRestorer {
	return &PositionRestorer{
		api:     api,
		tpslCfg: tpslCfg,
		pair:    pair,
		tracker: tracker,
		tpsl:    tpsl,
		store:   st,
		logger:  logger.With("component", "restorer"),
	}
}

// RestoreAtStartup scans open margin positions and rebuilds a
// VirtualPosition for each side, pairing it with the exit orders already
// on the book when they plausibly belong to it. A stop order counts as
// the position's SL only when its trigger sits within the configured band
// of the average entry price.
func (r *PositionRestorer) RestoreAtStartup(ctx context.Context) error {
	positions, err := r.api.FetchMarginPositions(ctx, r.pair)
	if err != nil {
		return fmt.Errorf("startup restore: %w", err)
	}
	if len(positions) == 0 {
		r.logger.Info("startup restore: no open positions")
		return nil
	}
	orders, err := r.api.FetchActiveOrders(ctx, r.pair, r.tpslCfg.APIOrderLimit)
	if err != nil {
		return fmt.Errorf("startup restore: %w", err)
	}

	for _, pos := range positions {
		if pos.Amount <= 0 {
			continue
		}
		entrySide := pos.Side.EntrySide()
		tpID, tpPrice := r.findTakeProfitCandidate(orders, entrySide)
		slID, slPrice := r.findStopLossCandidate(orders, entrySide, pos.AveragePrice)

		vp := types.VirtualPosition{
			OrderID:    fmt.Sprintf("restored_%s_%d", pos.Side, time.Now().UnixMilli()),
			Side:       entrySide,
			Amount:     pos.Amount,
			EntryPrice: pos.AveragePrice,
			Timestamp:  time.Now(),
			TakeProfit: tpPrice,
			StopLoss:   slPrice,
			TPOrderID:  tpID,
			SLOrderID:  slID,
			Restored:   true,
		}
		if slID != "" {
			vp.SLPlacedAt = time.Now()
		}
		r.tracker.Add(vp)
		r.logger.Info("position restored from exchange state",
			"side", pos.Side,
			"amount", pos.Amount,
			"average_price", pos.AveragePrice,
			"tp_order_id", tpID,
			"sl_order_id", slID,
		)
	}
	return nil
}

// findTakeProfitCandidate returns the first exit-side limit order.
func (r *PositionRestorer) findTakeProfitCandidate(orders []types.ActiveOrder, entrySide types.Action) (id string, price float64) {
	exitSide := entrySide.Opposite()
	for _, o := range orders {
		if o.Side == exitSide && o.Type == types.OrderTypeLimit {
			return o.ID, o.Price
		}
	}
	return "", 0
}

// findStopLossCandidate returns the first exit-side stop order whose
// trigger is within the restore band of the average entry price. Stops
// outside the band likely belong to a different position or session.
func (r *PositionRestorer) findStopLossCandidate(orders []types.ActiveOrder, entrySide types.Action, avgPrice float64) (id string, price float64) {
	if avgPrice <= 0 {
		return "", 0
	}
	exitSide := entrySide.Opposite()
	band := r.tpslCfg.RestoreTriggerPriceBand
	for _, o := range orders {
		if o.Side != exitSide || !o.Type.IsStop() {
			continue
		}
		trigger := o.TriggerPrice
		if trigger == 0 {
			trigger = o.Price
		}
		if math.Abs(trigger-avgPrice)/avgPrice <= band {
			return o.ID, trigger
		}
	}
	return "", 0
}

// ScanOrphanPositions looks for exchange positions with no tracked mirror
// and adopts them. Self-rate-limited to the orphan scan interval; called
// every cycle.
func (r *PositionRestorer) ScanOrphanPositions(ctx context.Context) {
	if time.Since(r.lastOrphanScan) < r.tpslCfg.OrphanScanInterval {
		return
	}
	r.lastOrphanScan = time.Now()

	positions, err := r.api.FetchMarginPositions(ctx, r.pair)
	if err != nil {
		r.logger.Warn("orphan scan: positions fetch failed", "error", err)
		return
	}
	if len(positions) == 0 {
		return
	}
	orders, err := r.api.FetchActiveOrders(ctx, r.pair, r.tpslCfg.APIOrderLimit)
	if err != nil {
		r.logger.Warn("orphan scan: active orders fetch failed", "error", err)
		return
	}

	coverage := measureCoverage(positions, orders)
	for side, cov := range coverage {
		entrySide := side.EntrySide()
		if len(r.tracker.BySide(entrySide)) > 0 {
			continue
		}
		r.adoptOrphan(ctx, side, cov)
	}
}

// adoptOrphan brings an untracked exchange position under management.
// Fully covered positions are adopted as-is; under-covered ones get
// recovery exits first, and adoption happens only when both legs land.
func (r *PositionRestorer) adoptOrphan(ctx context.Context, side types.PositionSide, cov *sideCoverage) {
	entrySide := side.EntrySide()
	avgPrice := cov.position.AveragePrice
	if avgPrice <= 0 {
		r.logger.Error("CRITICAL: orphan position with indeterminate average price, manual intervention required",
			"side", side,
			"amount", cov.position.Amount,
		)
		return
	}

	threshold := r.tpslCfg.CoverageThreshold
	if cov.tpCovered(threshold) && cov.slCovered(threshold) {
		tpPrice, slPrice := r.tpsl.RecoveryPrices(entrySide, avgPrice)
		r.tracker.Add(types.VirtualPosition{
			OrderID:    fmt.Sprintf("orphan_%s_%d", side, time.Now().UnixMilli()),
			Side:       entrySide,
			Amount:     cov.position.Amount,
			EntryPrice: avgPrice,
			Timestamp:  time.Now(),
			TakeProfit: tpPrice,
			StopLoss:   slPrice,
			TPOrderID:  adoptedOrderID,
			SLOrderID:  adoptedOrderID,
			Restored:   true,
		})
		r.logger.Info("orphan position adopted with existing coverage", "side", side, "amount", cov.position.Amount)
		return
	}

	// Under-covered: the coverage repair path places the missing legs and
	// registers the position only when both succeed.
	r.tpsl.repairSide(ctx, side, cov)
}

// CleanupOldUnfilledOrders cancels stale exit-side limit orders once the
// live order count reaches the cleanup threshold, freeing slots under
// the per-pair cap. Exit orders attached to tracked positions are never
// touched. Self-rate-limited to the check interval; called every cycle.
func (r *PositionRestorer) CleanupOldUnfilledOrders(ctx context.Context) {
	if time.Since(r.lastCleanup) < r.tpslCfg.CheckInterval {
		return
	}
	r.lastCleanup = time.Now()

	orders, err := r.api.FetchActiveOrders(ctx, r.pair, r.tpslCfg.APIOrderLimit)
	if err != nil {
		r.logger.Warn("order cleanup: fetch failed", "error", err)
		return
	}
	if len(orders) < r.tpslCfg.CleanupThresholdCount {
		return
	}

	positions, err := r.api.FetchMarginPositions(ctx, r.pair)
	if err != nil {
		r.logger.Warn("order cleanup: positions fetch failed", "error", err)
		return
	}
	exitSides := make(map[types.Action]bool)
	for _, p := range positions {
		if p.Amount > 0 {
			exitSides[p.Side.EntrySide().Opposite()] = true
		}
	}

	protected := r.tracker.ProtectedOrderIDs()
	cutoff := time.Now().Add(-r.tpslCfg.CleanupMaxAge)
	cancelled := 0

	for _, o := range orders {
		if o.Type != types.OrderTypeLimit || !exitSides[o.Side] {
			continue
		}
		if o.OrderedAt.IsZero() || o.OrderedAt.After(cutoff) {
			continue
		}
		if _, ok := protected[o.ID]; ok {
			continue
		}
		_, err := r.api.CancelOrder(ctx, o.ID, r.pair)
		if err != nil && !exchange.IsOrderNotFound(err) {
			r.logger.Warn("order cleanup: cancel failed", "order_id", o.ID, "error", err)
			continue
		}
		cancelled++
	}
	if cancelled > 0 {
		r.logger.Info("stale orders cleaned up", "cancelled", cancelled, "active", len(orders))
	}
}

// ForceCleanup runs the stale-order cleanup immediately, bypassing the
// rate limit. Used when the exchange reports the per-pair order cap.
func (r *PositionRestorer) ForceCleanup(ctx context.Context) {
	r.lastCleanup = time.Time{}
	r.CleanupOldUnfilledOrders(ctx)
}

// SweepOrphanSLs retries the cancellation of stop-loss orders recorded by
// failed rollbacks. Run once at startup. An already-gone order counts as
// swept; records that still fail to cancel are kept for the next run.
func (r *PositionRestorer) SweepOrphanSLs(ctx context.Context) error {
	records, err := r.store.LoadOrphanSLs()
	if err != nil {
		return fmt.Errorf("orphan sl sweep: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	var remaining []types.OrphanSLRecord
	for _, rec := range records {
		_, err := r.api.CancelOrder(ctx, rec.SLOrderID, r.pair)
		if err != nil && !exchange.IsOrderNotFound(err) {
			r.logger.Warn("orphan sl sweep: cancel failed, record kept",
				"order_id", rec.SLOrderID, "error", err)
			remaining = append(remaining, rec)
			continue
		}
		r.logger.Info("orphaned stop-loss swept", "order_id", rec.SLOrderID, "side", rec.PositionSide)
	}

	if err := r.store.SaveOrphanSLs(remaining); err != nil {
		return fmt.Errorf("orphan sl sweep: %w", err)
	}
	return nil
}
