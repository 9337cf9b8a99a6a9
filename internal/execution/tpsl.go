package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bitbank-bot/internal/config"
	"bitbank-bot/internal/exchange"
	"bitbank-bot/internal/market"
	"bitbank-bot/internal/store"
	"bitbank-bot/pkg/types"
)

const (
	// placementRetries bounds the outer retry loop around a whole TP or SL
	// placement; backoff doubles from placementBackoff.
	placementRetries = 3
	placementBackoff = time.Second

	// rollbackCancelRetries bounds cancel attempts during rollback.
	rollbackCancelRetries = 3

	// marketClosePrefix marks a synthetic order id returned when an SL
	// trigger was already breached and the position was closed at market.
	marketClosePrefix = "market_close_"
)

// ErrTPSLDisabled is returned when a placement is skipped by configuration.
var ErrTPSLDisabled = errors.New("tp/sl placement disabled by config")

// ErrEntryClosedAtMarket reports that the stop trigger was already
// breached right after the fill and the position was closed at market;
// there is nothing left to protect or track.
var ErrEntryClosedAtMarket = errors.New("entry closed at market after stop trigger breach")

// TPSLManager owns exit-order lifecycle: placement with retries, live
// recalculation, the atomic entry protocol's exit half with rollback,
// deferred verification, and coverage repair for existing positions.
type TPSLManager struct {
	api     exchange.API
	posCfg  config.PositionConfig
	tpslCfg config.TPSLConfig
	pair    string
	tracker *Tracker
	store   *store.Store
	logger  *slog.Logger

	pending           []types.PendingTPSLVerification
	lastPeriodicCheck time.Time
}

// NewTPSLManager wires the lifecycle manager.
func NewTPSLManager(api exchange.API, posCfg config.PositionConfig, tpslCfg config.TPSLConfig, pair string, tracker *Tracker, st *store.Store, logger *slog.Logger) *TPSLManager {
	return &TPSLManager{
		api:     api,
		posCfg:  posCfg,
		tpslCfg: tpslCfg,
		pair:    pair,
		tracker: tracker,
		store:   st,
		logger:  logger.With("component", "tpsl"),
	}
}

// sleepCtx waits for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// ————————————————————————————————————————————————————————————————————————
// Individual placements
// ————————————————————————————————————————————————————————————————————————

// PlaceTakeProfit places the take-profit exit for an entry. With the maker
// strategy enabled it tries post-only up to max_retries under a hard
// timeout, then (optionally) falls back to a native limit order. Returns
// ErrTPSLDisabled when the TP feature is off.
func (m *TPSLManager) PlaceTakeProfit(ctx context.Context, entrySide types.Action, amount, tpPrice float64) (string, float64, error) {
	if !m.posCfg.TakeProfit.Enabled {
		return "", 0, ErrTPSLDisabled
	}
	if tpPrice <= 0 {
		return "", 0, fmt.Errorf("take-profit price must be positive, got %v", tpPrice)
	}
	amount = quantizeAmount(amount)

	maker := m.posCfg.TakeProfit.Maker
	if maker.Enabled {
		id, price, err := m.placeMakerTP(ctx, entrySide, amount, tpPrice, maker)
		if err == nil {
			return id, price, nil
		}
		if !maker.FallbackToNative {
			return "", 0, err
		}
		m.logger.Warn("maker take-profit failed, falling back to native", "error", err)
	}

	res, err := m.api.CreateTakeProfitOrder(ctx, exchange.TakeProfitRequest{
		EntrySide:       entrySide,
		Amount:          amount,
		TakeProfitPrice: tpPrice,
		Symbol:          m.pair,
	})
	if err != nil {
		return "", 0, fmt.Errorf("place take-profit: %w", err)
	}
	if res.ID == "" {
		return "", 0, errors.New("exchange returned empty take-profit order id")
	}
	return res.ID, tpPrice, nil
}

func (m *TPSLManager) placeMakerTP(ctx context.Context, entrySide types.Action, amount, tpPrice float64, maker config.MakerStrategy) (string, float64, error) {
	deadline := time.Now().Add(maker.Timeout)
	var lastErr error

	for attempt := 0; attempt < maker.MaxRetries; attempt++ {
		if time.Now().After(deadline) {
			break
		}
		res, err := m.api.CreateTakeProfitOrder(ctx, exchange.TakeProfitRequest{
			EntrySide:       entrySide,
			Amount:          amount,
			TakeProfitPrice: tpPrice,
			Symbol:          m.pair,
			PostOnly:        true,
		})
		if err == nil && res.ID != "" {
			return res.ID, tpPrice, nil
		}
		if err == nil {
			err = errors.New("exchange returned empty take-profit order id")
		}
		lastErr = err
		m.logger.Warn("maker take-profit attempt failed",
			"attempt", attempt+1,
			"max", maker.MaxRetries,
			"error", err,
		)
		if sleepErr := sleepCtx(ctx, maker.RetryInterval); sleepErr != nil {
			return "", 0, sleepErr
		}
	}
	if lastErr == nil {
		lastErr = errors.New("maker take-profit timed out before first attempt")
	}
	return "", 0, lastErr
}

// PlaceTakeProfitWithRetry wraps PlaceTakeProfit with exponential backoff
// (1s, 2s, 4s).
func (m *TPSLManager) PlaceTakeProfitWithRetry(ctx context.Context, entrySide types.Action, amount, tpPrice float64) (string, float64, error) {
	var lastErr error
	backoff := placementBackoff
	for attempt := 0; attempt < placementRetries; attempt++ {
		id, price, err := m.PlaceTakeProfit(ctx, entrySide, amount, tpPrice)
		if err == nil || errors.Is(err, ErrTPSLDisabled) {
			return id, price, err
		}
		lastErr = err
		m.logger.Warn("take-profit placement retry", "attempt", attempt+1, "error", err)
		if attempt < placementRetries-1 {
			if sleepErr := sleepCtx(ctx, backoff); sleepErr != nil {
				return "", 0, sleepErr
			}
			backoff *= 2
		}
	}
	return "", 0, fmt.Errorf("take-profit placement exhausted %d attempts: %w", placementRetries, lastErr)
}

// PlaceStopLoss validates and places the stop-loss exit. If the trigger is
// already breached, the position is closed at market instead and the
// returned id carries the market_close_ prefix. Returns ErrTPSLDisabled
// when the SL feature is off.
func (m *TPSLManager) PlaceStopLoss(ctx context.Context, entrySide types.Action, amount, entryPrice, slPrice float64) (string, error) {
	if !m.posCfg.StopLoss.Enabled {
		return "", ErrTPSLDisabled
	}
	if slPrice <= 0 {
		return "", fmt.Errorf("stop-loss price must be positive, got %v", slPrice)
	}
	// Direction check: a long's stop sits below entry, a short's above.
	if entrySide == types.ActionBuy && slPrice >= entryPrice {
		return "", fmt.Errorf("buy stop-loss %v must be below entry %v", slPrice, entryPrice)
	}
	if entrySide == types.ActionSell && slPrice <= entryPrice {
		return "", fmt.Errorf("sell stop-loss %v must be above entry %v", slPrice, entryPrice)
	}

	if entryPrice > 0 {
		distance := (entryPrice - slPrice) / entryPrice
		if entrySide == types.ActionSell {
			distance = (slPrice - entryPrice) / entryPrice
		}
		if distance < 0.001 {
			m.logger.Warn("stop-loss unusually tight", "distance", distance, "entry", entryPrice, "sl", slPrice)
		}
		if distance > 3*m.posCfg.StopLoss.MaxLossRatio {
			m.logger.Warn("stop-loss unusually wide", "distance", distance, "entry", entryPrice, "sl", slPrice)
		}
	}
	amount = quantizeAmount(amount)

	if closed, id, err := m.closeIfBreached(ctx, entrySide, amount, slPrice); closed || err != nil {
		return id, err
	}

	req := exchange.StopLossRequest{
		EntrySide:     entrySide,
		Amount:        amount,
		StopLossPrice: slPrice,
		Symbol:        m.pair,
		OrderType:     m.posCfg.StopLoss.OrderType,
	}
	if req.OrderType == types.OrderTypeStopLimit {
		// Slippage buffer keeps the limit leg marketable once triggered.
		buffer := m.posCfg.StopLoss.SlippageBuffer
		if entrySide == types.ActionBuy {
			req.LimitPrice = quantizePrice(slPrice * (1 - buffer))
		} else {
			req.LimitPrice = quantizePrice(slPrice * (1 + buffer))
		}
	}

	res, err := m.api.CreateStopLossOrder(ctx, req)
	if err != nil {
		return "", fmt.Errorf("place stop-loss: %w", err)
	}
	if res.ID == "" {
		return "", errors.New("exchange returned empty stop-loss order id")
	}
	return res.ID, nil
}

// closeIfBreached closes the position at market when the stop trigger has
// already been passed; placing the stop would be futile.
func (m *TPSLManager) closeIfBreached(ctx context.Context, entrySide types.Action, amount, slPrice float64) (bool, string, error) {
	ticker, err := m.api.FetchTicker(ctx, m.pair)
	if err != nil {
		// Can't tell; proceed with the normal placement.
		m.logger.Warn("ticker fetch failed during stop-loss placement", "error", err)
		return false, "", nil
	}

	breached := (entrySide == types.ActionBuy && ticker.Last <= slPrice) ||
		(entrySide == types.ActionSell && ticker.Last >= slPrice)
	if !breached {
		return false, "", nil
	}

	m.logger.Warn("stop trigger already breached, closing at market",
		"last", ticker.Last,
		"sl_price", slPrice,
		"side", entrySide,
	)
	res, err := m.api.CreateOrder(ctx, types.OrderRequest{
		Symbol:            m.pair,
		Side:              entrySide.Opposite(),
		Type:              types.OrderTypeMarket,
		Amount:            amount,
		IsClosingOrder:    true,
		EntryPositionSide: positionSideOf(entrySide),
	})
	if err != nil {
		m.logger.Error("CRITICAL: market close after stop breach failed, manual intervention required",
			"side", entrySide,
			"amount", amount,
			"error", err,
		)
		return true, "", nil
	}
	return true, marketClosePrefix + res.ID, nil
}

// PlaceStopLossWithRetry wraps PlaceStopLoss with exponential backoff.
func (m *TPSLManager) PlaceStopLossWithRetry(ctx context.Context, entrySide types.Action, amount, entryPrice, slPrice float64) (string, error) {
	var lastErr error
	backoff := placementBackoff
	for attempt := 0; attempt < placementRetries; attempt++ {
		id, err := m.PlaceStopLoss(ctx, entrySide, amount, entryPrice, slPrice)
		if err == nil || errors.Is(err, ErrTPSLDisabled) {
			return id, err
		}
		lastErr = err
		m.logger.Warn("stop-loss placement retry", "attempt", attempt+1, "error", err)
		if attempt < placementRetries-1 {
			if sleepErr := sleepCtx(ctx, backoff); sleepErr != nil {
				return "", sleepErr
			}
			backoff *= 2
		}
	}
	return "", fmt.Errorf("stop-loss placement exhausted %d attempts: %w", placementRetries, lastErr)
}

// ————————————————————————————————————————————————————————————————————————
// Recalculation
// ————————————————————————————————————————————————————————————————————————

// RecalcTPSL recomputes TP/SL from the actual fill price. ATR resolves
// through a fallback chain: the evaluation's published value, the candle
// windows' ATR tail, then the configured constant. The regime picks the
// ratio pair; the TP distance is the larger of ATR and the minimum-profit
// ratio, the SL distance is ATR-scaled but bounded by the loss ratios.
func (m *TPSLManager) RecalcTPSL(eval *types.TradeEvaluation, entryPrice float64, windows market.Windows) (tp, sl float64, err error) {
	if entryPrice <= 0 {
		return 0, 0, fmt.Errorf("entry price must be positive, got %v", entryPrice)
	}

	atr := eval.MarketConditions.ATRCurrent
	if atr <= 0 {
		atr, _ = windows.ATRTail("15min", "4hour")
	}
	if atr <= 0 {
		atr = m.tpslCfg.FallbackATR
	}
	if atr <= 0 {
		return 0, 0, errors.New("no usable atr for tp/sl recalculation")
	}

	ratios := m.posCfg.Ratios(eval.MarketConditions.Regime)

	tpDist := atr
	if minDist := entryPrice * ratios.MinProfitRatio; tpDist < minDist {
		tpDist = minDist
	}

	slDist := atr * m.posCfg.StopLoss.DefaultATRMultiplier
	if maxDist := entryPrice * ratios.MaxLossRatio; slDist > maxDist {
		slDist = maxDist
	}
	if minDist := entryPrice * m.posCfg.StopLoss.MinDistanceRatio; slDist < minDist {
		slDist = minDist
	}

	if eval.Side == types.ActionSell {
		return quantizePrice(entryPrice - tpDist), quantizePrice(entryPrice + slDist), nil
	}
	return quantizePrice(entryPrice + tpDist), quantizePrice(entryPrice - slDist), nil
}

// ————————————————————————————————————————————————————————————————————————
// Pre-entry cleanup
// ————————————————————————————————————————————————————————————————————————

// PreEntryCleanup cancels stale exit orders on the side a new entry will
// need, so the new TP/SL have order slots. Failures never block the entry.
func (m *TPSLManager) PreEntryCleanup(ctx context.Context, entrySide types.Action) {
	orders, err := m.api.FetchActiveOrders(ctx, m.pair, m.tpslCfg.APIOrderLimit)
	if err != nil {
		m.logger.Warn("pre-entry cleanup: active orders fetch failed", "error", err)
		return
	}

	exitSide := entrySide.Opposite()
	protected := m.tracker.ProtectedOrderIDs()
	cancelled := 0

	for _, o := range orders {
		if o.Side != exitSide {
			continue
		}
		if o.Type != types.OrderTypeLimit && !o.Type.IsStop() {
			continue
		}
		if _, ok := protected[o.ID]; ok {
			continue
		}
		if _, err := m.api.CancelOrder(ctx, o.ID, m.pair); err != nil {
			m.logger.Warn("pre-entry cleanup: cancel failed", "order_id", o.ID, "error", err)
			continue
		}
		cancelled++
	}
	if cancelled > 0 {
		m.logger.Info("pre-entry cleanup done", "cancelled", cancelled, "exit_side", exitSide)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Atomic entry: exit attachment and rollback
// ————————————————————————————————————————————————————————————————————————

// AttachExits completes the atomic entry protocol after the entry order
// is in: recalculate TP/SL from the fill, place SL then TP with retries,
// and on any failure roll everything back. On success the VirtualPosition
// is registered and a deferred verification scheduled.
func (m *TPSLManager) AttachExits(ctx context.Context, entryOrderID string, side types.Action, amount, entryPrice float64, eval *types.TradeEvaluation, windows market.Windows) (types.VirtualPosition, error) {
	tp, sl := eval.TakeProfit, eval.StopLoss
	rtp, rsl, err := m.RecalcTPSL(eval, entryPrice, windows)
	if err != nil {
		if m.tpslCfg.RequireRecalculation {
			m.rollback(ctx, entryOrderID, side, amount, "", "")
			return types.VirtualPosition{}, fmt.Errorf("tp/sl recalculation: %w", err)
		}
		m.logger.Warn("tp/sl recalculation failed, keeping evaluation values", "error", err)
	} else {
		tp, sl = rtp, rsl
	}

	slOrderID, err := m.PlaceStopLossWithRetry(ctx, side, amount, entryPrice, sl)
	if err != nil && !errors.Is(err, ErrTPSLDisabled) {
		m.rollback(ctx, entryOrderID, side, amount, "", "")
		return types.VirtualPosition{}, fmt.Errorf("stop-loss leg: %w", err)
	}
	if strings.HasPrefix(slOrderID, marketClosePrefix) {
		// The fill was immediately under water and has been closed; a TP
		// for a nonexistent position would just squat on an order slot.
		m.logger.Warn("entry closed at market right after fill",
			"entry_order_id", entryOrderID,
			"close_order_id", slOrderID,
		)
		return types.VirtualPosition{}, ErrEntryClosedAtMarket
	}

	tpOrderID, _, err := m.PlaceTakeProfitWithRetry(ctx, side, amount, tp)
	if err != nil && !errors.Is(err, ErrTPSLDisabled) {
		m.rollback(ctx, entryOrderID, side, amount, "", slOrderID)
		return types.VirtualPosition{}, fmt.Errorf("take-profit leg: %w", err)
	}

	vp := types.VirtualPosition{
		OrderID:    entryOrderID,
		Side:       side,
		Amount:     amount,
		EntryPrice: entryPrice,
		Timestamp:  time.Now(),
		TakeProfit: tp,
		StopLoss:   sl,
		TPOrderID:  tpOrderID,
		SLOrderID:  slOrderID,
	}
	if slOrderID != "" && !strings.HasPrefix(slOrderID, marketClosePrefix) {
		vp.SLPlacedAt = time.Now()
	}
	m.tracker.Add(vp)
	m.ScheduleVerification(vp)
	return vp, nil
}

// rollback unwinds a failed atomic entry: cancel the TP, the SL, then the
// entry itself, each with a bounded retry budget. An entry that cannot be
// cancelled is escalated with a CRITICAL log and an orphan record so the
// next startup sweeps whatever is left.
func (m *TPSLManager) rollback(ctx context.Context, entryOrderID string, side types.Action, amount float64, tpOrderID, slOrderID string) {
	m.logger.Warn("rolling back atomic entry",
		"entry_order_id", entryOrderID,
		"tp_order_id", tpOrderID,
		"sl_order_id", slOrderID,
	)

	if tpOrderID != "" {
		if !m.cancelWithRetries(ctx, tpOrderID) {
			m.logger.Error("CRITICAL: rollback could not cancel take-profit", "order_id", tpOrderID)
		}
	}
	if slOrderID != "" && !strings.HasPrefix(slOrderID, marketClosePrefix) {
		if !m.cancelWithRetries(ctx, slOrderID) {
			m.logger.Error("CRITICAL: rollback could not cancel stop-loss", "order_id", slOrderID)
			m.recordOrphan(slOrderID, side, amount)
		}
	}
	if entryOrderID != "" && !m.cancelWithRetries(ctx, entryOrderID) {
		m.logger.Error("CRITICAL: rollback could not cancel entry, manual intervention required",
			"order_id", entryOrderID,
			"side", side,
			"amount", amount,
		)
		m.recordOrphan(entryOrderID, side, amount)
	}
}

func (m *TPSLManager) recordOrphan(orderID string, side types.Action, amount float64) {
	if err := m.store.AppendOrphanSL(types.OrphanSLRecord{
		SLOrderID:    orderID,
		PositionSide: side,
		Amount:       amount,
		CreatedAt:    time.Now(),
	}); err != nil {
		m.logger.Error("orphan record write failed", "order_id", orderID, "error", err)
	}
}

// cancelWithRetries attempts a cancel up to the rollback budget.
// OrderNotFound counts as success: the order is gone either way.
func (m *TPSLManager) cancelWithRetries(ctx context.Context, orderID string) bool {
	backoff := placementBackoff
	for attempt := 0; attempt < rollbackCancelRetries; attempt++ {
		_, err := m.api.CancelOrder(ctx, orderID, m.pair)
		if err == nil || exchange.IsOrderNotFound(err) {
			return true
		}
		m.logger.Warn("rollback cancel retry", "order_id", orderID, "attempt", attempt+1, "error", err)
		if attempt < rollbackCancelRetries-1 {
			if sleepCtx(ctx, backoff) != nil {
				return false
			}
			backoff *= 2
		}
	}
	return false
}

// ————————————————————————————————————————————————————————————————————————
// Deferred verification
// ————————————————————————————————————————————————————————————————————————

// ScheduleVerification queues a coverage verification for after the
// configured delay.
func (m *TPSLManager) ScheduleVerification(vp types.VirtualPosition) {
	now := time.Now()
	m.pending = append(m.pending, types.PendingTPSLVerification{
		ScheduledAt:       now,
		VerifyAfter:       now.Add(m.tpslCfg.VerificationDelay),
		EntryOrderID:      vp.OrderID,
		Side:              vp.Side,
		Amount:            vp.Amount,
		EntryPrice:        vp.EntryPrice,
		ExpectedTPOrderID: vp.TPOrderID,
		ExpectedSLOrderID: vp.SLOrderID,
		Symbol:            m.pair,
	})
}

// PendingVerifications returns a copy of the queue, in enqueue order.
func (m *TPSLManager) PendingVerifications() []types.PendingTPSLVerification {
	out := make([]types.PendingTPSLVerification, len(m.pending))
	copy(out, m.pending)
	return out
}

// ProcessPendingVerifications drains due items in enqueue order; items
// not yet due keep their relative order. A due item whose position is
// already closed is simply discarded; otherwise coverage repair runs.
func (m *TPSLManager) ProcessPendingVerifications(ctx context.Context) {
	if len(m.pending) == 0 {
		return
	}
	now := time.Now()

	remaining := m.pending[:0]
	coverageNeeded := false
	for _, item := range m.pending {
		if item.VerifyAfter.After(now) {
			remaining = append(remaining, item)
			continue
		}

		open, err := m.positionOpen(ctx, item.Side)
		if err != nil {
			// Can't verify now; keep the item for the next cycle.
			m.logger.Warn("verification deferred, position fetch failed",
				"entry_order_id", item.EntryOrderID, "error", err)
			remaining = append(remaining, item)
			continue
		}
		if !open {
			m.logger.Info("verification discarded, position already closed",
				"entry_order_id", item.EntryOrderID,
				"expected_tp", item.ExpectedTPOrderID,
				"expected_sl", item.ExpectedSLOrderID,
			)
			continue
		}
		coverageNeeded = true
	}
	m.pending = remaining

	if coverageNeeded {
		if err := m.EnsureCoverage(ctx); err != nil {
			m.logger.Warn("verification coverage pass failed", "error", err)
		}
	}
}

func (m *TPSLManager) positionOpen(ctx context.Context, entrySide types.Action) (bool, error) {
	positions, err := m.api.FetchMarginPositions(ctx, m.pair)
	if err != nil {
		return false, err
	}
	want := positionSideOf(entrySide)
	for _, p := range positions {
		if p.Side == want && p.Amount > 0 {
			return true, nil
		}
	}
	return false, nil
}

// ————————————————————————————————————————————————————————————————————————
// Closed-position reconciliation
// ————————————————————————————————————————————————————————————————————————

// ReconcileClosed retires virtual positions whose exchange position is
// gone: an exit filled or the position was closed outside the bot. A
// stale mirror entry must never linger, or it would suppress coverage
// repair for the next real position on that side. Each retired position
// yields a trade result with PnL estimated at the given last traded
// price; leftover sibling exit orders are cancelled best-effort.
func (m *TPSLManager) ReconcileClosed(ctx context.Context, lastPrice float64) ([]types.TradeResult, error) {
	if m.tracker.Count() == 0 {
		return nil, nil
	}
	positions, err := m.api.FetchMarginPositions(ctx, m.pair)
	if err != nil {
		return nil, fmt.Errorf("reconcile closed: %w", err)
	}
	open := make(map[types.Action]bool)
	for _, p := range positions {
		if p.Amount > 0 {
			open[p.Side.EntrySide()] = true
		}
	}

	var results []types.TradeResult
	for _, side := range []types.Action{types.ActionBuy, types.ActionSell} {
		if open[side] || len(m.tracker.BySide(side)) == 0 {
			continue
		}
		for _, vp := range m.tracker.DropSide(side) {
			pnl := 0.0
			if lastPrice > 0 && vp.EntryPrice > 0 {
				pnl = (lastPrice - vp.EntryPrice) * vp.Amount
				if side == types.ActionSell {
					pnl = -pnl
				}
			}
			m.logger.Info("position closed on exchange, virtual position retired",
				"order_id", vp.OrderID,
				"side", side,
				"entry_price", vp.EntryPrice,
				"pnl_estimate", pnl,
			)
			m.cancelLeftoverExits(ctx, vp)
			results = append(results, types.TradeResult{
				PnL:       pnl,
				Strategy:  "tp_sl_exit",
				Timestamp: time.Now(),
			})
		}
	}
	return results, nil
}

// cancelLeftoverExits removes whichever exit leg did not fill. The
// filled leg comes back OrderNotFound, which is fine.
func (m *TPSLManager) cancelLeftoverExits(ctx context.Context, vp types.VirtualPosition) {
	for _, id := range []string{vp.TPOrderID, vp.SLOrderID} {
		if id == "" || id == adoptedOrderID || strings.HasPrefix(id, marketClosePrefix) {
			continue
		}
		if _, err := m.api.CancelOrder(ctx, id, m.pair); err != nil && !exchange.IsOrderNotFound(err) {
			m.logger.Warn("leftover exit cancel failed", "order_id", id, "error", err)
		}
	}
}

// ————————————————————————————————————————————————————————————————————————
// Coverage
// ————————————————————————————————————————————————————————————————————————

// PeriodicCheck runs the coverage-ensure routine, self-rate-limited to
// the configured interval. Called every cycle.
func (m *TPSLManager) PeriodicCheck(ctx context.Context) {
	if time.Since(m.lastPeriodicCheck) < m.tpslCfg.CheckInterval {
		return
	}
	m.lastPeriodicCheck = time.Now()
	if err := m.EnsureCoverage(ctx); err != nil {
		m.logger.Warn("periodic tp/sl check failed", "error", err)
	}
}

// sideCoverage is the measured exit-order coverage for one position side.
type sideCoverage struct {
	position types.MarginPosition
	tpAmount float64 // live exit-side limit order amounts
	slAmount float64 // live exit-side stop order amounts
}

func (c sideCoverage) tpCovered(threshold float64) bool {
	return c.tpAmount >= c.position.Amount*threshold
}

func (c sideCoverage) slCovered(threshold float64) bool {
	return c.slAmount >= c.position.Amount*threshold
}

// measureCoverage sums live exit orders against each open position side.
func measureCoverage(positions []types.MarginPosition, orders []types.ActiveOrder) map[types.PositionSide]*sideCoverage {
	out := make(map[types.PositionSide]*sideCoverage)
	for _, p := range positions {
		if p.Amount <= 0 {
			continue
		}
		out[p.Side] = &sideCoverage{position: p}
	}
	for side, cov := range out {
		exitSide := side.EntrySide().Opposite()
		for _, o := range orders {
			if o.Side != exitSide {
				continue
			}
			switch {
			case o.Type == types.OrderTypeLimit:
				cov.tpAmount += o.Amount
			case o.Type.IsStop():
				cov.slAmount += o.Amount
			}
		}
	}
	return out
}

// EnsureCoverage verifies every open position side has at least the
// coverage threshold of TP and SL amounts resting on the book, and
// rebuilds missing exits at recovery prices. A new VirtualPosition is
// registered only when BOTH legs end up satisfied; partial repairs are
// left for the next pass. Repeated runs are idempotent: decisions key
// off measured coverage, not order ids.
func (m *TPSLManager) EnsureCoverage(ctx context.Context) error {
	positions, err := m.api.FetchMarginPositions(ctx, m.pair)
	if err != nil {
		return fmt.Errorf("ensure coverage: %w", err)
	}
	if len(positions) == 0 {
		return nil
	}
	orders, err := m.api.FetchActiveOrders(ctx, m.pair, m.tpslCfg.APIOrderLimit)
	if err != nil {
		return fmt.Errorf("ensure coverage: %w", err)
	}

	threshold := m.tpslCfg.CoverageThreshold
	for side, cov := range measureCoverage(positions, orders) {
		if cov.tpCovered(threshold) && cov.slCovered(threshold) {
			continue
		}
		m.repairSide(ctx, side, cov)
	}
	return nil
}

func (m *TPSLManager) repairSide(ctx context.Context, side types.PositionSide, cov *sideCoverage) {
	entrySide := side.EntrySide()
	threshold := m.tpslCfg.CoverageThreshold

	if m.tracker.HasRestoredFullyHedged(entrySide) {
		m.logger.Info("coverage repair skipped, restored position already hedged", "side", side)
		return
	}
	m.tracker.DropPartiallyHedged(entrySide)

	avgPrice := cov.position.AveragePrice
	if avgPrice <= 0 {
		m.logger.Error("CRITICAL: cannot repair coverage without an average price", "side", side)
		return
	}
	tpPrice, slPrice := m.RecoveryPrices(entrySide, avgPrice)
	missing := quantizeAmount(cov.position.Amount)

	tpOrderID, slOrderID := "", ""
	tpOK, slOK := cov.tpCovered(threshold), cov.slCovered(threshold)

	if !tpOK {
		id, _, err := m.PlaceTakeProfit(ctx, entrySide, missing, tpPrice)
		if err != nil && !errors.Is(err, ErrTPSLDisabled) {
			m.logger.Warn("coverage repair: take-profit failed", "side", side, "error", err)
		} else {
			tpOrderID, tpOK = id, true
		}
	}
	if !slOK {
		id, err := m.PlaceStopLoss(ctx, entrySide, missing, avgPrice, slPrice)
		if err != nil && !errors.Is(err, ErrTPSLDisabled) {
			m.logger.Warn("coverage repair: stop-loss failed", "side", side, "error", err)
		} else if id == "" && err == nil {
			// Breached and the market close failed; leave for the next pass.
		} else {
			slOrderID, slOK = id, true
		}
	}

	if strings.HasPrefix(slOrderID, marketClosePrefix) {
		// Position was closed at market; nothing to track.
		m.logger.Info("coverage repair closed a breached position", "side", side, "order_id", slOrderID)
		return
	}
	if !tpOK || !slOK {
		m.logger.Error("CRITICAL: coverage repair incomplete, will retry next pass",
			"side", side,
			"tp_ok", tpOK,
			"sl_ok", slOK,
		)
		return
	}

	vp := types.VirtualPosition{
		OrderID:    fmt.Sprintf("recovered_%s_%d", side, time.Now().UnixMilli()),
		Side:       entrySide,
		Amount:     cov.position.Amount,
		EntryPrice: avgPrice,
		Timestamp:  time.Now(),
		TakeProfit: tpPrice,
		StopLoss:   slPrice,
		TPOrderID:  tpOrderID,
		SLOrderID:  slOrderID,
		Recovered:  true,
	}
	if slOrderID != "" {
		vp.SLPlacedAt = time.Now()
	}
	m.tracker.Add(vp)
}

// RecoveryPrices computes TP/SL around an average entry at the
// normal_range ratio defaults.
func (m *TPSLManager) RecoveryPrices(entrySide types.Action, avgPrice float64) (tp, sl float64) {
	ratios := m.posCfg.Ratios("normal_range")
	if entrySide == types.ActionSell {
		return quantizePrice(avgPrice * (1 - ratios.MinProfitRatio)),
			quantizePrice(avgPrice * (1 + ratios.MaxLossRatio))
	}
	return quantizePrice(avgPrice * (1 + ratios.MinProfitRatio)),
		quantizePrice(avgPrice * (1 - ratios.MaxLossRatio))
}

// positionSideOf maps an entry action to the margin position side.
func positionSideOf(entrySide types.Action) types.PositionSide {
	if entrySide == types.ActionSell {
		return types.PositionShort
	}
	return types.PositionLong
}
