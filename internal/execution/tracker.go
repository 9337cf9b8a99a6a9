package execution

import (
	"log/slog"

	"bitbank-bot/pkg/types"
)

// Tracker owns the VirtualPosition list, the in-memory mirror of exchange
// positions plus their attached exit order ids. The orchestrator's
// single-task discipline means at most one caller mutates it at a time.
type Tracker struct {
	positions []types.VirtualPosition
	logger    *slog.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	return &Tracker{logger: logger.With("component", "position_tracker")}
}

// Add appends a position to the mirror.
func (t *Tracker) Add(p types.VirtualPosition) {
	t.positions = append(t.positions, p)
	t.logger.Info("virtual position added",
		"order_id", p.OrderID,
		"side", p.Side,
		"amount", p.Amount,
		"entry_price", p.EntryPrice,
		"tp_order_id", p.TPOrderID,
		"sl_order_id", p.SLOrderID,
		"restored", p.Restored,
		"recovered", p.Recovered,
	)
}

// Remove drops the position with the given entry order id.
func (t *Tracker) Remove(orderID string) bool {
	for i, p := range t.positions {
		if p.OrderID == orderID {
			t.positions = append(t.positions[:i], t.positions[i+1:]...)
			t.logger.Info("virtual position removed", "order_id", orderID)
			return true
		}
	}
	return false
}

// Positions returns a copy of the mirror.
func (t *Tracker) Positions() []types.VirtualPosition {
	out := make([]types.VirtualPosition, len(t.positions))
	copy(out, t.positions)
	return out
}

// Count returns the number of tracked positions.
func (t *Tracker) Count() int { return len(t.positions) }

// BySide returns the positions entered with the given side.
func (t *Tracker) BySide(side types.Action) []types.VirtualPosition {
	var out []types.VirtualPosition
	for _, p := range t.positions {
		if p.Side == side {
			out = append(out, p)
		}
	}
	return out
}

// DropSide removes and returns every position entered with the side.
func (t *Tracker) DropSide(side types.Action) []types.VirtualPosition {
	var dropped []types.VirtualPosition
	kept := t.positions[:0]
	for _, p := range t.positions {
		if p.Side == side {
			dropped = append(dropped, p)
			continue
		}
		kept = append(kept, p)
	}
	t.positions = kept
	return dropped
}

// HasRestoredFullyHedged reports whether a restored position with both
// exits attached exists for the side. Coverage repair skips such sides.
func (t *Tracker) HasRestoredFullyHedged(side types.Action) bool {
	for _, p := range t.positions {
		if p.Side == side && p.Restored && p.FullyHedged() {
			return true
		}
	}
	return false
}

// DropPartiallyHedged removes the side's positions that have only one
// exit attached; coverage repair rebuilds them from scratch.
func (t *Tracker) DropPartiallyHedged(side types.Action) int {
	kept := t.positions[:0]
	dropped := 0
	for _, p := range t.positions {
		if p.Side == side && !p.FullyHedged() && (p.TPOrderID != "" || p.SLOrderID != "") {
			dropped++
			t.logger.Info("partially hedged position dropped for rebuild",
				"order_id", p.OrderID, "side", side)
			continue
		}
		kept = append(kept, p)
	}
	t.positions = kept
	return dropped
}

// ProtectedOrderIDs is the set of order ids cleanup must never cancel:
// every attached TP/SL id plus the entry ids of restored positions.
func (t *Tracker) ProtectedOrderIDs() map[string]struct{} {
	protected := make(map[string]struct{})
	for _, p := range t.positions {
		if p.TPOrderID != "" {
			protected[p.TPOrderID] = struct{}{}
		}
		if p.SLOrderID != "" {
			protected[p.SLOrderID] = struct{}{}
		}
		if p.Restored && p.OrderID != "" {
			protected[p.OrderID] = struct{}{}
		}
	}
	return protected
}

// Exposure sums tracked amounts per entry side.
func (t *Tracker) Exposure() (buyAmount, sellAmount float64) {
	for _, p := range t.positions {
		switch p.Side {
		case types.ActionBuy:
			buyAmount += p.Amount
		case types.ActionSell:
			sellAmount += p.Amount
		}
	}
	return buyAmount, sellAmount
}
