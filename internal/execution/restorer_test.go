package execution

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"bitbank-bot/internal/exchange"
	"bitbank-bot/pkg/types"
)

func newRestorer(t *testing.T, mock *exchange.Mock) (*PositionRestorer, *Tracker) {
	t.Helper()
	tracker := NewTracker(testLogger())
	st := testStore(t)
	tpsl := NewTPSLManager(mock, posConfig(), tpslConfig(), "btc_jpy", tracker, st, testLogger())
	r := NewPositionRestorer(mock, tpslConfig(), "btc_jpy", tracker, tpsl, st, testLogger())
	return r, tracker
}

func TestRestoreAtStartupPairsExistingExits(t *testing.T) {
	t.Parallel()
	mock := exchange.NewMock(14000000)
	mock.Positions = []types.MarginPosition{
		{Side: types.PositionLong, Amount: 0.01, AveragePrice: 14000000},
	}
	mock.Orders = []types.ActiveOrder{
		{ID: "tp1", Side: types.ActionSell, Type: types.OrderTypeLimit, Amount: 0.01, Price: 14126000},
		{ID: "sl1", Side: types.ActionSell, Type: types.OrderTypeStop, Amount: 0.01, TriggerPrice: 13902000},
	}
	r, tracker := newRestorer(t, mock)

	if err := r.RestoreAtStartup(context.Background()); err != nil {
		t.Fatal(err)
	}
	positions := tracker.Positions()
	if len(positions) != 1 {
		t.Fatalf("restored positions = %d, want 1", len(positions))
	}
	vp := positions[0]
	if !vp.Restored {
		t.Error("startup positions must carry the restored flag")
	}
	if vp.TPOrderID != "tp1" || vp.SLOrderID != "sl1" {
		t.Errorf("exit ids = %q/%q, want tp1/sl1", vp.TPOrderID, vp.SLOrderID)
	}
	if vp.StopLoss != 13902000 {
		t.Errorf("sl price = %v, want the stop's trigger", vp.StopLoss)
	}
}

func TestRestoreIgnoresStopOutsideTriggerBand(t *testing.T) {
	t.Parallel()
	mock := exchange.NewMock(14000000)
	mock.Positions = []types.MarginPosition{
		{Side: types.PositionLong, Amount: 0.01, AveragePrice: 14000000},
	}
	// 13000000 is 7.1% below the average, far outside the 3% band.
	mock.Orders = []types.ActiveOrder{
		{ID: "far-sl", Side: types.ActionSell, Type: types.OrderTypeStop, Amount: 0.01, TriggerPrice: 13000000},
	}
	r, tracker := newRestorer(t, mock)

	if err := r.RestoreAtStartup(context.Background()); err != nil {
		t.Fatal(err)
	}
	vp := tracker.Positions()[0]
	if vp.SLOrderID != "" {
		t.Errorf("stop outside the band must not be claimed, got %q", vp.SLOrderID)
	}
}

func TestScanOrphanPositionsAdoptsCoveredPosition(t *testing.T) {
	t.Parallel()
	mock := exchange.NewMock(14000000)
	mock.Positions = []types.MarginPosition{
		{Side: types.PositionShort, Amount: 0.02, AveragePrice: 14000000},
	}
	mock.Orders = []types.ActiveOrder{
		{ID: "tp1", Side: types.ActionBuy, Type: types.OrderTypeLimit, Amount: 0.02, Price: 13874000},
		{ID: "sl1", Side: types.ActionBuy, Type: types.OrderTypeStop, Amount: 0.02, TriggerPrice: 14098000},
	}
	r, tracker := newRestorer(t, mock)

	r.ScanOrphanPositions(context.Background())

	positions := tracker.Positions()
	if len(positions) != 1 {
		t.Fatalf("adopted positions = %d, want 1", len(positions))
	}
	vp := positions[0]
	if vp.TPOrderID != "existing" || vp.SLOrderID != "existing" {
		t.Errorf("adopted ids = %q/%q, want existing/existing", vp.TPOrderID, vp.SLOrderID)
	}
	if vp.Side != types.ActionSell {
		t.Errorf("adopted side = %v, want sell for a short", vp.Side)
	}
	if len(mock.PlacedTPs()) != 0 || len(mock.PlacedSLs()) != 0 {
		t.Error("fully covered orphan must not trigger new placements")
	}
}

func TestScanOrphanPositionsRebuildsMissingExits(t *testing.T) {
	t.Parallel()
	mock := exchange.NewMock(14000000)
	mock.Positions = []types.MarginPosition{
		{Side: types.PositionLong, Amount: 0.01, AveragePrice: 14000000},
	}
	r, tracker := newRestorer(t, mock)

	r.ScanOrphanPositions(context.Background())

	if len(mock.PlacedTPs()) == 0 || len(mock.PlacedSLs()) == 0 {
		t.Fatal("uncovered orphan must get both exits placed")
	}
	positions := tracker.Positions()
	if len(positions) != 1 || !positions[0].Recovered {
		t.Errorf("rebuilt orphan should be tracked as recovered: %+v", positions)
	}
}

func TestScanOrphanSkipsIndeterminateAveragePrice(t *testing.T) {
	t.Parallel()
	mock := exchange.NewMock(14000000)
	mock.Positions = []types.MarginPosition{
		{Side: types.PositionLong, Amount: 0.01, AveragePrice: 0},
	}
	r, tracker := newRestorer(t, mock)

	r.ScanOrphanPositions(context.Background())

	if tracker.Count() != 0 {
		t.Error("a position with no average price must not be adopted")
	}
	if len(mock.PlacedTPs()) != 0 || len(mock.PlacedSLs()) != 0 {
		t.Error("no exits can be priced without an average price")
	}
}

func TestScanOrphanPositionsSelfLimits(t *testing.T) {
	t.Parallel()
	mock := exchange.NewMock(14000000)
	tracker := NewTracker(testLogger())
	st := testStore(t)
	cfg := tpslConfig()
	cfg.OrphanScanInterval = time.Hour
	tpsl := NewTPSLManager(mock, posConfig(), cfg, "btc_jpy", tracker, st, testLogger())
	r := NewPositionRestorer(mock, cfg, "btc_jpy", tracker, tpsl, st, testLogger())

	r.ScanOrphanPositions(context.Background()) // no positions, but arms the timer

	mock.Positions = []types.MarginPosition{
		{Side: types.PositionLong, Amount: 0.01, AveragePrice: 14000000},
	}
	r.ScanOrphanPositions(context.Background())
	if tracker.Count() != 0 {
		t.Error("second scan inside the interval must be a no-op")
	}
}

func TestCleanupOldUnfilledOrders(t *testing.T) {
	t.Parallel()
	mock := exchange.NewMock(14000000)
	// A short is open, so buy is the exit side.
	mock.Positions = []types.MarginPosition{
		{Side: types.PositionShort, Amount: 0.05, AveragePrice: 14000000},
	}
	old := time.Now().Add(-25 * time.Hour)
	for i := 0; i < 24; i++ {
		mock.Orders = append(mock.Orders, types.ActiveOrder{
			ID: fmt.Sprintf("old-%d", i), Side: types.ActionBuy,
			Type: types.OrderTypeLimit, Amount: 0.001, OrderedAt: old,
		})
	}
	mock.Orders = append(mock.Orders,
		types.ActiveOrder{ID: "fresh", Side: types.ActionBuy, Type: types.OrderTypeLimit, Amount: 0.001, OrderedAt: time.Now()},
		types.ActiveOrder{ID: "entry-side", Side: types.ActionSell, Type: types.OrderTypeLimit, Amount: 0.001, OrderedAt: old},
		types.ActiveOrder{ID: "protected-tp", Side: types.ActionBuy, Type: types.OrderTypeLimit, Amount: 0.001, OrderedAt: old},
	)
	r, tracker := newRestorer(t, mock)
	tracker.Add(types.VirtualPosition{OrderID: "e1", Side: types.ActionSell, TPOrderID: "protected-tp", SLOrderID: "s1"})

	r.CleanupOldUnfilledOrders(context.Background())

	cancelled := mock.Cancelled()
	if len(cancelled) != 24 {
		t.Fatalf("cancelled = %d, want the 24 stale exit-side orders", len(cancelled))
	}
	for _, id := range cancelled {
		if id == "fresh" || id == "protected-tp" || id == "entry-side" {
			t.Errorf("order %q must not be cancelled", id)
		}
	}
}

func TestCleanupBelowThresholdIsNoop(t *testing.T) {
	t.Parallel()
	mock := exchange.NewMock(14000000)
	mock.Orders = []types.ActiveOrder{
		{ID: "old-1", Side: types.ActionBuy, Type: types.OrderTypeLimit, Amount: 0.001, OrderedAt: time.Now().Add(-48 * time.Hour)},
	}
	r, _ := newRestorer(t, mock)

	r.CleanupOldUnfilledOrders(context.Background())
	if len(mock.Cancelled()) != 0 {
		t.Error("cleanup must not run below the order-count threshold")
	}
}

func TestSweepOrphanSLsClearsRecords(t *testing.T) {
	t.Parallel()
	mock := exchange.NewMock(14000000)
	mock.CancelFn = func(orderID string) (types.CancelStatus, error) {
		if orderID == "gone" {
			return "", &exchange.APIError{Code: exchange.CodeOrderNotFound}
		}
		return types.CancelledUnfilled, nil
	}
	tracker := NewTracker(testLogger())
	st := testStore(t)
	tpsl := NewTPSLManager(mock, posConfig(), tpslConfig(), "btc_jpy", tracker, st, testLogger())
	r := NewPositionRestorer(mock, tpslConfig(), "btc_jpy", tracker, tpsl, st, testLogger())

	for _, id := range []string{"sl-1", "gone"} {
		if err := st.AppendOrphanSL(types.OrphanSLRecord{SLOrderID: id, PositionSide: types.ActionBuy, Amount: 0.01, CreatedAt: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}

	if err := r.SweepOrphanSLs(context.Background()); err != nil {
		t.Fatal(err)
	}
	records, err := st.LoadOrphanSLs()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Errorf("records after sweep = %+v, want none", records)
	}
}

func TestSweepOrphanSLsKeepsFailedCancels(t *testing.T) {
	t.Parallel()
	mock := exchange.NewMock(14000000)
	mock.CancelFn = func(orderID string) (types.CancelStatus, error) {
		return "", errors.New("exchange down")
	}
	tracker := NewTracker(testLogger())
	st := testStore(t)
	tpsl := NewTPSLManager(mock, posConfig(), tpslConfig(), "btc_jpy", tracker, st, testLogger())
	r := NewPositionRestorer(mock, tpslConfig(), "btc_jpy", tracker, tpsl, st, testLogger())

	if err := st.AppendOrphanSL(types.OrphanSLRecord{SLOrderID: "sl-1", PositionSide: types.ActionBuy, Amount: 0.01, CreatedAt: time.Now()}); err != nil {
		t.Fatal(err)
	}

	if err := r.SweepOrphanSLs(context.Background()); err != nil {
		t.Fatal(err)
	}
	records, err := st.LoadOrphanSLs()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Errorf("failed cancel must keep the record, got %+v", records)
	}
}
