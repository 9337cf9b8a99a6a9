package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"bitbank-bot/internal/config"
	"bitbank-bot/pkg/types"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(config.StoreConfig{
		StateDir: filepath.Join(dir, "data"),
		LogDir:   filepath.Join(dir, "logs"),
	})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestDrawdownStateRoundTrip(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	_, found, err := s.LoadDrawdownState()
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatal("fresh store should have no drawdown state")
	}

	want := types.DrawdownState{
		CurrentBalance:    95000,
		PeakBalance:       100000,
		ConsecutiveLosses: 2,
		TradingStatus:     types.StatusActive,
		CurrentSession:    "2026-08-24",
	}
	if err := s.SaveDrawdownState(want); err != nil {
		t.Fatal(err)
	}

	got, found, err := s.LoadDrawdownState()
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatal("state should exist after save")
	}
	if got != want {
		t.Errorf("loaded %+v, want %+v", got, want)
	}
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	if err := s.SaveDrawdownState(types.DrawdownState{TradingStatus: types.StatusActive}); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(s.stateDir)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".tmp" {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestOrphanSLAppendAndClear(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	records, err := s.LoadOrphanSLs()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Fatalf("fresh store should have no orphans, got %d", len(records))
	}

	first := types.OrphanSLRecord{
		SLOrderID:    "111",
		PositionSide: types.ActionBuy,
		Amount:       0.0002,
		CreatedAt:    time.Now().UTC().Truncate(time.Second),
	}
	if err := s.AppendOrphanSL(first); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendOrphanSL(types.OrphanSLRecord{SLOrderID: "222"}); err != nil {
		t.Fatal(err)
	}

	records, err = s.LoadOrphanSLs()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 || records[0].SLOrderID != "111" || records[1].SLOrderID != "222" {
		t.Fatalf("unexpected records: %+v", records)
	}

	// Clearing deletes the file outright.
	if err := s.SaveOrphanSLs(nil); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(s.logDir, orphanSLFile)); !os.IsNotExist(err) {
		t.Error("orphan log file should be deleted when empty")
	}

	records, err = s.LoadOrphanSLs()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Errorf("cleared log should load empty, got %d", len(records))
	}
}
