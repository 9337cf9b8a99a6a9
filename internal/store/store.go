// Package store provides crash-safe JSON persistence for the durable
// artifacts: the drawdown FSM blob and the orphan stop-loss log.
//
// Writes use atomic file replacement (write to .tmp, then rename) so a
// crash mid-save never leaves a partial file. Only the orchestrator's
// single task writes these files, but operations are mutex-protected so
// the store stays safe if that discipline ever loosens.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"bitbank-bot/internal/config"
	"bitbank-bot/pkg/types"
)

const (
	drawdownFile = "drawdown_state.json"
	orphanSLFile = "orphan_sl_orders.json"
)

// Store persists state to JSON files under the configured directories.
type Store struct {
	stateDir string // drawdown_state.json
	logDir   string // orphan_sl_orders.json
	mu       sync.Mutex
}

// Open creates a store, creating both directories if needed.
func Open(cfg config.StoreConfig) (*Store, error) {
	for _, dir := range []string{cfg.StateDir, cfg.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir %s: %w", dir, err)
		}
	}
	return &Store{stateDir: cfg.StateDir, logDir: cfg.LogDir}, nil
}

// writeAtomic marshals v and replaces path in one rename.
func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return os.Rename(tmp, path)
}

// SaveDrawdownState persists the drawdown FSM blob.
func (s *Store) SaveDrawdownState(state types.DrawdownState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeAtomic(filepath.Join(s.stateDir, drawdownFile), state)
}

// LoadDrawdownState restores the drawdown FSM blob. The second return is
// false when no state file exists (fresh start).
func (s *Store) LoadDrawdownState() (types.DrawdownState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.stateDir, drawdownFile))
	if err != nil {
		if os.IsNotExist(err) {
			return types.DrawdownState{}, false, nil
		}
		return types.DrawdownState{}, false, fmt.Errorf("read drawdown state: %w", err)
	}

	var state types.DrawdownState
	if err := json.Unmarshal(data, &state); err != nil {
		return types.DrawdownState{}, false, fmt.Errorf("unmarshal drawdown state: %w", err)
	}
	return state, true, nil
}

// SaveOrphanSLs persists the orphan stop-loss log. An empty list removes
// the file, marking the startup sweep complete.
func (s *Store) SaveOrphanSLs(records []types.OrphanSLRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveOrphanSLsLocked(records)
}

// AppendOrphanSL records one failed stop-loss cancellation.
func (s *Store) AppendOrphanSL(record types.OrphanSLRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.loadOrphanSLsLocked()
	if err != nil {
		return err
	}
	return s.saveOrphanSLsLocked(append(records, record))
}

// LoadOrphanSLs reads the orphan stop-loss log; a missing file is an
// empty list.
func (s *Store) LoadOrphanSLs() ([]types.OrphanSLRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadOrphanSLsLocked()
}

func (s *Store) saveOrphanSLsLocked(records []types.OrphanSLRecord) error {
	path := filepath.Join(s.logDir, orphanSLFile)
	if len(records) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove orphan log: %w", err)
		}
		return nil
	}
	return writeAtomic(path, records)
}

func (s *Store) loadOrphanSLsLocked() ([]types.OrphanSLRecord, error) {
	data, err := os.ReadFile(filepath.Join(s.logDir, orphanSLFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read orphan log: %w", err)
	}

	var records []types.OrphanSLRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshal orphan log: %w", err)
	}
	return records, nil
}
