// Package storage - sync cursors, watch ring, balance totals, provider cache.
package storage

import (
	"database/sql"
	"time"
)

// BranchSyncState is the persisted scan cursor of one account branch.
type BranchSyncState struct {
	Branch    uint32 `json:"branch"`
	NextIndex uint32 `json:"next_index"`
	GapCount  uint32 `json:"gap_count"`
	UpdatedAt int64  `json:"updated_at"`
}

// GetSyncState returns the cursor for a branch, zeroed if never saved.
func (s *Storage) GetSyncState(branch uint32) (*BranchSyncState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &BranchSyncState{Branch: branch}
	err := s.db.QueryRow(`
		SELECT next_index, gap_count, updated_at FROM sync_state WHERE branch = ?
	`, branch).Scan(&st.NextIndex, &st.GapCount, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// SaveSyncState persists a branch cursor.
func (s *Storage) SaveSyncState(st *BranchSyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO sync_state (branch, next_index, gap_count, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(branch) DO UPDATE SET
			next_index = excluded.next_index,
			gap_count = excluded.gap_count,
			updated_at = excluded.updated_at
	`, st.Branch, st.NextIndex, st.GapCount, time.Now().Unix())
	return err
}

// ResetSyncState drops all branch cursors.
func (s *Storage) ResetSyncState() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM sync_state`)
	return err
}

// =============================================================================
// Watched script-hash ring
// =============================================================================

// WatchedScript is one entry in the bounded subscription ring.
type WatchedScript struct {
	Seq        int64  `json:"seq"`
	Branch     uint32 `json:"branch"`
	ScriptHash string `json:"script_hash"`
	Status     string `json:"status"`
}

// SaveWatchedScript appends a script-hash to the ring (or refreshes its
// status if already present).
func (s *Storage) SaveWatchedScript(branch uint32, scriptHash, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO watched_scripts (branch, script_hash, status)
		VALUES (?, ?, ?)
		ON CONFLICT(script_hash) DO UPDATE SET status = excluded.status
	`, branch, scriptHash, status)
	return err
}

// ListWatchedScripts returns the ring in insertion order.
func (s *Storage) ListWatchedScripts() ([]*WatchedScript, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT seq, branch, script_hash, COALESCE(status, '') FROM watched_scripts ORDER BY seq
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*WatchedScript
	for rows.Next() {
		var w WatchedScript
		if err := rows.Scan(&w.Seq, &w.Branch, &w.ScriptHash, &w.Status); err != nil {
			return nil, err
		}
		list = append(list, &w)
	}
	return list, rows.Err()
}

// DeleteWatchedScript removes one entry.
func (s *Storage) DeleteWatchedScript(scriptHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM watched_scripts WHERE script_hash = ?`, scriptHash)
	return err
}

// =============================================================================
// Balance totals
// =============================================================================

// GetBalanceTotals returns the persisted per-state aggregates.
func (s *Storage) GetBalanceTotals() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT state, amount FROM balance_totals`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[string]int64)
	for rows.Next() {
		var state string
		var amount int64
		if err := rows.Scan(&state, &amount); err != nil {
			return nil, err
		}
		totals[state] = amount
	}
	return totals, rows.Err()
}

// SaveBalanceTotal persists one per-state aggregate.
func (s *Storage) SaveBalanceTotal(state string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO balance_totals (state, amount) VALUES (?, ?)
		ON CONFLICT(state) DO UPDATE SET amount = excluded.amount
	`, state, amount)
	return err
}

// ClearBalanceTotals zeroes the aggregates (restart sync).
func (s *Storage) ClearBalanceTotals() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM balance_totals`)
	return err
}

// =============================================================================
// Provider cache
// =============================================================================

// CacheGet reads a cached provider response.
func (s *Storage) CacheGet(key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value []byte
	err := s.db.QueryRow(`SELECT value FROM provider_cache WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// CachePut stores a provider response.
func (s *Storage) CachePut(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO provider_cache (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	return err
}

// CacheDelete removes one cached response.
func (s *Storage) CacheDelete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM provider_cache WHERE key = ?`, key)
	return err
}

// CacheClear drops the whole provider cache.
func (s *Storage) CacheClear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM provider_cache`)
	return err
}
