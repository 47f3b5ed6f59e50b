// Package storage - per-address ledger entries keyed by outpoint.
package storage

import "database/sql"

// Ledger directions.
const (
	LedgerIn  = "in"  // outputs of ours spent as inputs
	LedgerOut = "out" // outputs credited to our addresses
	LedgerFee = "fee" // fees paid by our spends
)

// LedgerEntry is one outpoint-keyed amount in an address ledger.
type LedgerEntry struct {
	Address   string `json:"address"`
	Direction string `json:"direction"`
	TxID      string `json:"txid"`
	Vout      uint32 `json:"vout"`
	State     string `json:"state"`
	Amount    int64  `json:"amount"`
}

// GetLedgerEntry fetches an entry; returns nil if absent.
func (s *Storage) GetLedgerEntry(address, direction, txid string, vout uint32) (*LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var e LedgerEntry
	err := s.db.QueryRow(`
		SELECT address, direction, txid, vout, state, amount
		FROM ledger_entries
		WHERE address = ? AND direction = ? AND txid = ? AND vout = ?
	`, address, direction, txid, vout).Scan(
		&e.Address, &e.Direction, &e.TxID, &e.Vout, &e.State, &e.Amount,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// PutLedgerEntry inserts or updates an entry. An outpoint occupies exactly
// one state per (address, direction); promotion overwrites the state.
func (s *Storage) PutLedgerEntry(e *LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO ledger_entries (address, direction, txid, vout, state, amount)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(address, direction, txid, vout) DO UPDATE SET
			state = excluded.state,
			amount = excluded.amount
	`, e.Address, e.Direction, e.TxID, e.Vout, e.State, e.Amount)
	return err
}

// AddressNet returns sum(out) - sum(in) per state for one address.
func (s *Storage) AddressNet(address string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT state, direction, SUM(amount)
		FROM ledger_entries
		WHERE address = ? AND direction IN (?, ?)
		GROUP BY state, direction
	`, address, LedgerIn, LedgerOut)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	net := make(map[string]int64)
	for rows.Next() {
		var state, direction string
		var sum int64
		if err := rows.Scan(&state, &direction, &sum); err != nil {
			return nil, err
		}
		if direction == LedgerOut {
			net[state] += sum
		} else {
			net[state] -= sum
		}
	}
	return net, rows.Err()
}

// LedgerNetTotals returns sum(out) - sum(in) per state across all
// addresses. Used to cross-check the persisted balance totals.
func (s *Storage) LedgerNetTotals() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT state, direction, SUM(amount)
		FROM ledger_entries
		WHERE direction IN (?, ?)
		GROUP BY state, direction
	`, LedgerIn, LedgerOut)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	net := make(map[string]int64)
	for rows.Next() {
		var state, direction string
		var sum int64
		if err := rows.Scan(&state, &direction, &sum); err != nil {
			return nil, err
		}
		if direction == LedgerOut {
			net[state] += sum
		} else {
			net[state] -= sum
		}
	}
	return net, rows.Err()
}

// HasSpendingInput reports whether an input spending the outpoint has
// been observed in any address ledger.
func (s *Storage) HasSpendingInput(txid string, vout uint32) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM ledger_entries
		WHERE direction = ? AND txid = ? AND vout = ?
	`, LedgerIn, txid, vout).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClearLedger drops all ledger entries (restart sync).
func (s *Storage) ClearLedger() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM ledger_entries`)
	return err
}
