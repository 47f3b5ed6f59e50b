// Package storage - live UTXO set persistence.
package storage

import (
	"database/sql"
	"time"
)

// UTXORecord is one unspent output owned by the wallet.
type UTXORecord struct {
	TxID   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Amount int64  `json:"amount"`

	Address   string `json:"address"`
	PublicKey string `json:"public_key"`
	Path      string `json:"path"`

	State  string `json:"state"`
	Locked bool   `json:"locked"`

	CreatedAt int64 `json:"created_at"`
	UpdatedAt int64 `json:"updated_at"`
}

// SaveUTXO inserts or updates a UTXO.
func (s *Storage) SaveUTXO(u *UTXORecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	if u.CreatedAt == 0 {
		u.CreatedAt = now
	}
	u.UpdatedAt = now

	_, err := s.db.Exec(`
		INSERT INTO wallet_utxos (txid, vout, amount, address, public_key, path, state, locked, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(txid, vout) DO UPDATE SET
			amount = excluded.amount,
			address = excluded.address,
			public_key = excluded.public_key,
			path = excluded.path,
			state = excluded.state,
			locked = excluded.locked,
			updated_at = excluded.updated_at
	`, u.TxID, u.Vout, u.Amount, u.Address, u.PublicKey, u.Path,
		u.State, boolToInt(u.Locked), u.CreatedAt, u.UpdatedAt)
	return err
}

// DeleteUTXO removes a UTXO (spent through).
func (s *Storage) DeleteUTXO(txid string, vout uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM wallet_utxos WHERE txid = ? AND vout = ?`, txid, vout)
	return err
}

// ListUTXOs returns the full persisted set.
func (s *Storage) ListUTXOs() ([]*UTXORecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT txid, vout, amount, address, public_key, path, state, locked, created_at, updated_at
		FROM wallet_utxos
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var utxos []*UTXORecord
	for rows.Next() {
		var u UTXORecord
		var locked int
		var pubKey, path sql.NullString
		err := rows.Scan(&u.TxID, &u.Vout, &u.Amount, &u.Address, &pubKey, &path,
			&u.State, &locked, &u.CreatedAt, &u.UpdatedAt)
		if err != nil {
			return nil, err
		}
		u.PublicKey = pubKey.String
		u.Path = path.String
		u.Locked = locked != 0
		utxos = append(utxos, &u)
	}
	return utxos, rows.Err()
}

// SetUTXOLocked toggles the reservation flag.
func (s *Storage) SetUTXOLocked(txid string, vout uint32, locked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`UPDATE wallet_utxos SET locked = ?, updated_at = ? WHERE txid = ? AND vout = ?`,
		boolToInt(locked), time.Now().Unix(), txid, vout,
	)
	return err
}

// ClearUTXOs drops the set (restart sync).
func (s *Storage) ClearUTXOs() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM wallet_utxos`)
	return err
}
