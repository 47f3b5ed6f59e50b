// Package storage - wallet transaction log and sent-tx cache.
package storage

import (
	"database/sql"
	"encoding/json"
	"time"
)

// OutputMeta describes one output of a logged transaction.
type OutputMeta struct {
	Address    string `json:"address"`
	Amount     int64  `json:"amount"`
	OwnAddress bool   `json:"own_address"`
}

// TxRecord is a wallet-relative view of one transaction.
type TxRecord struct {
	TxID          string       `json:"txid"`
	Direction     string       `json:"direction"`
	Amount        int64        `json:"amount"`
	Fee           int64        `json:"fee"`
	Height        int64        `json:"height"`
	FromAddresses []string     `json:"from_addresses"`
	ToAddresses   []string     `json:"to_addresses"`
	ToMeta        []OutputMeta `json:"to_address_meta"`
	CreatedAt     int64        `json:"created_at"`
}

// SaveTx inserts or updates a transaction record.
func (s *Storage) SaveTx(tx *TxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.CreatedAt == 0 {
		tx.CreatedAt = time.Now().Unix()
	}

	from, _ := json.Marshal(tx.FromAddresses)
	to, _ := json.Marshal(tx.ToAddresses)
	meta, _ := json.Marshal(tx.ToMeta)

	_, err := s.db.Exec(`
		INSERT INTO transactions (txid, direction, amount, fee, height, from_addresses, to_addresses, to_meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(txid) DO UPDATE SET
			direction = excluded.direction,
			amount = excluded.amount,
			fee = excluded.fee,
			height = excluded.height,
			from_addresses = excluded.from_addresses,
			to_addresses = excluded.to_addresses,
			to_meta = excluded.to_meta
	`, tx.TxID, tx.Direction, tx.Amount, tx.Fee, tx.Height, from, to, meta, tx.CreatedAt)
	return err
}

func scanTx(row interface{ Scan(...interface{}) error }) (*TxRecord, error) {
	var tx TxRecord
	var from, to, meta sql.NullString

	err := row.Scan(&tx.TxID, &tx.Direction, &tx.Amount, &tx.Fee, &tx.Height, &from, &to, &meta, &tx.CreatedAt)
	if err != nil {
		return nil, err
	}

	if from.Valid {
		_ = json.Unmarshal([]byte(from.String), &tx.FromAddresses)
	}
	if to.Valid {
		_ = json.Unmarshal([]byte(to.String), &tx.ToAddresses)
	}
	if meta.Valid {
		_ = json.Unmarshal([]byte(meta.String), &tx.ToMeta)
	}
	return &tx, nil
}

const txColumns = `txid, direction, amount, fee, height, from_addresses, to_addresses, to_meta, created_at`

// GetTx retrieves a transaction record; returns nil if unknown.
func (s *Storage) GetTx(txid string) (*TxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+txColumns+` FROM transactions WHERE txid = ?`, txid)
	tx, err := scanTx(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return tx, err
}

// ListTxs returns transaction records paginated and ordered by block
// height, descending by default (reverse=true for ascending). Mempool
// entries (height 0) sort newest.
func (s *Storage) ListTxs(limit, offset int, reverse bool) ([]*TxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// height 0 means unmined; treat as newer than any block.
	order := `ORDER BY CASE WHEN height = 0 THEN 9223372036854775807 ELSE height END DESC, created_at DESC`
	if reverse {
		order = `ORDER BY CASE WHEN height = 0 THEN 9223372036854775807 ELSE height END ASC, created_at ASC`
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.Query(
		`SELECT `+txColumns+` FROM transactions `+order+` LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []*TxRecord
	for rows.Next() {
		tx, err := scanTx(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// TxIDsForRescan returns txids the new-block pass must refetch: every
// mempool entry plus everything mined in [last, current].
func (s *Storage) TxIDsForRescan(last, current int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT txid FROM transactions
		WHERE height = 0 OR (height >= ? AND height <= ?)
	`, last, current)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClearTxs drops the transaction log (restart sync).
func (s *Storage) ClearTxs() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM transactions`)
	return err
}

// =============================================================================
// Sent transactions (builder-side cache)
// =============================================================================

// SentTxRecord retains builder metadata for an outgoing transaction
// before the provider confirms it.
type SentTxRecord struct {
	ID            string   `json:"id"`
	TxID          string   `json:"txid"`
	Hex           string   `json:"hex"`
	VSize         int64    `json:"vsize"`
	FeeRate       int64    `json:"fee_rate"`
	Fee           int64    `json:"fee"`
	ChangeAddress string   `json:"change_address"`
	TotalSpent    int64    `json:"total_spent"`
	Inputs        []string `json:"inputs"` // outpoints txid:vout
	CreatedAt     int64    `json:"created_at"`
}

// SaveSentTx stores builder metadata for a broadcast transaction.
func (s *Storage) SaveSentTx(tx *SentTxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.CreatedAt == 0 {
		tx.CreatedAt = time.Now().Unix()
	}
	inputs, _ := json.Marshal(tx.Inputs)

	_, err := s.db.Exec(`
		INSERT INTO sent_transactions (txid, id, hex, vsize, fee_rate, fee, change_address, total_spent, inputs, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(txid) DO NOTHING
	`, tx.TxID, tx.ID, tx.Hex, tx.VSize, tx.FeeRate, tx.Fee, tx.ChangeAddress, tx.TotalSpent, inputs, tx.CreatedAt)
	return err
}

// GetSentTx retrieves builder metadata; returns nil if unknown.
func (s *Storage) GetSentTx(txid string) (*SentTxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tx SentTxRecord
	var inputs sql.NullString
	err := s.db.QueryRow(`
		SELECT txid, id, hex, vsize, fee_rate, fee, change_address, total_spent, inputs, created_at
		FROM sent_transactions WHERE txid = ?
	`, txid).Scan(
		&tx.TxID, &tx.ID, &tx.Hex, &tx.VSize, &tx.FeeRate, &tx.Fee,
		&tx.ChangeAddress, &tx.TotalSpent, &inputs, &tx.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if inputs.Valid {
		_ = json.Unmarshal([]byte(inputs.String), &tx.Inputs)
	}
	return &tx, nil
}
