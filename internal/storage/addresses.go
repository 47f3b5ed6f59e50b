// Package storage - derived address persistence.
package storage

import (
	"database/sql"
	"time"
)

// AddressRecord represents a derived wallet address.
type AddressRecord struct {
	Address    string `json:"address"`
	Branch     uint32 `json:"branch"` // 0=external, 1=internal
	Index      uint32 `json:"index"`
	Path       string `json:"path"`
	PublicKey  string `json:"public_key"`
	ScriptHash string `json:"script_hash"`

	HasTx  bool `json:"has_tx"`
	Issued bool `json:"issued"`

	CreatedAt int64 `json:"created_at"`
}

const addressColumns = `address, branch, address_index, path, public_key, script_hash, has_tx, issued, created_at`

// SaveAddress inserts or updates an address record.
func (s *Storage) SaveAddress(addr *AddressRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if addr.CreatedAt == 0 {
		addr.CreatedAt = time.Now().Unix()
	}

	query := `
		INSERT INTO wallet_addresses (` + addressColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(address) DO UPDATE SET
			has_tx = has_tx OR excluded.has_tx,
			issued = issued OR excluded.issued
	`

	_, err := s.db.Exec(query,
		addr.Address, addr.Branch, addr.Index, addr.Path,
		addr.PublicKey, addr.ScriptHash,
		boolToInt(addr.HasTx), boolToInt(addr.Issued), addr.CreatedAt,
	)
	return err
}

func scanAddress(row interface{ Scan(...interface{}) error }) (*AddressRecord, error) {
	var addr AddressRecord
	var hasTx, issued int

	err := row.Scan(
		&addr.Address, &addr.Branch, &addr.Index, &addr.Path,
		&addr.PublicKey, &addr.ScriptHash, &hasTx, &issued, &addr.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	addr.HasTx = hasTx != 0
	addr.Issued = issued != 0
	return &addr, nil
}

// GetAddress retrieves a record by address; returns nil if unknown.
func (s *Storage) GetAddress(address string) (*AddressRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+addressColumns+` FROM wallet_addresses WHERE address = ?`, address)
	addr, err := scanAddress(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return addr, err
}

// GetAddressByScriptHash retrieves a record by its provider index key.
func (s *Storage) GetAddressByScriptHash(scriptHash string) (*AddressRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+addressColumns+` FROM wallet_addresses WHERE script_hash = ?`, scriptHash)
	addr, err := scanAddress(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return addr, err
}

// GetAddressByPath retrieves a record by derivation path.
func (s *Storage) GetAddressByPath(branch, index uint32) (*AddressRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT `+addressColumns+` FROM wallet_addresses WHERE branch = ? AND address_index = ?`,
		branch, index,
	)
	addr, err := scanAddress(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return addr, err
}

// ListAddresses returns all known addresses in path order.
func (s *Storage) ListAddresses() ([]*AddressRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT ` + addressColumns + ` FROM wallet_addresses ORDER BY branch, address_index`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var addrs []*AddressRecord
	for rows.Next() {
		addr, err := scanAddress(rows)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, rows.Err()
}

// MarkAddressHasTx records that a non-empty history was observed.
func (s *Storage) MarkAddressHasTx(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE wallet_addresses SET has_tx = 1 WHERE address = ?`, address)
	return err
}

// MarkAddressIssued records that an address was handed out to a caller.
func (s *Storage) MarkAddressIssued(address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE wallet_addresses SET issued = 1 WHERE address = ?`, address)
	return err
}

// MaxUsedIndex returns the highest index on a branch whose address has
// carried a transaction or was handed out, or -1 if none.
func (s *Storage) MaxUsedIndex(branch uint32) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max sql.NullInt64
	err := s.db.QueryRow(`
		SELECT MAX(address_index) FROM wallet_addresses
		WHERE branch = ? AND (has_tx = 1 OR issued = 1)
	`, branch).Scan(&max)
	if err != nil {
		return -1, err
	}
	if !max.Valid {
		return -1, nil
	}
	return max.Int64, nil
}

// MaxActiveIndex returns the highest index on a branch whose address has
// carried a transaction, or -1 if none.
func (s *Storage) MaxActiveIndex(branch uint32) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var max sql.NullInt64
	err := s.db.QueryRow(`
		SELECT MAX(address_index) FROM wallet_addresses
		WHERE branch = ? AND has_tx = 1
	`, branch).Scan(&max)
	if err != nil {
		return -1, err
	}
	if !max.Valid {
		return -1, nil
	}
	return max.Int64, nil
}

// ClearAddresses drops all address records (restart sync).
func (s *Storage) ClearAddresses() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM wallet_addresses`)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
