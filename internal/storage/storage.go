// Package storage provides persistent wallet storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage provides persistent storage for the klingpay wallet.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "klingpay.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- =========================================================================
	-- HD wallet addresses
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS wallet_addresses (
		address TEXT PRIMARY KEY,

		-- Derivation path below the account level (branch 0=external 1=internal)
		branch INTEGER NOT NULL,
		address_index INTEGER NOT NULL,
		path TEXT NOT NULL,

		public_key TEXT NOT NULL,
		script_hash TEXT NOT NULL,

		-- has_tx is set the first time a non-empty history is observed.
		-- issued is set when the address has been handed out to a caller.
		has_tx INTEGER NOT NULL DEFAULT 0,
		issued INTEGER NOT NULL DEFAULT 0,

		created_at INTEGER NOT NULL,

		UNIQUE(branch, address_index)
	);

	CREATE INDEX IF NOT EXISTS idx_addresses_script_hash ON wallet_addresses(script_hash);
	CREATE INDEX IF NOT EXISTS idx_addresses_path ON wallet_addresses(branch, address_index);

	-- =========================================================================
	-- Per-address ledgers keyed by outpoint
	-- =========================================================================

	-- direction: 'in' (outputs we spent), 'out' (outputs credited to us),
	-- 'fee' (fees paid by our spends).
	-- state: 'mempool', 'pending', 'confirmed'. An outpoint occupies exactly
	-- one state per (address, direction); promotion updates the row in place.
	CREATE TABLE IF NOT EXISTS ledger_entries (
		address TEXT NOT NULL,
		direction TEXT NOT NULL,
		txid TEXT NOT NULL,
		vout INTEGER NOT NULL,
		state TEXT NOT NULL,
		amount INTEGER NOT NULL,

		PRIMARY KEY (address, direction, txid, vout)
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_outpoint ON ledger_entries(txid, vout);
	CREATE INDEX IF NOT EXISTS idx_ledger_state ON ledger_entries(direction, state);

	-- =========================================================================
	-- Transaction log
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS transactions (
		txid TEXT PRIMARY KEY,
		direction TEXT NOT NULL,
		amount INTEGER NOT NULL,
		fee INTEGER NOT NULL DEFAULT 0,
		height INTEGER NOT NULL DEFAULT 0,

		from_addresses TEXT,
		to_addresses TEXT,
		to_meta TEXT,

		created_at INTEGER NOT NULL
	);

	-- Secondary index used by the new-block rescan.
	CREATE INDEX IF NOT EXISTS idx_transactions_height ON transactions(height);

	-- Builder-side metadata retained before the provider confirms a send.
	CREATE TABLE IF NOT EXISTS sent_transactions (
		txid TEXT PRIMARY KEY,
		id TEXT NOT NULL,
		hex TEXT NOT NULL,
		vsize INTEGER NOT NULL,
		fee_rate INTEGER NOT NULL,
		fee INTEGER NOT NULL,
		change_address TEXT,
		total_spent INTEGER NOT NULL,
		inputs TEXT,
		created_at INTEGER NOT NULL
	);

	-- =========================================================================
	-- Live UTXO set
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS wallet_utxos (
		txid TEXT NOT NULL,
		vout INTEGER NOT NULL,
		amount INTEGER NOT NULL,

		address TEXT NOT NULL,
		public_key TEXT,
		path TEXT,

		state TEXT NOT NULL DEFAULT 'mempool',
		locked INTEGER NOT NULL DEFAULT 0,

		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,

		PRIMARY KEY (txid, vout)
	);

	CREATE INDEX IF NOT EXISTS idx_utxos_address ON wallet_utxos(address);
	CREATE INDEX IF NOT EXISTS idx_utxos_state ON wallet_utxos(state);

	-- =========================================================================
	-- Sync state
	-- =========================================================================

	CREATE TABLE IF NOT EXISTS sync_state (
		branch INTEGER PRIMARY KEY,
		next_index INTEGER NOT NULL DEFAULT 0,
		gap_count INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);

	-- Bounded FIFO ring of subscribed script-hashes per branch.
	CREATE TABLE IF NOT EXISTS watched_scripts (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		branch INTEGER NOT NULL,
		script_hash TEXT NOT NULL UNIQUE,
		status TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_watched_branch ON watched_scripts(branch, seq);

	-- Wallet-wide aggregate per lifecycle state.
	CREATE TABLE IF NOT EXISTS balance_totals (
		state TEXT PRIMARY KEY,
		amount INTEGER NOT NULL DEFAULT 0
	);

	-- Provider response cache (script-hash histories, raw transactions).
	CREATE TABLE IF NOT EXISTS provider_cache (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);

	-- Misc settings (last seen block height, schema marker).
	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT,
		updated_at INTEGER
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SettingSet stores a settings value.
func (s *Storage) SettingSet(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, time.Now().Unix())
	return err
}

// SettingGet reads a settings value; returns "" if unset.
func (s *Storage) SettingGet(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value sql.NullString
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value.String, nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
