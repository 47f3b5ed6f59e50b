// Package provider talks to an Electrum-style full-index history
// provider. This package is read-only for private keys - all signing
// happens in the wallet package.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrNotConnected    = errors.New("provider not connected")
	ErrUnavailable     = errors.New("provider unavailable")
	ErrBroadcastFailed = errors.New("broadcast failed")
	ErrTxNotFound      = errors.New("transaction not found")
)

// RPCError is an error reported by the remote provider.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("provider rpc error %d: %s", e.Code, e.Message)
}

// Block is a chain tip announcement.
type Block struct {
	Height    int64  `json:"height"`
	HeaderHex string `json:"hex"`
}

// HistoryItem is one entry of a script-hash history. Height 0 or -1
// means the transaction is in the mempool; mempool entries carry the
// fee the provider observed.
type HistoryItem struct {
	TxHash string `json:"tx_hash"`
	Height int64  `json:"height"`
	Fee    int64  `json:"fee,omitempty"`
}

// Mempool reports whether the entry is unmined.
func (h *HistoryItem) Mempool() bool {
	return h.Height <= 0
}

// TxIn is a transaction input with its funding output resolved.
type TxIn struct {
	PrevTxID string `json:"prev_txid"`
	PrevVout uint32 `json:"prev_vout"`
	Address  string `json:"address"`
	Value    int64  `json:"value"`
}

// TxOut is a transaction output.
type TxOut struct {
	Index   uint32 `json:"index"`
	Address string `json:"address"`
	Value   int64  `json:"value"`
}

// Tx is a verbose transaction with inputs resolved to their funding
// addresses and values.
type Tx struct {
	TxID          string  `json:"txid"`
	Hex           string  `json:"hex"`
	VSize         int64   `json:"vsize"`
	Confirmations int64   `json:"confirmations"`
	Height        int64   `json:"height"`
	BlockTime     int64   `json:"block_time"`
	Inputs        []TxIn  `json:"vin"`
	Outputs       []TxOut `json:"vout"`
}

// Fee returns inputs minus outputs, or 0 when any input is unresolved
// (e.g. a coinbase).
func (t *Tx) Fee() int64 {
	var in, out int64
	for _, i := range t.Inputs {
		if i.Value == 0 && i.Address == "" {
			return 0
		}
		in += i.Value
	}
	for _, o := range t.Outputs {
		out += o.Value
	}
	if in <= out {
		return 0
	}
	return in - out
}

// Handler receives push notifications. Callbacks are delivered
// sequentially from a single dispatch goroutine and may call back into
// the client.
type Handler interface {
	OnScriptHashChange(scriptHash, status string)
	OnNewBlock(block *Block)
}

// Cache stores provider responses between syncs. Implemented by the
// storage package's provider_cache table.
type Cache interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Clear() error
}

// Client is the interface the sync manager drives.
type Client interface {
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool

	// SetHandler installs the notification sink. Must be called before
	// Connect.
	SetHandler(h Handler)

	// SubscribeHeaders subscribes to chain tip announcements and
	// returns the current tip.
	SubscribeHeaders(ctx context.Context) (*Block, error)

	// SubscribeScriptHash subscribes to status changes of a script-hash
	// and returns its current status ("" when unused).
	SubscribeScriptHash(ctx context.Context, scriptHash string) (string, error)

	// History returns the full confirmed+mempool history of a
	// script-hash, oldest first. With useCache the previous response
	// may be served from the local cache.
	History(ctx context.Context, scriptHash string, useCache bool) ([]HistoryItem, error)

	// MempoolHistory returns only the unmined history of a script-hash.
	// Never cached.
	MempoolHistory(ctx context.Context, scriptHash string) ([]HistoryItem, error)

	// Balance returns the provider's view of a script-hash balance.
	Balance(ctx context.Context, scriptHash string) (confirmed, unconfirmed int64, err error)

	// Transaction fetches a verbose transaction with resolved inputs.
	Transaction(ctx context.Context, txid string, useCache bool) (*Tx, error)

	// Broadcast submits a raw transaction and returns its txid.
	Broadcast(ctx context.Context, rawHex string) (string, error)

	// EstimateFeeRate returns sat/vB for confirmation within target
	// blocks, or 0 when the provider has no estimate.
	EstimateFeeRate(ctx context.Context, target int64) (int64, error)

	// Ping checks liveness.
	Ping(ctx context.Context) error

	// Tip returns the last seen chain height (0 before the first
	// headers subscription).
	Tip() int64

	// ClearCache drops all cached responses.
	ClearCache() error
}
