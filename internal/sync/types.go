// Package sync keeps the wallet's local view of its UTXO set and
// balances consistent with the remote history provider. All monetary
// state flows through a single mutator (processUtxo) so replays are
// idempotent.
package sync

import (
	"errors"
	"fmt"

	"github.com/klingon-exchange/klingpay/internal/storage"
)

// Errors surfaced by the sync core.
var (
	ErrSyncInProgress    = errors.New("sync already in progress")
	ErrNotReady          = errors.New("wallet not ready")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAddress    = errors.New("invalid address")
	ErrDustOutput        = errors.New("output below dust limit")
	ErrAddressUnknown    = errors.New("address unknown")
)

// TxState is the lifecycle state of a transaction or ledger entry.
type TxState string

const (
	// StateMempool is an unmined transaction.
	StateMempool TxState = "mempool"
	// StatePending is mined with depth below min_block_confirm.
	StatePending TxState = "pending"
	// StateConfirmed is mined with sufficient depth.
	StateConfirmed TxState = "confirmed"
)

// States lists all lifecycle states in promotion order.
var States = [3]TxState{StateMempool, StatePending, StateConfirmed}

// rank orders states for promotion checks: an outpoint only ever moves
// to a higher rank during normal operation.
func (s TxState) rank() int {
	switch s {
	case StatePending:
		return 1
	case StateConfirmed:
		return 2
	default:
		return 0
	}
}

// Direction classifies a transaction relative to the wallet.
type Direction string

const (
	DirectionIncoming Direction = "INCOMING"
	DirectionOutgoing Direction = "OUTGOING"
	DirectionInternal Direction = "INTERNAL"
	DirectionUnknown  Direction = "UNKNOWN"
)

// TxEntry is the wallet-relative record of one transaction.
type TxEntry struct {
	TxID          string               `json:"txid"`
	FromAddresses []string             `json:"from_addresses"`
	ToAddresses   []string             `json:"to_addresses"`
	ToMeta        []storage.OutputMeta `json:"to_address_meta"`
	Fee           int64                `json:"fee"`
	Amount        int64                `json:"amount"`
	Height        int64                `json:"height"`
	Direction     Direction            `json:"direction"`
	State         TxState              `json:"state"`
}

// outpointKey renders txid:vout, the unique identity of an output
// across all lifecycle transitions.
func outpointKey(txid string, vout uint32) string {
	return fmt.Sprintf("%s:%d", txid, vout)
}

// entryFromRecord rebuilds a TxEntry from its stored form.
func entryFromRecord(rec *storage.TxRecord) *TxEntry {
	return &TxEntry{
		TxID:          rec.TxID,
		FromAddresses: rec.FromAddresses,
		ToAddresses:   rec.ToAddresses,
		ToMeta:        rec.ToMeta,
		Fee:           rec.Fee,
		Amount:        rec.Amount,
		Height:        rec.Height,
		Direction:     Direction(rec.Direction),
	}
}
