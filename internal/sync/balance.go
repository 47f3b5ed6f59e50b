// Package sync - wallet-wide balance aggregate across the three
// lifecycle states.
package sync

import (
	"sync"

	"github.com/klingon-exchange/klingpay/internal/storage"
)

// TotalBalance maintains the invariant
//
//	total(state) == sum over addresses of (out(state) - in(state))
//
// for each lifecycle state. Per-state values may be negative while a
// spend is in flight (the outgoing inputs debit mempool before the
// spent outputs confirm away).
type TotalBalance struct {
	store  *storage.Storage
	mu     sync.Mutex
	totals map[TxState]int64
}

// NewTotalBalance loads the persisted aggregates.
func NewTotalBalance(store *storage.Storage) (*TotalBalance, error) {
	persisted, err := store.GetBalanceTotals()
	if err != nil {
		return nil, err
	}

	totals := make(map[TxState]int64, len(States))
	for _, s := range States {
		totals[s] = persisted[string(s)]
	}

	return &TotalBalance{store: store, totals: totals}, nil
}

// Get returns one state's aggregate.
func (tb *TotalBalance) Get(state TxState) int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.totals[state]
}

// All returns a snapshot of every state's aggregate.
func (tb *TotalBalance) All() map[TxState]int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	snapshot := make(map[TxState]int64, len(tb.totals))
	for s, v := range tb.totals {
		snapshot[s] = v
	}
	return snapshot
}

// Apply adds delta to one state's aggregate and persists it.
func (tb *TotalBalance) Apply(state TxState, delta int64) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.totals[state] += delta
	return tb.store.SaveBalanceTotal(string(state), tb.totals[state])
}

// Reset zeroes all aggregates (restart sync).
func (tb *TotalBalance) Reset() error {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	for _, s := range States {
		tb.totals[s] = 0
	}
	return tb.store.ClearBalanceTotals()
}
