// Package sync - typed event callbacks. Producers expose explicitly
// named callbacks instead of a string-keyed bus so the contracts hold
// at compile time.
package sync

import (
	"github.com/klingon-exchange/klingpay/internal/chain"
	"github.com/klingon-exchange/klingpay/internal/provider"
	"github.com/klingon-exchange/klingpay/internal/storage"
)

// Listener receives wallet lifecycle events. Callbacks run on the
// manager's notification path and must not block.
type Listener interface {
	// OnReady fires once initialization completes.
	OnReady()

	// OnNewBlock fires for every chain tip announcement.
	OnNewBlock(block *provider.Block)

	// OnSyncedPath fires exactly once per path per scan, in strictly
	// ascending index order per branch.
	OnSyncedPath(branch chain.Branch, path chain.Path, hasTx bool, state storage.BranchSyncState)

	// OnNewTx fires when a transaction is first observed unmined.
	OnNewTx(entry *TxEntry)

	// OnSyncEnd fires when a scan finishes or is paused.
	OnSyncEnd()

	// OnTxMempool fires at most once per watched txid when the
	// provider ingests it.
	OnTxMempool(txid string, entry *TxEntry)
}

// ListenerFuncs adapts optional funcs to the Listener interface.
type ListenerFuncs struct {
	Ready      func()
	NewBlock   func(block *provider.Block)
	SyncedPath func(branch chain.Branch, path chain.Path, hasTx bool, state storage.BranchSyncState)
	NewTx      func(entry *TxEntry)
	SyncEnd    func()
	TxMempool  func(txid string, entry *TxEntry)
}

func (l *ListenerFuncs) OnReady() {
	if l.Ready != nil {
		l.Ready()
	}
}

func (l *ListenerFuncs) OnNewBlock(block *provider.Block) {
	if l.NewBlock != nil {
		l.NewBlock(block)
	}
}

func (l *ListenerFuncs) OnSyncedPath(branch chain.Branch, path chain.Path, hasTx bool, state storage.BranchSyncState) {
	if l.SyncedPath != nil {
		l.SyncedPath(branch, path, hasTx, state)
	}
}

func (l *ListenerFuncs) OnNewTx(entry *TxEntry) {
	if l.NewTx != nil {
		l.NewTx(entry)
	}
}

func (l *ListenerFuncs) OnSyncEnd() {
	if l.SyncEnd != nil {
		l.SyncEnd()
	}
}

func (l *ListenerFuncs) OnTxMempool(txid string, entry *TxEntry) {
	if l.TxMempool != nil {
		l.TxMempool(txid, entry)
	}
}

var _ Listener = (*ListenerFuncs)(nil)
