package sync

import (
	"bytes"
	"context"
	"encoding/hex"
	"sync"

	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/klingpay/internal/chain"
	"github.com/klingon-exchange/klingpay/internal/provider"
	"github.com/klingon-exchange/klingpay/internal/wallet"
)

// fakeProvider is an in-memory history provider for sync tests.
type fakeProvider struct {
	mu      sync.Mutex
	handler provider.Handler
	network chain.Network

	tip        int64
	histories  map[string][]provider.HistoryItem // script hash -> items
	txs        map[string]*provider.Tx           // txid -> tx (Height = mined height, 0 = mempool)
	statuses   map[string]string
	subscribed map[string]bool
	balances   map[string][2]int64

	feeEstimate  int64
	broadcastErr error
	broadcasts   []string
	historyCalls map[string]int
}

func newFakeProvider(network chain.Network, tip int64) *fakeProvider {
	return &fakeProvider{
		network:      network,
		tip:          tip,
		histories:    make(map[string][]provider.HistoryItem),
		txs:          make(map[string]*provider.Tx),
		statuses:     make(map[string]string),
		subscribed:   make(map[string]bool),
		balances:     make(map[string][2]int64),
		historyCalls: make(map[string]int),
		feeEstimate:  1,
	}
}

func (f *fakeProvider) Connect(ctx context.Context) error { return nil }
func (f *fakeProvider) Close() error                      { return nil }
func (f *fakeProvider) IsConnected() bool                 { return true }
func (f *fakeProvider) ClearCache() error                 { return nil }
func (f *fakeProvider) Ping(ctx context.Context) error    { return nil }

func (f *fakeProvider) SetHandler(h provider.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeProvider) Tip() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tip
}

func (f *fakeProvider) SubscribeHeaders(ctx context.Context) (*provider.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &provider.Block{Height: f.tip}, nil
}

func (f *fakeProvider) SubscribeScriptHash(ctx context.Context, scriptHash string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed[scriptHash] = true
	return f.statuses[scriptHash], nil
}

func (f *fakeProvider) History(ctx context.Context, scriptHash string, useCache bool) ([]provider.HistoryItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyCalls[scriptHash]++
	items := make([]provider.HistoryItem, len(f.histories[scriptHash]))
	copy(items, f.histories[scriptHash])
	return items, nil
}

func (f *fakeProvider) MempoolHistory(ctx context.Context, scriptHash string) ([]provider.HistoryItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []provider.HistoryItem
	for _, item := range f.histories[scriptHash] {
		if item.Mempool() {
			items = append(items, item)
		}
	}
	return items, nil
}

func (f *fakeProvider) Balance(ctx context.Context, scriptHash string) (int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.balances[scriptHash]
	return b[0], b[1], nil
}

func (f *fakeProvider) Transaction(ctx context.Context, txid string, useCache bool) (*provider.Tx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[txid]
	if !ok {
		return nil, provider.ErrTxNotFound
	}
	copied := *tx
	copied.Inputs = append([]provider.TxIn(nil), tx.Inputs...)
	copied.Outputs = append([]provider.TxOut(nil), tx.Outputs...)
	return &copied, nil
}

func (f *fakeProvider) Broadcast(ctx context.Context, rawHex string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broadcastErr != nil {
		return "", f.broadcastErr
	}
	f.broadcasts = append(f.broadcasts, rawHex)

	tx, err := f.ingestHex(rawHex)
	if err != nil {
		return "", err
	}
	return tx.TxID, nil
}

func (f *fakeProvider) EstimateFeeRate(ctx context.Context, target int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.feeEstimate, nil
}

// ingestHex decodes a broadcast transaction, resolves its inputs
// against known transactions and registers it as a mempool entry on
// every touched script hash. Callers hold f.mu.
func (f *fakeProvider) ingestHex(rawHex string) (*provider.Tx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, err
	}
	var msg wire.MsgTx
	if err := msg.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}

	tx := &provider.Tx{
		TxID:  msg.TxHash().String(),
		Hex:   rawHex,
		VSize: int64(wallet.VSize(&msg)),
	}

	for _, in := range msg.TxIn {
		prevID := in.PreviousOutPoint.Hash.String()
		resolved := provider.TxIn{PrevTxID: prevID, PrevVout: in.PreviousOutPoint.Index}
		if prev, ok := f.txs[prevID]; ok {
			for _, out := range prev.Outputs {
				if out.Index == in.PreviousOutPoint.Index {
					resolved.Address = out.Address
					resolved.Value = out.Value
				}
			}
		}
		tx.Inputs = append(tx.Inputs, resolved)
	}

	for n, out := range msg.TxOut {
		address := ""
		_, addrs, _, err := txscript.ExtractPkScriptAddrs(out.PkScript, f.network.Params())
		if err == nil && len(addrs) > 0 {
			address = addrs[0].EncodeAddress()
		}
		tx.Outputs = append(tx.Outputs, provider.TxOut{
			Index:   uint32(n),
			Address: address,
			Value:   out.Value,
		})
	}

	f.txs[tx.TxID] = tx
	for _, out := range tx.Outputs {
		if out.Address == "" {
			continue
		}
		if sh, err := wallet.ScriptHashForAddress(out.Address, f.network); err == nil {
			f.appendHistory(sh, tx.TxID, 0, tx.Fee())
		}
	}
	for _, in := range tx.Inputs {
		if in.Address == "" {
			continue
		}
		if sh, err := wallet.ScriptHashForAddress(in.Address, f.network); err == nil {
			f.appendHistory(sh, tx.TxID, 0, tx.Fee())
		}
	}

	return tx, nil
}

func (f *fakeProvider) appendHistory(scriptHash, txid string, height, fee int64) {
	for _, item := range f.histories[scriptHash] {
		if item.TxHash == txid {
			return
		}
	}
	f.histories[scriptHash] = append(f.histories[scriptHash], provider.HistoryItem{
		TxHash: txid, Height: height, Fee: fee,
	})
}

// fund registers an external funding transaction paying value to
// address. Height 0 leaves it in the mempool.
func (f *fakeProvider) fund(txid, address, scriptHash string, value, height int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.txs[txid] = &provider.Tx{
		TxID:    txid,
		VSize:   110,
		Height:  height,
		Inputs:  []provider.TxIn{{}}, // coinbase-like, unresolved
		Outputs: []provider.TxOut{{Index: 0, Address: address, Value: value}},
	}
	f.appendHistory(scriptHash, txid, height, 0)
}

// confirmTx assigns a mined height to a mempool transaction and
// updates every history entry referencing it.
func (f *fakeProvider) confirmTx(txid string, height int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if tx, ok := f.txs[txid]; ok {
		tx.Height = height
	}
	for sh, items := range f.histories {
		for i := range items {
			if items[i].TxHash == txid {
				items[i].Height = height
				items[i].Fee = 0
			}
		}
		f.histories[sh] = items
	}
}

// mineBlock advances the tip and announces the new block to the
// handler synchronously.
func (f *fakeProvider) mineBlock() {
	f.mu.Lock()
	f.tip++
	tip := f.tip
	handler := f.handler
	f.mu.Unlock()

	if handler != nil {
		handler.OnNewBlock(&provider.Block{Height: tip})
	}
}

// notifyScript pushes a script-hash status change to the handler.
func (f *fakeProvider) notifyScript(scriptHash, status string) {
	f.mu.Lock()
	f.statuses[scriptHash] = status
	handler := f.handler
	f.mu.Unlock()

	if handler != nil {
		handler.OnScriptHashChange(scriptHash, status)
	}
}

var _ provider.Client = (*fakeProvider)(nil)
