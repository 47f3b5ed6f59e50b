// Package sync - history ingest. processUtxo is the sole mutator of
// monetary state; replaying the same history leaves every store
// unchanged.
package sync

import (
	"fmt"
	"sort"

	"github.com/klingon-exchange/klingpay/internal/chain"
	"github.com/klingon-exchange/klingpay/internal/provider"
	"github.com/klingon-exchange/klingpay/internal/storage"
)

// txState classifies a wallet height against the current tip:
// mempool when unmined, confirmed at depth >= min_block_confirm,
// pending in between. Callers hold m.mu.
func (m *Manager) txState(height int64) TxState {
	if height <= 0 {
		return StateMempool
	}
	if m.lastBlock-height >= m.cfg.MinBlockConfirm {
		return StateConfirmed
	}
	return StatePending
}

// utxoItem is one side of a transaction fed to processUtxo. For
// outputs the outpoint is txid:index; for inputs it is the funding
// prev_txid:prev_vout.
type utxoItem struct {
	txid    string
	vout    uint32
	address string
	amount  int64
}

// processHistory ingests a batch of transactions, oldest first with
// mempool entries last. Callers hold m.mu.
func (m *Manager) processHistory(txs []*provider.Tx, path *chain.Path) {
	sorted := make([]*provider.Tx, len(txs))
	copy(sorted, txs)
	sort.SliceStable(sorted, func(i, j int) bool {
		hi, hj := sorted[i].Height, sorted[j].Height
		if hi <= 0 {
			return false
		}
		if hj <= 0 {
			return true
		}
		return hi < hj
	})

	for _, tx := range sorted {
		m.processTx(tx, path)
	}
}

// processTx ingests one transaction: ledgers, UTXO set, totals,
// classification and the tx log.
func (m *Manager) processTx(tx *provider.Tx, path *chain.Path) {
	state := m.txState(tx.Height)
	fee := tx.Fee()

	outs := make([]utxoItem, 0, len(tx.Outputs))
	for _, out := range tx.Outputs {
		outs = append(outs, utxoItem{txid: tx.TxID, vout: out.Index, address: out.Address, amount: out.Value})
	}
	ins := make([]utxoItem, 0, len(tx.Inputs))
	for _, in := range tx.Inputs {
		ins = append(ins, utxoItem{txid: in.PrevTxID, vout: in.PrevVout, address: in.Address, amount: in.Value})
	}

	m.processUtxo(outs, storage.LedgerOut, state, fee, path)
	m.processUtxo(ins, storage.LedgerIn, state, fee, path)

	entry := m.classify(tx, state, fee)

	prior, err := m.store.GetTx(tx.TxID)
	if err != nil {
		m.log.Error("tx log read failed", "txid", tx.TxID, "error", err)
		return
	}

	if err := m.store.SaveTx(&storage.TxRecord{
		TxID:          entry.TxID,
		Direction:     string(entry.Direction),
		Amount:        entry.Amount,
		Fee:           entry.Fee,
		Height:        entry.Height,
		FromAddresses: entry.FromAddresses,
		ToAddresses:   entry.ToAddresses,
		ToMeta:        entry.ToMeta,
	}); err != nil {
		m.log.Error("tx log write failed", "txid", tx.TxID, "error", err)
		return
	}

	if tx.Height <= 0 && prior == nil {
		m.eachListener(func(l Listener) { l.OnNewTx(entry) })
	}
	if prior == nil {
		m.fireMempoolWatch(entry.TxID, entry)
	}
}

// classify derives the wallet-relative direction and amount of a
// transaction.
func (m *Manager) classify(tx *provider.Tx, state TxState, fee int64) *TxEntry {
	own := func(address string) bool {
		if address == "" {
			return false
		}
		rec, err := m.store.GetAddress(address)
		return err == nil && rec != nil
	}

	allOutsOwn := len(tx.Outputs) > 0
	var toAddresses []string
	var toMeta []storage.OutputMeta
	for _, out := range tx.Outputs {
		isOwn := own(out.Address)
		if !isOwn {
			allOutsOwn = false
		}
		toAddresses = append(toAddresses, out.Address)
		toMeta = append(toMeta, storage.OutputMeta{Address: out.Address, Amount: out.Value, OwnAddress: isOwn})
	}

	anyInOwn := false
	allInsOwn := len(tx.Inputs) > 0
	var fromAddresses []string
	for _, in := range tx.Inputs {
		isOwn := own(in.Address)
		if isOwn {
			anyInOwn = true
		} else {
			allInsOwn = false
		}
		if in.Address != "" {
			fromAddresses = append(fromAddresses, in.Address)
		}
	}

	var direction Direction
	switch {
	case allOutsOwn && allInsOwn:
		direction = DirectionInternal
	case !anyInOwn:
		direction = DirectionIncoming
	case anyInOwn && len(tx.Outputs) > 0:
		direction = DirectionOutgoing
	default:
		direction = DirectionUnknown
	}

	var amount int64
	for _, meta := range toMeta {
		switch direction {
		case DirectionIncoming, DirectionInternal:
			if meta.OwnAddress {
				amount += meta.Amount
			}
		case DirectionOutgoing:
			if !meta.OwnAddress {
				amount += meta.Amount
			}
		}
	}

	return &TxEntry{
		TxID:          tx.TxID,
		FromAddresses: fromAddresses,
		ToAddresses:   toAddresses,
		ToMeta:        toMeta,
		Fee:           fee,
		Amount:        amount,
		Height:        tx.Height,
		Direction:     direction,
		State:         state,
	}
}

// processUtxo records one side of a transaction in the address
// ledgers, adjusts the balance totals and maintains the UTXO set.
// Idempotent on outpoints: an entry already in the given state is
// skipped, an entry in an earlier state is promoted, and demotions are
// ignored. Malformed items are skipped.
func (m *Manager) processUtxo(items []utxoItem, direction string, state TxState, fee int64, path *chain.Path) {
	for _, item := range items {
		if item.txid == "" || item.address == "" {
			continue
		}

		// The scanned path's address may not be persisted yet when
		// history arrives through a notification.
		if path != nil {
			if _, err := m.hd.EnsureAddress(*path); err != nil {
				m.log.Warn("failed to ensure address", "error", err)
			}
		}

		rec, err := m.store.GetAddress(item.address)
		if err != nil {
			m.log.Error("address read failed", "address", item.address, "error", err)
			continue
		}
		if rec == nil {
			// Counterparty address: tracked in the tx log only.
			continue
		}

		signed := item.amount
		if direction == storage.LedgerIn {
			signed = -item.amount
		}

		existing, err := m.store.GetLedgerEntry(item.address, direction, item.txid, item.vout)
		if err != nil {
			m.log.Error("ledger read failed", "error", err)
			continue
		}

		if existing != nil {
			prev := TxState(existing.State)
			if prev == state || state.rank() < prev.rank() {
				continue
			}

			// Promote: move the amount between state buckets.
			if err := m.store.PutLedgerEntry(&storage.LedgerEntry{
				Address: item.address, Direction: direction,
				TxID: item.txid, Vout: item.vout,
				State: string(state), Amount: existing.Amount,
			}); err != nil {
				m.log.Error("ledger promote failed", "error", err)
				continue
			}
			m.applyTotal(prev, -signed)
			m.applyTotal(state, signed)

			if direction == storage.LedgerIn {
				m.promoteFeeEntry(item, state)
			}
			if direction == storage.LedgerOut {
				if err := m.unspent.SetState(item.txid, item.vout, state); err != nil {
					m.log.Error("utxo promote failed", "error", err)
				}
			}
			continue
		}

		if err := m.store.PutLedgerEntry(&storage.LedgerEntry{
			Address: item.address, Direction: direction,
			TxID: item.txid, Vout: item.vout,
			State: string(state), Amount: item.amount,
		}); err != nil {
			m.log.Error("ledger write failed", "error", err)
			continue
		}
		m.applyTotal(state, signed)

		if direction == storage.LedgerIn && fee > 0 {
			if err := m.store.PutLedgerEntry(&storage.LedgerEntry{
				Address: item.address, Direction: storage.LedgerFee,
				TxID: item.txid, Vout: item.vout,
				State: string(state), Amount: fee,
			}); err != nil {
				m.log.Error("fee ledger write failed", "error", err)
			}
		}

		if err := m.store.MarkAddressHasTx(item.address); err != nil {
			m.log.Error("has_tx update failed", "error", err)
		}

		switch direction {
		case storage.LedgerOut:
			if err := m.unspent.Add(&UTXO{
				TxID:      item.txid,
				Vout:      item.vout,
				Value:     item.amount,
				Address:   item.address,
				PublicKey: rec.PublicKey,
				Path:      fmt.Sprintf("%d/%d", rec.Branch, rec.Index),
				State:     state,
			}); err != nil {
				m.log.Error("utxo add failed", "error", err)
			}
		case storage.LedgerIn:
			if err := m.unspent.Remove(item.txid, item.vout); err != nil {
				m.log.Error("utxo remove failed", "error", err)
			}
		}
	}
}

// promoteFeeEntry moves a fee ledger entry along with its input entry.
func (m *Manager) promoteFeeEntry(item utxoItem, state TxState) {
	feeEntry, err := m.store.GetLedgerEntry(item.address, storage.LedgerFee, item.txid, item.vout)
	if err != nil || feeEntry == nil {
		return
	}
	if TxState(feeEntry.State).rank() >= state.rank() {
		return
	}
	feeEntry.State = string(state)
	if err := m.store.PutLedgerEntry(feeEntry); err != nil {
		m.log.Error("fee ledger promote failed", "error", err)
	}
}

// applyTotal adjusts one aggregate, logging persistence failures.
func (m *Manager) applyTotal(state TxState, delta int64) {
	if delta == 0 {
		return
	}
	if err := m.total.Apply(state, delta); err != nil {
		m.log.Error("balance total update failed", "error", err)
	}
}
