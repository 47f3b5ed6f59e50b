// Package sync - the transaction builder: coin selection, change
// derivation, fee computation, signing, broadcast and mempool
// observation.
package sync

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/google/uuid"

	"github.com/klingon-exchange/klingpay/internal/chain"
	"github.com/klingon-exchange/klingpay/internal/config"
	"github.com/klingon-exchange/klingpay/internal/storage"
	"github.com/klingon-exchange/klingpay/internal/wallet"
	"github.com/klingon-exchange/klingpay/pkg/satoshi"
)

// SendRequest describes one payment.
type SendRequest struct {
	Address string       `json:"address"`
	Amount  string       `json:"amount"`
	Unit    satoshi.Unit `json:"unit"`

	// FeeRate in sat/vB; 0 uses the provider's 2-block estimate.
	FeeRate int64 `json:"fee"`

	// DeductFee subtracts the fee from the destination instead of the
	// change.
	DeductFee bool `json:"deduct_fee"`
}

// SendResult is the builder's record of a broadcast transaction. Its
// vsize, input and output sets match the provider's echo byte for
// byte.
type SendResult struct {
	TxID          string               `json:"txid"`
	Hex           string               `json:"hex"`
	VSize         int                  `json:"vsize"`
	FeeRate       int64                `json:"fee_rate"`
	Fee           int64                `json:"fee"`
	UTXOs         []*UTXO              `json:"utxo"`
	Outputs       []storage.OutputMeta `json:"vout"`
	ChangeAddress string               `json:"change_address"`
	TotalSpent    int64                `json:"total_spent"`
	IsValid       bool                 `json:"is_valid"`
	ToAddresses   []string             `json:"to_address"`
	FromAddresses []string             `json:"from_address"`
	Amount        int64                `json:"amount"`

	// MempoolSeen receives the wallet's entry for this transaction
	// once the provider's mempool has ingested it. Send returning nil
	// error is the first completion signal (broadcast accepted); this
	// channel is the second.
	MempoolSeen <-chan *TxEntry `json:"-"`
}

// Send builds, signs and broadcasts a payment. On any failure after
// reservation the reserved UTXOs are unlocked; the builder never
// retries a failed broadcast.
func (m *Manager) Send(ctx context.Context, req *SendRequest) (*SendResult, error) {
	if !m.Ready() {
		return nil, ErrNotReady
	}

	if err := wallet.ValidateAddress(req.Address, m.network); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}

	amount, err := satoshi.Parse(req.Amount, req.Unit)
	if err != nil {
		return nil, fmt.Errorf("invalid amount: %w", err)
	}
	value := amount.Sats()
	dust := m.cfg.DustLimit
	if value <= dust {
		return nil, fmt.Errorf("%w: %d sat", ErrDustOutput, value)
	}

	feeRate := req.FeeRate
	if feeRate <= 0 {
		if estimated, err := m.prov.EstimateFeeRate(ctx, 2); err == nil && estimated > 0 {
			feeRate = estimated
		} else {
			feeRate = config.DefaultFeeRate
		}
	}

	m.mu.Lock()
	res, err := m.unspent.ReserveForAmount(value, feeRate, StrategyLargestFirst)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}

	result, err := m.buildAndBroadcast(ctx, req, res, value, feeRate)
	if err != nil {
		m.mu.Lock()
		if unlockErr := m.unspent.Unlock(res); unlockErr != nil {
			m.log.Error("failed to unlock reservation", "error", unlockErr)
		}
		m.mu.Unlock()
		return nil, err
	}
	return result, nil
}

// buildAndBroadcast runs the fee-feedback build loop, signs, broadcasts
// and registers the mempool watch.
func (m *Manager) buildAndBroadcast(ctx context.Context, req *SendRequest, res *Reservation, value, feeRate int64) (*SendResult, error) {
	dust := m.cfg.DustLimit

	inputs := make([]*wallet.TxInput, 0, len(res.UTXOs))
	fromAddresses := make([]string, 0, len(res.UTXOs))
	for _, u := range res.UTXOs {
		p, err := chain.ParsePath(u.Path)
		if err != nil {
			return nil, fmt.Errorf("utxo %s has no usable path: %w", u.Outpoint(), err)
		}
		priv, err := m.deriver.PrivateKey(p)
		if err != nil {
			return nil, fmt.Errorf("failed to derive key for %s: %w", u.Outpoint(), err)
		}
		inputs = append(inputs, &wallet.TxInput{
			TxID:      u.TxID,
			Vout:      u.Vout,
			Value:     u.Value,
			PublicKey: u.PublicKey,
			Priv:      priv,
		})
		fromAddresses = append(fromAddresses, u.Address)
	}

	change, err := m.hd.NewAddress(chain.Internal)
	if err != nil {
		return nil, fmt.Errorf("failed to derive change address: %w", err)
	}

	// Iterate add-fee -> rebuild -> recompute vsize until the fee is
	// stable; the final fee is authoritative.
	fee := int64(wallet.EstimateVSize(len(inputs), 2)) * feeRate
	var signed *signedTx
	for iter := 0; iter < 4; iter++ {
		s, err := m.buildSigned(req, inputs, change.Address, res.Total, value, fee, dust)
		if err != nil {
			return nil, err
		}
		newFee := int64(s.vsize) * feeRate
		if newFee == fee || newFee < fee {
			signed = s
			break
		}
		fee = newFee
		signed = s
	}

	txid := signed.tx.TxHash().String()

	// Register before broadcast so the first notification cannot be
	// missed.
	mempoolSeen := m.WatchTxMempool(txid)

	echoTxid, err := m.prov.Broadcast(ctx, signed.hex)
	if err != nil {
		m.dropMempoolWatch(txid)
		return nil, err
	}

	if _, err := m.watch.Watch(ctx, chain.Internal, change.ScriptHash); err != nil {
		m.log.Warn("failed to watch change script hash", "error", err)
	}

	outpoints := make([]string, 0, len(res.UTXOs))
	for _, u := range res.UTXOs {
		outpoints = append(outpoints, u.Outpoint())
	}
	if err := m.store.SaveSentTx(&storage.SentTxRecord{
		ID:            uuid.NewString(),
		TxID:          txid,
		Hex:           signed.hex,
		VSize:         int64(signed.vsize),
		FeeRate:       feeRate,
		Fee:           signed.fee,
		ChangeAddress: change.Address,
		TotalSpent:    signed.totalSpent,
		Inputs:        outpoints,
	}); err != nil {
		m.log.Error("failed to record sent tx", "error", err)
	}

	m.log.Info("broadcast",
		"txid", txid,
		"vsize", signed.vsize,
		"fee", signed.fee,
		"fee_rate", feeRate,
	)

	return &SendResult{
		TxID:          txid,
		Hex:           signed.hex,
		VSize:         signed.vsize,
		FeeRate:       feeRate,
		Fee:           signed.fee,
		UTXOs:         res.UTXOs,
		Outputs:       signed.outputs,
		ChangeAddress: change.Address,
		TotalSpent:    signed.totalSpent,
		IsValid:       echoTxid == txid,
		ToAddresses:   []string{req.Address},
		FromAddresses: fromAddresses,
		Amount:        signed.destValue,
		MempoolSeen:   mempoolSeen,
	}, nil
}

// signedTx is one iteration of the build loop.
type signedTx struct {
	tx         *wire.MsgTx
	hex        string
	vsize      int
	fee        int64
	destValue  int64
	totalSpent int64
	outputs    []storage.OutputMeta
}

// buildSigned assembles and signs one candidate transaction at a given
// fee. Change below the dust limit is folded into the fee.
func (m *Manager) buildSigned(req *SendRequest, inputs []*wallet.TxInput, changeAddress string, total, value, fee, dust int64) (*signedTx, error) {
	destValue := value
	change := total - value - fee
	if req.DeductFee {
		destValue = value - fee
		change = total - value
	}

	if destValue <= dust {
		return nil, fmt.Errorf("%w: destination %d sat after fee", ErrDustOutput, destValue)
	}
	if change < 0 {
		return nil, ErrInsufficientFunds
	}

	outputs := []*wallet.TxOutput{{Address: req.Address, Value: destValue}}
	meta := []storage.OutputMeta{{Address: req.Address, Amount: destValue}}
	withChange := change >= dust
	if withChange {
		outputs = append(outputs, &wallet.TxOutput{Address: changeAddress, Value: change})
		meta = append(meta, storage.OutputMeta{Address: changeAddress, Amount: change, OwnAddress: true})
	}

	tx, err := wallet.BuildTx(inputs, outputs, m.network)
	if err != nil {
		return nil, err
	}
	if err := wallet.SignTx(tx, inputs); err != nil {
		return nil, err
	}

	rawHex, err := wallet.SerializeTx(tx)
	if err != nil {
		return nil, err
	}

	actualFee := total - destValue
	if withChange {
		actualFee = total - destValue - change
	}

	return &signedTx{
		tx:         tx,
		hex:        rawHex,
		vsize:      wallet.VSize(tx),
		fee:        actualFee,
		destValue:  destValue,
		totalSpent: destValue + actualFee,
		outputs:    meta,
	}, nil
}
