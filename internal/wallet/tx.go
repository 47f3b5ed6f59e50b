// Package wallet - witness transaction construction and BIP143 signing.
package wallet

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/klingon-exchange/klingpay/internal/chain"
)

// P2WPKH weight constants for fee estimation (vbytes).
const (
	txOverheadVSize = 11 // version, segwit marker, counts, locktime
	inputVSize      = 68 // outpoint, empty sig script, sequence, witness
	outputVSize     = 31 // value + P2WPKH script
)

// TxInput is one UTXO consumed by a transaction, with the material
// needed to sign it.
type TxInput struct {
	TxID      string
	Vout      uint32
	Value     int64
	PublicKey string // compressed, hex
	Priv      *btcec.PrivateKey
}

// Outpoint renders the input's outpoint as txid:vout.
func (in *TxInput) Outpoint() string {
	return fmt.Sprintf("%s:%d", in.TxID, in.Vout)
}

// TxOutput is one output of a transaction under construction.
type TxOutput struct {
	Address string
	Value   int64
}

// EstimateVSize estimates the virtual size of an all-P2WPKH transaction.
func EstimateVSize(numInputs, numOutputs int) int {
	return txOverheadVSize + numInputs*inputVSize + numOutputs*outputVSize
}

// VSize computes the exact virtual size of a (signed) transaction:
// ceil(weight / 4) with weight = 3*stripped + total.
func VSize(tx *wire.MsgTx) int {
	stripped := tx.SerializeSizeStripped()
	total := tx.SerializeSize()
	weight := 3*stripped + total
	return (weight + 3) / 4
}

// ValidateAddress checks that an address parses and belongs to the
// given network.
func ValidateAddress(address string, network chain.Network) error {
	params := network.Params()
	decoded, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", address, err)
	}
	if !decoded.IsForNet(params) {
		return fmt.Errorf("address %q is not valid for %s", address, network)
	}
	return nil
}

// AddressToScript decodes an address and returns its output script.
func AddressToScript(address string, network chain.Network) ([]byte, error) {
	params := network.Params()
	decoded, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, fmt.Errorf("failed to decode address: %w", err)
	}
	if !decoded.IsForNet(params) {
		return nil, fmt.Errorf("address %q is not valid for %s", address, network)
	}

	script, err := txscript.PayToAddrScript(decoded)
	if err != nil {
		return nil, fmt.Errorf("failed to create output script: %w", err)
	}
	return script, nil
}

// pkScriptForInput rebuilds the P2WPKH output script being spent from
// the input's compressed public key.
func pkScriptForInput(in *TxInput) ([]byte, error) {
	raw, err := hex.DecodeString(in.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid public key hex for %s: %w", in.Outpoint(), err)
	}
	pubKey, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid public key for %s: %w", in.Outpoint(), err)
	}

	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(pubKeyHash).
		Script()
}

// BuildTx assembles an unsigned witness transaction spending the given
// inputs into the given outputs, in order.
func BuildTx(inputs []*TxInput, outputs []*TxOutput, network chain.Network) (*wire.MsgTx, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no inputs provided")
	}
	if len(outputs) == 0 {
		return nil, fmt.Errorf("no outputs provided")
	}

	tx := wire.NewMsgTx(wire.TxVersion)

	for _, in := range inputs {
		txHash, err := chainhash.NewHashFromStr(in.TxID)
		if err != nil {
			return nil, fmt.Errorf("invalid txid %s: %w", in.TxID, err)
		}
		outpoint := wire.NewOutPoint(txHash, in.Vout)
		tx.AddTxIn(wire.NewTxIn(outpoint, nil, nil))
	}

	for _, out := range outputs {
		script, err := AddressToScript(out.Address, network)
		if err != nil {
			return nil, fmt.Errorf("invalid output address: %w", err)
		}
		tx.AddTxOut(wire.NewTxOut(out.Value, script))
	}

	return tx, nil
}

// SignTx signs every input with its key using the BIP143 segwit
// sighash. Inputs must align with the transaction's TxIn slice.
func SignTx(tx *wire.MsgTx, inputs []*TxInput) error {
	if len(inputs) != len(tx.TxIn) {
		return fmt.Errorf("input count mismatch: %d keys for %d inputs", len(inputs), len(tx.TxIn))
	}

	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(inputs))
	for i, in := range inputs {
		script, err := pkScriptForInput(in)
		if err != nil {
			return err
		}
		prevOuts[tx.TxIn[i].PreviousOutPoint] = wire.NewTxOut(in.Value, script)
	}
	prevOutFetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, prevOutFetcher)

	for i, in := range inputs {
		prevOut := prevOutFetcher.FetchPrevOutput(tx.TxIn[i].PreviousOutPoint)
		if prevOut == nil {
			return fmt.Errorf("previous output not found for input %d", i)
		}

		witness, err := txscript.WitnessSignature(
			tx,
			sigHashes,
			i,
			prevOut.Value,
			prevOut.PkScript,
			txscript.SigHashAll,
			in.Priv,
			true, // compressed
		)
		if err != nil {
			return fmt.Errorf("failed to sign input %d: %w", i, err)
		}

		tx.TxIn[i].Witness = witness
	}

	return nil
}

// SerializeTx serializes a transaction to broadcast hex.
func SerializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}
