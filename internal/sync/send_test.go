package sync

import (
	"context"
	"fmt"
	"testing"

	"github.com/klingon-exchange/klingpay/internal/chain"
	"github.com/klingon-exchange/klingpay/internal/provider"
	"github.com/klingon-exchange/klingpay/pkg/satoshi"
)

// fundedWallet returns a wallet holding the given confirmed UTXOs on
// ext/0.
func fundedWallet(t *testing.T, fp *fakeProvider, values ...int64) *Manager {
	t.Helper()
	m := newTestWallet(t, fp)
	d0 := derive(t, m, chain.External, 0)

	for i, v := range values {
		txid := fmt.Sprintf("%064x", 0xf00+i)
		fp.fund(txid, d0.Address, d0.ScriptHash, v, startTip-5)
	}
	mustSync(t, m)
	return m
}

// destAddr derives a valid regtest address far outside the scanned
// range, so the wallet treats it as a foreign destination.
func destAddr(t *testing.T, m *Manager) string {
	t.Helper()
	return derive(t, m, chain.External, 90).Address
}

func TestSendSpendsAndReturnsChange(t *testing.T) {
	fp := newFakeProvider(chain.Regtest, startTip)
	m := fundedWallet(t, fp, 10_000_000, 10_000_000)
	d0 := derive(t, m, chain.External, 0)

	res, err := m.Send(context.Background(), &SendRequest{
		Address: destAddr(t, m),
		Amount:  "0.1",
		Unit:    satoshi.UnitMain,
		FeeRate: 10,
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if !res.IsValid {
		t.Error("broadcast echo txid mismatch")
	}
	if res.Amount != 10_000_000 {
		t.Errorf("amount = %d", res.Amount)
	}
	if res.TotalSpent != 10_000_000+res.Fee {
		t.Errorf("total spent = %d, fee = %d", res.TotalSpent, res.Fee)
	}
	if res.ChangeAddress == "" || len(res.Outputs) != 2 {
		t.Errorf("change missing: %+v", res.Outputs)
	}

	// The builder record matches the provider's echo.
	echo, err := fp.Transaction(context.Background(), res.TxID, false)
	if err != nil {
		t.Fatalf("echo fetch error = %v", err)
	}
	if echo.Hex != res.Hex {
		t.Error("hex mismatch with provider echo")
	}
	if echo.VSize != int64(res.VSize) {
		t.Errorf("vsize mismatch: echo %d, builder %d", echo.VSize, res.VSize)
	}
	if len(echo.Inputs) != len(res.UTXOs) || len(echo.Outputs) != len(res.Outputs) {
		t.Errorf("vin/vout count mismatch")
	}
	for i, out := range echo.Outputs {
		if out.Value != res.Outputs[i].Amount {
			t.Errorf("vout %d value mismatch: %d vs %d", i, out.Value, res.Outputs[i].Amount)
		}
	}
	// The final fee meets the requested rate; signature-length
	// variance may leave it at most a couple vbytes above.
	if res.Fee < int64(res.VSize)*res.FeeRate {
		t.Errorf("fee %d below vsize %d * rate %d", res.Fee, res.VSize, res.FeeRate)
	}
	if res.Fee > int64(res.VSize+3)*res.FeeRate {
		t.Errorf("fee %d overshoots vsize %d * rate %d", res.Fee, res.VSize, res.FeeRate)
	}

	// The provider announces the spend on the source script hash; the
	// wallet's mempool balance goes to -totalSpent while confirmed is
	// untouched.
	fp.notifyScript(d0.ScriptHash, "spent-1")

	b := mustBalance(t, m)
	if b.Mempool != -res.TotalSpent {
		t.Errorf("mempool = %d, want %d", b.Mempool, -res.TotalSpent)
	}
	if b.Pending != 0 || b.Confirmed != 20_000_000 {
		t.Errorf("balance = %+v", b)
	}

	select {
	case entry := <-res.MempoolSeen:
		if entry.TxID != res.TxID || entry.Direction != DirectionOutgoing {
			t.Errorf("mempool entry = %+v", entry)
		}
	default:
		t.Fatal("MempoolSeen did not fire")
	}

	// Mine the send: pending, then confirmed.
	fp.confirmTx(res.TxID, startTip+1)
	fp.mineBlock()
	b = mustBalance(t, m)
	if b.Mempool != 0 || b.Pending != -res.TotalSpent || b.Confirmed != 20_000_000 {
		t.Errorf("after mining send: %+v", b)
	}

	fp.mineBlock()
	b = mustBalance(t, m)
	if b.Mempool != 0 || b.Pending != 0 || b.Confirmed != 20_000_000-res.TotalSpent {
		t.Errorf("after confirm: %+v", b)
	}

	// UTXO conservation: both funding outputs were consumed, only the
	// change output remains.
	utxos := m.Unspent().All()
	if len(utxos) != 1 || utxos[0].Address != res.ChangeAddress {
		t.Errorf("utxo set = %+v", utxos)
	}
}

// Spending the whole balance as the amount cannot cover
// the fee.
func TestSendInsufficientFunds(t *testing.T) {
	fp := newFakeProvider(chain.Regtest, startTip)
	m := fundedWallet(t, fp, 10_000_000, 10_000_000)

	_, err := m.Send(context.Background(), &SendRequest{
		Address: destAddr(t, m),
		Amount:  "0.2",
		Unit:    satoshi.UnitMain,
		FeeRate: 10,
	})
	if err != ErrInsufficientFunds {
		t.Errorf("Send() error = %v, want ErrInsufficientFunds", err)
	}
}

// A second send before confirmation consumes the first
// send's change.
func TestConsecutiveSendsUseChange(t *testing.T) {
	fp := newFakeProvider(chain.Regtest, startTip)
	m := fundedWallet(t, fp, 10_000_000)
	d0 := derive(t, m, chain.External, 0)

	send := func() *SendResult {
		res, err := m.Send(context.Background(), &SendRequest{
			Address: destAddr(t, m),
			Amount:  "0.02",
			Unit:    satoshi.UnitMain,
			FeeRate: 2,
		})
		if err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		return res
	}

	res1 := send()
	fp.notifyScript(d0.ScriptHash, "spent-1")

	res2 := send()
	if res2.UTXOs[0].TxID != res1.TxID {
		t.Errorf("second send spent %s, want change of %s", res2.UTXOs[0].TxID, res1.TxID)
	}

	// Announce the second spend on the first change address.
	c0 := derive(t, m, chain.Internal, 0)
	fp.notifyScript(c0.ScriptHash, "spent-2")

	b := mustBalance(t, m)
	if b.Mempool != -(res1.TotalSpent + res2.TotalSpent) {
		t.Errorf("mempool = %d, want %d", b.Mempool, -(res1.TotalSpent + res2.TotalSpent))
	}

	// Each send derived a fresh internal change address.
	if res1.ChangeAddress == res2.ChangeAddress {
		t.Error("change address reused")
	}
}

func TestSendDeductFee(t *testing.T) {
	fp := newFakeProvider(chain.Regtest, startTip)
	m := fundedWallet(t, fp, 10_000_000)

	res, err := m.Send(context.Background(), &SendRequest{
		Address:   destAddr(t, m),
		Amount:    "0.05",
		Unit:      satoshi.UnitMain,
		FeeRate:   5,
		DeductFee: true,
	})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if res.Amount != 5_000_000-res.Fee {
		t.Errorf("destination = %d, want amount minus fee %d", res.Amount, 5_000_000-res.Fee)
	}
	if res.TotalSpent != 5_000_000 {
		t.Errorf("total spent = %d, want 5000000", res.TotalSpent)
	}
}

func TestSendValidation(t *testing.T) {
	fp := newFakeProvider(chain.Regtest, startTip)
	m := fundedWallet(t, fp, 10_000_000)

	// Mainnet address on regtest.
	if _, err := m.Send(context.Background(), &SendRequest{
		Address: "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu",
		Amount:  "0.01", Unit: satoshi.UnitMain, FeeRate: 1,
	}); err == nil {
		t.Error("wrong-network address should fail")
	}

	// Dust amount.
	if _, err := m.Send(context.Background(), &SendRequest{
		Address: destAddr(t, m),
		Amount:  "500", Unit: satoshi.UnitBase, FeeRate: 1,
	}); err == nil {
		t.Error("dust output should fail")
	}
}

func TestBroadcastFailureUnlocksReservation(t *testing.T) {
	fp := newFakeProvider(chain.Regtest, startTip)
	m := fundedWallet(t, fp, 10_000_000)

	fp.mu.Lock()
	fp.broadcastErr = provider.ErrBroadcastFailed
	fp.mu.Unlock()

	if _, err := m.Send(context.Background(), &SendRequest{
		Address: destAddr(t, m),
		Amount:  "0.01", Unit: satoshi.UnitMain, FeeRate: 1,
	}); err == nil {
		t.Fatal("expected broadcast failure")
	}

	// The reservation was released: the same funds are spendable.
	fp.mu.Lock()
	fp.broadcastErr = nil
	fp.mu.Unlock()

	if _, err := m.Send(context.Background(), &SendRequest{
		Address: destAddr(t, m),
		Amount:  "0.01", Unit: satoshi.UnitMain, FeeRate: 1,
	}); err != nil {
		t.Errorf("Send() after unlock error = %v", err)
	}
}
