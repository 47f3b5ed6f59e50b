package wallet

import (
	"context"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/klingon-exchange/klingpay/internal/chain"
	"github.com/klingon-exchange/klingpay/internal/storage"
)

// Test mnemonic (DO NOT USE FOR REAL FUNDS)
const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func newTestDeriver(t *testing.T, network chain.Network) *KeyDeriver {
	t.Helper()
	kd, err := NewFromMnemonic(testMnemonic, "", network)
	if err != nil {
		t.Fatalf("NewFromMnemonic() error = %v", err)
	}
	return kd
}

func TestGenerateMnemonic(t *testing.T) {
	mnemonic, err := GenerateMnemonic(256)
	if err != nil {
		t.Fatalf("GenerateMnemonic() error = %v", err)
	}
	if words := strings.Fields(mnemonic); len(words) != 24 {
		t.Errorf("expected 24 words, got %d", len(words))
	}
	if !ValidateMnemonic(mnemonic) {
		t.Error("generated mnemonic should be valid")
	}

	mnemonic, err = GenerateMnemonic(128)
	if err != nil {
		t.Fatalf("GenerateMnemonic(128) error = %v", err)
	}
	if words := strings.Fields(mnemonic); len(words) != 12 {
		t.Errorf("expected 12 words, got %d", len(words))
	}
}

func TestNewFromMnemonicInvalid(t *testing.T) {
	if _, err := NewFromMnemonic("invalid mnemonic", "", chain.Mainnet); err == nil {
		t.Error("expected error for invalid mnemonic")
	}
}

// BIP84 test vectors for the canonical mnemonic.
func TestBIP84Vectors(t *testing.T) {
	kd := newTestDeriver(t, chain.Mainnet)

	tests := []struct {
		path chain.Path
		want string
	}{
		{chain.Path{Branch: chain.External, Index: 0}, "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu"},
		{chain.Path{Branch: chain.External, Index: 1}, "bc1qnjg0jd8228aq7egyzacy8cys3knf9xvrerkf9g"},
		{chain.Path{Branch: chain.Internal, Index: 0}, "bc1q8c6fshw2dlwun7ekn9qwf37cu2rn755upcp6el"},
		{chain.Path{Branch: chain.Internal, Index: 1}, "bc1qggnasd834t54yulsep6fta8lpjekv4zj6gv5rf"},
	}

	for _, tc := range tests {
		d, err := kd.Derive(tc.path)
		if err != nil {
			t.Fatalf("Derive(%v) error = %v", tc.path, err)
		}
		if d.Address != tc.want {
			t.Errorf("Derive(%v) = %s, want %s", tc.path, d.Address, tc.want)
		}
	}
}

func TestDeriveScriptHash(t *testing.T) {
	kd := newTestDeriver(t, chain.Mainnet)

	d0, err := kd.Derive(chain.Path{Branch: chain.External, Index: 0})
	if err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	if len(d0.ScriptHash) != 64 {
		t.Errorf("script hash length = %d, want 64", len(d0.ScriptHash))
	}
	if len(d0.PublicKey) != 66 {
		t.Errorf("compressed pubkey hex length = %d, want 66", len(d0.PublicKey))
	}

	// Script hash matches the one computed from the encoded address.
	fromAddr, err := ScriptHashForAddress(d0.Address, chain.Mainnet)
	if err != nil {
		t.Fatalf("ScriptHashForAddress() error = %v", err)
	}
	if fromAddr != d0.ScriptHash {
		t.Errorf("script hash mismatch: %s vs %s", fromAddr, d0.ScriptHash)
	}

	d1, _ := kd.Derive(chain.Path{Branch: chain.External, Index: 1})
	if d1.ScriptHash == d0.ScriptHash {
		t.Error("distinct paths must have distinct script hashes")
	}

	// Derivation is deterministic and cached.
	again, _ := kd.Derive(chain.Path{Branch: chain.External, Index: 0})
	if again.Address != d0.Address {
		t.Error("derivation should be deterministic")
	}
}

func TestPrivateKeyMatchesPublicKey(t *testing.T) {
	kd := newTestDeriver(t, chain.Mainnet)
	p := chain.Path{Branch: chain.External, Index: 0}

	d, _ := kd.Derive(p)
	priv, err := kd.PrivateKey(p)
	if err != nil {
		t.Fatalf("PrivateKey() error = %v", err)
	}

	got := hex.EncodeToString(priv.PubKey().SerializeCompressed())
	if got != d.PublicKey {
		t.Errorf("private key does not match derived public key")
	}
}

func TestRegtestAddresses(t *testing.T) {
	kd := newTestDeriver(t, chain.Regtest)

	d, err := kd.Derive(chain.Path{Branch: chain.External, Index: 0})
	if err != nil {
		t.Fatalf("Derive() error = %v", err)
	}
	if !strings.HasPrefix(d.Address, "bcrt1q") {
		t.Errorf("regtest address should start with bcrt1q, got %s", d.Address)
	}
}

// =============================================================================
// HdWallet
// =============================================================================

func newTestHdWallet(t *testing.T) (*HdWallet, *storage.Storage) {
	t.Helper()
	store, err := storage.New(&storage.Config{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("storage.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	kd := newTestDeriver(t, chain.Regtest)
	return NewHdWallet(kd, store, 5, nil), store
}

func TestForEachAccountGapLimit(t *testing.T) {
	h, _ := newTestHdWallet(t)

	var extPaths, intPaths []uint32
	err := h.ForEachAccount(context.Background(), ScanOptions{}, func(s *Scan) (ScanSignal, error) {
		// indices 0 and 2 on the external branch carry history
		if s.Branch == chain.External {
			extPaths = append(extPaths, s.Path.Index)
			if s.Path.Index == 0 || s.Path.Index == 2 {
				return SignalHasTx, nil
			}
			return SignalNoTx, nil
		}
		intPaths = append(intPaths, s.Path.Index)
		return SignalNoTx, nil
	})
	if err != nil {
		t.Fatalf("ForEachAccount() error = %v", err)
	}

	// External: scans 0..7 (last hasTx at 2, then gap of 5).
	if len(extPaths) != 8 {
		t.Errorf("external paths visited = %v", extPaths)
	}
	for i, idx := range extPaths {
		if idx != uint32(i) {
			t.Fatalf("external scan not monotonic: %v", extPaths)
		}
	}
	// Internal: empty branch scans exactly gap limit paths.
	if len(intPaths) != 5 {
		t.Errorf("internal paths visited = %v", intPaths)
	}
}

func TestForEachAccountResume(t *testing.T) {
	h, _ := newTestHdWallet(t)

	// Stop after two external paths.
	visited := 0
	err := h.ForEachAccount(context.Background(), ScanOptions{}, func(s *Scan) (ScanSignal, error) {
		visited++
		if visited == 2 {
			return SignalStop, nil
		}
		return SignalNoTx, nil
	})
	if err != nil {
		t.Fatalf("ForEachAccount() error = %v", err)
	}

	// Resume continues at the next path, not index 0.
	var first uint32
	got := false
	err = h.ForEachAccount(context.Background(), ScanOptions{}, func(s *Scan) (ScanSignal, error) {
		if !got {
			first = s.Path.Index
			got = true
		}
		return SignalStop, nil
	})
	if err != nil {
		t.Fatalf("resume error = %v", err)
	}
	if first != 1 {
		t.Errorf("resume started at %d, want 1", first)
	}

	// Reset rewinds to 0.
	got = false
	h.ForEachAccount(context.Background(), ScanOptions{Reset: true}, func(s *Scan) (ScanSignal, error) {
		if !got {
			first = s.Path.Index
			got = true
		}
		return SignalStop, nil
	})
	if first != 0 {
		t.Errorf("reset scan started at %d, want 0", first)
	}
}

func TestNewAddressReuseGuard(t *testing.T) {
	h, store := newTestHdWallet(t)

	a0, err := h.NewAddress(chain.External)
	if err != nil {
		t.Fatalf("NewAddress() error = %v", err)
	}
	if a0.Path.Index != 0 {
		t.Errorf("first address index = %d, want 0", a0.Path.Index)
	}

	// Handing out again without any observed history moves to the next
	// index: issued addresses are never re-issued.
	a1, _ := h.NewAddress(chain.External)
	if a1.Path.Index != 1 {
		t.Errorf("second address index = %d, want 1", a1.Path.Index)
	}

	// Observing history at index 6 pushes the next address past it,
	// even though 2..5 were never handed out.
	rec, err := h.EnsureAddress(chain.Path{Branch: chain.External, Index: 6})
	if err != nil {
		t.Fatalf("EnsureAddress() error = %v", err)
	}
	store.MarkAddressHasTx(rec.Address)

	a7, _ := h.NewAddress(chain.External)
	if a7.Path.Index != 7 {
		t.Errorf("address after observed index 6 = %d, want 7", a7.Path.Index)
	}

	// A fresh instance over the same storage keeps the guard.
	h2 := NewHdWallet(newTestDeriver(t, chain.Regtest), store, 5, nil)
	a8, _ := h2.NewAddress(chain.External)
	if a8.Path.Index != 8 {
		t.Errorf("fresh instance address index = %d, want 8", a8.Path.Index)
	}

	// Internal branch has its own counter.
	c0, _ := h.NewAddress(chain.Internal)
	if c0.Path.Index != 0 {
		t.Errorf("first change index = %d, want 0", c0.Path.Index)
	}
}

func TestLastExternalPath(t *testing.T) {
	h, store := newTestHdWallet(t)

	p, err := h.LastExternalPath()
	if err != nil || p != nil {
		t.Fatalf("LastExternalPath() on empty wallet = %v, %v", p, err)
	}

	rec, _ := h.EnsureAddress(chain.Path{Branch: chain.External, Index: 3})
	store.MarkAddressHasTx(rec.Address)

	p, _ = h.LastExternalPath()
	if p == nil || p.Index != 3 {
		t.Errorf("LastExternalPath() = %+v, want index 3", p)
	}
}
