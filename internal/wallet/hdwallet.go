// Package wallet - gap-limit-aware path iterator over the account's
// external and internal branches, with the address-reuse guard.
package wallet

import (
	"context"
	"fmt"
	"sync"

	"github.com/klingon-exchange/klingpay/internal/chain"
	"github.com/klingon-exchange/klingpay/internal/storage"
	"github.com/klingon-exchange/klingpay/pkg/logging"
)

// ScanSignal is the visit callback's verdict on one path.
type ScanSignal int

const (
	// SignalNoTx advances the cursor and grows the gap.
	SignalNoTx ScanSignal = iota
	// SignalHasTx advances the cursor and resets the gap.
	SignalHasTx
	// SignalStop aborts the scan cooperatively.
	SignalStop
)

// Scan is the per-path state handed to the visit callback.
type Scan struct {
	Branch  chain.Branch
	Path    chain.Path
	Address *storage.AddressRecord
	State   storage.BranchSyncState
}

// ScanVisit inspects one path and reports whether it carries history.
type ScanVisit func(s *Scan) (ScanSignal, error)

// ScanOptions controls ForEachAccount.
type ScanOptions struct {
	// Reset starts both branches from index 0 instead of the persisted
	// cursor.
	Reset bool
}

// HdWallet walks BIP84 account paths with a gap limit and enforces the
// address-reuse guard for new addresses.
type HdWallet struct {
	deriver  *KeyDeriver
	store    *storage.Storage
	gapLimit uint32
	log      *logging.Logger
	mu       sync.Mutex
}

// NewHdWallet creates an HdWallet over a deriver and a store.
func NewHdWallet(deriver *KeyDeriver, store *storage.Storage, gapLimit uint32, log *logging.Logger) *HdWallet {
	if gapLimit == 0 {
		gapLimit = 20
	}
	if log == nil {
		log = logging.Component("hdwallet")
	}
	return &HdWallet{
		deriver:  deriver,
		store:    store,
		gapLimit: gapLimit,
		log:      log,
	}
}

// Deriver returns the underlying key deriver.
func (h *HdWallet) Deriver() *KeyDeriver {
	return h.deriver
}

// GapLimit returns the configured lookahead.
func (h *HdWallet) GapLimit() uint32 {
	return h.gapLimit
}

// EnsureAddress derives the address at a path and persists its record
// if not yet known. Returns the stored record.
func (h *HdWallet) EnsureAddress(p chain.Path) (*storage.AddressRecord, error) {
	rec, err := h.store.GetAddressByPath(uint32(p.Branch), p.Index)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}

	d, err := h.deriver.Derive(p)
	if err != nil {
		return nil, err
	}

	rec = &storage.AddressRecord{
		Address:    d.Address,
		Branch:     uint32(p.Branch),
		Index:      p.Index,
		Path:       h.deriver.Network().PathString(p),
		PublicKey:  d.PublicKey,
		ScriptHash: d.ScriptHash,
	}
	if err := h.store.SaveAddress(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ForEachAccount drives the gap-limit scan. The external branch is
// scanned to completion before the internal branch. Each path is
// visited exactly once per scan, in strictly ascending index order;
// the cursor and gap counter persist between calls so an interrupted
// scan resumes at the next path.
func (h *HdWallet) ForEachAccount(ctx context.Context, opts ScanOptions, visit ScanVisit) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, branch := range chain.Branches {
		st, err := h.store.GetSyncState(uint32(branch))
		if err != nil {
			return err
		}
		if opts.Reset {
			st.NextIndex = 0
			st.GapCount = 0
		}

		for st.GapCount < h.gapLimit {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			p := chain.Path{Branch: branch, Index: st.NextIndex}
			rec, err := h.EnsureAddress(p)
			if err != nil {
				return fmt.Errorf("failed to derive %s: %w", h.deriver.Network().PathString(p), err)
			}

			sig, err := visit(&Scan{Branch: branch, Path: p, Address: rec, State: *st})
			if err != nil {
				return err
			}

			switch sig {
			case SignalStop:
				if err := h.store.SaveSyncState(st); err != nil {
					return err
				}
				return nil
			case SignalHasTx:
				st.GapCount = 0
				if err := h.store.MarkAddressHasTx(rec.Address); err != nil {
					return err
				}
			case SignalNoTx:
				st.GapCount++
			}

			st.NextIndex++
			if err := h.store.SaveSyncState(st); err != nil {
				return err
			}
		}

		h.log.Debug("branch scan complete", "branch", branch.String(), "next_index", st.NextIndex)
	}

	return nil
}

// NewAddress returns the lowest-index path on the branch that has never
// been observed to carry a transaction and has never been handed out
// before. The reuse guard holds across restarts and across fresh
// instances built from the same seed, because both has_tx and issued
// are persisted per address.
func (h *HdWallet) NewAddress(branch chain.Branch) (*Derived, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	max, err := h.store.MaxUsedIndex(uint32(branch))
	if err != nil {
		return nil, err
	}
	next := uint32(max + 1)

	p := chain.Path{Branch: branch, Index: next}
	rec, err := h.EnsureAddress(p)
	if err != nil {
		return nil, err
	}
	if err := h.store.MarkAddressIssued(rec.Address); err != nil {
		return nil, err
	}

	return h.deriver.Derive(p)
}

// LastExternalPath returns the highest external path observed to carry
// a transaction, or nil if none has.
func (h *HdWallet) LastExternalPath() (*chain.Path, error) {
	max, err := h.store.MaxActiveIndex(uint32(chain.External))
	if err != nil {
		return nil, err
	}
	if max < 0 {
		return nil, nil
	}
	return &chain.Path{Branch: chain.External, Index: uint32(max)}, nil
}

// AllAddresses lists every derived address record.
func (h *HdWallet) AllAddresses() ([]*storage.AddressRecord, error) {
	return h.store.ListAddresses()
}

// OwnAddress reports whether the address belongs to this wallet and
// returns its record if so.
func (h *HdWallet) OwnAddress(address string) (*storage.AddressRecord, error) {
	return h.store.GetAddress(address)
}

// ResetSyncState clears the persisted branch cursors so the next scan
// starts from index 0.
func (h *HdWallet) ResetSyncState() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.store.ResetSyncState()
}
