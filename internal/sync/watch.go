// Package sync - bounded ring of subscribed script-hashes.
package sync

import (
	"context"
	"sync"

	"github.com/klingon-exchange/klingpay/internal/chain"
	"github.com/klingon-exchange/klingpay/internal/provider"
	"github.com/klingon-exchange/klingpay/internal/storage"
	"github.com/klingon-exchange/klingpay/pkg/logging"
)

// AddressWatch tracks which script-hashes are subscribed at the
// provider. The ring is bounded per branch; eviction is FIFO. Entries
// persist so a restarted wallet resubscribes before accepting work.
type AddressWatch struct {
	store *storage.Storage
	prov  provider.Client
	max   int
	log   *logging.Logger
	mu    sync.Mutex
}

// NewAddressWatch creates the watch ring.
func NewAddressWatch(store *storage.Storage, prov provider.Client, max int, log *logging.Logger) *AddressWatch {
	if max <= 0 {
		max = 10
	}
	if log == nil {
		log = logging.Component("watch")
	}
	return &AddressWatch{store: store, prov: prov, max: max, log: log}
}

// Resume resubscribes every persisted script-hash and returns the
// entries whose provider status changed while the wallet was offline.
func (aw *AddressWatch) Resume(ctx context.Context) ([]*storage.WatchedScript, error) {
	aw.mu.Lock()
	defer aw.mu.Unlock()

	entries, err := aw.store.ListWatchedScripts()
	if err != nil {
		return nil, err
	}

	var changed []*storage.WatchedScript
	for _, entry := range entries {
		status, err := aw.prov.SubscribeScriptHash(ctx, entry.ScriptHash)
		if err != nil {
			return nil, err
		}
		if status != entry.Status {
			fresh := *entry
			fresh.Status = status
			changed = append(changed, &fresh)
		}
	}

	aw.log.Debug("resumed watch ring", "entries", len(entries), "changed", len(changed))
	return changed, nil
}

// Watch subscribes a script-hash and appends it to the branch's ring,
// evicting the oldest entry past the bound. Returns the current status.
func (aw *AddressWatch) Watch(ctx context.Context, branch chain.Branch, scriptHash string) (string, error) {
	aw.mu.Lock()
	defer aw.mu.Unlock()

	status, err := aw.prov.SubscribeScriptHash(ctx, scriptHash)
	if err != nil {
		return "", err
	}

	if err := aw.store.SaveWatchedScript(uint32(branch), scriptHash, status); err != nil {
		return "", err
	}

	// FIFO eviction past the per-branch bound. The protocol has no
	// unsubscribe; dropped entries just stop being tracked.
	entries, err := aw.store.ListWatchedScripts()
	if err != nil {
		return "", err
	}
	var branchEntries []*storage.WatchedScript
	for _, e := range entries {
		if e.Branch == uint32(branch) {
			branchEntries = append(branchEntries, e)
		}
	}
	for len(branchEntries) > aw.max {
		oldest := branchEntries[0]
		branchEntries = branchEntries[1:]
		if err := aw.store.DeleteWatchedScript(oldest.ScriptHash); err != nil {
			return "", err
		}
		aw.log.Debug("evicted watched script", "script_hash", oldest.ScriptHash)
	}

	return status, nil
}

// Lookup returns the watched entry for a script-hash, or nil.
func (aw *AddressWatch) Lookup(scriptHash string) (*storage.WatchedScript, error) {
	aw.mu.Lock()
	defer aw.mu.Unlock()

	entries, err := aw.store.ListWatchedScripts()
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.ScriptHash == scriptHash {
			return e, nil
		}
	}
	return nil, nil
}

// UpdateStatus records the latest provider status for a script-hash.
func (aw *AddressWatch) UpdateStatus(branch uint32, scriptHash, status string) error {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	return aw.store.SaveWatchedScript(branch, scriptHash, status)
}

// Drop removes a script-hash from the ring (internal-chain entries
// whose balance is known consumed).
func (aw *AddressWatch) Drop(scriptHash string) error {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	return aw.store.DeleteWatchedScript(scriptHash)
}
