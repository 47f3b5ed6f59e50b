// Package sync - the live UTXO set with atomic reservations for
// spending.
package sync

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/klingon-exchange/klingpay/internal/storage"
	"github.com/klingon-exchange/klingpay/internal/wallet"
	"github.com/klingon-exchange/klingpay/pkg/logging"
)

// Strategy selects the coin selection algorithm.
type Strategy string

// StrategyLargestFirst accumulates confirmed UTXOs in descending value
// order, falling back to pending. Foreign mempool funds are never
// spent; change of our own broadcasts is the last resort.
const StrategyLargestFirst Strategy = "largest_first"

// UTXO is one live unspent output.
type UTXO struct {
	TxID   string  `json:"txid"`
	Vout   uint32  `json:"index"`
	Value  int64   `json:"value"`
	Address string `json:"address"`

	// Signing material: compressed pubkey hex and short path
	// "branch/index" of the owning address.
	PublicKey string `json:"address_public_key"`
	Path      string `json:"address_path"`

	State  TxState `json:"state"`
	Locked bool    `json:"locked"`
}

// Outpoint returns the UTXO's unique identity.
func (u *UTXO) Outpoint() string {
	return outpointKey(u.TxID, u.Vout)
}

// Reservation is a set of locked UTXOs handed to the transaction
// builder. The UTXOs stay invisible to further reservations until
// spent through or explicitly unlocked.
type Reservation struct {
	ID     string
	UTXOs  []*UTXO
	Total  int64
	Fee    int64 // estimated at selection time; the builder's final fee is authoritative
	Change int64
}

// UnspentStore holds the live UTXO set in memory, persisted write-through.
type UnspentStore struct {
	store *storage.Storage
	log   *logging.Logger

	mu           sync.Mutex
	utxos        map[string]*UTXO   // outpoint -> utxo
	reservations map[string][]string // reservation id -> outpoints
}

// NewUnspentStore loads the persisted set. Stale locks from a previous
// run are released: a crashed builder's spend either reached the chain
// (the input observation removes the UTXO) or never will.
func NewUnspentStore(store *storage.Storage, log *logging.Logger) (*UnspentStore, error) {
	if log == nil {
		log = logging.Component("unspent")
	}

	records, err := store.ListUTXOs()
	if err != nil {
		return nil, err
	}

	us := &UnspentStore{
		store:        store,
		log:          log,
		utxos:        make(map[string]*UTXO, len(records)),
		reservations: make(map[string][]string),
	}

	for _, rec := range records {
		u := &UTXO{
			TxID:      rec.TxID,
			Vout:      rec.Vout,
			Value:     rec.Amount,
			Address:   rec.Address,
			PublicKey: rec.PublicKey,
			Path:      rec.Path,
			State:     TxState(rec.State),
		}
		if rec.Locked {
			if err := store.SetUTXOLocked(rec.TxID, rec.Vout, false); err != nil {
				return nil, err
			}
		}
		us.utxos[u.Outpoint()] = u
	}

	return us, nil
}

func (us *UnspentStore) persist(u *UTXO) error {
	return us.store.SaveUTXO(&storage.UTXORecord{
		TxID:      u.TxID,
		Vout:      u.Vout,
		Amount:    u.Value,
		Address:   u.Address,
		PublicKey: u.PublicKey,
		Path:      u.Path,
		State:     string(u.State),
		Locked:    u.Locked,
	})
}

// Add inserts or updates a UTXO.
func (us *UnspentStore) Add(u *UTXO) error {
	us.mu.Lock()
	defer us.mu.Unlock()

	if existing, ok := us.utxos[u.Outpoint()]; ok {
		// Never regress state or drop a lock on re-observation.
		if u.State.rank() < existing.State.rank() {
			u.State = existing.State
		}
		u.Locked = existing.Locked
	}
	us.utxos[u.Outpoint()] = u
	return us.persist(u)
}

// Remove deletes a UTXO whose spending input was observed.
func (us *UnspentStore) Remove(txid string, vout uint32) error {
	us.mu.Lock()
	defer us.mu.Unlock()

	delete(us.utxos, outpointKey(txid, vout))
	return us.store.DeleteUTXO(txid, vout)
}

// SetState promotes a UTXO's lifecycle state.
func (us *UnspentStore) SetState(txid string, vout uint32, state TxState) error {
	us.mu.Lock()
	defer us.mu.Unlock()

	u, ok := us.utxos[outpointKey(txid, vout)]
	if !ok {
		return nil
	}
	if state.rank() <= u.State.rank() {
		return nil
	}
	u.State = state
	return us.persist(u)
}

// Get returns the UTXO at an outpoint, or nil.
func (us *UnspentStore) Get(txid string, vout uint32) *UTXO {
	us.mu.Lock()
	defer us.mu.Unlock()
	return us.utxos[outpointKey(txid, vout)]
}

// All returns a snapshot of the live set.
func (us *UnspentStore) All() []*UTXO {
	us.mu.Lock()
	defer us.mu.Unlock()

	list := make([]*UTXO, 0, len(us.utxos))
	for _, u := range us.utxos {
		copied := *u
		list = append(list, &copied)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Outpoint() < list[j].Outpoint() })
	return list
}

// Balance sums the whole set per state; locked (reserved) UTXOs are
// included.
func (us *UnspentStore) Balance() map[TxState]int64 {
	us.mu.Lock()
	defer us.mu.Unlock()

	totals := make(map[TxState]int64)
	for _, u := range us.utxos {
		totals[u.State] += u.Value
	}
	return totals
}

// Reconcile finalizes the set after a sync pass: any UTXO whose
// spending input has been observed is dropped, and signing material is
// backfilled for addresses recognized after the output was first seen.
func (us *UnspentStore) Reconcile() error {
	us.mu.Lock()
	defer us.mu.Unlock()

	for key, u := range us.utxos {
		spent, err := us.store.HasSpendingInput(u.TxID, u.Vout)
		if err != nil {
			return err
		}
		if spent {
			delete(us.utxos, key)
			if err := us.store.DeleteUTXO(u.TxID, u.Vout); err != nil {
				return err
			}
			continue
		}

		if u.PublicKey == "" || u.Path == "" {
			rec, err := us.store.GetAddress(u.Address)
			if err != nil {
				return err
			}
			if rec != nil {
				u.PublicKey = rec.PublicKey
				u.Path = fmt.Sprintf("%d/%d", rec.Branch, rec.Index)
				if err := us.persist(u); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// ReserveForAmount selects UTXOs covering value plus the estimated fee
// of a 2-output spend, locks them and returns the reservation. The fee
// estimate is recomputed as each input is added since every input
// grows the transaction's vsize.
func (us *UnspentStore) ReserveForAmount(value, feeRate int64, strategy Strategy) (*Reservation, error) {
	if strategy == "" {
		strategy = StrategyLargestFirst
	}
	if strategy != StrategyLargestFirst {
		return nil, fmt.Errorf("unknown selection strategy: %q", strategy)
	}

	us.mu.Lock()
	defer us.mu.Unlock()

	// Confirmed funds first, pending as fallback. Mempool outputs are
	// spendable only when they are change of our own broadcast
	// transactions (back-to-back sends); foreign mempool funds never
	// qualify.
	tier := func(u *UTXO) int {
		switch u.State {
		case StateConfirmed:
			return 0
		case StatePending:
			return 1
		default:
			return 2
		}
	}
	candidates := make([]*UTXO, 0, len(us.utxos))
	for _, u := range us.utxos {
		if u.Locked {
			continue
		}
		if u.State == StateMempool {
			sent, err := us.store.GetSentTx(u.TxID)
			if err != nil || sent == nil {
				continue
			}
		}
		candidates = append(candidates, u)
	}
	sort.Slice(candidates, func(i, j int) bool {
		ci, cj := candidates[i], candidates[j]
		if tier(ci) != tier(cj) {
			return tier(ci) < tier(cj)
		}
		if ci.Value != cj.Value {
			return ci.Value > cj.Value
		}
		return ci.Outpoint() < cj.Outpoint()
	})

	var selected []*UTXO
	var total int64
	var fee int64
	for _, u := range candidates {
		selected = append(selected, u)
		total += u.Value

		fee = int64(wallet.EstimateVSize(len(selected), 2)) * feeRate
		if total >= value+fee {
			id := uuid.NewString()
			outpoints := make([]string, 0, len(selected))
			for _, su := range selected {
				su.Locked = true
				if err := us.store.SetUTXOLocked(su.TxID, su.Vout, true); err != nil {
					return nil, err
				}
				outpoints = append(outpoints, su.Outpoint())
			}
			us.reservations[id] = outpoints

			reserved := make([]*UTXO, len(selected))
			for i, su := range selected {
				copied := *su
				reserved[i] = &copied
			}
			return &Reservation{
				ID:     id,
				UTXOs:  reserved,
				Total:  total,
				Fee:    fee,
				Change: total - value - fee,
			}, nil
		}
	}

	return nil, ErrInsufficientFunds
}

// Unlock releases a reservation after a failed send.
func (us *UnspentStore) Unlock(res *Reservation) error {
	us.mu.Lock()
	defer us.mu.Unlock()

	outpoints, ok := us.reservations[res.ID]
	if !ok {
		return nil
	}
	delete(us.reservations, res.ID)

	for _, op := range outpoints {
		u, ok := us.utxos[op]
		if !ok {
			continue
		}
		u.Locked = false
		if err := us.store.SetUTXOLocked(u.TxID, u.Vout, false); err != nil {
			return err
		}
	}
	return nil
}

// Clear drops the whole set (restart sync).
func (us *UnspentStore) Clear() error {
	us.mu.Lock()
	defer us.mu.Unlock()

	us.utxos = make(map[string]*UTXO)
	us.reservations = make(map[string][]string)
	return us.store.ClearUTXOs()
}
