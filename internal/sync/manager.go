// Package sync - the orchestrator. Owns every sub-store by value and
// drives all notifications; sub-components return results instead of
// holding back-references.
package sync

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/klingon-exchange/klingpay/internal/chain"
	"github.com/klingon-exchange/klingpay/internal/config"
	"github.com/klingon-exchange/klingpay/internal/provider"
	"github.com/klingon-exchange/klingpay/internal/storage"
	"github.com/klingon-exchange/klingpay/internal/wallet"
	"github.com/klingon-exchange/klingpay/pkg/logging"
)

const lastBlockKey = "last_block"

// Options wires a Manager.
type Options struct {
	Config   *config.Config
	Network  chain.Network
	Deriver  *wallet.KeyDeriver
	Store    *storage.Storage
	Provider provider.Client
	Logger   *logging.Logger
}

// SyncOptions controls SyncAccount.
type SyncOptions struct {
	// Reset rescans both branches from index 0, keeping local state.
	Reset bool
	// Restart drops all local state (ledgers, tx log, UTXOs, cursor,
	// provider cache) and resyncs from scratch.
	Restart bool
}

// Balance is the three-state balance view.
type Balance struct {
	Mempool   int64 `json:"mempool"`
	Pending   int64 `json:"pending"`
	Confirmed int64 `json:"confirmed"`
}

// TxQuery paginates GetTransactions.
type TxQuery struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	Reverse bool `json:"reverse"`
}

// Manager orchestrates the path scan, history ingest, classification,
// UTXO updates and the block rescan pass. All monetary state mutation
// happens on one logical task guarded by mu.
type Manager struct {
	cfg     *config.Config
	network chain.Network

	hd      *wallet.HdWallet
	deriver *wallet.KeyDeriver
	store   *storage.Storage
	prov    provider.Client
	unspent *UnspentStore
	total   *TotalBalance
	watch   *AddressWatch
	log     *logging.Logger

	// mu serializes every state mutation: the sync scan, the block and
	// script-hash handlers, and send-side reservations.
	mu        sync.Mutex
	lastBlock int64

	stateMu     sync.Mutex
	ready       bool
	syncing     bool
	halt        bool
	syncWaiters []chan struct{}

	listenersMu sync.Mutex
	listeners   []Listener

	mempoolMu    sync.Mutex
	mempoolWatch map[string][]chan *TxEntry
}

// NewManager builds the manager and its sub-stores.
func NewManager(opts *Options) (*Manager, error) {
	log := opts.Logger
	if log == nil {
		log = logging.Component("sync")
	}

	total, err := NewTotalBalance(opts.Store)
	if err != nil {
		return nil, fmt.Errorf("failed to load balance totals: %w", err)
	}
	unspent, err := NewUnspentStore(opts.Store, log.Component("unspent"))
	if err != nil {
		return nil, fmt.Errorf("failed to load utxo set: %w", err)
	}

	m := &Manager{
		cfg:          opts.Config,
		network:      opts.Network,
		deriver:      opts.Deriver,
		hd:           wallet.NewHdWallet(opts.Deriver, opts.Store, opts.Config.GapLimit, log.Component("hdwallet")),
		store:        opts.Store,
		prov:         opts.Provider,
		unspent:      unspent,
		total:        total,
		watch:        NewAddressWatch(opts.Store, opts.Provider, opts.Config.MaxScriptWatch, log.Component("watch")),
		log:          log,
		mempoolWatch: make(map[string][]chan *TxEntry),
	}

	if raw, err := opts.Store.SettingGet(lastBlockKey); err == nil && raw != "" {
		if h, err := strconv.ParseInt(raw, 10, 64); err == nil {
			m.lastBlock = h
		}
	}

	return m, nil
}

// HdWallet exposes the path iterator (new address derivation).
func (m *Manager) HdWallet() *wallet.HdWallet {
	return m.hd
}

// Network returns the configured network.
func (m *Manager) Network() chain.Network {
	return m.network
}

// FeeEstimates queries the provider for sat/vB rates at common
// confirmation targets.
func (m *Manager) FeeEstimates(ctx context.Context) (map[string]int64, error) {
	estimates := make(map[string]int64)
	targets := map[string]int64{
		"fastest":   1,
		"half_hour": 3,
		"hour":      6,
		"economy":   144,
	}
	for name, target := range targets {
		rate, err := m.prov.EstimateFeeRate(ctx, target)
		if err != nil {
			return nil, err
		}
		if rate <= 0 {
			rate = config.DefaultFeeRate
		}
		estimates[name] = rate
	}
	return estimates, nil
}

// Unspent exposes the live UTXO set.
func (m *Manager) Unspent() *UnspentStore {
	return m.unspent
}

// AddListener registers an event sink.
func (m *Manager) AddListener(l Listener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Manager) eachListener(fn func(l Listener)) {
	m.listenersMu.Lock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.listenersMu.Unlock()

	for _, l := range listeners {
		fn(l)
	}
}

// Start connects the provider, restores the watch ring and catches up
// on anything that changed while the wallet was offline.
func (m *Manager) Start(ctx context.Context) error {
	m.prov.SetHandler(m)

	if err := m.prov.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect provider: %w", err)
	}

	block, err := m.prov.SubscribeHeaders(ctx)
	if err != nil {
		return fmt.Errorf("failed to subscribe headers: %w", err)
	}

	m.mu.Lock()
	if m.lastBlock == 0 {
		m.lastBlock = block.Height
		_ = m.store.SettingSet(lastBlockKey, strconv.FormatInt(block.Height, 10))
	}
	m.mu.Unlock()

	// Resubscribe persisted script-hashes before accepting work; any
	// entry whose status moved while offline is resynced immediately.
	changed, err := m.watch.Resume(ctx)
	if err != nil {
		return fmt.Errorf("failed to resume watch ring: %w", err)
	}
	for _, entry := range changed {
		m.handleScriptChange(ctx, entry.ScriptHash, entry.Status)
	}

	m.stateMu.Lock()
	m.ready = true
	m.stateMu.Unlock()

	m.log.Info("wallet ready", "network", m.network, "height", block.Height)
	m.eachListener(func(l Listener) { l.OnReady() })
	return nil
}

// Ready reports whether Start completed.
func (m *Manager) Ready() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.ready
}

func (m *Manager) halted() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.halt
}

// SyncAccount walks the account's paths with the gap-limit scan,
// ingesting each path's history. Between paths the halt flag is
// honoured so PauseSync can intercept cooperatively.
func (m *Manager) SyncAccount(ctx context.Context, opts SyncOptions) error {
	m.stateMu.Lock()
	if !m.ready {
		m.stateMu.Unlock()
		return ErrNotReady
	}
	if m.syncing {
		m.stateMu.Unlock()
		return ErrSyncInProgress
	}
	m.syncing = true
	m.stateMu.Unlock()

	defer m.finishSync()

	if opts.Restart {
		if err := m.restart(); err != nil {
			return err
		}
	}

	scanOpts := wallet.ScanOptions{Reset: opts.Reset || opts.Restart}
	err := m.hd.ForEachAccount(ctx, scanOpts, func(s *wallet.Scan) (wallet.ScanSignal, error) {
		if m.halted() {
			return wallet.SignalStop, nil
		}

		hasTx, err := m.syncPath(ctx, s)
		if err != nil {
			// Transport errors do not abort the scan; the path is
			// treated as empty and picked up on the next sync.
			m.log.Warn("path sync failed", "path", m.network.PathString(s.Path), "error", err)
			hasTx = false
		}

		m.eachListener(func(l Listener) { l.OnSyncedPath(s.Branch, s.Path, hasTx, s.State) })

		if hasTx {
			return wallet.SignalHasTx, nil
		}
		return wallet.SignalNoTx, nil
	})
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unspent.Reconcile()
}

// finishSync clears flags, releases PauseSync waiters and emits
// sync-end.
func (m *Manager) finishSync() {
	m.stateMu.Lock()
	m.syncing = false
	m.halt = false
	waiters := m.syncWaiters
	m.syncWaiters = nil
	m.stateMu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	m.eachListener(func(l Listener) { l.OnSyncEnd() })
}

// restart drops all local monetary state and the provider cache.
func (m *Manager) restart() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.hd.ResetSyncState(); err != nil {
		return err
	}
	if err := m.prov.ClearCache(); err != nil {
		return err
	}
	if err := m.store.ClearLedger(); err != nil {
		return err
	}
	if err := m.store.ClearTxs(); err != nil {
		return err
	}
	if err := m.store.ClearAddresses(); err != nil {
		return err
	}
	if err := m.unspent.Clear(); err != nil {
		return err
	}
	return m.total.Reset()
}

// syncPath ingests one path's history. Returns whether the path has
// carried any transaction.
func (m *Manager) syncPath(ctx context.Context, s *wallet.Scan) (bool, error) {
	scriptHash := s.Address.ScriptHash

	history, err := m.prov.History(ctx, scriptHash, true)
	if err != nil {
		return false, err
	}
	if len(history) == 0 {
		return false, nil
	}

	txs := m.fetchHistory(ctx, history, true)

	m.mu.Lock()
	m.processHistory(txs, &s.Path)
	m.mu.Unlock()

	// Keep active script-hashes in the subscription ring.
	if _, err := m.watch.Watch(ctx, s.Branch, scriptHash); err != nil {
		m.log.Warn("failed to watch script hash", "error", err)
	}

	return true, nil
}

// fetchHistory resolves history items into verbose transactions with
// their wallet heights.
func (m *Manager) fetchHistory(ctx context.Context, items []provider.HistoryItem, useCache bool) []*provider.Tx {
	txs := make([]*provider.Tx, 0, len(items))
	for _, item := range items {
		tx, err := m.prov.Transaction(ctx, item.TxHash, useCache)
		if err != nil {
			m.log.Warn("failed to fetch transaction", "txid", item.TxHash, "error", err)
			continue
		}
		if item.Mempool() {
			tx.Height = 0
		} else {
			tx.Height = item.Height
		}
		txs = append(txs, tx)
	}
	return txs
}

// GetBalance returns the wallet-wide balance, or one address's net
// balance when an address is given.
func (m *Manager) GetBalance(address string) (*Balance, error) {
	if address == "" {
		totals := m.total.All()
		return &Balance{
			Mempool:   totals[StateMempool],
			Pending:   totals[StatePending],
			Confirmed: totals[StateConfirmed],
		}, nil
	}

	rec, err := m.store.GetAddress(address)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrAddressUnknown, address)
	}

	net, err := m.store.AddressNet(address)
	if err != nil {
		return nil, err
	}
	return &Balance{
		Mempool:   net[string(StateMempool)],
		Pending:   net[string(StatePending)],
		Confirmed: net[string(StateConfirmed)],
	}, nil
}

// GetTransactions returns the paginated transaction log ordered by
// block height.
func (m *Manager) GetTransactions(q TxQuery) ([]*TxEntry, error) {
	records, err := m.store.ListTxs(q.Limit, q.Offset, q.Reverse)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]*TxEntry, 0, len(records))
	for _, rec := range records {
		entry := entryFromRecord(rec)
		entry.State = m.txState(rec.Height)
		entries = append(entries, entry)
	}
	return entries, nil
}

// WatchAddress subscribes a script-hash on the given branch.
func (m *Manager) WatchAddress(ctx context.Context, scriptHash string, branch chain.Branch) error {
	_, err := m.watch.Watch(ctx, branch, scriptHash)
	return err
}

// UtxoForAmount reserves UTXOs covering value at the given fee rate.
func (m *Manager) UtxoForAmount(value, feeRate int64, strategy Strategy) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unspent.ReserveForAmount(value, feeRate, strategy)
}

// PauseSync requests a cooperative halt of the running scan and waits
// for sync-end. Resolves immediately when no sync is running.
func (m *Manager) PauseSync(ctx context.Context) error {
	m.stateMu.Lock()
	if !m.syncing {
		m.stateMu.Unlock()
		return nil
	}
	m.halt = true
	ch := make(chan struct{})
	m.syncWaiters = append(m.syncWaiters, ch)
	m.stateMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WatchTxMempool registers interest in a txid and returns a channel
// that receives the entry once (at most) when the provider's mempool
// ingests it. An already-observed txid resolves immediately.
func (m *Manager) WatchTxMempool(txid string) <-chan *TxEntry {
	ch := make(chan *TxEntry, 1)

	rec, err := m.store.GetTx(txid)
	if err == nil && rec != nil {
		entry := entryFromRecord(rec)
		m.mu.Lock()
		entry.State = m.txState(rec.Height)
		m.mu.Unlock()
		ch <- entry
		m.eachListener(func(l Listener) { l.OnTxMempool(txid, entry) })
		return ch
	}

	m.mempoolMu.Lock()
	m.mempoolWatch[txid] = append(m.mempoolWatch[txid], ch)
	m.mempoolMu.Unlock()
	return ch
}

// dropMempoolWatch discards watchers for a txid that will never be
// seen (failed broadcast).
func (m *Manager) dropMempoolWatch(txid string) {
	m.mempoolMu.Lock()
	delete(m.mempoolWatch, txid)
	m.mempoolMu.Unlock()
}

// fireMempoolWatch resolves pending mempool watches for a txid.
func (m *Manager) fireMempoolWatch(txid string, entry *TxEntry) {
	m.mempoolMu.Lock()
	watchers := m.mempoolWatch[txid]
	delete(m.mempoolWatch, txid)
	m.mempoolMu.Unlock()

	if len(watchers) == 0 {
		return
	}
	for _, ch := range watchers {
		ch <- entry
	}
	m.eachListener(func(l Listener) { l.OnTxMempool(txid, entry) })
}

// =============================================================================
// provider.Handler
// =============================================================================

// OnNewBlock handles a chain tip announcement: every mempool entry and
// everything mined inside [last, current] is refetched past the cache
// and re-processed, promoting mempool entries to pending/confirmed.
// Re-orgs deeper than this window are not handled.
func (m *Manager) OnNewBlock(block *provider.Block) {
	ctx := context.Background()

	m.eachListener(func(l Listener) { l.OnNewBlock(block) })

	m.mu.Lock()
	defer m.mu.Unlock()

	last := m.lastBlock
	current := block.Height
	if current <= last {
		return
	}
	m.lastBlock = current
	_ = m.store.SettingSet(lastBlockKey, strconv.FormatInt(current, 10))

	if last == 0 {
		return
	}

	ids, err := m.store.TxIDsForRescan(last, current)
	if err != nil {
		m.log.Error("rescan query failed", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	m.log.Debug("new block rescan", "last", last, "current", current, "txs", len(ids))

	txs := make([]*provider.Tx, 0, len(ids))
	for _, id := range ids {
		tx, err := m.prov.Transaction(ctx, id, false)
		if err != nil {
			m.log.Warn("failed to refetch transaction", "txid", id, "error", err)
			continue
		}
		txs = append(txs, tx)
	}

	m.processHistory(txs, nil)

	if err := m.unspent.Reconcile(); err != nil {
		m.log.Error("utxo reconcile failed", "error", err)
	}
}

// OnScriptHashChange handles a provider push for a subscribed
// script-hash.
func (m *Manager) OnScriptHashChange(scriptHash, status string) {
	m.handleScriptChange(context.Background(), scriptHash, status)
}

func (m *Manager) handleScriptChange(ctx context.Context, scriptHash, status string) {
	entry, err := m.watch.Lookup(scriptHash)
	if err != nil || entry == nil {
		return
	}
	if entry.Status == status {
		return
	}

	items, err := m.prov.MempoolHistory(ctx, scriptHash)
	if err != nil {
		m.log.Warn("failed to fetch mempool history", "error", err)
		return
	}

	txs := m.fetchHistory(ctx, items, false)

	var path *chain.Path
	if rec, err := m.store.GetAddressByScriptHash(scriptHash); err == nil && rec != nil {
		path = &chain.Path{Branch: chain.Branch(rec.Branch), Index: rec.Index}
	}

	m.mu.Lock()
	m.processHistory(txs, path)
	m.mu.Unlock()

	if err := m.watch.UpdateStatus(entry.Branch, scriptHash, status); err != nil {
		m.log.Warn("failed to update watch status", "error", err)
	}

	// Internal-chain entries are dropped once their balance is known
	// consumed; change addresses are one-shot.
	if entry.Branch == uint32(chain.Internal) {
		confirmed, unconfirmed, err := m.prov.Balance(ctx, scriptHash)
		if err == nil && confirmed == 0 && unconfirmed == 0 {
			_ = m.watch.Drop(scriptHash)
		}
	}

	m.mu.Lock()
	if err := m.unspent.Reconcile(); err != nil {
		m.log.Error("utxo reconcile failed", "error", err)
	}
	m.mu.Unlock()
}

var _ provider.Handler = (*Manager)(nil)
