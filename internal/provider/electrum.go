// Package provider - Electrum protocol client over line-delimited
// JSON-RPC 2.0 on TCP. Responses are matched by numeric id; messages
// without an id are subscription notifications.
package provider

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/klingon-exchange/klingpay/pkg/logging"
)

const clientName = "klingpay"
const protocolVersion = "1.4"

// Electrum implements Client against Electrum-style servers.
// Supports both TCP and SSL connections.
type Electrum struct {
	servers        []string
	useTLS         bool
	timeout        time.Duration
	maxReconnects  int
	reconnectDelay time.Duration
	cache          Cache
	log            *logging.Logger

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	closed    bool
	handler   Handler

	// Subscriptions replayed after a reconnect.
	subscribed map[string]bool
	headersSub bool

	wmu       sync.Mutex
	requestID atomic.Uint64

	pmu     sync.Mutex
	pending map[uint64]chan *rpcMessage

	notifyCh chan func()
	tip      atomic.Int64

	pingStop chan struct{}
	pingOnce sync.Once
}

// Options configures an Electrum client.
type Options struct {
	Servers        []string
	UseTLS         bool
	Timeout        time.Duration
	MaxReconnects  int
	ReconnectDelay time.Duration
	Cache          Cache
	Logger         *logging.Logger
}

// NewElectrum creates a new Electrum client. Servers are "host:port"
// strings tried in order.
func NewElectrum(opts *Options) *Electrum {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxReconnects := opts.MaxReconnects
	if maxReconnects == 0 {
		maxReconnects = 10
	}
	reconnectDelay := opts.ReconnectDelay
	if reconnectDelay == 0 {
		reconnectDelay = 2 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = logging.Component("electrum")
	}

	e := &Electrum{
		servers:        opts.Servers,
		useTLS:         opts.UseTLS,
		timeout:        timeout,
		maxReconnects:  maxReconnects,
		reconnectDelay: reconnectDelay,
		cache:          opts.Cache,
		log:            log,
		subscribed:     make(map[string]bool),
		pending:        make(map[uint64]chan *rpcMessage),
		notifyCh:       make(chan func(), 256),
		pingStop:       make(chan struct{}),
	}

	// Notifications are delivered off the read loop so handlers can
	// issue further RPCs without deadlocking.
	go e.dispatchLoop()

	return e
}

// rpcMessage is any inbound frame: a response (ID set) or a
// notification (Method set).
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// SetHandler installs the notification sink.
func (e *Electrum) SetHandler(h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

// IsConnected returns true if a connection is established.
func (e *Electrum) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// Tip returns the last seen chain height.
func (e *Electrum) Tip() int64 {
	return e.tip.Load()
}

// Connect establishes a connection to the first reachable server and
// starts the read and keepalive loops.
func (e *Electrum) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrNotConnected
	}
	if e.connected {
		return nil
	}
	return e.connectLocked(ctx)
}

// connectLocked dials the server list. Callers hold e.mu.
func (e *Electrum) connectLocked(ctx context.Context) error {
	var lastErr error
	for _, server := range e.servers {
		var conn net.Conn
		var err error

		dialer := &net.Dialer{Timeout: e.timeout}
		if e.useTLS {
			conn, err = tls.DialWithDialer(dialer, "tcp", server, &tls.Config{
				MinVersion: tls.VersionTLS12,
			})
		} else {
			conn, err = dialer.DialContext(ctx, "tcp", server)
		}
		if err != nil {
			lastErr = err
			continue
		}

		e.conn = conn
		e.connected = true
		go e.readLoop(conn)

		// Handshake outside the state lock would race reconnects, so
		// issue it with the lock dropped only around the wait.
		e.mu.Unlock()
		_, err = e.call(ctx, "server.version", clientName, protocolVersion)
		e.mu.Lock()

		if err != nil {
			e.connected = false
			conn.Close()
			lastErr = err
			continue
		}

		e.log.Info("connected", "server", server)
		return nil
	}

	return fmt.Errorf("%w: %v", ErrUnavailable, lastErr)
}

// Close shuts the client down.
func (e *Electrum) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true
	close(e.pingStop)
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
	e.connected = false
	e.failPending(ErrNotConnected)
	return nil
}

// dispatchLoop delivers notifications sequentially until Close.
func (e *Electrum) dispatchLoop() {
	for {
		select {
		case fn := <-e.notifyCh:
			fn()
		case <-e.pingStop:
			return
		}
	}
}

// readLoop reads frames until the connection drops.
func (e *Electrum) readLoop(conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			e.handleDisconnect(conn, err)
			return
		}

		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			e.log.Warn("bad frame from provider", "error", err)
			continue
		}

		if msg.ID != nil {
			e.pmu.Lock()
			ch, ok := e.pending[*msg.ID]
			if ok {
				delete(e.pending, *msg.ID)
			}
			e.pmu.Unlock()
			if ok {
				ch <- &msg
			}
			continue
		}

		e.handleNotification(&msg)
	}
}

// handleNotification routes a subscription push to the handler.
func (e *Electrum) handleNotification(msg *rpcMessage) {
	e.mu.Lock()
	handler := e.handler
	e.mu.Unlock()

	switch msg.Method {
	case "blockchain.scripthash.subscribe":
		var params []string
		if err := json.Unmarshal(msg.Params, &params); err != nil || len(params) < 1 {
			return
		}
		scriptHash := params[0]
		status := ""
		if len(params) > 1 {
			status = params[1]
		}
		if handler != nil {
			e.notifyCh <- func() { handler.OnScriptHashChange(scriptHash, status) }
		}

	case "blockchain.headers.subscribe":
		var params []Block
		if err := json.Unmarshal(msg.Params, &params); err != nil || len(params) < 1 {
			return
		}
		block := params[0]
		e.tip.Store(block.Height)
		if handler != nil {
			e.notifyCh <- func() { handler.OnNewBlock(&block) }
		}
	}
}

// handleDisconnect tears down the dropped connection and starts the
// reconnect loop.
func (e *Electrum) handleDisconnect(conn net.Conn, cause error) {
	e.mu.Lock()
	if e.closed || e.conn != conn {
		e.mu.Unlock()
		return
	}
	e.connected = false
	e.conn.Close()
	e.conn = nil
	e.failPending(ErrNotConnected)
	e.mu.Unlock()

	e.log.Warn("connection lost", "error", cause)
	go e.reconnect()
}

// reconnect retries with linear backoff, then replays subscriptions.
func (e *Electrum) reconnect() {
	for attempt := 1; attempt <= e.maxReconnects; attempt++ {
		time.Sleep(time.Duration(attempt) * e.reconnectDelay)

		e.mu.Lock()
		if e.closed || e.connected {
			e.mu.Unlock()
			return
		}
		err := e.connectLocked(context.Background())
		e.mu.Unlock()

		if err != nil {
			e.log.Warn("reconnect failed", "attempt", attempt, "error", err)
			continue
		}

		if err := e.resubscribe(); err != nil {
			e.log.Warn("resubscribe failed", "error", err)
		}
		return
	}

	e.log.Error("giving up after reconnect attempts", "attempts", e.maxReconnects)
}

// resubscribe replays the headers and script-hash subscriptions after a
// reconnect, so no notification window is lost before new work starts.
func (e *Electrum) resubscribe() error {
	e.mu.Lock()
	headersSub := e.headersSub
	hashes := make([]string, 0, len(e.subscribed))
	for sh := range e.subscribed {
		hashes = append(hashes, sh)
	}
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	if headersSub {
		if _, err := e.SubscribeHeaders(ctx); err != nil {
			return err
		}
	}
	for _, sh := range hashes {
		if _, err := e.SubscribeScriptHash(ctx, sh); err != nil {
			return err
		}
	}
	return nil
}

// failPending aborts all in-flight calls. Callers hold e.mu.
func (e *Electrum) failPending(err error) {
	e.pmu.Lock()
	defer e.pmu.Unlock()
	for id, ch := range e.pending {
		delete(e.pending, id)
		ch <- &rpcMessage{Error: &RPCError{Code: -1, Message: err.Error()}}
	}
}

// call performs one JSON-RPC round trip.
func (e *Electrum) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	e.mu.Lock()
	conn := e.conn
	connected := e.connected
	e.mu.Unlock()

	if !connected || conn == nil {
		return nil, ErrNotConnected
	}

	id := e.requestID.Add(1)
	if params == nil {
		params = []interface{}{}
	}
	request := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	}
	data, err := json.Marshal(request)
	if err != nil {
		return nil, err
	}

	ch := make(chan *rpcMessage, 1)
	e.pmu.Lock()
	e.pending[id] = ch
	e.pmu.Unlock()

	e.wmu.Lock()
	conn.SetWriteDeadline(time.Now().Add(e.timeout))
	_, err = conn.Write(append(data, '\n'))
	e.wmu.Unlock()
	if err != nil {
		e.pmu.Lock()
		delete(e.pending, id)
		e.pmu.Unlock()
		e.handleDisconnect(conn, err)
		return nil, err
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	case <-ctx.Done():
		e.pmu.Lock()
		delete(e.pending, id)
		e.pmu.Unlock()
		return nil, ctx.Err()
	case <-time.After(e.timeout):
		e.pmu.Lock()
		delete(e.pending, id)
		e.pmu.Unlock()
		return nil, fmt.Errorf("%w: %s timed out", ErrUnavailable, method)
	}
}

// SubscribeHeaders subscribes to new block announcements.
func (e *Electrum) SubscribeHeaders(ctx context.Context) (*Block, error) {
	result, err := e.call(ctx, "blockchain.headers.subscribe")
	if err != nil {
		return nil, err
	}

	var block Block
	if err := json.Unmarshal(result, &block); err != nil {
		return nil, fmt.Errorf("unexpected headers response: %w", err)
	}

	e.mu.Lock()
	e.headersSub = true
	e.mu.Unlock()
	e.tip.Store(block.Height)

	// Keepalive starts with the first subscription.
	e.startPing()

	return &block, nil
}

// startPing runs the server.ping keepalive.
func (e *Electrum) startPing() {
	e.pingOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-e.pingStop:
					return
				case <-ticker.C:
					ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
					if err := e.Ping(ctx); err != nil {
						e.log.Debug("ping failed", "error", err)
					}
					cancel()
				}
			}
		}()
	})
}

// SubscribeScriptHash subscribes to a script-hash and returns its
// current status.
func (e *Electrum) SubscribeScriptHash(ctx context.Context, scriptHash string) (string, error) {
	result, err := e.call(ctx, "blockchain.scripthash.subscribe", scriptHash)
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	e.subscribed[scriptHash] = true
	e.mu.Unlock()

	var status *string
	if err := json.Unmarshal(result, &status); err != nil {
		return "", fmt.Errorf("unexpected subscribe response: %w", err)
	}
	if status == nil {
		return "", nil
	}
	return *status, nil
}

// History returns the script-hash history, oldest first.
func (e *Electrum) History(ctx context.Context, scriptHash string, useCache bool) ([]HistoryItem, error) {
	cacheKey := "history:" + scriptHash

	if useCache && e.cache != nil {
		if data, ok, err := e.cache.Get(cacheKey); err == nil && ok {
			var items []HistoryItem
			if err := json.Unmarshal(data, &items); err == nil {
				return items, nil
			}
		}
	}

	result, err := e.call(ctx, "blockchain.scripthash.get_history", scriptHash)
	if err != nil {
		return nil, err
	}

	var items []HistoryItem
	if err := json.Unmarshal(result, &items); err != nil {
		return nil, fmt.Errorf("unexpected history response: %w", err)
	}

	if e.cache != nil {
		if data, err := json.Marshal(items); err == nil {
			_ = e.cache.Put(cacheKey, data)
		}
	}

	return items, nil
}

// MempoolHistory returns only the unmined history of a script-hash.
func (e *Electrum) MempoolHistory(ctx context.Context, scriptHash string) ([]HistoryItem, error) {
	result, err := e.call(ctx, "blockchain.scripthash.get_mempool", scriptHash)
	if err != nil {
		return nil, err
	}

	var items []HistoryItem
	if err := json.Unmarshal(result, &items); err != nil {
		return nil, fmt.Errorf("unexpected mempool response: %w", err)
	}
	return items, nil
}

// Balance returns the provider's balance view of a script-hash.
func (e *Electrum) Balance(ctx context.Context, scriptHash string) (int64, int64, error) {
	result, err := e.call(ctx, "blockchain.scripthash.get_balance", scriptHash)
	if err != nil {
		return 0, 0, err
	}

	var balance struct {
		Confirmed   int64 `json:"confirmed"`
		Unconfirmed int64 `json:"unconfirmed"`
	}
	if err := json.Unmarshal(result, &balance); err != nil {
		return 0, 0, fmt.Errorf("unexpected balance response: %w", err)
	}
	return balance.Confirmed, balance.Unconfirmed, nil
}

// verboseTx is the provider's verbose transaction encoding.
type verboseTx struct {
	TxID          string  `json:"txid"`
	Hex           string  `json:"hex"`
	Size          int64   `json:"size"`
	VSize         int64   `json:"vsize"`
	Confirmations int64   `json:"confirmations"`
	BlockTime     int64   `json:"blocktime"`
	Vin           []struct {
		Coinbase string `json:"coinbase,omitempty"`
		TxID     string `json:"txid"`
		Vout     uint32 `json:"vout"`
	} `json:"vin"`
	Vout []struct {
		Value        float64 `json:"value"`
		N            uint32  `json:"n"`
		ScriptPubKey struct {
			Address   string   `json:"address"`
			Addresses []string `json:"addresses"`
		} `json:"scriptPubKey"`
	} `json:"vout"`
}

func (v *verboseTx) outputAddress(n uint32) string {
	for _, out := range v.Vout {
		if out.N == n {
			if out.ScriptPubKey.Address != "" {
				return out.ScriptPubKey.Address
			}
			if len(out.ScriptPubKey.Addresses) > 0 {
				return out.ScriptPubKey.Addresses[0]
			}
		}
	}
	return ""
}

func (v *verboseTx) outputValue(n uint32) int64 {
	for _, out := range v.Vout {
		if out.N == n {
			return btcToSats(out.Value)
		}
	}
	return 0
}

// btcToSats converts a provider BTC float into satoshis.
func btcToSats(v float64) int64 {
	return int64(math.Round(v * 1e8))
}

// fetchVerbose gets the raw verbose transaction, through the cache for
// confirmed transactions.
func (e *Electrum) fetchVerbose(ctx context.Context, txid string, useCache bool) (*verboseTx, error) {
	cacheKey := "tx:" + txid

	if useCache && e.cache != nil {
		if data, ok, err := e.cache.Get(cacheKey); err == nil && ok {
			var v verboseTx
			if err := json.Unmarshal(data, &v); err == nil {
				return &v, nil
			}
		}
	}

	result, err := e.call(ctx, "blockchain.transaction.get", txid, true)
	if err != nil {
		return nil, err
	}

	var v verboseTx
	if err := json.Unmarshal(result, &v); err != nil {
		return nil, fmt.Errorf("unexpected transaction response: %w", err)
	}
	if v.TxID == "" {
		v.TxID = txid
	}

	// Only settled transactions are safe to cache; mempool entries
	// change as they confirm.
	if e.cache != nil && v.Confirmations > 0 {
		if data, err := json.Marshal(&v); err == nil {
			_ = e.cache.Put(cacheKey, data)
		}
	}

	return &v, nil
}

// Transaction fetches a verbose transaction and resolves each input's
// funding address and value from its previous transaction.
func (e *Electrum) Transaction(ctx context.Context, txid string, useCache bool) (*Tx, error) {
	v, err := e.fetchVerbose(ctx, txid, useCache)
	if err != nil {
		return nil, err
	}

	tx := &Tx{
		TxID:          v.TxID,
		Hex:           v.Hex,
		VSize:         v.VSize,
		Confirmations: v.Confirmations,
		BlockTime:     v.BlockTime,
	}
	if tip := e.tip.Load(); v.Confirmations > 0 && tip > 0 {
		tx.Height = tip - v.Confirmations + 1
	}

	for _, in := range v.Vin {
		if in.Coinbase != "" {
			tx.Inputs = append(tx.Inputs, TxIn{})
			continue
		}
		prev, err := e.fetchVerbose(ctx, in.TxID, true)
		if err != nil {
			// Keep the outpoint even when the funding tx is gone.
			tx.Inputs = append(tx.Inputs, TxIn{PrevTxID: in.TxID, PrevVout: in.Vout})
			continue
		}
		tx.Inputs = append(tx.Inputs, TxIn{
			PrevTxID: in.TxID,
			PrevVout: in.Vout,
			Address:  prev.outputAddress(in.Vout),
			Value:    prev.outputValue(in.Vout),
		})
	}

	for _, out := range v.Vout {
		addr := v.outputAddress(out.N)
		tx.Outputs = append(tx.Outputs, TxOut{
			Index:   out.N,
			Address: addr,
			Value:   btcToSats(out.Value),
		})
	}

	return tx, nil
}

// Broadcast submits a raw transaction.
func (e *Electrum) Broadcast(ctx context.Context, rawHex string) (string, error) {
	result, err := e.call(ctx, "blockchain.transaction.broadcast", rawHex)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBroadcastFailed, err)
	}

	var txid string
	if err := json.Unmarshal(result, &txid); err != nil {
		return "", fmt.Errorf("%w: unexpected response", ErrBroadcastFailed)
	}
	return txid, nil
}

// EstimateFeeRate returns sat/vB for confirmation within target blocks.
func (e *Electrum) EstimateFeeRate(ctx context.Context, target int64) (int64, error) {
	result, err := e.call(ctx, "blockchain.estimatefee", target)
	if err != nil {
		return 0, err
	}

	var btcPerKB float64
	if err := json.Unmarshal(result, &btcPerKB); err != nil {
		return 0, fmt.Errorf("unexpected estimatefee response: %w", err)
	}
	if btcPerKB <= 0 {
		return 0, nil
	}
	// Round to whole sat/kB first so float noise cannot push the ceiling
	// up a step (0.00001 BTC/kB is exactly 1 sat/vB).
	satsPerKB := int64(math.Round(btcPerKB * 1e8))
	return (satsPerKB + 999) / 1000, nil
}

// Ping checks server liveness.
func (e *Electrum) Ping(ctx context.Context) error {
	_, err := e.call(ctx, "server.ping")
	return err
}

// ClearCache drops all cached provider responses.
func (e *Electrum) ClearCache() error {
	if e.cache == nil {
		return nil
	}
	return e.cache.Clear()
}

// Ensure Electrum implements Client.
var _ Client = (*Electrum)(nil)
