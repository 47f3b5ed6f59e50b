// Package rpc provides a JSON-RPC 2.0 server for the klingpay daemon,
// with a WebSocket hub pushing wallet events to API clients.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/klingon-exchange/klingpay/internal/chain"
	"github.com/klingon-exchange/klingpay/internal/provider"
	"github.com/klingon-exchange/klingpay/internal/storage"
	walletsync "github.com/klingon-exchange/klingpay/internal/sync"
	"github.com/klingon-exchange/klingpay/internal/wallet"
	"github.com/klingon-exchange/klingpay/pkg/logging"
)

// Server is a JSON-RPC 2.0 server.
type Server struct {
	manager *walletsync.Manager
	store   *storage.Storage
	hd      *wallet.HdWallet
	log     *logging.Logger
	wsHub   *WSHub

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// NewServer creates a new JSON-RPC server over a sync manager.
func NewServer(manager *walletsync.Manager, store *storage.Storage) *Server {
	s := &Server{
		manager:  manager,
		store:    store,
		hd:       manager.HdWallet(),
		log:      logging.Component("rpc"),
		handlers: make(map[string]Handler),
		wsHub:    NewWSHub(),
	}

	s.registerHandlers()

	// Wallet events flow to every connected WebSocket client.
	manager.AddListener(s.eventListener())

	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	s.handlers["wallet_status"] = s.walletStatus
	s.handlers["wallet_getNewAddress"] = s.walletGetNewAddress
	s.handlers["wallet_getAllAddresses"] = s.walletGetAllAddresses
	s.handlers["wallet_getBalance"] = s.walletGetBalance
	s.handlers["wallet_getTransactions"] = s.walletGetTransactions
	s.handlers["wallet_listUtxos"] = s.walletListUtxos
	s.handlers["wallet_send"] = s.walletSend
	s.handlers["wallet_sync"] = s.walletSync
	s.handlers["wallet_pauseSync"] = s.walletPauseSync
	s.handlers["wallet_validateAddress"] = s.walletValidateAddress
	s.handlers["wallet_feeEstimates"] = s.walletFeeEstimates
}

// Handle registers a custom method handler.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Start begins serving on addr.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHTTP)
	mux.HandleFunc("/ws", s.handleWebSocket)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go s.wsHub.Run()
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("rpc server stopped", "error", err)
		}
	}()

	s.log.Info("rpc server listening", "addr", listener.Addr().String())
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// handleHTTP serves a single JSON-RPC request.
func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeResponse(w, &Response{
			JSONRPC: "2.0",
			Error:   &Error{Code: ParseError, Message: "parse error"},
		})
		return
	}

	s.writeResponse(w, s.dispatch(r.Context(), &req))
}

// dispatch routes a request to its handler.
func (s *Server) dispatch(ctx context.Context, req *Request) *Response {
	resp := &Response{JSONRPC: "2.0", ID: req.ID}

	if req.Method == "" {
		resp.Error = &Error{Code: InvalidRequest, Message: "missing method"}
		return resp
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		resp.Error = &Error{Code: MethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
		return resp
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		resp.Error = &Error{Code: InternalError, Message: err.Error()}
		return resp
	}
	resp.Result = result
	return resp
}

func (s *Server) writeResponse(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error("failed to write response", "error", err)
	}
}

// handleWebSocket upgrades a connection into the event hub.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.wsHub.ServeWS(w, r)
}

// eventListener bridges sync events onto the WebSocket hub.
func (s *Server) eventListener() walletsync.Listener {
	return &walletsync.ListenerFuncs{
		Ready: func() {
			s.wsHub.Broadcast(EventReady, nil)
		},
		NewBlock: func(block *provider.Block) {
			s.wsHub.Broadcast(EventNewBlock, block)
		},
		SyncedPath: func(branch chain.Branch, path chain.Path, hasTx bool, state storage.BranchSyncState) {
			s.wsHub.Broadcast(EventSyncedPath, map[string]interface{}{
				"branch": branch.String(),
				"path":   path,
				"has_tx": hasTx,
				"state":  state,
			})
		},
		NewTx: func(entry *walletsync.TxEntry) {
			s.wsHub.Broadcast(EventNewTx, entry)
		},
		SyncEnd: func() {
			s.wsHub.Broadcast(EventSyncEnd, nil)
		},
		TxMempool: func(txid string, entry *walletsync.TxEntry) {
			s.wsHub.Broadcast(EventTxMempool, map[string]interface{}{
				"txid":  txid,
				"entry": entry,
			})
		},
	}
}
