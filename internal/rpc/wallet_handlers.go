// Package rpc - wallet method handlers.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/klingon-exchange/klingpay/internal/chain"
	walletsync "github.com/klingon-exchange/klingpay/internal/sync"
	"github.com/klingon-exchange/klingpay/internal/wallet"
	"github.com/klingon-exchange/klingpay/pkg/satoshi"
)

// walletStatus reports readiness and the current balance.
func (s *Server) walletStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	balance, err := s.manager.GetBalance("")
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"ready":   s.manager.Ready(),
		"balance": balance,
	}, nil
}

// walletGetNewAddress hands out the next unused address.
func (s *Server) walletGetNewAddress(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Change bool `json:"change"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}

	branch := chain.External
	if p.Change {
		branch = chain.Internal
	}

	derived, err := s.hd.NewAddress(branch)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"address":     derived.Address,
		"path":        derived.Path,
		"script_hash": derived.ScriptHash,
	}, nil
}

// walletGetAllAddresses lists every derived address.
func (s *Server) walletGetAllAddresses(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.hd.AllAddresses()
}

// walletGetBalance returns the wallet or per-address balance.
func (s *Server) walletGetBalance(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Address string `json:"address"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}

	balance, err := s.manager.GetBalance(p.Address)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"mempool":       balance.Mempool,
		"pending":       balance.Pending,
		"confirmed":     balance.Confirmed,
		"confirmed_btc": satoshi.Amount(balance.Confirmed).BTC(),
	}, nil
}

// walletGetTransactions returns the paginated transaction log.
func (s *Server) walletGetTransactions(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var q walletsync.TxQuery
	if len(params) > 0 {
		if err := json.Unmarshal(params, &q); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}
	if q.Limit == 0 {
		q.Limit = 50
	}
	return s.manager.GetTransactions(q)
}

// walletListUtxos returns the live UTXO set.
func (s *Server) walletListUtxos(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.manager.Unspent().All(), nil
}

// walletSend builds, signs and broadcasts a payment, then waits for
// the provider's mempool to ingest it.
func (s *Server) walletSend(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req walletsync.SendRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if req.Unit == "" {
		return nil, fmt.Errorf("unit is required (main or base)")
	}
	if _, err := satoshi.ParseUnit(string(req.Unit)); err != nil {
		return nil, err
	}

	result, err := s.manager.Send(ctx, &req)
	if err != nil {
		return nil, err
	}

	// Broadcast is accepted; wait for mempool observation as the
	// second completion signal.
	select {
	case entry := <-result.MempoolSeen:
		return map[string]interface{}{
			"result": result,
			"entry":  entry,
		}, nil
	case <-ctx.Done():
		return map[string]interface{}{
			"result": result,
		}, nil
	}
}

// walletSync runs an account sync.
func (s *Server) walletSync(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var opts walletsync.SyncOptions
	if len(params) > 0 {
		if err := json.Unmarshal(params, &opts); err != nil {
			return nil, fmt.Errorf("invalid params: %w", err)
		}
	}

	if err := s.manager.SyncAccount(ctx, opts); err != nil {
		return nil, err
	}
	return s.manager.GetBalance("")
}

// walletPauseSync halts a running sync cooperatively.
func (s *Server) walletPauseSync(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if err := s.manager.PauseSync(ctx); err != nil {
		return nil, err
	}
	return map[string]bool{"paused": true}, nil
}

// walletValidateAddress checks an address against the configured
// network locally.
func (s *Server) walletValidateAddress(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}

	err := wallet.ValidateAddress(p.Address, s.manager.Network())
	return map[string]interface{}{
		"address": p.Address,
		"valid":   err == nil,
	}, nil
}

// walletFeeEstimates returns sat/vB targets from the provider.
func (s *Server) walletFeeEstimates(ctx context.Context, params json.RawMessage) (interface{}, error) {
	return s.manager.FeeEstimates(ctx)
}
