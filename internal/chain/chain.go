// Package chain defines Bitcoin network parameters and BIP84 derivation
// paths. All network-specific values are resolved here - no other package
// inspects network names.
package chain

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

// ErrInvalidNetwork is returned for unrecognized network names.
var ErrInvalidNetwork = errors.New("invalid network")

// Network identifies a Bitcoin network.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Signet  Network = "signet"
	Regtest Network = "regtest"
)

// ParseNetwork parses a network name. "bitcoin" is accepted as an alias
// for mainnet.
func ParseNetwork(s string) (Network, error) {
	switch s {
	case "mainnet", "bitcoin":
		return Mainnet, nil
	case "testnet":
		return Testnet, nil
	case "signet":
		return Signet, nil
	case "regtest":
		return Regtest, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidNetwork, s)
}

// Params returns the btcd chain parameters for the network.
func (n Network) Params() *chaincfg.Params {
	switch n {
	case Testnet:
		return &chaincfg.TestNet3Params
	case Signet:
		return &chaincfg.SigNetParams
	case Regtest:
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

// CoinType returns the BIP84 coin_type for the network: 0' on mainnet,
// 1' on every test network.
func (n Network) CoinType() uint32 {
	if n == Mainnet {
		return 0
	}
	return 1
}

// Purpose is the BIP84 derivation purpose (native SegWit).
const Purpose uint32 = 84

// Account is the only account supported.
const Account uint32 = 0

// Branch selects the external (receive) or internal (change) chain of
// an account.
type Branch uint32

const (
	External Branch = 0
	Internal Branch = 1
)

// String returns the short branch name used in logs and sync state.
func (b Branch) String() string {
	if b == Internal {
		return "in"
	}
	return "ext"
}

// Branches lists both account branches in scan order.
var Branches = [2]Branch{External, Internal}

// Path is a BIP84 address path below the account level.
type Path struct {
	Branch Branch `json:"branch"`
	Index  uint32 `json:"index"`
}

// String serializes the full path as m/84'/coin'/0'/branch/index.
// The coin type is network dependent, so Path carries only the two
// non-hardened levels; use Network.PathString for the full form.
func (p Path) String() string {
	return fmt.Sprintf("%d/%d", uint32(p.Branch), p.Index)
}

// PathString returns the canonical serialization of a path on this
// network: m/84'/c'/0'/branch/index.
func (n Network) PathString(p Path) string {
	return fmt.Sprintf("m/%d'/%d'/%d'/%d/%d",
		Purpose, n.CoinType(), Account, uint32(p.Branch), p.Index)
}

// ParsePath parses a "branch/index" pair produced by Path.String.
func ParsePath(s string) (Path, error) {
	var branch, index uint32
	if _, err := fmt.Sscanf(s, "%d/%d", &branch, &index); err != nil {
		return Path{}, fmt.Errorf("invalid path %q: %w", s, err)
	}
	if branch > 1 {
		return Path{}, fmt.Errorf("invalid branch in path %q", s)
	}
	return Path{Branch: Branch(branch), Index: index}, nil
}
