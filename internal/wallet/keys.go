// Package wallet provides BIP84 HD key derivation with BIP39 support.
// Only native SegWit (P2WPKH) addresses on account 0 are produced.
package wallet

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/txscript"
	"github.com/tyler-smith/go-bip39"

	"github.com/klingon-exchange/klingpay/internal/chain"
)

// KeyDeriver derives keys, addresses and provider script-hashes from a
// BIP39 seed along the BIP84 path m/84'/coin'/0'/branch/index.
type KeyDeriver struct {
	masterKey *hdkeychain.ExtendedKey
	network   chain.Network
	mu        sync.Mutex

	// Cached account-branch keys and derived address info.
	branchKeys map[chain.Branch]*hdkeychain.ExtendedKey
	derived    map[chain.Path]*Derived
}

// Derived is everything the wallet needs to know about one path.
type Derived struct {
	Path       chain.Path
	Address    string
	PublicKey  string // compressed, hex
	ScriptHash string // provider index key
}

// GenerateMnemonic generates a new BIP39 mnemonic. Bits must be a valid
// entropy size (128 for 12 words, 256 for 24 words).
func GenerateMnemonic(bits int) (string, error) {
	entropy, err := bip39.NewEntropy(bits)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}

	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NewFromMnemonic creates a deriver from a BIP39 mnemonic. The
// passphrase is optional (empty string for none).
func NewFromMnemonic(mnemonic, passphrase string, network chain.Network) (*KeyDeriver, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}

	seed := bip39.NewSeed(mnemonic, passphrase)
	return NewFromSeed(seed, network)
}

// NewFromSeed creates a deriver from a raw BIP32 seed.
func NewFromSeed(seed []byte, network chain.Network) (*KeyDeriver, error) {
	masterKey, err := hdkeychain.NewMaster(seed, network.Params())
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	return &KeyDeriver{
		masterKey:  masterKey,
		network:    network,
		branchKeys: make(map[chain.Branch]*hdkeychain.ExtendedKey),
		derived:    make(map[chain.Path]*Derived),
	}, nil
}

// Network returns the deriver's network.
func (kd *KeyDeriver) Network() chain.Network {
	return kd.network
}

// branchKey derives (and caches) m/84'/coin'/0'/branch.
func (kd *KeyDeriver) branchKey(branch chain.Branch) (*hdkeychain.ExtendedKey, error) {
	if key, ok := kd.branchKeys[branch]; ok {
		return key, nil
	}

	purposeKey, err := kd.masterKey.Derive(hdkeychain.HardenedKeyStart + chain.Purpose)
	if err != nil {
		return nil, fmt.Errorf("failed to derive purpose: %w", err)
	}

	coinKey, err := purposeKey.Derive(hdkeychain.HardenedKeyStart + kd.network.CoinType())
	if err != nil {
		return nil, fmt.Errorf("failed to derive coin: %w", err)
	}

	accountKey, err := coinKey.Derive(hdkeychain.HardenedKeyStart + chain.Account)
	if err != nil {
		return nil, fmt.Errorf("failed to derive account: %w", err)
	}

	branchKey, err := accountKey.Derive(uint32(branch))
	if err != nil {
		return nil, fmt.Errorf("failed to derive branch: %w", err)
	}

	kd.branchKeys[branch] = branchKey
	return branchKey, nil
}

// key derives the extended key at a full path.
func (kd *KeyDeriver) key(p chain.Path) (*hdkeychain.ExtendedKey, error) {
	branchKey, err := kd.branchKey(p.Branch)
	if err != nil {
		return nil, err
	}

	addressKey, err := branchKey.Derive(p.Index)
	if err != nil {
		return nil, fmt.Errorf("failed to derive index %d: %w", p.Index, err)
	}
	return addressKey, nil
}

// Derive returns the address, public key and script-hash at a path.
func (kd *KeyDeriver) Derive(p chain.Path) (*Derived, error) {
	kd.mu.Lock()
	defer kd.mu.Unlock()

	if d, ok := kd.derived[p]; ok {
		return d, nil
	}

	key, err := kd.key(p)
	if err != nil {
		return nil, err
	}

	pubKey, err := key.ECPubKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get public key: %w", err)
	}

	addr, script, err := p2wpkh(pubKey, kd.network)
	if err != nil {
		return nil, err
	}

	d := &Derived{
		Path:       p,
		Address:    addr,
		PublicKey:  hex.EncodeToString(pubKey.SerializeCompressed()),
		ScriptHash: ScriptHashFromScript(script),
	}
	kd.derived[p] = d
	return d, nil
}

// PrivateKey returns the signing key at a path. The caller must not
// retain it longer than the signing operation.
func (kd *KeyDeriver) PrivateKey(p chain.Path) (*btcec.PrivateKey, error) {
	kd.mu.Lock()
	defer kd.mu.Unlock()

	key, err := kd.key(p)
	if err != nil {
		return nil, err
	}

	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	return privKey, nil
}

// p2wpkh encodes a public key as a native SegWit address and returns the
// address with its output script.
func p2wpkh(pubKey *btcec.PublicKey, network chain.Network) (string, []byte, error) {
	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, network.Params())
	if err != nil {
		return "", nil, fmt.Errorf("failed to create P2WPKH address: %w", err)
	}

	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create output script: %w", err)
	}

	return addr.EncodeAddress(), script, nil
}

// ScriptHashFromScript computes the provider index key of an output
// script: SHA256 of the script, byte-reversed, hex encoded.
func ScriptHashFromScript(script []byte) string {
	hash := sha256.Sum256(script)
	for i, j := 0, len(hash)-1; i < j; i, j = i+1, j-1 {
		hash[i], hash[j] = hash[j], hash[i]
	}
	return hex.EncodeToString(hash[:])
}

// ScriptHashForAddress computes the provider index key for any address
// on the given network.
func ScriptHashForAddress(address string, network chain.Network) (string, error) {
	script, err := AddressToScript(address, network)
	if err != nil {
		return "", err
	}
	return ScriptHashFromScript(script), nil
}
