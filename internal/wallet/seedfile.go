// Package wallet - the wallet's seed file. The mnemonic rests on disk
// sealed with Argon2id + AES-256-GCM and tagged with the network it
// was created for, so a testnet seed cannot silently be opened against
// mainnet config.
package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode"

	"golang.org/x/crypto/argon2"

	"github.com/klingon-exchange/klingpay/internal/chain"
)

// SeedFileName is the seed file name inside the data directory.
const SeedFileName = "seed.json"

const seedFileVersion = 1

// ErrSeedExists is returned when Create would overwrite a seed.
var ErrSeedExists = errors.New("seed file already exists")

// ErrBadPassword is returned when the seal does not open.
var ErrBadPassword = errors.New("wrong password")

// kdfParams pins the Argon2id cost a seed was sealed with, so old
// files keep opening when the defaults move.
type kdfParams struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"`
	Threads uint8  `json:"threads"`
}

// Defaults follow the OWASP password-hashing recommendation.
var defaultKDF = kdfParams{Time: 3, Memory: 64 * 1024, Threads: 4}

const sealKeyLen = 32 // AES-256
const sealSaltLen = 32

// sealedSeed is the on-disk form.
type sealedSeed struct {
	Version    int       `json:"version"`
	Network    string    `json:"network"`
	CreatedAt  int64     `json:"created_at"`
	KDF        kdfParams `json:"kdf"`
	Salt       []byte    `json:"salt"`
	Nonce      []byte    `json:"nonce"`
	Ciphertext []byte    `json:"ciphertext"`
}

// SeedFile manages the wallet's sealed mnemonic on disk.
type SeedFile struct {
	path string
}

// OpenSeedFile points at the seed file under dataDir. The file itself
// may not exist yet; use Exists and Create.
func OpenSeedFile(dataDir string) *SeedFile {
	return &SeedFile{path: filepath.Join(dataDir, SeedFileName)}
}

// Path returns the seed file location.
func (f *SeedFile) Path() string {
	return f.path
}

// Exists reports whether a seed has been created.
func (f *SeedFile) Exists() bool {
	_, err := os.Stat(f.path)
	return err == nil
}

// aead derives the file key from a password and builds the cipher.
// Shared by sealing and opening so the two can never drift.
func aead(password string, salt []byte, p kdfParams) (cipher.AEAD, error) {
	if p.Time == 0 || p.Memory == 0 || p.Threads == 0 {
		p = defaultKDF
	}

	key := argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, sealKeyLen)
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Create seals a mnemonic for the given network and writes the seed
// file. Refuses to overwrite an existing seed.
func (f *SeedFile) Create(mnemonic, password string, network chain.Network) error {
	if f.Exists() {
		return fmt.Errorf("%w: %s", ErrSeedExists, f.path)
	}
	if !ValidateMnemonic(mnemonic) {
		return fmt.Errorf("invalid mnemonic")
	}
	if err := CheckPassword(password); err != nil {
		return err
	}

	salt := make([]byte, sealSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := aead(password, salt, defaultKDF)
	if err != nil {
		return err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := &sealedSeed{
		Version:    seedFileVersion,
		Network:    string(network),
		CreatedAt:  time.Now().Unix(),
		KDF:        defaultKDF,
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, []byte(mnemonic), nil),
	}

	data, err := json.Marshal(sealed)
	if err != nil {
		return fmt.Errorf("failed to marshal seed: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(f.path, data, 0600)
}

// Unlock opens the seed file and returns the mnemonic together with
// the network it was sealed for.
func (f *SeedFile) Unlock(password string) (string, chain.Network, error) {
	sealed, err := f.read()
	if err != nil {
		return "", "", err
	}

	gcm, err := aead(password, sealed.Salt, sealed.KDF)
	if err != nil {
		return "", "", err
	}

	plaintext, err := gcm.Open(nil, sealed.Nonce, sealed.Ciphertext, nil)
	if err != nil {
		return "", "", ErrBadPassword
	}

	network, err := chain.ParseNetwork(sealed.Network)
	if err != nil {
		// Legacy files without a network tag open as mainnet.
		network = chain.Mainnet
	}
	return string(plaintext), network, nil
}

// Network returns the network the seed was sealed for without opening
// the seal.
func (f *SeedFile) Network() (chain.Network, error) {
	sealed, err := f.read()
	if err != nil {
		return "", err
	}
	return chain.ParseNetwork(sealed.Network)
}

func (f *SeedFile) read() (*sealedSeed, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}

	var sealed sealedSeed
	if err := json.Unmarshal(data, &sealed); err != nil {
		return nil, fmt.Errorf("corrupt seed file: %w", err)
	}
	if sealed.Version > seedFileVersion {
		return nil, fmt.Errorf("seed file version %d is newer than this build", sealed.Version)
	}
	return &sealed, nil
}

// Password bounds for CheckPassword.
const (
	MinPasswordLength = 8
	MaxPasswordLength = 256
)

// CheckPassword enforces the seed file password policy: 8 to 256
// characters, mixing letters with at least one digit or symbol.
func CheckPassword(password string) error {
	if len(password) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	if len(password) > MaxPasswordLength {
		return fmt.Errorf("password must be at most %d characters", MaxPasswordLength)
	}

	var letters, other bool
	for _, c := range password {
		if unicode.IsLetter(c) {
			letters = true
		} else {
			other = true
		}
	}
	if !letters || !other {
		return fmt.Errorf("password must mix letters with digits or symbols")
	}
	return nil
}

// zero overwrites key material.
func zero(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
