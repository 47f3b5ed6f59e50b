// Package config provides centralized configuration for the klingpay
// wallet daemon. All tunables (gap limit, confirmation depth, watch ring
// size, provider endpoints) are defined here and loaded from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/klingon-exchange/klingpay/internal/chain"
)

// Defaults.
const (
	DefaultGapLimit        = 20
	DefaultMinBlockConfirm = 1
	DefaultMaxScriptWatch  = 10
	DefaultDustLimit       = 546
	DefaultFeeRate         = 1 // sat/vB floor when no estimate is available
)

// ConfigFileName is the config file name inside the data directory.
const ConfigFileName = "config.yaml"

// ProviderConfig configures the Electrum-style history provider.
type ProviderConfig struct {
	// Servers in host:port form, tried in order.
	Servers []string `yaml:"servers"`
	UseTLS  bool     `yaml:"use_tls"`

	// Timeout per RPC in seconds.
	Timeout int `yaml:"timeout,omitempty"`

	// Reconnect policy.
	MaxReconnects  int `yaml:"max_reconnects,omitempty"`
	ReconnectDelay int `yaml:"reconnect_delay,omitempty"` // seconds
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config holds all configuration for the wallet daemon.
type Config struct {
	// Network is one of regtest|testnet|signet|mainnet (alias: bitcoin).
	Network string `yaml:"network"`

	// DataDir holds the database, seed file and config.
	DataDir string `yaml:"data_dir"`

	// GapLimit is the empty-address lookahead of the account scan.
	GapLimit uint32 `yaml:"gap_limit"`

	// MinBlockConfirm is the depth at which a transaction is confirmed.
	MinBlockConfirm int64 `yaml:"min_block_confirm"`

	// MaxScriptWatch bounds the per-branch script-hash subscription ring.
	MaxScriptWatch int `yaml:"max_script_watch"`

	// DustLimit in satoshis; change below this is folded into the fee.
	DustLimit int64 `yaml:"dust_limit"`

	Provider ProviderConfig `yaml:"provider"`
	Logging  LoggingConfig  `yaml:"logging"`

	// APIAddr is the JSON-RPC listen address, empty to disable.
	APIAddr string `yaml:"api_addr,omitempty"`
}

// DefaultConfig returns a config with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Network:         string(chain.Mainnet),
		DataDir:         "~/.klingpay",
		GapLimit:        DefaultGapLimit,
		MinBlockConfirm: DefaultMinBlockConfirm,
		MaxScriptWatch:  DefaultMaxScriptWatch,
		DustLimit:       DefaultDustLimit,
		Provider: ProviderConfig{
			Servers:        []string{"electrum.blockstream.info:50001"},
			Timeout:        30,
			MaxReconnects:  10,
			ReconnectDelay: 2,
		},
		Logging: LoggingConfig{Level: "info"},
		APIAddr: "127.0.0.1:8332",
	}
}

// Chain resolves the configured network name.
func (c *Config) Chain() (chain.Network, error) {
	return chain.ParseNetwork(c.Network)
}

// ProviderTimeout returns the per-RPC timeout.
func (c *Config) ProviderTimeout() time.Duration {
	if c.Provider.Timeout <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Provider.Timeout) * time.Second
}

// applyDefaults fills zero values after a file load.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Network == "" {
		c.Network = d.Network
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	if c.GapLimit == 0 {
		c.GapLimit = d.GapLimit
	}
	if c.MinBlockConfirm == 0 {
		c.MinBlockConfirm = d.MinBlockConfirm
	}
	if c.MaxScriptWatch == 0 {
		c.MaxScriptWatch = d.MaxScriptWatch
	}
	if c.DustLimit == 0 {
		c.DustLimit = d.DustLimit
	}
	if len(c.Provider.Servers) == 0 {
		c.Provider.Servers = d.Provider.Servers
	}
	if c.Provider.Timeout == 0 {
		c.Provider.Timeout = d.Provider.Timeout
	}
	if c.Provider.MaxReconnects == 0 {
		c.Provider.MaxReconnects = d.Provider.MaxReconnects
	}
	if c.Provider.ReconnectDelay == 0 {
		c.Provider.ReconnectDelay = d.Provider.ReconnectDelay
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
}

// Validate checks the config for consistency.
func (c *Config) Validate() error {
	if _, err := c.Chain(); err != nil {
		return err
	}
	if len(c.Provider.Servers) == 0 {
		return fmt.Errorf("no provider servers configured")
	}
	return nil
}

// Load reads the config file from dataDir, creating it with defaults if
// it does not exist.
func Load(dataDir string) (*Config, error) {
	dataDir = ExpandPath(dataDir)
	path := filepath.Join(dataDir, ConfigFileName)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.DataDir = dataDir
		if saveErr := cfg.Save(dataDir); saveErr != nil {
			return nil, fmt.Errorf("failed to write default config: %w", saveErr)
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.DataDir = dataDir
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save writes the config to dataDir as YAML.
func (c *Config) Save(dataDir string) error {
	dataDir = ExpandPath(dataDir)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(filepath.Join(dataDir, ConfigFileName), data, 0600)
}

// ExpandPath expands ~ to the home directory.
func ExpandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
