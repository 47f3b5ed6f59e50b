// Package main provides the klingpayd daemon - a Bitcoin payment
// wallet backed by an Electrum-style history provider.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/klingon-exchange/klingpay/internal/chain"
	"github.com/klingon-exchange/klingpay/internal/config"
	"github.com/klingon-exchange/klingpay/internal/provider"
	"github.com/klingon-exchange/klingpay/internal/rpc"
	"github.com/klingon-exchange/klingpay/internal/storage"
	walletsync "github.com/klingon-exchange/klingpay/internal/sync"
	"github.com/klingon-exchange/klingpay/internal/wallet"
	"github.com/klingon-exchange/klingpay/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// storageCache adapts the storage provider_cache table to the provider
// cache interface.
type storageCache struct {
	store *storage.Storage
}

func (c *storageCache) Get(key string) ([]byte, bool, error) { return c.store.CacheGet(key) }
func (c *storageCache) Put(key string, value []byte) error   { return c.store.CachePut(key, value) }
func (c *storageCache) Delete(key string) error              { return c.store.CacheDelete(key) }
func (c *storageCache) Clear() error                         { return c.store.CacheClear() }

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.klingpay", "Data directory")
		network     = flag.String("network", "", "Network (regtest, testnet, signet, mainnet), overrides config")
		servers     = flag.String("electrum", "", "Electrum servers (comma-separated host:port), overrides config")
		useTLS      = flag.Bool("tls", false, "Use TLS for the provider connection")
		apiAddr     = flag.String("api", "", "JSON-RPC API address, overrides config")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		noSync      = flag.Bool("no-sync", false, "Skip the initial account sync")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	logging.Init(*logLevel, os.Stderr)
	log := logging.Component("klingpayd")

	if *showVersion {
		log.Infof("klingpayd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}
	if *network != "" {
		cfg.Network = *network
	}
	if *servers != "" {
		cfg.Provider.Servers = strings.Split(*servers, ",")
		cfg.Provider.UseTLS = *useTLS
	}
	if *apiAddr != "" {
		cfg.APIAddr = *apiAddr
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid config", "error", err)
	}

	net, _ := cfg.Chain()

	mnemonic, err := loadOrCreateSeed(cfg, net, log)
	if err != nil {
		log.Fatal("Failed to load seed", "error", err)
	}

	deriver, err := wallet.NewFromMnemonic(mnemonic, "", net)
	if err != nil {
		log.Fatal("Failed to derive keys", "error", err)
	}

	store, err := storage.New(&storage.Config{DataDir: cfg.DataDir})
	if err != nil {
		log.Fatal("Failed to open storage", "error", err)
	}
	defer store.Close()

	prov := provider.NewElectrum(&provider.Options{
		Servers:        cfg.Provider.Servers,
		UseTLS:         cfg.Provider.UseTLS,
		Timeout:        cfg.ProviderTimeout(),
		MaxReconnects:  cfg.Provider.MaxReconnects,
		ReconnectDelay: time.Duration(cfg.Provider.ReconnectDelay) * time.Second,
		Cache:          &storageCache{store: store},
		Logger:         logging.Component("electrum"),
	})
	defer prov.Close()

	manager, err := walletsync.NewManager(&walletsync.Options{
		Config:   cfg,
		Network:  net,
		Deriver:  deriver,
		Store:    store,
		Provider: prov,
		Logger:   logging.Component("sync"),
	})
	if err != nil {
		log.Fatal("Failed to build sync manager", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Start(ctx); err != nil {
		log.Fatal("Failed to start wallet", "error", err)
	}

	var server *rpc.Server
	if cfg.APIAddr != "" {
		server = rpc.NewServer(manager, store)
		if err := server.Start(cfg.APIAddr); err != nil {
			log.Fatal("Failed to start RPC server", "error", err)
		}
	}

	if !*noSync {
		go func() {
			if err := manager.SyncAccount(ctx, walletsync.SyncOptions{}); err != nil {
				log.Error("Initial sync failed", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := manager.PauseSync(shutdownCtx); err != nil {
		log.Warn("Pause sync failed", "error", err)
	}
	if server != nil {
		if err := server.Stop(shutdownCtx); err != nil {
			log.Warn("RPC shutdown failed", "error", err)
		}
	}
}

// loadOrCreateSeed unlocks the seed file, creating and sealing a fresh
// mnemonic on first run. The password comes from KLINGPAY_PASSWORD.
func loadOrCreateSeed(cfg *config.Config, net chain.Network, log *logging.Logger) (string, error) {
	password := os.Getenv("KLINGPAY_PASSWORD")
	seed := wallet.OpenSeedFile(config.ExpandPath(cfg.DataDir))

	if seed.Exists() {
		mnemonic, sealedNet, err := seed.Unlock(password)
		if err != nil {
			return "", err
		}
		if sealedNet != net {
			return "", fmt.Errorf("seed file was created for %s but config says %s", sealedNet, net)
		}
		return mnemonic, nil
	}

	mnemonic, err := wallet.GenerateMnemonic(256)
	if err != nil {
		return "", err
	}
	if err := seed.Create(mnemonic, password, net); err != nil {
		return "", err
	}

	log.Warn("Generated a new wallet seed - back up the mnemonic", "path", seed.Path(), "network", net)
	log.Infof("mnemonic: %s", mnemonic)
	return mnemonic, nil
}
