package main

import (
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/shailight/walletcore/internal/client"
	"github.com/shailight/walletcore/internal/config"
	"github.com/shailight/walletcore/internal/kvstore"
	"github.com/shailight/walletcore/internal/logx"
	"github.com/shailight/walletcore/internal/p2p"
	"github.com/shailight/walletcore/internal/wallet"
)

// app bundles the facade, wallet, and kv handle one CLI invocation needs,
// so every subcommand shares one bootstrap path.
type app struct {
	facade *client.Facade
	wallet *wallet.Wallet
	kv     *kvstore.Store
}

func bootstrap() (*app, error) {
	cfg, params, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if seedHex == "" {
		return nil, fmt.Errorf("--seed is required")
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decode --seed: %w", err)
	}

	if err := logx.Init(logx.Options{Level: cfg.LogLevel, Path: cfg.LogPath, ToConsole: cfg.LogToConsole}); err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	kv, err := kvstore.Open(filepath.Join(cfg.DataDir, "wallet.db"))
	if err != nil {
		return nil, fmt.Errorf("open kv store: %w", err)
	}

	facade, err := client.New(client.Config{
		Params:         params,
		HeadersPath:    filepath.Join(cfg.DataDir, "headers.dat"),
		PeerAddress:    cfg.PeerAddress,
		MaxConnections: cfg.MaxConns,
		Discovery:      cfg.Discovery,
		RequireFilters: cfg.RequireFilters,
		UserAgent:      "/walletcore:" + Version + "/",
		Clock:          p2p.RealClock,
	})
	if err != nil {
		kv.Close()
		return nil, fmt.Errorf("construct client facade: %w", err)
	}

	w := wallet.New("default", params, facade, kv)
	if err := w.InitFromSeed(seed); err != nil {
		kv.Close()
		return nil, fmt.Errorf("init wallet from seed: %w", err)
	}

	return &app{facade: facade, wallet: w, kv: kv}, nil
}

func (a *app) close() {
	if err := a.facade.Close(); err != nil {
		logx.L.Warn().Err(err).Msg("walletd: error closing client facade")
	}
	if err := a.kv.Close(); err != nil {
		logx.L.Warn().Err(err).Msg("walletd: error closing kv store")
	}
}
