package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func TestLoadAppliesDefaults(t *testing.T) {
	resetViper(t)
	cfg, params, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "signet", cfg.Chain)
	require.Equal(t, "signet", params.Name)
	require.True(t, cfg.RequireFilters)
	require.Equal(t, 1, cfg.MaxConns)
	require.Equal(t, "127.0.0.1:"+params.DefaultP2PPort, cfg.PeerAddress)
}

func TestLoadRejectsUnknownChain(t *testing.T) {
	resetViper(t)
	t.Setenv("WALLET_CHAIN", "not-a-real-chain")
	_, _, err := Load("")
	require.Error(t, err)
}

func TestLoadHonorsEnvOverride(t *testing.T) {
	resetViper(t)
	t.Setenv("WALLET_CHAIN", "regtest")
	cfg, params, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "regtest", cfg.Chain)
	require.Equal(t, "regtest", params.Name)
}

func TestLoadHonorsConfigFile(t *testing.T) {
	resetViper(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "walletcore.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
chain = "mainnet"
peer_address = "10.0.0.1:9999"
max_connections = 4
`), 0644))

	cfg, params, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "mainnet", cfg.Chain)
	require.Equal(t, "mainnet", params.Name)
	require.Equal(t, "10.0.0.1:9999", cfg.PeerAddress)
	require.Equal(t, 4, cfg.MaxConns)
}

func TestLoadDerivesDefaultPeerAddressFromChain(t *testing.T) {
	resetViper(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "walletcore.toml")
	require.NoError(t, os.WriteFile(path, []byte(`chain = "regtest"`), 0644))

	cfg, params, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:"+params.DefaultP2PPort, cfg.PeerAddress)
}
