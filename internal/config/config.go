// Package config loads wallet configuration via viper: defaults set, env
// vars bound, file overlaid on top.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/shailight/walletcore/internal/chainparams"
)

// Config is the resolved, typed configuration for a walletd process.
type Config struct {
	Chain          string
	DataDir        string
	PeerAddress    string
	MaxConns       int
	Discovery      bool
	RequireFilters bool

	LogLevel     string
	LogPath      string
	LogToConsole bool

	SyncStartHeight uint32
}

// setDefaults seeds every config key so Load never has to special-case a
// missing file or env var.
func setDefaults() {
	viper.SetDefault("chain", "signet")
	viper.SetDefault("data_dir", "~/.walletcore")
	viper.SetDefault("peer_address", "")
	viper.SetDefault("max_connections", 1)
	viper.SetDefault("discovery", false)
	viper.SetDefault("require_filters", true)
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_path", "")
	viper.SetDefault("log_to_console", true)
	viper.SetDefault("sync_start_height", 0)
}

// Load reads pathToConfig (if present) and environment overrides, and
// returns the typed Config plus the resolved chain parameters.
func Load(pathToConfig string) (Config, chainparams.Params, error) {
	setDefaults()

	if pathToConfig != "" {
		viper.SetConfigFile(pathToConfig)
		// Absence of a config file is not fatal; defaults and env vars
		// still apply.
		_ = viper.ReadInConfig()
	}

	viper.AutomaticEnv()
	viper.BindEnv("chain", "WALLET_CHAIN")
	viper.BindEnv("data_dir", "WALLET_DATA_DIR")
	viper.BindEnv("peer_address", "WALLET_PEER_ADDRESS")
	viper.BindEnv("log_level", "WALLET_LOG_LEVEL")

	cfg := Config{
		Chain:           viper.GetString("chain"),
		DataDir:         viper.GetString("data_dir"),
		PeerAddress:     viper.GetString("peer_address"),
		MaxConns:        viper.GetInt("max_connections"),
		Discovery:       viper.GetBool("discovery"),
		RequireFilters:  viper.GetBool("require_filters"),
		LogLevel:        viper.GetString("log_level"),
		LogPath:         viper.GetString("log_path"),
		LogToConsole:    viper.GetBool("log_to_console"),
		SyncStartHeight: viper.GetUint32("sync_start_height"),
	}

	params, ok := chainparams.ByName(cfg.Chain)
	if !ok {
		return cfg, chainparams.Params{}, fmt.Errorf("unknown chain %q", cfg.Chain)
	}
	if cfg.PeerAddress == "" {
		cfg.PeerAddress = "127.0.0.1:" + params.DefaultP2PPort
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 1
	}

	return cfg, params, nil
}
