package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version    = "0.0.0"
	configFile string
	dataDir    string
	seedHex    string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional; without it only defaults and env vars apply)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "datadir", "", "Override the configured data directory")
	rootCmd.PersistentFlags().StringVar(&seedHex, "seed", "", "Hex-encoded BIP39 seed bytes (required)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(addressCmd)
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(rescanCmd)
}

var rootCmd = &cobra.Command{
	Use:     "walletd",
	Short:   "walletd is an SPV wallet daemon and CLI",
	Version: Version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
