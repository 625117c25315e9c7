package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/shailight/walletcore/internal/client"
	"github.com/shailight/walletcore/internal/logx"
	"github.com/shailight/walletcore/internal/wallet"
)

var fullRescan bool

func init() {
	startCmd.Flags().BoolVar(&fullRescan, "full-rescan", false, "rescan the whole configured range instead of resuming from the last scanned height")
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Connect to a peer, sync headers and filters, and scan for UTXOs",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.close()

		a.wallet.AddProgressObserver(consoleProgress{})
		a.facade.AddStateObserver(consoleState{facade: a.facade})

		logx.L.Info().Msg("walletd: connecting and syncing headers/filters")
		if err := a.facade.Start(); err != nil {
			return fmt.Errorf("sync to tip: %w", err)
		}

		logx.L.Info().Int64("tip", a.facade.TipHeight()).Msg("walletd: ready, discovering utxos")
		if err := a.wallet.DiscoverUtxos(fullRescan, 0); err != nil {
			return fmt.Errorf("discover utxos: %w", err)
		}

		spendable, pending := a.wallet.Balance()
		logx.L.Info().Uint64("spendable", spendable).Uint64("pending", pending).Msg("walletd: scan complete")

		a.facade.AddBlockObserver(blockWatcher{wallet: a.wallet})

		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt)
		<-interrupt
		logx.L.Info().Msg("walletd: shutting down")
		return nil
	},
}

type consoleProgress struct{}

func (consoleProgress) OnScanProgress(scanned, total int64, status wallet.ProgressStatus) {
	logx.L.Info().Int64("scanned", scanned).Int64("total", total).Str("status", string(status)).Msg("walletd: scan progress")
}

type consoleState struct{ facade *client.Facade }

func (s consoleState) OnStateChanged() {
	logx.L.Debug().Str("phase", s.facade.Phase().String()).Msg("walletd: state changed")
}

type blockWatcher struct{ wallet *wallet.Wallet }

func (b blockWatcher) OnNewBlock(height int64) {
	if err := b.wallet.CheckBlockForTransactions(height); err != nil {
		logx.L.Warn().Err(err).Int64("height", height).Msg("walletd: block check failed")
	}
}
