package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shailight/walletcore/internal/logx"
)

var rescanFrom int64

func init() {
	rescanCmd.Flags().Int64Var(&rescanFrom, "from-height", 0, "height to rescan from")
}

var rescanCmd = &cobra.Command{
	Use:   "rescan",
	Short: "Force a full rescan from --from-height",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.close()

		a.wallet.AddProgressObserver(consoleProgress{})

		logx.L.Info().Msg("walletd: connecting and syncing before rescan")
		if err := a.facade.Start(); err != nil {
			return fmt.Errorf("sync to tip: %w", err)
		}
		if err := a.wallet.DiscoverUtxos(true, rescanFrom); err != nil {
			return fmt.Errorf("rescan: %w", err)
		}

		spendable, pending := a.wallet.Balance()
		fmt.Printf("spendable: %d sats\npending:   %d sats\n", spendable, pending)
		return nil
	},
}
