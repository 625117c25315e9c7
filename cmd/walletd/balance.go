package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Show the spendable and pending balance from the last scan",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.close()

		spendable, pending := a.wallet.Balance()
		fmt.Printf("spendable: %d sats\npending:   %d sats\n", spendable, pending)
		fmt.Printf("last scanned height: %d\n", a.wallet.LastScannedHeight())
		return nil
	},
}
