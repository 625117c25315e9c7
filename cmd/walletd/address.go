package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var addressCmd = &cobra.Command{
	Use:   "address",
	Short: "Issue the next unused receive address",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.close()

		addr, err := a.wallet.NextReceiveAddress()
		if err != nil {
			return err
		}
		fmt.Println(addr)
		return nil
	},
}
