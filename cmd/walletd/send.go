package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shailight/walletcore/internal/logx"
)

var (
	sendTo        string
	sendAmount    uint64
	sendFeeRate   uint64
	sendSweep     bool
	sendEnableRBF bool
)

func init() {
	sendCmd.Flags().StringVar(&sendTo, "to", "", "recipient address (required)")
	sendCmd.Flags().Uint64Var(&sendAmount, "amount", 0, "amount in satoshis (ignored with --sweep)")
	sendCmd.Flags().Uint64Var(&sendFeeRate, "fee-rate", 1, "fee rate in sat/vbyte")
	sendCmd.Flags().BoolVar(&sendSweep, "sweep", false, "spend every spendable utxo, subtracting fee from the total")
	sendCmd.Flags().BoolVar(&sendEnableRBF, "rbf", true, "mark the transaction as replaceable")
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Build, sign, and broadcast a transaction",
	RunE: func(cmd *cobra.Command, args []string) error {
		if sendTo == "" {
			return fmt.Errorf("--to is required")
		}
		a, err := bootstrap()
		if err != nil {
			return err
		}
		defer a.close()

		logx.L.Info().Msg("walletd: connecting and syncing before send")
		if err := a.facade.Start(); err != nil {
			return fmt.Errorf("sync to tip: %w", err)
		}
		if err := a.wallet.DiscoverUtxos(false, 0); err != nil {
			return fmt.Errorf("refresh utxo set: %w", err)
		}

		txid, err := a.wallet.Send(sendTo, sendAmount, sendFeeRate, sendSweep, sendEnableRBF, nil)
		if err != nil {
			return fmt.Errorf("send: %w", err)
		}
		fmt.Println(txid.String())
		return nil
	},
}
