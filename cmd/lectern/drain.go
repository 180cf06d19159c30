package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newDrainCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay saved speech segment uploads once",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := openClientRuntime(cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer client.Close()

			result, err := client.queue.Drain(cmd.Context())
			if err != nil {
				return err
			}
			client.logger.Debug("drain finished", zap.Int("delivered", result.Delivered), zap.Int("retained", result.Retained))
			fmt.Fprintf(cmd.OutOrStdout(), "delivered %d, retained %d\n", result.Delivered, result.Retained)
			return nil
		},
	}
}
