package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func (c *cli) sweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Claim and send one batch of due outbox messages, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			svc, err := buildServices(ctx, c.cfg, c.logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			result, err := svc.delivery.Sweep(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
}
