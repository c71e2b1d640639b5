package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newKillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill",
		Short: "Kill every unfinished realization of a running queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sum, err := client.KillAll(cmd.Context())
			if err != nil {
				return fmt.Errorf("kill: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Kill requested")
			printSummary(cmd.OutOrStdout(), sum)
			return nil
		},
	}
}
