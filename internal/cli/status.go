package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	var jobs bool
	var status string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			st, err := client.Queue(cmd.Context())
			if err != nil {
				return fmt.Errorf("get queue: %w", err)
			}
			state := "finished"
			if st.IsRunning && !st.Finished() {
				state = "running"
			}
			fmt.Fprintf(out, "Queue: %s\n", state)
			printSummary(out, st.QueueSummary)

			if !jobs && status == "" {
				return nil
			}
			views, err := client.Jobs(cmd.Context(), status)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "IENS\tNAME\tSTATUS\tATTEMPTS\tJOB ID")
			for _, v := range views {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", v.Index, v.Name, v.Status, v.SubmitAttempts, v.ExternalID)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&jobs, "jobs", false, "List every job")
	cmd.Flags().StringVar(&status, "status", "", "List only jobs in this status")
	return cmd
}
