package dispatch

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/me/ensrun/internal/logging"
)

// NewCommand returns the job-dispatch command:
//
//	job-dispatch <run_path> [job ...]
func NewCommand() *cobra.Command {
	var (
		interactive bool
		logLevel    string
		logFormat   string
	)
	cmd := &cobra.Command{
		Use:   "job-dispatch <run_path> [job ...]",
		Short: "Run the jobs listed in <run_path>/jobs.json",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runPath, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			logger := logging.NewLoggerWithWriter(logging.ParseLevel(logLevel), logFormat, cmd.ErrOrStderr())
			return Dispatch(cmd.Context(), Options{
				RunPath:     runPath,
				JobNames:    args[1:],
				Interactive: interactive,
				Stdout:      cmd.OutOrStdout(),
				Logger:      logger,
			})
		},
		SilenceUsage: true,
	}
	cmd.Flags().BoolVarP(&interactive, "interactive", "i", false, "Print progress instead of writing status files and events")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
	return cmd
}
