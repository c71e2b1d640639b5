package cli

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/ensrun/internal/config"
	"github.com/me/ensrun/internal/logging"
)

var (
	flagConfig    string
	flagServer    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string

	cfg    config.Config
	logger *slog.Logger
	client *Client
)

// defaultServer returns the default status API URL, checking ENSRUN_SERVER first.
func defaultServer() string {
	if s := os.Getenv("ENSRUN_SERVER"); s != "" {
		return s
	}
	return "http://localhost:8080"
}

// NewRootCmd creates the root cobra command for the ensrun CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ensrun",
		Short: "Run ensembles of simulation tasks on local and batch backends",
		Long: `ensrun submits every realization of an ensemble through a driver
(local, lsf, slurm or torque), resubmits failures up to max_submit, and
reports progress over a status API and an optional event stream.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg = config.DefaultConfig()
			if flagConfig != "" {
				loaded, err := config.LoadFile(flagConfig)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Log.Level = flagLogLevel
			}
			if cmd.Flags().Changed("log-format") {
				cfg.Log.Format = flagLogFormat
			}
			if flagDebug {
				cfg.Log.Level = "debug"
			}
			logger = logging.NewLoggerWithWriter(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format, cmd.ErrOrStderr())
			client = NewClient(flagServer, logger)
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to a YAML config file")
	root.PersistentFlags().StringVar(&flagServer, "server", defaultServer(), "Status API URL (or ENSRUN_SERVER env)")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json)")

	root.AddCommand(
		newRunCmd(),
		newStatusCmd(),
		newKillCmd(),
		newRecordCmd(),
		newStepCmd(),
	)

	return root
}
