package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"

	metrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/me/ensrun/internal/config"
	"github.com/me/ensrun/internal/driver"
	"github.com/me/ensrun/internal/ensemble"
	"github.com/me/ensrun/internal/queue"
	"github.com/me/ensrun/internal/record"
	"github.com/me/ensrun/internal/server"
	"github.com/me/ensrun/pkg/model"
)

func newRunCmd() *cobra.Command {
	var (
		maxRunning int
		maxSubmit  int
		driverKind string
		listen     string
	)

	cmd := &cobra.Command{
		Use:   "run <ensemble.yaml>",
		Short: "Run every realization of an ensemble to completion",
		Long: `Loads the ensemble description, submits its realizations through the
configured driver and blocks until every realization is DONE, FAILED or
KILLED. Interrupting the command kills all running realizations.

Outputs declared by a realization are stored through the record backend
under the slot <iens>/<name> once it succeeds.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("max-running") {
				cfg.Queue.MaxRunning = maxRunning
			}
			if cmd.Flags().Changed("max-submit") {
				cfg.Queue.MaxSubmit = maxSubmit
			}
			if cmd.Flags().Changed("driver") {
				cfg.Driver.Kind = model.DriverKind(driverKind)
			}
			if cmd.Flags().Changed("listen") {
				cfg.Server.Addr = listen
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			summary, err := runEnsemble(ctx, cfg, args[0], cmd.OutOrStdout())
			if err != nil {
				return err
			}
			if summary.Failed > 0 {
				return fmt.Errorf("%d of %d realizations failed", summary.Failed, summary.Total)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&maxRunning, "max-running", 0, "Maximum realizations running at once (overrides config)")
	cmd.Flags().IntVar(&maxSubmit, "max-submit", 0, "Submit attempts per realization (overrides config)")
	cmd.Flags().StringVar(&driverKind, "driver", "", "Driver kind: local, lsf, slurm, torque (overrides config)")
	cmd.Flags().StringVar(&listen, "listen", "", "Serve the status API on this address while running")

	return cmd
}

// runEnsemble executes the ensemble at path and prints a summary to w.
func runEnsemble(ctx context.Context, cfg config.Config, path string, w io.Writer) (model.QueueSummary, error) {
	ens, err := ensemble.Load(path)
	if err != nil {
		return model.QueueSummary{}, err
	}
	drv, err := driver.New(cfg.Driver, logger)
	if err != nil {
		return model.QueueSummary{}, err
	}
	recCfg, err := recordConfigFor(cfg.Records, path, ens)
	if err != nil {
		return model.QueueSummary{}, err
	}
	backend, err := record.Open(ctx, recCfg, logger)
	if err != nil {
		return model.QueueSummary{}, err
	}
	defer backend.Close()

	opts := []queue.Option{queue.WithMetrics(queue.NewMetrics(metrics.NewRegistry()))}
	pub, stopEvents, err := startPublisher(cfg.Events)
	if err != nil {
		return model.QueueSummary{}, err
	}
	defer stopEvents()
	if pub != nil {
		opts = append(opts, queue.WithReporter(pub, cfg.Events.EvaluatorID))
	}

	q := queue.New(drv, queue.OptionsFromConfig(cfg.Queue), logger, opts...)
	for _, task := range ens.Tasks {
		if err := os.MkdirAll(task.RunPath, 0o755); err != nil {
			return model.QueueSummary{}, fmt.Errorf("create run path: %w", err)
		}
		if _, err := q.AddJob(task, persistOutputs(backend, task), nil); err != nil {
			return model.QueueSummary{}, err
		}
	}
	mgr := queue.NewManager(q, logger)

	fmt.Fprintf(w, "Running %d realizations (driver %s, max_running %d, max_submit %d)\n",
		len(ens.Tasks), cfg.Driver.Kind, cfg.Queue.MaxRunning, cfg.Queue.MaxSubmit)

	var summary model.QueueSummary
	g, gctx := errgroup.WithContext(ctx)
	serverCtx, stopServer := context.WithCancel(gctx)
	defer stopServer()
	if cfg.Server.Addr != "" {
		srv := server.New(cfg.Server, mgr, logger)
		g.Go(func() error { return srv.ListenAndServe(serverCtx) })
	}
	g.Go(func() error {
		defer stopServer()
		var err error
		summary, err = mgr.ExecuteQueue(gctx)
		return err
	})
	err = g.Wait()

	printSummary(w, summary)
	if errors.Is(err, context.Canceled) {
		return summary, fmt.Errorf("interrupted: %w", err)
	}
	return summary, err
}

// recordConfigFor resolves the record backend used by a run. A shared-disk
// backend without a directory stores records next to the ensemble file. The
// memory backend would drop outputs when the command exits, so it is
// refused for ensembles that declare any.
func recordConfigFor(rc config.RecordConfig, ensemblePath string, ens *ensemble.Ensemble) (config.RecordConfig, error) {
	switch rc.Backend {
	case "shared-disk":
		if rc.Dir == "" {
			rc.Dir = filepath.Join(filepath.Dir(ensemblePath), "records")
		}
	case "", "memory":
		for _, task := range ens.Tasks {
			if len(task.Outputs) > 0 {
				return rc, fmt.Errorf("realization %d declares outputs but records.backend is memory; use shared-disk or sqlite", task.Index)
			}
		}
	}
	return rc, nil
}

// persistOutputs returns a done callback that stores each declared output
// file of task in backend under the slot <iens>/<name>. Files ending in
// .json are stored as numerical records when they decode as one,
// everything else as blobs.
//
// Every file is read before anything is transmitted, so a missing output
// fails the attempt without touching the store. Slots are write-once and
// shared by all attempts: a resubmitted realization that reproduces the
// same bytes succeeds, while one whose output changed after an earlier
// attempt stored it fails with record.ErrAlreadyTransmitted.
func persistOutputs(backend record.Backend, task *model.Task) queue.Callback {
	if len(task.Outputs) == 0 {
		return nil
	}
	return func(ctx context.Context, res model.JobResult) error {
		names := slices.Sorted(maps.Keys(task.Outputs))
		recs := make([]record.Record, len(names))
		for i, name := range names {
			file := task.Outputs[name]
			if !filepath.IsAbs(file) {
				file = filepath.Join(res.RunPath, file)
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("output %s: %w", name, err)
			}
			recs[i] = record.BlobRecord{Data: data}
			if strings.HasSuffix(file, ".json") {
				if num, err := record.Decode(record.TypeNumerical, data); err == nil {
					recs[i] = num
				}
			}
		}
		for i, name := range names {
			tr, err := backend.Transmitter(fmt.Sprintf("%d/%s", res.Index, name))
			if err != nil {
				return fmt.Errorf("output %s: %w", name, err)
			}
			if err := tr.Transmit(ctx, recs[i]); err != nil {
				return fmt.Errorf("output %s: %w", name, err)
			}
		}
		return nil
	}
}

func printSummary(w io.Writer, s model.QueueSummary) {
	fmt.Fprintf(w, "Realizations: %d total, %d done, %d failed, %d killed", s.Total, s.Done, s.Failed, s.Killed)
	if s.Running+s.Waiting > 0 {
		fmt.Fprintf(w, ", %d running, %d waiting", s.Running, s.Waiting)
	}
	fmt.Fprintln(w)
}
