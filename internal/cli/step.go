package cli

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/ensrun/internal/event"
	"github.com/me/ensrun/internal/record"
	"github.com/me/ensrun/internal/step"
)

func newStepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "step",
		Short: "Run built-in functions over records",
	}
	cmd.AddCommand(newStepListCmd(), newStepRunCmd())
	return cmd
}

func newStepListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the built-in step functions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range step.Builtins().Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	}
}

func newStepRunCmd() *cobra.Command {
	var (
		inputs  map[string]string
		outputs map[string]string
		iens    int
		wait    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run <function>",
		Short: "Load input records, run a function and store its outputs",
		Long: `Loads every --input slot, calls the named built-in function and
transmits each declared --output through the configured record backend.
Lifecycle events go to events.url when it is configured.

  ensrun step run sum --input a=0/a,b=0/b --output total=0/total`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			fn, ok := step.Builtins().Lookup(name)
			if !ok {
				return fmt.Errorf("unknown step function %q (known: %s)", name, strings.Join(step.Builtins().Names(), ", "))
			}
			if len(outputs) == 0 {
				return fmt.Errorf("at least one --output is required")
			}

			backend, err := openDurable(cmd)
			if err != nil {
				return err
			}
			defer backend.Close()

			s := step.Step{
				Name:      name,
				Inputs:    make(map[string]record.Transmitter, len(inputs)),
				Outputs:   make(map[string]record.Transmitter, len(outputs)),
				Func:      fn,
				Source:    event.JobSource(cfg.Events.EvaluatorID, iens, name, 0),
				InputPoll: wait,
			}
			for in, slot := range inputs {
				if s.Inputs[in], err = backend.Transmitter(slot); err != nil {
					return fmt.Errorf("input %s: %w", in, err)
				}
			}
			for out, slot := range outputs {
				if s.Outputs[out], err = backend.Transmitter(slot); err != nil {
					return fmt.Errorf("output %s: %w", out, err)
				}
			}

			pub, stopEvents, err := startPublisher(cfg.Events)
			if err != nil {
				return err
			}
			defer stopEvents()
			var reporter step.Reporter
			if pub != nil {
				reporter = pub
			}

			if err := step.NewRunner(reporter, logger).Run(cmd.Context(), s); err != nil {
				return err
			}
			for _, out := range slices.Sorted(maps.Keys(outputs)) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", out, outputs[out])
			}
			return nil
		},
	}

	cmd.Flags().StringToStringVar(&inputs, "input", nil, "Input name=slot pairs")
	cmd.Flags().StringToStringVar(&outputs, "output", nil, "Output name=slot pairs")
	cmd.Flags().IntVar(&iens, "iens", 0, "Realization index used in event sources")
	cmd.Flags().DurationVar(&wait, "wait", 0, "Poll interval for inputs that are not yet transmitted (0 = fail at once)")
	return cmd
}
