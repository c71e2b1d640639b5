package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/me/ensrun/internal/record"
)

func newRecordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Exchange records through the configured durable backend",
	}
	cmd.AddCommand(newRecordTransmitCmd(), newRecordLoadCmd())
	return cmd
}

// openDurable opens the configured record backend, refusing the
// process-local memory backend.
func openDurable(cmd *cobra.Command) (record.Backend, error) {
	if cfg.Records.Backend == "" || cfg.Records.Backend == "memory" {
		return nil, errors.New("record commands need the shared-disk or sqlite backend")
	}
	if cfg.Records.Backend == "shared-disk" && cfg.Records.Dir == "" {
		return nil, errors.New("record commands need records.dir for the shared-disk backend")
	}
	return record.Open(cmd.Context(), cfg.Records, logger)
}

func newRecordTransmitCmd() *cobra.Command {
	var slot, file, typ string

	cmd := &cobra.Command{
		Use:   "transmit",
		Short: "Store a file in a record slot (write-once)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var rec record.Record
			switch record.Type(typ) {
			case record.TypeBlob:
				rec = record.BlobRecord{Data: data}
			case record.TypeNumerical:
				if rec, err = record.Decode(record.TypeNumerical, data); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown record type %q", typ)
			}

			backend, err := openDurable(cmd)
			if err != nil {
				return err
			}
			defer backend.Close()
			tr, err := backend.Transmitter(slot)
			if err != nil {
				return err
			}
			if err := tr.Transmit(cmd.Context(), rec); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Transmitted %s record to %s\n", typ, slot)
			return nil
		},
	}

	cmd.Flags().StringVar(&slot, "slot", "", "Record slot, e.g. 0/summary")
	cmd.Flags().StringVar(&file, "file", "", "File to transmit")
	cmd.Flags().StringVar(&typ, "type", string(record.TypeBlob), "Record type: blob or numerical")
	cmd.MarkFlagRequired("slot")
	cmd.MarkFlagRequired("file")
	return cmd
}

func newRecordLoadCmd() *cobra.Command {
	var slot, out string

	cmd := &cobra.Command{
		Use:   "load",
		Short: "Print or save the record in a slot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := openDurable(cmd)
			if err != nil {
				return err
			}
			defer backend.Close()
			tr, err := backend.Transmitter(slot)
			if err != nil {
				return err
			}
			rec, err := tr.Load(cmd.Context())
			if err != nil {
				return err
			}

			var data []byte
			switch r := rec.(type) {
			case record.NumericalRecord:
				if data, err = json.MarshalIndent(r, "", "  "); err != nil {
					return err
				}
				data = append(data, '\n')
			default:
				if data, err = rec.Encode(); err != nil {
					return err
				}
			}
			if out != "" {
				return os.WriteFile(out, data, 0o644)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	cmd.Flags().StringVar(&slot, "slot", "", "Record slot, e.g. 0/summary")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Write to this file instead of stdout")
	cmd.MarkFlagRequired("slot")
	return cmd
}
