package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/me/ensrun/pkg/model"
)

// Config is the complete ensrun configuration.
type Config struct {
	Log     LogConfig    `yaml:"log"`
	Queue   QueueConfig  `yaml:"queue"`
	Driver  DriverConfig `yaml:"driver"`
	Events  EventConfig  `yaml:"events"`
	Records RecordConfig `yaml:"records"`
	Server  ServerConfig `yaml:"server"`
}

// LogConfig selects the slog level and handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// QueueConfig holds job queue limits and marker file names.
type QueueConfig struct {
	MaxRunning   int           `yaml:"max_running"`
	MaxSubmit    int           `yaml:"max_submit"`
	PollInterval time.Duration `yaml:"poll_interval"`
	StatusFile   string        `yaml:"status_file"`
	OKFile       string        `yaml:"ok_file"`
	ExitFile     string        `yaml:"exit_file"`
}

// DriverConfig selects the submission backend.
type DriverConfig struct {
	Kind   model.DriverKind `yaml:"kind"`
	LSF    LSFConfig        `yaml:"lsf"`
	Slurm  SlurmConfig      `yaml:"slurm"`
	Torque TorqueConfig     `yaml:"torque"`
}

// LSFConfig holds LSF command names and submission options.
type LSFConfig struct {
	Queue    string `yaml:"queue"`
	Resource string `yaml:"resource"` // passed to bsub -R
	BsubCmd  string `yaml:"bsub_cmd"`
	BjobsCmd string `yaml:"bjobs_cmd"`
	BkillCmd string `yaml:"bkill_cmd"`
}

// SlurmConfig holds Slurm command names and submission options.
type SlurmConfig struct {
	Partition  string `yaml:"partition"`
	SbatchCmd  string `yaml:"sbatch_cmd"`
	SqueueCmd  string `yaml:"squeue_cmd"`
	SacctCmd   string `yaml:"sacct_cmd"`
	ScancelCmd string `yaml:"scancel_cmd"`
}

// TorqueConfig holds Torque/PBS command names and submission options.
type TorqueConfig struct {
	Queue    string `yaml:"queue"`
	QsubCmd  string `yaml:"qsub_cmd"`
	QstatCmd string `yaml:"qstat_cmd"`
	QdelCmd  string `yaml:"qdel_cmd"`
}

// EventConfig configures delivery of lifecycle events to a remote collector.
// An empty URL disables event delivery.
type EventConfig struct {
	URL         string        `yaml:"url"`
	Token       string        `yaml:"token"`
	CertFile    string        `yaml:"cert_file"`
	EvaluatorID string        `yaml:"evaluator_id"`
	MaxRetries  int           `yaml:"max_retries"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	Multiplier  time.Duration `yaml:"multiplier"`
}

// RecordConfig selects the record transmitter backend.
type RecordConfig struct {
	Backend string `yaml:"backend"` // memory, shared-disk, sqlite
	// Dir is the shared-disk root. When empty, "ensrun run" uses a records
	// directory next to the ensemble file.
	Dir string `yaml:"dir"`
	DBPath  string `yaml:"db_path"` // sqlite database
}

// ServerConfig configures the status API. An empty Addr disables it.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Queue: QueueConfig{
			MaxRunning:   5,
			MaxSubmit:    2,
			PollInterval: time.Second,
			StatusFile:   model.DefaultStatusFile,
			OKFile:       model.DefaultOKFile,
			ExitFile:     model.DefaultExitFile,
		},
		Driver: DriverConfig{
			Kind: model.DriverKindLocal,
			LSF: LSFConfig{
				BsubCmd:  "bsub",
				BjobsCmd: "bjobs",
				BkillCmd: "bkill",
			},
			Slurm: SlurmConfig{
				SbatchCmd:  "sbatch",
				SqueueCmd:  "squeue",
				SacctCmd:   "sacct",
				ScancelCmd: "scancel",
			},
			Torque: TorqueConfig{
				QsubCmd:  "qsub",
				QstatCmd: "qstat",
				QdelCmd:  "qdel",
			},
		},
		Events: EventConfig{
			MaxRetries: 10,
			BaseDelay:  200 * time.Millisecond,
			Multiplier: 5 * time.Second,
		},
		Records: RecordConfig{Backend: "shared-disk"},
	}
}

// LoadFile reads a YAML file on top of DefaultConfig and validates the result.
// Keys absent from the file keep their default values.
func LoadFile(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.Queue.MaxRunning < 1 {
		errs = append(errs, fmt.Errorf("queue.max_running must be >= 1, got %d", c.Queue.MaxRunning))
	}
	if c.Queue.MaxSubmit < 1 {
		errs = append(errs, fmt.Errorf("queue.max_submit must be >= 1, got %d", c.Queue.MaxSubmit))
	}
	if c.Queue.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("queue.poll_interval must be positive"))
	}
	if _, err := model.ParseDriverKind(string(c.Driver.Kind)); err != nil {
		errs = append(errs, fmt.Errorf("driver.kind: %w", err))
	}
	if c.Events.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("events.max_retries must not be negative"))
	}
	switch c.Records.Backend {
	case "memory":
	case "shared-disk":
	case "sqlite":
		if c.Records.DBPath == "" {
			errs = append(errs, fmt.Errorf("records.db_path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("records.backend %q is not one of memory, shared-disk, sqlite", c.Records.Backend))
	}
	return errors.Join(errs...)
}
