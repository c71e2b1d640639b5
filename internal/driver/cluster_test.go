package driver

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/me/ensrun/internal/config"
	"github.com/me/ensrun/pkg/model"
)

// mockRunner records calls and returns canned responses.
type mockRunner struct {
	calls   []mockCall
	results []mockResult
	callIdx int
}

type mockCall struct {
	name string
	args []string
}

type mockResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

func (m *mockRunner) Run(_ context.Context, name string, args ...string) (string, string, int, error) {
	m.calls = append(m.calls, mockCall{name: name, args: args})
	if m.callIdx >= len(m.results) {
		return "", "", -1, fmt.Errorf("unexpected call %d", m.callIdx)
	}
	r := m.results[m.callIdx]
	m.callIdx++
	return r.stdout, r.stderr, r.exitCode, r.err
}

func asSubmitError(err error, target **model.SubmitError) bool {
	return errors.As(err, target)
}

// argAfter returns the argument following flag, or "" when absent.
func argAfter(args []string, flag string) string {
	i := slices.Index(args, flag)
	if i < 0 || i+1 >= len(args) {
		return ""
	}
	return args[i+1]
}

func clusterTask() *model.Task {
	return &model.Task{
		Index:      7,
		Executable: "/opt/bin/forward_model",
		Args:       []string{"--case", "base"},
		RunPath:    "/scratch/run7",
		NumCPU:     4,
		Env:        map[string]string{"B": "2", "A": "1"},
	}
}

func TestLSFDriver_Submit(t *testing.T) {
	runner := &mockRunner{results: []mockResult{
		{stdout: "Job <4711> is submitted to queue <normal>.\n"},
	}}
	d := newLSFDriverWithRunner(config.LSFConfig{Queue: "normal", Resource: "select[mem>4000]"}, newTestLogger(), runner)

	id, err := d.Submit(context.Background(), clusterTask())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "4711" {
		t.Errorf("id = %q, want 4711", id)
	}

	call := runner.calls[0]
	if call.name != "bsub" {
		t.Errorf("command = %q, want bsub", call.name)
	}
	checks := map[string]string{
		"-n":   "4",
		"-J":   "realization-7",
		"-q":   "normal",
		"-R":   "select[mem>4000]",
		"-o":   "/scratch/run7/realization-7.LSF-stdout",
		"-env": "all, A=1, B=2",
	}
	for flag, want := range checks {
		if got := argAfter(call.args, flag); got != want {
			t.Errorf("%s = %q, want %q", flag, got, want)
		}
	}
	tail := call.args[len(call.args)-3:]
	if strings.Join(tail, " ") != "/opt/bin/forward_model --case base" {
		t.Errorf("command tail = %v", tail)
	}
}

func TestLSFDriver_SubmitFailures(t *testing.T) {
	tests := []struct {
		name   string
		result mockResult
	}{
		{"non-zero exit", mockResult{stderr: "Bad resource requirement syntax", exitCode: 255}},
		{"runner error", mockResult{exitCode: -1, err: errors.New("exec: bsub: not found")}},
		{"no job id", mockResult{stdout: "Request aborted by esub.\n"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &mockRunner{results: []mockResult{tt.result}}
			d := newLSFDriverWithRunner(config.LSFConfig{}, newTestLogger(), runner)
			_, err := d.Submit(context.Background(), clusterTask())
			var se *model.SubmitError
			if !errors.As(err, &se) {
				t.Fatalf("err = %v, want *model.SubmitError", err)
			}
			if se.Index != 7 || se.Driver != model.DriverKindLSF {
				t.Errorf("SubmitError = %+v", se)
			}
		})
	}
}

func TestLSFDriver_Poll(t *testing.T) {
	tests := []struct {
		stat string
		want model.JobStatus
	}{
		{"PEND", model.JobStatusPending},
		{"PSUSP", model.JobStatusPending},
		{"RUN", model.JobStatusRunning},
		{"SSUSP", model.JobStatusRunning},
		{"DONE", model.JobStatusDone},
		{"EXIT", model.JobStatusExited},
		{"ZOMBI", model.JobStatusExited},
	}
	for _, tt := range tests {
		t.Run(tt.stat, func(t *testing.T) {
			line := fmt.Sprintf("4711    user    %s  normal     host1       -           realization-7 Jan 01 10:00\n", tt.stat)
			runner := &mockRunner{results: []mockResult{{stdout: line}}}
			d := newLSFDriverWithRunner(config.LSFConfig{}, newTestLogger(), runner)
			got, err := d.Poll(context.Background(), "4711")
			if err != nil {
				t.Fatalf("Poll: %v", err)
			}
			if got != tt.want {
				t.Errorf("Poll = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestLSFDriver_PollUnknown(t *testing.T) {
	runner := &mockRunner{results: []mockResult{{stderr: "Job <4711> is not found", exitCode: 255}}}
	d := newLSFDriverWithRunner(config.LSFConfig{}, newTestLogger(), runner)
	if _, err := d.Poll(context.Background(), "4711"); err == nil {
		t.Fatal("expected error for unknown job")
	}
}

func TestLSFDriver_Kill(t *testing.T) {
	runner := &mockRunner{results: []mockResult{{stdout: "Job <4711> is being terminated\n"}}}
	d := newLSFDriverWithRunner(config.LSFConfig{BkillCmd: "/usr/bin/bkill"}, newTestLogger(), runner)
	if err := d.Kill(context.Background(), "4711"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if runner.calls[0].name != "/usr/bin/bkill" || runner.calls[0].args[0] != "4711" {
		t.Errorf("call = %+v", runner.calls[0])
	}
}

func TestSlurmDriver_Submit(t *testing.T) {
	runner := &mockRunner{results: []mockResult{{stdout: "90210;cluster\n"}}}
	d := newSlurmDriverWithRunner(config.SlurmConfig{Partition: "debug"}, newTestLogger(), runner)

	id, err := d.Submit(context.Background(), clusterTask())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "90210" {
		t.Errorf("id = %q, want 90210", id)
	}
	args := runner.calls[0].args
	if argAfter(args, "--cpus-per-task") != "4" {
		t.Errorf("--cpus-per-task = %q, want 4", argAfter(args, "--cpus-per-task"))
	}
	if argAfter(args, "--partition") != "debug" {
		t.Errorf("--partition = %q, want debug", argAfter(args, "--partition"))
	}
	if !slices.Contains(args, "--export=ALL,A=1,B=2") {
		t.Errorf("missing export flag in %v", args)
	}
}

func TestSlurmDriver_SubmitMalformed(t *testing.T) {
	runner := &mockRunner{results: []mockResult{{stdout: "sbatch: error: Batch job submission failed\n"}}}
	d := newSlurmDriverWithRunner(config.SlurmConfig{}, newTestLogger(), runner)
	var se *model.SubmitError
	if _, err := d.Submit(context.Background(), clusterTask()); !errors.As(err, &se) {
		t.Fatalf("err = %v, want *model.SubmitError", err)
	}
}

func TestSlurmDriver_Poll(t *testing.T) {
	tests := []struct {
		name    string
		results []mockResult
		want    model.JobStatus
	}{
		{"queued", []mockResult{{stdout: "PENDING\n"}}, model.JobStatusPending},
		{"running", []mockResult{{stdout: "RUNNING\n"}}, model.JobStatusRunning},
		{"completed via sacct", []mockResult{{stdout: ""}, {stdout: "COMPLETED\n"}}, model.JobStatusDone},
		{"cancelled via sacct", []mockResult{{stderr: "Invalid job id", exitCode: 1}, {stdout: "CANCELLED by 1000\n"}}, model.JobStatusExited},
		{"timeout via sacct", []mockResult{{stdout: ""}, {stdout: "TIMEOUT\n"}}, model.JobStatusExited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &mockRunner{results: tt.results}
			d := newSlurmDriverWithRunner(config.SlurmConfig{}, newTestLogger(), runner)
			got, err := d.Poll(context.Background(), "90210")
			if err != nil {
				t.Fatalf("Poll: %v", err)
			}
			if got != tt.want {
				t.Errorf("Poll = %s, want %s", got, tt.want)
			}
			if len(runner.calls) != len(tt.results) {
				t.Errorf("calls = %d, want %d", len(runner.calls), len(tt.results))
			}
		})
	}
}

func TestSlurmDriver_PollUnknown(t *testing.T) {
	runner := &mockRunner{results: []mockResult{{stdout: ""}, {stdout: ""}}}
	d := newSlurmDriverWithRunner(config.SlurmConfig{}, newTestLogger(), runner)
	if _, err := d.Poll(context.Background(), "1"); err == nil {
		t.Fatal("expected error for job unknown to both squeue and sacct")
	}
}

func TestTorqueDriver_Submit(t *testing.T) {
	runner := &mockRunner{results: []mockResult{{stdout: "123.pbs-server\n"}}}
	d := newTorqueDriverWithRunner(config.TorqueConfig{Queue: "batch"}, newTestLogger(), runner)

	id, err := d.Submit(context.Background(), clusterTask())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id != "123.pbs-server" {
		t.Errorf("id = %q, want 123.pbs-server", id)
	}
	args := runner.calls[0].args
	if got := argAfter(args, "-l"); got != "nodes=1:ppn=4" {
		t.Errorf("-l = %q, want nodes=1:ppn=4", got)
	}
	if got := argAfter(args, "-F"); got != "--case base" {
		t.Errorf("-F = %q, want %q", got, "--case base")
	}
	if got := argAfter(args, "-v"); got != "A=1,B=2" {
		t.Errorf("-v = %q, want A=1,B=2", got)
	}
	if args[len(args)-1] != "/opt/bin/forward_model" {
		t.Errorf("last arg = %q, want executable", args[len(args)-1])
	}
}

func TestTorqueDriver_Poll(t *testing.T) {
	qstat := func(state, exit string) string {
		out := "Job Id: 123.pbs-server\n    Job_Name = realization-7\n    job_state = " + state + "\n"
		if exit != "" {
			out += "    exit_status = " + exit + "\n"
		}
		return out
	}
	tests := []struct {
		name string
		out  string
		want model.JobStatus
	}{
		{"queued", qstat("Q", ""), model.JobStatusPending},
		{"held", qstat("H", ""), model.JobStatusPending},
		{"running", qstat("R", ""), model.JobStatusRunning},
		{"exiting", qstat("E", ""), model.JobStatusRunning},
		{"completed ok", qstat("C", "0"), model.JobStatusDone},
		{"completed failed", qstat("C", "1"), model.JobStatusExited},
		{"completed killed", qstat("C", "-11"), model.JobStatusExited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &mockRunner{results: []mockResult{{stdout: tt.out}}}
			d := newTorqueDriverWithRunner(config.TorqueConfig{}, newTestLogger(), runner)
			got, err := d.Poll(context.Background(), "123.pbs-server")
			if err != nil {
				t.Fatalf("Poll: %v", err)
			}
			if got != tt.want {
				t.Errorf("Poll = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestTorqueDriver_Kill(t *testing.T) {
	runner := &mockRunner{results: []mockResult{{stderr: "qdel: Unknown Job Id", exitCode: 153}}}
	d := newTorqueDriverWithRunner(config.TorqueConfig{}, newTestLogger(), runner)
	if err := d.Kill(context.Background(), "123"); err == nil {
		t.Fatal("expected qdel failure to be reported")
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		kind    model.DriverKind
		want    model.DriverKind
		wantErr bool
	}{
		{"", model.DriverKindLocal, false},
		{model.DriverKindLocal, model.DriverKindLocal, false},
		{model.DriverKindLSF, model.DriverKindLSF, false},
		{model.DriverKindSlurm, model.DriverKindSlurm, false},
		{model.DriverKindTorque, model.DriverKindTorque, false},
		{"pbspro", "", true},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			d, err := New(config.DriverConfig{Kind: tt.kind}, newTestLogger())
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			if d.Kind() != tt.want {
				t.Errorf("Kind() = %q, want %q", d.Kind(), tt.want)
			}
		})
	}
}
