package driver

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/me/ensrun/pkg/model"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeScript creates an executable shell script in dir.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func waitLocal(t *testing.T, d *LocalDriver, id string) model.JobStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Wait(ctx, id); err != nil {
		t.Fatalf("Wait(%s): %v", id, err)
	}
	status, err := d.Poll(ctx, id)
	if err != nil {
		t.Fatalf("Poll(%s): %v", id, err)
	}
	return status
}

func TestLocalDriver_Kind(t *testing.T) {
	d := NewLocalDriver(newTestLogger())
	if got := d.Kind(); got != model.DriverKindLocal {
		t.Fatalf("Kind() = %q, want %q", got, model.DriverKindLocal)
	}
}

func TestLocalDriver_Success(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "job.sh", "echo hello")
	d := NewLocalDriver(newTestLogger())

	task := &model.Task{Index: 0, Executable: script, RunPath: filepath.Join(dir, "run0")}
	id, err := d.Submit(context.Background(), task)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := waitLocal(t, d, id); got != model.JobStatusDone {
		t.Errorf("status = %s, want DONE", got)
	}

	out, err := os.ReadFile(filepath.Join(task.RunPath, "realization-0.stdout"))
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	if strings.TrimSpace(string(out)) != "hello" {
		t.Errorf("stdout = %q, want %q", out, "hello\n")
	}
}

func TestLocalDriver_Failure(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "job.sh", "echo boom >&2\nexit 3")
	d := NewLocalDriver(newTestLogger())

	task := &model.Task{Index: 1, Executable: script, RunPath: dir}
	id, err := d.Submit(context.Background(), task)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := waitLocal(t, d, id); got != model.JobStatusExited {
		t.Errorf("status = %s, want EXITED", got)
	}
	errOut, _ := os.ReadFile(filepath.Join(dir, "realization-1.stderr"))
	if !strings.Contains(string(errOut), "boom") {
		t.Errorf("stderr = %q, want it to contain boom", errOut)
	}
}

func TestLocalDriver_ArgsAndEnv(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "job.sh", `echo "$1-$ENSRUN_TEST_VALUE" > result.txt`)
	d := NewLocalDriver(newTestLogger())

	task := &model.Task{
		Index:      2,
		Executable: script,
		Args:       []string{"first"},
		RunPath:    dir,
		Env:        map[string]string{"ENSRUN_TEST_VALUE": "42"},
	}
	id, err := d.Submit(context.Background(), task)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := waitLocal(t, d, id); got != model.JobStatusDone {
		t.Fatalf("status = %s, want DONE", got)
	}
	data, err := os.ReadFile(filepath.Join(dir, "result.txt"))
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "first-42" {
		t.Errorf("result = %q, want %q", got, "first-42")
	}
}

func TestLocalDriver_Kill(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "job.sh", "sleep 60")
	d := NewLocalDriver(newTestLogger())

	id, err := d.Submit(context.Background(), &model.Task{Index: 3, Executable: script, RunPath: dir})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got, _ := d.Poll(context.Background(), id); got != model.JobStatusRunning {
		t.Fatalf("status before kill = %s, want RUNNING", got)
	}
	if err := d.Kill(context.Background(), id); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	waitForgotten(t, d)
	// A second kill on a finished job is a no-op.
	if err := d.Kill(context.Background(), id); err != nil {
		t.Errorf("second Kill: %v", err)
	}
}

// waitForgotten waits until d no longer tracks any job.
func waitForgotten(t *testing.T, d *LocalDriver) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for d.tracked() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("driver still tracks %d job(s)", d.tracked())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLocalDriver_ForgetsFinishedJobs(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "job.sh", "exit 0")
	d := NewLocalDriver(newTestLogger())

	for i := 0; i < 5; i++ {
		id, err := d.Submit(context.Background(), &model.Task{Index: i, Executable: script, RunPath: filepath.Join(dir, "run", string(rune('a'+i)))})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if got := waitLocal(t, d, id); got != model.JobStatusDone {
			t.Fatalf("status = %s, want DONE", got)
		}
		if _, err := d.Poll(context.Background(), id); err == nil {
			t.Error("Poll after the final status should report an unknown job")
		}
	}
	if n := d.tracked(); n != 0 {
		t.Errorf("tracked = %d after every job finished, want 0", n)
	}
}

func TestLocalDriver_SubmitErrors(t *testing.T) {
	d := NewLocalDriver(newTestLogger())
	dir := t.TempDir()

	tests := []struct {
		name string
		task *model.Task
	}{
		{"missing executable", &model.Task{Index: 0, RunPath: dir}},
		{"nonexistent executable", &model.Task{Index: 0, Executable: filepath.Join(dir, "nope"), RunPath: dir}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Submit(context.Background(), tt.task)
			var se *model.SubmitError
			if !asSubmitError(err, &se) {
				t.Fatalf("err = %v, want *model.SubmitError", err)
			}
			if se.Driver != model.DriverKindLocal {
				t.Errorf("Driver = %q, want local", se.Driver)
			}
		})
	}
}

func TestLocalDriver_UnknownJob(t *testing.T) {
	d := NewLocalDriver(newTestLogger())
	if _, err := d.Poll(context.Background(), "12345"); err == nil {
		t.Error("Poll of unknown job should fail")
	}
	if err := d.Kill(context.Background(), "12345"); err != nil {
		t.Errorf("Kill of unknown job = %v, want no-op", err)
	}
}

func TestMergeEnv(t *testing.T) {
	got := mergeEnv([]string{"A=1", "B=2"}, map[string]string{"B": "3", "C": "4"})
	want := []string{"A=1", "B=3", "C=4"}
	if strings.Join(got, " ") != strings.Join(want, " ") {
		t.Errorf("mergeEnv = %v, want %v", got, want)
	}
}
