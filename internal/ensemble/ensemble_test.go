package ensemble

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParse_Template(t *testing.T) {
	doc := `
name: demo
realizations: 3
template:
  name: real-<IENS>
  executable: ./bin/forward.sh
  args: ["--iens", "<IENS>"]
  run_path: runs/realization-<IENS>
  num_cpu: 2
  env:
    SEED: "10<IENS>"
  outputs:
    summary: summary-<IENS>.json
`
	e, err := Parse([]byte(doc), "/base")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if e.Name != "demo" || len(e.Tasks) != 3 {
		t.Fatalf("ensemble = %+v", e)
	}
	task := e.Tasks[2]
	if task.Index != 2 || task.Name != "real-2" {
		t.Errorf("task = %+v", task)
	}
	if task.Executable != "/base/bin/forward.sh" {
		t.Errorf("Executable = %q", task.Executable)
	}
	if task.RunPath != "/base/runs/realization-2" {
		t.Errorf("RunPath = %q", task.RunPath)
	}
	if strings.Join(task.Args, " ") != "--iens 2" {
		t.Errorf("Args = %v", task.Args)
	}
	if task.Env["SEED"] != "102" || task.NumCPU != 2 {
		t.Errorf("Env = %v NumCPU = %d", task.Env, task.NumCPU)
	}
	if task.Outputs["summary"] != "summary-2.json" {
		t.Errorf("Outputs = %v", task.Outputs)
	}
	// Generated tasks do not share maps.
	e.Tasks[0].Env["SEED"] = "changed"
	if e.Tasks[1].Env["SEED"] != "101" {
		t.Error("template env shared between tasks")
	}
}

func TestParse_ExplicitTasksOverride(t *testing.T) {
	doc := `
realizations: 2
template:
  executable: sim
  run_path: /runs/<IENS>
tasks:
  - iens: 1
    executable: /opt/other
    run_path: /elsewhere
  - iens: 5
    executable: sim
    run_path: r5
`
	e, err := Parse([]byte(doc), "/base")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	var idx []int
	for _, task := range e.Tasks {
		idx = append(idx, task.Index)
	}
	if len(idx) != 3 || idx[0] != 0 || idx[1] != 1 || idx[2] != 5 {
		t.Fatalf("indices = %v", idx)
	}
	if e.Tasks[0].Executable != "sim" {
		t.Errorf("bare executable resolved: %q", e.Tasks[0].Executable)
	}
	if e.Tasks[1].Executable != "/opt/other" || e.Tasks[1].RunPath != "/elsewhere" {
		t.Errorf("override = %+v", e.Tasks[1])
	}
	if e.Tasks[2].RunPath != "/base/r5" {
		t.Errorf("RunPath = %q", e.Tasks[2].RunPath)
	}
}

func TestParse_JSON(t *testing.T) {
	doc := `{"tasks": [{"iens": 0, "executable": "/bin/true", "run_path": "/tmp/r0", "num_cpu": 4}]}`
	e, err := Parse([]byte(doc), "/base")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if e.Tasks[0].NumCPU != 4 {
		t.Errorf("NumCPU = %d", e.Tasks[0].NumCPU)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"malformed", "tasks: [unclosed"},
		{"empty", "name: nothing"},
		{"negative realizations", "realizations: -1"},
		{"missing executable", "realizations: 1\ntemplate:\n  run_path: r"},
		{"missing run path", "tasks:\n  - iens: 0\n    executable: x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.doc), "/base"); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ensemble.yaml")
	if err := os.WriteFile(path, []byte("realizations: 1\ntemplate:\n  executable: ./run.sh\n  run_path: out/<IENS>\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	e, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if e.Tasks[0].RunPath != filepath.Join(dir, "out", "0") {
		t.Errorf("RunPath = %q", e.Tasks[0].RunPath)
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
