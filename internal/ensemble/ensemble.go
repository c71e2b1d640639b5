// Package ensemble loads the description of an ensemble run.
package ensemble

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/me/ensrun/pkg/model"
)

// IensPlaceholder is replaced by the realization index in templated fields.
const IensPlaceholder = "<IENS>"

// Template holds fields shared by generated realizations.
type Template struct {
	Name       string            `yaml:"name"`
	Executable string            `yaml:"executable"`
	Args       []string          `yaml:"args"`
	RunPath    string            `yaml:"run_path"`
	NumCPU     int               `yaml:"num_cpu"`
	Env        map[string]string `yaml:"env"`
	Outputs    map[string]string `yaml:"outputs"`
}

// File is an ensemble description. Realizations generates tasks 0..N-1
// from Template; Tasks lists explicit tasks, which replace generated ones
// with the same index.
type File struct {
	Name         string       `yaml:"name"`
	Realizations int          `yaml:"realizations"`
	Template     Template     `yaml:"template"`
	Tasks        []model.Task `yaml:"tasks"`
}

// Ensemble is a loaded, validated list of tasks.
type Ensemble struct {
	Name  string
	Tasks []*model.Task
}

// Load reads an ensemble file. JSON is accepted as well as YAML. Relative
// executables with a directory component and relative run paths are
// resolved against the file's directory.
func Load(path string) (*Ensemble, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ensemble %s: %w", path, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return Parse(data, filepath.Dir(abs))
}

// Parse decodes an ensemble document relative to baseDir.
func Parse(data []byte, baseDir string) (*Ensemble, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse ensemble: %w", err)
	}
	if f.Realizations < 0 {
		return nil, fmt.Errorf("parse ensemble: realizations must not be negative")
	}

	byIndex := make(map[int]*model.Task)
	for i := 0; i < f.Realizations; i++ {
		byIndex[i] = f.Template.expand(i)
	}
	for i := range f.Tasks {
		t := f.Tasks[i]
		byIndex[t.Index] = &t
	}

	e := &Ensemble{Name: f.Name}
	for _, t := range byIndex {
		e.Tasks = append(e.Tasks, t)
	}
	if len(e.Tasks) == 0 {
		return nil, fmt.Errorf("parse ensemble: no tasks")
	}
	sort.Slice(e.Tasks, func(i, j int) bool { return e.Tasks[i].Index < e.Tasks[j].Index })
	for _, t := range e.Tasks {
		resolve(t, baseDir)
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("parse ensemble: %w", err)
		}
	}
	return e, nil
}

func (tp Template) expand(iens int) *model.Task {
	sub := func(s string) string {
		return strings.ReplaceAll(s, IensPlaceholder, strconv.Itoa(iens))
	}
	t := &model.Task{
		Index:      iens,
		Name:       sub(tp.Name),
		Executable: sub(tp.Executable),
		RunPath:    sub(tp.RunPath),
		NumCPU:     tp.NumCPU,
	}
	for _, a := range tp.Args {
		t.Args = append(t.Args, sub(a))
	}
	if len(tp.Env) > 0 {
		t.Env = make(map[string]string, len(tp.Env))
		for k, v := range tp.Env {
			t.Env[k] = sub(v)
		}
	}
	if len(tp.Outputs) > 0 {
		t.Outputs = make(map[string]string, len(tp.Outputs))
		for k, v := range tp.Outputs {
			t.Outputs[k] = sub(v)
		}
	}
	return t
}

func resolve(t *model.Task, baseDir string) {
	if t.RunPath != "" && !filepath.IsAbs(t.RunPath) {
		t.RunPath = filepath.Join(baseDir, t.RunPath)
	}
	if t.Executable != "" && !filepath.IsAbs(t.Executable) && strings.ContainsRune(t.Executable, '/') {
		t.Executable = filepath.Join(baseDir, t.Executable)
	}
}
