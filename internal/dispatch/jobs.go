package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// JobsFileName is the task description document read from the run path.
const JobsFileName = "jobs.json"

// JobsFileError reports a missing or unreadable jobs file. It wraps the
// underlying I/O or parse error.
type JobsFileError struct {
	Path string
	Err  error
}

func (e *JobsFileError) Error() string {
	return fmt.Sprintf("jobs file %s: %v", e.Path, e.Err)
}

func (e *JobsFileError) Unwrap() error { return e.Err }

// Text is a JSON scalar read as a string. Numbers are kept in their
// literal form and null becomes "".
type Text string

// UnmarshalJSON accepts a string, a number or null.
func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", data)
	}
	*t = Text(n.String())
	return nil
}

// JobsFile is the content of jobs.json.
type JobsFile struct {
	Umask             Text              `json:"umask"`
	GlobalEnvironment map[string]string `json:"global_environment"`
	GlobalUpdatePath  map[string]string `json:"global_update_path"`
	RunID             Text              `json:"run_id"`
	DispatcherPID     Text              `json:"ert_pid"`
	EvaluatorID       Text              `json:"ee_id"`
	RealID            Text              `json:"real_id"`
	StepID            Text              `json:"step_id"`
	DispatchURL       string            `json:"dispatch_url"`
	Token             string            `json:"ee_token"`
	Certificate       string            `json:"ee_cert"`
	Jobs              []Job             `json:"jobList"`
}

// Job is one entry of the job list. Jobs run one after another.
type Job struct {
	Name              string            `json:"name"`
	Executable        string            `json:"executable"`
	Args              []string          `json:"argList"`
	Environment       map[string]string `json:"environment"`
	Stdout            string            `json:"stdout"`
	Stderr            string            `json:"stderr"`
	Stdin             string            `json:"stdin"`
	MaxRunningMinutes int               `json:"max_running_minutes"`
}

// LoadJobsFile reads jobs.json from runPath. Both a missing file and
// malformed content return *JobsFileError.
func LoadJobsFile(runPath string) (*JobsFile, error) {
	path := filepath.Join(runPath, JobsFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &JobsFileError{Path: path, Err: err}
	}
	var jf JobsFile
	if err := json.Unmarshal(data, &jf); err != nil {
		return nil, &JobsFileError{Path: path, Err: err}
	}
	for i, j := range jf.Jobs {
		if j.Executable == "" {
			return nil, &JobsFileError{Path: path, Err: fmt.Errorf("job %d (%s): executable is required", i, j.Name)}
		}
		if j.Name == "" {
			jf.Jobs[i].Name = filepath.Base(j.Executable)
		}
	}
	return &jf, nil
}

// ParseUmask parses the octal umask field. An empty value returns ok=false.
func (jf *JobsFile) ParseUmask() (mask int, ok bool, err error) {
	s := strings.TrimSpace(string(jf.Umask))
	if s == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil {
		return 0, false, fmt.Errorf("invalid umask %q: %w", s, err)
	}
	return int(v), true, nil
}

// Select returns the jobs whose names appear in names, in file order.
// With no names every job is returned. Unknown names are returned in
// missing.
func (jf *JobsFile) Select(names []string) (jobs []Job, missing []string) {
	if len(names) == 0 {
		return jf.Jobs, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	found := make(map[string]bool, len(names))
	for _, j := range jf.Jobs {
		if want[j.Name] {
			jobs = append(jobs, j)
			found[j.Name] = true
		}
	}
	for _, n := range names {
		if !found[n] {
			missing = append(missing, n)
		}
	}
	return jobs, missing
}

// Environment returns base with the global environment applied, then the
// global path updates prepended to their variables. Global values expand
// references against base only, so entries never see each other. The
// result is sorted by name.
func (jf *JobsFile) Environment(base []string) []string {
	baseEnv := envMap(base)
	env := maps.Clone(baseEnv)
	for k, v := range jf.GlobalEnvironment {
		env[k] = os.Expand(v, func(name string) string { return baseEnv[name] })
	}
	for k, v := range jf.GlobalUpdatePath {
		if cur := env[k]; cur != "" {
			env[k] = v + string(os.PathListSeparator) + cur
		} else {
			env[k] = v
		}
	}
	return envList(env)
}

func envMap(list []string) map[string]string {
	m := make(map[string]string, len(list))
	for _, kv := range list {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	return m
}

func envList(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		out = append(out, k+"="+m[k])
	}
	return out
}
