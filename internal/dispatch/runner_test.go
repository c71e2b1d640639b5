package dispatch

import (
	"context"
	"strings"
	"testing"
	"time"
)

func collect(msgs *[]Message) func(Message) {
	return func(m Message) { *msgs = append(*msgs, m) }
}

func kinds(msgs []Message) string {
	var out []string
	for _, m := range msgs {
		switch m.(type) {
		case Init:
			out = append(out, "init")
		case Start:
			out = append(out, "start")
		case Exited:
			if Success(m) {
				out = append(out, "exited")
			} else {
				out = append(out, "exited-err")
			}
		case Finish:
			if Success(m) {
				out = append(out, "finish")
			} else {
				out = append(out, "finish-err")
			}
		}
	}
	return strings.Join(out, ",")
}

func TestRunner_Messages(t *testing.T) {
	dir := t.TempDir()
	ok := writeScript(t, dir, "ok", "exit 0")
	bad := writeScript(t, dir, "bad", "exit 4")

	tests := []struct {
		name string
		jobs []Job
		want string
	}{
		{"empty", nil, "init,finish"},
		{"all ok", []Job{{Name: "a", Executable: ok}, {Name: "b", Executable: ok}}, "init,start,exited,start,exited,finish"},
		{"stops at failure", []Job{{Name: "a", Executable: bad}, {Name: "b", Executable: ok}}, "init,start,exited-err,finish-err"},
		{"missing executable", []Job{{Name: "a", Executable: dir + "/nope"}}, "init,start,exited-err,finish-err"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msgs []Message
			NewRunner(dir, nil, newTestLogger()).Run(context.Background(), Init{}, tt.jobs, collect(&msgs))
			if got := kinds(msgs); got != tt.want {
				t.Errorf("messages = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRunner_ExitCode(t *testing.T) {
	dir := t.TempDir()
	bad := writeScript(t, dir, "bad", "exit 4")
	var msgs []Message
	NewRunner(dir, nil, newTestLogger()).Run(context.Background(), Init{}, []Job{{Name: "bad", Executable: bad}}, collect(&msgs))
	ex, ok := msgs[2].(Exited)
	if !ok {
		t.Fatalf("msgs[2] = %T", msgs[2])
	}
	if ex.ExitCode != 4 {
		t.Errorf("ExitCode = %d, want 4", ex.ExitCode)
	}
	if !strings.Contains(msgs[3].Err().Error(), "job bad failed") {
		t.Errorf("finish error = %v", msgs[3].Err())
	}
}

func TestRunner_ContextCancelStopsJob(t *testing.T) {
	dir := t.TempDir()
	slow := writeScript(t, dir, "slow", "exec sleep 60")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	var msgs []Message
	NewRunner(dir, nil, newTestLogger()).Run(ctx, Init{}, []Job{{Name: "slow", Executable: slow}}, collect(&msgs))
	if time.Since(start) > 10*time.Second {
		t.Fatal("job was not stopped")
	}
	if got := kinds(msgs); got != "init,start,exited-err,finish-err" {
		t.Errorf("messages = %s", got)
	}
}
