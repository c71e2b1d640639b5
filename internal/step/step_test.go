package step

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/me/ensrun/internal/event"
	"github.com/me/ensrun/internal/record"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingReporter struct {
	mu   sync.Mutex
	envs []event.Envelope
}

func (r *recordingReporter) Publish(env event.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *recordingReporter) types() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.envs {
		out = append(out, e.Type)
	}
	return strings.Join(out, ",")
}

func transmitter(t *testing.T, store *record.MemoryStore, slot string) record.Transmitter {
	t.Helper()
	tr, err := record.NewInMemoryTransmitter(slot, store)
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func sum(_ context.Context, in map[string]record.Record) (map[string]record.Record, error) {
	var total float64
	for _, r := range in {
		for _, v := range r.(record.NumericalRecord).Data {
			total += v
		}
	}
	return map[string]record.Record{"total": record.NumericalRecord{Data: []float64{total}}}, nil
}

func TestRun_Success(t *testing.T) {
	ctx := context.Background()
	store := record.NewMemoryStore()
	a := transmitter(t, store, "0/a")
	b := transmitter(t, store, "0/b")
	out := transmitter(t, store, "0/total")
	a.Transmit(ctx, record.NumericalRecord{Data: []float64{1, 2}})
	b.Transmit(ctx, record.NumericalRecord{Data: []float64{3}})

	rep := &recordingReporter{}
	err := NewRunner(rep, newTestLogger()).Run(ctx, Step{
		Name:    "sum",
		Inputs:  map[string]record.Transmitter{"a": a, "b": b},
		Outputs: map[string]record.Transmitter{"total": out},
		Func:    sum,
		Source:  "/ensrun/ee/x/real/0/step/0/job/0",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got, err := out.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !record.Equal(got, record.NumericalRecord{Data: []float64{6}}) {
		t.Errorf("total = %#v", got)
	}
	if rep.types() != "job-start,job-success" {
		t.Errorf("events = %s", rep.types())
	}
}

func TestRun_Failures(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")

	tests := []struct {
		name    string
		fn      Func
		inputOK bool
		wantErr string
	}{
		{"missing input", sum, false, "not transmitted"},
		{"function error", func(context.Context, map[string]record.Record) (map[string]record.Record, error) {
			return nil, boom
		}, true, "boom"},
		{"output not produced", func(context.Context, map[string]record.Record) (map[string]record.Record, error) {
			return map[string]record.Record{}, nil
		}, true, "was not produced"},
		{"undeclared output", func(context.Context, map[string]record.Record) (map[string]record.Record, error) {
			return map[string]record.Record{"total": record.BlobRecord{}, "extra": record.BlobRecord{}}, nil
		}, true, "undeclared output"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := record.NewMemoryStore()
			in := transmitter(t, store, "in")
			if tt.inputOK {
				in.Transmit(ctx, record.NumericalRecord{Data: []float64{1}})
			}
			rep := &recordingReporter{}
			err := NewRunner(rep, newTestLogger()).Run(ctx, Step{
				Name:    "s",
				Inputs:  map[string]record.Transmitter{"in": in},
				Outputs: map[string]record.Transmitter{"total": transmitter(t, store, "total")},
				Func:    tt.fn,
			})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
			if rep.types() != "job-start,job-failure" {
				t.Errorf("events = %s", rep.types())
			}
			rep.mu.Lock()
			msg, _ := rep.envs[1].Data[event.ErrorKey].(string)
			rep.mu.Unlock()
			if !strings.Contains(msg, tt.wantErr) {
				t.Errorf("failure data = %q", msg)
			}
		})
	}
}

func TestRun_WaitsForInputs(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store := record.NewMemoryStore()
	in := transmitter(t, store, "late")
	out := transmitter(t, store, "total")
	go func() {
		time.Sleep(20 * time.Millisecond)
		in.Transmit(context.Background(), record.NumericalRecord{Data: []float64{5}})
	}()

	err := NewRunner(nil, newTestLogger()).Run(ctx, Step{
		Name:      "wait",
		Inputs:    map[string]record.Transmitter{"late": in},
		Outputs:   map[string]record.Transmitter{"total": out},
		Func:      sum,
		InputPoll: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ok, _ := out.IsTransmitted(ctx); !ok {
		t.Error("output not transmitted")
	}
}
