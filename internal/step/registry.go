package step

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/me/ensrun/internal/record"
)

// Registry maps function names to step functions.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds f under name. Names are unique.
func (r *Registry) Register(name string, f Func) error {
	if name == "" || f == nil {
		return fmt.Errorf("step registry: name and function are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.funcs[name]; dup {
		return fmt.Errorf("step registry: %q already registered", name)
	}
	r.funcs[name] = f
	return nil
}

// Lookup returns the function registered under name.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.funcs[name]
	return f, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.funcs))
}

// Builtins returns a registry holding the built-in functions:
//
//	sum     total = sum of every value of every numerical input
//	concat  values = numerical inputs joined in input-name order
//	copy    each input is emitted unchanged under its own name
func Builtins() *Registry {
	r := NewRegistry()
	r.funcs["sum"] = Sum
	r.funcs["concat"] = Concat
	r.funcs["copy"] = Copy
	return r
}

// Sum adds up every value of every numerical input into output "total".
func Sum(_ context.Context, in map[string]record.Record) (map[string]record.Record, error) {
	var total float64
	for _, name := range slices.Sorted(maps.Keys(in)) {
		num, err := numerical(name, in[name])
		if err != nil {
			return nil, err
		}
		for _, v := range num.Data {
			total += v
		}
	}
	return map[string]record.Record{"total": record.NumericalRecord{Data: []float64{total}}}, nil
}

// Concat joins the numerical inputs in input-name order into output
// "values". Index labels are prefixed with the input name; they are kept
// only when every input is indexed.
func Concat(_ context.Context, in map[string]record.Record) (map[string]record.Record, error) {
	var out record.NumericalRecord
	indexed := len(in) > 0
	for _, name := range slices.Sorted(maps.Keys(in)) {
		num, err := numerical(name, in[name])
		if err != nil {
			return nil, err
		}
		out.Data = append(out.Data, num.Data...)
		if len(num.Index) == 0 && len(num.Data) > 0 {
			indexed = false
		}
		for _, label := range num.Index {
			out.Index = append(out.Index, name+"/"+label)
		}
	}
	if !indexed {
		out.Index = nil
	}
	return map[string]record.Record{"values": out}, nil
}

// Copy emits every input unchanged under its own name.
func Copy(_ context.Context, in map[string]record.Record) (map[string]record.Record, error) {
	return maps.Clone(in), nil
}

func numerical(name string, r record.Record) (record.NumericalRecord, error) {
	num, ok := r.(record.NumericalRecord)
	if !ok {
		return record.NumericalRecord{}, fmt.Errorf("input %s: want a numerical record, got %s", name, r.Type())
	}
	return num, nil
}
