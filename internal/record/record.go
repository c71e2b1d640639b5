package record

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"slices"
)

// Type distinguishes record payload kinds.
type Type string

const (
	TypeBlob      Type = "blob"
	TypeNumerical Type = "numerical"
)

// Record is a payload exchanged between tasks. The scheduler never
// interprets its contents.
type Record interface {
	Type() Type
	// Encode returns the stored byte form.
	Encode() ([]byte, error)
}

// BlobRecord carries opaque bytes.
type BlobRecord struct {
	Data []byte
}

// Type returns TypeBlob.
func (r BlobRecord) Type() Type { return TypeBlob }

// Encode returns the raw bytes.
func (r BlobRecord) Encode() ([]byte, error) { return r.Data, nil }

// NumericalRecord carries a vector of numbers with an optional index.
type NumericalRecord struct {
	Data  []float64 `json:"data"`
	Index []string  `json:"index,omitempty"`
}

// Type returns TypeNumerical.
func (r NumericalRecord) Type() Type { return TypeNumerical }

// Validate checks that the index matches the data and values are finite.
func (r NumericalRecord) Validate() error {
	if len(r.Index) > 0 && len(r.Index) != len(r.Data) {
		return fmt.Errorf("index has %d entries for %d values", len(r.Index), len(r.Data))
	}
	for i, v := range r.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("value %d is not finite", i)
		}
	}
	return nil
}

// Encode returns the JSON form {"data": [...], "index": [...]}.
func (r NumericalRecord) Encode() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if r.Data == nil {
		r.Data = []float64{}
	}
	return json.Marshal(r)
}

// Decode rebuilds a record from its stored form.
func Decode(t Type, data []byte) (Record, error) {
	switch t {
	case TypeBlob:
		return BlobRecord{Data: bytes.Clone(data)}, nil
	case TypeNumerical:
		var r NumericalRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("decode numerical record: %w", err)
		}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("decode numerical record: %w", err)
		}
		return r, nil
	}
	return nil, fmt.Errorf("unknown record type %q", t)
}

// Equal reports whether two records have the same type and content.
func Equal(a, b Record) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.Type() != b.Type() {
		return false
	}
	switch x := a.(type) {
	case BlobRecord:
		y := b.(BlobRecord)
		return bytes.Equal(x.Data, y.Data)
	case NumericalRecord:
		y := b.(NumericalRecord)
		return slices.Equal(x.Data, y.Data) && slices.Equal(x.Index, y.Index)
	}
	return false
}

// digest identifies stored content, including its type.
func digest(t Type, data []byte) string {
	h := sha256.New()
	h.Write([]byte(t))
	h.Write([]byte{0})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
