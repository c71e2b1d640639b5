package record

import "testing"

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b Record
		want bool
	}{
		{"same blob", BlobRecord{Data: []byte("x")}, BlobRecord{Data: []byte("x")}, true},
		{"nil and empty blob", BlobRecord{}, BlobRecord{Data: []byte{}}, true},
		{"different blob", BlobRecord{Data: []byte("x")}, BlobRecord{Data: []byte("y")}, false},
		{"same numbers", NumericalRecord{Data: []float64{1, 2}}, NumericalRecord{Data: []float64{1, 2}}, true},
		{"different index", NumericalRecord{Data: []float64{1}, Index: []string{"a"}}, NumericalRecord{Data: []float64{1}, Index: []string{"b"}}, false},
		{"type mismatch", BlobRecord{}, NumericalRecord{}, false},
		{"both nil", nil, nil, true},
		{"one nil", BlobRecord{}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Equal(tt.a, tt.b); got != tt.want {
				t.Errorf("Equal = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	if _, err := Decode(TypeNumerical, []byte("not json")); err == nil {
		t.Error("malformed numerical record should fail")
	}
	if _, err := Decode(TypeNumerical, []byte(`{"data":[1],"index":["a","b"]}`)); err == nil {
		t.Error("mismatched index should fail")
	}
	if _, err := Decode("table", nil); err == nil {
		t.Error("unknown type should fail")
	}
}

func TestNumericalRecord_Encode(t *testing.T) {
	data, err := NumericalRecord{Data: []float64{1, 2}, Index: []string{"a", "b"}}.Encode()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"data":[1,2],"index":["a","b"]}` {
		t.Errorf("encoded = %s", data)
	}
	empty, _ := NumericalRecord{}.Encode()
	if string(empty) != `{"data":[]}` {
		t.Errorf("empty encoded = %s", empty)
	}
}
