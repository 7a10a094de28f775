package encoding

import (
	"encoding/json"
	"errors"
	"testing"

	"replidb/pkg/dberrors"
	"replidb/pkg/types"

	"github.com/google/go-cmp/cmp"
)

func TestMarshal_Deterministic(t *testing.T) {
	a := map[string]any{"b": 1.0, "a": "x", "c": []any{"y", true}}
	b := map[string]any{"c": []any{"y", true}, "a": "x", "b": 1.0}

	ha, err := Hash(a)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	hb, err := Hash(b)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if ha != hb {
		t.Fatalf("insertion order changed the hash: %s != %s", ha, hb)
	}

	hc, _ := Hash(map[string]any{"a": "x", "b": 2.0})
	if hc == ha {
		t.Fatal("different content produced the same hash")
	}
}

func TestUnmarshal_NestedMaps(t *testing.T) {
	in := map[string]any{
		"name":  "Mario",
		"stats": map[string]any{"lives": 3.0, "power": 1.5},
		"tags":  []any{"hero", map[string]any{"kind": "plumber"}},
	}

	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var out map[string]any
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint([]byte("hello"))
	if !fp.Valid() {
		t.Fatalf("fingerprint %q is not valid", fp)
	}
	if fp != Fingerprint([]byte("hello")) {
		t.Fatal("fingerprint is not stable")
	}
}

func TestNormalize(t *testing.T) {
	type player struct {
		Name string `json:"name"`
		Team string `json:"team"`
		Wins int    `json:"wins"`
	}

	tests := []struct {
		name    string
		in      any
		want    types.Document
		wantErr bool
	}{
		{
			name: "map",
			in:   map[string]any{"name": "Luigi", "wins": 2},
			want: types.Document{"name": "Luigi", "wins": 2.0},
		},
		{
			name: "struct",
			in:   player{Name: "Bowser", Team: "Koopa", Wins: 7},
			want: types.Document{"name": "Bowser", "team": "Koopa", "wins": 7.0},
		},
		{
			name: "raw json",
			in:   json.RawMessage(`{"name":"Peach"}`),
			want: types.Document{"name": "Peach"},
		},
		{name: "array", in: []any{map[string]any{"a": 1}}, wantErr: true},
		{name: "scalar", in: "mario", wantErr: true},
		{name: "nil", in: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.in)
			if tt.wantErr {
				if !errors.Is(err, dberrors.ErrInvalidDocument) {
					t.Fatalf("expected ErrInvalidDocument, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
