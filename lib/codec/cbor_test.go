// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

func TestDeterministicEncoding(t *testing.T) {
	// Map keys must be sorted regardless of insertion order, so the
	// same logical value always produces identical bytes.
	first, err := Marshal(map[string]int{"zebra": 1, "apple": 2, "mango": 3})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	second, err := Marshal(map[string]int{"mango": 3, "apple": 2, "zebra": 1})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Errorf("same logical map produced different encodings:\n%x\n%x", first, second)
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	// Forward compatibility: a decoder must tolerate fields added by
	// a newer peer.
	type v2 struct {
		Name  string `cbor:"name"`
		Extra string `cbor:"extra"`
	}
	type v1 struct {
		Name string `cbor:"name"`
	}

	data, err := Marshal(v2{Name: "echo", Extra: "future field"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded v1
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal with unknown field: %v", err)
	}
	if decoded.Name != "echo" {
		t.Errorf("Name = %q, want %q", decoded.Name, "echo")
	}
}

func TestAnyTargetDecodesToStringKeyedMap(t *testing.T) {
	data, err := Marshal(map[string]any{"outer": map[string]any{"inner": 42}})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	outer, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", decoded)
	}
	if _, ok := outer["outer"].(map[string]any); !ok {
		t.Fatalf("nested type = %T, want map[string]any", outer["outer"])
	}
}

func TestStreamRoundTrip(t *testing.T) {
	type frame struct {
		Kind    string `cbor:"kind"`
		Request uint64 `cbor:"request,omitempty"`
	}

	var buffer bytes.Buffer
	encoder := NewEncoder(&buffer)
	for i := 1; i <= 3; i++ {
		if err := encoder.Encode(frame{Kind: "call", Request: uint64(i)}); err != nil {
			t.Fatalf("Encode frame %d: %v", i, err)
		}
	}

	decoder := NewDecoder(&buffer)
	for i := 1; i <= 3; i++ {
		var decoded frame
		if err := decoder.Decode(&decoded); err != nil {
			t.Fatalf("Decode frame %d: %v", i, err)
		}
		if decoded.Request != uint64(i) {
			t.Errorf("frame %d: Request = %d", i, decoded.Request)
		}
	}
}
