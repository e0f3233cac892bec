// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package binhash

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHashFileDeterministic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host-binary")
	if err := os.WriteFile(path, []byte("#!/bin/sh\necho host\n"), 0755); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	first, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	second, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if first != second {
		t.Error("same file produced different digests")
	}
	if first.IsZero() {
		t.Error("digest of non-empty file is zero")
	}
}

func TestHashFileDistinguishesContent(t *testing.T) {
	directory := t.TempDir()
	pathA := filepath.Join(directory, "a")
	pathB := filepath.Join(directory, "b")
	os.WriteFile(pathA, []byte("binary a"), 0755)
	os.WriteFile(pathB, []byte("binary b"), 0755)

	digestA, err := HashFile(pathA)
	if err != nil {
		t.Fatalf("HashFile(a): %v", err)
	}
	digestB, err := HashFile(pathB)
	if err != nil {
		t.Fatalf("HashFile(b): %v", err)
	}
	if digestA == digestB {
		t.Error("different files produced identical digests")
	}
}

func TestHashFileMissing(t *testing.T) {
	if _, err := HashFile(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Error("HashFile of missing file succeeded, want error")
	}
}

func TestParseRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bin")
	os.WriteFile(path, []byte("content"), 0755)

	digest, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}

	parsed, err := Parse(digest.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed != digest {
		t.Errorf("round trip: %v != %v", parsed, digest)
	}

	if _, err := Parse("not-hex"); err == nil {
		t.Error("Parse of invalid hex succeeded, want error")
	}
	if _, err := Parse("abcd"); err == nil {
		t.Error("Parse of short digest succeeded, want error")
	}
}
