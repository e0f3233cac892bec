// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package ident

import (
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	valid := []string{"backup", "echo-service", "fs.scanner", "pkg_mgr", "a", "svc2"}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}

	invalid := map[string]string{
		"":                 "empty",
		"Backup":           "uppercase",
		"has space":        "space",
		"has/slash":        "slash",
		".hidden":          "leading dot",
		"..":               "dot-dot",
		strings.Repeat("a", MaxNameLength+1): "too long",
	}
	for name, why := range invalid {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) = nil, want error (%s)", name, why)
		}
	}
}

func TestNewAndParse(t *testing.T) {
	id, err := New("backup", "snapshots")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if id.String() != "backup/snapshots" {
		t.Errorf("String = %q", id.String())
	}

	parsed, err := Parse("backup/snapshots")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed != id {
		t.Errorf("Parse round trip: %v != %v", parsed, id)
	}

	if _, err := Parse("no-separator"); err == nil {
		t.Error("Parse without separator succeeded, want error")
	}
	if _, err := Parse("app/bad name"); err == nil {
		t.Error("Parse with invalid service name succeeded, want error")
	}
}

func TestIdentityAsMapKey(t *testing.T) {
	first, _ := New("app", "one")
	second, _ := New("app", "one")
	services := map[Identity]int{first: 1}
	if services[second] != 1 {
		t.Error("equal identities are not interchangeable as map keys")
	}
}

func TestTextRoundTrip(t *testing.T) {
	id, _ := New("backup", "snapshots")
	text, err := id.MarshalText()
	if err != nil {
		t.Fatalf("MarshalText: %v", err)
	}

	var decoded Identity
	if err := decoded.UnmarshalText(text); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if decoded != id {
		t.Errorf("round trip: %v != %v", decoded, id)
	}

	var zero Identity
	if _, err := zero.MarshalText(); err == nil {
		t.Error("MarshalText of zero identity succeeded, want error")
	}
}

func TestPaths(t *testing.T) {
	if got := SocketPath("/run/outpost", "backup"); got != "/run/outpost/backup.sock" {
		t.Errorf("SocketPath = %q", got)
	}
	if got := StatePath("/run/outpost", "backup"); got != "/run/outpost/backup.state" {
		t.Errorf("StatePath = %q", got)
	}
	if got := LockPath("/run/outpost", "backup"); got != "/run/outpost/backup.lock" {
		t.Errorf("LockPath = %q", got)
	}
}

func TestValidateRunDir(t *testing.T) {
	if err := ValidateRunDir("/run/outpost"); err != nil {
		t.Errorf("ValidateRunDir(default) = %v", err)
	}
	if err := ValidateRunDir("/" + strings.Repeat("x", 110)); err == nil {
		t.Error("ValidateRunDir(overlong) = nil, want error")
	}
}
