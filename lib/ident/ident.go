// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package ident

import (
	"fmt"
	"strings"
)

const (
	// DefaultRunDir is the default runtime directory for Outpost
	// sockets, lock files, and run-state files.
	DefaultRunDir = "/run/outpost"

	// MaxNameLength is the maximum length of the app or service
	// component of an identity. Derived from the unix socket path
	// limit with the default run directory:
	//   108 (sun_path) - len("/run/outpost/") - len(".sock") = 90
	// We use 64 for a clean limit with margin for custom run dirs.
	MaxNameLength = 64

	// socketSuffix is the file extension for host sockets.
	socketSuffix = ".sock"

	// stateSuffix is the file extension for host run-state files.
	stateSuffix = ".state"

	// lockSuffix is the file extension for host singleton lock files.
	lockSuffix = ".lock"
)

// allowedChars is the set of characters permitted in identity name
// components: lowercase a-z, 0-9, and the symbols . _ -. Checked via
// a lookup table for O(1) per-character validation.
var allowedChars [256]bool

func init() {
	for c := 'a'; c <= 'z'; c++ {
		allowedChars[c] = true
	}
	for c := '0'; c <= '9'; c++ {
		allowedChars[c] = true
	}
	allowedChars['.'] = true
	allowedChars['_'] = true
	allowedChars['-'] = true
}

// ValidateName checks that an identity name component is safe to use
// as a filesystem path component.
//
// Rules enforced:
//   - Non-empty
//   - Only lowercase a-z, 0-9, ., _, -
//   - Does not start with "." (hidden files, "..")
//   - Maximum 64 characters (derived from unix socket path limit)
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("name is empty")
	}
	if len(name) > MaxNameLength {
		return fmt.Errorf("name is %d characters, maximum is %d", len(name), MaxNameLength)
	}
	for i := 0; i < len(name); i++ {
		if !allowedChars[name[i]] {
			return fmt.Errorf("invalid character %q at position %d (allowed: a-z, 0-9, ., _, -)", name[i], i)
		}
	}
	if name[0] == '.' {
		return fmt.Errorf("name %q starts with '.' (hidden file/directory)", name)
	}
	return nil
}

// Identity is a stable key naming one logical service within an
// application's host process. The zero value is invalid; construct
// with New or Parse.
//
// Identity is a value type: compare with ==, use as a map key.
type Identity struct {
	app     string
	service string
}

// New constructs a validated identity from its app and service
// components.
func New(app, service string) (Identity, error) {
	if err := ValidateName(app); err != nil {
		return Identity{}, fmt.Errorf("invalid app name: %w", err)
	}
	if err := ValidateName(service); err != nil {
		return Identity{}, fmt.Errorf("invalid service name: %w", err)
	}
	return Identity{app: app, service: service}, nil
}

// Parse parses the "<app>/<service>" string form produced by String.
func Parse(raw string) (Identity, error) {
	app, service, found := strings.Cut(raw, "/")
	if !found {
		return Identity{}, fmt.Errorf("identity %q: want <app>/<service>", raw)
	}
	return New(app, service)
}

// App returns the application component, which selects the host
// process.
func (id Identity) App() string { return id.app }

// Service returns the service component, which selects a service
// instance inside the host.
func (id Identity) Service() string { return id.service }

// IsZero reports whether the identity is the invalid zero value.
func (id Identity) IsZero() bool { return id.app == "" }

// String returns the canonical "<app>/<service>" form.
func (id Identity) String() string { return id.app + "/" + id.service }

// MarshalText implements encoding.TextMarshaler so identities
// serialize as CBOR text strings (see lib/codec) and readable YAML.
func (id Identity) MarshalText() ([]byte, error) {
	if id.IsZero() {
		return nil, fmt.Errorf("marshaling zero identity")
	}
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *Identity) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// SocketPath returns the host socket path for an app under the given
// run directory.
//
//	SocketPath("/run/outpost", "backup") → "/run/outpost/backup.sock"
//
// The caller is responsible for creating the run directory.
func SocketPath(runDir, app string) string {
	return runDir + "/" + app + socketSuffix
}

// StatePath returns the host run-state file path for an app under the
// given run directory.
func StatePath(runDir, app string) string {
	return runDir + "/" + app + stateSuffix
}

// LockPath returns the host singleton lock file path for an app under
// the given run directory.
func LockPath(runDir, app string) string {
	return runDir + "/" + app + lockSuffix
}

// ValidateRunDir checks that a run directory path is short enough for
// unix socket path limits. The socket subpath is /<app>.sock, so the
// total path must fit in 108 bytes (sun_path limit) with at least one
// character of app name.
func ValidateRunDir(runDir string) error {
	overhead := 1 + len(socketSuffix)
	available := 107 - len(runDir) - overhead
	if available < 1 {
		return fmt.Errorf("run directory %q is %d bytes, too long for any app name "+
			"(unix socket path limit is 108 bytes, overhead is %d bytes)",
			runDir, len(runDir), overhead)
	}
	return nil
}
