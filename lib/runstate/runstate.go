// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package runstate provides the atomic run-state file a host writes
// next to its socket. The file records the live host's PID, socket
// path, and binary digest. A fresh client process reads it to discover
// a daemon host it never launched — the only cross-process-lifetime
// handoff in the system.
//
// The file is written atomically (write to temporary file, fsync,
// rename) so readers never see a partial or corrupt state. Liveness
// is established by signaling the recorded PID, not by file age: a
// state file whose process is gone is stale regardless of how
// recently it was written.
package runstate

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"

	"github.com/outpost-foundation/outpost/lib/binhash"
	"github.com/outpost-foundation/outpost/lib/codec"
	"github.com/outpost-foundation/outpost/lib/ident"
)

// State records one live host process. Written by the host after its
// socket is listening; removed by the host on clean exit.
type State struct {
	// App is the application whose services this host hosts.
	App string `cbor:"app"`

	// PID is the host's process ID. Liveness is checked by signaling
	// this PID.
	PID int `cbor:"pid"`

	// SocketPath is the Unix socket the host is listening on.
	SocketPath string `cbor:"socket_path"`

	// BinaryDigest is the BLAKE3 digest of the host binary, matching
	// the hello-ack frame. Lets a client detect a binary mismatch
	// before dialing.
	BinaryDigest binhash.Digest `cbor:"binary_digest"`

	// StartedAt is when the host began listening. Diagnostic only.
	StartedAt time.Time `cbor:"started_at"`
}

// Write atomically writes the state file for an app under runDir. The
// file is written to a temporary location in the same directory,
// fsynced for durability, and renamed into place. Created with mode
// 0644: the host usually runs as root and unprivileged clients must
// read the file to discover it, and the contents are not secret.
func Write(runDir string, state State) error {
	data, err := codec.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshaling run state: %w", err)
	}

	path := ident.StatePath(runDir, state.App)
	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("creating temporary run-state file: %w", err)
	}

	// Write, sync, close — in that order. If any step fails, remove
	// the temporary file and report the first error.
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary run-state file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary run-state file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary run-state file: %w", err)
	}

	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming run-state file into place: %w", err)
	}

	// Sync the parent directory so the rename survives power loss.
	parentDirectory, err := os.Open(filepath.Dir(path))
	if err == nil {
		parentDirectory.Sync()
		parentDirectory.Close()
	}

	return nil
}

// Read reads and parses the state file for an app. When the file does
// not exist, the returned error wraps fs.ErrNotExist (testable with
// errors.Is).
func Read(runDir, app string) (State, error) {
	path := ident.StatePath(runDir, app)
	data, err := os.ReadFile(path)
	if err != nil {
		return State{}, err
	}

	var state State
	if err := codec.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("parsing run-state file %s: %w", path, err)
	}
	return state, nil
}

// Check reads the state file for an app and verifies the recorded
// process is still alive. Returns the state and true when the file
// exists and signaling the PID succeeds. Returns a zero State and
// false when the file does not exist or the process is gone (a stale
// file from a crashed host).
//
// Any other error (permission denied, corrupt CBOR) is returned as-is
// so the caller can distinguish "no host" from "host state exists but
// unreadable."
func Check(runDir, app string) (State, bool, error) {
	state, err := Read(runDir, app)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return State{}, false, nil
		}
		return State{}, false, err
	}

	if !pidAlive(state.PID) {
		return State{}, false, nil
	}

	return state, true, nil
}

// Clear removes the state file for an app. Idempotent: returns nil
// when the file does not exist.
func Clear(runDir, app string) error {
	if err := os.Remove(ident.StatePath(runDir, app)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing run-state file: %w", err)
	}
	return nil
}

// pidAlive reports whether a process with the given PID exists.
// Signal 0 performs the existence check without delivering anything.
// EPERM means the process exists but belongs to another user — alive
// for our purposes.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
