// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package launch

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
)

// Spawner starts the host binary. The client package drives it from
// inside a launch Task; it never calls Spawn outside one.
//
// Spawn returns once the process has been started — not once the host
// is serving. Failures after exec (host crashes during init, wrong
// binary) surface as a socket-wait timeout in the launch Task, which
// reports them as a launch failure to every attached listener.
type Spawner interface {
	Spawn(ctx context.Context, binary string, args []string) error
}

// CommandSpawner launches the host binary via os/exec with an
// optional elevation command prefix.
type CommandSpawner struct {
	// Elevate is prepended to the command line to obtain privileged
	// execution, e.g. ["sudo", "-n"]. Empty runs the binary directly.
	Elevate []string

	Logger *slog.Logger
}

// Spawn starts the (elevated) host binary in its own session so it
// survives the client process. The child is reaped by a background
// goroutine; its exit status is logged but not reported — host health
// is observed through the socket, not the process handle, because
// with elevation in play the direct child is sudo, not the host.
func (s *CommandSpawner) Spawn(ctx context.Context, binary string, args []string) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	argv := commandLine(s.Elevate, binary, args)

	// Deliberately not CommandContext: the host must outlive the
	// launch context, which ends as soon as the launch task does.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting host process %q: %w", argv[0], err)
	}

	logger.Info("host process spawned",
		"binary", binary,
		"elevated", len(s.Elevate) > 0,
		"pid", cmd.Process.Pid,
	)

	go func() {
		if err := cmd.Wait(); err != nil {
			logger.Debug("host launch process exited with error", "error", err)
		}
	}()

	return nil
}

// commandLine assembles the full argv from the elevation prefix, the
// host binary, and its arguments.
func commandLine(elevate []string, binary string, args []string) []string {
	argv := make([]string, 0, len(elevate)+1+len(args))
	argv = append(argv, elevate...)
	argv = append(argv, binary)
	argv = append(argv, args...)
	return argv
}
