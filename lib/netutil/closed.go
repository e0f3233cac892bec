// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil has small helpers for socket connection handling.
package netutil

import (
	"errors"
	"io"
	"net"
	"syscall"
)

// IsExpectedCloseError reports whether err is a normal connection
// termination: EOF, closed connection, broken pipe, or connection
// reset. A peer that exits between a client's write and read produces
// ECONNRESET or EPIPE rather than a clean EOF; all four mean "the
// other side is gone" and should not be logged as failures.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno == syscall.EPIPE || errno == syscall.ECONNRESET
	}
	return false
}
