// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"errors"
	"fmt"
)

// ErrDisconnected reports that the connection to the host was lost.
// Calls in flight when the connection drops fail with this error, and
// every listener bound over the connection receives exactly one
// OnServiceDisconnected callback.
var ErrDisconnected = errors.New("connection to host lost")

// LaunchError wraps a failure to start the host process or to
// establish the initial connection to it: spawn failure, the socket
// never appearing, or a rejected handshake. Not retried — a later
// bind or stop starts a fresh attempt.
type LaunchError struct {
	Err error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launching host: %v", e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ServiceError is a failure reported by the service implementation
// for one call. The connection and the binding remain usable.
type ServiceError struct {
	// Service is the identity the call targeted.
	Service string

	// Action is the action that failed.
	Action string

	// Message is the host-side error text.
	Message string
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("service %s action %q: %s", e.Service, e.Action, e.Message)
}
