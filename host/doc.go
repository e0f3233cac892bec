// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package host implements the privileged side of Outpost: the
// supervisor that runs inside the host process, accepts client
// connections on the app's Unix socket, and manages the lifecycle of
// the service instances hosted there.
//
// An application builds its own host binary: it registers a factory
// for each service name, then calls [Supervisor.Serve]. The client
// package launches that binary (elevated) on first bind and connects
// to its socket. A minimal host binary:
//
//	supervisor := host.New(host.Options{App: "backup", Logger: logger})
//	supervisor.Register("snapshots", func() host.Service {
//		return &snapshotService{}
//	})
//	return supervisor.Serve(ctx)
//
// Services implement [Service] (the required OnBind hook) plus any of
// the optional lifecycle interfaces ([Creator], [Unbinder],
// [Rebinder], [Destroyer]); embedding [Base] provides the identity,
// a logger, and StopSelf. One instance exists per service name at a
// time; all bindings from all client processes share it.
//
// The supervisor enforces the lifetime invariant of the host process
// itself: it keeps serving while any service instance is alive, and
// Serve returns — so the binary exits — once the last instance is
// destroyed, or once the last connection closes with no instances
// alive. Non-daemon instances are destroyed when their last binding
// is released; daemon instances persist until an explicit stop or
// StopSelf.
//
// The socket is world-connectable but the supervisor verifies each
// connection's credential (SO_PEERCRED) and accepts only root and the
// configured owner UID. Single-instancing is enforced with an
// exclusive flock on a lock file next to the socket, so a stale
// run-state file can never cause two hosts for the same app.
package host
