// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package launch provides the deferred-execution primitive for
// privileged host startup and the spawner collaborator that performs
// it.
//
// A [Task] is a single-execution unit of work, handed back to the
// caller instead of executed eagerly. Privileged process launch is a
// side effect an application may need to gate on user consent or
// scheduling policy, so the client package returns Tasks rather than
// launching on its own: a Task that is never run leaves the system
// completely unchanged.
//
// A [Spawner] is how a Task actually starts the host binary. The
// production implementation, [CommandSpawner], prefixes a configured
// elevation command (sudo, doas, pkexec) and detaches the child into
// its own session so the host outlives the client process. Tests
// substitute their own Spawner to run an in-process host instead.
package launch
