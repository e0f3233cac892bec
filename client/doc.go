// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package client obtains services hosted in an application's
// privileged host process. The host is launched lazily on the first
// bind, shared by all services of the application, and exits on its
// own once the last service instance is destroyed.
//
// A Manager owns at most one connection to the host. Binds issued
// before the connection exists coalesce onto a single launch: the
// first caller receives a launch task, later callers attach to it,
// and every attached listener hears the outcome — connected or
// failed — exactly once.
//
//	manager, err := client.New(client.Options{Config: cfg})
//	if err != nil { ... }
//
//	err = manager.Bind(client.Request{Service: "snapshots"}, listener)
//
// The listener's OnServiceConnected callback delivers an Endpoint,
// the RPC handle for the bound service:
//
//	var result SnapshotList
//	err := endpoint.Call(ctx, "list", ListArgs{Limit: 10}, &result)
//
// Callbacks are dispatched on the Manager's executor, serially and in
// order by default. Issue Bind, Unbind, and Stop calls from the one
// goroutine that owns the listener's expectations.
//
// Daemon mode is requested per bind and fixed by the bind that
// creates the service instance. A daemon service survives after every
// client unbinds; it runs until Stop, StopOrTask, or its own StopSelf
// takes it down. A later client process discovers the still-running
// host through the run-state file and dials it directly, without a
// second launch.
//
// BindOrTask and StopOrTask return the launch task instead of
// scheduling it, for callers who must control when privileged
// execution happens. A returned task has no side effects until Run
// and must be run at most once.
package client
