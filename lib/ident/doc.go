// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package ident defines service identities and the runtime paths
// derived from them.
//
// An [Identity] names one logical service within an application's host
// process: "<app>/<service>". The app component selects the host
// process (one privileged host per app, shared by all of its
// services); the service component selects a service instance inside
// that host. Both components are validated so an identity is always
// safe to use as a filesystem path component and a log field.
//
// All runtime paths (host socket, run-state file, singleton lock)
// derive from a run directory plus the app name. Typically the run
// directory is a tmpfs mount (/run), so everything is discarded on
// reboot.
package ident
