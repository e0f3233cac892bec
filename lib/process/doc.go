// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for Outpost
// binaries. These functions centralize the one legitimate raw I/O
// pattern that exists before the structured logger: fatal error
// reporting to stderr when the logger may not be initialized. All
// other output in host and client binaries goes through log/slog.
package process
