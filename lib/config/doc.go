// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Outpost clients.
//
// Configuration is loaded from a single YAML file specified by:
//   - OUTPOST_CONFIG environment variable, or
//   - an explicit path (e.g. a --config flag)
//
// There are no fallbacks or automatic discovery, and environment
// variables do not override file values. This ensures deterministic,
// auditable configuration with no hidden overrides — which matters
// more than usual here, because the config names the binary that will
// be executed with elevated privileges.
package config
