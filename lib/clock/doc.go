// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts time operations for testability. Production
// code injects Real(); tests inject Fake() with deterministic time
// control.
//
// Every production function that calls time.Now, time.After, or
// time.Sleep should accept a Clock parameter (or be a method on a
// struct with a Clock field) instead of calling the time package
// directly. In Outpost this matters for the launch path: waiting for
// the host socket to appear and the handshake deadline are both
// clock-driven, and tests exercise timeout behavior by advancing a
// fake clock rather than sleeping.
package clock
