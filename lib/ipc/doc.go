// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc defines the CBOR-encoded frame types for the
// client↔host Unix socket protocol. Both the client package and the
// host package import this package so the wire types are defined once
// rather than mirrored.
//
// Unlike a one-request-per-connection socket protocol, the host
// socket carries a single long-lived connection per client process.
// Both sides write a stream of self-delimiting CBOR frames; request
// and binding identifiers correlate responses and events with the
// operations that caused them. Connection loss is itself a protocol
// event: each side treats EOF or a read error as "the peer is gone"
// and fans the disconnection out to everything bound through the
// connection.
package ipc
