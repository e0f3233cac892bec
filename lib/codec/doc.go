// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Outpost's standard CBOR encoding configuration.
//
// Everything that crosses the client↔host boundary — protocol frames,
// call payloads, the on-disk run-state file — is CBOR. This package
// provides the shared encoding and decoding modes so that every Outpost
// package encodes identically without duplicating configuration. The
// encoder uses Core Deterministic Encoding (RFC 8949 §4.2): sorted map
// keys, smallest integer encoding, no indefinite-length items. Same
// logical data always produces identical bytes.
//
// For buffer-oriented operations (payloads, state files):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (the host socket):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// Types implementing encoding.TextMarshaler (ident.Identity) serialize
// as CBOR text strings, so identities stay readable in diagnostic
// output and state files.
package codec
