// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package binhash computes BLAKE3 digests of host binaries. The digest
// is reported by the host in its handshake and run-state file so a
// client can verify which binary it reached before trusting it with
// bind requests.
package binhash

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 keyed digest of a binary.
type Digest [32]byte

// binaryDomainKey is the 32-byte key for BLAKE3 keyed hashing. Domain
// separation ensures binary digests can never collide with hashes
// computed over the same bytes in another context. The byte values are
// the ASCII encoding of the domain name, zero-padded to 32 bytes, so
// the key is inspectable in hex dumps without sacrificing any
// cryptographic property.
var binaryDomainKey = [32]byte{
	'o', 'u', 't', 'p', 'o', 's', 't', '.', 'b', 'i', 'n', 'a', 'r', 'y',
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// HashFile computes the binary-domain BLAKE3 digest of the file at
// path. The file is streamed through the hash function so memory usage
// is constant regardless of binary size.
func HashFile(path string) (Digest, error) {
	file, err := os.Open(path)
	if err != nil {
		return Digest{}, fmt.Errorf("opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	hasher, err := blake3.NewKeyed(binaryDomainKey[:])
	if err != nil {
		panic("binhash: BLAKE3 keyed hasher initialization failed: " + err.Error())
	}
	if _, err := io.Copy(hasher, file); err != nil {
		return Digest{}, fmt.Errorf("hashing %s: %w", path, err)
	}

	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest, nil
}

// SelfHash computes the digest of the current process's executable.
// The host calls this once at startup to populate its handshake and
// run-state file.
func SelfHash() (Digest, error) {
	executable, err := os.Executable()
	if err != nil {
		return Digest{}, fmt.Errorf("resolving own executable path: %w", err)
	}
	return HashFile(executable)
}

// String returns the hex-encoded form of the digest. This is the
// canonical format used in handshake frames, run-state files, and log
// output.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether the digest is all zero bytes (unset).
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// MarshalText implements encoding.TextMarshaler so digests serialize
// as hex strings in CBOR (see lib/codec) and YAML.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. An empty string
// decodes to the zero digest so optional config fields can be left
// blank.
func (d *Digest) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*d = Digest{}
		return nil
	}
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Parse parses a hex-encoded digest string into a Digest. Returns an
// error if the string is not a valid 64-character hex encoding of 32
// bytes.
func Parse(hexString string) (Digest, error) {
	var digest Digest
	decoded, err := hex.DecodeString(hexString)
	if err != nil {
		return digest, fmt.Errorf("parsing binary digest: %w", err)
	}
	if len(decoded) != 32 {
		return digest, fmt.Errorf("binary digest is %d bytes, want 32", len(decoded))
	}
	copy(digest[:], decoded)
	return digest, nil
}
