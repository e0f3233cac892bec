// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/outpost-foundation/outpost/lib/codec"
)

// CompressionThreshold is the encoded payload size above which the
// payload bytes are zstd-compressed on the wire. Small payloads skip
// compression: the frame overhead would exceed the savings and the
// local socket is not bandwidth-bound until payloads get large.
const CompressionThreshold = 4 * 1024

// MaxPayloadSize is the maximum decoded size of a single call payload
// or result. Prevents a misbehaving peer from exhausting memory with
// a tiny highly-compressible frame.
const MaxPayloadSize = 16 * 1024 * 1024

// compressionZstd is the only compression name currently on the wire.
// A name string rather than a numeric tag so unknown algorithms fail
// with a readable error.
const compressionZstd = "zstd"

// zstdEncoder and zstdDecoder are shared stateless codecs used in
// EncodeAll/DecodeAll mode. Both are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("ipc: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxPayloadSize))
	if err != nil {
		panic("ipc: zstd decoder initialization failed: " + err.Error())
	}
}

// Payload is a CBOR value carried inside a frame, optionally
// zstd-compressed. The zero value is the absent payload.
type Payload struct {
	// Compression names the algorithm applied to Data: "" (none) or
	// "zstd".
	Compression string `cbor:"compression,omitempty"`

	// Data is the (possibly compressed) CBOR encoding of the value.
	Data []byte `cbor:"data,omitempty"`
}

// EncodePayload marshals v to CBOR and wraps it in a Payload,
// compressing when the encoding exceeds CompressionThreshold. A nil v
// produces the empty payload.
func EncodePayload(v any) (Payload, error) {
	if v == nil {
		return Payload{}, nil
	}
	encoded, err := codec.Marshal(v)
	if err != nil {
		return Payload{}, fmt.Errorf("marshaling payload: %w", err)
	}
	if len(encoded) > MaxPayloadSize {
		return Payload{}, fmt.Errorf("payload is %d bytes, maximum is %d", len(encoded), MaxPayloadSize)
	}
	if len(encoded) <= CompressionThreshold {
		return Payload{Data: encoded}, nil
	}
	return Payload{
		Compression: compressionZstd,
		Data:        zstdEncoder.EncodeAll(encoded, nil),
	}, nil
}

// IsEmpty reports whether the payload carries no value.
func (p Payload) IsEmpty() bool {
	return len(p.Data) == 0
}

// Decode unmarshals the payload into v, decompressing first if
// needed. Decoding an empty payload is an error — callers check
// IsEmpty when a value is optional.
func (p Payload) Decode(v any) error {
	if p.IsEmpty() {
		return fmt.Errorf("decoding empty payload")
	}

	data := p.Data
	switch p.Compression {
	case "":
	case compressionZstd:
		decompressed, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return fmt.Errorf("decompressing payload: %w", err)
		}
		data = decompressed
	default:
		return fmt.Errorf("unknown payload compression %q", p.Compression)
	}

	if len(data) > MaxPayloadSize {
		return fmt.Errorf("payload is %d bytes decoded, maximum is %d", len(data), MaxPayloadSize)
	}
	if err := codec.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshaling payload: %w", err)
	}
	return nil
}
