// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

// ProtocolVersion is the client↔host protocol version. The client
// sends it in the hello frame; the host rejects mismatches in the
// hello-ack. Bumped only for incompatible frame changes — unknown
// fields are ignored by the CBOR decoder, so additive changes do not
// require a bump.
const ProtocolVersion = 1

// FrameKind discriminates frame types on the wire.
type FrameKind string

// Client-to-host frame kinds.
const (
	// KindHello opens a connection: {protocol, uid}. The host answers
	// with hello-ack before any other frame is accepted.
	KindHello FrameKind = "hello"

	// KindBind requests a binding to a service: {request, service,
	// daemon}. Answered by bound on success or result{ok:false} on
	// failure.
	KindBind FrameKind = "bind"

	// KindUnbind releases one binding: {binding}. Not acknowledged —
	// unbind is fire-and-forget, and unbinding an unknown binding is
	// a no-op on the host.
	KindUnbind FrameKind = "unbind"

	// KindCall invokes an action on a bound service: {request,
	// binding, action, payload}. Answered by result.
	KindCall FrameKind = "call"

	// KindStop force-stops a service regardless of its reference
	// count: {request, service}. Answered by result; the stopped
	// event follows to every connection with bindings on the service.
	KindStop FrameKind = "stop"
)

// Host-to-client frame kinds.
const (
	// KindHelloAck answers hello: {protocol, ok, error, pid,
	// binary_digest}.
	KindHelloAck FrameKind = "hello-ack"

	// KindBound answers a successful bind: {request, binding}.
	KindBound FrameKind = "bound"

	// KindResult answers call and stop frames and failed binds:
	// {request, ok, error, payload}.
	KindResult FrameKind = "result"

	// KindStopped announces that a service instance was destroyed
	// (forced stop or stopSelf): {service}. Sent to every connection
	// holding bindings on the service; those bindings are dead.
	KindStopped FrameKind = "stopped"

	// KindShutdown announces that the host is exiting because its
	// last service instance was destroyed. The connection closes
	// immediately after.
	KindShutdown FrameKind = "shutdown"
)

// Frame is the single wire envelope for all protocol messages. Which
// fields are meaningful depends on Kind; unused fields are omitted
// from the encoding.
type Frame struct {
	Kind FrameKind `cbor:"kind"`

	// Request correlates a response (bound, result) with the frame
	// that caused it. Assigned by the requesting side, unique per
	// connection.
	Request uint64 `cbor:"request,omitempty"`

	// Binding identifies one live binding. Assigned by the host in
	// the bound frame; referenced by call and unbind frames.
	Binding uint64 `cbor:"binding,omitempty"`

	// Service is the target identity in "<app>/<service>" form, for
	// bind, stop, and stopped frames.
	Service string `cbor:"service,omitempty"`

	// Daemon marks a bind request as daemon mode: the resulting
	// service instance survives after all bindings are released,
	// until an explicit stop. Fixed at instance creation; later
	// binds cannot change it.
	Daemon bool `cbor:"daemon,omitempty"`

	// Action is the service action name for call frames.
	Action string `cbor:"action,omitempty"`

	// Payload carries the call argument or result value.
	Payload Payload `cbor:"payload,omitempty"`

	// OK reports success on result and hello-ack frames.
	OK bool `cbor:"ok,omitempty"`

	// Error is the failure message when OK is false.
	Error string `cbor:"error,omitempty"`

	// Protocol is the protocol version, on hello and hello-ack.
	Protocol int `cbor:"protocol,omitempty"`

	// UID is the client's numeric user ID, on hello. Informational —
	// the host verifies the connecting credential via SO_PEERCRED,
	// not this field.
	UID int `cbor:"uid,omitempty"`

	// PID is the host's process ID, on hello-ack.
	PID int `cbor:"pid,omitempty"`

	// BinaryDigest is the hex BLAKE3 digest of the host binary, on
	// hello-ack. Clients may pin an expected digest in their config.
	BinaryDigest string `cbor:"binary_digest,omitempty"`
}
