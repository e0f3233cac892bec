// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"

	"github.com/outpost-foundation/outpost/lib/ident"
	"github.com/outpost-foundation/outpost/lib/ipc"
)

// Endpoint is the RPC handle for one bound service, delivered to the
// listener's OnServiceConnected callback. Safe for concurrent use.
// It dies with its binding: after Unbind, a stop, or a disconnect,
// calls fail with ErrDisconnected.
type Endpoint struct {
	conn     *peerConn
	binding  uint64
	identity ident.Identity
}

// Identity returns the service identity this endpoint is bound to.
func (e *Endpoint) Identity() ident.Identity { return e.identity }

// Call invokes an action on the bound service. The argument is
// CBOR-encoded; pass nil for actions that take none. The response is
// decoded into result if result is non-nil and the service returned a
// value. A failure inside the service surfaces as a *ServiceError;
// connection loss as ErrDisconnected.
func (e *Endpoint) Call(ctx context.Context, action string, arg, result any) error {
	payload, err := ipc.EncodePayload(arg)
	if err != nil {
		return fmt.Errorf("encoding %q argument: %w", action, err)
	}

	response, err := e.conn.roundTrip(ctx, ipc.Frame{
		Kind:    ipc.KindCall,
		Binding: e.binding,
		Action:  action,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	if !response.OK {
		return &ServiceError{
			Service: e.identity.String(),
			Action:  action,
			Message: response.Error,
		}
	}

	if result == nil || response.Payload.IsEmpty() {
		return nil
	}
	if err := response.Payload.Decode(result); err != nil {
		return fmt.Errorf("decoding %q result: %w", action, err)
	}
	return nil
}
