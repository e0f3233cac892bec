// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/outpost-foundation/outpost/lib/codec"
	"github.com/outpost-foundation/outpost/lib/ident"
	"github.com/outpost-foundation/outpost/lib/ipc"
	"github.com/outpost-foundation/outpost/lib/netutil"
)

// peerConn is the client side of the single multiplexed connection to
// the host. Requests from any goroutine share the connection; the
// read loop correlates responses back to their waiters by request ID
// and routes unsolicited event frames (stopped, shutdown) to the
// Manager.
type peerConn struct {
	manager *Manager
	conn    net.Conn

	// dec is the connection's one decoder. Decoding may buffer past
	// the frame it returns, so the handshake and the read loop must
	// share it.
	dec *codec.Decoder

	writeMu sync.Mutex
	enc     *codec.Encoder

	mu          sync.Mutex
	nextRequest uint64
	waiters     map[uint64]chan ipc.Frame
	closed      bool

	// done is closed when the connection is torn down; it releases
	// every in-flight roundTrip.
	done chan struct{}
}

func newPeerConn(manager *Manager, conn net.Conn) *peerConn {
	return &peerConn{
		manager: manager,
		conn:    conn,
		dec:     codec.NewDecoder(conn),
		enc:     codec.NewEncoder(conn),
		waiters: make(map[uint64]chan ipc.Frame),
		done:    make(chan struct{}),
	}
}

func (p *peerConn) send(frame ipc.Frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.enc.Encode(frame); err != nil {
		return errors.Join(ErrDisconnected, err)
	}
	return nil
}

// roundTrip sends a request frame and waits for the host's response.
// Fails with ErrDisconnected if the connection drops while waiting,
// or with ctx.Err() if the caller gives up first.
func (p *peerConn) roundTrip(ctx context.Context, frame ipc.Frame) (ipc.Frame, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ipc.Frame{}, ErrDisconnected
	}
	p.nextRequest++
	requestID := p.nextRequest
	response := make(chan ipc.Frame, 1)
	p.waiters[requestID] = response
	p.mu.Unlock()

	frame.Request = requestID
	if err := p.send(frame); err != nil {
		p.dropWaiter(requestID)
		return ipc.Frame{}, err
	}

	select {
	case resp := <-response:
		return resp, nil
	case <-p.done:
		return ipc.Frame{}, ErrDisconnected
	case <-ctx.Done():
		p.dropWaiter(requestID)
		return ipc.Frame{}, ctx.Err()
	}
}

func (p *peerConn) dropWaiter(requestID uint64) {
	p.mu.Lock()
	delete(p.waiters, requestID)
	p.mu.Unlock()
}

// readLoop runs for the life of the connection. On exit the
// connection is closed and the Manager is told it is gone.
func (p *peerConn) readLoop() {
	for {
		var frame ipc.Frame
		if err := p.dec.Decode(&frame); err != nil {
			if !netutil.IsExpectedCloseError(err) {
				p.manager.logger.Debug("host connection read failed", "error", err)
			}
			break
		}

		switch frame.Kind {
		case ipc.KindBound, ipc.KindResult:
			p.mu.Lock()
			response := p.waiters[frame.Request]
			delete(p.waiters, frame.Request)
			p.mu.Unlock()
			if response != nil {
				response <- frame
			} else {
				p.manager.logger.Debug("response with no waiter", "request", frame.Request)
			}

		case ipc.KindStopped:
			identity, err := ident.Parse(frame.Service)
			if err != nil {
				p.manager.logger.Warn("stopped event with invalid identity",
					"service", frame.Service, "error", err)
				continue
			}
			p.manager.serviceStopped(p, identity)

		case ipc.KindShutdown:
			// The host is about to exit; the read loop ends on the
			// EOF that follows.
			p.manager.logger.Debug("host announced shutdown")

		default:
			p.manager.logger.Warn("unexpected frame from host", "kind", frame.Kind)
		}
	}

	p.close()
	p.manager.connectionLost(p)
}

// close tears the connection down. Safe to call more than once and
// from any goroutine.
func (p *peerConn) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()
	p.conn.Close()
}
