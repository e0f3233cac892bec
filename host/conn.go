// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/outpost-foundation/outpost/lib/codec"
	"github.com/outpost-foundation/outpost/lib/ident"
	"github.com/outpost-foundation/outpost/lib/ipc"
	"github.com/outpost-foundation/outpost/lib/netutil"
)

// helloTimeout bounds how long a fresh connection may take to present
// its hello frame. A client that connects and stalls would otherwise
// hold a goroutine forever.
const helloTimeout = 10 * time.Second

// writeTimeout bounds a single frame write. A client that stops
// reading gets disconnected instead of wedging the host.
const writeTimeout = 10 * time.Second

// serveConn is the host side of one client connection. Reads happen
// on the connection goroutine; writes come from that goroutine, from
// call completion goroutines, and from the supervisor's stop
// broadcasts, all serialized by writeMu.
type serveConn struct {
	sup  *Supervisor
	conn net.Conn

	// dec is the connection's one decoder, shared by the handshake
	// and the serve loop. Decoding may buffer past the frame it
	// returns, so a second decoder would lose frames a client
	// pipelines behind its hello.
	dec *codec.Decoder

	writeMu sync.Mutex
	enc     *codec.Encoder

	// bindings maps binding ID to instance. Guarded by sup.mu, not a
	// conn-local lock: binding state and instance refcounts change
	// together.
	bindings map[uint64]*instance

	calls sync.WaitGroup
}

func (s *Supervisor) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	uid, err := peerUID(conn)
	if err != nil {
		s.logger.Error("reading peer credentials failed", "error", err)
		return
	}
	if uid != 0 && uid != uint32(s.ownerUID) {
		s.logger.Warn("rejecting connection from unauthorized uid",
			"uid", uid,
			"owner_uid", s.ownerUID,
		)
		return
	}

	c := &serveConn{
		sup:      s,
		conn:     conn,
		dec:      codec.NewDecoder(conn),
		enc:      codec.NewEncoder(conn),
		bindings: make(map[uint64]*instance),
	}

	if err := c.handshake(uid); err != nil {
		s.logger.Warn("handshake failed", "uid", uid, "error", err)
		return
	}

	s.mu.Lock()
	if s.isShutdown() {
		// The host decided to exit between Accept and here; do not
		// admit new clients.
		s.mu.Unlock()
		c.sendShutdown()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.logger.Debug("client connected", "uid", uid)
	c.serve(ctx)

	s.connClosed(c)
	c.calls.Wait()
	s.logger.Debug("client disconnected", "uid", uid)
}

// handshake reads the client's hello and answers with the host's
// identity. Version mismatches are reported to the client before the
// connection drops so the failure is diagnosable from the client side.
func (c *serveConn) handshake(uid uint32) error {
	c.conn.SetReadDeadline(time.Now().Add(helloTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	var hello ipc.Frame
	if err := c.dec.Decode(&hello); err != nil {
		return fmt.Errorf("reading hello: %w", err)
	}
	if hello.Kind != ipc.KindHello {
		return fmt.Errorf("expected %s frame, got %s", ipc.KindHello, hello.Kind)
	}
	if hello.Protocol != ipc.ProtocolVersion {
		c.send(ipc.Frame{
			Kind:     ipc.KindHelloAck,
			Request:  hello.Request,
			Error:    fmt.Sprintf("protocol version %d not supported, host speaks %d", hello.Protocol, ipc.ProtocolVersion),
			Protocol: ipc.ProtocolVersion,
		})
		return fmt.Errorf("protocol version mismatch: client %d, host %d",
			hello.Protocol, ipc.ProtocolVersion)
	}

	ack := ipc.Frame{
		Kind:     ipc.KindHelloAck,
		Request:  hello.Request,
		OK:       true,
		Protocol: ipc.ProtocolVersion,
		UID:      int(uid),
		PID:      os.Getpid(),
	}
	if !c.sup.binaryDigest.IsZero() {
		ack.BinaryDigest = c.sup.binaryDigest.String()
	}
	return c.send(ack)
}

// serve is the connection's read loop. Returns when the client
// disconnects or sends something unreadable.
func (c *serveConn) serve(ctx context.Context) {
	for {
		var frame ipc.Frame
		if err := c.dec.Decode(&frame); err != nil {
			if !netutil.IsExpectedCloseError(err) {
				c.sup.logger.Debug("connection read failed", "error", err)
			}
			return
		}

		switch frame.Kind {
		case ipc.KindBind:
			c.handleBind(frame)
		case ipc.KindUnbind:
			c.sup.unbind(c, frame.Binding)
		case ipc.KindCall:
			c.handleCall(ctx, frame)
		case ipc.KindStop:
			c.handleStop(frame)
		default:
			c.sup.logger.Warn("unexpected frame from client", "kind", frame.Kind)
		}
	}
}

func (c *serveConn) handleBind(frame ipc.Frame) {
	bindingID, err := c.sup.bind(c, frame)
	if err != nil {
		c.send(ipc.Frame{
			Kind:    ipc.KindBound,
			Request: frame.Request,
			Error:   err.Error(),
		})
		return
	}
	c.send(ipc.Frame{
		Kind:    ipc.KindBound,
		Request: frame.Request,
		Binding: bindingID,
		OK:      true,
	})
}

// handleCall dispatches an action to the bound handler on its own
// goroutine so a slow action does not block the read loop.
func (c *serveConn) handleCall(ctx context.Context, frame ipc.Frame) {
	c.sup.mu.Lock()
	inst := c.bindings[frame.Binding]
	c.sup.mu.Unlock()

	if inst == nil {
		c.send(ipc.Frame{
			Kind:    ipc.KindResult,
			Request: frame.Request,
			Error:   fmt.Sprintf("no binding %d on this connection", frame.Binding),
		})
		return
	}

	c.calls.Add(1)
	go func() {
		defer c.calls.Done()

		result, err := inst.handler.HandleAction(ctx, frame.Action, frame.Payload)
		if err != nil {
			c.send(ipc.Frame{
				Kind:    ipc.KindResult,
				Request: frame.Request,
				Error:   err.Error(),
			})
			return
		}

		payload, err := ipc.EncodePayload(result)
		if err != nil {
			c.send(ipc.Frame{
				Kind:    ipc.KindResult,
				Request: frame.Request,
				Error:   fmt.Sprintf("encoding result: %v", err),
			})
			return
		}
		c.send(ipc.Frame{
			Kind:    ipc.KindResult,
			Request: frame.Request,
			OK:      true,
			Payload: payload,
		})
	}()
}

func (c *serveConn) handleStop(frame ipc.Frame) {
	identity, err := ident.Parse(frame.Service)
	if err != nil {
		c.send(ipc.Frame{
			Kind:    ipc.KindResult,
			Request: frame.Request,
			Error:   fmt.Sprintf("invalid service identity: %v", err),
		})
		return
	}

	// Acknowledge before the stop runs so the client sees the result
	// ahead of the stopped and shutdown events it may trigger.
	c.send(ipc.Frame{
		Kind:    ipc.KindResult,
		Request: frame.Request,
		OK:      true,
	})
	c.sup.forceStop(identity, "stop requested by client")
}

// send writes one frame. Write errors are logged, not returned to
// most callers: a dead client is detected by the read loop.
func (c *serveConn) send(frame ipc.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.enc.Encode(frame); err != nil {
		c.sup.logger.Debug("frame write failed", "kind", frame.Kind, "error", err)
		return err
	}
	return nil
}

// sendStopped notifies the client that a service it was bound to was
// force-stopped.
func (c *serveConn) sendStopped(identity ident.Identity) {
	c.send(ipc.Frame{
		Kind:    ipc.KindStopped,
		Service: identity.String(),
	})
}

// sendShutdown notifies the client that the host process is exiting.
func (c *serveConn) sendShutdown() {
	c.send(ipc.Frame{Kind: ipc.KindShutdown})
}

// peerUID reads the connecting process's UID from the kernel via
// SO_PEERCRED. Unlike anything the client sends, this cannot be
// forged.
func peerUID(conn net.Conn) (uint32, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return 0, fmt.Errorf("connection is %T, not a unix socket", conn)
	}
	raw, err := unixConn.SyscallConn()
	if err != nil {
		return 0, fmt.Errorf("getting raw connection: %w", err)
	}

	var cred *unix.Ucred
	var credErr error
	err = raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if err != nil {
		return 0, fmt.Errorf("reading socket control: %w", err)
	}
	if credErr != nil {
		return 0, fmt.Errorf("SO_PEERCRED: %w", credErr)
	}
	return cred.Uid, nil
}
