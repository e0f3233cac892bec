// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/outpost-foundation/outpost/lib/codec"
	"github.com/outpost-foundation/outpost/lib/ident"
	"github.com/outpost-foundation/outpost/lib/ipc"
	"github.com/outpost-foundation/outpost/lib/runstate"
	"github.com/outpost-foundation/outpost/lib/testutil"
)

const testTimeout = 5 * time.Second

// recorder is a service that reports every lifecycle hook on a
// channel and serves an echo action plus a quit action that calls
// StopSelf.
type recorder struct {
	Base
	events    chan string
	keepAlive bool
}

func (r *recorder) OnCreate() { r.events <- "create" }

func (r *recorder) OnBind(request Request) Handler {
	r.events <- "bind"
	mux := NewMux()
	mux.Handle("echo", func(ctx context.Context, payload ipc.Payload) (any, error) {
		var message string
		if err := payload.Decode(&message); err != nil {
			return nil, err
		}
		return message, nil
	})
	mux.Handle("fail", func(ctx context.Context, payload ipc.Payload) (any, error) {
		return nil, errors.New("deliberate failure")
	})
	mux.Handle("quit", func(ctx context.Context, payload ipc.Payload) (any, error) {
		r.StopSelf()
		return nil, nil
	})
	return mux
}

func (r *recorder) OnUnbind(request Request) bool {
	r.events <- "unbind"
	return r.keepAlive
}

func (r *recorder) OnRebind(request Request) { r.events <- "rebind" }

func (r *recorder) OnDestroy() { r.events <- "destroy" }

// startHost runs the supervisor in the background and returns its
// exit channel. The test cleanup cancels the serve context and waits
// for exit so a failing test cannot leak the goroutine.
func startHost(t *testing.T, sup *Supervisor) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	exited := make(chan struct{})
	go func() {
		done <- sup.Serve(ctx)
		close(exited)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-exited:
		case <-time.After(testTimeout):
			t.Errorf("supervisor did not exit after cancel")
		}
	})
	return done
}

func requireExit(t *testing.T, done <-chan error) {
	t.Helper()
	err := testutil.RequireReceive(t, done, testTimeout, "waiting for host exit")
	if err != nil {
		t.Fatalf("Serve returned error: %v", err)
	}
}

// testClient speaks the wire protocol directly so the supervisor is
// tested without going through the client package.
type testClient struct {
	t    *testing.T
	conn net.Conn
	enc  *codec.Encoder
	dec  *codec.Decoder
	next uint64
}

// dialHost connects to the app socket, retrying until the host is
// listening, and completes the handshake.
func dialHost(t *testing.T, runDir, app string) *testClient {
	t.Helper()
	path := ident.SocketPath(runDir, app)

	var conn net.Conn
	deadline := time.Now().Add(testTimeout)
	for {
		var err error
		conn, err = net.Dial("unix", path)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dialing %s: %v", path, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Cleanup(func() { conn.Close() })

	c := &testClient{
		t:    t,
		conn: conn,
		enc:  codec.NewEncoder(conn),
		dec:  codec.NewDecoder(conn),
	}
	ack := c.hello(ipc.ProtocolVersion)
	if !ack.OK {
		t.Fatalf("handshake rejected: %s", ack.Error)
	}
	return c
}

func (c *testClient) send(frame ipc.Frame) {
	c.t.Helper()
	if err := c.enc.Encode(frame); err != nil {
		c.t.Fatalf("sending %s frame: %v", frame.Kind, err)
	}
}

func (c *testClient) recv() ipc.Frame {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(testTimeout))
	var frame ipc.Frame
	if err := c.dec.Decode(&frame); err != nil {
		c.t.Fatalf("reading frame: %v", err)
	}
	return frame
}

// recvKind reads frames until one of the wanted kind arrives,
// skipping interleaved event frames.
func (c *testClient) recvKind(kind ipc.FrameKind) ipc.Frame {
	c.t.Helper()
	for {
		frame := c.recv()
		if frame.Kind == kind {
			return frame
		}
	}
}

func (c *testClient) hello(protocol int) ipc.Frame {
	c.t.Helper()
	c.next++
	c.send(ipc.Frame{
		Kind:     ipc.KindHello,
		Request:  c.next,
		Protocol: protocol,
		UID:      os.Getuid(),
	})
	return c.recv()
}

func (c *testClient) bind(service string, daemon bool) ipc.Frame {
	c.t.Helper()
	c.next++
	c.send(ipc.Frame{
		Kind:    ipc.KindBind,
		Request: c.next,
		Service: service,
		Daemon:  daemon,
	})
	return c.recvKind(ipc.KindBound)
}

func (c *testClient) mustBind(service string, daemon bool) uint64 {
	c.t.Helper()
	bound := c.bind(service, daemon)
	if !bound.OK {
		c.t.Fatalf("bind %s failed: %s", service, bound.Error)
	}
	return bound.Binding
}

func (c *testClient) unbind(binding uint64) {
	c.t.Helper()
	c.send(ipc.Frame{Kind: ipc.KindUnbind, Binding: binding})
}

func (c *testClient) call(binding uint64, action string, arg any) ipc.Frame {
	c.t.Helper()
	payload, err := ipc.EncodePayload(arg)
	if err != nil {
		c.t.Fatalf("encoding call payload: %v", err)
	}
	c.next++
	c.send(ipc.Frame{
		Kind:    ipc.KindCall,
		Request: c.next,
		Binding: binding,
		Action:  action,
		Payload: payload,
	})
	return c.recvKind(ipc.KindResult)
}

func (c *testClient) stop(service string) ipc.Frame {
	c.t.Helper()
	c.next++
	c.send(ipc.Frame{
		Kind:    ipc.KindStop,
		Request: c.next,
		Service: service,
	})
	return c.recvKind(ipc.KindResult)
}

func newRecorderHost(t *testing.T, keepAlive bool) (*Supervisor, string, string, chan string) {
	t.Helper()
	runDir := testutil.SocketDir(t)
	app := testutil.UniqueID("app")
	events := make(chan string, 32)
	sup := New(Options{
		App:    app,
		RunDir: runDir,
		Logger: slog.New(slog.NewTextHandler(os.Stderr, nil)),
	})
	sup.Register("worker", func() Service {
		return &recorder{events: events, keepAlive: keepAlive}
	})
	return sup, runDir, app, events
}

func requireEvent(t *testing.T, events chan string, want string) {
	t.Helper()
	got := testutil.RequireReceive(t, events, testTimeout, "waiting for %q event", want)
	if got != want {
		t.Fatalf("event = %q, want %q", got, want)
	}
}

func TestBindCallUnbind(t *testing.T) {
	sup, runDir, app, events := newRecorderHost(t, false)
	done := startHost(t, sup)

	client := dialHost(t, runDir, app)
	binding := client.mustBind(app+"/worker", false)
	requireEvent(t, events, "create")
	requireEvent(t, events, "bind")

	result := client.call(binding, "echo", "hello")
	if !result.OK {
		t.Fatalf("echo call failed: %s", result.Error)
	}
	var echoed string
	if err := result.Payload.Decode(&echoed); err != nil {
		t.Fatalf("decoding echo result: %v", err)
	}
	if echoed != "hello" {
		t.Errorf("echo returned %q, want %q", echoed, "hello")
	}

	result = client.call(binding, "fail", nil)
	if result.OK {
		t.Error("fail action reported success")
	}
	if result.Error != "deliberate failure" {
		t.Errorf("fail action error = %q, want %q", result.Error, "deliberate failure")
	}

	// Releasing the only binding of a non-daemon service destroys it
	// and, as the last instance, exits the host.
	client.unbind(binding)
	requireEvent(t, events, "unbind")
	requireEvent(t, events, "destroy")
	requireExit(t, done)
}

func TestHandshakeReportsHostIdentity(t *testing.T) {
	sup, runDir, app, _ := newRecorderHost(t, false)
	startHost(t, sup)

	path := ident.SocketPath(runDir, app)
	var conn net.Conn
	deadline := time.Now().Add(testTimeout)
	for {
		var err error
		conn, err = net.Dial("unix", path)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dialing %s: %v", path, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	defer conn.Close()

	client := &testClient{t: t, conn: conn, enc: codec.NewEncoder(conn), dec: codec.NewDecoder(conn)}
	ack := client.hello(ipc.ProtocolVersion)
	if !ack.OK {
		t.Fatalf("handshake rejected: %s", ack.Error)
	}
	if ack.Protocol != ipc.ProtocolVersion {
		t.Errorf("ack protocol = %d, want %d", ack.Protocol, ipc.ProtocolVersion)
	}
	if ack.PID != os.Getpid() {
		t.Errorf("ack pid = %d, want %d", ack.PID, os.Getpid())
	}
	if ack.UID != os.Getuid() {
		t.Errorf("ack uid = %d, want %d", ack.UID, os.Getuid())
	}
	if ack.BinaryDigest == "" {
		t.Error("ack carries no binary digest")
	}

	state, err := runstate.Read(runDir, app)
	if err != nil {
		t.Fatalf("reading run state: %v", err)
	}
	if state.PID != os.Getpid() {
		t.Errorf("run state pid = %d, want %d", state.PID, os.Getpid())
	}
	if state.SocketPath != path {
		t.Errorf("run state socket = %q, want %q", state.SocketPath, path)
	}
}

func TestProtocolVersionMismatch(t *testing.T) {
	sup, runDir, app, _ := newRecorderHost(t, false)
	startHost(t, sup)

	path := ident.SocketPath(runDir, app)
	var conn net.Conn
	deadline := time.Now().Add(testTimeout)
	for {
		var err error
		conn, err = net.Dial("unix", path)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dialing %s: %v", path, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	defer conn.Close()

	client := &testClient{t: t, conn: conn, enc: codec.NewEncoder(conn), dec: codec.NewDecoder(conn)}
	ack := client.hello(ipc.ProtocolVersion + 1)
	if ack.OK {
		t.Fatal("handshake accepted an unsupported protocol version")
	}
	if ack.Error == "" {
		t.Error("rejection carries no error message")
	}
	if ack.Protocol != ipc.ProtocolVersion {
		t.Errorf("rejection advertises protocol %d, want %d", ack.Protocol, ipc.ProtocolVersion)
	}
}

func TestBindUnknownService(t *testing.T) {
	sup, runDir, app, _ := newRecorderHost(t, false)
	startHost(t, sup)

	client := dialHost(t, runDir, app)
	bound := client.bind(app+"/missing", false)
	if bound.OK {
		t.Fatal("bind to unregistered service succeeded")
	}
	if bound.Error == "" {
		t.Error("failed bind carries no error message")
	}
}

func TestBindWrongApp(t *testing.T) {
	sup, runDir, app, _ := newRecorderHost(t, false)
	startHost(t, sup)

	client := dialHost(t, runDir, app)
	bound := client.bind("other-app/worker", false)
	if bound.OK {
		t.Fatal("bind for another app succeeded")
	}
}

func TestDaemonSurvivesUnbind(t *testing.T) {
	sup, runDir, app, events := newRecorderHost(t, false)
	done := startHost(t, sup)

	client := dialHost(t, runDir, app)
	service := app + "/worker"
	binding := client.mustBind(service, true)
	requireEvent(t, events, "create")
	requireEvent(t, events, "bind")

	client.unbind(binding)
	requireEvent(t, events, "unbind")

	// The instance is still alive: a new bind reuses it without a
	// second create.
	binding = client.mustBind(service, true)
	select {
	case event := <-events:
		t.Fatalf("unexpected %q event on daemon rebind", event)
	default:
	}

	result := client.call(binding, "echo", "still here")
	if !result.OK {
		t.Fatalf("call after daemon rebind failed: %s", result.Error)
	}

	// Only an explicit stop takes a daemon down.
	result = client.stop(service)
	if !result.OK {
		t.Fatalf("stop failed: %s", result.Error)
	}
	requireEvent(t, events, "destroy")

	stopped := client.recvKind(ipc.KindStopped)
	if stopped.Service != service {
		t.Errorf("stopped event for %q, want %q", stopped.Service, service)
	}
	requireExit(t, done)
}

func TestStopAbsentServiceIsNoOp(t *testing.T) {
	sup, runDir, app, events := newRecorderHost(t, false)
	startHost(t, sup)

	client := dialHost(t, runDir, app)
	result := client.stop(app + "/worker")
	if !result.OK {
		t.Fatalf("stop of absent service failed: %s", result.Error)
	}
	select {
	case event := <-events:
		t.Fatalf("unexpected %q event from stopping an absent service", event)
	default:
	}
}

func TestKeepAliveRebind(t *testing.T) {
	sup, runDir, app, events := newRecorderHost(t, true)
	done := startHost(t, sup)

	client := dialHost(t, runDir, app)
	service := app + "/worker"
	binding := client.mustBind(service, false)
	requireEvent(t, events, "create")
	requireEvent(t, events, "bind")

	// Keep-alive: the unbind hook votes to retain the idle instance.
	client.unbind(binding)
	requireEvent(t, events, "unbind")

	binding = client.mustBind(service, false)
	requireEvent(t, events, "rebind")

	result := client.call(binding, "echo", "rebound")
	if !result.OK {
		t.Fatalf("call after rebind failed: %s", result.Error)
	}

	result = client.stop(service)
	if !result.OK {
		t.Fatalf("stop failed: %s", result.Error)
	}
	requireEvent(t, events, "destroy")
	requireExit(t, done)
}

func TestSharedInstanceAcrossConnections(t *testing.T) {
	sup, runDir, app, events := newRecorderHost(t, false)
	done := startHost(t, sup)

	service := app + "/worker"
	first := dialHost(t, runDir, app)
	firstBinding := first.mustBind(service, false)
	requireEvent(t, events, "create")
	requireEvent(t, events, "bind")

	second := dialHost(t, runDir, app)
	secondBinding := second.mustBind(service, false)
	requireEvent(t, events, "bind")

	// Two live bindings; releasing one leaves the instance up.
	first.unbind(firstBinding)
	select {
	case event := <-events:
		t.Fatalf("unexpected %q event with a binding remaining", event)
	case <-time.After(50 * time.Millisecond):
	}

	second.unbind(secondBinding)
	requireEvent(t, events, "unbind")
	requireEvent(t, events, "destroy")
	requireExit(t, done)
}

func TestClientDisconnectReleasesBindings(t *testing.T) {
	sup, runDir, app, events := newRecorderHost(t, false)
	done := startHost(t, sup)

	client := dialHost(t, runDir, app)
	client.mustBind(app+"/worker", false)
	requireEvent(t, events, "create")
	requireEvent(t, events, "bind")

	// Dropping the connection is equivalent to unbinding everything
	// it held.
	client.conn.Close()
	requireEvent(t, events, "unbind")
	requireEvent(t, events, "destroy")
	requireExit(t, done)
}

func TestIdleConnectionExit(t *testing.T) {
	sup, runDir, app, _ := newRecorderHost(t, false)
	done := startHost(t, sup)

	// A client that connects and leaves without binding anything
	// leaves the host with nothing to do.
	client := dialHost(t, runDir, app)
	client.conn.Close()
	requireExit(t, done)
}

func TestStopSelf(t *testing.T) {
	sup, runDir, app, events := newRecorderHost(t, false)
	done := startHost(t, sup)

	client := dialHost(t, runDir, app)
	service := app + "/worker"
	binding := client.mustBind(service, true)
	requireEvent(t, events, "create")
	requireEvent(t, events, "bind")

	// StopSelf runs asynchronously, so the call result and the
	// stopped event can arrive in either order.
	client.next++
	client.send(ipc.Frame{
		Kind:    ipc.KindCall,
		Request: client.next,
		Binding: binding,
		Action:  "quit",
	})
	var sawResult, sawStopped bool
	for !sawResult || !sawStopped {
		switch frame := client.recv(); frame.Kind {
		case ipc.KindResult:
			if !frame.OK {
				t.Fatalf("quit call failed: %s", frame.Error)
			}
			sawResult = true
		case ipc.KindStopped:
			if frame.Service != service {
				t.Errorf("stopped event for %q, want %q", frame.Service, service)
			}
			sawStopped = true
		}
	}

	requireEvent(t, events, "destroy")
	requireExit(t, done)
}

func TestSingletonLock(t *testing.T) {
	sup, runDir, app, _ := newRecorderHost(t, false)
	startHost(t, sup)

	// Wait until the first host is actually serving.
	dialHost(t, runDir, app)

	rival := New(Options{
		App:    app,
		RunDir: runDir,
		Logger: slog.New(slog.NewTextHandler(os.Stderr, nil)),
	})
	err := rival.Serve(context.Background())
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("rival Serve error = %v, want ErrAlreadyRunning", err)
	}
}

func TestContextCancelDestroysServices(t *testing.T) {
	runDir := testutil.SocketDir(t)
	app := testutil.UniqueID("app")
	events := make(chan string, 32)
	sup := New(Options{
		App:    app,
		RunDir: runDir,
		Logger: slog.New(slog.NewTextHandler(os.Stderr, nil)),
	})
	sup.Register("worker", func() Service {
		return &recorder{events: events}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Serve(ctx) }()

	client := dialHost(t, runDir, app)
	client.mustBind(app+"/worker", true)
	requireEvent(t, events, "create")
	requireEvent(t, events, "bind")

	cancel()
	requireEvent(t, events, "destroy")
	requireExit(t, done)

	// The socket and run state are cleaned up on exit.
	if _, err := os.Stat(ident.SocketPath(runDir, app)); !os.IsNotExist(err) {
		t.Errorf("socket still present after exit (stat err %v)", err)
	}
	if _, err := runstate.Read(runDir, app); err == nil {
		t.Error("run state still present after exit")
	}
}

func TestRegisterValidation(t *testing.T) {
	sup := New(Options{App: "app", RunDir: "/run/outpost"})
	sup.Register("worker", func() Service { return &recorder{events: make(chan string, 1)} })

	assertPanics := func(name string, f func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Errorf("%s did not panic", name)
			}
		}()
		f()
	}
	assertPanics("duplicate register", func() {
		sup.Register("worker", func() Service { return nil })
	})
	assertPanics("invalid name", func() {
		sup.Register("Not Valid!", func() Service { return nil })
	})
}

// A client may write its hello and first bind back to back without
// waiting for the hello-ack in between. Both frames can land in one
// read buffer, so the host must carry a single decoder from the
// handshake into the serve loop or the bind is lost.
func TestPipelinedHelloAndBind(t *testing.T) {
	sup, runDir, app, events := newRecorderHost(t, false)
	startHost(t, sup)

	path := ident.SocketPath(runDir, app)
	var conn net.Conn
	deadline := time.Now().Add(testTimeout)
	for {
		var err error
		conn, err = net.Dial("unix", path)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dialing %s: %v", path, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Cleanup(func() { conn.Close() })

	enc := codec.NewEncoder(conn)
	if err := enc.Encode(ipc.Frame{
		Kind:     ipc.KindHello,
		Request:  1,
		Protocol: ipc.ProtocolVersion,
		UID:      os.Getuid(),
	}); err != nil {
		t.Fatalf("sending hello: %v", err)
	}
	if err := enc.Encode(ipc.Frame{
		Kind:    ipc.KindBind,
		Request: 2,
		Service: app + "/worker",
	}); err != nil {
		t.Fatalf("sending bind: %v", err)
	}

	dec := codec.NewDecoder(conn)
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	var ack ipc.Frame
	if err := dec.Decode(&ack); err != nil {
		t.Fatalf("reading hello-ack: %v", err)
	}
	if ack.Kind != ipc.KindHelloAck || !ack.OK {
		t.Fatalf("handshake = %+v, want OK hello-ack", ack)
	}
	var bound ipc.Frame
	if err := dec.Decode(&bound); err != nil {
		t.Fatalf("reading bound: %v", err)
	}
	if bound.Kind != ipc.KindBound || !bound.OK {
		t.Fatalf("bind = %+v, want OK bound", bound)
	}
	requireEvent(t, events, "create")
	requireEvent(t, events, "bind")
}
