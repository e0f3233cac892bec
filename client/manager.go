// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/outpost-foundation/outpost/launch"
	"github.com/outpost-foundation/outpost/lib/binhash"
	"github.com/outpost-foundation/outpost/lib/clock"
	"github.com/outpost-foundation/outpost/lib/config"
	"github.com/outpost-foundation/outpost/lib/ident"
	"github.com/outpost-foundation/outpost/lib/ipc"
	"github.com/outpost-foundation/outpost/lib/runstate"
)

// socketPollInterval is how often the launch path re-tries dialing
// the host socket while waiting for a freshly spawned host to come
// up.
const socketPollInterval = 50 * time.Millisecond

// Listener receives the outcome of a bind and the events that follow
// it. Callbacks arrive on the Manager's executor, never on the
// goroutine that issued the bind.
type Listener interface {
	// OnServiceConnected delivers the endpoint once the bind
	// succeeds. Called at most once per bind.
	OnServiceConnected(identity ident.Identity, endpoint *Endpoint)

	// OnServiceDisconnected reports that an established binding died:
	// the service was force-stopped, or the host connection was lost.
	// Called at most once, and never after a voluntary Unbind.
	OnServiceDisconnected(identity ident.Identity)

	// OnBindFailed reports that the bind never became a binding:
	// the host could not be launched (*LaunchError) or rejected the
	// bind. A new Bind call starts over from scratch.
	OnBindFailed(identity ident.Identity, err error)
}

// Request describes one bind: the target service plus the per-bind
// options delivered to the host.
type Request struct {
	// Service is the service name within the configured app.
	Service string

	// Daemon asks for a daemon-mode instance. The flag only takes
	// effect on the bind that creates the instance; later binds
	// attach to the instance as it is.
	Daemon bool

	// Extras is arbitrary application-defined data delivered to the
	// service's bind hooks on the host side. CBOR-encoded into the
	// bind frame; nil sends nothing.
	Extras any
}

// Options configures a Manager.
type Options struct {
	// Config is the client configuration. Required.
	Config *config.Config

	// Logger is the structured logger. Default: slog.Default().
	Logger *slog.Logger

	// Clock drives launch polling and timeouts. Default: real time.
	Clock clock.Clock

	// Spawner executes the host binary. Default: a
	// launch.CommandSpawner using Config.Elevate.
	Spawner launch.Spawner

	// Executor dispatches listener callbacks. Default: a
	// SerialExecutor.
	Executor Executor
}

// Manager is the connection registry: the single authority for
// whether a host connection exists and what is bound through it. One
// Manager per application; all bind, unbind, and stop traffic funnels
// through it so that at most one host launch is ever in flight.
type Manager struct {
	config   *config.Config
	logger   *slog.Logger
	clock    clock.Clock
	spawner  launch.Spawner
	executor Executor

	mu sync.Mutex

	// conn is the established host connection, nil when there is
	// none.
	conn *peerConn

	// launching marks a launch task in flight, and launchDone is
	// closed when it resolves either way.
	launching  bool
	launchDone chan struct{}

	// pendingBinds holds every bind that has not resolved yet:
	// queued behind a pending launch, or in flight over an
	// established connection. A request stays here until its outcome
	// is known so that Unbind can withdraw it and the idle check
	// keeps the connection alive under it.
	pendingBinds []*bindRequest

	// bindings maps each listener to its live binding.
	bindings map[Listener]*binding
}

// bindRequest is a bind that has not resolved yet.
type bindRequest struct {
	identity ident.Identity
	daemon   bool
	extras   any
	listener Listener

	// inFlight marks that the bind frame exchange has started;
	// cancelled marks a withdrawal that arrived after that point,
	// which performBind honors when the response lands. Both guarded
	// by Manager.mu.
	inFlight  bool
	cancelled bool
}

// binding is one established listener binding.
type binding struct {
	identity ident.Identity
	id       uint64
	conn     *peerConn
}

// New creates a Manager. The configuration must already be validated
// (config.LoadFile validates; hand-built configs should call
// Validate).
func New(options Options) (*Manager, error) {
	if options.Config == nil {
		return nil, fmt.Errorf("client: Options.Config is required")
	}
	if err := options.Config.Validate(); err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Spawner == nil {
		options.Spawner = &launch.CommandSpawner{
			Elevate: options.Config.Elevate,
			Logger:  options.Logger,
		}
	}
	if options.Executor == nil {
		options.Executor = NewSerialExecutor()
	}
	return &Manager{
		config:   options.Config,
		logger:   options.Logger,
		clock:    options.Clock,
		spawner:  options.Spawner,
		executor: options.Executor,
		bindings: make(map[Listener]*binding),
	}, nil
}

// Bind binds a listener to the requested service, launching the host
// first if needed. The launch, when one is needed, runs on a
// background goroutine; the outcome arrives through the listener.
func (m *Manager) Bind(request Request, listener Listener) error {
	task, err := m.BindOrTask(request, listener)
	if err != nil {
		return err
	}
	if task == nil {
		return nil
	}
	go func() {
		// Failure already fanned out to the attached listeners.
		if err := task.Run(context.Background()); err != nil {
			m.logger.Debug("launch task failed", "task", task.Name(), "error", err)
		}
	}()
	return nil
}

// BindOrTask is Bind with explicit control over the privileged
// launch. When no host connection exists and no launch is pending, it
// returns the launch task for the caller to run when appropriate; the
// bind stays queued until then. A nil task means no launch was needed
// from this call: either a connection exists (the bind proceeds in
// the background) or the bind attached to a launch already in flight.
//
// An unexecuted task leaves the system untouched apart from the
// queued bind; Unbind withdraws it.
func (m *Manager) BindOrTask(request Request, listener Listener) (*launch.Task, error) {
	if listener == nil {
		return nil, fmt.Errorf("client: listener is required")
	}
	identity, err := ident.New(m.config.App, request.Service)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.bindings[listener]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("client: listener is already bound")
	}
	for _, pending := range m.pendingBinds {
		if pending.listener == listener {
			m.mu.Unlock()
			return nil, fmt.Errorf("client: listener is already bound")
		}
	}

	pending := &bindRequest{
		identity: identity,
		daemon:   request.Daemon,
		extras:   request.Extras,
		listener: listener,
	}
	m.pendingBinds = append(m.pendingBinds, pending)

	if conn := m.conn; conn != nil {
		m.mu.Unlock()
		go m.performBind(conn, pending)
		return nil, nil
	}

	if m.launching {
		// Coalesce: attach to the launch already in flight.
		m.mu.Unlock()
		return nil, nil
	}
	m.launching = true
	m.launchDone = make(chan struct{})
	m.mu.Unlock()

	return launch.NewTask("launch host "+m.config.App, m.runLaunch), nil
}

// Unbind withdraws a listener's binding. Idempotent: unbinding a
// listener that has no binding, pending or live, is a no-op. No
// callback is delivered for a voluntary unbind.
func (m *Manager) Unbind(listener Listener) {
	m.mu.Lock()

	for i, pending := range m.pendingBinds {
		if pending.listener != listener {
			continue
		}
		if pending.inFlight {
			// The bind frame is already on the wire. performBind
			// sees the cancellation when the response lands and
			// hands back whatever the host granted.
			pending.cancelled = true
		} else {
			m.pendingBinds = append(m.pendingBinds[:i], m.pendingBinds[i+1:]...)
			m.releaseIfIdleLocked()
		}
		m.mu.Unlock()
		return
	}

	bound := m.bindings[listener]
	if bound == nil {
		m.mu.Unlock()
		return
	}
	delete(m.bindings, listener)
	m.mu.Unlock()

	// Fire-and-forget; the host treats an unbind over a dead
	// connection the same as the connection closing.
	if err := bound.conn.send(ipc.Frame{Kind: ipc.KindUnbind, Binding: bound.id}); err != nil {
		m.logger.Debug("unbind send failed", "service", bound.identity, "error", err)
	}

	m.mu.Lock()
	m.releaseIfIdleLocked()
	m.mu.Unlock()
}

// Stop force-stops the named service regardless of how many clients
// are bound to it. If no host connection exists, Stop dials a running
// host discovered through the run-state file; when nothing is
// running there is nothing to stop and Stop returns nil. Listeners
// bound to the service receive OnServiceDisconnected.
func (m *Manager) Stop(ctx context.Context, service string) error {
	identity, err := ident.New(m.config.App, service)
	if err != nil {
		return err
	}

	conn, err := m.connForStop(ctx)
	if err != nil {
		return err
	}
	if conn == nil {
		// No host is running; a stop of nothing is a no-op.
		return nil
	}

	// A connection dialed just for this stop is released once the
	// stop resolves; one carrying bindings stays.
	defer func() {
		m.mu.Lock()
		m.releaseIfIdleLocked()
		m.mu.Unlock()
	}()

	response, err := conn.roundTrip(ctx, ipc.Frame{
		Kind:    ipc.KindStop,
		Service: identity.String(),
	})
	if err != nil {
		return err
	}
	if !response.OK {
		return fmt.Errorf("stopping %s: %s", identity, response.Error)
	}
	return nil
}

// StopOrTask is Stop with explicit control over privileged
// execution. With a live connection the stop proceeds in the
// background and the returned task is nil; otherwise the returned
// task performs the stop when run.
func (m *Manager) StopOrTask(service string) (*launch.Task, error) {
	identity, err := ident.New(m.config.App, service)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	connected := m.conn != nil
	m.mu.Unlock()

	if connected {
		go func() {
			if err := m.Stop(context.Background(), identity.Service()); err != nil {
				m.logger.Error("stop failed", "service", identity, "error", err)
			}
		}()
		return nil, nil
	}

	return launch.NewTask("stop "+identity.String(), func(ctx context.Context) error {
		return m.Stop(ctx, identity.Service())
	}), nil
}

// Close drops the host connection, if any. Bindings over it receive
// OnServiceDisconnected; the host applies its usual last-departure
// rules to the services involved.
func (m *Manager) Close() {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn != nil {
		conn.close()
	}
}

// connForStop returns a connection for a stop request: the current
// one, the one a pending launch is about to produce, or a fresh dial
// to a host recorded in the run-state file. Returns nil when no host
// is running.
func (m *Manager) connForStop(ctx context.Context) (*peerConn, error) {
	for {
		m.mu.Lock()
		if m.conn != nil {
			conn := m.conn
			m.mu.Unlock()
			return conn, nil
		}
		if !m.launching {
			m.mu.Unlock()
			break
		}
		done := m.launchDone
		m.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	conn, err := m.dialExisting(ctx)
	if err != nil {
		return nil, &LaunchError{Err: err}
	}
	if conn == nil {
		return nil, nil
	}
	return m.adoptConn(conn), nil
}

// runLaunch is the body of the launch task: bring up the host
// connection and flush the binds queued behind it, or fail them all
// together.
func (m *Manager) runLaunch(ctx context.Context) error {
	conn, err := m.connect(ctx)

	m.mu.Lock()
	m.launching = false
	var pending []*bindRequest
	if err != nil {
		pending = m.pendingBinds
		m.pendingBinds = nil
	} else {
		if m.conn != nil {
			// A stop dialed the running host while the launch was in
			// flight; keep the installed connection and discard ours.
			go conn.close()
			conn = m.conn
		} else {
			m.conn = conn
		}
		pending = append([]*bindRequest(nil), m.pendingBinds...)
	}
	close(m.launchDone)
	m.mu.Unlock()

	if err != nil {
		failure := &LaunchError{Err: err}
		m.logger.Error("host launch failed", "app", m.config.App, "error", err)
		for _, request := range pending {
			request := request
			m.executor.Execute(func() {
				request.listener.OnBindFailed(request.identity, failure)
			})
		}
		return failure
	}

	// Queued binds are serviced in order over the new connection;
	// each removes itself from pendingBinds as it resolves.
	for _, request := range pending {
		m.performBind(conn, request)
	}

	m.mu.Lock()
	m.releaseIfIdleLocked()
	m.mu.Unlock()
	return nil
}

// performBind executes one bind over an established connection and
// reports the outcome to the listener. The request must already be in
// pendingBinds; it leaves the queue only when the outcome is known.
func (m *Manager) performBind(conn *peerConn, request *bindRequest) {
	m.mu.Lock()
	if !m.pendingLocked(request) {
		// Withdrawn by Unbind before any frame went out.
		m.mu.Unlock()
		return
	}
	request.inFlight = true
	m.mu.Unlock()

	frame := ipc.Frame{
		Kind:    ipc.KindBind,
		Service: request.identity.String(),
		Daemon:  request.daemon,
	}
	var err error
	if request.extras != nil {
		frame.Payload, err = ipc.EncodePayload(request.extras)
	}
	var response ipc.Frame
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.config.HandshakeTimeout.Std())
		response, err = conn.roundTrip(ctx, frame)
		cancel()
	}
	if err == nil && !response.OK {
		err = fmt.Errorf("bind rejected: %s", response.Error)
	}

	m.mu.Lock()
	m.removePendingLocked(request)
	cancelled := request.cancelled

	if err != nil {
		m.releaseIfIdleLocked()
		m.mu.Unlock()
		if cancelled {
			return
		}
		m.logger.Warn("bind failed", "service", request.identity, "error", err)
		failure := err
		m.executor.Execute(func() {
			request.listener.OnBindFailed(request.identity, failure)
		})
		return
	}

	if cancelled {
		// The listener unbound while the bind was in flight; hand the
		// granted binding straight back.
		m.mu.Unlock()
		if err := conn.send(ipc.Frame{Kind: ipc.KindUnbind, Binding: response.Binding}); err != nil {
			m.logger.Debug("unbind send failed", "service", request.identity, "error", err)
		}
		m.mu.Lock()
		m.releaseIfIdleLocked()
		m.mu.Unlock()
		return
	}

	endpoint := &Endpoint{conn: conn, binding: response.Binding, identity: request.identity}
	m.bindings[request.listener] = &binding{
		identity: request.identity,
		id:       response.Binding,
		conn:     conn,
	}
	m.mu.Unlock()

	m.executor.Execute(func() {
		request.listener.OnServiceConnected(request.identity, endpoint)
	})
}

// pendingLocked reports whether request is still queued. Caller holds
// m.mu.
func (m *Manager) pendingLocked(request *bindRequest) bool {
	for _, queued := range m.pendingBinds {
		if queued == request {
			return true
		}
	}
	return false
}

// removePendingLocked drops request from the pending queue. Caller
// holds m.mu.
func (m *Manager) removePendingLocked(request *bindRequest) {
	for i, queued := range m.pendingBinds {
		if queued == request {
			m.pendingBinds = append(m.pendingBinds[:i], m.pendingBinds[i+1:]...)
			return
		}
	}
}

// connect brings up a host connection: dial a host that is already
// running, or spawn one and wait for its socket.
func (m *Manager) connect(ctx context.Context) (*peerConn, error) {
	if conn, err := m.dialExisting(ctx); err != nil {
		return nil, err
	} else if conn != nil {
		return conn, nil
	}

	args := []string{
		"--app", m.config.App,
		"--run-dir", m.config.RunDir,
		"--owner-uid", strconv.Itoa(os.Getuid()),
	}
	if err := m.spawner.Spawn(ctx, m.config.HostBinary, args); err != nil {
		return nil, fmt.Errorf("spawning host: %w", err)
	}

	// The host signals readiness by accepting connections; poll
	// until it does or the launch deadline passes.
	socketPath := m.config.SocketPath()
	deadline := m.clock.Now().Add(m.config.LaunchTimeout.Std())
	for {
		conn, err := m.dial(ctx, socketPath)
		if err == nil {
			return conn, nil
		}
		if m.clock.Now().After(deadline) {
			return nil, fmt.Errorf("host socket %s not ready within %v: %w",
				socketPath, m.config.LaunchTimeout.Std(), err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.clock.Sleep(socketPollInterval)
	}
}

// dialExisting connects to a host recorded as live in the run-state
// file. Returns nil with no error when no live host is recorded. A
// state file pointing at a dead socket is treated as stale, not
// fatal.
func (m *Manager) dialExisting(ctx context.Context) (*peerConn, error) {
	state, alive, err := runstate.Check(m.config.RunDir, m.config.App)
	if err != nil {
		return nil, fmt.Errorf("checking run state: %w", err)
	}
	if !alive {
		return nil, nil
	}

	conn, err := m.dial(ctx, state.SocketPath)
	if err != nil {
		m.logger.Warn("run state names a live host but its socket is unreachable",
			"pid", state.PID,
			"socket", state.SocketPath,
			"error", err,
		)
		return nil, nil
	}
	m.logger.Debug("connected to running host", "pid", state.PID)
	return conn, nil
}

// dial opens the socket and performs the hello handshake, including
// the binary digest check when the config pins one.
func (m *Manager) dial(ctx context.Context, socketPath string) (*peerConn, error) {
	var dialer net.Dialer
	netConn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, err
	}

	conn := newPeerConn(m, netConn)
	ack, err := m.handshake(netConn, conn)
	if err != nil {
		netConn.Close()
		return nil, err
	}

	if expected := m.config.ExpectedBinaryDigest; !expected.IsZero() {
		got, err := binhash.Parse(ack.BinaryDigest)
		if err != nil {
			netConn.Close()
			return nil, fmt.Errorf("host reported unparsable binary digest %q: %w", ack.BinaryDigest, err)
		}
		if got != expected {
			netConn.Close()
			return nil, fmt.Errorf("host binary digest %s does not match pinned digest %s", got, expected)
		}
	}

	go conn.readLoop()
	return conn, nil
}

// handshake exchanges hello/hello-ack on a fresh connection, before
// the read loop starts. The ack is read through the connection's one
// decoder: a decoder may buffer past the frame it returns, so a
// throwaway decoder here could swallow a frame the host pipelines
// behind the ack.
func (m *Manager) handshake(netConn net.Conn, conn *peerConn) (ipc.Frame, error) {
	netConn.SetDeadline(time.Now().Add(m.config.HandshakeTimeout.Std()))
	defer netConn.SetDeadline(time.Time{})

	hello := ipc.Frame{
		Kind:     ipc.KindHello,
		Request:  1,
		Protocol: ipc.ProtocolVersion,
		UID:      os.Getuid(),
	}
	if err := conn.send(hello); err != nil {
		return ipc.Frame{}, fmt.Errorf("sending hello: %w", err)
	}

	var ack ipc.Frame
	if err := conn.dec.Decode(&ack); err != nil {
		return ipc.Frame{}, fmt.Errorf("reading hello-ack: %w", err)
	}
	if ack.Kind != ipc.KindHelloAck {
		return ipc.Frame{}, fmt.Errorf("expected %s frame, got %s", ipc.KindHelloAck, ack.Kind)
	}
	if !ack.OK {
		return ipc.Frame{}, fmt.Errorf("host rejected handshake: %s", ack.Error)
	}
	return ack, nil
}

// adoptConn registers a freshly dialed connection as the Manager's
// connection, unless another one won the race, in which case the new
// one is discarded.
func (m *Manager) adoptConn(conn *peerConn) *peerConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		go conn.close()
		return m.conn
	}
	m.conn = conn
	return conn
}

// releaseIfIdleLocked closes the connection once nothing is bound or
// queued over it. The host side then applies its own exit rules: a
// host left with only daemon services stays up, an empty host exits.
// Caller holds m.mu.
func (m *Manager) releaseIfIdleLocked() {
	if m.conn == nil || m.launching {
		return
	}
	if len(m.bindings) != 0 || len(m.pendingBinds) != 0 {
		return
	}
	conn := m.conn
	m.conn = nil
	go conn.close()
}

// serviceStopped handles a stopped event from the host: every
// listener bound to the identity is disconnected exactly once.
func (m *Manager) serviceStopped(conn *peerConn, identity ident.Identity) {
	m.mu.Lock()
	var notify []Listener
	for listener, bound := range m.bindings {
		if bound.conn == conn && bound.identity == identity {
			delete(m.bindings, listener)
			notify = append(notify, listener)
		}
	}
	m.releaseIfIdleLocked()
	m.mu.Unlock()

	for _, listener := range notify {
		listener := listener
		m.executor.Execute(func() {
			listener.OnServiceDisconnected(identity)
		})
	}
}

// connectionLost discards all registry state tied to a dead
// connection and disconnects its listeners. There is no partial
// recovery: the next bind starts a fresh launch.
func (m *Manager) connectionLost(conn *peerConn) {
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
	}
	type lostBinding struct {
		listener Listener
		identity ident.Identity
	}
	var notify []lostBinding
	for listener, bound := range m.bindings {
		if bound.conn == conn {
			delete(m.bindings, listener)
			notify = append(notify, lostBinding{listener, bound.identity})
		}
	}
	m.mu.Unlock()

	if len(notify) > 0 {
		m.logger.Warn("host connection lost", "app", m.config.App, "bindings", len(notify))
	}
	for _, lost := range notify {
		lost := lost
		m.executor.Execute(func() {
			lost.listener.OnServiceDisconnected(lost.identity)
		})
	}
}
