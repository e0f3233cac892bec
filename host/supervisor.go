// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/outpost-foundation/outpost/lib/binhash"
	"github.com/outpost-foundation/outpost/lib/ident"
	"github.com/outpost-foundation/outpost/lib/ipc"
	"github.com/outpost-foundation/outpost/lib/runstate"
)

// ErrAlreadyRunning is returned by Serve when another host for the
// same app holds the singleton lock.
var ErrAlreadyRunning = errors.New("another host is already running for this app")

// Factory constructs a fresh service instance. Called once per
// instance lifetime; a destroyed service is never reused, a
// subsequent bind gets a new instance from the factory.
type Factory func() Service

// Options configures a Supervisor.
type Options struct {
	// App is the application name. Determines the socket, lock, and
	// run-state paths. Required.
	App string

	// RunDir is the runtime directory. Default: /run/outpost.
	RunDir string

	// OwnerUID is the client UID accepted on the socket in addition
	// to root. Host binaries pass the launching user's UID here
	// (clients send it on the command line; see the client package).
	// Default: the host process's own UID, which makes unelevated
	// test setups work without configuration.
	OwnerUID int

	// Logger is the structured logger. Default: slog.Default().
	Logger *slog.Logger
}

// Supervisor hosts service instances and serves the app's Unix
// socket. Create with New, register factories, then call Serve.
type Supervisor struct {
	app      string
	runDir   string
	ownerUID int
	logger   *slog.Logger

	factories map[string]Factory

	nextBinding atomic.Uint64

	mu        sync.Mutex
	started   bool
	instances map[string]*instance
	conns     map[*serveConn]struct{}

	binaryDigest binhash.Digest

	shutdown     chan struct{}
	shutdownOnce sync.Once

	activeConns sync.WaitGroup
}

// instance is one live service. All bindings from all connections
// share it.
type instance struct {
	name     string
	identity ident.Identity
	service  Service
	handler  Handler

	// daemon is fixed by the bind that created the instance.
	daemon bool

	// refs counts live bindings across all connections.
	refs int

	// keptAlive is set when OnUnbind returned true after the last
	// binding was released; the next bind goes through OnRebind.
	keptAlive bool
}

// New creates a Supervisor. Register factories before calling Serve.
func New(options Options) *Supervisor {
	if options.App == "" {
		panic("host: Options.App is required")
	}
	if options.RunDir == "" {
		options.RunDir = ident.DefaultRunDir
	}
	if options.OwnerUID == 0 {
		options.OwnerUID = os.Getuid()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Supervisor{
		app:       options.App,
		runDir:    options.RunDir,
		ownerUID:  options.OwnerUID,
		logger:    options.Logger,
		factories: make(map[string]Factory),
		instances: make(map[string]*instance),
		conns:     make(map[*serveConn]struct{}),
		shutdown:  make(chan struct{}),
	}
}

// Register installs the factory for a service name. Panics if called
// after Serve has started or if the name is invalid or already
// registered.
func (s *Supervisor) Register(service string, factory Factory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		panic("host: Register called after Serve")
	}
	if err := ident.ValidateName(service); err != nil {
		panic(fmt.Sprintf("host: invalid service name %q: %v", service, err))
	}
	if _, exists := s.factories[service]; exists {
		panic(fmt.Sprintf("host: duplicate factory for service %q", service))
	}
	s.factories[service] = factory
}

// Serve acquires the singleton lock, listens on the app socket, and
// handles client connections until the host's work is done: either
// the last service instance is destroyed, the last connection closes
// with no instances alive, or ctx is cancelled. On cancellation all
// remaining instances are force-stopped so OnDestroy always runs.
//
// The socket file, lock file, and run-state file are removed on
// return.
func (s *Supervisor) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("host: Serve called twice")
	}
	s.started = true
	s.mu.Unlock()

	if err := ident.ValidateRunDir(s.runDir); err != nil {
		return err
	}
	if err := os.MkdirAll(s.runDir, 0755); err != nil {
		return fmt.Errorf("creating run directory: %w", err)
	}

	lockFile, err := s.acquireLock()
	if err != nil {
		return err
	}
	defer func() {
		lockFile.Close()
		os.Remove(ident.LockPath(s.runDir, s.app))
	}()

	digest, err := binhash.SelfHash()
	if err != nil {
		// Run without a digest rather than refuse to serve; clients
		// that pin a digest will reject the handshake.
		s.logger.Warn("hashing own binary failed", "error", err)
	}
	s.binaryDigest = digest

	socketPath := ident.SocketPath(s.runDir, s.app)
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", socketPath, err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(socketPath)
	}()

	// The socket must be connectable by the unprivileged owner; the
	// credential check in handleConnection is the access control.
	if err := os.Chmod(socketPath, 0666); err != nil {
		return fmt.Errorf("setting socket permissions: %w", err)
	}

	if err := runstate.Write(s.runDir, runstate.State{
		App:          s.app,
		PID:          os.Getpid(),
		SocketPath:   socketPath,
		BinaryDigest: digest,
		StartedAt:    time.Now(),
	}); err != nil {
		return fmt.Errorf("writing run state: %w", err)
	}
	defer runstate.Clear(s.runDir, s.app)

	// Unblock Accept when the context is cancelled or the host's
	// work is done.
	go func() {
		select {
		case <-ctx.Done():
		case <-s.shutdown:
		}
		listener.Close()
	}()

	s.logger.Info("host serving",
		"app", s.app,
		"socket", socketPath,
		"owner_uid", s.ownerUID,
		"binary_digest", digest,
	)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isShutdown() {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.activeConns.Add(1)
		go func() {
			defer s.activeConns.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	// Cancellation can reach here with instances still alive; the
	// normal shutdown paths already emptied the table.
	s.forceStopAll("host shutting down")

	s.mu.Lock()
	for conn := range s.conns {
		conn.conn.Close()
	}
	s.mu.Unlock()
	s.activeConns.Wait()

	s.logger.Info("host exiting", "app", s.app)
	return nil
}

// acquireLock takes the exclusive flock that enforces one host per
// app. The lock is held for the life of the process; the kernel
// releases it if the host dies, so a stale lock file never wedges the
// next launch.
func (s *Supervisor) acquireLock() (*os.File, error) {
	lockPath := ident.LockPath(s.runDir, s.app)
	lockFile, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening lock file %s: %w", lockPath, err)
	}
	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lockFile.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w (lock %s)", ErrAlreadyRunning, lockPath)
		}
		return nil, fmt.Errorf("locking %s: %w", lockPath, err)
	}
	return lockFile, nil
}

func (s *Supervisor) isShutdown() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

// triggerShutdown stops the accept loop. Idempotent.
func (s *Supervisor) triggerShutdown(reason string) {
	s.shutdownOnce.Do(func() {
		s.logger.Info("host shutdown", "reason", reason)
		close(s.shutdown)
	})
}

// bind resolves a bind frame into a binding. Returns the binding ID,
// or an error to report to the client.
func (s *Supervisor) bind(c *serveConn, frame ipc.Frame) (uint64, error) {
	identity, err := ident.Parse(frame.Service)
	if err != nil {
		return 0, fmt.Errorf("invalid service identity: %w", err)
	}
	if identity.App() != s.app {
		return 0, fmt.Errorf("service %q belongs to app %q, this host serves %q",
			frame.Service, identity.App(), s.app)
	}

	request := Request{Identity: identity, Daemon: frame.Daemon, Extras: frame.Payload}

	s.mu.Lock()
	defer s.mu.Unlock()

	inst := s.instances[identity.Service()]
	if inst == nil {
		factory := s.factories[identity.Service()]
		if factory == nil {
			return 0, fmt.Errorf("unknown service %q", frame.Service)
		}
		inst = s.createLocked(identity, factory, request)
	} else {
		if inst.daemon != frame.Daemon {
			// The creating bind fixed the flag for the instance's
			// lifetime; later binds cannot change it.
			s.logger.Warn("daemon flag on bind ignored",
				"service", identity,
				"instance_daemon", inst.daemon,
				"requested_daemon", frame.Daemon,
			)
		}
		if inst.refs == 0 && inst.keptAlive {
			inst.keptAlive = false
			if rebinder, ok := inst.service.(Rebinder); ok {
				rebinder.OnRebind(request)
			}
		}
	}

	inst.refs++
	bindingID := s.nextBinding.Add(1)
	c.bindings[bindingID] = inst

	s.logger.Debug("service bound",
		"service", identity,
		"binding", bindingID,
		"refs", inst.refs,
	)
	return bindingID, nil
}

// createLocked instantiates a service. Caller holds s.mu.
func (s *Supervisor) createLocked(identity ident.Identity, factory Factory, request Request) *instance {
	service := factory()

	if base, ok := service.(attachable); ok {
		base.attach(identity,
			s.logger.With("service", identity.String()),
			func() { s.selfStop(identity) },
		)
	}
	if creator, ok := service.(Creator); ok {
		creator.OnCreate()
	}

	handler := service.OnBind(request)
	if handler == nil {
		// A service that cannot produce a handler is mis-specified;
		// there is nothing to degrade to.
		panic(fmt.Sprintf("host: service %q returned a nil handler from OnBind", identity))
	}

	inst := &instance{
		name:     identity.Service(),
		identity: identity,
		service:  service,
		handler:  handler,
		daemon:   request.Daemon,
	}
	s.instances[inst.name] = inst
	s.logger.Info("service created", "service", identity, "daemon", inst.daemon)
	return inst
}

// unbind releases one binding. Unknown binding IDs are a no-op: the
// client may race an unbind against a stop that already removed the
// binding.
func (s *Supervisor) unbind(c *serveConn, bindingID uint64) {
	s.mu.Lock()
	inst, exists := c.bindings[bindingID]
	if exists {
		delete(c.bindings, bindingID)
		s.releaseLocked(inst)
	}
	s.mu.Unlock()
}

// releaseLocked drops one reference and runs the last-client-departed
// path when the count reaches zero. Caller holds s.mu.
func (s *Supervisor) releaseLocked(inst *instance) {
	inst.refs--
	if inst.refs > 0 {
		return
	}

	keep := false
	if unbinder, ok := inst.service.(Unbinder); ok {
		keep = unbinder.OnUnbind(Request{Identity: inst.identity, Daemon: inst.daemon})
	}
	inst.keptAlive = keep

	if inst.daemon || keep {
		s.logger.Debug("service idle",
			"service", inst.identity,
			"daemon", inst.daemon,
			"kept_alive", keep,
		)
		return
	}

	s.destroyLocked(inst, "last binding released")
	s.checkAllDestroyedLocked()
}

// destroyLocked removes an instance and runs its destroy hook.
// Caller holds s.mu.
func (s *Supervisor) destroyLocked(inst *instance, reason string) {
	delete(s.instances, inst.name)
	if destroyer, ok := inst.service.(Destroyer); ok {
		destroyer.OnDestroy()
	}
	s.logger.Info("service destroyed", "service", inst.identity, "reason", reason)
}

// checkAllDestroyedLocked exits the host once the instance table
// transitions to empty. Caller holds s.mu.
func (s *Supervisor) checkAllDestroyedLocked() {
	if len(s.instances) != 0 {
		return
	}
	for conn := range s.conns {
		conn.sendShutdown()
	}
	s.triggerShutdown("all services destroyed")
}

// forceStop destroys the named service regardless of its reference
// count. Idempotent: stopping a service that is not running is a
// no-op. Every connection holding bindings on the instance is sent a
// stopped event and its bindings are removed.
func (s *Supervisor) forceStop(identity ident.Identity, reason string) {
	s.mu.Lock()

	inst := s.instances[identity.Service()]
	if inst == nil {
		s.mu.Unlock()
		return
	}

	notify := s.dropBindingsLocked(inst)
	s.destroyLocked(inst, reason)
	s.mu.Unlock()

	for _, conn := range notify {
		conn.sendStopped(identity)
	}

	s.mu.Lock()
	s.checkAllDestroyedLocked()
	s.mu.Unlock()
}

// dropBindingsLocked removes every binding on inst across all
// connections and returns the connections that need a stopped event.
// Caller holds s.mu.
func (s *Supervisor) dropBindingsLocked(inst *instance) []*serveConn {
	var notify []*serveConn
	for conn := range s.conns {
		had := false
		for bindingID, bound := range conn.bindings {
			if bound == inst {
				delete(conn.bindings, bindingID)
				had = true
			}
		}
		if had {
			notify = append(notify, conn)
		}
	}
	inst.refs = 0
	return notify
}

// selfStop is the StopSelf entry point, invoked from a service's own
// goroutine.
func (s *Supervisor) selfStop(identity ident.Identity) {
	s.forceStop(identity, "stopSelf")
}

// forceStopAll destroys every remaining instance. Used on context
// cancellation so destroy hooks run on SIGTERM.
func (s *Supervisor) forceStopAll(reason string) {
	s.mu.Lock()
	remaining := make([]*instance, 0, len(s.instances))
	for _, inst := range s.instances {
		remaining = append(remaining, inst)
	}
	var notify []*serveConn
	for _, inst := range remaining {
		notify = append(notify, s.dropBindingsLocked(inst)...)
		s.destroyLocked(inst, reason)
	}
	s.mu.Unlock()

	for _, conn := range notify {
		conn.sendShutdown()
	}
}

// connClosed tears down a connection's state: every binding it held
// is released as if unbound (client death and unbind are the same
// event from the instance's perspective), and the host exits if the
// connection was the last one and nothing is hosted.
func (s *Supervisor) connClosed(c *serveConn) {
	s.mu.Lock()
	delete(s.conns, c)
	for bindingID, inst := range c.bindings {
		delete(c.bindings, bindingID)
		s.releaseLocked(inst)
	}
	if len(s.conns) == 0 && len(s.instances) == 0 {
		s.triggerShutdown("idle: no connections and no services")
	}
	s.mu.Unlock()
}
