// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/outpost-foundation/outpost/lib/ident"
	"github.com/outpost-foundation/outpost/lib/ipc"
)

// Request is the bind information delivered to service lifecycle
// hooks. One Request is constructed per bind frame.
type Request struct {
	// Identity names the service being bound.
	Identity ident.Identity

	// Daemon is the daemon-mode marker from the bind request. Only
	// the Request that creates the instance determines the
	// instance's daemon flag; on later binds this field reports what
	// the client asked for, which may differ from the instance's
	// actual flag.
	Daemon bool

	// Extras is arbitrary application-defined data from the bind
	// request. Empty when the client sent none.
	Extras ipc.Payload
}

// ActionFunc processes one call to a service action. The payload is
// the caller's argument value; decode it with payload.Decode. Return
// a value to send back to the caller, or an error for a failure
// response. A nil return value produces an empty result.
type ActionFunc func(ctx context.Context, payload ipc.Payload) (any, error)

// Handler dispatches calls on a bound service. Most services use
// [Mux]; the interface exists for services that route actions
// themselves.
type Handler interface {
	HandleAction(ctx context.Context, action string, payload ipc.Payload) (any, error)
}

// Mux routes actions to registered ActionFuncs. Unknown actions
// receive an error response.
type Mux struct {
	handlers map[string]ActionFunc
}

// NewMux returns an empty action mux.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]ActionFunc)}
}

// Handle registers a handler for the given action name. Panics if the
// action is already registered.
func (m *Mux) Handle(action string, handler ActionFunc) {
	if _, exists := m.handlers[action]; exists {
		panic(fmt.Sprintf("host.Mux: duplicate handler for action %q", action))
	}
	m.handlers[action] = handler
}

// HandleAction implements Handler.
func (m *Mux) HandleAction(ctx context.Context, action string, payload ipc.Payload) (any, error) {
	handler, exists := m.handlers[action]
	if !exists {
		return nil, fmt.Errorf("unknown action %q", action)
	}
	return handler(ctx, payload)
}

// Service is the contract every hosted service implements. OnBind is
// the one required hook: it returns the Handler that will serve calls
// on this instance. Returning nil is a defect in the service
// implementation, not a runtime condition — the supervisor treats it
// as fatal.
//
// OnBind is called once per instance lifetime, when the first binding
// is established. Additional bindings reuse the same Handler; a
// rebind after keep-alive goes through [Rebinder] instead.
type Service interface {
	OnBind(request Request) Handler
}

// Creator is implemented by services that need setup before their
// first bind. OnCreate runs exactly once per instance, before OnBind.
type Creator interface {
	OnCreate()
}

// Unbinder is implemented by services that want to know when their
// last binding is released. Returning true opts the instance into
// keep-alive: it is not destroyed, and the next bind calls OnRebind
// instead of recreating it. Returning false (or not implementing
// Unbinder) lets a non-daemon instance be destroyed normally.
//
// Daemon instances receive OnUnbind too, but survive regardless of
// the return value.
type Unbinder interface {
	OnUnbind(request Request) bool
}

// Rebinder is implemented by services that opt into keep-alive and
// want to observe the next bind. OnRebind is called instead of OnBind
// when a kept-alive instance gains its first new binding.
type Rebinder interface {
	OnRebind(request Request)
}

// Destroyer is implemented by services that need teardown. OnDestroy
// runs exactly once, when the instance is destroyed — whether by
// reference count, forced stop, StopSelf, or host shutdown.
type Destroyer interface {
	OnDestroy()
}

// Base provides the supervisor-wired capabilities available to every
// service instance: its identity, a logger scoped to the instance,
// and StopSelf. Embed it by value in the service struct; the
// supervisor attaches it when the instance is created.
type Base struct {
	identity ident.Identity
	logger   *slog.Logger
	stop     func()
}

// attachable is how the supervisor finds the embedded Base.
type attachable interface {
	attach(identity ident.Identity, logger *slog.Logger, stop func())
}

func (b *Base) attach(identity ident.Identity, logger *slog.Logger, stop func()) {
	b.identity = identity
	b.logger = logger
	b.stop = stop
}

// Identity returns the identity this instance is hosted under.
func (b *Base) Identity() ident.Identity { return b.identity }

// Logger returns a logger carrying the instance's identity.
func (b *Base) Logger() *slog.Logger { return b.logger }

// StopSelf force-stops this service instance, exactly as an external
// stop request would: OnDestroy runs, every client with a binding is
// notified, and if this was the last live instance the host exits.
//
// The stop is asynchronous — it is safe to call from any lifecycle
// hook or action handler, and it returns before the destroy runs.
func (b *Base) StopSelf() {
	if b.stop == nil {
		return
	}
	go b.stop()
}
