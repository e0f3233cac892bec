// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Outpost-echo-host is a sample host binary. It registers a single
// "echo" service and serves until the last instance is destroyed or
// SIGTERM arrives. Point a client config's host_binary at it to
// exercise the full launch, bind, call, and teardown path.
//
// The service exposes three actions:
//   - echo: returns its argument unchanged
//   - status: uptime, PID, and identity of the instance
//   - quit: stops the service from the inside via StopSelf
//
// The flags match what the client package passes when spawning a
// host; custom host binaries should accept the same set.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/outpost-foundation/outpost/host"
	"github.com/outpost-foundation/outpost/lib/ident"
	"github.com/outpost-foundation/outpost/lib/ipc"
	"github.com/outpost-foundation/outpost/lib/process"
	"github.com/outpost-foundation/outpost/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("outpost-echo-host")
		return nil
	}

	app := flag.String("app", "", "application name (required)")
	runDir := flag.String("run-dir", ident.DefaultRunDir, "runtime directory for socket and state files")
	ownerUID := flag.Int("owner-uid", os.Getuid(), "client UID accepted on the socket in addition to root")
	flag.Parse()

	if *app == "" {
		return fmt.Errorf("--app is required")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	// SIGTERM cancels the serve context; the supervisor force-stops
	// remaining services so their destroy hooks run before exit.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	supervisor := host.New(host.Options{
		App:      *app,
		RunDir:   *runDir,
		OwnerUID: *ownerUID,
		Logger:   logger,
	})
	supervisor.Register("echo", func() host.Service { return &echoService{} })
	return supervisor.Serve(ctx)
}

type echoService struct {
	host.Base
	startedAt time.Time
}

type statusResponse struct {
	Service       string  `cbor:"service"`
	PID           int     `cbor:"pid"`
	UptimeSeconds float64 `cbor:"uptime_seconds"`
	Daemon        bool    `cbor:"daemon"`
}

func (s *echoService) OnCreate() {
	s.startedAt = time.Now()
	s.Logger().Info("echo service created")
}

func (s *echoService) OnBind(request host.Request) host.Handler {
	daemon := request.Daemon

	mux := host.NewMux()
	mux.Handle("echo", func(_ context.Context, payload ipc.Payload) (any, error) {
		if payload.IsEmpty() {
			return nil, nil
		}
		var value any
		if err := payload.Decode(&value); err != nil {
			return nil, err
		}
		return value, nil
	})
	mux.Handle("status", func(_ context.Context, _ ipc.Payload) (any, error) {
		return statusResponse{
			Service:       s.Identity().String(),
			PID:           os.Getpid(),
			UptimeSeconds: time.Since(s.startedAt).Seconds(),
			Daemon:        daemon,
		}, nil
	})
	mux.Handle("quit", func(_ context.Context, _ ipc.Payload) (any, error) {
		s.StopSelf()
		return nil, nil
	})
	return mux
}

func (s *echoService) OnDestroy() {
	s.Logger().Info("echo service destroyed", "uptime", time.Since(s.startedAt))
}
