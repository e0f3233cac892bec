// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Outpost-call is the operator CLI for poking a hosted service: it
// binds the named service, performs one call, prints the result as
// JSON, and unbinds. With --stop it force-stops the service instead.
//
// The client configuration comes from --config or the OUTPOST_CONFIG
// environment variable. Binding launches the host if none is running,
// so a call against a cold application pays the launch cost.
//
// Usage:
//
//	outpost-call --service echo status
//	outpost-call --service echo --arg '"hello"' echo
//	outpost-call --service echo --stop
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/outpost-foundation/outpost/client"
	"github.com/outpost-foundation/outpost/lib/config"
	"github.com/outpost-foundation/outpost/lib/ident"
	"github.com/outpost-foundation/outpost/lib/process"
	"github.com/outpost-foundation/outpost/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

// bindOutcome is what the listener reports back to the main
// goroutine.
type bindOutcome struct {
	endpoint *client.Endpoint
	err      error
}

// cliListener bridges the callback interface to a channel for this
// strictly sequential tool.
type cliListener struct {
	outcome chan bindOutcome
}

func (l *cliListener) OnServiceConnected(identity ident.Identity, endpoint *client.Endpoint) {
	l.outcome <- bindOutcome{endpoint: endpoint}
}

func (l *cliListener) OnServiceDisconnected(identity ident.Identity) {
	// The call has the connection it needs by the time this can
	// fire; a lost connection surfaces as a call error.
}

func (l *cliListener) OnBindFailed(identity ident.Identity, err error) {
	l.outcome <- bindOutcome{err: err}
}

func run() error {
	var (
		configPath string
		service    string
		daemon     bool
		stop       bool
		argJSON    string
		extrasJSON string
		timeout    time.Duration
		verbose    bool
	)

	// Handle --version before flag parsing to match other Outpost
	// binaries.
	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("outpost-call")
		return nil
	}

	flagSet := pflag.NewFlagSet("outpost-call", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "client config file (default: $OUTPOST_CONFIG)")
	flagSet.StringVar(&service, "service", "", "service name to target (required)")
	flagSet.BoolVar(&daemon, "daemon", false, "request a daemon-mode instance on bind")
	flagSet.BoolVar(&stop, "stop", false, "force-stop the service instead of calling it")
	flagSet.StringVar(&argJSON, "arg", "", "call argument as JSON")
	flagSet.StringVar(&extrasJSON, "bind-arg", "", "bind extras as JSON, delivered to the service's bind hooks")
	flagSet.DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline for launch, bind, and call")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	if service == "" {
		return fmt.Errorf("--service is required")
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}

	manager, err := client.New(client.Options{Config: cfg, Logger: logger})
	if err != nil {
		return err
	}
	defer manager.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if stop {
		if flagSet.NArg() != 0 {
			return fmt.Errorf("--stop takes no action argument")
		}
		return manager.Stop(ctx, service)
	}

	if flagSet.NArg() != 1 {
		return fmt.Errorf("exactly one action argument is required (got %d)", flagSet.NArg())
	}
	action := flagSet.Arg(0)

	var arg any
	if argJSON != "" {
		if err := json.Unmarshal([]byte(argJSON), &arg); err != nil {
			return fmt.Errorf("parsing --arg as JSON: %w", err)
		}
	}

	var extras any
	if extrasJSON != "" {
		if err := json.Unmarshal([]byte(extrasJSON), &extras); err != nil {
			return fmt.Errorf("parsing --bind-arg as JSON: %w", err)
		}
	}

	listener := &cliListener{outcome: make(chan bindOutcome, 1)}
	request := client.Request{Service: service, Daemon: daemon, Extras: extras}
	if err := manager.Bind(request, listener); err != nil {
		return err
	}
	defer manager.Unbind(listener)

	var endpoint *client.Endpoint
	select {
	case outcome := <-listener.outcome:
		if outcome.err != nil {
			return outcome.err
		}
		endpoint = outcome.endpoint
	case <-ctx.Done():
		return fmt.Errorf("binding %s: %w", service, ctx.Err())
	}

	var result any
	if err := endpoint.Call(ctx, action, arg, &result); err != nil {
		return err
	}

	if result == nil {
		return nil
	}
	output, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("rendering result: %w", err)
	}
	fmt.Println(string(output))
	return nil
}
