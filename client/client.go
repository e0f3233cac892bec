// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/outpost-foundation/outpost/launch"
	"github.com/outpost-foundation/outpost/lib/config"
)

// The process-wide default Manager behind the package-level facade.
// First use creates it; it lives until process exit.
var (
	defaultMu      sync.Mutex
	defaultManager *Manager
)

// Init creates the default Manager with explicit options. Optional:
// the first facade call otherwise initializes it from the config file
// named by OUTPOST_CONFIG. Calling Init after the default Manager
// exists is an error.
func Init(options Options) (*Manager, error) {
	manager, err := New(options)
	if err != nil {
		return nil, err
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultManager != nil {
		return nil, fmt.Errorf("client: default manager is already initialized")
	}
	defaultManager = manager
	return manager, nil
}

// Default returns the default Manager, creating it from OUTPOST_CONFIG
// on first use.
func Default() (*Manager, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultManager != nil {
		return defaultManager, nil
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	manager, err := New(Options{Config: cfg})
	if err != nil {
		return nil, err
	}
	defaultManager = manager
	return manager, nil
}

// Bind binds through the default Manager. See Manager.Bind.
func Bind(request Request, listener Listener) error {
	manager, err := Default()
	if err != nil {
		return err
	}
	return manager.Bind(request, listener)
}

// BindOrTask binds through the default Manager, returning the launch
// task instead of scheduling it. See Manager.BindOrTask.
func BindOrTask(request Request, listener Listener) (*launch.Task, error) {
	manager, err := Default()
	if err != nil {
		return nil, err
	}
	return manager.BindOrTask(request, listener)
}

// Unbind unbinds through the default Manager. See Manager.Unbind.
func Unbind(listener Listener) error {
	manager, err := Default()
	if err != nil {
		return err
	}
	manager.Unbind(listener)
	return nil
}

// Stop force-stops a service through the default Manager. See
// Manager.Stop.
func Stop(ctx context.Context, service string) error {
	manager, err := Default()
	if err != nil {
		return err
	}
	return manager.Stop(ctx, service)
}

// StopOrTask force-stops through the default Manager, returning the
// task instead of scheduling it. See Manager.StopOrTask.
func StopOrTask(service string) (*launch.Task, error) {
	manager, err := Default()
	if err != nil {
		return nil, err
	}
	return manager.StopOrTask(service)
}
