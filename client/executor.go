// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package client

import "sync"

// Executor dispatches listener callbacks. Execute must not block the
// caller; the Manager invokes it from its connection goroutines.
type Executor interface {
	Execute(f func())
}

// SerialExecutor runs callbacks one at a time, in submission order,
// on a background goroutine. This is the default executor: it gives
// listeners the single-logical-thread callback model without tying
// them to any particular goroutine of the application.
type SerialExecutor struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func NewSerialExecutor() *SerialExecutor {
	return &SerialExecutor{}
}

func (e *SerialExecutor) Execute(f func()) {
	e.mu.Lock()
	e.queue = append(e.queue, f)
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()
	go e.drain()
}

func (e *SerialExecutor) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.running = false
			e.mu.Unlock()
			return
		}
		f := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()
		f()
	}
}
