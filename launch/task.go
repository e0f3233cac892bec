// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package launch

import (
	"context"
	"sync/atomic"
)

// Task is a deferred, single-execution operation — launching the host
// to perform a bind, or to deliver a forced stop. A Task has no side
// effects until Run is called, and Run may be called exactly once.
//
// Tasks block on process startup and the IPC handshake, so they are
// meant to be run off the caller's main control flow; client.Bind
// schedules them on a background goroutine automatically, while
// client.BindOrTask hands the Task to the caller for explicit
// scheduling.
type Task struct {
	name string
	ran  atomic.Bool
	run  func(ctx context.Context) error
}

// NewTask wraps run in a single-shot Task. The name appears in the
// panic message if the Task is misused.
func NewTask(name string, run func(ctx context.Context) error) *Task {
	return &Task{name: name, run: run}
}

// Name identifies the task for logging.
func (t *Task) Name() string { return t.name }

// Run executes the task. Calling Run a second time is a programming
// error and panics: a Task captures one launch attempt, and retrying
// requires asking the client for a fresh Task so coalescing state
// stays consistent.
func (t *Task) Run(ctx context.Context) error {
	if !t.ran.CompareAndSwap(false, true) {
		panic("launch: task " + t.name + " executed twice")
	}
	return t.run(ctx)
}
