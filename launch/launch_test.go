// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package launch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/outpost-foundation/outpost/lib/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func TestTaskRunsOnce(t *testing.T) {
	calls := 0
	task := NewTask("launch test", func(context.Context) error {
		calls++
		return nil
	})

	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if calls != 1 {
		t.Fatalf("task body ran %d times, want 1", calls)
	}

	defer func() {
		if recover() == nil {
			t.Error("second Run did not panic")
		}
	}()
	task.Run(context.Background())
}

func TestTaskNoEffectUntilRun(t *testing.T) {
	ran := make(chan struct{}, 1)
	task := NewTask("deferred", func(context.Context) error {
		ran <- struct{}{}
		return nil
	})

	select {
	case <-ran:
		t.Fatal("task body ran before Run was called")
	case <-time.After(10 * time.Millisecond):
	}

	if err := task.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	testutil.RequireReceive(t, ran, time.Second, "task body after Run")
}

func TestTaskPropagatesError(t *testing.T) {
	launchFailure := errors.New("host would not start")
	task := NewTask("failing", func(context.Context) error {
		return launchFailure
	})
	if err := task.Run(context.Background()); !errors.Is(err, launchFailure) {
		t.Errorf("Run error = %v, want %v", err, launchFailure)
	}
}

func TestCommandLine(t *testing.T) {
	got := commandLine([]string{"sudo", "-n"}, "/usr/local/bin/backup-host", []string{"--run-dir", "/run/outpost"})
	want := []string{"sudo", "-n", "/usr/local/bin/backup-host", "--run-dir", "/run/outpost"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("commandLine = %v, want %v", got, want)
	}

	direct := commandLine(nil, "/bin/host", nil)
	if !reflect.DeepEqual(direct, []string{"/bin/host"}) {
		t.Errorf("commandLine without elevation = %v", direct)
	}
}

func TestCommandSpawnerStartsProcess(t *testing.T) {
	spawner := &CommandSpawner{Logger: testLogger()}
	if err := spawner.Spawn(context.Background(), "/bin/true", nil); err != nil {
		t.Fatalf("Spawn(/bin/true): %v", err)
	}
}

func TestCommandSpawnerMissingBinary(t *testing.T) {
	spawner := &CommandSpawner{Logger: testLogger()}
	err := spawner.Spawn(context.Background(), "/nonexistent/outpost-host", nil)
	if err == nil {
		t.Fatal("Spawn of missing binary succeeded, want error")
	}
}
