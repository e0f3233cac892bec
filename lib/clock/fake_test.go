// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func TestFakeNowAdvance(t *testing.T) {
	fake := Fake(epoch)
	if !fake.Now().Equal(epoch) {
		t.Errorf("Now = %v, want %v", fake.Now(), epoch)
	}
	fake.Advance(90 * time.Second)
	if want := epoch.Add(90 * time.Second); !fake.Now().Equal(want) {
		t.Errorf("Now after Advance = %v, want %v", fake.Now(), want)
	}
}

func TestFakeAfterFiresInDeadlineOrder(t *testing.T) {
	fake := Fake(epoch)

	late := fake.After(10 * time.Second)
	early := fake.After(1 * time.Second)

	fake.Advance(5 * time.Second)
	select {
	case <-early:
	default:
		t.Fatal("early waiter did not fire after Advance past its deadline")
	}
	select {
	case <-late:
		t.Fatal("late waiter fired before its deadline")
	default:
	}

	fake.Advance(5 * time.Second)
	select {
	case <-late:
	default:
		t.Fatal("late waiter did not fire at its deadline")
	}
}

func TestFakeAfterNonPositive(t *testing.T) {
	fake := Fake(epoch)
	select {
	case <-fake.After(0):
	default:
		t.Fatal("After(0) did not fire immediately")
	}
}

func TestFakeSleepUnblocksOnAdvance(t *testing.T) {
	fake := Fake(epoch)

	done := make(chan struct{})
	go func() {
		fake.Sleep(3 * time.Second)
		close(done)
	}()

	fake.AwaitWaiters(1)
	select {
	case <-done:
		t.Fatal("Sleep returned before Advance")
	default:
	}

	fake.Advance(3 * time.Second)
	<-done
}
