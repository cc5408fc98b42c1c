// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/affinity/lib/clock"
	"github.com/bureau-foundation/affinity/lib/testutil"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestPoolBurstGetsOneWorkerPerTask(t *testing.T) {
	fakeClock := clock.Fake(epoch)
	pool := NewPool(time.Minute, fakeClock, testLogger())
	defer func() {
		pool.Close()
		pool.Wait()
	}()

	const count = 50
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(count)
	for i := 0; i < count; i++ {
		if err := pool.Go(func() {
			started.Done()
			<-release
		}); err != nil {
			t.Fatalf("Go: %v", err)
		}
	}
	started.Wait()

	stats := pool.Stats()
	if stats.Workers != count || stats.Spawned != count {
		t.Errorf("stats = %+v, want %d workers", stats, count)
	}
	close(release)
}

func TestPoolReusesIdleWorker(t *testing.T) {
	fakeClock := clock.Fake(epoch)
	pool := NewPool(time.Minute, fakeClock, testLogger())
	defer func() {
		pool.Close()
		pool.Wait()
	}()

	first := make(chan struct{})
	pool.Go(func() { close(first) })
	testutil.RequireClosed(t, first, 5*time.Second, "first task")

	// The worker registers its idle timer once it is parked.
	fakeClock.WaitForTimers(1)

	second := make(chan struct{})
	pool.Go(func() { close(second) })
	testutil.RequireClosed(t, second, 5*time.Second, "second task")

	if stats := pool.Stats(); stats.Spawned != 1 {
		t.Errorf("Spawned = %d, want 1 (idle worker reused)", stats.Spawned)
	}
}

func TestPoolReapsIdleWorkers(t *testing.T) {
	fakeClock := clock.Fake(epoch)
	pool := NewPool(30*time.Second, fakeClock, testLogger())

	for i := 0; i < 3; i++ {
		pool.Go(func() {})
	}
	fakeClock.WaitForTimers(3)
	if stats := pool.Stats(); stats.Idle != 3 {
		t.Fatalf("Idle = %d, want 3", stats.Idle)
	}

	fakeClock.Advance(29 * time.Second)
	if stats := pool.Stats(); stats.Workers != 3 {
		t.Fatalf("workers reaped early: %+v", stats)
	}

	fakeClock.Advance(time.Second)
	exited := make(chan struct{})
	go func() {
		pool.Wait()
		close(exited)
	}()
	testutil.RequireClosed(t, exited, 5*time.Second, "idle workers not reaped")
	if stats := pool.Stats(); stats.Workers != 0 {
		t.Errorf("Workers = %d after reap", stats.Workers)
	}
	pool.Close()
}

func TestPoolSurvivesPanickingTask(t *testing.T) {
	fakeClock := clock.Fake(epoch)
	pool := NewPool(time.Minute, fakeClock, testLogger())
	defer func() {
		pool.Close()
		pool.Wait()
	}()

	pool.Go(func() { panic("connection handler bug") })
	fakeClock.WaitForTimers(1)

	ran := make(chan struct{})
	pool.Go(func() { close(ran) })
	testutil.RequireClosed(t, ran, 5*time.Second, "task after panic")
	if stats := pool.Stats(); stats.Spawned != 1 {
		t.Errorf("Spawned = %d, want the panicking worker reused", stats.Spawned)
	}
}

func TestPoolClose(t *testing.T) {
	fakeClock := clock.Fake(epoch)
	pool := NewPool(time.Minute, fakeClock, testLogger())

	release := make(chan struct{})
	finished := make(chan struct{})
	pool.Go(func() {
		<-release
		close(finished)
	})

	pool.Close()
	pool.Close()
	if err := pool.Go(func() {}); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Go after Close = %v, want ErrPoolClosed", err)
	}

	// A running task finishes before its worker exits.
	close(release)
	testutil.RequireClosed(t, finished, 5*time.Second, "running task")
	exited := make(chan struct{})
	go func() {
		pool.Wait()
		close(exited)
	}()
	testutil.RequireClosed(t, exited, 5*time.Second, "workers did not exit after Close")
}
