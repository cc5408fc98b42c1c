// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// loopEntry is one queue slot: a work item, or the stop marker.
type loopEntry struct {
	work Work
	stop bool
}

// Loop is a sequential executor backed by an unbounded FIFO queue.
// Submit never blocks, so a network goroutine can always hand a frame
// off. The queue is drained by the single goroutine that calls Run.
type Loop struct {
	name   string
	logger *slog.Logger

	mu       sync.Mutex
	queue    []loopEntry
	stopping bool

	// wake holds at most one pending wakeup for the draining goroutine.
	wake chan struct{}

	running  atomic.Bool
	executed atomic.Uint64
}

// NewLoop creates a loop. Nothing runs until a goroutine calls Run.
func NewLoop(name string, logger *slog.Logger) *Loop {
	return &Loop{
		name:   name,
		logger: logger.With("loop", name),
		wake:   make(chan struct{}, 1),
	}
}

// Name returns the loop's name.
func (l *Loop) Name() string { return l.name }

// Submit appends work to the queue. Work submitted before the loop
// starts runs once Run is called. Fails with ErrStopped after Stop.
func (l *Loop) Submit(work Work) error {
	return l.enqueue(loopEntry{work: work})
}

// Stop queues the stop marker behind every item already submitted.
// Run returns after executing those items. Submit fails from this point
// on, so the marker is always the last entry.
func (l *Loop) Stop() error {
	return l.enqueue(loopEntry{stop: true})
}

func (l *Loop) enqueue(entry loopEntry) error {
	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		return ErrStopped
	}
	if entry.stop {
		l.stopping = true
	}
	l.queue = append(l.queue, entry)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Current reports whether ctx was handed to a work item by this loop.
func (l *Loop) Current(ctx context.Context) bool {
	return FromContext(ctx) == Executor(l)
}

// Pending returns the number of queued entries not yet started.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Executed returns the number of work items run so far.
func (l *Loop) Executed() uint64 { return l.executed.Load() }

// Run drains the queue on the calling goroutine until the stop marker
// is reached. Each work item receives a context derived from ctx that
// identifies this loop. Cancelling ctx does not end the loop; only Stop
// does, so queued work is never abandoned.
func (l *Loop) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer l.running.Store(false)

	workContext := withExecutor(ctx, l)
	for {
		entry := l.next()
		if entry.stop {
			l.logger.Debug("loop stopped", "executed", l.executed.Load())
			return nil
		}
		l.execute(workContext, entry.work)
	}
}

// next blocks until an entry is available and removes it.
func (l *Loop) next() loopEntry {
	for {
		l.mu.Lock()
		if len(l.queue) > 0 {
			entry := l.queue[0]
			l.queue[0] = loopEntry{}
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return entry
		}
		l.mu.Unlock()
		<-l.wake
	}
}

// execute runs one work item, containing any panic it raises.
func (l *Loop) execute(ctx context.Context, work Work) {
	defer l.executed.Add(1)
	err := Protect(func() error {
		work(ctx)
		return nil
	})
	if err != nil {
		fault := AsFault(err)
		l.logger.Error("work item panicked",
			"error", fault,
			"stack", string(fault.Stack),
		)
	}
}
