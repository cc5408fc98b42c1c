// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"log/slog"
	"sync"
)

// OwnerLoop is the process-wide sequential executor behind pinned
// routes. It owns one goroutine between Start and Stop.
type OwnerLoop struct {
	logger *slog.Logger

	mu   sync.Mutex
	loop *Loop
	done chan struct{}
}

// NewOwnerLoop creates a stopped owner loop.
func NewOwnerLoop(logger *slog.Logger) *OwnerLoop {
	return &OwnerLoop{logger: logger}
}

// Start launches the owner goroutine. Calling Start while it is running
// does nothing. After Stop, Start launches a fresh loop.
func (o *OwnerLoop) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.loop != nil {
		return
	}

	loop := NewLoop("owner", o.logger)
	done := make(chan struct{})
	o.loop = loop
	o.done = done

	go func() {
		defer close(done)
		// Run only fails when the loop is already being drained, and
		// this loop was created above.
		_ = loop.Run(ctx)
	}()
	o.logger.Debug("owner loop started")
}

// Stop queues the stop marker behind all submitted work and waits for
// the owner goroutine to exit. Returns ErrNotRunning if no goroutine
// owns the loop.
//
// Called from work running on the owner loop (ctx is that work's
// context), Stop queues the marker and returns without waiting, since
// the caller's own goroutine is the one that has to exit.
func (o *OwnerLoop) Stop(ctx context.Context) error {
	self := o.Current(ctx)

	o.mu.Lock()
	loop, done := o.loop, o.done
	o.loop, o.done = nil, nil
	o.mu.Unlock()

	if loop == nil {
		return ErrNotRunning
	}
	if err := loop.Stop(); err != nil {
		return err
	}
	if self {
		o.logger.Debug("owner loop stopping from its own work")
		return nil
	}
	<-done
	o.logger.Debug("owner loop stopped")
	return nil
}

// Running reports whether the owner goroutine is active.
func (o *OwnerLoop) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loop != nil
}

// Submit queues work on the owner goroutine.
func (o *OwnerLoop) Submit(work Work) error {
	o.mu.Lock()
	loop := o.loop
	o.mu.Unlock()
	if loop == nil {
		return ErrNotRunning
	}
	return loop.Submit(work)
}

// Current reports whether ctx belongs to work running on the owner
// goroutine.
func (o *OwnerLoop) Current(ctx context.Context) bool {
	loop, ok := FromContext(ctx).(*Loop)
	if !ok {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return loop == o.loop
}
