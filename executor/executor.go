// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"errors"
)

// Work is one deferred unit of execution. The context identifies the
// executor running it; pass it to SubmitAndWait and Executor.Current.
type Work func(ctx context.Context)

// Executor runs Work items sequentially in submission order.
type Executor interface {
	// Submit queues work and returns without waiting for it. It fails
	// once the executor is stopping or not running.
	Submit(work Work) error

	// Current reports whether ctx belongs to a work item running on
	// this executor.
	Current(ctx context.Context) bool
}

var (
	// ErrStopped is returned by Submit and Stop after Stop has been
	// requested.
	ErrStopped = errors.New("executor: stopped")

	// ErrAlreadyRunning is returned when a second goroutine tries to
	// drain a Loop.
	ErrAlreadyRunning = errors.New("executor: loop is already running")

	// ErrNotRunning is returned by OwnerLoop operations that need the
	// owner goroutine when none is running.
	ErrNotRunning = errors.New("executor: owner loop is not running")

	// ErrPoolClosed is returned by Pool.Go after Close.
	ErrPoolClosed = errors.New("executor: pool closed")
)

type executorKey struct{}

// withExecutor returns a context identifying executor as the one
// running the work that receives it.
func withExecutor(ctx context.Context, executor Executor) context.Context {
	return context.WithValue(ctx, executorKey{}, executor)
}

// FromContext returns the executor running the work item that received
// ctx, or nil if ctx was not handed out by an executor.
func FromContext(ctx context.Context) Executor {
	executor, _ := ctx.Value(executorKey{}).(Executor)
	return executor
}

// Bind returns parent carrying the executor identity of work. The
// result keeps parent's deadline, cancellation and values, so a request
// context can reach code running on an executor while Current and
// SubmitAndWait still recognize the executor.
func Bind(parent, work context.Context) context.Context {
	executor := FromContext(work)
	if executor == nil {
		return parent
	}
	return withExecutor(parent, executor)
}
