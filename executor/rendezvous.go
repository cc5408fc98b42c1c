// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import "context"

type rendezvousResult[T any] struct {
	value T
	err   error
}

// SubmitAndWait runs fn on executor and blocks until it has finished,
// returning its result. Panics in fn come back as *HandlerFault; errors
// come back unchanged.
//
// If ctx belongs to a work item already running on executor, fn runs
// inline: queueing it would wait on the caller's own queue forever.
//
// If ctx is cancelled first, SubmitAndWait returns ctx.Err(). The work
// stays queued and still runs to completion, since its side effects may
// already have begun; its result is dropped.
func SubmitAndWait[T any](ctx context.Context, executor Executor, fn func(ctx context.Context) (T, error)) (T, error) {
	if executor.Current(ctx) {
		return invoke(ctx, fn)
	}

	// Buffered so the executor never blocks delivering a result nobody
	// is waiting for.
	results := make(chan rendezvousResult[T], 1)
	err := executor.Submit(func(workContext context.Context) {
		value, err := invoke(workContext, fn)
		results <- rendezvousResult[T]{value: value, err: err}
	})
	if err != nil {
		var zero T
		return zero, err
	}

	select {
	case result := <-results:
		return result.value, result.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func invoke[T any](ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var value T
	err := Protect(func() error {
		var err error
		value, err = fn(ctx)
		return err
	})
	return value, err
}
