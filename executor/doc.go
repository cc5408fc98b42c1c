// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package executor provides the sequential executors that give handler
// code its single-threaded execution guarantee.
//
// An [Executor] accepts [Work] items and runs them one at a time, in
// submission order, on a goroutine it owns. Two executors exist:
//
//   - [Loop] is a private unbounded queue drained by whichever goroutine
//     calls [Loop.Run]. A dedicated duplex connection owns one for its
//     lifetime and runs it on a worker from a [Pool].
//   - [OwnerLoop] wraps a Loop with its own goroutine and serves every
//     pinned connection and pinned HTTP route in the process, so their
//     handler code is totally ordered.
//
// Network goroutines never run handler code. They submit work and, when
// they need the result, wait for it with [SubmitAndWait]. Which executor
// is running is carried in the work item's context rather than in any
// global: [Executor.Current] reports whether a context was handed out by
// that executor, and SubmitAndWait runs the work inline in that case
// instead of deadlocking on its own queue.
//
// A panic in a work item is recovered at the executor boundary and
// logged as a [HandlerFault]; it never stops the loop.
//
// [Pool] supplies goroutines to dedicated connections. It has no upper
// bound: a burst of connections gets one worker each. Workers that stay
// idle for the configured timeout exit.
package executor
