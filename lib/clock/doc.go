// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source.
//
// Everything in affinity that waits (call deadlines, idle worker reaping,
// the development latency shim) takes a [Clock] instead of calling the
// time package directly. Production code passes [Real]; tests pass
// [Fake] and drive time with [FakeClock.Advance].
//
// A goroutine that is about to block on a fake timer registers it first,
// so tests synchronize with [FakeClock.WaitForTimers] before advancing:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	go session.Call(ctx, command) // registers a 10s deadline
//	fake.WaitForTimers(1)
//	fake.Advance(10 * time.Second)
package clock
