// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import "time"

// Clock abstracts the time operations used by affinity.
type Clock interface {
	// Now returns the current time.
	Now() time.Time

	// After returns a channel that receives the current time once d
	// has elapsed. If d <= 0 the channel is ready immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer can
	// cancel the call. If d <= 0, f runs immediately (in a new
	// goroutine for the real clock, synchronously for the fake).
	AfterFunc(d time.Duration, f func()) *Timer

	// Sleep blocks the calling goroutine for at least d.
	Sleep(d time.Duration)
}

// Timer is a cancellable pending AfterFunc call.
type Timer struct {
	stop func() bool
}

// Stop cancels the timer. It reports whether the call prevented f
// from running; false means f already ran or the timer was stopped.
func (t *Timer) Stop() bool { return t.stop() }
