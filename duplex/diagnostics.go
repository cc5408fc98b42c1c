// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package duplex

import (
	"log/slog"
	"time"

	"github.com/bureau-foundation/affinity/lib/clock"
)

// diagnostics is the development shim applied after every completed
// call. latency is zero outside development.
type diagnostics struct {
	clock         clock.Clock
	latency       time.Duration
	slowThreshold time.Duration
}

// observe reports a call that has just completed, padding its
// observed wait up to the configured latency.
func (d diagnostics) observe(logger *slog.Logger, call *pendingCall) {
	elapsed := d.clock.Now().Sub(call.created)
	if d.slowThreshold > 0 && elapsed > d.slowThreshold {
		logger.Warn("slow call",
			"etype", call.etype,
			"elapsed", elapsed,
			"threshold", d.slowThreshold,
		)
	}
	if d.latency > elapsed {
		d.clock.Sleep(d.latency - elapsed)
	}
}
