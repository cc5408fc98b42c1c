// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package duplex

import "context"

// Event is one event frame delivered to a handler.
type Event struct {
	Name   string
	Params map[string]any
}

// Handler is the application logic behind one duplex connection. Every
// method runs on the connection's executor, one at a time. Handlers on
// pinned routes additionally never run concurrently with any other
// pinned handler in the process, so they may share unsynchronized
// state.
//
// ctx identifies the executor; pass it to Connection.Call.
type Handler interface {
	// Initialize runs once, before any event. An error or panic here
	// closes the connection.
	Initialize(ctx context.Context, conn *Connection) error

	// HandleEvent runs once per event frame, in arrival order. Commands
	// sent during the call are flushed when it returns. An error or
	// panic is logged and the connection stays open. An event that
	// arrived before the connection closed still runs; from then on
	// Send, Flush and Call return ErrConnectionClosed.
	HandleEvent(ctx context.Context, conn *Connection, event Event) error

	// Disconnected runs exactly once, after every event that was
	// queued before the close. reason is nil for a clean close.
	// Initialize may not have run if the peer left during the
	// handshake.
	Disconnected(ctx context.Context, conn *Connection, reason error)
}

// Factory creates the handler for a newly accepted connection.
type Factory func() Handler
