// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package duplex runs application handlers behind persistent
// bidirectional connections.
//
// The network runtime reports accepted connections, inbound frames and
// closes to a [Dispatcher]. The dispatcher hands every handler callback
// for a connection to one sequential executor: the process-wide
// [executor.OwnerLoop] for pinned routes, or a private [executor.Loop]
// on a pooled worker for dedicated routes. Callbacks for one connection
// therefore never overlap and see events in arrival order.
//
// Handlers push commands with [Connection.Send]. Commands are buffered
// and written as one message at flush points: the end of each event,
// an explicit [Connection.Flush], and before every call.
//
// [Connection.Call] sends a request and blocks the handler until the
// peer answers with a data frame. Replies carry no identifier; they are
// matched to calls in FIFO order, and only one call may be outstanding
// per connection. A call that times out stays queued so a late reply is
// retired against it rather than satisfying the next call.
//
// Each connection goes through Connecting, Open, Closing and Closed
// exactly once. Whichever close path wins (peer close, transport error,
// server close, shutdown, repeated protocol errors) drains outstanding
// calls with [ErrConnectionClosed] and queues the handler's
// Disconnected behind any event still running.
package duplex
