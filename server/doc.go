// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package server is the network runtime in front of a
// [duplex.Dispatcher]. It serves the configured routes on one HTTP
// listener: duplex routes are upgraded to WebSocket connections whose
// frames are fed to the dispatcher, and HTTP routes run their handler
// on the executor the route's mode selects.
//
// Pinned HTTP handlers run on the process-wide owner loop, so they may
// share state with pinned duplex handlers without locks. The request
// goroutine waits for the result and writes the response itself; a
// handler never touches the http.ResponseWriter. Dedicated HTTP
// handlers run on a pool worker, one private loop per request. Both
// see the request's context.
//
// The WebSocket subprotocol selects the frame codec: affinity.json
// (text messages) or affinity.cbor (binary). A client that offers
// neither gets JSON.
package server
