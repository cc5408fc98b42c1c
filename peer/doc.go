// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package peer is the remote end of a duplex connection: it dials a
// route over WebSocket, applies the server's commands to an in-memory
// [Document], sends events, and answers every command that asks for a
// reply with exactly one data frame.
//
// [Peer.Run] keeps a session alive across failures, reconnecting with
// exponential backoff. It is used by the affinity-peer binary and by
// end-to-end tests.
package peer
