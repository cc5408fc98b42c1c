// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec defines the affinity wire schema and its two encodings.
//
// The server pushes [Command] values to the peer and reads [Frame]
// values back. A flush sends every buffered command as one message, so
// the command side of the protocol is always an array:
//
//	[{"etype": "set", "id": "title", "prop": "text", "value": "hi"}]
//
// Inbound frames are single objects:
//
//	{"type": "event", "event": "click", "params": {"x": 1}}
//	{"type": "data", "data": 42}
//	{"type": "control", "control": "ping"}
//
// Frames carry no correlation id. A data frame answers the oldest
// command sent with Reply set that has not been answered yet.
//
// Two codecs implement the schema: [JSON] over WebSocket text messages
// and [CBOR] over binary messages. The peer picks one by WebSocket
// subprotocol; [ForSubprotocol] maps the negotiated name back to a
// codec. Types use `json` tags only: fxamacker/cbor reads them as a
// fallback, so one tag set names fields identically in both formats.
package codec
