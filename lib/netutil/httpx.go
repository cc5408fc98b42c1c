// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil holds small network helpers shared by the server and
// the peer.
//
// Response helpers bound every body read at MaxResponseSize so a
// misbehaving server cannot exhaust memory. They are meant for small
// JSON bodies such as the health endpoint, not for streaming.
//
// IsExpectedCloseError classifies the errors seen during normal
// connection teardown, including WebSocket close frames.
package netutil

import (
	"encoding/json"
	"fmt"
	"io"
)

// MaxResponseSize bounds response body reads: 1 MiB.
const MaxResponseSize int64 = 1 << 20

// ReadResponse reads a response body up to MaxResponseSize bytes.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// DecodeResponse reads a bounded response body and JSON-decodes it
// into v.
func DecodeResponse(body io.Reader, v any) error {
	data, err := ReadResponse(body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	return json.Unmarshal(data, v)
}

// ErrorBody returns a response body as a string for error messages.
// Read errors are ignored; a partial body is still useful.
func ErrorBody(body io.Reader) string {
	data, _ := ReadResponse(body)
	return string(data)
}
