// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package duplex

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCallTimeout is matched by every *CallTimeoutError.
	ErrCallTimeout = errors.New("duplex: call timed out")

	// ErrConnectionClosed completes every call outstanding when a
	// connection closes, and every call or send attempted afterwards.
	ErrConnectionClosed = errors.New("duplex: connection closed")

	// ErrConcurrentCall is returned when a second call is issued on a
	// connection while one is still waiting. Replies are matched to
	// calls by position, so calls on one connection must be strictly
	// one at a time.
	ErrConcurrentCall = errors.New("duplex: concurrent call on connection")

	// ErrProtocol is matched by every *ProtocolError.
	ErrProtocol = errors.New("duplex: protocol error")

	// ErrServerShutdown is the close reason given to handlers when the
	// dispatcher shuts down.
	ErrServerShutdown = errors.New("duplex: server shutting down")
)

// CallTimeoutError reports a call whose reply did not arrive in time.
// The connection stays open; a late reply is absorbed by the timed-out
// call and never reaches a later one.
type CallTimeoutError struct {
	// Etype is the command that was sent.
	Etype string
	// Timeout is the deadline that elapsed.
	Timeout time.Duration
}

func (e *CallTimeoutError) Error() string {
	return fmt.Sprintf("duplex: call %q timed out after %s", e.Etype, e.Timeout)
}

func (e *CallTimeoutError) Is(target error) bool { return target == ErrCallTimeout }

// ProtocolError reports a frame that could not be accepted. The frame
// is dropped; the connection closes only when they repeat too often.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string { return "duplex: protocol error: " + e.Err.Error() }

func (e *ProtocolError) Unwrap() error { return e.Err }

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }
