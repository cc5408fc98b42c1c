// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"errors"
	"fmt"
)

// Command is one outbound instruction for the peer's rendering layer.
type Command struct {
	// Etype names the operation the peer performs ("set", "append",
	// "get", "pong", ...). Required.
	Etype string `json:"etype"`

	// ID addresses the target element on the peer.
	ID string `json:"id,omitempty"`

	// Prop names the property of the target element.
	Prop string `json:"prop,omitempty"`

	// Value is the operand. Any JSON-compatible value. Always encoded,
	// since "set" with a zero value is meaningful.
	Value any `json:"value"`

	// Reply asks the peer to answer with exactly one data frame.
	// Set only by synchronous calls.
	Reply bool `json:"reply,omitempty"`
}

// FrameType discriminates the inbound frame variants.
type FrameType string

const (
	// FrameEvent carries a named event with parameters from the peer.
	FrameEvent FrameType = "event"

	// FrameData answers the oldest outstanding call.
	FrameData FrameType = "data"

	// FrameControl carries a transport-level instruction.
	FrameControl FrameType = "control"
)

// Control subtypes carried by FrameControl.
const (
	// ControlPing asks the server to answer with a "pong" command.
	ControlPing = "ping"

	// ControlClose asks the server to close the connection gracefully.
	ControlClose = "close"
)

// Frame is one inbound message from the peer.
type Frame struct {
	Type    FrameType      `json:"type"`
	Event   string         `json:"event,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
	Data    any            `json:"data,omitempty"`
	Control string         `json:"control,omitempty"`
}

// ErrInvalidFrame is wrapped by every schema violation reported by
// Frame.Validate and the codecs' DecodeFrame.
var ErrInvalidFrame = errors.New("invalid frame")

// Validate checks that the fields required by the frame's type are
// present.
func (f Frame) Validate() error {
	switch f.Type {
	case FrameEvent:
		if f.Event == "" {
			return fmt.Errorf("%w: event frame without event name", ErrInvalidFrame)
		}
	case FrameData:
	case FrameControl:
		switch f.Control {
		case ControlPing, ControlClose:
		default:
			return fmt.Errorf("%w: unknown control subtype %q", ErrInvalidFrame, f.Control)
		}
	case "":
		return fmt.Errorf("%w: missing type", ErrInvalidFrame)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidFrame, f.Type)
	}
	return nil
}

// Codec encodes commands and decodes frames for one wire format. The
// reverse direction (EncodeFrame, DecodeCommands) is what a peer uses.
type Codec interface {
	// Name is the short name used in configuration and logs.
	Name() string

	// Subprotocol is the WebSocket subprotocol that selects this codec.
	Subprotocol() string

	// Binary reports whether messages are sent as binary (true) or
	// text (false) WebSocket messages.
	Binary() bool

	EncodeCommands(commands []Command) ([]byte, error)
	DecodeCommands(data []byte) ([]Command, error)
	EncodeFrame(frame Frame) ([]byte, error)
	DecodeFrame(data []byte) (Frame, error)
}

var codecs = []Codec{JSON, CBOR}

// ForSubprotocol returns the codec negotiated by a WebSocket
// subprotocol. An empty name selects JSON.
func ForSubprotocol(name string) (Codec, bool) {
	if name == "" {
		return JSON, true
	}
	for _, codec := range codecs {
		if codec.Subprotocol() == name {
			return codec, true
		}
	}
	return nil, false
}

// ForName returns the codec with the given Name.
func ForName(name string) (Codec, bool) {
	for _, codec := range codecs {
		if codec.Name() == name {
			return codec, true
		}
	}
	return nil, false
}

// Subprotocols lists the subprotocols of every codec, JSON first.
func Subprotocols() []string {
	names := make([]string, len(codecs))
	for i, codec := range codecs {
		names[i] = codec.Subprotocol()
	}
	return names
}

func decodeFrame(data []byte, unmarshal func([]byte, any) error) (Frame, error) {
	var frame Frame
	if err := unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := frame.Validate(); err != nil {
		return Frame{}, err
	}
	return frame, nil
}
