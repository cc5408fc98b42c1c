// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// CBOR is the binary codec, sent as WebSocket binary messages.
var CBOR Codec = cborCodec{}

// encMode uses Core Deterministic Encoding (RFC 8949 §4.2) so that the
// same batch always produces the same bytes.
var encMode cbor.EncMode

// decMode decodes untyped maps as map[string]any, matching what
// encoding/json produces for the same payload. Unknown fields are
// ignored.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

type cborCodec struct{}

func (cborCodec) Name() string        { return "cbor" }
func (cborCodec) Subprotocol() string { return "affinity.cbor" }
func (cborCodec) Binary() bool        { return true }

func (cborCodec) EncodeCommands(commands []Command) ([]byte, error) {
	if commands == nil {
		commands = []Command{}
	}
	return encMode.Marshal(commands)
}

func (cborCodec) DecodeCommands(data []byte) ([]Command, error) {
	var commands []Command
	if err := decMode.Unmarshal(data, &commands); err != nil {
		return nil, err
	}
	return commands, nil
}

func (cborCodec) EncodeFrame(frame Frame) ([]byte, error) {
	return encMode.Marshal(frame)
}

func (cborCodec) DecodeFrame(data []byte) (Frame, error) {
	return decodeFrame(data, decMode.Unmarshal)
}
