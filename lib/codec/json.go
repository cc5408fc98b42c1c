// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import "encoding/json"

// JSON is the default codec, sent as WebSocket text messages.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Name() string        { return "json" }
func (jsonCodec) Subprotocol() string { return "affinity.json" }
func (jsonCodec) Binary() bool        { return false }

func (jsonCodec) EncodeCommands(commands []Command) ([]byte, error) {
	if commands == nil {
		commands = []Command{}
	}
	return json.Marshal(commands)
}

func (jsonCodec) DecodeCommands(data []byte) ([]Command, error) {
	var commands []Command
	if err := json.Unmarshal(data, &commands); err != nil {
		return nil, err
	}
	return commands, nil
}

func (jsonCodec) EncodeFrame(frame Frame) ([]byte, error) {
	return json.Marshal(frame)
}

func (jsonCodec) DecodeFrame(data []byte) (Frame, error) {
	return decodeFrame(data, json.Unmarshal)
}
