// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"errors"
	"testing"
)

func TestDecodeFrameValidation(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"event", `{"type":"event","event":"click","params":{"x":1}}`, false},
		{"data", `{"type":"data","data":"hello"}`, false},
		{"data without value", `{"type":"data"}`, false},
		{"ping", `{"type":"control","control":"ping"}`, false},
		{"close", `{"type":"control","control":"close"}`, false},
		{"event without name", `{"type":"event"}`, true},
		{"unknown control", `{"type":"control","control":"reboot"}`, true},
		{"missing type", `{"event":"click"}`, true},
		{"unknown type", `{"type":"rpc"}`, true},
		{"not json", `{"type":`, true},
		{"array", `[1,2,3]`, true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := JSON.DecodeFrame([]byte(test.input))
			if test.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if !errors.Is(err, ErrInvalidFrame) {
					t.Errorf("error %v does not wrap ErrInvalidFrame", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeFrame: %v", err)
			}
		})
	}
}

func TestCodecsCarrySameSchema(t *testing.T) {
	for _, codec := range []Codec{JSON, CBOR} {
		t.Run(codec.Name(), func(t *testing.T) {
			data, err := codec.EncodeFrame(Frame{
				Type:   FrameEvent,
				Event:  "submit",
				Params: map[string]any{"name": "ada"},
			})
			if err != nil {
				t.Fatalf("EncodeFrame: %v", err)
			}
			frame, err := codec.DecodeFrame(data)
			if err != nil {
				t.Fatalf("DecodeFrame: %v", err)
			}
			if frame.Type != FrameEvent || frame.Event != "submit" {
				t.Errorf("frame = %+v", frame)
			}
			if name, _ := frame.Params["name"].(string); name != "ada" {
				t.Errorf("params[name] = %v, want ada", frame.Params["name"])
			}

			batch, err := codec.EncodeCommands([]Command{
				{Etype: "set", ID: "title", Prop: "text", Value: "hi"},
				{Etype: "get", ID: "field", Prop: "value", Reply: true},
			})
			if err != nil {
				t.Fatalf("EncodeCommands: %v", err)
			}
			commands, err := codec.DecodeCommands(batch)
			if err != nil {
				t.Fatalf("DecodeCommands: %v", err)
			}
			if len(commands) != 2 {
				t.Fatalf("decoded %d commands, want 2", len(commands))
			}
			if commands[0].Reply || !commands[1].Reply {
				t.Errorf("reply flags = %v, %v", commands[0].Reply, commands[1].Reply)
			}
			if value, _ := commands[0].Value.(string); value != "hi" {
				t.Errorf("value = %v, want hi", commands[0].Value)
			}
		})
	}
}

func TestEncodeEmptyBatch(t *testing.T) {
	data, err := JSON.EncodeCommands(nil)
	if err != nil {
		t.Fatalf("EncodeCommands: %v", err)
	}
	if string(data) != "[]" {
		t.Errorf("EncodeCommands(nil) = %s, want []", data)
	}
}

func TestForSubprotocol(t *testing.T) {
	if codec, ok := ForSubprotocol(""); !ok || codec != JSON {
		t.Errorf("empty subprotocol should select JSON")
	}
	if codec, ok := ForSubprotocol("affinity.cbor"); !ok || codec != CBOR {
		t.Errorf("affinity.cbor should select CBOR")
	}
	if _, ok := ForSubprotocol("affinity.xml"); ok {
		t.Errorf("unknown subprotocol accepted")
	}
	if codec, ok := ForName("cbor"); !ok || !codec.Binary() {
		t.Errorf("ForName(cbor) = %v, %v", codec, ok)
	}
	if got := Subprotocols(); len(got) != 2 || got[0] != "affinity.json" {
		t.Errorf("Subprotocols() = %v", got)
	}
}
