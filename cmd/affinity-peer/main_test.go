// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import "testing"

func TestParseSets(t *testing.T) {
	presets, err := parseSets([]string{"input=hello", "empty=", "eq=a=b"})
	if err != nil {
		t.Fatalf("parseSets: %v", err)
	}
	want := map[string]string{"input": "hello", "empty": "", "eq": "a=b"}
	for id, value := range want {
		if presets[id] != value {
			t.Errorf("presets[%q] = %q, want %q", id, presets[id], value)
		}
	}

	for _, bad := range []string{"novalue", "=x"} {
		if _, err := parseSets([]string{bad}); err == nil {
			t.Errorf("parseSets(%q) succeeded, want error", bad)
		}
	}
}

func TestHealthURL(t *testing.T) {
	tests := []struct {
		route   string
		want    string
		wantErr bool
	}{
		{route: "ws://127.0.0.1:8700/ws/echo", want: "http://127.0.0.1:8700"},
		{route: "wss://example.com/ws/counter?x=1", want: "https://example.com"},
		{route: "http://127.0.0.1:8700/ws/echo", wantErr: true},
	}
	for _, test := range tests {
		got, err := healthURL(test.route)
		if test.wantErr {
			if err == nil {
				t.Errorf("healthURL(%q) = %q, want error", test.route, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("healthURL(%q): %v", test.route, err)
			continue
		}
		if got != test.want {
			t.Errorf("healthURL(%q) = %q, want %q", test.route, got, test.want)
		}
	}
}
