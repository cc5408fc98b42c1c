// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// HTTPHandler serves one HTTP route. It returns the response instead
// of writing it so that a pinned handler finishing after its request
// was abandoned cannot write to a dead ResponseWriter.
type HTTPHandler interface {
	ServeRequest(ctx context.Context, request *http.Request) (Reply, error)
}

// HTTPHandlerFunc adapts a function to HTTPHandler.
type HTTPHandlerFunc func(ctx context.Context, request *http.Request) (Reply, error)

func (f HTTPHandlerFunc) ServeRequest(ctx context.Context, request *http.Request) (Reply, error) {
	return f(ctx, request)
}

// Reply is a complete HTTP response.
type Reply struct {
	Status      int
	ContentType string
	Body        []byte
}

// Text builds a plain-text reply.
func Text(status int, body string) Reply {
	return Reply{Status: status, ContentType: "text/plain; charset=utf-8", Body: []byte(body)}
}

// JSON builds a JSON reply from value.
func JSON(status int, value any) (Reply, error) {
	body, err := json.Marshal(value)
	if err != nil {
		return Reply{}, fmt.Errorf("encoding reply: %w", err)
	}
	return Reply{Status: status, ContentType: "application/json", Body: append(body, '\n')}, nil
}

func (r Reply) write(w http.ResponseWriter) {
	status := r.Status
	if status == 0 {
		status = http.StatusOK
	}
	if r.ContentType != "" {
		w.Header().Set("Content-Type", r.ContentType)
	}
	w.WriteHeader(status)
	_, _ = w.Write(r.Body)
}
