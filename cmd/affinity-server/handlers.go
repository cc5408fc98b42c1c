// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bureau-foundation/affinity/duplex"
	"github.com/bureau-foundation/affinity/lib/codec"
	"github.com/bureau-foundation/affinity/server"
)

// counter is shared by the pinned /counter HTTP route and every pinned
// counter connection. It is only touched on the owner loop, so it has
// no lock.
type counter struct {
	value       int
	subscribers map[*duplex.Connection]struct{}
}

func newCounter() *counter {
	return &counter{subscribers: make(map[*duplex.Connection]struct{})}
}

func (c *counter) command() codec.Command {
	return codec.Command{Etype: "set", ID: "counter", Value: c.value}
}

// publish pushes the current value to every subscriber. Called outside
// their own event items, so each is flushed explicitly.
func (c *counter) publish() {
	for conn := range c.subscribers {
		if err := conn.Send(c.command()); err != nil {
			continue
		}
		if err := conn.Flush(); err != nil {
			conn.Logger().Debug("publishing counter", "error", err)
		}
	}
}

// ServeRequest reports the value on GET and increments it on POST.
func (c *counter) ServeRequest(ctx context.Context, request *http.Request) (server.Reply, error) {
	switch request.Method {
	case http.MethodGet:
	case http.MethodPost:
		c.value++
		c.publish()
	default:
		return server.Text(http.StatusMethodNotAllowed, "GET or POST\n"), nil
	}
	return server.JSON(http.StatusOK, map[string]int{"value": c.value})
}

// session returns the duplex handler for one counter connection.
func (c *counter) session() duplex.Handler { return &counterSession{counter: c} }

type counterSession struct {
	counter *counter
}

func (s *counterSession) Initialize(ctx context.Context, conn *duplex.Connection) error {
	s.counter.subscribers[conn] = struct{}{}
	return conn.Send(s.counter.command())
}

func (s *counterSession) HandleEvent(ctx context.Context, conn *duplex.Connection, event duplex.Event) error {
	switch event.Name {
	case "increment":
		s.counter.value++
	case "reset":
		s.counter.value = 0
	default:
		return fmt.Errorf("unknown counter event %q", event.Name)
	}
	s.counter.publish()
	return nil
}

func (s *counterSession) Disconnected(ctx context.Context, conn *duplex.Connection, reason error) {
	delete(s.counter.subscribers, conn)
}

// echo reads a value back from the peer on every event and appends it
// to the peer's log, one synchronous call per event.
type echo struct{}

func newEcho() duplex.Handler { return echo{} }

func (echo) Initialize(ctx context.Context, conn *duplex.Connection) error {
	return conn.Send(codec.Command{Etype: "set", ID: "status", Value: "connected"})
}

func (echo) HandleEvent(ctx context.Context, conn *duplex.Connection, event duplex.Event) error {
	id, _ := event.Params["id"].(string)
	if id == "" {
		id = "input"
	}
	value, err := conn.Call(ctx, codec.Command{Etype: "get", ID: id, Prop: "value"})
	if errors.Is(err, duplex.ErrCallTimeout) {
		return conn.Send(codec.Command{Etype: "set", ID: "status", Value: "peer did not answer"})
	}
	if err != nil {
		return err
	}
	return conn.Send(codec.Command{Etype: "append", ID: "log", Value: fmt.Sprintf("%s: %v", event.Name, value)})
}

func (echo) Disconnected(ctx context.Context, conn *duplex.Connection, reason error) {}
