// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package duplex

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bureau-foundation/affinity/executor"
	"github.com/bureau-foundation/affinity/lib/clock"
	"github.com/bureau-foundation/affinity/lib/codec"
	"github.com/bureau-foundation/affinity/lib/config"
	"github.com/bureau-foundation/affinity/lib/testutil"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const waitTimeout = 5 * time.Second

type harness struct {
	t          *testing.T
	clock      *clock.FakeClock
	owner      *executor.OwnerLoop
	pool       *executor.Pool
	dispatcher *Dispatcher
}

// newHarness builds a dispatcher on a running owner loop. Calls use the
// fake clock; the pool reaps on the real clock so idle workers never
// show up in the fake clock's timer count.
func newHarness(t *testing.T, mutate func(*DispatcherConfig)) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fakeClock := clock.Fake(epoch)

	owner := executor.NewOwnerLoop(logger)
	owner.Start(context.Background())
	pool := executor.NewPool(time.Minute, clock.Real(), logger)

	cfg := DispatcherConfig{
		Owner:  owner,
		Pool:   pool,
		Clock:  fakeClock,
		Logger: logger,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	dispatcher := NewDispatcher(cfg)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		if err := dispatcher.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
		_ = owner.Stop(context.Background())
		pool.Close()
		pool.Wait()
	})

	return &harness{
		t:          t,
		clock:      fakeClock,
		owner:      owner,
		pool:       pool,
		dispatcher: dispatcher,
	}
}

// accept registers factory under a unique name and accepts one
// connection on a route using it.
func (h *harness) accept(mode config.Mode, factory Factory) (*Connection, *fakeTransport) {
	h.t.Helper()
	name := testutil.UniqueID("handler")
	h.dispatcher.Register(name, factory)
	transport := newFakeTransport()
	route := config.Route{
		Path:    "/ws/" + name,
		Kind:    config.KindDuplex,
		Mode:    mode,
		Handler: name,
	}
	conn, err := h.dispatcher.OnAccept(context.Background(), route, transport, codec.JSON)
	if err != nil {
		h.t.Fatalf("OnAccept: %v", err)
	}
	return conn, transport
}

// acceptHandler accepts a connection served by handler.
func (h *harness) acceptHandler(mode config.Mode, handler Handler) (*Connection, *fakeTransport) {
	h.t.Helper()
	return h.accept(mode, func() Handler { return handler })
}

func (h *harness) event(conn *Connection, name string, params map[string]any) {
	h.t.Helper()
	h.dispatcher.OnFrame(conn, encodeFrame(h.t, codec.Frame{Type: codec.FrameEvent, Event: name, Params: params}))
}

func (h *harness) reply(conn *Connection, data any) {
	h.t.Helper()
	h.dispatcher.OnFrame(conn, encodeFrame(h.t, codec.Frame{Type: codec.FrameData, Data: data}))
}

func encodeFrame(t *testing.T, frame codec.Frame) []byte {
	t.Helper()
	data, err := codec.JSON.EncodeFrame(frame)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	return data
}

// fakeTransport records every message written and fails writes after
// Close.
type fakeTransport struct {
	sent   chan []codec.Command
	writes atomic.Int32
	closes atomic.Int32

	mu       sync.Mutex
	isClosed bool
	closed   chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sent:   make(chan []codec.Command, 1024),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.isClosed {
		return net.ErrClosed
	}
	commands, err := codec.JSON.DecodeCommands(data)
	if err != nil {
		return err
	}
	f.writes.Add(1)
	f.sent <- commands
	return nil
}

func (f *fakeTransport) Close() error {
	f.closes.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.isClosed {
		f.isClosed = true
		close(f.closed)
	}
	return nil
}

// nextBatch waits for the next written message.
func (f *fakeTransport) nextBatch(t *testing.T) []codec.Command {
	t.Helper()
	return testutil.RequireReceive(t, f.sent, waitTimeout, "waiting for a write")
}

// scriptHandler runs optional callbacks and records disconnects.
type scriptHandler struct {
	onInitialize func(ctx context.Context, conn *Connection) error
	onEvent      func(ctx context.Context, conn *Connection, event Event) error
	onDisconnect func(ctx context.Context, conn *Connection, reason error)

	initialized  atomic.Int32
	disconnects  atomic.Int32
	disconnected chan error
}

func newScriptHandler() *scriptHandler {
	return &scriptHandler{disconnected: make(chan error, 8)}
}

func (s *scriptHandler) Initialize(ctx context.Context, conn *Connection) error {
	s.initialized.Add(1)
	if s.onInitialize != nil {
		return s.onInitialize(ctx, conn)
	}
	return nil
}

func (s *scriptHandler) HandleEvent(ctx context.Context, conn *Connection, event Event) error {
	if s.onEvent != nil {
		return s.onEvent(ctx, conn, event)
	}
	return nil
}

func (s *scriptHandler) Disconnected(ctx context.Context, conn *Connection, reason error) {
	s.disconnects.Add(1)
	if s.onDisconnect != nil {
		s.onDisconnect(ctx, conn, reason)
	}
	s.disconnected <- reason
}

// waitDisconnect returns the reason passed to Disconnected.
func (s *scriptHandler) waitDisconnect(t *testing.T) error {
	t.Helper()
	return testutil.RequireReceive(t, s.disconnected, waitTimeout, "waiting for Disconnected")
}
