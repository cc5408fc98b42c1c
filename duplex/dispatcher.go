// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package duplex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/bureau-foundation/affinity/executor"
	"github.com/bureau-foundation/affinity/lib/clock"
	"github.com/bureau-foundation/affinity/lib/codec"
	"github.com/bureau-foundation/affinity/lib/config"
	"github.com/bureau-foundation/affinity/lib/netutil"
)

// DispatcherConfig holds the dependencies and tunables of a Dispatcher.
type DispatcherConfig struct {
	// Owner runs every pinned connection. Required.
	Owner *executor.OwnerLoop

	// Pool provides the worker behind each dedicated connection.
	// Required.
	Pool *executor.Pool

	// Clock drives call timeouts and the latency shim. Required.
	Clock clock.Clock

	// Logger is the parent of every connection logger. Required.
	Logger *slog.Logger

	// CallTimeout is the default for Connection.Call. Zero means 10s.
	CallTimeout time.Duration

	// ProtocolErrorRate and ProtocolErrorBurst size the per-connection
	// allowance for malformed frames. A zero burst means 5.
	ProtocolErrorRate  float64
	ProtocolErrorBurst int

	// Development enables DebugLatency. Outside development it is
	// ignored.
	Development bool

	// DebugLatency pads every completed call to at least this wait.
	DebugLatency time.Duration

	// SlowCallThreshold logs calls that waited longer. Zero disables.
	SlowCallThreshold time.Duration
}

// ConfigFromFile maps the loaded configuration onto a DispatcherConfig.
// The caller fills in the runtime dependencies.
func ConfigFromFile(cfg *config.Config) DispatcherConfig {
	return DispatcherConfig{
		CallTimeout:        cfg.Calls.Timeout.Std(),
		ProtocolErrorRate:  cfg.ProtocolErrors.Rate,
		ProtocolErrorBurst: cfg.ProtocolErrors.Burst,
		Development:        cfg.Environment == config.Development,
		DebugLatency:       cfg.Debug.Latency.Std(),
		SlowCallThreshold:  cfg.Debug.SlowCallThreshold.Std(),
	}
}

// Dispatcher accepts duplex connections from the network runtime and
// runs their handlers on the executor the route's mode selects.
//
// The On* methods are called by the network runtime. They may be called
// concurrently for different connections, and OnFrame, OnClose and
// OnError may race for the same connection.
type Dispatcher struct {
	config      DispatcherConfig
	diagnostics diagnostics
	logger      *slog.Logger

	mu          sync.RWMutex
	factories   map[string]Factory
	connections map[string]*Connection

	live sync.WaitGroup
}

// NewDispatcher creates a Dispatcher. Panics if a required dependency is
// missing.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Owner == nil {
		panic("duplex.NewDispatcher: Owner is required")
	}
	if cfg.Pool == nil {
		panic("duplex.NewDispatcher: Pool is required")
	}
	if cfg.Clock == nil {
		panic("duplex.NewDispatcher: Clock is required")
	}
	if cfg.Logger == nil {
		panic("duplex.NewDispatcher: Logger is required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.ProtocolErrorBurst <= 0 {
		cfg.ProtocolErrorBurst = 5
	}
	if !cfg.Development {
		cfg.DebugLatency = 0
	}

	return &Dispatcher{
		config: cfg,
		diagnostics: diagnostics{
			clock:         cfg.Clock,
			latency:       cfg.DebugLatency,
			slowThreshold: cfg.SlowCallThreshold,
		},
		logger:      cfg.Logger,
		factories:   make(map[string]Factory),
		connections: make(map[string]*Connection),
	}
}

// Register makes factory available to routes naming it. Panics on a
// duplicate name.
func (d *Dispatcher) Register(name string, factory Factory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.factories[name]; exists {
		panic(fmt.Sprintf("duplex: handler %q registered twice", name))
	}
	d.factories[name] = factory
}

// Registered reports whether a factory exists for name.
func (d *Dispatcher) Registered(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.factories[name]
	return ok
}

// OnAccept creates the connection for a completed transport handshake
// and queues its Initialize. Frames for the connection may be delivered
// as soon as OnAccept returns.
func (d *Dispatcher) OnAccept(ctx context.Context, route config.Route, transport Transport, frameCodec codec.Codec) (*Connection, error) {
	d.mu.RLock()
	factory, ok := d.factories[route.Handler]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler registered as %q for %s", route.Handler, route.Path)
	}

	id := uuid.NewString()
	logger := d.logger.With(
		"connection_id", id,
		"path", route.Path,
		"mode", string(route.Mode),
	)
	conn := &Connection{
		id:         id,
		route:      route,
		codec:      frameCodec,
		transport:  transport,
		handler:    factory(),
		dispatcher: d,
		logger:     logger,
		outbound: &outbound{
			codec:     frameCodec,
			transport: transport,
			logger:    logger,
		},
		protocolErrors: rate.NewLimiter(rate.Limit(d.config.ProtocolErrorRate), d.config.ProtocolErrorBurst),
		closed:         make(chan struct{}),
	}

	// Tracked before any work is queued: a failing Initialize can
	// finish the connection before OnAccept returns.
	d.mu.Lock()
	d.connections[id] = conn
	d.mu.Unlock()
	d.live.Add(1)

	if err := d.start(ctx, conn); err != nil {
		d.forget(conn)
		return nil, err
	}

	logger.Info("connection accepted", "codec", frameCodec.Name())
	return conn, nil
}

// start assigns the connection's executor and queues Initialize first.
func (d *Dispatcher) start(ctx context.Context, conn *Connection) error {
	route, logger := conn.route, conn.logger
	switch route.Mode {
	case config.ModePinned:
		conn.executor = d.config.Owner
		if err := conn.executor.Submit(conn.initialize); err != nil {
			return fmt.Errorf("queueing initialize on owner loop: %w", err)
		}

	case config.ModeDedicated:
		loop := executor.NewLoop("conn-"+conn.id, logger)
		conn.loop = loop
		conn.executor = loop
		// Queued before the worker starts so it is always first.
		if err := loop.Submit(conn.initialize); err != nil {
			return fmt.Errorf("queueing initialize: %w", err)
		}
		err := d.config.Pool.Go(func() {
			if err := loop.Run(ctx); err != nil {
				logger.Error("connection loop failed", "error", err)
				return
			}
			logger.Debug("connection loop finished", "executed", loop.Executed())
		})
		if err != nil {
			return fmt.Errorf("acquiring worker: %w", err)
		}

	default:
		return fmt.Errorf("route %s has unknown mode %q", route.Path, route.Mode)
	}
	return nil
}

// OnFrame delivers one inbound message. Malformed messages count against
// the connection's protocol error allowance.
func (d *Dispatcher) OnFrame(conn *Connection, raw []byte) {
	if conn.State() >= StateClosing {
		return
	}
	frame, err := conn.codec.DecodeFrame(raw)
	if err != nil {
		conn.protocolError(err)
		return
	}
	conn.deliver(frame)
}

// OnClose reports that the transport closed. reason is the runtime's
// close error; expected close conditions are reported to the handler
// as a clean close.
func (d *Dispatcher) OnClose(conn *Connection, reason error) {
	if netutil.IsExpectedCloseError(reason) {
		reason = nil
	}
	if conn.beginClose(reason) {
		conn.logger.Debug("transport closed", "reason", reasonString(reason))
	}
}

// OnError reports a transport failure. The connection is closed with
// err as the reason.
func (d *Dispatcher) OnError(conn *Connection, err error) {
	if netutil.IsExpectedCloseError(err) {
		d.OnClose(conn, err)
		return
	}
	if conn.beginClose(err) {
		conn.logger.Warn("transport error", "error", err)
	}
}

// Len reports how many connections have been accepted and not yet
// finished their disconnect notification.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.connections)
}

// Connection returns a live connection by ID.
func (d *Dispatcher) Connection(id string) (*Connection, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	conn, ok := d.connections[id]
	return conn, ok
}

func (d *Dispatcher) forget(conn *Connection) {
	d.mu.Lock()
	_, ok := d.connections[conn.id]
	delete(d.connections, conn.id)
	d.mu.Unlock()
	if ok {
		d.live.Done()
	}
}

// Shutdown closes every live connection with ErrServerShutdown and waits
// for their disconnect notifications, or for ctx.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.RLock()
	live := make([]*Connection, 0, len(d.connections))
	for _, conn := range d.connections {
		live = append(live, conn)
	}
	d.mu.RUnlock()

	for _, conn := range live {
		conn.beginClose(ErrServerShutdown)
	}

	done := make(chan struct{})
	go func() {
		d.live.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("dispatcher shut down", "connections", len(live))
		return nil
	case <-ctx.Done():
		return errors.Join(fmt.Errorf("waiting for %d connections to close", d.Len()), ctx.Err())
	}
}
