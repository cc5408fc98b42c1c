// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package duplex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/bureau-foundation/affinity/executor"
	"github.com/bureau-foundation/affinity/lib/codec"
	"github.com/bureau-foundation/affinity/lib/config"
)

// State is the lifecycle position of a connection.
type State int32

const (
	// StateConnecting is set on accept, until Initialize is dispatched.
	StateConnecting State = iota
	// StateOpen accepts events, sends and calls.
	StateOpen
	// StateClosing is entered exactly once, by whichever close path
	// wins. Outstanding calls have been drained; the disconnect
	// notification is queued.
	StateClosing
	// StateClosed is set after the handler's Disconnected returns.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Connection is one accepted duplex connection. Its exported methods
// are safe to call from any goroutine, but commands and calls are
// meant to be issued from the handler, on the connection's executor.
type Connection struct {
	id         string
	route      config.Route
	codec      codec.Codec
	transport  Transport
	handler    Handler
	dispatcher *Dispatcher
	logger     *slog.Logger

	// executor runs every handler callback: the owner loop for pinned
	// routes, loop for dedicated ones.
	executor executor.Executor
	loop     *executor.Loop

	state  atomic.Int32
	inCall atomic.Bool

	// initialized is set once Initialize has returned without a fault.
	// Only read and written on the connection's executor.
	initialized bool

	outbound *outbound
	calls    callQueue

	// protocolErrors is only touched from the network goroutine.
	protocolErrors *rate.Limiter

	closeReason error
	closed      chan struct{}
}

// ID is the unique identifier assigned on accept.
func (c *Connection) ID() string { return c.id }

// Route is the configured route the connection was accepted on.
func (c *Connection) Route() config.Route { return c.route }

// Codec is the negotiated wire format.
func (c *Connection) Codec() codec.Codec { return c.codec }

// State reports the current lifecycle state.
func (c *Connection) State() State { return State(c.state.Load()) }

// Logger returns the connection-scoped logger.
func (c *Connection) Logger() *slog.Logger { return c.logger }

// Done is closed after Disconnected has returned.
func (c *Connection) Done() <-chan struct{} { return c.closed }

// Send buffers a command for the peer. It is written at the next flush
// point: the end of the current event, an explicit Flush, or the next
// Call.
func (c *Connection) Send(command codec.Command) error {
	if c.State() >= StateClosing {
		return ErrConnectionClosed
	}
	if command.Etype == "" {
		return errors.New("duplex: command without etype")
	}
	c.outbound.enqueue(command)
	return nil
}

// Flush writes buffered commands now as one message. Nothing is written
// if the buffer is clean.
func (c *Connection) Flush() error {
	if c.State() >= StateClosing {
		return ErrConnectionClosed
	}
	return c.outbound.flush()
}

// Call sends command and blocks the caller until the peer answers with
// a data frame, using the configured call timeout.
func (c *Connection) Call(ctx context.Context, command codec.Command) (any, error) {
	return c.CallTimeout(ctx, command, c.dispatcher.config.CallTimeout)
}

// CallTimeout is Call with an explicit timeout. Buffered commands are
// flushed before the request so the peer sees them first.
//
// On timeout the request is not withdrawn; the peer's eventual reply is
// absorbed by this call. If ctx is cancelled the same applies and
// ctx.Err() is returned.
//
// Replies are matched by arrival order alone. Only one call may be
// outstanding per connection; a concurrent Call returns
// ErrConcurrentCall.
func (c *Connection) CallTimeout(ctx context.Context, command codec.Command, timeout time.Duration) (any, error) {
	if command.Etype == "" {
		return nil, errors.New("duplex: command without etype")
	}
	if !c.inCall.CompareAndSwap(false, true) {
		return nil, ErrConcurrentCall
	}
	defer c.inCall.Store(false)

	if c.State() >= StateClosing {
		return nil, ErrConnectionClosed
	}
	if err := c.outbound.flush(); err != nil {
		return nil, fmt.Errorf("flushing before call %q: %w", command.Etype, err)
	}

	command.Reply = true
	clk := c.dispatcher.config.Clock
	call := newPendingCall(command.Etype, clk.Now())
	if err := c.calls.push(call); err != nil {
		return nil, err
	}
	if err := c.outbound.send(command); err != nil {
		c.calls.withdraw(call)
		return nil, fmt.Errorf("sending call %q: %w", command.Etype, err)
	}

	expired := make(chan struct{})
	timer := clk.AfterFunc(timeout, func() { close(expired) })

	select {
	case <-call.done:
		timer.Stop()
		if call.err != nil {
			return nil, call.err
		}
		c.dispatcher.diagnostics.observe(c.logger, call)
		return call.value, nil
	case <-expired:
		call.abandoned.Store(true)
		c.logger.Warn("call timed out", "etype", command.Etype, "timeout", timeout)
		return nil, &CallTimeoutError{Etype: command.Etype, Timeout: timeout}
	case <-ctx.Done():
		timer.Stop()
		call.abandoned.Store(true)
		return nil, ctx.Err()
	}
}

// Close closes the connection from the server side. The handler's
// Disconnected runs afterwards with a nil reason.
func (c *Connection) Close() error {
	c.beginClose(nil)
	return nil
}

// beginClose performs the one-shot Connecting/Open to Closing
// transition. The winner drains outstanding calls, closes the transport
// and queues the disconnect notification behind any in-flight events.
// Every later caller returns false.
func (c *Connection) beginClose(reason error) bool {
	for {
		current := c.state.Load()
		if State(current) >= StateClosing {
			return false
		}
		if c.state.CompareAndSwap(current, int32(StateClosing)) {
			break
		}
	}

	c.closeReason = reason
	if drained := c.calls.closeAll(ErrConnectionClosed); drained > 0 {
		c.logger.Debug("drained outstanding calls", "count", drained)
	}
	if err := c.transport.Close(); err != nil {
		c.logger.Debug("closing transport", "error", err)
	}

	if err := c.executor.Submit(c.finish); err != nil {
		// The executor is gone, so nothing else can run for this
		// connection. Notify inline.
		c.logger.Warn("executor unavailable for disconnect, notifying inline", "error", err)
		c.finish(context.Background())
	}
	return true
}

// finish runs the disconnect notification on the connection's executor
// and, for dedicated connections, stops the micro-loop behind it.
func (c *Connection) finish(ctx context.Context) {
	if dropped := c.outbound.discard(); dropped > 0 {
		c.logger.Debug("dropped unflushed commands", "count", dropped)
	}

	err := executor.Protect(func() error {
		c.handler.Disconnected(ctx, c, c.closeReason)
		return nil
	})
	if err != nil {
		c.logger.Error("disconnect handler fault", "error", err)
	}

	c.state.Store(int32(StateClosed))
	if c.loop != nil {
		// The stop marker lands behind this item; the worker returns
		// to the pool once it is reached.
		_ = c.loop.Stop()
	}
	close(c.closed)
	c.dispatcher.forget(c)
	c.logger.Info("connection closed", "reason", reasonString(c.closeReason))
}

// initialize is the first work item on the connection's executor.
func (c *Connection) initialize(ctx context.Context) {
	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return
	}

	err := executor.Protect(func() error { return c.handler.Initialize(ctx, c) })
	if err != nil {
		c.logger.Error("initialize fault, closing connection", "error", err)
		c.beginClose(err)
		return
	}
	c.initialized = true
	c.flushAfterWork()
}

// handleEvent runs one event frame on the connection's executor. An
// event accepted before the close still runs while the connection is
// Closing; its commands are discarded. It is skipped if Initialize
// never completed or the disconnect notification already ran.
func (c *Connection) handleEvent(ctx context.Context, event Event) {
	if !c.initialized || c.State() == StateClosed {
		return
	}

	err := executor.Protect(func() error { return c.handler.HandleEvent(ctx, c, event) })
	if err != nil {
		c.logger.Error("event handler fault", "event", event.Name, "error", err)
	}
	c.flushAfterWork()
}

func (c *Connection) flushAfterWork() {
	if c.State() >= StateClosing {
		return
	}
	if err := c.outbound.flush(); err != nil {
		c.logger.Warn("flush after work item failed", "error", err)
	}
}

// deliver routes one decoded frame. Runs on the network goroutine.
func (c *Connection) deliver(frame codec.Frame) {
	switch frame.Type {
	case codec.FrameEvent:
		if c.State() >= StateClosing {
			return
		}
		event := Event{Name: frame.Event, Params: frame.Params}
		if err := c.executor.Submit(func(ctx context.Context) { c.handleEvent(ctx, event) }); err != nil {
			c.logger.Warn("dropping event, executor unavailable", "event", event.Name, "error", err)
		}

	case codec.FrameData:
		// The executor is blocked inside Call waiting for exactly this,
		// so the reply is completed here rather than queued behind it.
		call, ok := c.calls.popFront()
		if !ok {
			c.protocolError(errors.New("data frame with no outstanding call"))
			return
		}
		if call.abandoned.Load() {
			c.logger.Debug("late reply absorbed by abandoned call", "etype", call.etype)
		}
		call.complete(frame.Data, nil)

	case codec.FrameControl:
		switch frame.Control {
		case codec.ControlPing:
			if err := c.outbound.send(codec.Command{Etype: "pong"}); err != nil {
				c.logger.Debug("answering ping", "error", err)
			}
		case codec.ControlClose:
			c.logger.Debug("peer requested close")
			c.beginClose(nil)
		}
	}
}

// protocolError drops a bad frame and closes the connection once the
// peer exceeds its allowance.
func (c *Connection) protocolError(err error) {
	protocolErr := &ProtocolError{Err: err}
	if c.protocolErrors.AllowN(c.dispatcher.config.Clock.Now(), 1) {
		c.logger.Warn("dropping frame", "error", protocolErr)
		return
	}
	c.logger.Warn("too many protocol errors, closing connection", "error", protocolErr)
	c.beginClose(protocolErr)
}

func reasonString(reason error) string {
	if reason == nil {
		return "clean"
	}
	return reason.Error()
}
