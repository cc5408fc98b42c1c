// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package duplex

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/affinity/lib/codec"
	"github.com/bureau-foundation/affinity/lib/config"
	"github.com/bureau-foundation/affinity/lib/testutil"
)

type callResult struct {
	value any
	err   error
}

// callingHandler issues the calls produced by script whenever it
// receives an event, reporting each outcome on results.
func callingHandler(script func(ctx context.Context, conn *Connection, results chan<- callResult)) (*scriptHandler, chan callResult) {
	results := make(chan callResult, 64)
	handler := newScriptHandler()
	handler.onEvent = func(ctx context.Context, conn *Connection, event Event) error {
		script(ctx, conn, results)
		return nil
	}
	return handler, results
}

func TestCallFlushesBufferedCommandsFirst(t *testing.T) {
	h := newHarness(t, nil)
	handler, results := callingHandler(func(ctx context.Context, conn *Connection, results chan<- callResult) {
		_ = conn.Send(codec.Command{Etype: "set", ID: "prompt", Prop: "text", Value: "name?"})
		value, err := conn.Call(ctx, codec.Command{Etype: "get", ID: "name", Prop: "value"})
		results <- callResult{value, err}
	})
	conn, transport := h.acceptHandler(config.ModeDedicated, handler)

	h.event(conn, "ask", nil)

	buffered := transport.nextBatch(t)
	if len(buffered) != 1 || buffered[0].Etype != "set" || buffered[0].Reply {
		t.Fatalf("first write = %+v, want the buffered set", buffered)
	}
	request := transport.nextBatch(t)
	if len(request) != 1 || request[0].Etype != "get" || !request[0].Reply {
		t.Fatalf("second write = %+v, want the get request", request)
	}

	h.reply(conn, "alice")
	result := testutil.RequireReceive(t, results, waitTimeout)
	if result.err != nil || result.value != "alice" {
		t.Fatalf("call = (%v, %v), want alice", result.value, result.err)
	}
}

func TestCallRepliesMatchInOrderUnderRandomDelays(t *testing.T) {
	const (
		connections = 5
		calls       = 20
	)
	h := newHarness(t, nil)

	var peers sync.WaitGroup
	allResults := make([]chan callResult, connections)
	for c := range connections {
		handler, results := callingHandler(func(ctx context.Context, conn *Connection, results chan<- callResult) {
			for i := range calls {
				value, err := conn.Call(ctx, codec.Command{Etype: "echo", Value: i})
				results <- callResult{value, err}
			}
		})
		allResults[c] = results
		conn, transport := h.acceptHandler(config.ModeDedicated, handler)

		// The peer answers each request after a random pause.
		peers.Add(1)
		go func() {
			defer peers.Done()
			for range calls {
				select {
				case request := <-transport.sent:
					time.Sleep(time.Duration(rand.IntN(2000)) * time.Microsecond) //nolint:realclock simulated peer latency
					h.dispatcher.OnFrame(conn, encodeFrame(t, codec.Frame{Type: codec.FrameData, Data: request[0].Value}))
				case <-time.After(waitTimeout): //nolint:realclock test hang prevention
					t.Error("peer timed out waiting for a request")
					return
				}
			}
		}()

		h.event(conn, "run", nil)
	}

	for c, results := range allResults {
		for i := range calls {
			result := testutil.RequireReceive(t, results, waitTimeout)
			if result.err != nil {
				t.Fatalf("connection %d call %d: %v", c, i, result.err)
			}
			if result.value != float64(i) {
				t.Fatalf("connection %d call %d got reply %v", c, i, result.value)
			}
		}
	}
	peers.Wait()
}

func TestCallTimeoutBoundaryAndLateReply(t *testing.T) {
	const timeout = 5 * time.Second
	h := newHarness(t, nil)

	handler, results := callingHandler(func(ctx context.Context, conn *Connection, results chan<- callResult) {
		value, err := conn.CallTimeout(ctx, codec.Command{Etype: "get", ID: "slow"}, timeout)
		results <- callResult{value, err}
		value, err = conn.Call(ctx, codec.Command{Etype: "get", ID: "fast"})
		results <- callResult{value, err}
	})
	conn, transport := h.acceptHandler(config.ModeDedicated, handler)

	h.event(conn, "run", nil)
	transport.nextBatch(t)
	h.clock.WaitForTimers(1)

	h.clock.Advance(timeout - time.Nanosecond)
	testutil.RequireNoReceive(t, results, 50*time.Millisecond, "call gave up before its timeout")

	h.clock.Advance(time.Nanosecond)
	first := testutil.RequireReceive(t, results, waitTimeout)
	if !errors.Is(first.err, ErrCallTimeout) {
		t.Fatalf("first call err = %v, want ErrCallTimeout", first.err)
	}
	var timeoutErr *CallTimeoutError
	if !errors.As(first.err, &timeoutErr) || timeoutErr.Timeout != timeout || timeoutErr.Etype != "get" {
		t.Fatalf("first call err = %#v", first.err)
	}
	if conn.State() != StateOpen {
		t.Fatalf("state = %s after timeout, want open", conn.State())
	}

	second := transport.nextBatch(t)
	if second[0].ID != "fast" {
		t.Fatalf("second request = %+v", second)
	}
	// The reply to the timed-out request is absorbed by it.
	h.reply(conn, "late")
	h.reply(conn, "fresh")

	result := testutil.RequireReceive(t, results, waitTimeout)
	if result.err != nil || result.value != "fresh" {
		t.Fatalf("second call = (%v, %v), want fresh", result.value, result.err)
	}
}

// Replies are matched by position alone. If the peer answers a later
// request before an abandoned earlier one, the later call receives the
// earlier request's answer.
func TestReversedReplyArrivalCompletesWrongCall(t *testing.T) {
	h := newHarness(t, nil)

	handler, results := callingHandler(func(ctx context.Context, conn *Connection, results chan<- callResult) {
		value, err := conn.CallTimeout(ctx, codec.Command{Etype: "get", ID: "a"}, time.Second)
		results <- callResult{value, err}
		value, err = conn.CallTimeout(ctx, codec.Command{Etype: "get", ID: "b"}, time.Minute)
		results <- callResult{value, err}
	})
	conn, transport := h.acceptHandler(config.ModePinned, handler)

	h.event(conn, "run", nil)
	transport.nextBatch(t)
	h.clock.WaitForTimers(1)
	h.clock.Advance(time.Second)
	if first := testutil.RequireReceive(t, results, waitTimeout); !errors.Is(first.err, ErrCallTimeout) {
		t.Fatalf("first call err = %v, want timeout", first.err)
	}

	transport.nextBatch(t)
	h.reply(conn, "value-for-b")
	h.reply(conn, "value-for-a")

	second := testutil.RequireReceive(t, results, waitTimeout)
	if second.value != "value-for-a" {
		t.Fatalf("second call got %v, want the reply that arrived second", second.value)
	}
}

func TestConcurrentCallRejected(t *testing.T) {
	h := newHarness(t, nil)

	handler, results := callingHandler(func(ctx context.Context, conn *Connection, results chan<- callResult) {
		value, err := conn.Call(ctx, codec.Command{Etype: "get"})
		results <- callResult{value, err}
	})
	conn, transport := h.acceptHandler(config.ModeDedicated, handler)

	h.event(conn, "run", nil)
	transport.nextBatch(t)

	if _, err := conn.Call(context.Background(), codec.Command{Etype: "get"}); !errors.Is(err, ErrConcurrentCall) {
		t.Fatalf("concurrent call err = %v, want ErrConcurrentCall", err)
	}

	h.reply(conn, 1)
	if result := testutil.RequireReceive(t, results, waitTimeout); result.value != float64(1) {
		t.Fatalf("outstanding call = (%v, %v)", result.value, result.err)
	}
}

func TestCloseDrainsOutstandingCall(t *testing.T) {
	for _, mode := range []config.Mode{config.ModePinned, config.ModeDedicated} {
		t.Run(string(mode), func(t *testing.T) {
			h := newHarness(t, nil)

			handler, results := callingHandler(func(ctx context.Context, conn *Connection, results chan<- callResult) {
				value, err := conn.Call(ctx, codec.Command{Etype: "get"})
				results <- callResult{value, err}
			})
			conn, transport := h.acceptHandler(mode, handler)

			h.event(conn, "run", nil)
			transport.nextBatch(t)
			h.dispatcher.OnClose(conn, io.EOF)

			result := testutil.RequireReceive(t, results, waitTimeout)
			if !errors.Is(result.err, ErrConnectionClosed) {
				t.Fatalf("call err = %v, want ErrConnectionClosed", result.err)
			}
			handler.waitDisconnect(t)

			if _, err := conn.Call(context.Background(), codec.Command{Etype: "get"}); !errors.Is(err, ErrConnectionClosed) {
				t.Errorf("call after close err = %v", err)
			}
			if err := conn.Send(codec.Command{Etype: "set"}); !errors.Is(err, ErrConnectionClosed) {
				t.Errorf("send after close err = %v", err)
			}
			if n := conn.calls.len(); n != 0 {
				t.Errorf("%d calls left queued after close", n)
			}
		})
	}
}

func TestCallContextCancelled(t *testing.T) {
	h := newHarness(t, nil)

	cancels := make(chan context.CancelFunc, 1)
	handler, results := callingHandler(func(ctx context.Context, conn *Connection, results chan<- callResult) {
		callCtx, cancel := context.WithCancel(ctx)
		cancels <- cancel
		value, err := conn.Call(callCtx, codec.Command{Etype: "get"})
		results <- callResult{value, err}
	})
	conn, transport := h.acceptHandler(config.ModeDedicated, handler)

	h.event(conn, "run", nil)
	transport.nextBatch(t)
	cancel := testutil.RequireReceive(t, cancels, waitTimeout)
	cancel()

	if result := testutil.RequireReceive(t, results, waitTimeout); !errors.Is(result.err, context.Canceled) {
		t.Fatalf("call err = %v, want context.Canceled", result.err)
	}
	// The abandoned call still owns the next reply.
	h.reply(conn, "late")
	if n := conn.calls.len(); n != 0 {
		t.Fatalf("%d calls queued after the late reply", n)
	}
}

func TestDebugLatencyPadsFastCalls(t *testing.T) {
	const latency = 100 * time.Millisecond
	h := newHarness(t, func(cfg *DispatcherConfig) {
		cfg.Development = true
		cfg.DebugLatency = latency
	})

	handler, results := callingHandler(func(ctx context.Context, conn *Connection, results chan<- callResult) {
		value, err := conn.Call(ctx, codec.Command{Etype: "get"})
		results <- callResult{value, err}
	})
	conn, transport := h.acceptHandler(config.ModeDedicated, handler)

	h.event(conn, "run", nil)
	transport.nextBatch(t)
	h.reply(conn, "quick")
	testutil.RequireNoReceive(t, results, 50*time.Millisecond, "reply delivered without the latency pad")

	h.clock.Advance(latency)
	if result := testutil.RequireReceive(t, results, waitTimeout); result.value != "quick" {
		t.Fatalf("call = (%v, %v)", result.value, result.err)
	}
}

func TestDebugLatencyIgnoredOutsideDevelopment(t *testing.T) {
	h := newHarness(t, func(cfg *DispatcherConfig) {
		cfg.Development = false
		cfg.DebugLatency = time.Hour
	})

	handler, results := callingHandler(func(ctx context.Context, conn *Connection, results chan<- callResult) {
		value, err := conn.Call(ctx, codec.Command{Etype: "get"})
		results <- callResult{value, err}
	})
	conn, transport := h.acceptHandler(config.ModeDedicated, handler)

	h.event(conn, "run", nil)
	transport.nextBatch(t)
	h.reply(conn, "quick")
	if result := testutil.RequireReceive(t, results, waitTimeout); result.value != "quick" {
		t.Fatalf("call = (%v, %v)", result.value, result.err)
	}
}

func TestSlowCallLogged(t *testing.T) {
	logs := &syncBuffer{}
	h := newHarness(t, func(cfg *DispatcherConfig) {
		cfg.Logger = slog.New(slog.NewTextHandler(logs, nil))
		cfg.SlowCallThreshold = time.Second
	})

	handler, results := callingHandler(func(ctx context.Context, conn *Connection, results chan<- callResult) {
		value, err := conn.Call(ctx, codec.Command{Etype: "get", ID: "report"})
		results <- callResult{value, err}
	})
	conn, transport := h.acceptHandler(config.ModeDedicated, handler)

	h.event(conn, "run", nil)
	transport.nextBatch(t)
	h.clock.WaitForTimers(1)
	h.clock.Advance(2 * time.Second)
	h.reply(conn, "done")
	testutil.RequireReceive(t, results, waitTimeout)

	if output := logs.String(); !strings.Contains(output, "slow call") {
		t.Fatalf("no slow call warning in logs:\n%s", output)
	}
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu     sync.Mutex
	buffer bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buffer.String()
}
