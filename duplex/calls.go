// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package duplex

import (
	"sync"
	"sync/atomic"
	"time"
)

// pendingCall is one outstanding synchronous request. It is completed
// exactly once: by a reply, or by the close drain.
type pendingCall struct {
	etype   string
	created time.Time

	// done is closed by complete after value and err are set.
	done  chan struct{}
	value any
	err   error

	completed atomic.Bool

	// abandoned is set when the caller stopped waiting (timeout or
	// cancellation). The call stays queued so a late reply is retired
	// against it instead of satisfying a later call.
	abandoned atomic.Bool
}

func newPendingCall(etype string, created time.Time) *pendingCall {
	return &pendingCall{
		etype:   etype,
		created: created,
		done:    make(chan struct{}),
	}
}

func (p *pendingCall) complete(value any, err error) {
	if !p.completed.CompareAndSwap(false, true) {
		panic("duplex: pending call completed twice")
	}
	p.value = value
	p.err = err
	close(p.done)
}

// callQueue is the FIFO of outstanding calls on one connection. The
// connection's executor pushes; the network goroutine pops on replies;
// teardown drains. Replies carry no identifier, so the front of the
// queue is always the call being answered.
type callQueue struct {
	mu     sync.Mutex
	calls  []*pendingCall
	closed error
}

// push appends call to the back. Fails with the close reason once the
// queue has been drained.
func (q *callQueue) push(call *pendingCall) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed != nil {
		return q.closed
	}
	q.calls = append(q.calls, call)
	return nil
}

// popFront removes and returns the oldest call.
func (q *callQueue) popFront() (*pendingCall, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.calls) == 0 {
		return nil, false
	}
	call := q.calls[0]
	q.calls[0] = nil
	q.calls = q.calls[1:]
	return call, true
}

// withdraw removes call if it is still queued. Used when the request
// could not be written, so no reply can be on its way.
func (q *callQueue) withdraw(call *pendingCall) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, queued := range q.calls {
		if queued == call {
			q.calls = append(q.calls[:i], q.calls[i+1:]...)
			return true
		}
	}
	return false
}

// closeAll completes every queued call with err and rejects later
// pushes. Only the first call has any effect.
func (q *callQueue) closeAll(err error) int {
	q.mu.Lock()
	if q.closed != nil {
		q.mu.Unlock()
		return 0
	}
	q.closed = err
	drained := q.calls
	q.calls = nil
	q.mu.Unlock()

	for _, call := range drained {
		call.complete(nil, err)
	}
	return len(drained)
}

func (q *callQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.calls)
}
