// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package executor

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/affinity/lib/clock"
)

// Pool hands tasks to idle workers and starts a new worker whenever
// none is idle. There is no cap on workers. A worker that waits
// IdleTimeout without receiving a task exits.
//
// Dedicated connections hold their worker for their whole lifetime, so
// the worker count tracks the number of live connections plus however
// many idle workers have not yet been reaped.
type Pool struct {
	clock       clock.Clock
	idleTimeout time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	closed bool
	// idle is a LIFO of parked workers. The most recently parked worker
	// is reused first so the others age out.
	idle    []*poolWorker
	done    chan struct{}
	workers sync.WaitGroup

	live    atomic.Int64
	spawned atomic.Uint64
}

// poolWorker is a parked worker's inbox. Go removes the worker from the
// idle list before sending, so at most one task is ever in flight and
// the send never blocks.
type poolWorker struct {
	tasks chan func()
}

// PoolStats is a snapshot of pool occupancy.
type PoolStats struct {
	// Workers is the number of live worker goroutines.
	Workers int64
	// Idle is the number of workers waiting for a task.
	Idle int64
	// Spawned counts every worker ever started.
	Spawned uint64
}

// NewPool creates an empty pool.
func NewPool(idleTimeout time.Duration, clk clock.Clock, logger *slog.Logger) *Pool {
	if idleTimeout <= 0 {
		panic("executor.Pool: idle timeout must be positive")
	}
	return &Pool{
		clock:       clk,
		idleTimeout: idleTimeout,
		logger:      logger,
		done:        make(chan struct{}),
	}
}

// Go runs task on an idle worker if there is one, otherwise on a new
// worker. It returns ErrPoolClosed after Close.
func (p *Pool) Go(task func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if n := len(p.idle); n > 0 {
		worker := p.idle[n-1]
		p.idle[n-1] = nil
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		worker.tasks <- task
		return nil
	}
	p.live.Add(1)
	p.spawned.Add(1)
	p.workers.Add(1)
	p.mu.Unlock()

	go p.work(&poolWorker{tasks: make(chan func(), 1)}, task)
	return nil
}

func (p *Pool) work(worker *poolWorker, task func()) {
	defer p.workers.Done()
	defer p.live.Add(-1)

	for {
		p.run(task)

		next, ok := p.park(worker)
		if !ok {
			return
		}
		task = next
	}
}

// park puts the worker on the idle list and waits for a task, the idle
// timeout, or Close. It returns false when the worker should exit.
func (p *Pool) park(worker *poolWorker) (func(), bool) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, false
	}
	p.idle = append(p.idle, worker)
	p.mu.Unlock()

	expired := make(chan struct{})
	timer := p.clock.AfterFunc(p.idleTimeout, func() { close(expired) })
	defer timer.Stop()

	select {
	case task := <-worker.tasks:
		return task, true
	case <-expired:
	case <-p.done:
	}

	// Go may have claimed this worker just before the timeout or Close;
	// if so the task is already on its way and must still run.
	if p.unpark(worker) {
		p.logger.Debug("idle worker exited", "idle_timeout", p.idleTimeout)
		return nil, false
	}
	return <-worker.tasks, true
}

// unpark removes worker from the idle list, reporting whether it was
// still there.
func (p *Pool) unpark(worker *poolWorker) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, candidate := range p.idle {
		if candidate == worker {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) run(task func()) {
	if err := Protect(func() error { task(); return nil }); err != nil {
		fault := AsFault(err)
		p.logger.Error("pool task panicked", "error", fault, "stack", string(fault.Stack))
	}
}

// Stats returns current occupancy.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	idle := int64(len(p.idle))
	p.mu.Unlock()
	return PoolStats{
		Workers: p.live.Load(),
		Idle:    idle,
		Spawned: p.spawned.Load(),
	}
}

// Close stops accepting tasks and releases idle workers. Workers that
// are running a task finish it first; use Wait to block until they do.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.done)
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.workers.Wait()
}
