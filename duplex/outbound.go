// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package duplex

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/jpillora/sizestr"

	"github.com/bureau-foundation/affinity/lib/codec"
)

// outbound accumulates commands between flush points and writes each
// batch as a single transport message.
type outbound struct {
	codec     codec.Codec
	transport Transport
	logger    *slog.Logger

	// mu also serializes writes, so a call request can never overtake
	// a batch flushed before it.
	mu      sync.Mutex
	pending []codec.Command
	dirty   bool
}

func (o *outbound) enqueue(command codec.Command) {
	o.mu.Lock()
	o.pending = append(o.pending, command)
	o.dirty = true
	o.mu.Unlock()
}

// flush writes the buffered batch. A clean buffer performs no write.
func (o *outbound) flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.dirty {
		return nil
	}
	batch := o.pending
	o.pending = nil
	o.dirty = false
	return o.writeLocked(batch)
}

// send writes commands immediately, behind anything already flushed.
// It does not touch the buffer.
func (o *outbound) send(commands ...codec.Command) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.writeLocked(commands)
}

func (o *outbound) writeLocked(batch []codec.Command) error {
	data, err := o.codec.EncodeCommands(batch)
	if err != nil {
		return fmt.Errorf("encoding %d commands: %w", len(batch), err)
	}
	if err := o.transport.Send(data); err != nil {
		return fmt.Errorf("writing %d commands: %w", len(batch), err)
	}
	o.logger.Debug("commands written",
		"commands", len(batch),
		"size", sizestr.ToString(int64(len(data))),
	)
	return nil
}

// discard drops anything buffered and marks the buffer clean.
func (o *outbound) discard() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	dropped := len(o.pending)
	o.pending = nil
	o.dirty = false
	return dropped
}
