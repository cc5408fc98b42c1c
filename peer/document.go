// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package peer

import (
	"context"
	"sync"

	"github.com/bureau-foundation/affinity/lib/codec"
)

// defaultProp is used when a command names no property.
const defaultProp = "value"

// Document is the peer's rendering state: a value per element ID and
// property, driven by the server's commands.
type Document struct {
	mu      sync.Mutex
	values  map[string]map[string]any
	applied int
	changed chan struct{}
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{
		values:  make(map[string]map[string]any),
		changed: make(chan struct{}),
	}
}

// Apply executes a command. "set" stores the value, "append" adds it
// to a list, "remove" deletes the element. Other commands only count
// as applied.
func (d *Document) Apply(command codec.Command) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prop := command.Prop
	if prop == "" {
		prop = defaultProp
	}
	switch command.Etype {
	case "set":
		d.elementLocked(command.ID)[prop] = command.Value
	case "append":
		element := d.elementLocked(command.ID)
		list, _ := element[prop].([]any)
		element[prop] = append(list, command.Value)
	case "remove":
		delete(d.values, command.ID)
	}
	d.applied++
	close(d.changed)
	d.changed = make(chan struct{})
}

func (d *Document) elementLocked(id string) map[string]any {
	element, ok := d.values[id]
	if !ok {
		element = make(map[string]any)
		d.values[id] = element
	}
	return element
}

// Get returns an element property. An empty prop means "value".
func (d *Document) Get(id, prop string) (any, bool) {
	if prop == "" {
		prop = defaultProp
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	value, ok := d.values[id][prop]
	return value, ok
}

// Set stores a property locally, as user input would.
func (d *Document) Set(id, prop string, value any) {
	d.Apply(codec.Command{Etype: "set", ID: id, Prop: prop, Value: value})
}

// Applied counts every command applied so far.
func (d *Document) Applied() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applied
}

// Wait blocks until ready reports true or ctx ends. ready is called
// with the document unlocked, after every change.
func (d *Document) Wait(ctx context.Context, ready func(*Document) bool) error {
	for {
		d.mu.Lock()
		changed := d.changed
		d.mu.Unlock()

		if ready(d) {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
