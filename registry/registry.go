// Copyright (c) Takagi Works
// SPDX-License-Identifier: Apache-2.0

// Package registry holds the runtime tables of protocol constants: request
// methods, response codes, options, content formats and TCP signaling
// codes. Registration is live, so codec and negotiation decisions honor
// entries added by plugins after startup.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/takagi-works/takagi/pkg/errors"
)

// ErrConflict indicates a registration for an existing value with a
// different symbol.
var ErrConflict = errors.New("conflicting registry entry")

// Emitter publishes lifecycle events for registrations. The hooks package
// provides the production implementation.
type Emitter interface {
	Emit(event string, payload map[string]interface{})
}

// Entry is a single registered constant. The value is the identity.
type Entry struct {
	Value  uint32
	Name   string
	Symbol string
	RFC    string
}

// Registry is a mutex-protected table of protocol constants with reverse
// lookups by name and symbol.
type Registry struct {
	mu       sync.Mutex
	kind     string
	entries  map[uint32]Entry
	byName   map[string]uint32
	bySymbol map[string]uint32
	emitter  Emitter
}

// New returns an empty registry. The kind tags emitted hook payloads.
func New(kind string) *Registry {
	return &Registry{
		kind:     kind,
		entries:  make(map[uint32]Entry),
		byName:   make(map[string]uint32),
		bySymbol: make(map[string]uint32),
	}
}

// Attach connects a hook emitter. Registrations made before Attach are not
// replayed.
func (r *Registry) Attach(e Emitter) {
	r.mu.Lock()
	r.emitter = e
	r.mu.Unlock()
}

// Register inserts a constant. Registering the exact same entry again is a
// no-op; registering an existing value under a different symbol fails.
func (r *Registry) Register(value uint32, name, symbol, rfc string) error {
	r.mu.Lock()
	if existing, ok := r.entries[value]; ok {
		r.mu.Unlock()
		if existing.Symbol == symbol {
			return nil
		}
		return errors.Wrap(ErrConflict, fmt.Errorf("%s value %d already registered as %q", r.kind, value, existing.Symbol))
	}
	entry := Entry{Value: value, Name: name, Symbol: symbol, RFC: rfc}
	r.entries[value] = entry
	r.byName[name] = value
	if symbol != "" {
		r.bySymbol[symbol] = value
	}
	emitter := r.emitter
	r.mu.Unlock()

	if emitter != nil {
		emitter.Emit("coap_registry_registered", map[string]interface{}{
			"registry": r.kind,
			"value":    value,
			"name":     name,
			"symbol":   symbol,
		})
	}
	return nil
}

// Name returns the registered name for a value.
func (r *Registry) Name(value uint32) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[value]
	return e.Name, ok
}

// Value resolves a name or symbol back to its value.
func (r *Registry) Value(nameOrSymbol string) (uint32, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v, ok := r.byName[nameOrSymbol]; ok {
		return v, true
	}
	v, ok := r.bySymbol[nameOrSymbol]
	return v, ok
}

// RFC returns the RFC reference recorded for a value.
func (r *Registry) RFC(value uint32) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[value]
	return e.RFC, ok
}

// Values returns a sorted snapshot of all registered values.
func (r *Registry) Values() []uint32 {
	r.mu.Lock()
	vals := make([]uint32, 0, len(r.entries))
	for v := range r.entries {
		vals = append(vals, v)
	}
	r.mu.Unlock()
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	return vals
}

// All returns a snapshot of all entries ordered by value.
func (r *Registry) All() []Entry {
	r.mu.Lock()
	entries := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].Value < entries[j].Value })
	return entries
}
