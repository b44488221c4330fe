// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package namespace provides the global resolution namespace used for
// handlers that are registered by name before they exist.
package namespace

import "sync"

// Resolver looks up a value by name. The value need not be callable; the
// caller decides what to do with it.
type Resolver interface {
	Resolve(name string) (any, bool)
}

// Map is a thread-safe in-memory Resolver.
type Map struct {
	mu     sync.RWMutex
	values map[string]any
}

var _ Resolver = (*Map)(nil)

// NewMap creates an empty namespace.
func NewMap() *Map {
	return &Map{values: make(map[string]any)}
}

// Set binds name to v, replacing any previous binding.
func (m *Map) Set(name string, v any) {
	m.mu.Lock()
	m.values[name] = v
	m.mu.Unlock()
}

// Delete removes the binding for name.
func (m *Map) Delete(name string) {
	m.mu.Lock()
	delete(m.values, name)
	m.mu.Unlock()
}

func (m *Map) Resolve(name string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[name]
	return v, ok
}

// Names returns the bound names in no particular order.
func (m *Map) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.values))
	for k := range m.values {
		names = append(names, k)
	}
	return names
}

// Chain resolves through each Resolver in order; the first hit wins.
type Chain []Resolver

func (c Chain) Resolve(name string) (any, bool) {
	for _, r := range c {
		if r == nil {
			continue
		}
		if v, ok := r.Resolve(name); ok {
			return v, true
		}
	}
	return nil, false
}

// Empty never resolves anything.
type Empty struct{}

func (Empty) Resolve(string) (any, bool) { return nil, false }
