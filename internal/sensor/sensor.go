// Package sensor holds an entity's published attributes.
//
// Attributes are addressed by typed keys so readers get the value type they
// expect. Listeners are told about every change after it is applied.
package sensor

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Key names an attribute of type T.
type Key[T any] struct {
	Name        string
	Description string
}

// NewKey returns a key for name.
func NewKey[T any](name, description string) Key[T] {
	return Key[T]{Name: name, Description: description}
}

// Change describes one attribute update.
type Change struct {
	Name  string
	Value any
}

// Listener is called after an attribute changes. It must not call back into
// the registry's setters.
type Listener func(Change)

// Registry is a thread-safe attribute map.
type Registry struct {
	mu        sync.RWMutex
	values    map[string]any
	listeners []Listener
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{values: make(map[string]any)}
}

// Set stores v under k and notifies listeners.
func Set[T any](r *Registry, k Key[T], v T) {
	r.mu.Lock()
	r.values[k.Name] = v
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.Unlock()

	for _, l := range listeners {
		l(Change{Name: k.Name, Value: v})
	}
}

// Get returns the value of k and whether it is set.
func Get[T any](r *Registry, k Key[T]) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var zero T
	raw, ok := r.values[k.Name]
	if !ok {
		return zero, false
	}
	v, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return v, true
}

// Subscribe registers l for all future changes.
func (r *Registry) Subscribe(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Names returns the set attribute names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.values))
	for n := range r.values {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Snapshot encodes every attribute as JSON.
func (r *Registry) Snapshot() (map[string]json.RawMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]json.RawMessage, len(r.values))
	for name, v := range r.values {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", name, err)
		}
		out[name] = b
	}
	return out, nil
}

// Restore decodes the snapshot entry for k, if present, and sets it without
// notifying listeners.
func Restore[T any](r *Registry, k Key[T], snap map[string]json.RawMessage) error {
	raw, ok := snap[k.Name]
	if !ok {
		return nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("decode %s: %w", k.Name, err)
	}
	r.mu.Lock()
	r.values[k.Name] = v
	r.mu.Unlock()
	return nil
}
