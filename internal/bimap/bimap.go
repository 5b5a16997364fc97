// Package bimap provides a thread-safe, insertion-ordered, strictly one-to-one
// bidirectional map.
package bimap

import (
	"errors"
	"fmt"
	"sync"
)

// ErrValueBound is returned by Put when the value is already associated with
// a different key.
var ErrValueBound = errors.New("value already bound to a different key")

// Entry is a single key/value association.
type Entry[K comparable, V comparable] struct {
	Key   K
	Value V
}

// Map keeps a forward and a reverse index in sync. Forward iteration follows
// insertion order. Every method takes the same lock, and every accessor returns
// a snapshot so callers never hold a live iterator.
type Map[K comparable, V comparable] struct {
	mu      sync.Mutex
	order   []K
	forward map[K]V
	reverse map[V]K
}

// New returns an empty map.
func New[K comparable, V comparable]() *Map[K, V] {
	return &Map[K, V]{
		forward: make(map[K]V),
		reverse: make(map[V]K),
	}
}

// Put associates k with v. Re-putting an existing key keeps its position and
// drops the reverse entry of the value it held before.
func (m *Map[K, V]) Put(k K, v V) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if owner, ok := m.reverse[v]; ok && owner != k {
		return fmt.Errorf("%w: %v", ErrValueBound, v)
	}

	if old, ok := m.forward[k]; ok {
		delete(m.reverse, old)
	} else {
		m.order = append(m.order, k)
	}
	m.forward[k] = v
	m.reverse[v] = k
	return nil
}

// Get returns the value bound to k.
func (m *Map[K, V]) Get(k K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.forward[k]
	return v, ok
}

// Size returns the number of associations.
func (m *Map[K, V]) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// Keys returns the keys in insertion order.
func (m *Map[K, V]) Keys() []K {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]K, len(m.order))
	copy(out, m.order)
	return out
}

// Values returns the values in key insertion order.
func (m *Map[K, V]) Values() []V {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]V, 0, len(m.order))
	for _, k := range m.order {
		out = append(out, m.forward[k])
	}
	return out
}

// Entries returns the associations in insertion order.
func (m *Map[K, V]) Entries() []Entry[K, V] {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry[K, V], 0, len(m.order))
	for _, k := range m.order {
		out = append(out, Entry[K, V]{Key: k, Value: m.forward[k]})
	}
	return out
}

// Clear removes every association.
func (m *Map[K, V]) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order = nil
	m.forward = make(map[K]V)
	m.reverse = make(map[V]K)
}

// Inverse returns a read-only view keyed by value.
func (m *Map[K, V]) Inverse() Inverse[V, K] {
	return Inverse[V, K]{get: m.lookupKey, size: m.Size, keys: m.Values}
}

func (m *Map[K, V]) lookupKey(v V) (K, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.reverse[v]
	return k, ok
}

// Inverse is the read-only reverse view of a Map. It reads through to the
// owning map under the same lock.
type Inverse[V comparable, K comparable] struct {
	get  func(V) (K, bool)
	size func() int
	keys func() []V
}

// Get returns the key bound to v.
func (i Inverse[V, K]) Get(v V) (K, bool) { return i.get(v) }

// Size returns the number of associations.
func (i Inverse[V, K]) Size() int { return i.size() }

// Keys returns the values of the owning map in insertion order.
func (i Inverse[V, K]) Keys() []V { return i.keys() }
