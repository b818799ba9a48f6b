// Package safemap provides a generic map guarded by a single mutex. Unlike a
// sync.Map, every read-iteration observes one consistent state of the map,
// and each mutation advances a generation counter callers can key caches on.
package safemap

import "sync"

// SafeMap is a concurrent map that is safe for use by multiple goroutines.
// Keys must be comparable; values may be any type.
//
// SafeMap must not be copied after first use. Critical sections only touch
// the in-memory map; callbacks passed to Range run under the read lock and
// must not call back into the map.
type SafeMap[K comparable, V any] struct {
	mu         sync.RWMutex
	m          map[K]V
	generation uint64
}

// NewSafeMap returns a new, empty SafeMap ready for use.
func NewSafeMap[K comparable, V any]() *SafeMap[K, V] {
	return &SafeMap[K, V]{m: make(map[K]V)}
}

// Store sets the value for key k, overwriting any existing value.
//
// Parameters:
//   - k: The key to store
//   - v: The value to associate with k
func (m *SafeMap[K, V]) Store(k K, v V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.m[k] = v
	m.generation++
}

// StoreIfAbsent stores v under k only if k is not present yet.
//
// Returns:
//   - true if v was stored, false if k was already present
func (m *SafeMap[K, V]) StoreIfAbsent(k K, v V) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, found := m.m[k]; found {
		return false
	}

	m.m[k] = v
	m.generation++
	return true
}

// Load returns the value for key k and whether it was present. A missing key
// yields the zero value of V.
func (m *SafeMap[K, V]) Load(k K) (V, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, found := m.m[k]
	return v, found
}

// Delete removes the entry for key k. Deleting a missing key is a no-op and
// does not advance the generation.
//
// Returns:
//   - true if an entry was removed
func (m *SafeMap[K, V]) Delete(k K) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, found := m.m[k]; !found {
		return false
	}

	delete(m.m, k)
	m.generation++
	return true
}

// Len returns the number of entries in the map.
func (m *SafeMap[K, V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.m)
}

// Range calls f for each entry while holding the read lock. Iteration stops
// when f returns false. Iteration order is unspecified.
func (m *SafeMap[K, V]) Range(f func(k K, v V) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k, v := range m.m {
		if !f(k, v) {
			return
		}
	}
}

// Snapshot returns a copy of all values together with the generation they
// were read at. Order is unspecified.
func (m *SafeMap[K, V]) Snapshot() ([]V, uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	values := make([]V, 0, len(m.m))
	for _, v := range m.m {
		values = append(values, v)
	}

	return values, m.generation
}

// Generation returns the number of mutations applied so far.
func (m *SafeMap[K, V]) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// Touch advances the generation without changing membership. Use it when a
// value changed in place and derived views must be recomputed.
//
// Returns:
//   - The new generation
func (m *SafeMap[K, V]) Touch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generation++
	return m.generation
}
