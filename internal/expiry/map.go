// Package expiry provides a small mutex-guarded map whose entries become
// invisible after a fixed TTL. Stale entries are evicted on lookup or by an
// explicit sweep; callers that need cross-key atomicity hold their own lock
// around multiple calls.
package expiry

import (
	"sync"
	"time"
)

type entry struct {
	value      any
	insertedAt time.Time
}

// Map is a string-keyed TTL map.
type Map struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry
}

// New creates a Map whose entries expire ttl after insertion.
func New(ttl time.Duration) *Map {
	return &Map{
		ttl:     ttl,
		entries: make(map[string]entry),
	}
}

// Put inserts or overwrites key, timestamped now.
func (m *Map) Put(key string, value any) {
	m.mu.Lock()
	m.entries[key] = entry{value: value, insertedAt: time.Now()}
	m.mu.Unlock()
}

// PutIfAbsent inserts key only when no live entry exists, and reports
// whether the insert happened. A stale entry counts as absent and is
// overwritten.
func (m *Map) PutIfAbsent(key string, value any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[key]; ok && time.Since(e.insertedAt) <= m.ttl {
		return false
	}
	m.entries[key] = entry{value: value, insertedAt: time.Now()}
	return true
}

// Get returns the live value for key. A stale entry is evicted and reported
// as absent.
func (m *Map) Get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if time.Since(e.insertedAt) > m.ttl {
		delete(m.entries, key)
		return nil, false
	}
	return e.value, true
}

// Delete removes key if present.
func (m *Map) Delete(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

// Sweep evicts every stale entry and returns how many were removed.
func (m *Map) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, e := range m.entries {
		if now.Sub(e.insertedAt) > m.ttl {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries, stale ones included.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
