package cache

import (
	"sync"
	"time"
)

type item[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLMap is a small concurrency-safe map with per-entry expiry. A zero
// expiry means the entry never expires.
type TTLMap[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]item[V]
}

func NewTTLMap[K comparable, V any]() *TTLMap[K, V] {
	return &TTLMap[K, V]{items: map[K]item[V]{}}
}

// GetFresh returns the value for key if it exists and has not expired at now.
func (m *TTLMap[K, V]) GetFresh(key K, now time.Time) (V, bool) {
	var zero V
	if m == nil {
		return zero, false
	}
	m.mu.RLock()
	it, ok := m.items[key]
	m.mu.RUnlock()
	if !ok {
		return zero, false
	}
	if !it.expiresAt.IsZero() && !now.Before(it.expiresAt) {
		return zero, false
	}
	return it.value, true
}

func (m *TTLMap[K, V]) SetWithTTL(key K, value V, now time.Time, ttl time.Duration) {
	if m == nil {
		return
	}
	exp := time.Time{}
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	m.mu.Lock()
	m.items[key] = item[V]{value: value, expiresAt: exp}
	m.mu.Unlock()
}

func (m *TTLMap[K, V]) Delete(key K) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}

// PurgeExpired drops every entry whose deadline is at or before now and
// returns the number removed.
func (m *TTLMap[K, V]) PurgeExpired(now time.Time) int {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, it := range m.items {
		if !it.expiresAt.IsZero() && !now.Before(it.expiresAt) {
			delete(m.items, k)
			removed++
		}
	}
	return removed
}

func (m *TTLMap[K, V]) Len() int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
