// Package cache provides the expirable concurrent map and one-shot
// future that back every expensive derived value in the service:
// secrets, storage handles, SAS URLs and proxy topologies.
package cache

import (
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/deploykit/deployd/internal/clock"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// VolatileMap is a concurrent string-keyed map whose entries carry an
// absolute expiry time. Expired entries behave as absent and are
// removed opportunistically on access.
type VolatileMap[V any] struct {
	entries cmap.ConcurrentMap[string, entry[V]]
	clock   clock.Clock
}

// NewVolatileMap creates an empty map bound to the given clock.
func NewVolatileMap[V any](clk clock.Clock) *VolatileMap[V] {
	return &VolatileMap[V]{
		entries: cmap.New[entry[V]](),
		clock:   clk,
	}
}

// TryAdd installs value under key with the given TTL if the key is
// absent or its current entry has expired. It reports whether this
// call installed the value.
func (m *VolatileMap[V]) TryAdd(key string, value V, ttl time.Duration) bool {
	now := m.clock.Now()
	installed := false

	// Upsert runs the callback under the shard lock, so the install
	// decision and the write are atomic.
	m.entries.Upsert(key, entry[V]{value: value, expiresAt: now.Add(ttl)}, func(exists bool, current, fresh entry[V]) entry[V] {
		if exists && current.expiresAt.After(now) {
			return current
		}

		installed = true

		return fresh
	})

	return installed
}

// TryGet returns the live value for key. Expired entries are treated as
// absent and evicted.
func (m *VolatileMap[V]) TryGet(key string) (V, bool) {
	ent, ok := m.entries.Get(key)
	if !ok {
		var zero V

		return zero, false
	}

	if !ent.expiresAt.After(m.clock.Now()) {
		// Only remove if the entry is still the expired one; a
		// concurrent TryAdd may have refreshed it.
		m.entries.RemoveCb(key, func(_ string, current entry[V], exists bool) bool {
			return exists && !current.expiresAt.After(m.clock.Now())
		})

		var zero V

		return zero, false
	}

	return ent.value, true
}

// Invalidate forces immediate expiry of the entry, if present.
func (m *VolatileMap[V]) Invalidate(key string) {
	m.entries.Remove(key)
}

// Len reports the number of stored entries, including not yet swept
// expired ones.
func (m *VolatileMap[V]) Len() int {
	return m.entries.Count()
}
