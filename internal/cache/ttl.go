// Package cache provides a TTL cache with stale-while-revalidate reads,
// shared by the session store, the API-key authenticator and the guard
// policy source.
package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// TTL is a TTL-based in-memory cache with stale-while-revalidate.
// Uses sync.Map for lock-free reads on the hot path.
type TTL[V any] struct {
	store sync.Map // map[string]*entry[V]
	ttl   time.Duration
	now   func() time.Time
}

type entry[V any] struct {
	value      V
	present    bool
	expiresAt  time.Time
	refreshing atomic.Bool
}

// Result holds the result of a cache lookup.
type Result[V any] struct {
	Value V
	// Present is false for negative entries (looked up, not found).
	Present      bool
	Hit          bool // true if an entry was found (fresh or stale)
	NeedsRefresh bool // true if expired; the caller should refresh in background
}

// New creates a cache with the given TTL.
func New[V any](ttl time.Duration) *TTL[V] {
	return &TTL[V]{ttl: ttl, now: time.Now}
}

// Get performs a non-blocking cache lookup.
// Returns stale entries with NeedsRefresh=true when expired; only one caller
// per expiry gets the refresh signal.
func (c *TTL[V]) Get(key string) Result[V] {
	val, ok := c.store.Load(key)
	if !ok {
		return Result[V]{}
	}

	e := val.(*entry[V])
	if c.now().Before(e.expiresAt) {
		return Result[V]{Value: e.value, Present: e.present, Hit: true}
	}

	needsRefresh := e.refreshing.CompareAndSwap(false, true)
	return Result[V]{Value: e.value, Present: e.present, Hit: true, NeedsRefresh: needsRefresh}
}

// Set stores a value with a fresh TTL.
func (c *TTL[V]) Set(key string, v V) {
	c.store.Store(key, &entry[V]{value: v, present: true, expiresAt: c.now().Add(c.ttl)})
}

// SetMissing stores a negative entry.
func (c *TTL[V]) SetMissing(key string) {
	c.store.Store(key, &entry[V]{expiresAt: c.now().Add(c.ttl)})
}

// Delete removes an entry.
func (c *TTL[V]) Delete(key string) {
	c.store.Delete(key)
}
