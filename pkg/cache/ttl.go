// Package cache provides the injectable TTL store used for per-session
// detection results. Each key carries its own mutex so unrelated sessions
// never serialize behind one another.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	mu        sync.Mutex
	value     V
	expiresAt time.Time
	live      bool
	// gone is set once the entry has left the map; writers must reload.
	gone bool
}

// TTL is a key to value map whose entries expire after a fixed duration.
type TTL[V any] struct {
	ttl     time.Duration
	now     func() time.Time
	entries sync.Map // string -> *entry[V]
}

// NewTTL creates a store. now may be nil to use the wall clock.
func NewTTL[V any](ttl time.Duration, now func() time.Time) *TTL[V] {
	if now == nil {
		now = time.Now
	}
	return &TTL[V]{ttl: ttl, now: now}
}

func (c *TTL[V]) slot(key string) *entry[V] {
	if e, ok := c.entries.Load(key); ok {
		return e.(*entry[V])
	}
	e, _ := c.entries.LoadOrStore(key, &entry[V]{})
	return e.(*entry[V])
}

// Get returns the live value for key.
func (c *TTL[V]) Get(key string) (V, bool) {
	var zero V
	raw, ok := c.entries.Load(key)
	if !ok {
		return zero, false
	}
	e := raw.(*entry[V])
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.live || !c.now().Before(e.expiresAt) {
		return zero, false
	}
	return e.value, true
}

// Set stores value under key for the configured TTL.
func (c *TTL[V]) Set(key string, value V) {
	for {
		e := c.slot(key)
		e.mu.Lock()
		if e.gone {
			e.mu.Unlock()
			continue
		}
		e.value = value
		e.expiresAt = c.now().Add(c.ttl)
		e.live = true
		e.mu.Unlock()
		return
	}
}

// Delete drops key.
func (c *TTL[V]) Delete(key string) {
	raw, ok := c.entries.LoadAndDelete(key)
	if !ok {
		return
	}
	e := raw.(*entry[V])
	e.mu.Lock()
	e.gone = true
	e.mu.Unlock()
}

// Sweep removes expired entries and returns how many were dropped. The
// expiry check and the removal happen under the entry lock, so a concurrent
// Set either lands before the check or retries on a fresh entry.
func (c *TTL[V]) Sweep() int {
	now := c.now()
	removed := 0
	c.entries.Range(func(k, raw any) bool {
		e := raw.(*entry[V])
		e.mu.Lock()
		if !e.gone && (!e.live || !now.Before(e.expiresAt)) {
			if c.entries.CompareAndDelete(k, raw) {
				e.gone = true
				removed++
			}
		}
		e.mu.Unlock()
		return true
	})
	return removed
}

// Len counts stored entries, expired or not.
func (c *TTL[V]) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
