// Package dedup implements an expiring fingerprint map used to collapse
// retried client sends into a single delivered message. Each recorded key
// lives for a bounded TTL; after expiry the same fingerprint is treated as
// a new message. This is an accepted bounded-risk trade-off, not a
// correctness guarantee — callers needing stronger idempotence must supply
// a nonce that is stable for their whole retry window.
package dedup

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultTTL is the window during which a repeated fingerprint is
// collapsed to the previously produced value.
const DefaultTTL = 30 * time.Second

// Fingerprint derives a deterministic key from the given parts. Parts are
// joined with an unprintable separator before hashing so that no
// concatenation of fields can collide with another split of the same bytes.
func Fingerprint(parts ...string) string {
	joined := strings.Join(parts, "\x1f")
	h := sha256.Sum256([]byte(joined))
	return fmt.Sprintf("%x", h[:8]) // 16-char hex prefix
}

type entry[V any] struct {
	value      V
	recordedAt time.Time
}

// Guard is a goroutine-safe expiring map from fingerprint to the value
// produced when the fingerprint was first seen. Expired entries are
// evicted lazily on lookup and in bulk by Sweep.
type Guard[V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]entry[V]
	now     func() time.Time // overridable in tests
}

// New creates a Guard with the given TTL. A non-positive ttl falls back to
// DefaultTTL.
func New[V any](ttl time.Duration) *Guard[V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard[V]{
		ttl:     ttl,
		entries: make(map[string]entry[V]),
		now:     time.Now,
	}
}

// Lookup returns the value recorded for key if it is present and
// unexpired. An expired entry is evicted and reported as absent.
func (g *Guard[V]) Lookup(key string) (V, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	e, ok := g.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if g.now().Sub(e.recordedAt) >= g.ttl {
		delete(g.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Record stores the value for key, resetting its TTL window.
func (g *Guard[V]) Record(key string, v V) {
	g.mu.Lock()
	g.entries[key] = entry[V]{value: v, recordedAt: g.now()}
	g.mu.Unlock()
}

// Sweep evicts all expired entries and returns how many were removed.
// Lazy eviction keeps lookups correct without it; Sweep only bounds the
// map's memory between lookups.
func (g *Guard[V]) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	removed := 0
	for k, e := range g.entries {
		if now.Sub(e.recordedAt) >= g.ttl {
			delete(g.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries currently held, including any that
// have expired but not yet been evicted.
func (g *Guard[V]) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}
