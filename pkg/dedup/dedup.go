// Package dedup remembers recently observed message identifiers so a
// node does not reprocess or rebroadcast the same message twice.
package dedup

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	sha256 "github.com/minio/sha256-simd"
)

const (
	DefaultTTL  = 10 * time.Minute
	DefaultSize = 16384
)

// Option configures a Cache
type Option func(*Cache)

// WithClock sets the time source used for TTL decisions
func WithClock(c clock.Clock) Option {
	return func(cache *Cache) { cache.clock = c }
}

// WithSize bounds the number of remembered identifiers. The oldest entry
// is evicted first once the bound is reached.
func WithSize(n int) Option {
	return func(cache *Cache) {
		if n > 0 {
			cache.size = n
		}
	}
}

// Cache maps message identifiers to their first-seen time. It is safe for
// concurrent use.
type Cache struct {
	mu    sync.Mutex
	ttl   time.Duration
	size  int
	clock clock.Clock
	seen  *simplelru.LRU[string, time.Time]
}

// New creates a cache whose entries expire after ttl. A non-positive ttl
// selects DefaultTTL.
func New(ttl time.Duration, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		ttl:   ttl,
		size:  DefaultSize,
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	// only fails for a non-positive size
	c.seen, _ = simplelru.NewLRU[string, time.Time](c.size, nil)
	return c
}

// Seen records id and reports whether it was already present within the
// TTL. The check and the insert happen under one lock, so two concurrent
// callers with the same id never both get false. A duplicate does not
// refresh the original insertion time.
func (c *Cache) Seen(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	c.expire(now)
	if at, ok := c.seen.Peek(id); ok && now.Sub(at) < c.ttl {
		return true
	}
	c.seen.Add(id, now)
	return false
}

// Has reports whether id is present within the TTL without recording it
func (c *Cache) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	at, ok := c.seen.Peek(id)
	return ok && c.clock.Now().Sub(at) < c.ttl
}

// Forget removes id
func (c *Cache) Forget(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen.Remove(id)
}

// Clear drops every entry
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen.Purge()
}

// Len returns the number of unexpired entries
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire(c.clock.Now())
	return c.seen.Len()
}

// TTL returns the expiry window
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// expire removes entries from the oldest end. Entries are never refreshed,
// so LRU order is insertion order.
func (c *Cache) expire(now time.Time) {
	for {
		_, at, ok := c.seen.GetOldest()
		if !ok || now.Sub(at) < c.ttl {
			return
		}
		c.seen.RemoveOldest()
	}
}

// Digest returns a content identifier for messages that carry no id of
// their own.
func Digest(msg []byte) string {
	sum := sha256.Sum256(msg)
	return hex.EncodeToString(sum[:])
}
