// Package cache provides a small key/value cache with per-entry expiry.
package cache

import (
	"fmt"
	"sync"
	"time"
)

// DefaultSweepEvery is how many inserts pass between full expiry sweeps.
const DefaultSweepEvery = 100

type entry struct {
	value    any
	inserted time.Time
	ttl      time.Duration
}

// expired treats a non-positive ttl as already expired.
func (e entry) expired(now time.Time) bool {
	return e.ttl <= 0 || now.Sub(e.inserted) > e.ttl
}

// Option configures an ExpiringCache.
type Option func(*ExpiringCache)

// WithNowFunc replaces the clock.
func WithNowFunc(now func() time.Time) Option {
	return func(c *ExpiringCache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithSweepEvery sets the insert interval between sweeps. Zero disables
// opportunistic sweeping.
func WithSweepEvery(n int) Option {
	return func(c *ExpiringCache) { c.sweepEvery = n }
}

// ExpiringCache is a mutex-guarded map whose entries expire after their
// TTL. Expired entries are removed lazily on Get and by a full sweep every
// few inserts; Purge forces a sweep.
type ExpiringCache struct {
	mu         sync.Mutex
	items      map[string]entry
	defaultTTL time.Duration
	sweepEvery int
	inserts    uint64
	evictions  uint64
	hits       uint64
	misses     uint64
	now        func() time.Time
}

// NewExpiringCache creates a cache whose Set uses defaultTTL.
func NewExpiringCache(defaultTTL time.Duration, opts ...Option) *ExpiringCache {
	c := &ExpiringCache{
		items:      make(map[string]entry),
		defaultTTL: defaultTTL,
		sweepEvery: DefaultSweepEvery,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Set stores value under key with the default TTL.
func (c *ExpiringCache) Set(key string, value any) {
	c.SetTTL(key, value, c.defaultTTL)
}

// SetTTL stores value under key with the given TTL.
func (c *ExpiringCache) SetTTL(key string, value any, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.items[key] = entry{value: value, inserted: now, ttl: ttl}
	c.inserts++
	if c.sweepEvery > 0 && c.inserts%uint64(c.sweepEvery) == 0 {
		c.sweepLocked(now)
	}
}

// Get returns the value for key if it has not expired. An expired entry is
// removed.
func (c *ExpiringCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if e.expired(c.now()) {
		delete(c.items, key)
		c.evictions++
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Delete removes key and reports whether it was present.
func (c *ExpiringCache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	delete(c.items, key)
	return ok
}

// Purge removes every expired entry and returns how many were removed.
func (c *ExpiringCache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(c.now())
}

func (c *ExpiringCache) sweepLocked(now time.Time) int {
	removed := 0
	for k, e := range c.items {
		if e.expired(now) {
			delete(c.items, k)
			removed++
		}
	}
	c.evictions += uint64(removed)
	return removed
}

// Clear removes every entry and returns how many there were.
func (c *ExpiringCache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.items)
	c.items = make(map[string]entry)
	return n
}

// Len counts stored entries, expired or not.
func (c *ExpiringCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// EstimatedBytes approximates the memory held by keys and values.
func (c *ExpiringCache) EstimatedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total int64
	for k, e := range c.items {
		total += int64(len(k)) + valueSize(e.value) + 48
	}
	return total
}

func valueSize(v any) int64 {
	switch x := v.(type) {
	case nil:
		return 0
	case string:
		return int64(len(x))
	case []byte:
		return int64(len(x))
	case fmt.Stringer:
		return int64(len(x.String()))
	default:
		return int64(len(fmt.Sprint(x)))
	}
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries   int    `json:"entries"`
	Inserts   uint64 `json:"inserts"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// Stats returns the cache counters.
func (c *ExpiringCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Entries:   len(c.items),
		Inserts:   c.inserts,
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}
