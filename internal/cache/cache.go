// Package cache provides the in-memory last-known-value entity cache. Keys
// are canonical entity strings ("team:{id}", "team_members:{teamID}", ...).
// The service façade writes through it for read-your-write consistency and
// the subscription layer reconciles it with pushed server values.
package cache

import (
	"container/list"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultCapacity bounds the cache when no capacity is configured.
const DefaultCapacity = 1024

// Cache is a bounded LRU keyed by entity key. Safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	capacity int
	entries  map[string]*list.Element
	order    *list.List // front = most recently used

	hits   prometheus.Counter
	misses prometheus.Counter
}

type entry struct {
	key   string
	value any
}

// Option configures a Cache.
type Option func(*Cache)

// WithCounters attaches hit/miss counters.
func WithCounters(hits, misses prometheus.Counter) Option {
	return func(c *Cache) {
		c.hits = hits
		c.misses = misses
	}
}

// New creates a cache bounded to capacity entries.
func New(capacity int, opts ...Option) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached value for key, if present.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		if c.misses != nil {
			c.misses.Inc()
		}
		return nil, false
	}
	c.order.MoveToFront(el)
	if c.hits != nil {
		c.hits.Inc()
	}
	return el.Value.(*entry).value, true
}

// Put stores a value, evicting the least recently used entry when full.
func (c *Cache) Put(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*entry).value = value
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(&entry{key: key, value: value})
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.entries, oldest.Value.(*entry).key)
		}
	}
}

// Invalidate drops a single key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.order.Remove(el)
		delete(c.entries, key)
	}
}

// InvalidateScope drops every key with the given prefix. Used when a parent's
// derived listing (for example a team's projects) must be recomputed.
func (c *Cache) InvalidateScope(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, el := range c.entries {
		if strings.HasPrefix(key, prefix) {
			c.order.Remove(el)
			delete(c.entries, key)
		}
	}
}

// Len reports the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
