package cache

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCacheGetPut(t *testing.T) {
	c := New(4)

	_, ok := c.Get("team:1")
	assert.False(t, ok)

	c.Put("team:1", "alpha")
	v, ok := c.Get("team:1")
	assert.True(t, ok)
	assert.Equal(t, "alpha", v)

	c.Put("team:1", "beta")
	v, _ = c.Get("team:1")
	assert.Equal(t, "beta", v)
	assert.Equal(t, 1, c.Len())
}

func TestCacheEviction(t *testing.T) {
	c := New(3)
	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("team:%d", i), i)
	}

	// Touch team:0 so team:1 becomes the LRU entry.
	_, ok := c.Get("team:0")
	assert.True(t, ok)

	c.Put("team:3", 3)
	assert.Equal(t, 3, c.Len())

	_, ok = c.Get("team:1")
	assert.False(t, ok, "least recently used entry should be evicted")
	_, ok = c.Get("team:0")
	assert.True(t, ok)
	_, ok = c.Get("team:3")
	assert.True(t, ok)
}

func TestCacheInvalidate(t *testing.T) {
	c := New(8)
	c.Put("team:1", "alpha")
	c.Put("team:2", "beta")

	c.Invalidate("team:1")
	_, ok := c.Get("team:1")
	assert.False(t, ok)
	_, ok = c.Get("team:2")
	assert.True(t, ok)

	// Invalidating a missing key is a no-op.
	c.Invalidate("team:missing")
	assert.Equal(t, 1, c.Len())
}

func TestCacheInvalidateScope(t *testing.T) {
	c := New(8)
	c.Put("project:1", "a")
	c.Put("project:2", "b")
	c.Put("team:1", "c")

	c.InvalidateScope("project:")

	_, ok := c.Get("project:1")
	assert.False(t, ok)
	_, ok = c.Get("project:2")
	assert.False(t, ok)
	_, ok = c.Get("team:1")
	assert.True(t, ok)
}

func TestCacheCounters(t *testing.T) {
	hits := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_cache_hits"})
	misses := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_cache_misses"})
	c := New(4, WithCounters(hits, misses))

	c.Get("team:1")
	c.Put("team:1", "alpha")
	c.Get("team:1")
	c.Get("team:1")

	assert.Equal(t, float64(2), testutil.ToFloat64(hits))
	assert.Equal(t, float64(1), testutil.ToFloat64(misses))
}

func TestCacheDefaultCapacity(t *testing.T) {
	c := New(0)
	for i := 0; i < DefaultCapacity+10; i++ {
		c.Put(fmt.Sprintf("k:%d", i), i)
	}
	assert.Equal(t, DefaultCapacity, c.Len())
}
