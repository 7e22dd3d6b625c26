// ABOUTME: Tests for the generic TTL cache
// ABOUTME: Validates expiry, replacement, eviction order, sweeping and concurrent use

package ttlcache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_PutGet(t *testing.T) {
	c := New[int](0, 0, 0)
	defer c.Close()

	_, ok := c.Get("missing")
	assert.False(t, ok)

	_, replaced := c.Put("a", 1)
	assert.False(t, replaced)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestCache_PutReplacesAndReturnsPrevious(t *testing.T) {
	c := New[string](0, 0, 0)
	defer c.Close()

	c.Put("job", "first")
	prev, replaced := c.Put("job", "second")

	assert.True(t, replaced)
	assert.Equal(t, "first", prev)
	v, _ := c.Get("job")
	assert.Equal(t, "second", v)
	assert.Equal(t, 1, c.Len())
}

func TestCache_Expiry(t *testing.T) {
	c := New[int](time.Minute, 0, time.Hour)
	defer c.Close()

	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put("a", 1)
	_, ok := c.Get("a")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("a")
	assert.False(t, ok, "expired entry must not be returned")
	assert.Equal(t, 1, c.Len(), "expired entry stays until swept")

	assert.Equal(t, 1, c.removeExpired())
	assert.Equal(t, 0, c.Len())
}

func TestCache_ZeroTTLNeverExpires(t *testing.T) {
	c := New[int](0, 0, 0)
	defer c.Close()

	now := time.Now()
	c.now = func() time.Time { return now }
	c.Put("a", 1)

	now = now.Add(24 * time.Hour)
	_, ok := c.Get("a")
	assert.True(t, ok)
}

func TestCache_SweepStopsAtLiveEntry(t *testing.T) {
	c := New[int](time.Minute, 0, time.Hour)
	defer c.Close()

	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put("old", 1)
	now = now.Add(50 * time.Second)
	c.Put("new", 2)
	now = now.Add(20 * time.Second)

	assert.Equal(t, 1, c.removeExpired())
	assert.Equal(t, []string{"new"}, c.Keys())
}

func TestCache_BackgroundSweep(t *testing.T) {
	c := New[int](10*time.Millisecond, 0, 5*time.Millisecond)
	defer c.Close()

	c.Put("a", 1)
	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCache_EvictsOldestAtCapacity(t *testing.T) {
	c := New[int](0, 2, 0)
	defer c.Close()

	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("a", 10)
	c.Put("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok, "b was the oldest write and should be evicted")
	assert.Equal(t, []string{"a", "c"}, c.Keys())
}

func TestCache_Delete(t *testing.T) {
	c := New[int](0, 0, 0)
	defer c.Close()

	c.Put("a", 1)
	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
	assert.Equal(t, 0, c.Len())
}

func TestCache_Concurrent(t *testing.T) {
	c := New[int](time.Minute, 0, time.Millisecond)
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k-%d-%d", id%5, j%10)
				c.Put(key, j)
				c.Get(key)
				if j%7 == 0 {
					c.Delete(key)
				}
			}
		}(i)
	}
	wg.Wait()

	c.Put("final", 1)
	_, ok := c.Get("final")
	assert.True(t, ok)
}

func TestCache_Close(t *testing.T) {
	c := New[int](time.Minute, 0, 0)
	c.Close()
	c.Close()
}
