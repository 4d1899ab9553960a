package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time      { return c.t }
func (c *clock) add(d time.Duration) { c.t = c.t.Add(d) }

func TestNewDefaults(t *testing.T) {
	assert.Equal(t, DefaultMaxSize, New[string, int](0, 0).maxSize)
	assert.Equal(t, DefaultMaxSize, New[string, int](-5, 0).maxSize)
	assert.Equal(t, 10, New[string, int](10, 0).maxSize)
}

func TestGetPut(t *testing.T) {
	c := New[string, int](10, 0)

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Put("a", 1)
	c.Put("b", 2)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	c.Put("a", 3)
	v, _ = c.Get("a")
	assert.Equal(t, 3, v)
	assert.Equal(t, 2, c.Len())

	c.Remove("a")
	_, ok = c.Get("a")
	assert.False(t, ok)

	c.Clear()
	assert.Zero(t, c.Len())
}

func TestLRUEviction(t *testing.T) {
	c := New[int, string](3, 0)
	c.Put(1, "one")
	c.Put(2, "two")
	c.Put(3, "three")

	// Touch 1 so 2 becomes the oldest.
	_, ok := c.Get(1)
	require.True(t, ok)
	c.Put(4, "four")

	_, ok = c.Get(2)
	assert.False(t, ok, "least recently used entry is evicted")
	for _, k := range []int{1, 3, 4} {
		_, ok := c.Get(k)
		assert.True(t, ok, k)
	}
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestTTLExpiry(t *testing.T) {
	clk := &clock{t: time.Unix(1000, 0)}
	c := New[string, int](10, time.Minute)
	c.now = clk.now

	c.Put("a", 1)
	clk.add(50 * time.Second)
	_, ok := c.Get("a")
	require.True(t, ok)

	// The hit extended the expiry.
	clk.add(50 * time.Second)
	_, ok = c.Get("a")
	require.True(t, ok)

	clk.add(61 * time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Zero(t, c.Len())
}

func TestGetOrCreate(t *testing.T) {
	c := New[string, *int](2, 0)
	calls := 0
	create := func() *int {
		calls++
		v := calls
		return &v
	}

	a := c.GetOrCreate("a", create)
	assert.Same(t, a, c.GetOrCreate("a", create))
	assert.Equal(t, 1, calls)

	c.GetOrCreate("b", create)
	c.GetOrCreate("c", create)
	assert.Equal(t, 2, c.Len())
	assert.NotSame(t, a, c.GetOrCreate("a", create), "evicted entries are recreated")
}

func TestStats(t *testing.T) {
	c := New[string, int](10, 0)
	c.Put("a", 1)
	c.Get("a")
	c.Get("a")
	c.Get("missing")

	s := c.Stats()
	assert.Equal(t, 1, s.Size)
	assert.Equal(t, 10, s.MaxSize)
	assert.Equal(t, uint64(2), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.InDelta(t, 66.67, s.HitRate, 0.01)
}

func TestConcurrentAccess(t *testing.T) {
	c := New[string, int](50, time.Hour)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k%d", (g*7+i)%100)
				c.GetOrCreate(key, func() int { return i })
				c.Get(key)
				if i%10 == 0 {
					c.Remove(key)
				}
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 50)
}
