package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(ttl time.Duration, opts ...Option) (*ExpiringCache, *clock) {
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewExpiringCache(ttl, append([]Option{WithNowFunc(clk.Now)}, opts...)...), clk
}

func TestSetGet(t *testing.T) {
	c, clk := newTestCache(time.Minute)
	c.Set("k", 1)

	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	clk.Advance(time.Minute)
	_, ok = c.Get("k")
	assert.True(t, ok, "entry at exactly its ttl is still fresh")

	clk.Advance(time.Nanosecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Zero(t, c.Len(), "expired entry is removed on access")
}

func TestZeroOrNegativeTTLIsExpired(t *testing.T) {
	c, _ := newTestCache(time.Minute)

	c.SetTTL("zero", 1, 0)
	c.SetTTL("negative", 1, -time.Second)

	_, ok := c.Get("zero")
	assert.False(t, ok)
	_, ok = c.Get("negative")
	assert.False(t, ok)
}

func TestPurgeRemovesOnlyExpired(t *testing.T) {
	c, clk := newTestCache(time.Minute, WithSweepEvery(0))
	c.SetTTL("short", 1, time.Second)
	c.SetTTL("long", 2, time.Hour)

	clk.Advance(2 * time.Second)
	assert.Equal(t, 1, c.Purge())
	assert.Equal(t, 1, c.Len())
	assert.Zero(t, c.Purge())
}

func TestSweepEveryNInserts(t *testing.T) {
	c, clk := newTestCache(time.Minute, WithSweepEvery(10))
	for i := 0; i < 5; i++ {
		c.SetTTL(fmt.Sprintf("old-%d", i), i, time.Second)
	}
	clk.Advance(time.Hour)

	for i := 0; i < 4; i++ {
		c.Set(fmt.Sprintf("new-%d", i), i)
	}
	assert.Equal(t, 9, c.Len())

	c.Set("tenth", 10)
	assert.Equal(t, 5, c.Len())
	assert.EqualValues(t, 5, c.Stats().Evictions)
}

func TestClearAndDelete(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	c.Set("a", "x")
	c.Set("b", "y")

	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
	assert.Equal(t, 1, c.Clear())
	assert.Zero(t, c.Len())
}

func TestStatsAndEstimatedBytes(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	c.Set("key", "value")
	c.Set("raw", []byte{1, 2})

	c.Get("key")
	c.Get("missing")

	st := c.Stats()
	assert.Equal(t, 2, st.Entries)
	assert.EqualValues(t, 2, st.Inserts)
	assert.EqualValues(t, 1, st.Hits)
	assert.EqualValues(t, 1, st.Misses)
	assert.EqualValues(t, (3+5+48)+(3+2+48), c.EstimatedBytes())
}

func TestConcurrentAccess(t *testing.T) {
	c := NewExpiringCache(time.Minute)

	var wg sync.WaitGroup
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("%d-%d", g, i%10)
				c.Set(key, i)
				c.Get(key)
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 200, c.Len())
}
