package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestLimiterBurstAndRefill(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l := newLimiter(10, 3, clock.now)

	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())

	clock.advance(100 * time.Millisecond)
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())

	// Refill never exceeds the burst.
	clock.advance(time.Hour)
	assert.True(t, l.AllowN(3))
	assert.False(t, l.Allow())
}

func TestLimiterAllowN(t *testing.T) {
	l := NewLimiter(1, 5)
	assert.False(t, l.AllowN(6))
	assert.True(t, l.AllowN(5))
	assert.False(t, l.AllowN(1))
}

func TestClientLimitersAreIndependent(t *testing.T) {
	cl := NewClientLimiters(1, 1)
	defer cl.Stop()

	assert.True(t, cl.Allow("10.0.0.1"))
	assert.False(t, cl.Allow("10.0.0.1"))
	assert.True(t, cl.Allow("10.0.0.2"))
	assert.Same(t, cl.Get("10.0.0.1"), cl.Get("10.0.0.1"))
	assert.Equal(t, 2, cl.Len())

	cl.Remove("10.0.0.1")
	assert.Equal(t, 1, cl.Len())
	cl.Stop()
}

func TestClientLimitersEvictIdle(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	cl := NewClientLimiters(1, 1)
	defer cl.Stop()
	cl.now = clock.now

	cl.Allow("old")
	clock.advance(11 * time.Minute)
	cl.Allow("new")

	assert.Equal(t, 1, cl.evictIdle())
	assert.Equal(t, 1, cl.Len())
	_, ok := cl.limiters["new"]
	assert.True(t, ok)
}
