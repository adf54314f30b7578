package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInMemoryCache_TTL(t *testing.T) {
	c := NewInMemoryCache[string, int](time.Minute)
	defer c.Close()

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	c.Set("app-1", 12, 0)
	c.Set("app-2", 3, 10*time.Second)

	v, ok := c.Get("app-1")
	assert.True(t, ok)
	assert.Equal(t, 12, v)

	now = now.Add(30 * time.Second)
	_, ok = c.Get("app-2")
	assert.False(t, ok, "custom ttl expired")
	_, ok = c.Get("app-1")
	assert.True(t, ok, "default ttl still valid")

	c.cleanup()
	assert.Equal(t, 1, c.Size())

	c.Clear()
	assert.Equal(t, 0, c.Size())
}

func TestInMemoryCache_CloseIdempotent(t *testing.T) {
	c := NewInMemoryCache[string, int](time.Second)
	c.Close()
	c.Close()
}
