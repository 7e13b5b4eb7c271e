package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGet(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()

	c.Set("key", "value")

	got, ok := c.Get("key")
	require.True(t, ok)
	assert.Equal(t, "value", got)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestExpiry(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()

	c.SetWithTTL("key", "value", 20*time.Millisecond)

	_, ok := c.Get("key")
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = c.Get("key")
	assert.False(t, ok, "expired entries must not be returned")
}

func TestDelete(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()

	c.Set("key", "value")
	c.Delete("key")

	_, ok := c.Get("key")
	assert.False(t, ok)

	// Deleting a missing key is a no-op.
	c.Delete("missing")
}

func TestOverwrite(t *testing.T) {
	c := New(time.Minute)
	defer c.Close()

	c.Set("key", "one")
	c.Set("key", "two")

	got, ok := c.Get("key")
	require.True(t, ok)
	assert.Equal(t, "two", got)
	assert.Equal(t, 1, c.Len())
}

func TestCloseIdempotent(t *testing.T) {
	c := New(time.Minute)
	c.Close()
	c.Close()
}
