package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySetGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, found, err := m.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, m.Set(ctx, "k", "v", 0))
	v, found, err := m.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v", v)

	require.NoError(t, m.Set(ctx, "k", "v2", 0))
	v, _, _ = m.Get(ctx, "k")
	assert.Equal(t, "v2", v)

	require.NoError(t, m.Delete(ctx, "k"))
	_, found, _ = m.Get(ctx, "k")
	assert.False(t, found)
}

func TestMemoryTTL(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	require.NoError(t, m.Set(ctx, "session", "variant-a", time.Hour))
	require.NoError(t, m.Set(ctx, "forever", "x", 0))

	_, found, _ := m.Get(ctx, "session")
	assert.True(t, found)

	m.now = func() time.Time { return base.Add(2 * time.Hour) }

	_, found, _ = m.Get(ctx, "session")
	assert.False(t, found, "expired entry must not be returned")

	_, found, _ = m.Get(ctx, "forever")
	assert.True(t, found, "zero ttl means no expiry")
}
