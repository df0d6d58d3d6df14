package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*VisitorRegistry, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewVisitorRegistryFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()})), mr
}

func TestFirstSeenNewThenReturning(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	first := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)
	ts, isFirst, err := reg.FirstSeen(ctx, "v1", first)
	require.NoError(t, err)
	assert.True(t, isFirst)
	assert.Equal(t, first, ts)

	later := first.Add(48 * time.Hour)
	ts, isFirst, err = reg.FirstSeen(ctx, "v1", later)
	require.NoError(t, err)
	assert.False(t, isFirst)
	assert.True(t, ts.Equal(first))
}

func TestFirstSeenIndependentPerVisitor(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	_, isFirst, err := reg.FirstSeen(ctx, "v1", now)
	require.NoError(t, err)
	assert.True(t, isFirst)

	_, isFirst, err = reg.FirstSeen(ctx, "v2", now)
	require.NoError(t, err)
	assert.True(t, isFirst)
}

func TestFirstSeenExpiresWithRetention(t *testing.T) {
	reg, mr := newTestRegistry(t)
	ctx := context.Background()
	now := time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC)

	_, _, err := reg.FirstSeen(ctx, "v1", now)
	require.NoError(t, err)
	require.True(t, mr.Exists(visitorKey("v1")))

	// Past the retention window the mark is gone and the visitor counts as
	// brand new again.
	mr.FastForward(visitorRetention + time.Hour)
	_, isFirst, err := reg.FirstSeen(ctx, "v1", now.Add(visitorRetention))
	require.NoError(t, err)
	assert.True(t, isFirst)
}

func TestFirstSeenCorruptValue(t *testing.T) {
	reg, mr := newTestRegistry(t)
	require.NoError(t, mr.Set(visitorKey("v1"), "not-a-timestamp"))

	_, _, err := reg.FirstSeen(context.Background(), "v1", time.Now())
	assert.Error(t, err)
}
