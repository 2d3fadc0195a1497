package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiterPool_EvictsIdleCallers(t *testing.T) {
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pool := newLimiterPool(1, 1)
	pool.now = func() time.Time { return clock }

	require.True(t, pool.Allow("ip:10.0.0.1"))
	require.True(t, pool.Allow("ip:10.0.0.2"))
	assert.False(t, pool.Allow("ip:10.0.0.1"), "burst of one is spent")
	assert.Len(t, pool.m, 2)

	// 10.0.0.2 keeps calling; 10.0.0.1 goes quiet.
	clock = clock.Add(6 * time.Minute)
	pool.Allow("ip:10.0.0.2")
	clock = clock.Add(6 * time.Minute)
	pool.Allow("ip:10.0.0.2")

	assert.Len(t, pool.m, 1)
	assert.NotContains(t, pool.m, "ip:10.0.0.1")
	assert.Contains(t, pool.m, "ip:10.0.0.2")
}

func TestLimiterPool_KeepsActiveLimiter(t *testing.T) {
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pool := newLimiterPool(1, 1)
	pool.now = func() time.Time { return clock }

	first := pool.get("user:1")
	clock = clock.Add(2 * time.Minute)
	assert.Same(t, first, pool.get("user:1"), "a recent caller keeps its limiter and its spent tokens")
}
