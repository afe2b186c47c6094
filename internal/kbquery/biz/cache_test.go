package biz

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cachedResult() *Result {
	return &Result{
		QueryID:    "q-1",
		Query:      "Was fordert ORP.4.A1?",
		Answer:     "ORP.4.A1 fordert ...",
		Confidence: 0.85,
		Sources:    []SourceRef{{ID: "ORP.4.A1", Source: ResultFromGraph, Relevance: 0.9}},
		FollowUps:  []string{"Was fordert ORP.4.A2?"},
		Metadata:   map[string]any{"cached": false},
	}
}

func TestCacheKey_Normalization(t *testing.T) {
	a := CacheKey("Was fordert  ORP.4.A1?", "")
	b := CacheKey("  was FORDERT orp.4.a1?\n", "")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, CacheKey("Was fordert ORP.4.A1?", "user: Wir nutzen Azure"))
	assert.NotEqual(t, a, CacheKey("Was fordert ORP.4.A2?", ""))
}

func TestMemoryResponseCache_CloneOnGetAndSet(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryResponseCache(0, time.Minute)

	got, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	r := cachedResult()
	require.NoError(t, c.Set(ctx, "k", r))
	r.Metadata["cached"] = "mutated"
	r.FollowUps[0] = "mutated"

	got, err = c.Get(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, false, got.Metadata["cached"])
	assert.Equal(t, "Was fordert ORP.4.A2?", got.FollowUps[0])

	got.Metadata["cached"] = true
	again, _ := c.Get(ctx, "k")
	assert.Equal(t, false, again.Metadata["cached"])

	assert.Equal(t, 1, c.Len(ctx))
	require.NoError(t, c.Clear(ctx))
	assert.Equal(t, 0, c.Len(ctx))
}

func TestMemoryResponseCache_Expiry(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryResponseCache(8, 20*time.Millisecond)
	require.NoError(t, c.Set(ctx, "k", cachedResult()))

	assert.Eventually(t, func() bool {
		got, _ := c.Get(ctx, "k")
		return got == nil
	}, time.Second, 10*time.Millisecond)
}

func TestMemoryResponseCache_Eviction(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryResponseCache(2, time.Minute)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, c.Set(ctx, k, cachedResult()))
	}
	assert.Equal(t, 2, c.Len(ctx))
	got, _ := c.Get(ctx, "a")
	assert.Nil(t, got)
}

func setupRedisCache(t *testing.T) (*RedisResponseCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisResponseCache(client, 0, "test:kb:"), mr
}

func TestRedisResponseCache_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c, mr := setupRedisCache(t)

	got, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, c.Set(ctx, "k1", cachedResult()))
	require.NoError(t, c.Set(ctx, "k2", cachedResult()))
	assert.Equal(t, time.Hour, mr.TTL("test:kb:k1"))

	got, err = c.Get(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ORP.4.A1 fordert ...", got.Answer)
	assert.Equal(t, 0.85, got.Confidence)

	// 其他前缀的键不受影响
	require.NoError(t, mr.Set("other:key", "x"))
	assert.Equal(t, 2, c.Len(ctx))
	require.NoError(t, c.Clear(ctx))
	assert.Equal(t, 0, c.Len(ctx))
	assert.True(t, mr.Exists("other:key"))
}

func TestRedisResponseCache_CorruptEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	c, mr := setupRedisCache(t)
	require.NoError(t, mr.Set("test:kb:bad", "{not json"))

	got, err := c.Get(ctx, "bad")
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.False(t, mr.Exists("test:kb:bad"))
}

func TestRedisResponseCache_ServerDown(t *testing.T) {
	ctx := context.Background()
	c, mr := setupRedisCache(t)
	mr.Close()

	_, err := c.Get(ctx, "k")
	assert.Error(t, err)
	assert.Error(t, c.Set(ctx, "k", cachedResult()))
	assert.Equal(t, uint64(2), c.Errors())
	assert.Equal(t, 0, c.Len(ctx))
}
