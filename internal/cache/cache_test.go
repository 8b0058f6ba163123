package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/experiment-engine/internal/models"
)

func TestLocalGetSetDelete(t *testing.T) {
	ctx := context.Background()
	c := NewLocal[string](10, time.Minute)

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)

	c.Set(ctx, "a", "one")
	v, ok := c.Get(ctx, "a")
	require.True(t, ok)
	assert.Equal(t, "one", v)

	c.Delete(ctx, "a")
	_, ok = c.Get(ctx, "a")
	assert.False(t, ok)
}

func TestLocalEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := NewLocal[int](2, time.Minute)
	c.Set(ctx, "a", 1)
	c.Set(ctx, "b", 2)
	_, _ = c.Get(ctx, "a")
	c.Set(ctx, "c", 3)

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get(ctx, "b")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "a")
	assert.True(t, ok)
}

func TestLocalExpiresEntries(t *testing.T) {
	ctx := context.Background()
	c := NewLocal[int](10, 20*time.Millisecond)
	c.Set(ctx, "a", 1)
	require.Eventually(t, func() bool {
		_, ok := c.Get(ctx, "a")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestTieredBackfillsUpperTier(t *testing.T) {
	ctx := context.Background()
	top := NewLocal[int](10, time.Minute)
	bottom := NewLocal[int](10, time.Minute)
	tiered := NewTiered[int](top, bottom)

	bottom.Set(ctx, "k", 7)
	v, ok := tiered.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, 7, v)

	v, ok = top.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, 7, v)

	tiered.Delete(ctx, "k")
	_, ok = top.Get(ctx, "k")
	assert.False(t, ok)
	_, ok = bottom.Get(ctx, "k")
	assert.False(t, ok)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "assignment:4:bob", AssignmentKey(4, "bob"))
	assert.Equal(t, "experiment:4", ExperimentKey(4))
}

func TestRedisRoundTrip(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer client.Close()

	ctx := context.Background()
	c := NewRedis[models.Assignment](client, "test:", time.Minute)
	key := AssignmentKey(1, "redis-user")
	c.Delete(ctx, key)

	_, ok := c.Get(ctx, key)
	assert.False(t, ok)

	in := models.Assignment{ExperimentID: 1, UserID: "redis-user", VariantID: 2, VariantName: "B"}
	c.Set(ctx, key, in)
	out, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, in.VariantID, out.VariantID)
	assert.Equal(t, in.VariantName, out.VariantName)
	c.Delete(ctx, key)
}

func TestRedisUnavailableIsAMiss(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	c := NewRedis[int](client, "", time.Minute)
	c.Set(context.Background(), "k", 1)
	_, ok := c.Get(context.Background(), "k")
	assert.False(t, ok)
}
