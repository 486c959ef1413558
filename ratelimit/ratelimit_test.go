package ratelimit_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/goliatone/go-schild/ratelimit"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyHashesIP(t *testing.T) {
	key := ratelimit.Key("10.0.0.1")
	assert.Len(t, key, 64)
	assert.NotContains(t, key, "10.0.0.1")
	assert.Equal(t, key, ratelimit.Key("10.0.0.1"))
	assert.NotEqual(t, key, ratelimit.Key("10.0.0.2"))
}

func TestMemory_FixedWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter := ratelimit.NewMemory(3, time.Minute).WithClock(func() time.Time { return now })

	key := ratelimit.Key("10.0.0.1")
	for i := 0; i < 3; i++ {
		d, err := limiter.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 2-i, d.Remaining)
	}

	d, err := limiter.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	other, err := limiter.Allow(ctx, ratelimit.Key("10.0.0.2"))
	require.NoError(t, err)
	assert.True(t, other.Allowed)

	now = now.Add(time.Minute)
	d, err = limiter.Allow(ctx, key)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemory_Defaults(t *testing.T) {
	limiter := ratelimit.NewMemory(0, 0)
	ctx := context.Background()
	for i := 0; i < ratelimit.DefaultRequests; i++ {
		d, err := limiter.Allow(ctx, "k")
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}
	d, err := limiter.Allow(ctx, "k")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestRedis_FixedWindow(t *testing.T) {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	client := redis.NewClient(opts)
	defer client.Close()

	ctx := context.Background()
	key := ratelimit.Key(t.Name() + time.Now().String())
	limiter := ratelimit.NewRedis(client, "schild:test:rate:", 2, time.Minute)

	for i := 0; i < 2; i++ {
		d, err := limiter.Allow(ctx, key)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := limiter.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Greater(t, d.ResetIn, time.Duration(0))
}
