package worker

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/reviewflow/internal/testutil"
)

func TestRedisDeduper(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis container test in -short mode")
	}
	client := redis.NewClient(&redis.Options{Addr: testutil.GetRedisAddress(t)})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	require.NoError(t, client.Ping(ctx).Err())

	d := NewRedisDeduper(client, "reviewflow:test:dedupe:", time.Minute)
	key := "sub-1:award-points-" + time.Now().Format(time.RFC3339Nano)

	first, err := d.Claim(ctx, key)
	require.NoError(t, err)
	require.True(t, first)

	// A second worker process sees the claim.
	other := NewRedisDeduper(client, "reviewflow:test:dedupe:", time.Minute)
	again, err := other.Claim(ctx, key)
	require.NoError(t, err)
	require.False(t, again)

	ttl, err := client.TTL(ctx, "reviewflow:test:dedupe:"+key).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))

	require.NoError(t, d.Release(ctx, key))
	reclaimed, err := other.Claim(ctx, key)
	require.NoError(t, err)
	require.True(t, reclaimed)
}
