package reporter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedisDebouncer(t *testing.T) *redisDebouncer {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return newRedisDebouncer(client)
}

func TestRedisDebouncerSeenWithinWindow(t *testing.T) {
	d := newTestRedisDebouncer(t)
	ctx := context.Background()

	require.False(t, d.seen(ctx, "key1", time.Minute))
	require.True(t, d.seen(ctx, "key1", time.Minute))
}

func TestRedisDebouncerClearResetsState(t *testing.T) {
	d := newTestRedisDebouncer(t)
	ctx := context.Background()

	d.seen(ctx, "key1", time.Minute)
	d.clear(ctx)

	require.False(t, d.seen(ctx, "key1", time.Minute))
}
