package ratelimit

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLimiter(t *testing.T, cfg Config) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	l, err := NewRedis(client, cfg)
	require.NoError(t, err)
	return l, mr
}

func TestRedisTakeScenario(t *testing.T) {
	l, mr := newRedisLimiter(t, Config{Name: "api", Window: time.Second, Max: 5})
	ctx := context.Background()

	for i, want := range []int{4, 3, 2, 1, 0} {
		res, err := l.Take(ctx, "9.9.9.9")
		require.NoError(t, err)
		assert.True(t, res.Allowed, "call %d", i+1)
		assert.Equal(t, want, res.Remaining)
		assert.Equal(t, 5, res.Limit)
	}
	res, err := l.Take(ctx, "9.9.9.9")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 0, res.Remaining)
	retry := res.RetryAfter(time.Now())
	assert.Greater(t, retry, 0)
	assert.LessOrEqual(t, retry, 1)

	assert.Equal(t, "5", mr.HGet("rate_limit:api:9.9.9.9", "count"))
	assert.Equal(t, strconv.FormatInt(res.ResetTime.UnixMilli(), 10), mr.HGet("rate_limit:api:9.9.9.9", "reset"))

	mr.FastForward(1100 * time.Millisecond)
	res, err = l.Take(ctx, "9.9.9.9")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 4, res.Remaining)
}

func TestRedisCheckDoesNotCount(t *testing.T) {
	l, _ := newRedisLimiter(t, Config{Name: "auth", Window: time.Minute, Max: 2})
	ctx := context.Background()

	res, err := l.Check(ctx, "")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 2, res.Remaining)

	_, err = l.Take(ctx, "")
	require.NoError(t, err)
	res, err = l.Check(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Remaining)
	assert.WithinDuration(t, time.Now().Add(time.Minute), res.ResetTime, 2*time.Second)
}

func TestRedisRefundResetAndStats(t *testing.T) {
	l, mr := newRedisLimiter(t, Config{Name: "upload", Window: time.Hour, Max: 1})
	ctx := context.Background()

	res, _ := l.Take(ctx, "1.1.1.1")
	require.True(t, res.Allowed)
	res, _ = l.Take(ctx, "1.1.1.1")
	require.False(t, res.Allowed)

	require.NoError(t, l.Refund(ctx, "1.1.1.1", res.ResetTime))
	res, _ = l.Take(ctx, "1.1.1.1")
	assert.True(t, res.Allowed)

	require.NoError(t, l.Refund(ctx, "7.7.7.7", res.ResetTime))
	assert.False(t, mr.Exists("rate_limit:upload:7.7.7.7"))

	_, _ = l.Take(ctx, "2.2.2.2")
	_, _ = l.Take(ctx, "")
	mr.Set("rate_limit:api:3.3.3.3", "1")

	st, err := l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, st.ActiveKeys)
	assert.Equal(t, "upload", st.Config.Name)

	require.NoError(t, l.Reset(ctx, "1.1.1.1"))
	assert.False(t, mr.Exists("rate_limit:upload:1.1.1.1"))

	mr.FastForward(2 * time.Hour)
	st, err = l.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.ActiveKeys)
}

func TestRedisRefundIgnoresReplacedWindow(t *testing.T) {
	l, mr := newRedisLimiter(t, Config{Name: "auth", Window: time.Second, Max: 2})
	clock := newFakeClock()
	l.now = clock.Now
	ctx := context.Background()

	first, err := l.Take(ctx, "5.5.5.5")
	require.NoError(t, err)
	require.True(t, first.Allowed)

	clock.Advance(1100 * time.Millisecond)
	mr.FastForward(1100 * time.Millisecond)
	second, err := l.Take(ctx, "5.5.5.5")
	require.NoError(t, err)
	require.True(t, second.Allowed)
	require.NotEqual(t, first.ResetTime, second.ResetTime)

	require.NoError(t, l.Refund(ctx, "5.5.5.5", first.ResetTime))
	res, err := l.Check(ctx, "5.5.5.5")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Remaining)
	assert.Equal(t, second.ResetTime, res.ResetTime)

	require.NoError(t, l.Refund(ctx, "5.5.5.5", second.ResetTime))
	res, err = l.Check(ctx, "5.5.5.5")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Remaining)
}

func TestRedisStoreError(t *testing.T) {
	l, mr := newRedisLimiter(t, Config{Name: "api", Window: time.Minute, Max: 1})
	mr.Close()

	_, err := l.Take(context.Background(), "1.1.1.1")
	require.Error(t, err)
}
