package bucket

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hezzy93/library-app-1/internal/config"
)

func TestFromSettings(t *testing.T) {
	cfg := FromSettings(config.RateLimitConfig{RedisAddr: "r:6379", RedisDB: 2, Capacity: 50, RefillRate: 5, Window: time.Minute}, "admin")
	assert.Equal(t, "r:6379", cfg.RedisAddr)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.Equal(t, int64(50), cfg.Capacity)
	assert.Equal(t, 5.0, cfg.RefillRate)
	assert.Equal(t, time.Minute, cfg.Window)
	assert.Equal(t, "admin", cfg.Prefix)
}

func TestParseReplies(t *testing.T) {
	assert.Equal(t, int64(1), parseInt64(int64(1)))
	assert.Equal(t, int64(7), parseInt64("7"))
	assert.Zero(t, parseInt64(nil))
	assert.Equal(t, 2.5, parseFloat64("2.5"))
	assert.Equal(t, 3.0, parseFloat64(int64(3)))
	assert.Zero(t, parseFloat64("garbage"))
}

func TestLocalTokenBucket_ConsumesAndRejects(t *testing.T) {
	tb, err := NewLocalTokenBucket(&Config{Capacity: 3, RefillRate: 0.5})
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := tb.Take(ctx, "client", 1)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i)
	}

	res, err := tb.Take(ctx, "client", 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, 0.0)
	assert.LessOrEqual(t, res.RetryAfter, 2.0)

	res, err = tb.Take(ctx, "other", 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "buckets are per key")

	require.NoError(t, tb.Reset(ctx, "client"))
	res, err = tb.Take(ctx, "client", 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestLocalTokenBucket_Rejections(t *testing.T) {
	_, err := NewLocalTokenBucket(&Config{Capacity: 0, RefillRate: 1})
	assert.Error(t, err)

	tb, err := NewLocalTokenBucket(&Config{Capacity: 2, RefillRate: 1})
	require.NoError(t, err)
	_, err = tb.Take(context.Background(), "k", 0)
	assert.Error(t, err)
	_, err = tb.Take(context.Background(), "k", 5)
	assert.Error(t, err)
}

func TestLocalTokenBucket_ConcurrentTakes(t *testing.T) {
	tb, err := NewLocalTokenBucket(&Config{Capacity: 10, RefillRate: 0.001})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := tb.Take(context.Background(), "shared", 1)
			if err == nil && res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)
}

func newRedisBucket(t *testing.T, capacity int64, refill float64) *RedisTokenBucket {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	tb, err := NewRedisTokenBucket(&Config{
		RedisAddr:  addr,
		RedisDB:    1,
		Capacity:   capacity,
		RefillRate: refill,
		TTL:        time.Minute,
		Prefix:     "test",
	})
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { tb.Close() })
	return tb
}

func TestRedisTokenBucket_BasicFunctionality(t *testing.T) {
	tb := newRedisBucket(t, 5, 0.5)
	ctx := context.Background()
	require.NoError(t, tb.Reset(ctx, "test_user"))

	res, err := tb.Take(ctx, "test_user", 3)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.InDelta(t, 2.0, res.RemainingTokens, 0.1)

	res, err = tb.Take(ctx, "test_user", 3)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, 0.0)

	require.NoError(t, tb.Reset(ctx, "test_user"))
	res, err = tb.Take(ctx, "test_user", 5)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestRedisTokenBucket_ConcurrentTakes(t *testing.T) {
	tb := newRedisBucket(t, 10, 0.001)
	ctx := context.Background()
	require.NoError(t, tb.Reset(ctx, "concurrent"))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := tb.Take(ctx, "concurrent", 1)
			if err == nil && res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)
}

func newSlidingWindow(t *testing.T, window time.Duration, limit int64) *RedisSlidingWindow {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	sw, err := NewRedisSlidingWindow(&Config{
		RedisAddr: addr,
		RedisDB:   2,
		Capacity:  limit,
		Window:    window,
		TTL:       time.Minute,
		Prefix:    "test",
	})
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { sw.Close() })
	return sw
}

func TestNewRedisSlidingWindow_RejectsEmptyWindow(t *testing.T) {
	_, err := NewRedisSlidingWindow(&Config{Capacity: 5})
	assert.Error(t, err)
}

func TestSlidingWindow_BasicFunctionality(t *testing.T) {
	sw := newSlidingWindow(t, time.Second, 5)
	ctx := context.Background()
	require.NoError(t, sw.Reset(ctx, "sliding_test"))

	for i := 0; i < 5; i++ {
		res, err := sw.Take(ctx, "sliding_test", 1)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d", i+1)
		assert.Equal(t, float64(4-i), res.RemainingTokens)
	}

	res, err := sw.Take(ctx, "sliding_test", 1)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Greater(t, res.RetryAfter, 0.0)
	assert.LessOrEqual(t, res.RetryAfter, 1.0)

	time.Sleep(1100 * time.Millisecond)
	res, err = sw.Take(ctx, "sliding_test", 1)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "window slid past the earlier requests")
}

func TestSlidingWindow_ConcurrentTakes(t *testing.T) {
	sw := newSlidingWindow(t, time.Minute, 10)
	ctx := context.Background()
	require.NoError(t, sw.Reset(ctx, "concurrent"))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := sw.Take(ctx, "concurrent", 1)
			if err == nil && res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)
}
