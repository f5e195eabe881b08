package bucket

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisSlidingWindow admits at most Capacity requests per key within any
// trailing Window.
type RedisSlidingWindow struct {
	client *redis.Client
	config *Config
}

func NewRedisSlidingWindow(cfg *Config) (*RedisSlidingWindow, error) {
	if cfg.Capacity <= 0 || cfg.Window <= 0 {
		return nil, fmt.Errorf("window size and request limit must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisSlidingWindow{client: client, config: cfg}, nil
}

func (sw *RedisSlidingWindow) Close() error {
	return sw.client.Close()
}

func (sw *RedisSlidingWindow) keyName(key string) string {
	return fmt.Sprintf("sliding_window:%s:%s", sw.config.Prefix, key)
}

// Take records tokens requests for key if they fit in the current window.
func (sw *RedisSlidingWindow) Take(ctx context.Context, key string, tokens float64) (*Result, error) {
	if tokens <= 0 {
		return nil, fmt.Errorf("tokens must be positive")
	}
	requested := int64(math.Ceil(tokens))
	if requested > sw.config.Capacity {
		return nil, fmt.Errorf("%d requests exceed window limit %d", requested, sw.config.Capacity)
	}

	now := time.Now()
	ttl := sw.config.TTL
	if ttl < sw.config.Window {
		ttl = sw.config.Window
	}

	result, err := slideWindow.Run(ctx, sw.client, []string{sw.keyName(key)},
		now.Add(-sw.config.Window).UnixMilli(),
		now.UnixMilli(),
		sw.config.Capacity,
		requested,
		int64(math.Ceil(ttl.Seconds())),
		uuid.NewString()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to check sliding window: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return nil, fmt.Errorf("unexpected sliding window reply %v", result)
	}

	res := &Result{
		Allowed:         parseInt64(values[0]) == 1,
		RemainingTokens: float64(sw.config.Capacity - parseInt64(values[1])),
		Capacity:        sw.config.Capacity,
	}
	if res.RemainingTokens < 0 {
		res.RemainingTokens = 0
	}
	if !res.Allowed {
		res.RetryAfter = parseFloat64(values[2]) / 1000.0
	}
	return res, nil
}

// Reset forgets every request recorded for key.
func (sw *RedisSlidingWindow) Reset(ctx context.Context, key string) error {
	if err := sw.client.Del(ctx, sw.keyName(key)).Err(); err != nil {
		return fmt.Errorf("failed to clear window: %w", err)
	}
	return nil
}
