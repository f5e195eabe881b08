// Package bucket rate limits HTTP clients with token buckets or sliding
// windows, shared through Redis or kept in process.
package bucket

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/hezzy93/library-app-1/internal/config"
)

// Config holds the configuration for a token bucket
type Config struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Capacity      int64         // Maximum tokens in bucket
	RefillRate    float64       // Tokens per second
	TTL           time.Duration // Time to live for bucket keys
	Window        time.Duration // Sliding window length
	Prefix        string
}

// FromSettings builds the bucket configuration of one service.
func FromSettings(cfg config.RateLimitConfig, service string) *Config {
	return &Config{
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		Capacity:      cfg.Capacity,
		RefillRate:    cfg.RefillRate,
		TTL:           5 * time.Minute,
		Window:        cfg.Window,
		Prefix:        service,
	}
}

// Result represents the result of a token consumption attempt
type Result struct {
	Allowed         bool    `json:"allowed"`
	RemainingTokens float64 `json:"remaining_tokens"`
	Capacity        int64   `json:"capacity"`
	RetryAfter      float64 `json:"retry_after_seconds,omitempty"`
}

// RedisTokenBucket shares buckets between every instance of a service.
type RedisTokenBucket struct {
	client *redis.Client
	config *Config
}

func NewRedisTokenBucket(cfg *Config) (*RedisTokenBucket, error) {
	if cfg.Capacity <= 0 || cfg.RefillRate <= 0 {
		return nil, fmt.Errorf("bucket capacity and refill rate must be positive")
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

	return &RedisTokenBucket{client: client, config: cfg}, nil
}

func (tb *RedisTokenBucket) Close() error {
	return tb.client.Close()
}

func (tb *RedisTokenBucket) keyName(key string) string {
	return fmt.Sprintf("token_bucket:%s:%s", tb.config.Prefix, key)
}

// Take attempts to consume tokens from the bucket of key.
func (tb *RedisTokenBucket) Take(ctx context.Context, key string, tokens float64) (*Result, error) {
	if tokens <= 0 {
		return nil, fmt.Errorf("tokens must be positive")
	}

	result, err := takeTokens.Run(ctx, tb.client, []string{tb.keyName(key)},
		tokens, tb.config.Capacity, tb.config.RefillRate, int64(tb.config.TTL.Seconds())).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to take tokens: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return nil, fmt.Errorf("unexpected token bucket reply %v", result)
	}

	res := &Result{
		Allowed:         parseInt64(values[0]) == 1,
		RemainingTokens: parseFloat64(values[1]),
		Capacity:        tb.config.Capacity,
	}
	if !res.Allowed {
		res.RetryAfter = parseFloat64(values[2])
	}
	return res, nil
}

// Reset refills the bucket of key.
func (tb *RedisTokenBucket) Reset(ctx context.Context, key string) error {
	if err := tb.client.Del(ctx, tb.keyName(key)).Err(); err != nil {
		return fmt.Errorf("failed to reset bucket: %w", err)
	}
	return nil
}

// Redis replies carry numbers as integers or strings
func parseInt64(val interface{}) int64 {
	switch v := val.(type) {
	case int64:
		return v
	case string:
		i, _ := strconv.ParseInt(v, 10, 64)
		return i
	default:
		return 0
	}
}

func parseFloat64(val interface{}) float64 {
	switch v := val.(type) {
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	case int64:
		return float64(v)
	default:
		return 0
	}
}
