package bucket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LocalTokenBucket keeps one limiter per key in process memory. Limits are
// per instance.
type LocalTokenBucket struct {
	config *Config

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewLocalTokenBucket(cfg *Config) (*LocalTokenBucket, error) {
	if cfg.Capacity <= 0 || cfg.RefillRate <= 0 {
		return nil, fmt.Errorf("bucket capacity and refill rate must be positive")
	}
	return &LocalTokenBucket{config: cfg, limiters: make(map[string]*rate.Limiter)}, nil
}

func (tb *LocalTokenBucket) limiter(key string) *rate.Limiter {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	l, ok := tb.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(tb.config.RefillRate), int(tb.config.Capacity))
		tb.limiters[key] = l
	}
	return l
}

func (tb *LocalTokenBucket) Take(ctx context.Context, key string, tokens float64) (*Result, error) {
	if tokens <= 0 {
		return nil, fmt.Errorf("tokens must be positive")
	}

	now := time.Now()
	l := tb.limiter(key)
	n := int(tokens)
	if float64(n) < tokens {
		n++
	}

	res := &Result{Capacity: tb.config.Capacity}
	r := l.ReserveN(now, n)
	if !r.OK() {
		return nil, fmt.Errorf("%d tokens exceed bucket capacity %d", n, tb.config.Capacity)
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		res.RetryAfter = delay.Seconds()
	} else {
		res.Allowed = true
	}
	res.RemainingTokens = l.TokensAt(now)
	if res.RemainingTokens < 0 {
		res.RemainingTokens = 0
	}
	return res, nil
}

func (tb *LocalTokenBucket) Reset(ctx context.Context, key string) error {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	delete(tb.limiters, key)
	return nil
}

func (tb *LocalTokenBucket) Close() error {
	return nil
}
