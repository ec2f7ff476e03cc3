package middleware

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Limiter decides whether one more request for key fits in the budget.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, remaining int, reset time.Duration, err error)
}

// RedisLimiter is a fixed-window counter shared by every instance.
type RedisLimiter struct {
	Client *redis.Client
	Limit  int
	Window time.Duration
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, int, time.Duration, error) {
	count, err := l.Client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, 0, err
	}
	if count == 1 {
		l.Client.Expire(ctx, key, l.Window)
	}
	ttl, _ := l.Client.TTL(ctx, key).Result()
	if ttl < 0 {
		ttl = 0
	}
	remaining := l.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return count <= int64(l.Limit), remaining, ttl, nil
}

// MemoryLimiter keeps one token bucket per key in this process. Buckets idle
// for a full window are refilled anyway and get dropped.
type MemoryLimiter struct {
	Limit  int
	Window time.Duration

	mu        sync.Mutex
	buckets   map[string]*memoryBucket
	lastPrune time.Time
}

type memoryBucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &MemoryLimiter{Limit: limit, Window: window, buckets: make(map[string]*memoryBucket), lastPrune: time.Now()}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, int, time.Duration, error) {
	now := time.Now()
	l.mu.Lock()
	if now.Sub(l.lastPrune) >= l.Window {
		l.pruneLocked(now)
	}
	mb, ok := l.buckets[key]
	if !ok {
		mb = &memoryBucket{lim: rate.NewLimiter(rate.Every(l.Window/time.Duration(l.Limit)), l.Limit)}
		l.buckets[key] = mb
	}
	mb.seen = now
	b := mb.lim
	l.mu.Unlock()

	if !b.Allow() {
		r := b.Reserve()
		wait := r.Delay()
		r.Cancel()
		return false, 0, wait, nil
	}
	return true, int(b.Tokens()), 0, nil
}

func (l *MemoryLimiter) pruneLocked(now time.Time) {
	for k, b := range l.buckets {
		if now.Sub(b.seen) >= l.Window {
			delete(l.buckets, k)
		}
	}
	l.lastPrune = now
}

// Len reports how many keys currently hold a bucket.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// RateLimiterConfig configures the rate limiting middleware.
type RateLimiterConfig struct {
	Limiter   Limiter
	Limit     int
	Window    time.Duration
	KeyPrefix string
	Extractor func(c *gin.Context) string
	Log       *zap.Logger
}

// NewRateLimiter rejects requests over budget with 429. Limiter errors let
// the request through. Requests are keyed by gin's ClientIP unless Extractor
// is set, so forwarded headers count only from the engine's trusted proxies.
func NewRateLimiter(cfg RateLimiterConfig) gin.HandlerFunc {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "rl:"
	}
	if cfg.Extractor == nil {
		cfg.Extractor = func(c *gin.Context) string { return c.ClientIP() }
	}

	return func(c *gin.Context) {
		id := cfg.Extractor(c)
		if id == "" {
			id = "anonymous"
		}
		key := cfg.KeyPrefix + id

		allowed, remaining, reset, err := cfg.Limiter.Allow(c.Request.Context(), key)
		if err != nil {
			if cfg.Log != nil {
				cfg.Log.Warn("rate limiter unavailable", zap.Error(err))
			}
			c.Next()
			return
		}

		resetSec := int(reset.Seconds())
		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", cfg.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", resetSec))
		if !allowed {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":             "rate limit exceeded",
				"rate_limit":        cfg.Limit,
				"rate_limit_window": cfg.Window.String(),
				"retry_after_sec":   resetSec,
			})
			return
		}
		c.Next()
	}
}
