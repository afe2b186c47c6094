package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/kart-io/logger"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	mwopts "github.com/kart-io/sentinel-kb/pkg/options/middleware"
	"github.com/kart-io/sentinel-kb/pkg/utils/errors"
	"github.com/kart-io/sentinel-kb/pkg/utils/response"
)

// RateLimiter decides whether a request identified by key may proceed.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// RateLimit returns a per-client rate limiting middleware. Limiter errors fail
// open so that a Redis outage does not take the API down.
func RateLimit(opts mwopts.RateLimitOptions, limiter RateLimiter) gin.HandlerFunc {
	skip := pathMatcher(opts.SkipPaths)

	return func(c *gin.Context) {
		if skip(c.Request.URL.Path) {
			c.Next()
			return
		}

		key := c.ClientIP()
		ok, err := limiter.Allow(c.Request.Context(), key)
		if err != nil {
			logger.Warnw("rate limiter unavailable, allowing request", "key", key, "error", err.Error())
			c.Next()
			return
		}
		if !ok {
			c.Header("Retry-After", fmt.Sprintf("%d", int(opts.Window.Seconds())))
			response.Fail(c, errors.ErrTooManyRequests)
			c.Abort()
			return
		}
		c.Next()
	}
}

// MemoryRateLimiter 进程内令牌桶限流，每个客户端一个 rate.Limiter。
// 空闲客户端在一个窗口后过期，跟踪的客户端数量有上限。
type MemoryRateLimiter struct {
	mu       sync.Mutex
	limiters *lru.LRU[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

// NewMemoryRateLimiter 创建内存限流器：每个 window 补充 limit 个令牌，突发上限为 limit。
func NewMemoryRateLimiter(limit int, window time.Duration, maxClients int) *MemoryRateLimiter {
	if maxClients <= 0 {
		maxClients = 10000
	}
	return &MemoryRateLimiter{
		limiters: lru.NewLRU[string, *rate.Limiter](maxClients, nil, window),
		limit:    rate.Limit(float64(limit) / window.Seconds()),
		burst:    limit,
	}
}

// Allow implements RateLimiter.
func (m *MemoryRateLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	l, ok := m.limiters.Get(key)
	if !ok {
		l = rate.NewLimiter(m.limit, m.burst)
		m.limiters.Add(key, l)
	}
	m.mu.Unlock()
	return l.Allow(), nil
}

// RedisRateLimiter 基于 Redis 有序集合的滑动窗口限流，多实例共享配额。
type RedisRateLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
}

// NewRedisRateLimiter creates a Redis-backed sliding window limiter.
func NewRedisRateLimiter(client *redis.Client, limit int, window time.Duration) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, limit: limit, window: window, prefix: "kb:ratelimit:"}
}

// Allow implements RateLimiter.
func (r *RedisRateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	redisKey := r.prefix + key

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", fmt.Sprintf("%d", now.Add(-r.window).UnixNano()))
	count := pipe.ZCard(ctx, redisKey)
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: ulid.Make().String()})
	pipe.Expire(ctx, redisKey, r.window*2)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis pipeline error: %w", err)
	}
	return count.Val() < int64(r.limit), nil
}
