package biz

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/kart-io/logger"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kart-io/sentinel-kb/pkg/utils/json"
)

// DefaultCacheKeyPrefix 缓存键默认前缀。
const DefaultCacheKeyPrefix = "kbquery:response:"

// ResponseCache 响应缓存。实现必须可被多个 goroutine 并发使用。
type ResponseCache interface {
	// Get 未命中时返回 nil, nil。
	Get(ctx context.Context, key string) (*Result, error)
	Set(ctx context.Context, key string, result *Result) error
	Clear(ctx context.Context) error
	Len(ctx context.Context) int
}

// CacheKey 生成规范化缓存键：转小写、合并空白后连同会话上下文一起做 SHA-256。
func CacheKey(query, convContext string) string {
	norm := normalizeQuery(query) + "\x00" + normalizeQuery(convContext)
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

func normalizeQuery(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// cloneResult 缓存中的结果与调用方互不影响。
func cloneResult(r *Result) *Result {
	if r == nil {
		return nil
	}
	out := *r
	out.Sources = append([]SourceRef(nil), r.Sources...)
	out.FollowUps = append([]string(nil), r.FollowUps...)
	out.Metadata = make(map[string]any, len(r.Metadata))
	for k, v := range r.Metadata {
		out.Metadata[k] = v
	}
	return &out
}

// MemoryResponseCache 进程内 LRU 缓存，条目按 TTL 过期。
type MemoryResponseCache struct {
	lru *expirable.LRU[string, *Result]
}

// NewMemoryResponseCache 创建进程内缓存。
func NewMemoryResponseCache(size int, ttl time.Duration) *MemoryResponseCache {
	if size <= 0 {
		size = 1024
	}
	return &MemoryResponseCache{lru: expirable.NewLRU[string, *Result](size, nil, ttl)}
}

// Get 实现 ResponseCache。
func (c *MemoryResponseCache) Get(_ context.Context, key string) (*Result, error) {
	r, ok := c.lru.Get(key)
	if !ok {
		return nil, nil
	}
	return cloneResult(r), nil
}

// Set 实现 ResponseCache。
func (c *MemoryResponseCache) Set(_ context.Context, key string, result *Result) error {
	c.lru.Add(key, cloneResult(result))
	return nil
}

// Clear 实现 ResponseCache。
func (c *MemoryResponseCache) Clear(context.Context) error {
	c.lru.Purge()
	return nil
}

// Len 实现 ResponseCache。
func (c *MemoryResponseCache) Len(context.Context) int {
	return c.lru.Len()
}

// RedisResponseCache 基于 Redis 的共享缓存，适合多实例部署。
type RedisResponseCache struct {
	redis  *goredis.Client
	ttl    time.Duration
	prefix string
	errs   atomic.Uint64
}

// NewRedisResponseCache 创建 Redis 缓存。
func NewRedisResponseCache(client *goredis.Client, ttl time.Duration, prefix string) *RedisResponseCache {
	if prefix == "" {
		prefix = DefaultCacheKeyPrefix
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisResponseCache{redis: client, ttl: ttl, prefix: prefix}
}

// Errors Redis 操作失败次数。
func (c *RedisResponseCache) Errors() uint64 { return c.errs.Load() }

// Get 实现 ResponseCache。损坏的条目会被删除并视为未命中。
func (c *RedisResponseCache) Get(ctx context.Context, key string) (*Result, error) {
	data, err := c.redis.Get(ctx, c.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		c.errs.Add(1)
		logger.Warnw("Failed to read response cache", "key", key, "error", err.Error())
		return nil, err
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		logger.Warnw("Dropping corrupt cache entry", "key", key, "error", err.Error())
		_ = c.redis.Del(ctx, c.prefix+key).Err()
		return nil, nil
	}
	return &result, nil
}

// Set 实现 ResponseCache。
func (c *RedisResponseCache) Set(ctx context.Context, key string, result *Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	if err := c.redis.Set(ctx, c.prefix+key, data, c.ttl).Err(); err != nil {
		c.errs.Add(1)
		logger.Warnw("Failed to write response cache", "key", key, "error", err.Error())
		return err
	}
	return nil
}

// Clear 通过 SCAN 删除前缀下的全部键。
func (c *RedisResponseCache) Clear(ctx context.Context) error {
	iter := c.redis.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	deleted := 0
	for iter.Next(ctx) {
		if err := c.redis.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Warnw("Failed to delete cache key", "key", iter.Val(), "error", err.Error())
			continue
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return err
	}
	logger.Infow("Response cache cleared", "deleted", deleted)
	return nil
}

// Len 统计前缀下的键数量，失败时返回 0。
func (c *RedisResponseCache) Len(ctx context.Context) int {
	iter := c.redis.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	n := 0
	for iter.Next(ctx) {
		n++
	}
	if iter.Err() != nil {
		return 0
	}
	return n
}
