package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/kart-io/logger"
)

// EmbeddingCacheConfig Embedding 缓存配置。
type EmbeddingCacheConfig struct {
	// Size 最大缓存条目数。
	Size int
	// TTL 缓存过期时间。
	TTL time.Duration
}

// DefaultEmbeddingCacheConfig 返回默认的 Embedding 缓存配置。
func DefaultEmbeddingCacheConfig() *EmbeddingCacheConfig {
	return &EmbeddingCacheConfig{
		Size: 2048,
		TTL:  24 * time.Hour,
	}
}

// CachedEmbeddingProvider 在进程内缓存 Embedding 结果的包装器。
// 查询扩展后同一文本会被反复向量化，缓存可避免重复调用供应商。
type CachedEmbeddingProvider struct {
	provider EmbeddingProvider
	cache    *expirable.LRU[string, []float32]
}

// NewCachedEmbeddingProvider 创建带缓存的 Embedding Provider。
func NewCachedEmbeddingProvider(provider EmbeddingProvider, config *EmbeddingCacheConfig) *CachedEmbeddingProvider {
	if config == nil {
		config = DefaultEmbeddingCacheConfig()
	}
	return &CachedEmbeddingProvider{
		provider: provider,
		cache:    expirable.NewLRU[string, []float32](config.Size, nil, config.TTL),
	}
}

func embeddingCacheKey(text string) string {
	hash := sha256.Sum256([]byte(text))
	return hex.EncodeToString(hash[:])
}

// EmbedSingle 生成单个文本的 Embedding（带缓存）。
func (c *CachedEmbeddingProvider) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	key := embeddingCacheKey(text)
	if v, ok := c.cache.Get(key); ok {
		return v, nil
	}

	embedding, err := c.provider.EmbedSingle(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, embedding)
	return embedding, nil
}

// Embed 批量生成 Embedding，只对未命中的文本调用底层供应商。
func (c *CachedEmbeddingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	embeddings := make([][]float32, len(texts))
	var (
		missIdx   []int
		missTexts []string
	)

	for i, text := range texts {
		if v, ok := c.cache.Get(embeddingCacheKey(text)); ok {
			embeddings[i] = v
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) == 0 {
		return embeddings, nil
	}

	logger.Debugw("embedding cache miss (batch)", "total", len(texts), "uncached", len(missTexts))
	fresh, err := c.provider.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for i, idx := range missIdx {
		if i >= len(fresh) {
			break
		}
		embeddings[idx] = fresh[i]
		c.cache.Add(embeddingCacheKey(missTexts[i]), fresh[i])
	}
	return embeddings, nil
}

// Name 返回底层 provider 的名称。
func (c *CachedEmbeddingProvider) Name() string {
	return c.provider.Name() + "-cached"
}

// Len 返回当前缓存条目数。
func (c *CachedEmbeddingProvider) Len() int {
	return c.cache.Len()
}

var _ EmbeddingProvider = (*CachedEmbeddingProvider)(nil)
