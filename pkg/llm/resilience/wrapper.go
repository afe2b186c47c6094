package resilience

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/kart-io/sentinel-kb/pkg/llm"
)

// ResilientEmbeddingProvider 带重试与熔断的 Embedding Provider 包装器。
type ResilientEmbeddingProvider struct {
	provider llm.EmbeddingProvider
	policy   RetryPolicy
	cb       *CircuitBreaker
}

// NewResilientEmbeddingProvider 创建带韧性功能的 Embedding Provider。
func NewResilientEmbeddingProvider(
	provider llm.EmbeddingProvider,
	policy RetryPolicy,
	cbConfig *CircuitBreakerConfig,
) *ResilientEmbeddingProvider {
	return &ResilientEmbeddingProvider{
		provider: provider,
		policy:   policy,
		cb:       NewCircuitBreaker(provider.Name()+"-embed", cbConfig),
	}
}

// Embed 为多个文本生成向量嵌入（带重试和熔断）。
func (r *ResilientEmbeddingProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	var result [][]float32
	err := Retry(ctx, r.policy, func(ctx context.Context) error {
		return r.cb.Execute(func() error {
			var err error
			result, err = r.provider.Embed(ctx, texts)
			return err
		})
	})
	return result, err
}

// EmbedSingle 为单个文本生成向量嵌入（带重试和熔断）。
func (r *ResilientEmbeddingProvider) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	var result []float32
	err := Retry(ctx, r.policy, func(ctx context.Context) error {
		return r.cb.Execute(func() error {
			var err error
			result, err = r.provider.EmbedSingle(ctx, text)
			return err
		})
	})
	return result, err
}

// Name 返回供应商名称。
func (r *ResilientEmbeddingProvider) Name() string {
	return r.provider.Name() + "-resilient"
}

// CircuitBreaker 获取熔断器实例（用于监控）。
func (r *ResilientEmbeddingProvider) CircuitBreaker() *CircuitBreaker {
	return r.cb
}

// IsRetryableError 判断错误是否属于暂时性上游错误（超时、限流、5xx、连接中断）。
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// 熔断器打开与上下文结束都不重试
	if errors.Is(err, ErrCircuitBreakerOpen) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"status code 5",
		"status code 429",
		"status code 408",
		"rate limit",
		"service unavailable",
		"connection reset",
		"eof",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
