// Package router 实现 llm.Completer：按用途选择供应商，按优先级施加超时、限流、重试与熔断。
package router

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/kart-io/logger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/kart-io/sentinel-kb/pkg/llm"
	"github.com/kart-io/sentinel-kb/pkg/llm/resilience"
)

// Policy 单个优先级的调用策略。
type Policy struct {
	// Timeout 单次补全（含重试）的总超时。
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
	// MaxRetries 暂时性错误的最大重试次数。
	MaxRetries uint64 `json:"max-retries" mapstructure:"max-retries"`
	// BaseDelay 指数退避初始间隔。
	BaseDelay time.Duration `json:"base-delay" mapstructure:"base-delay"`
	// RatePerSecond 每秒允许的调用数，0 表示不限流。
	RatePerSecond float64 `json:"rate-per-second" mapstructure:"rate-per-second"`
	// Burst 令牌桶容量。
	Burst int `json:"burst" mapstructure:"burst"`
}

// DefaultPolicies 返回各优先级的默认策略。
// 高优先级更少等待，BATCH 限流最严但超时最长。
func DefaultPolicies() map[llm.Priority]Policy {
	return map[llm.Priority]Policy{
		llm.PriorityCritical: {Timeout: 60 * time.Second, MaxRetries: 3, BaseDelay: 200 * time.Millisecond},
		llm.PriorityHigh:     {Timeout: 30 * time.Second, MaxRetries: 2, BaseDelay: 300 * time.Millisecond, RatePerSecond: 20, Burst: 10},
		llm.PriorityMedium:   {Timeout: 30 * time.Second, MaxRetries: 2, BaseDelay: 500 * time.Millisecond, RatePerSecond: 10, Burst: 5},
		llm.PriorityLow:      {Timeout: 20 * time.Second, MaxRetries: 1, BaseDelay: time.Second, RatePerSecond: 5, Burst: 2},
		llm.PriorityBatch:    {Timeout: 120 * time.Second, MaxRetries: 3, BaseDelay: 2 * time.Second, RatePerSecond: 1, Burst: 1},
	}
}

// Config 路由配置。
type Config struct {
	// DefaultProvider 没有专用路由的用途使用的供应商。
	DefaultProvider string
	// Routes 用途到供应商名称的映射。
	Routes map[llm.Purpose]string
	// Policies 优先级策略，缺失的优先级使用默认值。
	Policies map[llm.Priority]Policy
	// Breaker 每个供应商一个熔断器。
	Breaker *resilience.CircuitBreakerConfig
}

// Router 按用途与优先级分发补全请求。
type Router struct {
	providers map[string]llm.ChatProvider
	routes    map[llm.Purpose]string
	fallback  string
	policies  map[llm.Priority]Policy
	limiters  map[llm.Priority]*rate.Limiter
	breakers  map[string]*resilience.CircuitBreaker

	calls    atomic.Int64
	failures atomic.Int64
}

var _ llm.Completer = (*Router)(nil)

// New 创建路由器。所有路由目标必须在 providers 中存在。
func New(cfg Config, providers map[string]llm.ChatProvider) (*Router, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("llm router: no chat providers configured")
	}

	fallback := cfg.DefaultProvider
	if fallback == "" {
		names := make([]string, 0, len(providers))
		for name := range providers {
			names = append(names, name)
		}
		sort.Strings(names)
		fallback = names[0]
	}
	if _, ok := providers[fallback]; !ok {
		return nil, fmt.Errorf("llm router: default provider %q not configured", fallback)
	}

	routes := make(map[llm.Purpose]string, len(cfg.Routes))
	for purpose, name := range cfg.Routes {
		if _, ok := providers[name]; !ok {
			return nil, fmt.Errorf("llm router: route %s -> %q: provider not configured", purpose, name)
		}
		routes[purpose] = name
	}

	policies := DefaultPolicies()
	for prio, pol := range cfg.Policies {
		policies[prio] = pol
	}

	limiters := make(map[llm.Priority]*rate.Limiter, len(policies))
	for prio, pol := range policies {
		if pol.RatePerSecond > 0 {
			burst := pol.Burst
			if burst <= 0 {
				burst = 1
			}
			limiters[prio] = rate.NewLimiter(rate.Limit(pol.RatePerSecond), burst)
		}
	}

	breakers := make(map[string]*resilience.CircuitBreaker, len(providers))
	for name := range providers {
		breakers[name] = resilience.NewCircuitBreaker(name, cfg.Breaker)
	}

	return &Router{
		providers: providers,
		routes:    routes,
		fallback:  fallback,
		policies:  policies,
		limiters:  limiters,
		breakers:  breakers,
	}, nil
}

// ProviderFor 返回用途对应的供应商名称。
func (r *Router) ProviderFor(purpose llm.Purpose) string {
	if name, ok := r.routes[purpose]; ok {
		return name
	}
	return r.fallback
}

// Complete 实现 llm.Completer。
func (r *Router) Complete(ctx context.Context, messages []llm.Message, purpose llm.Purpose, priority llm.Priority) (string, error) {
	name := r.ProviderFor(purpose)
	provider := r.providers[name]
	breaker := r.breakers[name]
	policy, ok := r.policies[priority]
	if !ok {
		policy = r.policies[llm.PriorityMedium]
	}

	ctx, span := otel.Tracer("sentinel-kb/llm").Start(ctx, "llm.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", name),
		attribute.String("llm.purpose", string(purpose)),
		attribute.String("llm.priority", priority.String()),
	)

	r.calls.Add(1)
	start := time.Now()

	if lim := r.limiters[priority]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			r.failures.Add(1)
			span.SetStatus(codes.Error, "rate limit wait")
			return "", fmt.Errorf("llm %s/%s: rate limit wait: %w", purpose, priority, err)
		}
	}

	if policy.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
	}

	var out string
	retryPolicy := resilience.RetryPolicy{
		MaxRetries: policy.MaxRetries,
		BaseDelay:  policy.BaseDelay,
		MaxDelay:   10 * policy.BaseDelay,
	}
	err := resilience.Retry(ctx, retryPolicy, func(ctx context.Context) error {
		return breaker.Execute(func() error {
			var callErr error
			out, callErr = provider.Chat(ctx, messages)
			return callErr
		})
	})
	if err != nil {
		r.failures.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warnw("llm completion failed",
			"provider", name,
			"purpose", string(purpose),
			"priority", priority.String(),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err.Error(),
		)
		return "", fmt.Errorf("llm %s/%s via %s: %w", purpose, priority, name, err)
	}

	logger.Debugw("llm completion",
		"provider", name,
		"purpose", string(purpose),
		"priority", priority.String(),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

// Stats 路由统计快照。
type Stats struct {
	Calls    int64              `json:"calls"`
	Failures int64              `json:"failures"`
	Breakers []resilience.Stats `json:"breakers"`
}

// Stats 返回调用计数与各熔断器状态。
func (r *Router) Stats() Stats {
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)

	breakers := make([]resilience.Stats, 0, len(names))
	for _, name := range names {
		breakers = append(breakers, r.breakers[name].Stats())
	}
	return Stats{
		Calls:    r.calls.Load(),
		Failures: r.failures.Load(),
		Breakers: breakers,
	}
}
