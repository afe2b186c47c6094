// Package llm provides LLM provider and routing options.
package llm

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/kart-io/sentinel-kb/pkg/options"
)

var _ options.IOptions = (*Options)(nil)

// APIKeyEnv 未配置 API key 时读取的环境变量。
const APIKeyEnv = "LLM_API_KEY"

// ProviderOptions 定义单个 LLM 供应商实例。
type ProviderOptions struct {
	// Name 实例名称，路由表通过它引用供应商。
	Name string `json:"name" mapstructure:"name"`

	// Type 供应商类型（ollama, openai）。
	Type string `json:"type" mapstructure:"type"`

	// BaseURL API 基础地址。
	BaseURL string `json:"base-url" mapstructure:"base-url"`

	// APIKey API 密钥（OpenAI 等需要）。
	APIKey string `json:"-" mapstructure:"api-key"`

	ChatModel  string `json:"chat-model" mapstructure:"chat-model"`
	EmbedModel string `json:"embed-model" mapstructure:"embed-model"`

	// Timeout 单次 HTTP 请求超时时间。
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// Organization 组织 ID（OpenAI 可选）。
	Organization string `json:"organization" mapstructure:"organization"`
}

// ToConfigMap 转换为配置 map，用于供应商工厂。
func (o *ProviderOptions) ToConfigMap() map[string]any {
	return map[string]any{
		"base_url":     o.BaseURL,
		"api_key":      o.APIKey,
		"embed_model":  o.EmbedModel,
		"chat_model":   o.ChatModel,
		"timeout":      o.Timeout,
		"organization": o.Organization,
	}
}

// EmbeddingCacheOptions 进程内 Embedding 缓存配置。
type EmbeddingCacheOptions struct {
	Size int           `json:"size" mapstructure:"size"`
	TTL  time.Duration `json:"ttl" mapstructure:"ttl"`
}

// Options LLM 整体配置：供应商列表、用途路由与 Embedding 设置。
type Options struct {
	// Providers 已配置的供应商，第一个同时是命令行参数的目标。
	Providers []*ProviderOptions `json:"providers" mapstructure:"providers"`

	// DefaultProvider 没有专用路由的用途使用的供应商，为空时按名称取第一个。
	DefaultProvider string `json:"default-provider" mapstructure:"default-provider"`

	// Routes 用途到供应商名称的映射（extraction, synthesis, classification, validation）。
	Routes map[string]string `json:"routes" mapstructure:"routes"`

	// EmbeddingProvider 生成向量所用的供应商，为空时使用 DefaultProvider。
	EmbeddingProvider string `json:"embedding-provider" mapstructure:"embedding-provider"`

	EmbeddingCache EmbeddingCacheOptions `json:"embedding-cache" mapstructure:"embedding-cache"`
}

// NewOptions 创建默认配置：单个本地 Ollama 供应商。
func NewOptions() *Options {
	return &Options{
		Providers: []*ProviderOptions{{
			Name:       "ollama",
			Type:       "ollama",
			BaseURL:    "http://localhost:11434",
			ChatModel:  "llama3.1:8b",
			EmbedModel: "nomic-embed-text",
			Timeout:    120 * time.Second,
		}},
		Routes: map[string]string{},
		EmbeddingCache: EmbeddingCacheOptions{
			Size: 2048,
			TTL:  24 * time.Hour,
		},
	}
}

// Primary 返回第一个供应商，没有则创建。
func (o *Options) Primary() *ProviderOptions {
	if len(o.Providers) == 0 {
		o.Providers = append(o.Providers, &ProviderOptions{Timeout: 120 * time.Second})
	}
	return o.Providers[0]
}

// Provider 按名称查找供应商。
func (o *Options) Provider(name string) (*ProviderOptions, bool) {
	for _, p := range o.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return nil, false
}

// AddFlags adds flags for the primary provider and embedding cache.
func (o *Options) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	p := options.Join(prefixes...) + "llm."
	primary := o.Primary()
	fs.StringVar(&primary.Name, p+"name", primary.Name, "Name of the primary LLM provider.")
	fs.StringVar(&primary.Type, p+"type", primary.Type, "Primary LLM provider type (ollama, openai).")
	fs.StringVar(&primary.BaseURL, p+"base-url", primary.BaseURL, "Primary LLM API base URL.")
	fs.StringVar(&primary.ChatModel, p+"chat-model", primary.ChatModel, "Chat model name.")
	fs.StringVar(&primary.EmbedModel, p+"embed-model", primary.EmbedModel, "Embedding model name.")
	fs.DurationVar(&primary.Timeout, p+"timeout", primary.Timeout, "LLM HTTP request timeout.")
	fs.StringVar(&o.DefaultProvider, p+"default-provider", o.DefaultProvider, "Provider used for purposes without a route.")
	fs.StringVar(&o.EmbeddingProvider, p+"embedding-provider", o.EmbeddingProvider, "Provider used for embeddings.")
	fs.StringToStringVar(&o.Routes, p+"routes", o.Routes, "Purpose to provider routes, e.g. synthesis=openai.")
	fs.IntVar(&o.EmbeddingCache.Size, p+"embedding-cache.size", o.EmbeddingCache.Size, "Embedding cache entries, 0 disables the cache.")
	fs.DurationVar(&o.EmbeddingCache.TTL, p+"embedding-cache.ttl", o.EmbeddingCache.TTL, "Embedding cache TTL.")
}

// Complete 从环境变量补全缺失的 API key。
func (o *Options) Complete() error {
	key := os.Getenv(APIKeyEnv)
	for _, p := range o.Providers {
		if p.APIKey == "" && key != "" {
			p.APIKey = key
		}
		if p.Timeout <= 0 {
			p.Timeout = 120 * time.Second
		}
	}
	return nil
}

// Validate validates the LLM options.
func (o *Options) Validate() []error {
	if o == nil {
		return nil
	}

	var errs []error
	if len(o.Providers) == 0 {
		return append(errs, fmt.Errorf("llm: at least one provider is required"))
	}

	seen := make(map[string]bool, len(o.Providers))
	for i, p := range o.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("llm: provider %d has no name", i))
			continue
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("llm: duplicate provider name %q", p.Name))
		}
		seen[p.Name] = true

		switch p.Type {
		case "ollama":
		case "openai":
			if p.APIKey == "" {
				errs = append(errs, fmt.Errorf("llm: provider %q: api-key is required for openai", p.Name))
			}
		default:
			errs = append(errs, fmt.Errorf("llm: provider %q: unsupported type %q", p.Name, p.Type))
		}
		if p.BaseURL == "" {
			errs = append(errs, fmt.Errorf("llm: provider %q: base-url is required", p.Name))
		}
	}

	ref := func(field, name string) {
		if name != "" && !seen[name] {
			errs = append(errs, fmt.Errorf("llm: %s references unknown provider %q", field, name))
		}
	}
	ref("default-provider", o.DefaultProvider)
	ref("embedding-provider", o.EmbeddingProvider)
	for purpose, name := range o.Routes {
		ref("routes."+purpose, name)
	}
	if o.EmbeddingCache.Size < 0 {
		errs = append(errs, fmt.Errorf("llm: embedding cache size must not be negative"))
	}
	return errs
}
