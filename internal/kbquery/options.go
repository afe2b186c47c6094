package kbquery

import (
	"errors"
	"fmt"
	"time"

	"github.com/kart-io/sentinel-kb/internal/kbquery/biz"
	"github.com/kart-io/sentinel-kb/pkg/infra/app"
	"github.com/kart-io/sentinel-kb/pkg/infra/pool"
	"github.com/kart-io/sentinel-kb/pkg/infra/tracing"
	etcdopts "github.com/kart-io/sentinel-kb/pkg/options/etcd"
	graphopts "github.com/kart-io/sentinel-kb/pkg/options/graph"
	httpopts "github.com/kart-io/sentinel-kb/pkg/options/http"
	llmopts "github.com/kart-io/sentinel-kb/pkg/options/llm"
	logopts "github.com/kart-io/sentinel-kb/pkg/options/logger"
	milvusopts "github.com/kart-io/sentinel-kb/pkg/options/milvus"
	redisopts "github.com/kart-io/sentinel-kb/pkg/options/redis"
)

var _ app.CliOptions = (*Options)(nil)

// Options contains all knowledge base service options.
type Options struct {
	HTTP    *httpopts.Options   `json:"http" mapstructure:"http"`
	Log     *logopts.Options    `json:"log" mapstructure:"log"`
	Graph   *graphopts.Options  `json:"graph" mapstructure:"graph"`
	Milvus  *milvusopts.Options `json:"milvus" mapstructure:"milvus"`
	Redis   *redisopts.Options  `json:"redis" mapstructure:"redis"`
	LLM     *llmopts.Options    `json:"llm" mapstructure:"llm"`
	Etcd    *etcdopts.Options   `json:"etcd" mapstructure:"etcd"`
	Tracing *tracing.Options    `json:"tracing" mapstructure:"tracing"`

	// Cache 答案缓存配置，Redis 未启用或不可用时使用进程内缓存。
	Cache *CacheOptions `json:"cache" mapstructure:"cache"`

	// Pools 后台与批处理协程池。
	Pools *PoolOptions `json:"pools" mapstructure:"pools"`

	// TokenEncoding tiktoken 编码名称，用于上下文裁剪。
	TokenEncoding string `json:"token-encoding" mapstructure:"token-encoding"`

	// Pipeline 查询流水线参数，配置文件变更时热更新。
	Pipeline *biz.Config `json:"pipeline" mapstructure:"pipeline"`
}

// CacheOptions 答案缓存配置。
type CacheOptions struct {
	Enabled bool          `json:"enabled" mapstructure:"enabled"`
	Size    int           `json:"size" mapstructure:"size"`
	TTL     time.Duration `json:"ttl" mapstructure:"ttl"`
}

// PoolOptions 协程池配置。
type PoolOptions struct {
	Background *pool.Config `json:"background" mapstructure:"background"`
	Batch      *pool.Config `json:"batch" mapstructure:"batch"`
}

// NewOptions creates new Options with defaults.
func NewOptions() *Options {
	return &Options{
		HTTP:    httpopts.NewOptions(),
		Log:     logopts.NewOptions(),
		Graph:   graphopts.NewOptions(),
		Milvus:  milvusopts.NewOptions(),
		Redis:   redisopts.NewOptions(),
		LLM:     llmopts.NewOptions(),
		Etcd:    etcdopts.NewOptions(),
		Tracing: tracing.NewOptions(),
		Cache: &CacheOptions{
			Enabled: true,
			Size:    1000,
			TTL:     time.Hour,
		},
		Pools: &PoolOptions{
			Background: pool.BackgroundPoolConfig(),
			Batch:      pool.BatchPoolConfig(),
		},
		TokenEncoding: "cl100k_base",
		Pipeline:      biz.DefaultConfig(),
	}
}

// Flags returns the flags grouped by section.
func (o *Options) Flags() (fss app.NamedFlagSets) {
	o.HTTP.AddFlags(fss.FlagSet("http"))
	o.Log.AddFlags(fss.FlagSet("log"))
	o.Graph.AddFlags(fss.FlagSet("graph"))
	o.Milvus.AddFlags(fss.FlagSet("milvus"))
	o.Redis.AddFlags(fss.FlagSet("redis"))
	o.LLM.AddFlags(fss.FlagSet("llm"))
	o.Etcd.AddFlags(fss.FlagSet("etcd"))
	o.Tracing.AddFlags(fss.FlagSet("tracing"))

	fs := fss.FlagSet("cache")
	fs.BoolVar(&o.Cache.Enabled, "cache.enabled", o.Cache.Enabled, "Enable the answer cache.")
	fs.IntVar(&o.Cache.Size, "cache.size", o.Cache.Size, "Maximum entries of the in-process answer cache.")
	fs.DurationVar(&o.Cache.TTL, "cache.ttl", o.Cache.TTL, "Answer cache TTL.")

	fs = fss.FlagSet("pipeline")
	fs.StringVar(&o.TokenEncoding, "token-encoding", o.TokenEncoding, "Tokenizer encoding used to trim synthesis context.")
	fs.IntVar(&o.Pools.Batch.Capacity, "pools.batch.capacity", o.Pools.Batch.Capacity, "Maximum concurrent indexing batches.")
	fs.IntVar(&o.Pools.Background.Capacity, "pools.background.capacity", o.Pools.Background.Capacity, "Maximum concurrent background discovery tasks.")
	fs.BoolVar(&o.Pipeline.Gardener.Enabled, "pipeline.gardener.enabled", o.Pipeline.Gardener.Enabled, "Run the scheduled graph gardener.")
	fs.StringVar(&o.Pipeline.Gardener.Schedule, "pipeline.gardener.schedule", o.Pipeline.Gardener.Schedule, "Gardener cron schedule.")
	return fss
}

// Complete completes the options.
func (o *Options) Complete() error {
	if o.Pipeline == nil {
		o.Pipeline = biz.DefaultConfig()
	}
	if o.Pools == nil {
		o.Pools = &PoolOptions{}
	}
	if o.Pools.Background == nil {
		o.Pools.Background = pool.BackgroundPoolConfig()
	}
	if o.Pools.Batch == nil {
		o.Pools.Batch = pool.BatchPoolConfig()
	}
	if o.Etcd.Enabled && o.Etcd.AdvertiseAddr == "" {
		o.Etcd.AdvertiseAddr = o.HTTP.Addr
	}

	for _, c := range []interface{ Complete() error }{o.HTTP, o.Redis, o.LLM, o.Etcd} {
		if err := c.Complete(); err != nil {
			return err
		}
	}
	return nil
}

// Validate validates the options.
func (o *Options) Validate() error {
	var errs []error
	errs = append(errs, o.HTTP.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	errs = append(errs, o.Graph.Validate()...)
	errs = append(errs, o.Milvus.Validate()...)
	errs = append(errs, o.Redis.Validate()...)
	errs = append(errs, o.LLM.Validate()...)
	errs = append(errs, o.Etcd.Validate()...)
	errs = append(errs, o.Tracing.Validate()...)

	if o.Cache.Enabled && (o.Cache.Size <= 0 || o.Cache.TTL <= 0) {
		errs = append(errs, fmt.Errorf("cache size and ttl must be positive when the cache is enabled"))
	}
	if o.Pools.Background.Capacity <= 0 || o.Pools.Batch.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("pool capacities must be positive"))
	}
	if err := o.Pipeline.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
