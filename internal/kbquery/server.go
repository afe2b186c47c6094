package kbquery

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"
	"github.com/spf13/viper"

	"github.com/kart-io/sentinel-kb/internal/kbquery/biz"
	"github.com/kart-io/sentinel-kb/internal/kbquery/handler"
	"github.com/kart-io/sentinel-kb/internal/kbquery/metrics"
	"github.com/kart-io/sentinel-kb/internal/kbquery/router"
	"github.com/kart-io/sentinel-kb/internal/kbquery/store"
	etcdclient "github.com/kart-io/sentinel-kb/pkg/component/etcd"
	"github.com/kart-io/sentinel-kb/pkg/component/milvus"
	redisclient "github.com/kart-io/sentinel-kb/pkg/component/redis"
	"github.com/kart-io/sentinel-kb/pkg/infra/app"
	"github.com/kart-io/sentinel-kb/pkg/infra/config"
	"github.com/kart-io/sentinel-kb/pkg/infra/discovery/etcd"
	"github.com/kart-io/sentinel-kb/pkg/infra/middleware"
	"github.com/kart-io/sentinel-kb/pkg/infra/pool"
	"github.com/kart-io/sentinel-kb/pkg/infra/tracing"
	"github.com/kart-io/sentinel-kb/pkg/llm"
	// 导入 LLM 供应商以自动注册
	_ "github.com/kart-io/sentinel-kb/pkg/llm/ollama"
	_ "github.com/kart-io/sentinel-kb/pkg/llm/openai"
	"github.com/kart-io/sentinel-kb/pkg/llm/resilience"
	llmrouter "github.com/kart-io/sentinel-kb/pkg/llm/router"
)

// metricsNamespace 所有 Prometheus 指标的前缀。
const metricsNamespace = "sentinel_kb"

// Server 组装好的知识库服务。
type Server struct {
	opts       *Options
	httpServer *http.Server
	gardener   *biz.Gardener
	watcher    *config.Watcher
	registrar  *etcd.Registrar

	// closers 按注册顺序的逆序执行。
	closers []func()
}

// NewServer 按依赖顺序初始化全部组件。v 为加载配置所用的 viper 实例，用于热更新。
func NewServer(ctx context.Context, opts *Options, v *viper.Viper) (_ *Server, err error) {
	s := &Server{opts: opts}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	// 1. 初始化日志
	opts.Log.AddInitialField("service.name", Name)
	opts.Log.AddInitialField("service.version", app.GetVersion())
	if err := opts.Log.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.Info("Starting KB query service...")

	// 2. 初始化链路追踪
	if opts.Tracing.ServiceVersion == "" {
		opts.Tracing.ServiceVersion = app.GetVersion()
	}
	tp, err := tracing.NewProvider(ctx, opts.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.onClose(func() { _ = tp.Shutdown(context.Background()) })
	logger.Infow("Tracing initialized", "enabled", tp.Enabled(), "exporter", opts.Tracing.ExporterType)

	// 3. 初始化流水线配置
	cfgStore, err := biz.NewConfigStore(opts.Pipeline)
	if err != nil {
		return nil, err
	}

	// 4. 初始化图存储
	graph, err := store.NewGormGraphStore(ctx, opts.Graph)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize graph store: %w", err)
	}
	s.onClose(func() { _ = graph.Close() })
	logger.Infow("Graph store initialized", "driver", opts.Graph.Driver)

	checks := []handler.Option{handler.WithHealthCheck("graph", graph.Ping)}

	// 5. 初始化 Milvus 向量存储（可选）
	var vector store.VectorStore
	if opts.Milvus.Enabled {
		milvusClient, err := milvus.New(opts.Milvus)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize milvus: %w", err)
		}
		mvs := store.NewMilvusVectorStore(milvusClient)
		s.onClose(func() { _ = mvs.Close(context.Background()) })
		vector = mvs
		checks = append(checks, handler.WithHealthCheck("milvus", mvs.Ping))
		logger.Infow("Milvus client initialized", "address", opts.Milvus.Address)
	} else {
		logger.Warn("Milvus is disabled, answering from the knowledge graph only")
	}

	// 6. 初始化 Redis（可选，不可用时退回进程内实现）
	var rdb *redisclient.Client
	if opts.Redis.Enabled {
		rdb, err = redisclient.NewWithContext(ctx, opts.Redis)
		if err != nil {
			logger.Warnw("Failed to connect to redis, falling back to in-process cache and rate limiter", "error", err.Error())
			rdb = nil
		} else {
			s.onClose(func() { _ = rdb.Close() })
			checks = append(checks, handler.WithHealthCheck("redis", rdb.Ping))
			logger.Infow("Redis client initialized", "addr", opts.Redis.Addr())
		}
	}

	var cache biz.ResponseCache
	if opts.Cache.Enabled {
		if rdb != nil {
			cache = biz.NewRedisResponseCache(rdb.Client(), opts.Cache.TTL, rdb.KeyPrefix()+"response:")
		} else {
			cache = biz.NewMemoryResponseCache(opts.Cache.Size, opts.Cache.TTL)
		}
	} else {
		logger.Info("Answer cache is disabled")
	}

	// 7. 初始化 LLM 供应商与路由
	completer, embedder, llmRouter, err := newLLM(opts)
	if err != nil {
		return nil, err
	}

	// 8. 初始化协程池
	background, err := pool.NewPool("kb-background", pool.BackgroundPool, opts.Pools.Background)
	if err != nil {
		return nil, fmt.Errorf("failed to create background pool: %w", err)
	}
	s.onClose(background.Release)
	batch, err := pool.NewPool("kb-batch", pool.BatchPool, opts.Pools.Batch)
	if err != nil {
		return nil, fmt.Errorf("failed to create batch pool: %w", err)
	}
	s.onClose(batch.Release)

	// 9. 初始化指标
	m := metrics.New(metricsNamespace)
	m.WatchLLMRouter(metricsNamespace, llmRouter)

	// 10. 初始化 Biz 层
	patterns := biz.NewPatternExtractor()
	var vectorEmbedder llm.EmbeddingProvider
	if vector != nil {
		vectorEmbedder = embedder
	}
	discoverer := biz.NewRelationshipDiscoverer(completer, graph, patterns, cfgStore)
	gardener := biz.NewGardener(discoverer, graph, cfgStore)
	gardener.OnCycle(m.RecordGardenerCycle)
	indexer := biz.NewIndexer(graph, vector, vectorEmbedder, discoverer, batch, cfgStore)

	orch, err := biz.NewOrchestrator(biz.Dependencies{
		Classifier:  biz.NewIntentClassifier(completer, patterns, cfgStore),
		Expander:    biz.NewQueryExpander(completer, graph, patterns, cfgStore),
		Retriever:   biz.NewHybridRetriever(graph, vector, vectorEmbedder, cfgStore),
		Synthesizer: biz.NewResponseSynthesizer(completer, biz.NewPromptRegistry(), biz.NewTokenCounter(opts.TokenEncoding), cfgStore),
		Discoverer:  discoverer,
		Gardener:    gardener,
		Cache:       cache,
		Background:  background,
		Recorder:    m,
		Config:      cfgStore,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize orchestrator: %w", err)
	}
	s.gardener = gardener
	logger.Infow("KB pipeline initialized",
		"cache.enabled", cache != nil,
		"vector.enabled", vector != nil,
		"gardener.enabled", opts.Pipeline.Gardener.Enabled,
	)

	// 11. 初始化 Handler 层
	h := handler.NewKBHandler(orch, append(checks,
		handler.WithDiscoverer(discoverer),
		handler.WithIndexer(indexer, m),
		handler.WithGardener(gardener),
	)...)

	// 12. 初始化 HTTP 服务与中间件
	engine := newEngine(opts, rdb)
	router.Register(engine, h, m.Handler())
	s.httpServer = &http.Server{
		Addr:         opts.HTTP.Addr,
		Handler:      engine,
		ReadTimeout:  opts.HTTP.ReadTimeout,
		WriteTimeout: opts.HTTP.WriteTimeout,
		IdleTimeout:  opts.HTTP.IdleTimeout,
	}

	// 13. 配置热更新
	if v != nil {
		s.watcher = config.NewWatcher(v)
		s.watcher.Subscribe("pipeline", config.NewReloadableSubscriber(cfgStore, "pipeline", func() any {
			return biz.DefaultConfig()
		}).Handler())
	}

	// 14. 服务注册（可选）
	if opts.Etcd.Enabled {
		cli, err := etcdclient.NewWithContext(ctx, opts.Etcd)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to etcd: %w", err)
		}
		s.onClose(func() { _ = cli.Close() })
		s.registrar = etcd.NewRegistrar(cli.Client(), opts.Etcd.KeyPrefix, opts.Etcd.LeaseTTL, etcd.Instance{
			Name:    Name,
			Addr:    opts.Etcd.AdvertiseAddr,
			Version: app.GetVersion(),
		})
	}

	logger.Info("KB query service is ready")
	return s, nil
}

// newLLM 创建供应商、按用途路由的 Completer 以及带重试、熔断和缓存的 Embedding 供应商。
func newLLM(opts *Options) (llm.Completer, llm.EmbeddingProvider, *llmrouter.Router, error) {
	chats := make(map[string]llm.ChatProvider, len(opts.LLM.Providers))
	all := make(map[string]llm.Provider, len(opts.LLM.Providers))
	for _, p := range opts.LLM.Providers {
		provider, err := llm.NewProvider(p.Type, p.ToConfigMap())
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to initialize llm provider %q: %w", p.Name, err)
		}
		chats[p.Name] = provider
		all[p.Name] = provider
		logger.Infow("LLM provider initialized",
			"name", p.Name,
			"type", p.Type,
			"chat_model", p.ChatModel,
			"embed_model", p.EmbedModel,
		)
	}

	routes := make(map[llm.Purpose]string, len(opts.LLM.Routes))
	for purpose, name := range opts.LLM.Routes {
		routes[llm.Purpose(purpose)] = name
	}
	r, err := llmrouter.New(llmrouter.Config{
		DefaultProvider: opts.LLM.DefaultProvider,
		Routes:          routes,
		Breaker:         resilience.DefaultCircuitBreakerConfig(),
	}, chats)
	if err != nil {
		return nil, nil, nil, err
	}

	embedName := opts.LLM.EmbeddingProvider
	if embedName == "" {
		embedName = defaultProviderName(opts, all)
	}
	var embedder llm.EmbeddingProvider = resilience.NewResilientEmbeddingProvider(
		all[embedName],
		resilience.DefaultRetryPolicy(),
		resilience.DefaultCircuitBreakerConfig(),
	)
	if opts.LLM.EmbeddingCache.Size > 0 {
		embedder = llm.NewCachedEmbeddingProvider(embedder, &llm.EmbeddingCacheConfig{
			Size: opts.LLM.EmbeddingCache.Size,
			TTL:  opts.LLM.EmbeddingCache.TTL,
		})
	}
	logger.Infow("Embedding provider initialized", "provider", embedName, "cache_size", opts.LLM.EmbeddingCache.Size)
	return r, embedder, r, nil
}

func defaultProviderName(opts *Options, all map[string]llm.Provider) string {
	if opts.LLM.DefaultProvider != "" {
		return opts.LLM.DefaultProvider
	}
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	return names[0]
}

// newEngine 创建 gin 引擎并按顺序挂载中间件。rdb 非空时限流状态保存在 Redis。
func newEngine(opts *Options, rdb *redisclient.Client) *gin.Engine {
	gin.SetMode(opts.HTTP.Mode)
	mw := opts.HTTP.Middleware

	engine := gin.New()
	engine.Use(
		middleware.Recovery(nil),
		middleware.RequestID(*mw.RequestID),
		middleware.Tracing(mw.Logger.SkipPaths),
		middleware.Logger(*mw.Logger),
	)
	if mw.SecurityHeaders.Enabled {
		engine.Use(middleware.SecurityHeaders(*mw.SecurityHeaders))
	}
	if mw.CORS.Enabled {
		engine.Use(middleware.CORS(*mw.CORS))
	}
	engine.Use(
		middleware.BodyLimit(*mw.BodyLimit),
		middleware.Timeout(*mw.Timeout),
	)
	if rl := mw.RateLimit; rl.Enabled {
		var limiter middleware.RateLimiter
		if rl.UseRedis && rdb != nil {
			limiter = middleware.NewRedisRateLimiter(rdb.Client(), rl.Limit, rl.Window)
		} else {
			limiter = middleware.NewMemoryRateLimiter(rl.Limit, rl.Window, rl.MaxClients)
		}
		engine.Use(middleware.RateLimit(*rl, limiter))
	}
	return engine
}

// Run 启动 HTTP 服务、巡检器、配置监听与服务注册，阻塞直到 ctx 取消或服务出错。
func (s *Server) Run(ctx context.Context) error {
	defer s.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if s.opts.Pipeline.Gardener.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.gardener.Run(ctx); err != nil && !stderrors.Is(err, context.Canceled) {
				logger.Errorw("Gardener exited", "error", err.Error())
			}
		}()
	}

	if s.watcher != nil {
		s.watcher.Start()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("HTTP server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if s.registrar != nil {
		if err := s.registrar.Register(ctx); err != nil {
			logger.Warnw("Service registration failed", "error", err.Error())
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutting down KB query service...")
	case err, ok := <-errCh:
		if ok {
			runErr = fmt.Errorf("http server failed: %w", err)
		}
	}

	if s.registrar != nil {
		s.registrar.Close()
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), s.opts.HTTP.ShutdownTimeout)
	defer stop()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("HTTP server shutdown incomplete", "error", err.Error())
	}

	cancel()
	wg.Wait()
	logger.Info("KB query service stopped")
	return runErr
}

func (s *Server) onClose(fn func()) {
	s.closers = append(s.closers, fn)
}

func (s *Server) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
	_ = logger.Flush()
}
