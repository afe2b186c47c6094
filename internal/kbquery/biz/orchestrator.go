package biz

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kart-io/logger"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/kart-io/sentinel-kb/pkg/infra/pool"
	"github.com/kart-io/sentinel-kb/pkg/utils/errors"
)

const tracerName = "github.com/kart-io/sentinel-kb/internal/kbquery/biz"

// Recorder 接收编排过程中的指标事件。
type Recorder interface {
	RecordQuery(result *Result, cached bool)
	RecordRelationships(committed int)
	RecordGardenerCycle(report *CycleReport)
}

type noopRecorder struct{}

func (noopRecorder) RecordQuery(*Result, bool)        {}
func (noopRecorder) RecordRelationships(int)          {}
func (noopRecorder) RecordGardenerCycle(*CycleReport) {}

// Stats 进程内运行统计。
type Stats struct {
	TotalQueries           uint64  `json:"total_queries"`
	CacheHits              uint64  `json:"cache_hits"`
	CacheHitRate           float64 `json:"cache_hit_rate"`
	CacheEntries           int     `json:"cache_entries"`
	Errors                 uint64  `json:"errors"`
	ErrorRate              float64 `json:"error_rate"`
	AvgProcessingMs        float64 `json:"avg_processing_ms"`
	AvgIntentMs            float64 `json:"avg_intent_ms"`
	AvgRetrievalMs         float64 `json:"avg_retrieval_ms"`
	AvgSynthesisMs         float64 `json:"avg_synthesis_ms"`
	BackgroundDropped      uint64  `json:"background_dropped"`
	RelationshipsCommitted uint64  `json:"relationships_committed"`
	GardenerCycles         uint64  `json:"gardener_cycles"`
	ConfigVersion          uint64  `json:"config_version"`
	UptimeSeconds          int64   `json:"uptime_seconds"`
}

// counters 跨 goroutine 更新的计数器，全部使用原子操作。
type counters struct {
	total      atomic.Uint64
	cacheHits  atomic.Uint64
	errors     atomic.Uint64
	processed  atomic.Uint64
	totalMs    atomic.Int64
	intentMs   atomic.Int64
	retrieveMs atomic.Int64
	synthMs    atomic.Int64
	dropped    atomic.Uint64
}

// Dependencies 编排器依赖。除 Classifier/Expander/Retriever/Synthesizer 外均可为空。
type Dependencies struct {
	Classifier  *IntentClassifier
	Expander    *QueryExpander
	Retriever   *HybridRetriever
	Synthesizer *ResponseSynthesizer
	Discoverer  *RelationshipDiscoverer
	Gardener    *Gardener
	Cache       ResponseCache
	Background  *pool.Pool
	Recorder    Recorder
	Config      *ConfigStore
}

// Orchestrator 查询编排：意图分析、混合检索、答案合成，附带缓存、统计与后台关系发现。
type Orchestrator struct {
	classifier  *IntentClassifier
	expander    *QueryExpander
	retriever   *HybridRetriever
	synthesizer *ResponseSynthesizer
	discoverer  *RelationshipDiscoverer
	gardener    *Gardener
	cache       ResponseCache
	background  *pool.Pool
	recorder    Recorder
	cfg         *ConfigStore
	tracer      trace.Tracer

	stats   counters
	started time.Time
}

// NewOrchestrator 创建编排器。
func NewOrchestrator(deps Dependencies) (*Orchestrator, error) {
	if deps.Classifier == nil || deps.Expander == nil || deps.Retriever == nil || deps.Synthesizer == nil {
		return nil, fmt.Errorf("orchestrator requires classifier, expander, retriever and synthesizer")
	}
	if deps.Config == nil {
		return nil, fmt.Errorf("orchestrator requires a config store")
	}
	rec := deps.Recorder
	if rec == nil {
		rec = noopRecorder{}
	}
	return &Orchestrator{
		classifier:  deps.Classifier,
		expander:    deps.Expander,
		retriever:   deps.Retriever,
		synthesizer: deps.Synthesizer,
		discoverer:  deps.Discoverer,
		gardener:    deps.Gardener,
		cache:       deps.Cache,
		background:  deps.Background,
		recorder:    rec,
		cfg:         deps.Config,
		tracer:      otel.Tracer(tracerName),
		started:     time.Now(),
	}, nil
}

// Orchestrate 执行完整查询流水线。总是返回结构化结果，内部错误与 panic 转换为带错误码的结果。
func (o *Orchestrator) Orchestrate(ctx context.Context, query, convContext string, useCache bool) (result *Result) {
	start := time.Now()
	queryID := strings.ToLower(ulid.Make().String())
	cfg := o.cfg.Get()

	ctx, span := o.tracer.Start(ctx, "kbquery.orchestrate", trace.WithAttributes(
		attribute.String("query.id", queryID),
		attribute.Bool("cache.enabled", useCache),
	))
	defer span.End()

	cached := false
	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("Query pipeline panicked",
				"query_id", queryID,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			result = o.errorResult(queryID, query, errors.ErrPanic, start)
		}
		if result.Error != nil {
			span.SetStatus(codes.Error, result.Error.Message)
		}
		o.account(result, cached)
	}()

	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		resp := o.synthesizer.NoResults(DetectLanguage(convContext), nil)
		resp.Metadata["empty_query"] = true
		return o.buildResult(queryID, query, resp, nil, nil, StageTimings{TotalMs: msSince(start)})
	}

	var key string
	if useCache && o.cache != nil {
		key = CacheKey(trimmed, convContext)
		hit, err := o.cache.Get(ctx, key)
		if err == nil && hit != nil {
			cached = true
			span.SetAttributes(attribute.Bool("cache.hit", true))
			if hit.Metadata == nil {
				hit.Metadata = map[string]any{}
			}
			hit.Metadata["cached"] = true
			hit.Metadata["cached_query_id"] = hit.QueryID
			hit.QueryID = queryID
			hit.Timings = StageTimings{TotalMs: msSince(start)}
			hit.CreatedAt = time.Now()
			return hit
		}
	}

	// 阶段一：意图分析与查询扩展并行执行
	timings := StageTimings{}
	stageStart := time.Now()
	analysis, expanded, err := o.analyze(ctx, trimmed, convContext, cfg.Orchestrator.IntentTimeout)
	timings.IntentMs = msSince(stageStart)
	if err != nil {
		logger.Errorw("Intent stage failed", "query_id", queryID, "error", err.Error())
		return o.errorResult(queryID, query, errors.ErrPanic.WithCause(err), start)
	}
	if err := ctx.Err(); err != nil {
		return o.errorResult(queryID, query, errors.FromError(err), start)
	}

	// 阶段二：混合检索
	stageStart = time.Now()
	outcome := o.retrieve(ctx, expanded, analysis, cfg.Orchestrator.RetrievalTimeout)
	timings.RetrievalMs = msSince(stageStart)
	if err := ctx.Err(); err != nil {
		return o.errorResult(queryID, query, errors.FromError(err), start)
	}

	// 阶段三：答案合成
	stageStart = time.Now()
	resp := o.synthesize(ctx, trimmed, analysis, outcome.Results, cfg.Orchestrator.SynthesisTimeout)
	timings.SynthesisMs = msSince(stageStart)
	if err := ctx.Err(); err != nil {
		return o.errorResult(queryID, query, errors.FromError(err), start)
	}

	timings.TotalMs = msSince(start)
	resp.Metadata["cached"] = false
	resp.Metadata["graph_count"] = outcome.GraphCount
	resp.Metadata["vector_count"] = outcome.VectorCount
	resp.Metadata["expanded_terms"] = len(expanded.Terms) + len(expanded.ContextTerms)
	if outcome.GraphError != "" {
		resp.Metadata["graph_error"] = outcome.GraphError
	}
	if outcome.VectorError != "" {
		resp.Metadata["vector_error"] = outcome.VectorError
	}
	result = o.buildResult(queryID, query, resp, analysis, &outcome.Strategy, timings)

	if key != "" && result.Confidence > cfg.Orchestrator.CacheThreshold && !isSoftFailure(resp) {
		if err := o.cache.Set(ctx, key, result); err != nil {
			logger.Warnw("Failed to cache response", "query_id", queryID, "error", err.Error())
		}
	}

	if cfg.Discovery.Background {
		o.discoverInBackground(queryID, outcome.Results)
	}

	logger.Infow("Query processed",
		"query_id", queryID,
		"intent", analysis.Intent,
		"confidence", result.Confidence,
		"results", len(outcome.Results),
		"intent_ms", timings.IntentMs,
		"retrieval_ms", timings.RetrievalMs,
		"synthesis_ms", timings.SynthesisMs,
		"total_ms", timings.TotalMs,
	)
	return result
}

func (o *Orchestrator) analyze(ctx context.Context, query, convContext string, timeout time.Duration) (*QueryAnalysis, *ExpandedQuery, error) {
	ctx, span := o.tracer.Start(ctx, "kbquery.intent")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		analysis *QueryAnalysis
		expanded *ExpandedQuery
		g        errgroup.Group
	)
	g.Go(func() (err error) {
		defer recoverAsError(&err)
		analysis = o.classifier.Analyze(ctx, query, convContext)
		return nil
	})
	g.Go(func() (err error) {
		defer recoverAsError(&err)
		expanded = o.expander.Expand(ctx, query, convContext)
		return nil
	})
	if err := g.Wait(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, nil, err
	}

	span.SetAttributes(
		attribute.String("intent", string(analysis.Intent)),
		attribute.String("analysis.source", string(analysis.Source)),
		attribute.Int("expansion.terms", len(expanded.Terms)),
	)
	return analysis, expanded, nil
}

// recoverAsError 将 goroutine 内的 panic 转为错误，交由调用方处理。
func recoverAsError(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("panic: %v", r)
	}
}

func (o *Orchestrator) retrieve(ctx context.Context, expanded *ExpandedQuery, analysis *QueryAnalysis, timeout time.Duration) *RetrievalOutcome {
	ctx, span := o.tracer.Start(ctx, "kbquery.retrieval")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	outcome := o.retriever.Retrieve(ctx, expanded, analysis, 0)
	span.SetAttributes(
		attribute.Int("results.graph", outcome.GraphCount),
		attribute.Int("results.vector", outcome.VectorCount),
		attribute.Int("results.fused", len(outcome.Results)),
	)
	return outcome
}

func (o *Orchestrator) synthesize(ctx context.Context, query string, analysis *QueryAnalysis, results []RetrievalResult, timeout time.Duration) *SynthesizedResponse {
	ctx, span := o.tracer.Start(ctx, "kbquery.synthesis")
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp := o.synthesizer.Synthesize(ctx, query, analysis, results)
	span.SetAttributes(attribute.Float64("confidence", resp.Confidence))
	return resp
}

// ProcessConversation 将最近若干轮历史折叠为上下文后执行流水线。
func (o *Orchestrator) ProcessConversation(ctx context.Context, messages []ConversationMessage, conversationID string) *Result {
	query, history := splitConversation(messages, o.cfg.Get().Orchestrator.HistoryTurns)
	if strings.TrimSpace(query) == "" {
		start := time.Now()
		r := o.errorResult(strings.ToLower(ulid.Make().String()), "", errors.ErrKBEmptyConversation, start)
		r.Metadata["conversation_id"] = conversationID
		r.Metadata["message_count"] = len(messages)
		o.account(r, false)
		return r
	}

	result := o.Orchestrate(ctx, query, history, true)
	result.Metadata["conversation_id"] = conversationID
	result.Metadata["message_count"] = len(messages)
	result.Metadata["has_history"] = history != ""
	return result
}

// splitConversation 取最后一条用户消息作为查询，之前最多 turns 条消息作为上下文。
func splitConversation(messages []ConversationMessage, turns int) (string, string) {
	last := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" && strings.TrimSpace(messages[i].Content) != "" {
			last = i
			break
		}
	}
	if last < 0 {
		return "", ""
	}

	prior := messages[:last]
	if turns >= 0 && len(prior) > turns {
		prior = prior[len(prior)-turns:]
	}
	lines := make([]string, 0, len(prior))
	for _, m := range prior {
		content := strings.TrimSpace(m.Content)
		if content == "" || m.Role == "system" {
			continue
		}
		lines = append(lines, m.Role+": "+content)
	}
	return strings.TrimSpace(messages[last].Content), strings.Join(lines, "\n")
}

// StreamEvent 流式输出事件。
type StreamEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// 流式事件类型。
const (
	EventMeta  = "meta"
	EventChunk = "chunk"
	EventDone  = "done"
)

// Stream 以分片形式输出与 Orchestrate 相同的答案，最后发送包含完整结果的 done 事件。
// ctx 取消后停止发送并关闭通道。
func (o *Orchestrator) Stream(ctx context.Context, query, convContext string, useCache bool) <-chan StreamEvent {
	ch := make(chan StreamEvent, 8)
	go func() {
		defer close(ch)
		send := func(ev StreamEvent) bool {
			select {
			case <-ctx.Done():
				return false
			case ch <- ev:
				return true
			}
		}

		result := o.Orchestrate(ctx, query, convContext, useCache)
		meta := map[string]any{"query_id": result.QueryID, "confidence": result.Confidence}
		if result.Analysis != nil {
			meta["intent"] = result.Analysis.Intent
		}
		if !send(StreamEvent{Type: EventMeta, Data: meta}) {
			return
		}
		for _, part := range chunkRunes(result.Answer, o.cfg.Get().Orchestrator.StreamChunkRunes) {
			if !send(StreamEvent{Type: EventChunk, Data: part}) {
				return
			}
		}
		send(StreamEvent{Type: EventDone, Data: result})
	}()
	return ch
}

func chunkRunes(s string, n int) []string {
	if n <= 0 {
		n = 48
	}
	runes := []rune(s)
	out := make([]string, 0, len(runes)/n+1)
	for i := 0; i < len(runes); i += n {
		end := i + n
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}

// Stats 返回运行统计。
func (o *Orchestrator) Stats(ctx context.Context) Stats {
	s := Stats{
		TotalQueries:      o.stats.total.Load(),
		CacheHits:         o.stats.cacheHits.Load(),
		Errors:            o.stats.errors.Load(),
		BackgroundDropped: o.stats.dropped.Load(),
		ConfigVersion:     o.cfg.Version(),
		UptimeSeconds:     int64(time.Since(o.started).Seconds()),
	}
	if s.TotalQueries > 0 {
		s.CacheHitRate = float64(s.CacheHits) / float64(s.TotalQueries)
		s.ErrorRate = float64(s.Errors) / float64(s.TotalQueries)
		s.AvgProcessingMs = float64(o.stats.totalMs.Load()) / float64(s.TotalQueries)
	}
	if n := o.stats.processed.Load(); n > 0 {
		s.AvgIntentMs = float64(o.stats.intentMs.Load()) / float64(n)
		s.AvgRetrievalMs = float64(o.stats.retrieveMs.Load()) / float64(n)
		s.AvgSynthesisMs = float64(o.stats.synthMs.Load()) / float64(n)
	}
	if o.cache != nil {
		s.CacheEntries = o.cache.Len(ctx)
	}
	if o.discoverer != nil {
		s.RelationshipsCommitted = o.discoverer.CommittedTotal()
	}
	if o.gardener != nil {
		s.GardenerCycles = o.gardener.Cycles()
	}
	return s
}

// ClearCache 清空响应缓存。
func (o *Orchestrator) ClearCache(ctx context.Context) error {
	if o.cache == nil {
		return nil
	}
	return o.cache.Clear(ctx)
}

func (o *Orchestrator) account(r *Result, cached bool) {
	o.stats.total.Add(1)
	o.stats.totalMs.Add(r.Timings.TotalMs)
	switch {
	case cached:
		o.stats.cacheHits.Add(1)
	case r.Error != nil:
		o.stats.errors.Add(1)
	default:
		o.stats.processed.Add(1)
		o.stats.intentMs.Add(r.Timings.IntentMs)
		o.stats.retrieveMs.Add(r.Timings.RetrievalMs)
		o.stats.synthMs.Add(r.Timings.SynthesisMs)
	}
	o.recorder.RecordQuery(r, cached)
}

// discoverInBackground 从检索到的文档块中挖掘关系。池满时直接丢弃。
func (o *Orchestrator) discoverInBackground(queryID string, results []RetrievalResult) {
	if o.discoverer == nil || o.background == nil {
		return
	}
	var texts []string
	for _, r := range results {
		if r.Source == ResultFromVector && strings.TrimSpace(r.Content) != "" {
			texts = append(texts, r.Content)
		}
		if len(texts) == 3 {
			break
		}
	}
	if len(texts) == 0 {
		return
	}

	timeout := o.cfg.Get().Discovery.Timeout * 2
	err := o.background.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		committed := 0
		for _, text := range texts {
			_, report := o.discoverer.DiscoverAndCommit(ctx, text)
			committed += len(report.Committed)
		}
		o.recorder.RecordRelationships(committed)
		if committed > 0 {
			logger.Infow("Background discovery committed relationships", "query_id", queryID, "committed", committed)
		}
	})
	if err != nil {
		o.stats.dropped.Add(1)
		logger.Debugw("Background discovery dropped", "query_id", queryID, "error", err.Error())
	}
}

func (o *Orchestrator) buildResult(queryID, query string, resp *SynthesizedResponse, analysis *QueryAnalysis, strategy *Strategy, timings StageTimings) *Result {
	return &Result{
		QueryID:    queryID,
		Query:      query,
		Answer:     resp.Answer,
		Confidence: clamp01(resp.Confidence),
		Sources:    resp.Sources,
		FollowUps:  resp.FollowUps,
		Graph:      resp.Graph,
		Analysis:   analysis,
		Strategy:   strategy,
		Timings:    timings,
		Metadata:   resp.Metadata,
		CreatedAt:  time.Now(),
	}
}

// errorResult 将错误转换为带错误码的结果，仅暴露错误码与本地化消息。
func (o *Orchestrator) errorResult(queryID, query string, e *errors.Errno, start time.Time) *Result {
	lang := DetectLanguage(query)
	resp := o.synthesizer.Failure(lang, e)
	return &Result{
		QueryID:    queryID,
		Query:      query,
		Answer:     resp.Answer,
		Confidence: ErrorConfidence,
		Sources:    []SourceRef{},
		FollowUps:  resp.FollowUps,
		Timings:    StageTimings{TotalMs: msSince(start)},
		Metadata:   resp.Metadata,
		Error:      &ErrorInfo{Code: e.Code, Message: e.Message(lang)},
		CreatedAt:  time.Now(),
	}
}

func isSoftFailure(resp *SynthesizedResponse) bool {
	return resp.Metadata["error"] == true || resp.Metadata["no_results"] == true
}
