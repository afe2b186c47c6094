// Package metrics 提供知识库查询服务的业务指标收集，以 Prometheus 格式导出。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kart-io/sentinel-kb/internal/kbquery/biz"
	"github.com/kart-io/sentinel-kb/pkg/llm/router"
)

// 查询状态标签。
const (
	StatusOK        = "ok"
	StatusCached    = "cached"
	StatusNoResults = "no_results"
	StatusDegraded  = "degraded"
	StatusError     = "error"
)

// KBMetrics 查询服务业务指标，实现 biz.Recorder。
type KBMetrics struct {
	registry *prometheus.Registry

	queries       *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	confidence    prometheus.Histogram

	relationships     prometheus.Counter
	gardenerCycles    *prometheus.CounterVec
	gardenerCommitted prometheus.Counter
	gardenerDuration  prometheus.Histogram

	chunks *prometheus.CounterVec
}

var _ biz.Recorder = (*KBMetrics)(nil)

// New 创建指标集合并注册到独立的 Registry，namespace 为指标名前缀。
func New(namespace string) *KBMetrics {
	m := &KBMetrics{
		registry: prometheus.NewRegistry(),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_total",
			Help:      "Total number of knowledge base queries by intent and status.",
		}, []string{"intent", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"stage"}),
		confidence: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "answer_confidence",
			Help:      "Confidence of answers produced by the pipeline.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}),
		relationships: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relationships_committed_total",
			Help:      "Relationships written to the graph by background discovery.",
		}),
		gardenerCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gardener_cycles_total",
			Help:      "Gardener cycles by outcome.",
		}, []string{"status"}),
		gardenerCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gardener_relationships_committed_total",
			Help:      "Relationships written to the graph by the gardener.",
		}),
		gardenerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gardener_cycle_duration_seconds",
			Help:      "Gardener cycle duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		chunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_indexed_total",
			Help:      "Chunks submitted for indexing by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.queries, m.stageDuration, m.confidence,
		m.relationships, m.gardenerCycles, m.gardenerCommitted, m.gardenerDuration,
		m.chunks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry 返回内部 Registry。
func (m *KBMetrics) Registry() *prometheus.Registry { return m.registry }

// Handler 返回 /metrics 的 HTTP 处理器。
func (m *KBMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// QueryStatus 将结果归类为指标状态。
func QueryStatus(r *biz.Result, cached bool) string {
	switch {
	case cached:
		return StatusCached
	case r.Error != nil:
		return StatusError
	case r.Metadata["no_results"] == true:
		return StatusNoResults
	case r.Metadata["error"] == true:
		return StatusDegraded
	default:
		return StatusOK
	}
}

// RecordQuery 实现 biz.Recorder。缓存命中与错误结果不计入阶段耗时。
func (m *KBMetrics) RecordQuery(r *biz.Result, cached bool) {
	if r == nil {
		return
	}
	intent := "none"
	if r.Analysis != nil {
		intent = string(r.Analysis.Intent)
	}
	status := QueryStatus(r, cached)
	m.queries.WithLabelValues(intent, status).Inc()

	if status == StatusCached || status == StatusError {
		return
	}
	m.confidence.Observe(r.Confidence)
	m.observeMs("intent", r.Timings.IntentMs)
	m.observeMs("retrieval", r.Timings.RetrievalMs)
	m.observeMs("synthesis", r.Timings.SynthesisMs)
	m.observeMs("total", r.Timings.TotalMs)
}

func (m *KBMetrics) observeMs(stage string, ms int64) {
	m.stageDuration.WithLabelValues(stage).Observe((time.Duration(ms) * time.Millisecond).Seconds())
}

// RecordRelationships 实现 biz.Recorder。
func (m *KBMetrics) RecordRelationships(committed int) {
	if committed > 0 {
		m.relationships.Add(float64(committed))
	}
}

// RecordGardenerCycle 实现 biz.Recorder。
func (m *KBMetrics) RecordGardenerCycle(r *biz.CycleReport) {
	if r == nil {
		return
	}
	status := "completed"
	if r.Cancelled {
		status = "cancelled"
	}
	m.gardenerCycles.WithLabelValues(status).Inc()
	if r.Committed > 0 {
		m.gardenerCommitted.Add(float64(r.Committed))
	}
	m.gardenerDuration.Observe((time.Duration(r.DurationMs) * time.Millisecond).Seconds())
}

// RecordIndexing 记录一次批量入库。
func (m *KBMetrics) RecordIndexing(r *biz.IndexReport) {
	if r == nil {
		return
	}
	if r.Indexed > 0 {
		m.chunks.WithLabelValues("indexed").Add(float64(r.Indexed))
	}
	if r.Failed > 0 {
		m.chunks.WithLabelValues("failed").Add(float64(r.Failed))
	}
	if r.Relationships > 0 {
		m.relationships.Add(float64(r.Relationships))
	}
}

// WatchLLMRouter 导出 LLM 路由器的调用与失败计数。
func (m *KBMetrics) WatchLLMRouter(namespace string, r *router.Router) {
	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_calls_total",
			Help:      "Total number of LLM completion calls.",
		}, func() float64 { return float64(r.Stats().Calls) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_failures_total",
			Help:      "Total number of failed LLM completion calls.",
		}, func() float64 { return float64(r.Stats().Failures) }),
	)
}
