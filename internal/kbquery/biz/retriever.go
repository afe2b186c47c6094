package biz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kart-io/logger"
	"golang.org/x/sync/errgroup"

	"github.com/kart-io/sentinel-kb/internal/kbquery/store"
	"github.com/kart-io/sentinel-kb/pkg/llm"
)

// RetrievalOutcome 一次混合检索的结果与各分支状态。
type RetrievalOutcome struct {
	Results     []RetrievalResult `json:"results"`
	Strategy    Strategy          `json:"strategy"`
	GraphCount  int               `json:"graph_count"`
	VectorCount int               `json:"vector_count"`
	GraphError  string            `json:"graph_error,omitempty"`
	VectorError string            `json:"vector_error,omitempty"`
	GraphMs     int64             `json:"graph_ms"`
	VectorMs    int64             `json:"vector_ms"`
}

// HybridRetriever 并发执行图检索与向量检索并融合结果。
type HybridRetriever struct {
	graph    store.GraphStore
	vector   store.VectorStore
	embedder llm.EmbeddingProvider
	cfg      *ConfigStore
}

// NewHybridRetriever 创建混合检索器。graph 或 vector 为 nil 时对应分支为空。
func NewHybridRetriever(graph store.GraphStore, vector store.VectorStore, embedder llm.EmbeddingProvider, cfg *ConfigStore) *HybridRetriever {
	return &HybridRetriever{graph: graph, vector: vector, embedder: embedder, cfg: cfg}
}

// Retrieve 执行检索。单个分支失败只会使该分支贡献为空，不会取消另一分支。
func (r *HybridRetriever) Retrieve(ctx context.Context, expanded *ExpandedQuery, analysis *QueryAnalysis, maxResults int) *RetrievalOutcome {
	cfg := r.cfg.Get()
	if maxResults <= 0 {
		maxResults = cfg.Retrieval.MaxResults
	}
	if analysis == nil {
		analysis = &QueryAnalysis{Intent: IntentGeneralInformation}
	}

	strategy := SelectStrategy(analysis.Intent)
	outcome := &RetrievalOutcome{Strategy: strategy}

	var graphResults, vectorResults []RetrievalResult

	// 不使用 errgroup.WithContext：一个分支失败不能取消另一个分支
	var g errgroup.Group
	if strategy.UseGraph && r.graph != nil {
		g.Go(func() (err error) {
			defer func() {
				if recoverAsError(&err); err != nil {
					outcome.GraphError = err.Error()
					logger.Errorw("Graph retrieval panicked", "error", err.Error())
				}
			}()
			start := time.Now()
			bctx, cancel := context.WithTimeout(ctx, cfg.Retrieval.GraphTimeout)
			defer cancel()

			res, err := r.retrieveGraph(bctx, analysis, strategy.Graph, cfg.Retrieval)
			outcome.GraphMs = msSince(start)
			if err != nil {
				outcome.GraphError = err.Error()
				logger.Warnw("Graph retrieval failed", "intent", analysis.Intent, "error", err.Error())
			}
			graphResults = res
			return nil
		})
	}
	if strategy.UseVector && r.vector != nil && r.embedder != nil {
		g.Go(func() (err error) {
			defer func() {
				if recoverAsError(&err); err != nil {
					outcome.VectorError = err.Error()
					logger.Errorw("Vector retrieval panicked", "error", err.Error())
				}
			}()
			start := time.Now()
			bctx, cancel := context.WithTimeout(ctx, cfg.Retrieval.VectorTimeout)
			defer cancel()

			res, err := r.retrieveVector(bctx, expanded, analysis, strategy.Vector, cfg)
			outcome.VectorMs = msSince(start)
			if err != nil {
				outcome.VectorError = err.Error()
				logger.Warnw("Vector retrieval failed", "intent", analysis.Intent, "error", err.Error())
			}
			vectorResults = res
			return nil
		})
	}
	_ = g.Wait()

	outcome.GraphCount = len(graphResults)
	outcome.VectorCount = len(vectorResults)

	all := make([]RetrievalResult, 0, len(graphResults)+len(vectorResults))
	all = append(all, graphResults...)
	all = append(all, vectorResults...)
	outcome.Results = FuseResults(all, analysis, fusionConfigFrom(cfg.Retrieval), maxResults)

	logger.Debugw("Hybrid retrieval completed",
		"intent", analysis.Intent,
		"graph", outcome.GraphCount,
		"vector", outcome.VectorCount,
		"fused", len(outcome.Results),
	)
	return outcome
}

// graphCollector 收集图检索结果，同一节点只保留最高相关度。
type graphCollector struct {
	byID  map[string]int
	items []RetrievalResult
	max   int
}

func newGraphCollector(max int) *graphCollector {
	return &graphCollector{byID: make(map[string]int), max: max}
}

func (c *graphCollector) full() bool { return len(c.items) >= c.max }

func (c *graphCollector) add(n store.Node, relevance float64, rels []Relationship) {
	if i, ok := c.byID[n.ID]; ok {
		if relevance > c.items[i].Relevance {
			c.items[i].Relevance = relevance
		}
		c.items[i].Relationships = append(c.items[i].Relationships, rels...)
		return
	}
	if c.full() {
		return
	}
	c.byID[n.ID] = len(c.items)
	c.items = append(c.items, RetrievalResult{
		Source:        ResultFromGraph,
		Content:       nodeContent(n),
		Metadata:      nodeMetadata(n),
		Relevance:     clamp01(relevance),
		NodeType:      string(n.Type),
		Relationships: rels,
	})
}

func nodeContent(n store.Node) string {
	var b strings.Builder
	b.WriteString(n.ID)
	if n.Name != "" && n.Name != n.ID {
		b.WriteString(": ")
		b.WriteString(n.Name)
	}
	if n.Content != "" {
		b.WriteString("\n")
		b.WriteString(n.Content)
	}
	return b.String()
}

func nodeMetadata(n store.Node) map[string]string {
	md := map[string]string{"id": n.ID, "type": string(n.Type)}
	if n.Name != "" {
		md["title"] = n.Name
	}
	if n.Standard != "" {
		md["standard"] = n.Standard
	}
	return md
}

func toRelationship(e store.Edge) Relationship {
	return Relationship{Source: e.SourceID, Target: e.TargetID, Type: string(e.Type), Confidence: e.Confidence}
}

// retrieveGraph 控制项直查与邻域遍历、关键词兜底、技术到控制项的实现关系、跨标准映射。
func (r *HybridRetriever) retrieveGraph(ctx context.Context, analysis *QueryAnalysis, gc GraphConfig, cfg RetrievalConfig) ([]RetrievalResult, error) {
	col := newGraphCollector(cfg.GraphMaxNodes)
	var errs []error

	directRelevance := 0.9
	if gc.ExactMatchBoost {
		directRelevance = 1.0
	}

	// 1. 控制项直查 + 有界深度邻域
	for _, id := range analysis.Entities.Controls {
		if col.full() {
			break
		}
		node, err := r.graph.GetNode(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sub, err := r.graph.Neighbors(ctx, node.ID, gc.Depth, gc.EdgeTypes, cfg.GraphMaxNodes)
		if err != nil {
			errs = append(errs, err)
			col.add(*node, directRelevance, nil)
			continue
		}
		r.addSubgraph(col, node.ID, sub, directRelevance)

		if gc.IncludeMappings {
			r.addMappings(ctx, col, node.ID, &errs)
		}
	}

	// 2. 技术 -> 控制项的实现关系
	if gc.IncludeImplementations {
		for _, tech := range analysis.Entities.Technologies {
			if col.full() {
				break
			}
			nodes, err := r.graph.SearchNodes(ctx, tech, []store.NodeType{store.NodeTechnology}, 1)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			for _, tn := range nodes {
				sub, err := r.graph.Neighbors(ctx, tn.ID, 1, []store.EdgeType{store.EdgeImplements}, cfg.GraphMaxNodes)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				for _, e := range sub.Edges {
					for _, n := range sub.Nodes {
						if n.ID != tn.ID && (n.ID == e.SourceID || n.ID == e.TargetID) {
							col.add(n, 0.75*maxf(e.Confidence, 0.5)+0.2, []Relationship{toRelationship(e)})
						}
					}
				}
			}
		}
	}

	// 3. 跨标准映射（对比类问题中没有控制项时按标准检索控制项）
	if gc.IncludeMappings && len(analysis.Entities.Controls) == 0 {
		for _, std := range analysis.Entities.Standards {
			nodes, err := r.graph.SearchNodes(ctx, std, []store.NodeType{store.NodeStandard, store.NodeControl}, 3)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			for _, n := range nodes {
				col.add(n, 0.7, nil)
				r.addMappings(ctx, col, n.ID, &errs)
			}
		}
	}

	// 4. 关键词兜底
	if len(col.items) == 0 || len(col.items) < cfg.GraphMaxNodes/4 {
		terms := append(append([]string{}, analysis.Entities.Concepts...), analysis.Keywords...)
		for i, kw := range terms {
			if i >= 5 || col.full() {
				break
			}
			nodes, err := r.graph.SearchNodes(ctx, kw, nil, 3)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			for _, n := range nodes {
				col.add(n, 0.6, nil)
			}
		}
	}

	if len(col.items) == 0 && len(errs) > 0 {
		return nil, fmt.Errorf("graph retrieval: %w", errors.Join(errs...))
	}
	return col.items, nil
}

// addSubgraph 根节点按 rootRelevance 计分，邻居按所连边的置信度计分。
func (r *HybridRetriever) addSubgraph(col *graphCollector, rootID string, sub *store.Subgraph, rootRelevance float64) {
	edgeConf := make(map[string]float64)
	var rootRels []Relationship
	for _, e := range sub.Edges {
		rel := toRelationship(e)
		if e.SourceID == rootID || e.TargetID == rootID {
			rootRels = append(rootRels, rel)
			other := e.TargetID
			if other == rootID {
				other = e.SourceID
			}
			edgeConf[other] = maxf(edgeConf[other], e.Confidence)
		}
	}

	for _, n := range sub.Nodes {
		if n.ID == rootID {
			col.add(n, rootRelevance, rootRels)
			break
		}
	}
	for _, n := range sub.Nodes {
		if n.ID == rootID {
			continue
		}
		rel := 0.5
		if c, ok := edgeConf[n.ID]; ok {
			rel = 0.6 + 0.3*clamp01(c)
		}
		col.add(n, rel, nil)
	}
}

func (r *HybridRetriever) addMappings(ctx context.Context, col *graphCollector, id string, errs *[]error) {
	sub, err := r.graph.Neighbors(ctx, id, 1, []store.EdgeType{store.EdgeMapsTo}, 10)
	if err != nil {
		*errs = append(*errs, err)
		return
	}
	for _, e := range sub.Edges {
		for _, n := range sub.Nodes {
			if n.ID != id && (n.ID == e.SourceID || n.ID == e.TargetID) {
				col.add(n, 0.6+0.3*clamp01(e.Confidence), []Relationship{toRelationship(e)})
			}
		}
	}
}

// vectorRelevance 将 L2 距离转换为 (0,1] 的相关度。
func vectorRelevance(distance float32) float64 {
	if distance < 0 {
		distance = 0
	}
	return 1 / (1 + float64(distance))
}

func (r *HybridRetriever) retrieveVector(ctx context.Context, expanded *ExpandedQuery, analysis *QueryAnalysis, vc VectorConfig, cfg Config) ([]RetrievalResult, error) {
	text := ""
	if expanded != nil {
		text = expanded.SearchText(cfg.Expander.SearchMinConfidence, cfg.Expander.SearchMaxTerms)
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	embedding, err := r.embedder.EmbedSingle(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	var filter map[string]string
	if vc.FilterByStandard && len(analysis.Entities.Standards) == 1 {
		filter = map[string]string{"standard": analysis.Entities.Standards[0]}
	}

	exact := append(append([]string{}, analysis.Entities.Controls...), analysis.Entities.Technologies...)

	var out []RetrievalResult
	var errs []error
	for _, role := range vc.Collections {
		name := collectionName(role, cfg.Retrieval.Collections)
		hits, err := r.vector.SimilaritySearch(ctx, embedding, name, cfg.Retrieval.VectorTopK, filter)
		if err != nil {
			errs = append(errs, fmt.Errorf("collection %s: %w", name, err))
			continue
		}
		// 按标准过滤无结果时放宽过滤条件
		if len(hits) == 0 && filter != nil {
			hits, err = r.vector.SimilaritySearch(ctx, embedding, name, cfg.Retrieval.VectorTopK, nil)
			if err != nil {
				errs = append(errs, fmt.Errorf("collection %s: %w", name, err))
				continue
			}
		}

		for _, h := range hits {
			rel := vectorRelevance(h.Distance)
			if vc.KeywordBoost && containsAny(h.Content, exact) {
				rel *= cfg.Retrieval.ExactMatchBoost
			}
			md := make(map[string]string, len(h.Metadata)+2)
			for k, v := range h.Metadata {
				if v != "" {
					md[k] = v
				}
			}
			md["collection"] = name
			if h.ID != "" {
				md["id"] = h.ID
			}
			nodeType := md["doc_type"]
			if nodeType == "" {
				nodeType = string(store.NodeChunk)
			}
			out = append(out, RetrievalResult{
				Source:    ResultFromVector,
				Content:   h.Content,
				Metadata:  md,
				Relevance: clamp01(rel),
				NodeType:  nodeType,
			})
		}
	}

	if len(out) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

// containsAny 判断内容中是否原样出现任一词（区分大小写）。
func containsAny(content string, terms []string) bool {
	for _, t := range terms {
		if t != "" && strings.Contains(content, t) {
			return true
		}
	}
	return false
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
