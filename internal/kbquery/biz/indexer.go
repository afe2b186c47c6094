package biz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kart-io/logger"
	"github.com/oklog/ulid/v2"

	"github.com/kart-io/sentinel-kb/internal/kbquery/store"
	"github.com/kart-io/sentinel-kb/pkg/infra/pool"
	"github.com/kart-io/sentinel-kb/pkg/llm"
)

// ChunkInput 待入库的文档片段。
type ChunkInput struct {
	ID         string            `json:"id,omitempty"`
	Title      string            `json:"title,omitempty"`
	Standard   string            `json:"standard,omitempty"`
	Collection string            `json:"collection,omitempty" binding:"omitempty,oneof=chunks implementations best_practices"`
	Content    string            `json:"content" binding:"required"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ChunkReport 单个片段的入库结果。
type ChunkReport struct {
	ID            string `json:"id"`
	Parts         int    `json:"parts"`
	Mentions      int    `json:"mentions"`
	Relationships int    `json:"relationships"`
	Error         string `json:"error,omitempty"`
}

// IndexReport 批量入库结果。
type IndexReport struct {
	Indexed       int           `json:"indexed"`
	Failed        int           `json:"failed"`
	Relationships int           `json:"relationships"`
	Chunks        []ChunkReport `json:"chunks"`
	DurationMs    int64         `json:"duration_ms"`
}

// Indexer 文档入库：向量化、写入向量库、登记图节点与 MENTIONS 边，并执行关系发现。
// 重型任务通过批处理池限流。
type Indexer struct {
	graph      store.GraphStore
	vector     store.VectorStore
	embedder   llm.EmbeddingProvider
	discoverer *RelationshipDiscoverer
	patterns   *PatternExtractor
	pool       *pool.Pool
	cfg        *ConfigStore
}

// NewIndexer 创建入库器。batch 为 nil 时顺序执行。
func NewIndexer(graph store.GraphStore, vector store.VectorStore, embedder llm.EmbeddingProvider, discoverer *RelationshipDiscoverer, batch *pool.Pool, cfg *ConfigStore) *Indexer {
	return &Indexer{
		graph:      graph,
		vector:     vector,
		embedder:   embedder,
		discoverer: discoverer,
		patterns:   NewPatternExtractor(),
		pool:       batch,
		cfg:        cfg,
	}
}

// Index 批量入库。单个片段失败不影响其他片段。
func (ix *Indexer) Index(ctx context.Context, inputs []ChunkInput) (*IndexReport, error) {
	if ix.vector == nil || ix.embedder == nil {
		return nil, fmt.Errorf("indexer requires a vector store and an embedding provider")
	}
	start := time.Now()
	report := &IndexReport{Chunks: make([]ChunkReport, len(inputs))}

	tasks := make([]func(context.Context), len(inputs))
	for i := range inputs {
		tasks[i] = func(ctx context.Context) {
			report.Chunks[i] = ix.indexOne(ctx, inputs[i])
		}
	}

	var err error
	if ix.pool != nil {
		err = ix.pool.SubmitAndWait(ctx, tasks)
	} else {
		for _, task := range tasks {
			if ctx.Err() != nil {
				break
			}
			task(ctx)
		}
	}

	for i, c := range report.Chunks {
		switch {
		case c.ID == "":
			// 未执行（提交失败或已取消）
			report.Chunks[i] = ChunkReport{ID: inputs[i].ID, Error: "not processed"}
			report.Failed++
		case c.Error != "":
			report.Failed++
		default:
			report.Indexed++
			report.Relationships += c.Relationships
		}
	}
	if err == nil {
		err = ctx.Err()
	}
	report.DurationMs = msSince(start)

	logger.Infow("Chunk indexing finished",
		"indexed", report.Indexed,
		"failed", report.Failed,
		"relationships", report.Relationships,
		"duration_ms", report.DurationMs,
	)
	return report, err
}

func (ix *Indexer) indexOne(ctx context.Context, in ChunkInput) ChunkReport {
	id := in.ID
	if id == "" {
		id = "chunk:" + strings.ToLower(ulid.Make().String())
	}
	rep := ChunkReport{ID: id}
	cfg := ix.cfg.Get()

	content := strings.TrimSpace(in.Content)
	if content == "" {
		rep.Error = "empty content"
		return rep
	}

	collection := collectionName(CollectionRole(in.Collection), cfg.Retrieval.Collections)

	parts := splitChunks(content, cfg.Indexer.ChunkSize, cfg.Indexer.ChunkOverlap, cfg.Indexer.MinChunkRunes)
	embeddings, err := ix.embedder.Embed(ctx, parts)
	if err != nil {
		rep.Error = fmt.Sprintf("embed: %v", err)
		return rep
	}
	if len(embeddings) != len(parts) {
		rep.Error = fmt.Sprintf("embed: got %d vectors for %d parts", len(embeddings), len(parts))
		return rep
	}

	for i, part := range parts {
		doc := store.Document{ID: partID(id, i, len(parts)), Content: part, Metadata: chunkMetadata(in, id)}
		if err := ix.vector.Upsert(ctx, collection, doc, embeddings[i]); err != nil {
			rep.Error = fmt.Sprintf("vector upsert: %v", err)
			return rep
		}
	}
	rep.Parts = len(parts)

	if ix.graph != nil {
		mentions, err := ix.linkGraph(ctx, id, in, content)
		rep.Mentions = mentions
		if err != nil {
			// 向量已写入，图侧最终一致即可
			logger.Warnw("Chunk graph linking incomplete", "id", id, "error", err.Error())
		}
	}

	if cfg.Indexer.Discover && ix.discoverer != nil {
		_, commit := ix.discoverer.DiscoverAndCommit(ctx, content)
		rep.Relationships = len(commit.Committed)
	}
	return rep
}

// linkGraph 写入文档块节点，并为其中提到的实体建立 MENTIONS 边。
func (ix *Indexer) linkGraph(ctx context.Context, id string, in ChunkInput, content string) (int, error) {
	err := ix.graph.UpsertNode(ctx, &store.Node{
		ID:         id,
		Type:       store.NodeChunk,
		Name:       in.Title,
		Standard:   in.Standard,
		Content:    content,
		Properties: in.Metadata,
	})
	if err != nil {
		return 0, err
	}

	var errs []error
	mentions := 0
	for _, ref := range entityRefs(ix.patterns.Extract(content)) {
		target := EntityNodeID(ref.typ, ref.name)
		if err := ix.ensureEntity(ctx, target, ref); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := ix.graph.UpsertEdge(ctx, &store.Edge{
			SourceID:   id,
			TargetID:   target,
			Type:       store.EdgeMentions,
			Confidence: 1,
		}); err != nil {
			errs = append(errs, err)
			continue
		}
		mentions++
	}
	return mentions, errors.Join(errs...)
}

func (ix *Indexer) ensureEntity(ctx context.Context, id string, ref entityRef) error {
	_, err := ix.graph.GetNode(ctx, id)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return ix.graph.UpsertNode(ctx, &store.Node{ID: id, Type: store.NodeType(ref.typ), Name: ref.name})
}

func chunkMetadata(in ChunkInput, id string) map[string]string {
	md := make(map[string]string, len(in.Metadata)+3)
	for k, v := range in.Metadata {
		md[k] = v
	}
	md["chunk_id"] = id
	if in.Title != "" {
		md["title"] = in.Title
	}
	if in.Standard != "" {
		md["standard"] = in.Standard
	}
	return md
}

func partID(id string, i, n int) string {
	if n == 1 {
		return id
	}
	return fmt.Sprintf("%s#%d", id, i+1)
}

// splitChunks 按字符数切分并保留重叠，丢弃过短的尾部片段。
func splitChunks(text string, size, overlap, minRunes int) []string {
	if size <= 0 || utf8.RuneCountInString(text) <= size {
		return []string{text}
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size - 1
	}

	runes := []rune(text)
	step := size - overlap
	var out []string
	for i := 0; i < len(runes); i += step {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		part := strings.TrimSpace(string(runes[i:end]))
		if utf8.RuneCountInString(part) < minRunes && len(out) > 0 {
			break
		}
		if part != "" {
			out = append(out, part)
		}
		if end == len(runes) {
			break
		}
	}
	return out
}
