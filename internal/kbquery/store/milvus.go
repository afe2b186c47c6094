package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/kart-io/logger"

	"github.com/kart-io/sentinel-kb/pkg/component/milvus"
)

// MilvusVectorStore 基于 Milvus 的向量存储，首次访问集合时自动建表。
type MilvusVectorStore struct {
	client *milvus.Client

	mu      sync.Mutex
	ensured map[string]bool
}

var _ VectorStore = (*MilvusVectorStore)(nil)

// NewMilvusVectorStore 创建向量存储。
func NewMilvusVectorStore(client *milvus.Client) *MilvusVectorStore {
	return &MilvusVectorStore{client: client, ensured: make(map[string]bool)}
}

func (s *MilvusVectorStore) ensure(ctx context.Context, collection string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ensured[collection] {
		return nil
	}
	if err := s.client.EnsureCollection(ctx, collection); err != nil {
		return err
	}
	s.ensured[collection] = true
	logger.Infow("Vector collection ready", "collection", collection)
	return nil
}

// Upsert 实现 VectorStore。
func (s *MilvusVectorStore) Upsert(ctx context.Context, collection string, doc Document, embedding []float32) error {
	if err := s.ensure(ctx, collection); err != nil {
		return err
	}
	return s.client.Upsert(ctx, collection, []milvus.Row{{
		ID:        doc.ID,
		Content:   doc.Content,
		Meta:      doc.Metadata,
		Embedding: embedding,
	}})
}

// SimilaritySearch 实现 VectorStore。
func (s *MilvusVectorStore) SimilaritySearch(ctx context.Context, embedding []float32, collection string, k int, filter map[string]string) ([]VectorHit, error) {
	if k <= 0 {
		return nil, nil
	}
	expr, err := milvus.FilterExpr(filter)
	if err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}
	if err := s.ensure(ctx, collection); err != nil {
		return nil, err
	}

	hits, err := s.client.Search(ctx, collection, embedding, k, expr)
	if err != nil {
		return nil, err
	}

	out := make([]VectorHit, 0, len(hits))
	for _, h := range hits {
		out = append(out, VectorHit{ID: h.ID, Content: h.Content, Metadata: h.Meta, Distance: h.Distance})
	}
	return out, nil
}

// Close 关闭底层客户端。
func (s *MilvusVectorStore) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}

// Ping 检查 Milvus 是否可用。
func (s *MilvusVectorStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}
