// Package store 定义知识库查询所依赖的图存储与向量存储接口及其实现。
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound 记录不存在。
var ErrNotFound = errors.New("record not found")

// NodeType 图节点类型。
type NodeType string

const (
	NodeControl    NodeType = "control"
	NodeTechnology NodeType = "technology"
	NodeStandard   NodeType = "standard"
	NodeConcept    NodeType = "concept"
	NodeChunk      NodeType = "chunk"
)

// EdgeType 图边类型。
type EdgeType string

const (
	EdgeImplements EdgeType = "IMPLEMENTS"
	EdgeSupports   EdgeType = "SUPPORTS"
	EdgeReferences EdgeType = "REFERENCES"
	EdgeConflicts  EdgeType = "CONFLICTS"
	// EdgeMapsTo 跨标准控制项映射。
	EdgeMapsTo EdgeType = "MAPS_TO"
	// EdgeMentions 文档块提及实体。
	EdgeMentions EdgeType = "MENTIONS"
	// EdgeBelongsTo 控制项归属标准。
	EdgeBelongsTo EdgeType = "BELONGS_TO"
)

// Node 图节点（控制项、技术、标准、概念或文档块）。
type Node struct {
	ID         string            `gorm:"primaryKey;size:191" json:"id"`
	Type       NodeType          `gorm:"size:32;index" json:"type"`
	Name       string            `gorm:"size:255;index" json:"name"`
	Standard   string            `gorm:"size:64;index" json:"standard,omitempty"`
	Content    string            `gorm:"type:text" json:"content,omitempty"`
	Properties map[string]string `gorm:"serializer:json;type:text" json:"properties,omitempty"`
	CreatedAt  time.Time         `gorm:"index" json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// TableName 指定表名。
func (Node) TableName() string { return "kb_nodes" }

// Edge 有向类型边。(SourceID, TargetID, Type) 唯一，写入为幂等 upsert。
type Edge struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	SourceID   string    `gorm:"size:191;uniqueIndex:idx_kb_edge,priority:1;index" json:"source_id"`
	TargetID   string    `gorm:"size:191;uniqueIndex:idx_kb_edge,priority:2;index" json:"target_id"`
	Type       EdgeType  `gorm:"size:32;uniqueIndex:idx_kb_edge,priority:3" json:"type"`
	Confidence float64   `json:"confidence"`
	Evidence   string    `gorm:"type:text" json:"evidence,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName 指定表名。
func (Edge) TableName() string { return "kb_edges" }

// Subgraph 邻域遍历结果。
type Subgraph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// NodePair 两个节点组成的候选对（用于跨标准扫描）。
type NodePair struct {
	A Node
	B Node
}

// Counts 图聚合计数。
type Counts struct {
	Nodes       int64              `json:"nodes"`
	Edges       int64              `json:"edges"`
	NodesByType map[NodeType]int64 `json:"nodes_by_type"`
	EdgesByType map[EdgeType]int64 `json:"edges_by_type"`
}

// GraphStore 图存储能力。
type GraphStore interface {
	// GetNode 按 ID 点查，不存在时返回 ErrNotFound。
	GetNode(ctx context.Context, id string) (*Node, error)
	// SearchNodes 对 ID、名称与内容进行大小写不敏感的关键字搜索，types 为空时不限类型。
	SearchNodes(ctx context.Context, text string, types []NodeType, limit int) ([]Node, error)
	// Neighbors 有界深度的广度优先邻域遍历，edgeTypes 为空时不限边类型。
	Neighbors(ctx context.Context, id string, depth int, edgeTypes []EdgeType, limit int) (*Subgraph, error)
	// UpsertNode 幂等写入节点。
	UpsertNode(ctx context.Context, node *Node) error
	// UpsertEdge 幂等写入类型边。
	UpsertEdge(ctx context.Context, edge *Edge) error
	// Counts 聚合计数。
	Counts(ctx context.Context) (*Counts, error)

	// OrphanNodes 返回没有任何边的非文档块节点。
	OrphanNodes(ctx context.Context, limit int) ([]Node, error)
	// RecentNodes 返回 since 之后创建的指定类型节点，按创建时间倒序。
	RecentNodes(ctx context.Context, typ NodeType, since time.Time, limit int) ([]Node, error)
	// CrossStandardPairs 返回来自不同标准、尚未建立 MAPS_TO 的控制项对。
	CrossStandardPairs(ctx context.Context, limit int) ([]NodePair, error)
}

// Document 写入向量库的文档块。
type Document struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// VectorHit 相似度检索结果。Distance 越小越相似。
type VectorHit struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata"`
	Distance float32           `json:"distance"`
}

// VectorStore 向量存储能力。
type VectorStore interface {
	// Upsert 按文档 ID 幂等写入。
	Upsert(ctx context.Context, collection string, doc Document, embedding []float32) error
	// SimilaritySearch 在集合中检索最相似的 k 个文档，filter 为元数据等值过滤。
	SimilaritySearch(ctx context.Context, embedding []float32, collection string, k int, filter map[string]string) ([]VectorHit, error)
}
