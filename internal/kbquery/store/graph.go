package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	graphopts "github.com/kart-io/sentinel-kb/pkg/options/graph"
)

// GormGraphStore 基于 gorm 的图存储，节点与边分别存放在 kb_nodes / kb_edges 表中。
type GormGraphStore struct {
	db       *gorm.DB
	maxDepth int
}

var _ GraphStore = (*GormGraphStore)(nil)

func openDialector(driver, dsn string) (gorm.Dialector, error) {
	switch driver {
	case graphopts.DriverSQLite:
		return sqlite.Open(dsn), nil
	case graphopts.DriverPostgres:
		return postgres.Open(dsn), nil
	case graphopts.DriverMySQL:
		return mysql.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported graph driver %q", driver)
	}
}

// NewGormGraphStore 打开数据库连接并（可选）自动建表。
func NewGormGraphStore(ctx context.Context, opts *graphopts.Options) (*GormGraphStore, error) {
	dialector, err := openDialector(opts.Driver, opts.DSN)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:  newGormLogger(opts.SlowThreshold),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open graph store: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if opts.Driver == graphopts.DriverSQLite {
		// sqlite 单写者；内存库必须共用同一连接
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConnections)
		sqlDB.SetMaxIdleConns(opts.MaxIdleConnections)
		sqlDB.SetConnMaxLifetime(opts.MaxConnectionLifeTime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("graph store ping failed: %w", err)
	}

	s := NewGormGraphStoreFromDB(db, opts.MaxDepth)
	if opts.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = sqlDB.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewGormGraphStoreFromDB 使用已有的 gorm 连接创建图存储。
func NewGormGraphStoreFromDB(db *gorm.DB, maxDepth int) *GormGraphStore {
	if maxDepth < 1 {
		maxDepth = 3
	}
	return &GormGraphStore{db: db, maxDepth: maxDepth}
}

// Migrate 创建或更新表结构。
func (s *GormGraphStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&Node{}, &Edge{}); err != nil {
		return fmt.Errorf("failed to migrate graph tables: %w", err)
	}
	return nil
}

// Ping 检查数据库连接。
func (s *GormGraphStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭数据库连接。
func (s *GormGraphStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetNode 实现 GraphStore。
func (s *GormGraphStore) GetNode(ctx context.Context, id string) (*Node, error) {
	var n Node
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&n).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", id, err)
	}
	return &n, nil
}

// SearchNodes 实现 GraphStore。
func (s *GormGraphStore) SearchNodes(ctx context.Context, text string, types []NodeType, limit int) ([]Node, error) {
	text = strings.ToLower(strings.TrimSpace(text))
	if text == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	like := "%" + escapeLike(text) + "%"
	q := s.db.WithContext(ctx).
		Where("LOWER(id) LIKE ? ESCAPE '!' OR LOWER(name) LIKE ? ESCAPE '!' OR LOWER(content) LIKE ? ESCAPE '!'", like, like, like)
	if len(types) > 0 {
		q = q.Where("type IN ?", types)
	}

	var nodes []Node
	if err := q.Order("id").Limit(limit).Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("search nodes: %w", err)
	}
	return nodes, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
	return r.Replace(s)
}

// Neighbors 实现 GraphStore。深度被限制在 [1, maxDepth]，节点总数不超过 limit。
func (s *GormGraphStore) Neighbors(ctx context.Context, id string, depth int, edgeTypes []EdgeType, limit int) (*Subgraph, error) {
	if depth < 1 {
		depth = 1
	}
	if depth > s.maxDepth {
		depth = s.maxDepth
	}
	if limit <= 0 {
		limit = 50
	}

	root, err := s.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{root.ID: true}
	seenEdge := make(map[uint64]bool)
	nodes := []Node{*root}
	var edges []Edge
	frontier := []string{root.ID}

	for d := 0; d < depth && len(frontier) > 0 && len(visited) < limit; d++ {
		q := s.db.WithContext(ctx).
			Where("source_id IN ? OR target_id IN ?", frontier, frontier)
		if len(edgeTypes) > 0 {
			q = q.Where("type IN ?", edgeTypes)
		}

		var layer []Edge
		if err := q.Order("id").Find(&layer).Error; err != nil {
			return nil, fmt.Errorf("neighbors of %s: %w", id, err)
		}

		var next []string
		for _, e := range layer {
			if seenEdge[e.ID] {
				continue
			}
			for _, other := range []string{e.SourceID, e.TargetID} {
				if !visited[other] && len(visited) < limit {
					visited[other] = true
					next = append(next, other)
				}
			}
			// 只保留两端都在结果集内的边
			if visited[e.SourceID] && visited[e.TargetID] {
				seenEdge[e.ID] = true
				edges = append(edges, e)
			}
		}

		if len(next) > 0 {
			var layerNodes []Node
			if err := s.db.WithContext(ctx).Where("id IN ?", next).Order("id").Find(&layerNodes).Error; err != nil {
				return nil, fmt.Errorf("load neighbor nodes: %w", err)
			}
			nodes = append(nodes, layerNodes...)
		}
		frontier = next
	}

	return &Subgraph{Nodes: nodes, Edges: edges}, nil
}

// UpsertNode 实现 GraphStore。
func (s *GormGraphStore) UpsertNode(ctx context.Context, node *Node) error {
	if node == nil || node.ID == "" {
		return fmt.Errorf("upsert node: id is required")
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"type", "name", "standard", "content", "properties", "updated_at"}),
	}).Create(node).Error
	if err != nil {
		return fmt.Errorf("upsert node %s: %w", node.ID, err)
	}
	return nil
}

// UpsertEdge 实现 GraphStore。同一 (source, target, type) 重复写入只更新置信度与证据。
func (s *GormGraphStore) UpsertEdge(ctx context.Context, edge *Edge) error {
	if edge == nil || edge.SourceID == "" || edge.TargetID == "" || edge.Type == "" {
		return fmt.Errorf("upsert edge: source, target and type are required")
	}
	e := *edge
	e.ID = 0
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_id"}, {Name: "target_id"}, {Name: "type"}},
		DoUpdates: clause.AssignmentColumns([]string{"confidence", "evidence", "updated_at"}),
	}).Create(&e).Error
	if err != nil {
		return fmt.Errorf("upsert edge %s-%s->%s: %w", edge.SourceID, edge.Type, edge.TargetID, err)
	}
	return nil
}

// Counts 实现 GraphStore。
func (s *GormGraphStore) Counts(ctx context.Context) (*Counts, error) {
	type row struct {
		Type  string
		Count int64
	}

	var nodeRows, edgeRows []row
	db := s.db.WithContext(ctx)
	if err := db.Model(&Node{}).Select("type, COUNT(*) AS count").Group("type").Scan(&nodeRows).Error; err != nil {
		return nil, fmt.Errorf("count nodes: %w", err)
	}
	if err := db.Model(&Edge{}).Select("type, COUNT(*) AS count").Group("type").Scan(&edgeRows).Error; err != nil {
		return nil, fmt.Errorf("count edges: %w", err)
	}

	c := &Counts{
		NodesByType: make(map[NodeType]int64, len(nodeRows)),
		EdgesByType: make(map[EdgeType]int64, len(edgeRows)),
	}
	for _, r := range nodeRows {
		c.NodesByType[NodeType(r.Type)] = r.Count
		c.Nodes += r.Count
	}
	for _, r := range edgeRows {
		c.EdgesByType[EdgeType(r.Type)] = r.Count
		c.Edges += r.Count
	}
	return c, nil
}

// OrphanNodes 实现 GraphStore。
func (s *GormGraphStore) OrphanNodes(ctx context.Context, limit int) ([]Node, error) {
	if limit <= 0 {
		limit = 20
	}
	var nodes []Node
	err := s.db.WithContext(ctx).
		Where("type <> ?", NodeChunk).
		Where("NOT EXISTS (SELECT 1 FROM kb_edges e WHERE e.source_id = kb_nodes.id OR e.target_id = kb_nodes.id)").
		Order("id").
		Limit(limit).
		Find(&nodes).Error
	if err != nil {
		return nil, fmt.Errorf("orphan nodes: %w", err)
	}
	return nodes, nil
}

// RecentNodes 实现 GraphStore。
func (s *GormGraphStore) RecentNodes(ctx context.Context, typ NodeType, since time.Time, limit int) ([]Node, error) {
	if limit <= 0 {
		limit = 20
	}
	var nodes []Node
	err := s.db.WithContext(ctx).
		Where("type = ? AND created_at >= ?", typ, since.UTC()).
		Order("created_at DESC, id").
		Limit(limit).
		Find(&nodes).Error
	if err != nil {
		return nil, fmt.Errorf("recent nodes: %w", err)
	}
	return nodes, nil
}

// CrossStandardPairs 实现 GraphStore。
func (s *GormGraphStore) CrossStandardPairs(ctx context.Context, limit int) ([]NodePair, error) {
	if limit <= 0 {
		limit = 20
	}

	type pairRow struct {
		AID string `gorm:"column:a_id"`
		BID string `gorm:"column:b_id"`
	}
	var rows []pairRow
	err := s.db.WithContext(ctx).Raw(`
SELECT a.id AS a_id, b.id AS b_id
FROM kb_nodes a
JOIN kb_nodes b ON a.id < b.id
WHERE a.type = ? AND b.type = ?
  AND a.standard <> '' AND b.standard <> '' AND a.standard <> b.standard
  AND NOT EXISTS (
    SELECT 1 FROM kb_edges e
    WHERE e.type = ?
      AND ((e.source_id = a.id AND e.target_id = b.id) OR (e.source_id = b.id AND e.target_id = a.id))
  )
ORDER BY a.id, b.id
LIMIT ?`, NodeControl, NodeControl, EdgeMapsTo, limit).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("cross standard pairs: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(rows)*2)
	for _, r := range rows {
		ids = append(ids, r.AID, r.BID)
	}
	var nodes []Node
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("load pair nodes: %w", err)
	}
	byID := make(map[string]Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	pairs := make([]NodePair, 0, len(rows))
	for _, r := range rows {
		a, okA := byID[r.AID]
		b, okB := byID[r.BID]
		if okA && okB {
			pairs = append(pairs, NodePair{A: a, B: b})
		}
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		if pairs[i].A.ID != pairs[j].A.ID {
			return pairs[i].A.ID < pairs[j].A.ID
		}
		return pairs[i].B.ID < pairs[j].B.ID
	})
	return pairs, nil
}
