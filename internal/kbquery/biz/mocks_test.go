package biz

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kart-io/sentinel-kb/internal/kbquery/store"
	"github.com/kart-io/sentinel-kb/pkg/llm"
)

// fakeCompleter 按用途返回预设结果。
type fakeCompleter struct {
	mu        sync.Mutex
	responses map[llm.Purpose]string
	errs      map[llm.Purpose]error
	handler   func(purpose llm.Purpose, messages []llm.Message) (string, error)
	calls     atomic.Int64
	byPurpose map[llm.Purpose]int
}

func newFakeCompleter() *fakeCompleter {
	return &fakeCompleter{
		responses: map[llm.Purpose]string{},
		errs:      map[llm.Purpose]error{},
		byPurpose: map[llm.Purpose]int{},
	}
}

func (f *fakeCompleter) Complete(_ context.Context, messages []llm.Message, purpose llm.Purpose, _ llm.Priority) (string, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.byPurpose[purpose]++
	handler := f.handler
	resp, err := f.responses[purpose], f.errs[purpose]
	f.mu.Unlock()

	if handler != nil {
		return handler(purpose, messages)
	}
	if err != nil {
		return "", err
	}
	return resp, nil
}

func (f *fakeCompleter) count(p llm.Purpose) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byPurpose[p]
}

// fakeGraph 内存图存储。
type fakeGraph struct {
	mu    sync.Mutex
	nodes map[string]store.Node
	edges map[string]store.Edge
	err   error
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{nodes: map[string]store.Node{}, edges: map[string]store.Edge{}}
}

func edgeKey(e store.Edge) string {
	return e.SourceID + "|" + e.TargetID + "|" + string(e.Type)
}

func (g *fakeGraph) GetNode(_ context.Context, id string) (*store.Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	n, ok := g.nodes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &n, nil
}

func (g *fakeGraph) SearchNodes(_ context.Context, text string, types []store.NodeType, limit int) ([]store.Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	q := strings.ToLower(text)
	var out []store.Node
	for _, id := range g.sortedIDs() {
		n := g.nodes[id]
		if len(types) > 0 && !containsNodeType(types, n.Type) {
			continue
		}
		if strings.Contains(strings.ToLower(n.ID+" "+n.Name+" "+n.Content), q) {
			out = append(out, n)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (g *fakeGraph) Neighbors(_ context.Context, id string, depth int, edgeTypes []store.EdgeType, limit int) (*store.Subgraph, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	root, ok := g.nodes[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	sub := &store.Subgraph{Nodes: []store.Node{root}}
	seen := map[string]bool{id: true}
	for _, k := range g.sortedEdgeKeys() {
		e := g.edges[k]
		if len(edgeTypes) > 0 && !containsEdgeType(edgeTypes, e.Type) {
			continue
		}
		var other string
		switch id {
		case e.SourceID:
			other = e.TargetID
		case e.TargetID:
			other = e.SourceID
		default:
			continue
		}
		if !seen[other] {
			if n, ok := g.nodes[other]; ok && (limit <= 0 || len(sub.Nodes) < limit) {
				seen[other] = true
				sub.Nodes = append(sub.Nodes, n)
			}
		}
		if seen[other] {
			sub.Edges = append(sub.Edges, e)
		}
	}
	return sub, nil
}

func (g *fakeGraph) UpsertNode(_ context.Context, n *store.Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	g.nodes[n.ID] = *n
	return nil
}

func (g *fakeGraph) UpsertEdge(_ context.Context, e *store.Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return g.err
	}
	g.edges[edgeKey(*e)] = *e
	return nil
}

func (g *fakeGraph) Counts(context.Context) (*store.Counts, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return &store.Counts{Nodes: int64(len(g.nodes)), Edges: int64(len(g.edges))}, nil
}

func (g *fakeGraph) OrphanNodes(_ context.Context, limit int) ([]store.Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []store.Node
	for _, id := range g.sortedIDs() {
		n := g.nodes[id]
		if n.Type == store.NodeChunk {
			continue
		}
		linked := false
		for _, e := range g.edges {
			if e.SourceID == id || e.TargetID == id {
				linked = true
				break
			}
		}
		if !linked {
			out = append(out, n)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (g *fakeGraph) RecentNodes(_ context.Context, typ store.NodeType, since time.Time, limit int) ([]store.Node, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []store.Node
	for _, id := range g.sortedIDs() {
		n := g.nodes[id]
		if n.Type == typ && !n.CreatedAt.Before(since) {
			out = append(out, n)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (g *fakeGraph) CrossStandardPairs(_ context.Context, limit int) ([]store.NodePair, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := g.sortedIDs()
	var out []store.NodePair
	for i, a := range ids {
		for _, b := range ids[i+1:] {
			na, nb := g.nodes[a], g.nodes[b]
			if na.Type != store.NodeControl || nb.Type != store.NodeControl || na.Standard == "" || nb.Standard == "" || na.Standard == nb.Standard {
				continue
			}
			_, ab := g.edges[a+"|"+b+"|"+string(store.EdgeMapsTo)]
			_, ba := g.edges[b+"|"+a+"|"+string(store.EdgeMapsTo)]
			if ab || ba {
				continue
			}
			out = append(out, store.NodePair{A: na, B: nb})
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

func (g *fakeGraph) sortedIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (g *fakeGraph) sortedEdgeKeys() []string {
	keys := make([]string, 0, len(g.edges))
	for k := range g.edges {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (g *fakeGraph) hasEdge(src, tgt string, typ store.EdgeType) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.edges[src+"|"+tgt+"|"+string(typ)]
	return ok
}

func (g *fakeGraph) edgeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.edges)
}

func containsNodeType(list []store.NodeType, t store.NodeType) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

func containsEdgeType(list []store.EdgeType, t store.EdgeType) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

// fakeVector 内存向量存储，检索时按集合返回预设结果。
type fakeVector struct {
	mu       sync.Mutex
	hits     map[string][]store.VectorHit
	upserts  map[string][]store.Document
	filters  []map[string]string
	err      error
	searches atomic.Int64
}

func newFakeVector() *fakeVector {
	return &fakeVector{hits: map[string][]store.VectorHit{}, upserts: map[string][]store.Document{}}
}

func (v *fakeVector) Upsert(_ context.Context, collection string, doc store.Document, _ []float32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return v.err
	}
	v.upserts[collection] = append(v.upserts[collection], doc)
	return nil
}

func (v *fakeVector) SimilaritySearch(_ context.Context, _ []float32, collection string, k int, filter map[string]string) ([]store.VectorHit, error) {
	v.searches.Add(1)
	v.mu.Lock()
	defer v.mu.Unlock()
	v.filters = append(v.filters, filter)
	if v.err != nil {
		return nil, v.err
	}
	var out []store.VectorHit
	for _, h := range v.hits[collection] {
		match := true
		for fk, fv := range filter {
			if h.Metadata[fk] != fv {
				match = false
			}
		}
		if match {
			out = append(out, h)
		}
		if k > 0 && len(out) >= k {
			break
		}
	}
	return out, nil
}

// fakeEmbedder 返回固定向量。
type fakeEmbedder struct {
	err   error
	calls atomic.Int64
}

func (e *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func (e *fakeEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	v, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

func (e *fakeEmbedder) Name() string { return "fake" }

var errUpstream = errors.New("upstream unavailable")

// testConfig 关闭 LLM 扩展与后台任务，保证测试确定性。
func testConfig() *ConfigStore {
	cfg := DefaultConfig()
	cfg.Expander.UseLLM = false
	cfg.Discovery.Background = false
	cfg.Gardener.IterationDelay = 0
	return MustConfigStore(cfg)
}

// seedComplianceGraph 写入测试用控制项、技术与概念节点。
func seedComplianceGraph(g *fakeGraph) {
	ctx := context.Background()
	nodes := []store.Node{
		{ID: "ORP.4.A1", Type: store.NodeControl, Name: "Regelung für die Einrichtung von Benutzern", Standard: "BSI IT-Grundschutz", Content: "Es MUSS geregelt werden, wie Benutzerkennungen und Passwörter vergeben werden."},
		{ID: "IDM-01", Type: store.NodeControl, Name: "Policy for user accounts", Standard: "BSI C5", Content: "Access control policy with MFA for privileged accounts."},
		{ID: "A.9.4.2", Type: store.NodeControl, Name: "Secure log-on procedures", Standard: "ISO 27001", Content: "Access to systems shall be controlled by a secure log-on procedure."},
		{ID: "tech:azure", Type: store.NodeTechnology, Name: "Azure"},
		{ID: "concept:mfa", Type: store.NodeConcept, Name: "MFA"},
		{ID: "concept:password-policy", Type: store.NodeConcept, Name: "Password Policy"},
	}
	for i := range nodes {
		_ = g.UpsertNode(ctx, &nodes[i])
	}
	edges := []store.Edge{
		{SourceID: "tech:azure", TargetID: "IDM-01", Type: store.EdgeImplements, Confidence: 0.9},
		{SourceID: "IDM-01", TargetID: "concept:mfa", Type: store.EdgeReferences, Confidence: 0.8},
		{SourceID: "ORP.4.A1", TargetID: "concept:password-policy", Type: store.EdgeReferences, Confidence: 0.85},
		{SourceID: "IDM-01", TargetID: "A.9.4.2", Type: store.EdgeMapsTo, Confidence: 0.8},
	}
	for i := range edges {
		_ = g.UpsertEdge(ctx, &edges[i])
	}
}
