package handler

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/sentinel-kb/internal/kbquery/biz"
	"github.com/kart-io/sentinel-kb/internal/kbquery/store"
	"github.com/kart-io/sentinel-kb/pkg/llm"
	graphopts "github.com/kart-io/sentinel-kb/pkg/options/graph"
	"github.com/kart-io/sentinel-kb/pkg/utils/errors"
	"github.com/kart-io/sentinel-kb/pkg/utils/json"
)

const answer = "Backups sollten verschlüsselt und regelmäßig getestet werden [chunk:b1]."

type memVector struct {
	mu   sync.Mutex
	docs []store.Document
}

func (v *memVector) Upsert(_ context.Context, _ string, doc store.Document, _ []float32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.docs = append(v.docs, doc)
	return nil
}

func (v *memVector) SimilaritySearch(_ context.Context, _ []float32, _ string, k int, _ map[string]string) ([]store.VectorHit, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var hits []store.VectorHit
	for _, d := range v.docs {
		if len(hits) >= k {
			break
		}
		hits = append(hits, store.VectorHit{ID: d.ID, Content: d.Content, Metadata: d.Metadata, Distance: 0.1})
	}
	return hits, nil
}

type staticEmbedder struct{}

func (staticEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func (e staticEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	v, _ := e.Embed(ctx, []string{text})
	return v[0], nil
}

func (staticEmbedder) Name() string { return "static" }

type countingObserver struct {
	reports []*biz.IndexReport
}

func (o *countingObserver) RecordIndexing(r *biz.IndexReport) { o.reports = append(o.reports, r) }

type fixture struct {
	engine   *gin.Engine
	vector   *memVector
	observer *countingObserver
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	gopts := graphopts.NewOptions()
	gopts.DSN = fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	graph, err := store.NewGormGraphStore(context.Background(), gopts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = graph.Close() })

	cfg := biz.MustConfigStore(biz.DefaultConfig())
	completer := llm.CompleterFunc(func(_ context.Context, messages []llm.Message, _ llm.Purpose, _ llm.Priority) (string, error) {
		if len(messages) == 1 {
			return `["Wie oft sollten Backups getestet werden?"]`, nil
		}
		return answer, nil
	})

	f := &fixture{
		vector:   &memVector{docs: []store.Document{{ID: "chunk:b1", Content: "Backups müssen verschlüsselt und regelmäßig wiederhergestellt werden."}}},
		observer: &countingObserver{},
	}
	discoverer := biz.NewRelationshipDiscoverer(nil, graph, nil, cfg)
	orch, err := biz.NewOrchestrator(biz.Dependencies{
		Classifier:  biz.NewIntentClassifier(nil, nil, cfg),
		Expander:    biz.NewQueryExpander(nil, graph, nil, cfg),
		Retriever:   biz.NewHybridRetriever(graph, f.vector, staticEmbedder{}, cfg),
		Synthesizer: biz.NewResponseSynthesizer(completer, nil, nil, cfg),
		Discoverer:  discoverer,
		Cache:       biz.NewMemoryResponseCache(16, time.Minute),
		Config:      cfg,
	})
	require.NoError(t, err)

	all := append([]Option{
		WithDiscoverer(discoverer),
		WithIndexer(biz.NewIndexer(graph, f.vector, staticEmbedder{}, discoverer, nil, cfg), f.observer),
		WithGardener(biz.NewGardener(discoverer, graph, cfg)),
		WithHealthCheck("graph", graph.Ping),
	}, opts...)
	f.engine = newEngine(NewKBHandler(orch, all...))
	return f
}

func newEngine(h *KBHandler) *gin.Engine {
	r := gin.New()
	r.GET("/healthz", h.Health)
	v1 := r.Group("/v1")
	v1.POST("/query", h.Query)
	v1.POST("/query/stream", h.QueryStream)
	v1.POST("/conversations", h.Conversation)
	v1.GET("/stats", h.Stats)
	v1.DELETE("/cache", h.ClearCache)
	v1.POST("/relationships/discover", h.Discover)
	v1.POST("/kb/chunks", h.IndexChunks)
	v1.POST("/gardener/run", h.RunGardener)
	return r
}

type envelope struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

func (f *fixture) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func TestKBHandler_Query(t *testing.T) {
	f := newFixture(t)

	w, env := f.do(t, http.MethodPost, "/v1/query", `{"query":"Welche Best Practices gibt es für Backups?"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 0, env.Code)
	assert.Equal(t, answer, env.Data["answer"])
	assert.NotEmpty(t, env.Data["query_id"])

	_, env = f.do(t, http.MethodGet, "/v1/stats", "")
	assert.EqualValues(t, 1, env.Data["total_queries"])
}

func TestKBHandler_QueryValidation(t *testing.T) {
	f := newFixture(t)

	w, env := f.do(t, http.MethodPost, "/v1/query", `{"context":"no question"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, errors.ErrKBInvalidRequest.Code, env.Code)

	w, _ = f.do(t, http.MethodPost, "/v1/query", `not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestKBHandler_QueryStream(t *testing.T) {
	f := newFixture(t)

	w, _ := f.do(t, http.MethodPost, "/v1/query/stream", `{"query":"Welche Best Practices gibt es für Backups?","use_cache":false}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")

	body := w.Body.String()
	meta := strings.Index(body, "event:meta")
	chunk := strings.Index(body, "event:chunk")
	done := strings.Index(body, "event:done")
	require.True(t, meta >= 0 && chunk > meta && done > chunk, body)
}

func TestKBHandler_Conversation(t *testing.T) {
	f := newFixture(t)

	w, env := f.do(t, http.MethodPost, "/v1/conversations", `{"messages":[
		{"role":"user","content":"Was ist ein Backup-Konzept?"},
		{"role":"assistant","content":"Ein Backup-Konzept regelt Datensicherungen."},
		{"role":"user","content":"Welche Best Practices gibt es für Backups?"}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, answer, env.Data["answer"])

	w, _ = f.do(t, http.MethodPost, "/v1/conversations", `{"messages":[{"role":"robot","content":"hi"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = f.do(t, http.MethodPost, "/v1/conversations", `{"messages":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestKBHandler_ClearCache(t *testing.T) {
	f := newFixture(t)

	w, env := f.do(t, http.MethodDelete, "/v1/cache", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, env.Data["cleared"])
}

func TestKBHandler_Discover(t *testing.T) {
	f := newFixture(t)
	body := `{"text":"Kubernetes implementiert ORP.4.A1 über OIDC-Anbindung."%s}`

	w, env := f.do(t, http.MethodPost, "/v1/relationships/discover", fmt.Sprintf(body, ""))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, env.Data["candidates"])
	assert.Nil(t, env.Data["report"])

	w, env = f.do(t, http.MethodPost, "/v1/relationships/discover", fmt.Sprintf(body, `,"commit":true`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotNil(t, env.Data["report"])

	w, _ = f.do(t, http.MethodPost, "/v1/relationships/discover", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestKBHandler_IndexChunks(t *testing.T) {
	f := newFixture(t)

	w, env := f.do(t, http.MethodPost, "/v1/kb/chunks", `{"chunks":[
		{"id":"chunk:k8s","title":"OIDC","content":"Kubernetes implementiert ORP.4.A1 über OIDC-Anbindung."}]}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 1, env.Data["indexed"])
	assert.Len(t, f.observer.reports, 1)

	w, _ = f.do(t, http.MethodPost, "/v1/kb/chunks", `{"chunks":[{"content":"x","collection":"secrets"}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestKBHandler_OptionalComponents(t *testing.T) {
	f := newFixture(t)
	f.engine = newEngine(NewKBHandler(nil))

	for _, path := range []string{"/v1/kb/chunks", "/v1/gardener/run", "/v1/relationships/discover"} {
		w, env := f.do(t, http.MethodPost, path, `{}`)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
		assert.Equal(t, errors.ErrKBStoreUnavailable.Code, env.Code, path)
	}
}

func TestKBHandler_RunGardener(t *testing.T) {
	f := newFixture(t)

	w, env := f.do(t, http.MethodPost, "/v1/gardener/run", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, env.Data, "duration_ms")
}

func TestKBHandler_Health(t *testing.T) {
	f := newFixture(t)

	w, _ := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	f = newFixture(t, WithHealthCheck("vector", func(context.Context) error { return fmt.Errorf("milvus down") }))
	w, _ = f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "milvus down")
}
