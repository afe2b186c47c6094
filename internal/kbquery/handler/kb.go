// Package handler provides HTTP handlers for the knowledge base query service.
package handler

import (
	"context"
	stderrors "errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"

	"github.com/kart-io/sentinel-kb/internal/kbquery/biz"
	"github.com/kart-io/sentinel-kb/pkg/utils/errors"
	"github.com/kart-io/sentinel-kb/pkg/utils/response"
)

// IndexObserver receives indexing reports, typically the metrics collector.
type IndexObserver interface {
	RecordIndexing(report *biz.IndexReport)
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// KBHandler handles knowledge base HTTP requests.
type KBHandler struct {
	orchestrator *biz.Orchestrator
	discoverer   *biz.RelationshipDiscoverer
	indexer      *biz.Indexer
	gardener     *biz.Gardener
	observer     IndexObserver
	checks       map[string]HealthCheck
}

// Option configures a KBHandler.
type Option func(*KBHandler)

// WithDiscoverer enables the relationship discovery endpoint.
func WithDiscoverer(d *biz.RelationshipDiscoverer) Option {
	return func(h *KBHandler) { h.discoverer = d }
}

// WithIndexer enables the chunk ingestion endpoint.
func WithIndexer(ix *biz.Indexer, observer IndexObserver) Option {
	return func(h *KBHandler) {
		h.indexer = ix
		h.observer = observer
	}
}

// WithGardener enables on-demand gardener cycles.
func WithGardener(g *biz.Gardener) Option {
	return func(h *KBHandler) { h.gardener = g }
}

// WithHealthCheck registers a named dependency probe for /healthz.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(h *KBHandler) { h.checks[name] = check }
}

// NewKBHandler creates a new KBHandler.
func NewKBHandler(orch *biz.Orchestrator, opts ...Option) *KBHandler {
	h := &KBHandler{orchestrator: orch, checks: map[string]HealthCheck{}}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// QueryRequest represents a query request.
type QueryRequest struct {
	Query    string `json:"query" binding:"required,max=4000"`
	Context  string `json:"context,omitempty" binding:"max=20000"`
	UseCache *bool  `json:"use_cache,omitempty"`
}

func (r *QueryRequest) cacheEnabled() bool {
	return r.UseCache == nil || *r.UseCache
}

// bind decodes the JSON body and answers 400 on failure.
func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		e := errors.ErrKBInvalidRequest.WithMessage(err.Error())
		response.Write(c, http.StatusBadRequest, &response.Response{Code: e.Code, Message: e.MessageEN})
		return false
	}
	return true
}

// writeResult answers with the pipeline result. Failed results keep their payload
// so clients always see the fallback answer.
func writeResult(c *gin.Context, r *biz.Result) {
	if r.Error != nil {
		response.FailWithData(c, r.Error.Code, r.Error.Message, r)
		return
	}
	response.OK(c, r)
}

// Query runs the full pipeline for one question.
func (h *KBHandler) Query(c *gin.Context) {
	var req QueryRequest
	if !bind(c, &req) {
		return
	}
	writeResult(c, h.orchestrator.Orchestrate(c.Request.Context(), req.Query, req.Context, req.cacheEnabled()))
}

// QueryStream streams the answer as server-sent events: meta, chunk..., done.
func (h *KBHandler) QueryStream(c *gin.Context) {
	var req QueryRequest
	if !bind(c, &req) {
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	events := h.orchestrator.Stream(c.Request.Context(), req.Query, req.Context, req.cacheEnabled())
	c.Stream(func(io.Writer) bool {
		ev, ok := <-events
		if !ok {
			return false
		}
		c.SSEvent(ev.Type, ev.Data)
		return ev.Type != biz.EventDone
	})
}

// ConversationRequest represents a multi-turn conversation.
type ConversationRequest struct {
	ConversationID string                    `json:"conversation_id,omitempty" binding:"max=128"`
	Messages       []biz.ConversationMessage `json:"messages" binding:"required,min=1,max=100,dive"`
}

// Conversation answers the last user message using earlier turns as context.
func (h *KBHandler) Conversation(c *gin.Context) {
	var req ConversationRequest
	if !bind(c, &req) {
		return
	}
	writeResult(c, h.orchestrator.ProcessConversation(c.Request.Context(), req.Messages, req.ConversationID))
}

// Stats returns runtime statistics.
func (h *KBHandler) Stats(c *gin.Context) {
	response.OK(c, h.orchestrator.Stats(c.Request.Context()))
}

// ClearCache drops all cached responses.
func (h *KBHandler) ClearCache(c *gin.Context) {
	if err := h.orchestrator.ClearCache(c.Request.Context()); err != nil {
		logger.Errorw("Failed to clear response cache", "error", err.Error())
		response.Fail(c, errors.ErrInternal)
		return
	}
	response.OK(c, gin.H{"cleared": true})
}

// DiscoverRequest represents a relationship discovery request.
type DiscoverRequest struct {
	Text   string `json:"text" binding:"required,max=20000"`
	Commit bool   `json:"commit"`
}

// DiscoverResponse lists the candidates and, when committed, the routing report.
type DiscoverResponse struct {
	Candidates []biz.RelationshipCandidate `json:"candidates"`
	Report     *biz.CommitReport           `json:"report,omitempty"`
}

// Discover extracts relationship candidates from text and optionally commits them.
func (h *KBHandler) Discover(c *gin.Context) {
	if h.discoverer == nil {
		response.Fail(c, errors.ErrKBStoreUnavailable)
		return
	}
	var req DiscoverRequest
	if !bind(c, &req) {
		return
	}

	ctx := c.Request.Context()
	if !req.Commit {
		response.OK(c, DiscoverResponse{Candidates: h.discoverer.Discover(ctx, req.Text)})
		return
	}
	cands, report := h.discoverer.DiscoverAndCommit(ctx, req.Text)
	response.OK(c, DiscoverResponse{Candidates: cands, Report: report})
}

// IndexRequest represents a batch of chunks to ingest.
type IndexRequest struct {
	Chunks []biz.ChunkInput `json:"chunks" binding:"required,min=1,max=200,dive"`
}

// IndexChunks embeds and stores chunks, then links them into the graph.
func (h *KBHandler) IndexChunks(c *gin.Context) {
	if h.indexer == nil {
		response.Fail(c, errors.ErrKBStoreUnavailable)
		return
	}
	var req IndexRequest
	if !bind(c, &req) {
		return
	}

	report, err := h.indexer.Index(c.Request.Context(), req.Chunks)
	if report != nil && h.observer != nil {
		h.observer.RecordIndexing(report)
	}
	if err != nil {
		logger.Errorw("Chunk indexing failed", "chunks", len(req.Chunks), "error", err.Error())
		e := errors.FromError(err)
		if report == nil {
			e = errors.ErrKBIndexFailed.WithCause(err)
		}
		response.FailWithData(c, e.Code, e.Message(response.Language(c)), report)
		return
	}
	response.OK(c, report)
}

// RunGardener triggers one gardener cycle synchronously.
func (h *KBHandler) RunGardener(c *gin.Context) {
	if h.gardener == nil {
		response.Fail(c, errors.ErrKBStoreUnavailable)
		return
	}
	report, err := h.gardener.RunCycle(c.Request.Context())
	switch {
	case stderrors.Is(err, biz.ErrCycleRunning):
		response.Fail(c, errors.ErrKBGardenerBusy)
	case err != nil && report == nil:
		logger.Errorw("Gardener cycle failed", "error", err.Error())
		response.Fail(c, errors.ErrKBStoreUnavailable)
	case err != nil:
		e := errors.FromError(err)
		response.FailWithData(c, e.Code, e.Message(response.Language(c)), report)
	default:
		response.OK(c, report)
	}
}

// Health reports liveness and the state of registered dependencies.
func (h *KBHandler) Health(c *gin.Context) {
	status := http.StatusOK
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(c.Request.Context()); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{"status": state, "dependencies": deps})
}
