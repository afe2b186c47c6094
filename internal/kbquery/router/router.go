// Package router registers the knowledge base HTTP routes.
package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"
	"github.com/kart-io/version"

	"github.com/kart-io/sentinel-kb/internal/kbquery/handler"
	"github.com/kart-io/sentinel-kb/pkg/utils/response"
)

// Register registers the knowledge base routes on engine. metrics may be nil.
func Register(engine *gin.Engine, h *handler.KBHandler, metrics http.Handler) {
	logger.Info("Registering KB routes...")

	engine.GET("/healthz", h.Health)
	engine.GET("/version", func(c *gin.Context) {
		response.OK(c, version.Get())
	})
	if metrics != nil {
		engine.GET("/metrics", gin.WrapH(metrics))
	}

	v1 := engine.Group("/v1")
	{
		v1.POST("/query", h.Query)
		v1.POST("/query/stream", h.QueryStream)
		v1.POST("/conversations", h.Conversation)
		v1.GET("/stats", h.Stats)
		v1.DELETE("/cache", h.ClearCache)

		v1.POST("/relationships/discover", h.Discover)
		v1.POST("/kb/chunks", h.IndexChunks)
		v1.POST("/gardener/run", h.RunGardener)
	}

	logger.Infow("HTTP routes registered", "routes", len(engine.Routes()))
}
