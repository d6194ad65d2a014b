package controller

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter registers the API routes. metrics may be nil to leave /metrics out.
func NewRouter(rc *RAGController, logger *zap.Logger, metrics http.Handler) *gin.Engine {
	router := gin.New()
	router.Use(RequestID(), RequestLogger(logger), gin.Recovery(), CORS())

	router.GET("/health", rc.Health)
	if metrics != nil {
		router.GET("/metrics", gin.WrapH(metrics))
	}

	api := router.Group("/api/rag")
	{
		api.GET("/ask", rc.Ask)
	}
	return router
}
