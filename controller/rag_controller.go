package controller

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/itish2003/ragask/models"
	"github.com/itish2003/ragask/services"
)

// statusClientClosedRequest is the de facto code for a request the client
// abandoned before the answer was ready.
const statusClientClosedRequest = 499

// RAGController handles the HTTP requests for the RAG API. It depends on the
// RAGService to perform the actual pipeline.
type RAGController struct {
	ragService services.RAGService
	logger     *zap.Logger
	version    string
}

func NewRAGController(service services.RAGService, logger *zap.Logger, version string) *RAGController {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RAGController{
		ragService: service,
		logger:     logger,
		version:    version,
	}
}

// Ask is the handler for GET /api/rag/ask?question=...
func (c *RAGController) Ask(ctx *gin.Context) {
	var req models.AskRequest
	if err := ctx.ShouldBindQuery(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "question query parameter is required"})
		return
	}

	answer, err := c.ragService.Answer(ctx.Request.Context(), req.Question)
	if err != nil {
		status, msg := errorStatus(err)
		if status >= http.StatusInternalServerError {
			c.logger.Error("ask failed", zap.String("request_id", ctx.GetString(requestIDKey)), zap.Error(err))
		}
		ctx.JSON(status, models.ErrorResponse{Error: msg})
		return
	}

	ctx.JSON(http.StatusOK, models.AskResponse{
		Question: req.Question,
		Response: answer.Answer,
	})
}

// Health is the handler for GET /health.
func (c *RAGController) Health(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, models.HealthResponse{
		Status:  "healthy",
		Service: "RAG API",
		Version: c.version,
	})
}

// errorStatus maps pipeline errors to a status code and a client-safe message.
// Upstream bodies are logged, never echoed.
func errorStatus(err error) (int, string) {
	var upstream *services.UpstreamError
	switch {
	case errors.Is(err, services.ErrEmptyQuestion):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, services.ErrCancelled):
		return statusClientClosedRequest, "request cancelled"
	case errors.Is(err, services.ErrNoContextFound):
		return http.StatusNotFound, err.Error()
	case errors.As(err, &upstream):
		if upstream.Malformed() {
			return http.StatusBadGateway, string(upstream.Stage) + " backend returned a malformed response"
		}
		return http.StatusBadGateway, string(upstream.Stage) + " backend request failed"
	default:
		return http.StatusInternalServerError, "failed to generate AI response"
	}
}
