package server

import (
	"net/http"

	"github.com/fluxori/creditcore/internal/producer"
	"github.com/fluxori/creditcore/pkg/log/ctxlogger"
	"github.com/fluxori/creditcore/pkg/telemetry/correlation"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ProducerResults accepts an asynchronous batch result from the producer.
// Redeliveries for finished requests are acknowledged so the producer stops retrying.
func (s *Server) ProducerResults(c *gin.Context) {
	var result producer.BatchResult
	if err := c.ShouldBindJSON(&result); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if result.RequestID == 0 {
		AbortWithError(c, newValidationError("request_id", "required", "request_id is required"))
		return
	}

	c.Set(ctxlogger.RequestIDField, result.RequestID.String())
	ctx := correlation.Restore(c.Request.Context(), result.Trace)
	ctx = ctxlogger.ContextWithRequest(ctx, result.RequestID.String())
	if err := s.research.HandleResult(ctx, result); err != nil {
		ctxlogger.WithContext(ctx, s.log).Warn("producer result rejected",
			zap.Bool("refresh", result.Refresh),
			zap.Int("items", len(result.Items)),
			zap.Error(err),
		)
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}
