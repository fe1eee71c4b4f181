package logger

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/fluxori/creditcore/pkg/log/ctxlogger"
	"github.com/fluxori/creditcore/pkg/telemetry/correlation"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const CorrelationHeader = "X-Correlation-Id"

// GinMiddleware assigns a correlation ID and writes one access line per
// request, tagged with the research request a handler recorded under
// ctxlogger.RequestIDField. Routes listed in quiet log at debug unless they fail.
func GinMiddleware(quiet ...string) gin.HandlerFunc {
	quietRoutes := make(map[string]bool, len(quiet))
	for _, route := range quiet {
		quietRoutes[route] = true
	}

	return func(c *gin.Context) {
		start := time.Now()
		c.Request = c.Request.WithContext(withCorrelation(c))

		c.Next()

		status := c.Writer.Status()
		fields := accessFields(c, time.Since(start))
		log := FromContext(c.Request.Context())
		switch {
		case status >= http.StatusInternalServerError:
			log.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			log.Warn("http_request", fields...)
		case quietRoutes[c.FullPath()]:
			log.Debug("http_request", fields...)
		default:
			log.Info("http_request", fields...)
		}
	}
}

func withCorrelation(c *gin.Context) context.Context {
	ctx := c.Request.Context()
	if incoming := strings.TrimSpace(c.GetHeader(CorrelationHeader)); incoming != "" {
		ctx = correlation.ContextWithCorrelationID(ctx, incoming)
	}
	ctx, id := correlation.EnsureCorrelationID(ctx)
	c.Header(CorrelationHeader, id)
	return ctx
}

func accessFields(c *gin.Context, elapsed time.Duration) []zap.Field {
	route := c.FullPath()
	if route == "" {
		route = "unmatched"
	}
	fields := []zap.Field{
		zap.String("method", c.Request.Method),
		zap.String("route", route),
		zap.Int("status", c.Writer.Status()),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	}
	if id := c.GetString(ctxlogger.RequestIDField); id != "" {
		fields = append(fields, zap.String(ctxlogger.RequestIDField, id))
	}
	if last := c.Errors.Last(); last != nil {
		fields = append(fields, zap.Error(last.Err))
	}
	return fields
}
