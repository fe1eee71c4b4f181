package tracing

import (
	"net/http"

	"github.com/fluxori/creditcore/pkg/log/ctxlogger"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/fluxori/creditcore/http"

// GinMiddleware opens a server span per request, continuing any W3C trace
// context the caller sent. The span is named after the matched route once
// the handler has run.
func GinMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer(instrumentationName)
	propagator := otel.GetTextMapPropagator()

	return func(c *gin.Context) {
		ctx := propagator.Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := tracer.Start(ctx, c.Request.Method, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		attrs := []attribute.KeyValue{
			attribute.String("http.request.method", c.Request.Method),
			attribute.Int("http.response.status_code", status),
		}
		if route := c.FullPath(); route != "" {
			span.SetName(c.Request.Method + " " + route)
			attrs = append(attrs, attribute.String("http.route", route))
		}
		if id := c.GetString(ctxlogger.RequestIDField); id != "" {
			attrs = append(attrs, attribute.String(ctxlogger.RequestIDField, id))
		}
		span.SetAttributes(attrs...)

		if status < http.StatusInternalServerError {
			return
		}
		if last := c.Errors.Last(); last != nil {
			span.RecordError(last.Err)
		}
		span.SetStatus(codes.Error, http.StatusText(status))
	}
}
