package correlation

import (
	"context"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/trace"
)

type correlationKey struct{}

// Carrier is the correlation state a producer batch carries out and echoes
// back on its result, so both halves of a fetch log and trace together.
type Carrier struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
	SpanID        string `json:"span_id,omitempty"`
}

func ExtractCorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

// EnsureCorrelationID returns ctx with a correlation ID, minting a ULID when none is set.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := ExtractCorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := ulid.Make().String()
	return ContextWithCorrelationID(ctx, id), id
}

// Inject captures the correlation ID and current span of ctx.
func Inject(ctx context.Context) Carrier {
	c := Carrier{CorrelationID: ExtractCorrelationID(ctx)}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		c.TraceID = sc.TraceID().String()
		c.SpanID = sc.SpanID().String()
	}
	return c
}

// Restore applies a carrier to ctx. The carried correlation ID replaces any
// existing one; the carried span only becomes the parent when ctx has none.
func Restore(ctx context.Context, c Carrier) context.Context {
	ctx = ContextWithCorrelationID(ctx, c.CorrelationID)
	if trace.SpanContextFromContext(ctx).IsValid() {
		return ctx
	}
	return ContextWithRemoteSpan(ctx, c.TraceID, c.SpanID)
}

// ContextWithRemoteSpan parents ctx on a remote span given as hex identifiers.
// Malformed identifiers leave ctx unchanged.
func ContextWithRemoteSpan(ctx context.Context, traceIDHex, spanIDHex string) context.Context {
	traceID, err := trace.TraceIDFromHex(traceIDHex)
	if err != nil {
		return ctx
	}
	spanID, err := trace.SpanIDFromHex(spanIDHex)
	if err != nil {
		return ctx
	}
	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	return trace.ContextWithRemoteSpanContext(ctx, parent)
}
