package correlation

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/trace"
)

func TestEnsureCorrelationIDKeepsExisting(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "cid-1")
	ctx, cid := EnsureCorrelationID(ctx)

	assert.Equal(t, "cid-1", cid)
	assert.Equal(t, "cid-1", ExtractCorrelationID(ctx))
}

func TestEnsureCorrelationIDGenerates(t *testing.T) {
	ctx, cid := EnsureCorrelationID(context.Background())

	assert.Len(t, cid, 26)
	assert.Equal(t, cid, ExtractCorrelationID(ctx))
}

func TestContextWithRemoteSpan(t *testing.T) {
	ctx := ContextWithRemoteSpan(context.Background(), "0102030405060708090a0b0c0d0e0f10", "0102030405060708")
	sc := trace.SpanContextFromContext(ctx)

	assert.True(t, sc.IsValid())
	assert.True(t, sc.IsRemote())

	ctx = ContextWithRemoteSpan(context.Background(), "zz", "0102030405060708")
	assert.False(t, trace.SpanContextFromContext(ctx).IsValid())
}

func TestInjectRestoreRoundTrip(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "run-7")
	ctx = ContextWithRemoteSpan(ctx, "0102030405060708090a0b0c0d0e0f10", "0102030405060708")

	carrier := Inject(ctx)
	assert.Equal(t, Carrier{
		CorrelationID: "run-7",
		TraceID:       "0102030405060708090a0b0c0d0e0f10",
		SpanID:        "0102030405060708",
	}, carrier)

	restored := Restore(context.Background(), carrier)
	assert.Equal(t, "run-7", ExtractCorrelationID(restored))
	sc := trace.SpanContextFromContext(restored)
	assert.Equal(t, carrier.TraceID, sc.TraceID().String())
}

func TestRestoreKeepsLocalSpan(t *testing.T) {
	ctx := ContextWithCorrelationID(context.Background(), "http-1")
	ctx = ContextWithRemoteSpan(ctx, "1102030405060708090a0b0c0d0e0f10", "1102030405060708")

	restored := Restore(ctx, Carrier{CorrelationID: "run-7", TraceID: "0102030405060708090a0b0c0d0e0f10", SpanID: "0102030405060708"})
	assert.Equal(t, "run-7", ExtractCorrelationID(restored))
	assert.Equal(t, "1102030405060708090a0b0c0d0e0f10", trace.SpanContextFromContext(restored).TraceID().String())

	assert.Equal(t, "http-1", ExtractCorrelationID(Restore(ctx, Carrier{})))
}
