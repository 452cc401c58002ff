package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitAndStartSpan(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, Init(ctx, Options{ServiceName: "memorygraph-test", SampleRatio: 1}))
	t.Cleanup(func() { _ = Shutdown(context.Background()) })

	spanCtx, span := StartSpan(ctx, "test", "op")
	defer span.End()

	assert.True(t, span.SpanContext().IsValid())
	assert.Equal(t, span.SpanContext().TraceID().String(), GetTraceID(spanCtx))
}

func TestStartSpanKeepsExistingTraceID(t *testing.T) {
	ctx := WithTraceID(context.Background(), "fixed")
	ctx, span := StartSpan(ctx, "test", "op")
	defer span.End()

	assert.Equal(t, "fixed", GetTraceID(ctx))
}

func TestInitReplacesProvider(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, Init(ctx, Options{ServiceName: "a"}))
	require.NoError(t, Init(ctx, Options{ServiceName: "b", ServiceVersion: "1.0.0", SampleRatio: 5}))
	require.NoError(t, Shutdown(ctx))
	// second shutdown is a no-op
	require.NoError(t, Shutdown(ctx))
}

func TestEndSpan(t *testing.T) {
	_, span := StartSpan(context.Background(), "test", "failing")
	EndSpan(span, errors.New("boom"))
	assert.False(t, span.IsRecording())
}
