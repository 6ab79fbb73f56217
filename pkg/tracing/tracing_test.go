package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(rec)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return rec
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "meshcast", cfg.ServiceName)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestTraceWebRTC_RecordsAttributes(t *testing.T) {
	rec := installRecorder(t)

	_, span := TraceWebRTC(context.Background(), "offer", "viewer-1", "stream-1")
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "webrtc.offer", spans[0].Name())

	attrs := map[string]string{}
	for _, kv := range spans[0].Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "viewer-1", attrs[string(RemotePeerIDKey)])
	assert.Equal(t, "stream-1", attrs[string(StreamIDKey)])
}

func TestRecordError(t *testing.T) {
	rec := installRecorder(t)

	ctx, span := TraceLifecycle(context.Background(), "start", "stream-1")
	RecordError(ctx, nil)
	RecordError(ctx, errors.New("camera unplugged"))
	span.End()

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "camera unplugged", spans[0].Status().Description)
}

func TestSpansWithoutProvider(t *testing.T) {
	ctx, span := TraceWebSocketMessage(context.Background(), "offer", "host", "stream-1")
	AddSpanAttributes(ctx, MediaKindKey.String("camera"))
	RecordError(ctx, errors.New("ignored"))
	span.End()
}
