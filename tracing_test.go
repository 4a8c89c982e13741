package streamwork_test

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	otelTrace "go.opentelemetry.io/otel/trace"

	streamwork "github.com/aquiline/go-streamwork"
)

// newSpanRecorder returns a tracer whose finished spans can be inspected.
func newSpanRecorder() (*tracetest.SpanRecorder, otelTrace.Tracer) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return recorder, provider.Tracer("streamwork_test")
}

// spanAttr looks up an attribute on a finished span.
func spanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

// TestTracedStageSuccess verifies the span name, status and attributes emitted
// for a successful stage call.
func TestTracedStageSuccess(t *testing.T) {
	recorder, tracer := newSpanRecorder()
	staged := streamwork.NewTracedStage(
		streamwork.StageFunc[int, int](func(_ context.Context, v int) (int, error) {
			return v * 2, nil
		}),
		streamwork.WithTracerName[int, int]("math.double"),
		streamwork.WithTracer[int, int](tracer),
		streamwork.WithTracerAttributes[int, int](attribute.String("component", "math")),
	)

	out, err := staged.Process(context.Background(), 21)
	require.NoError(t, err)
	assert.Equal(t, 42, out)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "math.double", span.Name())
	assert.Equal(t, codes.Ok, span.Status().Code)

	component, ok := spanAttr(span, "component")
	require.True(t, ok)
	assert.Equal(t, "math", component.AsString())
	_, ok = spanAttr(span, "duration_ms")
	assert.True(t, ok, "duration is recorded on the span")
}

// TestTracedStageError verifies error recording on the span.
func TestTracedStageError(t *testing.T) {
	recorder, tracer := newSpanRecorder()
	boom := errors.New("boom")
	staged := streamwork.NewTracedStage(
		streamwork.StageFunc[int, int](func(_ context.Context, _ int) (int, error) {
			return 0, boom
		}),
		streamwork.WithTracer[int, int](tracer),
	)

	_, err := staged.Process(context.Background(), 1)
	assert.ErrorIs(t, err, boom)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "streamwork.stage", span.Name(), "default span name")
	assert.Equal(t, codes.Error, span.Status().Code)
	assert.Equal(t, "boom", span.Status().Description)
	require.NotEmpty(t, span.Events())
	assert.Equal(t, "exception", span.Events()[0].Name)
}

// TestTracedRetrySpansPerAttempt verifies that each retry attempt gets its own
// child span under the retry span, with the attempt count recorded.
func TestTracedRetrySpansPerAttempt(t *testing.T) {
	recorder, tracer := newSpanRecorder()

	var calls int
	flaky := streamwork.StageFunc[int, int](func(_ context.Context, v int) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("transient")
		}
		return v + 100, nil
	})

	traced := streamwork.NewTracedRetry[int, int](streamwork.NewRetry(flaky, 5), "ingest.retry")
	tracedRetry, ok := traced.(*streamwork.TracedRetryStage[int, int])
	require.True(t, ok)
	tracedRetry.WithTracer(tracer)

	out, err := traced.Process(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 101, out)

	spans := recorder.Ended()
	require.Len(t, spans, 4, "three attempt spans plus the retry span")

	assert.Equal(t, "ingest.retry.attempt.1", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	success, _ := spanAttr(spans[0], "success")
	assert.False(t, success.AsBool())

	assert.Equal(t, "ingest.retry.attempt.3", spans[2].Name())
	assert.Equal(t, codes.Ok, spans[2].Status().Code)
	success, _ = spanAttr(spans[2], "success")
	assert.True(t, success.AsBool())

	parent := spans[3]
	assert.Equal(t, "ingest.retry", parent.Name())
	assert.Equal(t, codes.Ok, parent.Status().Code)
	attempts, ok := spanAttr(parent, "attempts")
	require.True(t, ok)
	assert.Equal(t, int64(3), attempts.AsInt64())
	maxAttempts, ok := spanAttr(parent, "max_attempts")
	require.True(t, ok)
	assert.Equal(t, int64(5), maxAttempts.AsInt64())

	// Attempt spans are children of the retry span.
	assert.Equal(t, parent.SpanContext().SpanID(), spans[0].Parent().SpanID())
}

// TestTracedRetryExhausted verifies tracing of a retry that never succeeds.
func TestTracedRetryExhausted(t *testing.T) {
	recorder, tracer := newSpanRecorder()

	always := streamwork.StageFunc[int, int](func(_ context.Context, _ int) (int, error) {
		return 0, errors.New("hard failure")
	})
	traced := streamwork.NewTracedRetry[int, int](streamwork.NewRetry(always, 2), "fail.retry")
	tracedRetry, ok := traced.(*streamwork.TracedRetryStage[int, int])
	require.True(t, ok)
	tracedRetry.WithTracer(tracer)

	_, err := traced.Process(context.Background(), 1)
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 3)
	parent := spans[2]
	assert.Equal(t, codes.Error, parent.Status().Code)
	attempts, _ := spanAttr(parent, "attempts")
	assert.Equal(t, int64(2), attempts.AsInt64())
}

// TestTracedPipeline verifies the span emitted around a single-stage pipeline,
// including the not-started error path.
func TestTracedPipeline(t *testing.T) {
	recorder, tracer := newSpanRecorder()

	pipe := streamwork.NewPipeline(streamwork.StageFunc[int, string](func(_ context.Context, v int) (string, error) {
		return strconv.Itoa(v), nil
	}))
	require.NoError(t, pipe.Start(context.Background()))

	traced := streamwork.NewTracedPipeline[int, string](pipe, "convert.pipeline")
	tracedPipe, ok := traced.(*streamwork.TracedPipelineStage[int, string])
	require.True(t, ok)
	tracedPipe.WithTracer(tracer)

	out, err := traced.Process(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "7", out)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "convert.pipeline", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)

	require.NoError(t, pipe.Stop(context.Background()))
	_, err = traced.Process(context.Background(), 8)
	assert.ErrorIs(t, err, streamwork.ErrPipelineNotStarted)

	spans = recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

// TestStreamAdapterEmitsItemSpans verifies that the adapter starts one span
// per item when given a real tracer provider.
func TestStreamAdapterEmitsItemSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	adapter := streamwork.NewStreamAdapter(
		streamwork.StageFunc[int, int](func(_ context.Context, v int) (int, error) {
			return v * 2, nil
		}),
		streamwork.WithAdapterName[int, int]("double"),
		streamwork.WithAdapterTracerProvider[int, int](provider),
	)

	in := make(chan int, 2)
	in <- 1
	in <- 2
	close(in)
	out := make(chan int, 2)

	require.NoError(t, adapter.ProcessStream(context.Background(), in, out))
	assert.Equal(t, []int{2, 4}, collectChan(out))

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	for _, span := range spans {
		assert.Equal(t, "double.process", span.Name())
		assert.Equal(t, codes.Ok, span.Status().Code)
		name, ok := spanAttr(span, "streamwork.adapter.name")
		require.True(t, ok)
		assert.Equal(t, "double", name.AsString())
	}
}

// TestNoopTracerProvider verifies that disabled tracing produces non-recording
// spans.
func TestNoopTracerProvider(t *testing.T) {
	provider := &streamwork.NoopTracerProvider{}
	tracer := provider.Tracer("anything")
	_, span := tracer.Start(context.Background(), "op")
	assert.False(t, span.IsRecording())
	span.End()

	assert.NotNil(t, streamwork.DefaultTracerProvider)
}
