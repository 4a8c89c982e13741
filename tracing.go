package streamwork

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// tracerName identifies spans opened by this module.
const tracerName = "github.com/aquiline/go-streamwork"

// TracerProvider abstracts tracer creation so pipelines can run against the
// OpenTelemetry SDK, an exporter-specific provider built by the
// ObservabilityFactory, or no tracing at all. The OpenTelemetry SDK's
// *sdktrace.TracerProvider satisfies it directly.
type TracerProvider interface {
	Tracer(name string, options ...trace.TracerOption) trace.Tracer
}

// globalTracerProvider resolves tracers through the process-global
// OpenTelemetry provider at call time, so pipelines pick up whatever exporter
// the host application installed.
type globalTracerProvider struct{}

func (globalTracerProvider) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name, options...)
}

// DefaultTracerProvider is the provider used when none is configured.
var DefaultTracerProvider TracerProvider = globalTracerProvider{}

// NoopTracerProvider provides tracers that record nothing. The observability
// factory returns it when tracing is disabled.
type NoopTracerProvider struct{}

func (*NoopTracerProvider) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return noop.NewTracerProvider().Tracer(name, options...)
}

var _ TracerProvider = (*NoopTracerProvider)(nil)

// spanConfig carries the naming, tracer and base attributes shared by the
// traced wrapper types.
type spanConfig struct {
	name   string
	tracer trace.Tracer
	attrs  []attribute.KeyValue
}

// open starts a span under the configured name, stamping the base attributes
// plus any extras for this particular call.
func (s *spanConfig) open(ctx context.Context, extra ...attribute.KeyValue) (context.Context, trace.Span) {
	all := s.attrs
	if len(extra) > 0 {
		all = append(append([]attribute.KeyValue{}, s.attrs...), extra...)
	}
	return s.tracer.Start(ctx, s.name, trace.WithAttributes(all...))
}

// finishSpan stamps the elapsed time on span and maps err to a span status.
// Errors are additionally recorded as exception events.
func finishSpan(span trace.Span, began time.Time, err error) {
	span.SetAttributes(attribute.Float64("duration_ms", float64(time.Since(began).Milliseconds())))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// TracedStage wraps a Stage so every Process call is covered by a span. The
// span carries the configured attributes plus the measured duration, and its
// status mirrors the stage's error result.
type TracedStage[I, O any] struct {
	inner Stage[I, O]
	span  spanConfig
}

// TracedStageOption configures a TracedStage.
type TracedStageOption[I, O any] func(*TracedStage[I, O])

// WithTracerName sets the span name used for each Process call.
func WithTracerName[I, O any](name string) TracedStageOption[I, O] {
	return func(t *TracedStage[I, O]) { t.span.name = name }
}

// WithTracer replaces the tracer spans are opened on.
func WithTracer[I, O any](tracer trace.Tracer) TracedStageOption[I, O] {
	return func(t *TracedStage[I, O]) { t.span.tracer = tracer }
}

// WithTracerAttributes adds attributes to every span the TracedStage creates.
func WithTracerAttributes[I, O any](attrs ...attribute.KeyValue) TracedStageOption[I, O] {
	return func(t *TracedStage[I, O]) { t.span.attrs = append(t.span.attrs, attrs...) }
}

// NewTracedStage wraps stage with tracing. Without options the spans are
// named "streamwork.stage" and use the module's default tracer.
func NewTracedStage[I, O any](stage Stage[I, O], opts ...TracedStageOption[I, O]) *TracedStage[I, O] {
	t := &TracedStage[I, O]{
		inner: stage,
		span:  spanConfig{name: "streamwork.stage", tracer: otel.Tracer(tracerName)},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Process implements Stage. It opens a span, delegates to the wrapped stage
// with the span's context, and closes the span with the outcome.
func (t *TracedStage[I, O]) Process(ctx context.Context, input I) (O, error) {
	sctx, span := t.span.open(ctx)
	defer span.End()

	began := time.Now()
	output, err := t.inner.Process(sctx, input)
	finishSpan(span, began, err)
	return output, err
}

// TracedRetryStage traces a Retry policy with one parent span per Process
// call and one child span per attempt, so a trace shows the retry history
// rather than only the final outcome.
type TracedRetryStage[I, O any] struct {
	policy *Retry[I, O]
	span   spanConfig
}

// NewTracedRetry wraps an existing Retry policy with per-attempt tracing.
func NewTracedRetry[I, O any](retry *Retry[I, O], name string, attrs ...attribute.KeyValue) Stage[I, O] {
	return &TracedRetryStage[I, O]{
		policy: retry,
		span:   spanConfig{name: name, tracer: otel.Tracer(tracerName), attrs: attrs},
	}
}

// WithTracer replaces the tracer spans are opened on.
func (r *TracedRetryStage[I, O]) WithTracer(tracer trace.Tracer) *TracedRetryStage[I, O] {
	r.span.tracer = tracer
	return r
}

// Process implements Stage. The wrapped Retry is never mutated; attempts run
// through a copy of the policy whose inner stage is instrumented.
func (r *TracedRetryStage[I, O]) Process(ctx context.Context, input I) (O, error) {
	sctx, span := r.span.open(ctx, attribute.Int("max_attempts", r.policy.maxAttempts))
	defer span.End()

	inner := r.policy.inner
	attempts := 0

	counted := StageFunc[I, O](func(ctx context.Context, in I) (O, error) {
		attempts++
		attemptCtx, attemptSpan := r.span.tracer.Start(
			ctx,
			fmt.Sprintf("%s.attempt.%d", r.span.name, attempts),
			trace.WithAttributes(attribute.Int("attempt", attempts)),
		)
		out, err := inner.Process(attemptCtx, in)
		if err != nil {
			attemptSpan.RecordError(err)
			attemptSpan.SetStatus(codes.Error, err.Error())
		} else {
			attemptSpan.SetStatus(codes.Ok, "")
		}
		attemptSpan.SetAttributes(attribute.Bool("success", err == nil))
		attemptSpan.End()
		return out, err
	})

	retry := *r.policy
	retry.inner = counted

	began := time.Now()
	output, err := retry.Process(sctx, input)

	span.SetAttributes(attribute.Int("attempts", attempts))
	finishSpan(span, began, err)
	return output, err
}

// TracedPipelineStage traces a Pipeline used as a stage.
type TracedPipelineStage[I, O any] struct {
	pipeline *Pipeline[I, O]
	span     spanConfig
}

// NewTracedPipeline wraps a Pipeline so each run is covered by a span.
func NewTracedPipeline[I, O any](pipeline *Pipeline[I, O], name string, attrs ...attribute.KeyValue) Stage[I, O] {
	return &TracedPipelineStage[I, O]{
		pipeline: pipeline,
		span:     spanConfig{name: name, tracer: otel.Tracer(tracerName), attrs: attrs},
	}
}

// WithTracer replaces the tracer spans are opened on.
func (p *TracedPipelineStage[I, O]) WithTracer(tracer trace.Tracer) *TracedPipelineStage[I, O] {
	p.span.tracer = tracer
	return p
}

// Process implements Stage.
func (p *TracedPipelineStage[I, O]) Process(ctx context.Context, input I) (O, error) {
	sctx, span := p.span.open(ctx)
	defer span.End()

	began := time.Now()
	output, err := p.pipeline.Process(sctx, input)
	finishSpan(span, began, err)
	return output, err
}
