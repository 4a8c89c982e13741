package streamwork

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Starter is an optional interface for stages that must acquire resources,
// open files or connections, or launch background work before the first item
// arrives. Start may block until the stage is ready.
type Starter interface {
	Start(ctx context.Context) error
}

// Stopper is an optional interface for stages that must flush buffers or
// release resources on shutdown. Stop may block until teardown is complete;
// the context bounds how long it is allowed to take.
type Stopper interface {
	Stop(ctx context.Context) error
}

// ErrorHandlingStrategy selects what a stream adapter does with an item-level
// processing error.
type ErrorHandlingStrategy int

const (
	// SkipOnError drops the failed item, logs it, and moves on. This is the
	// default strategy.
	SkipOnError ErrorHandlingStrategy = iota
	// StopOnError terminates the stage with the error, which normally takes
	// the whole pipeline down.
	StopOnError
	// SendToErrorChannel diverts the item and its error to a caller-provided
	// channel and keeps processing. The send respects backpressure on that
	// channel and aborts if the context is cancelled.
	SendToErrorChannel
)

// ErrPipelineCancelled is returned when a pipeline is cancelled.
var ErrPipelineCancelled = errors.New("pipeline cancelled")

// ProcessingError bundles an item with the error encountered during its
// processing. Used with the SendToErrorChannel strategy.
type ProcessingError[I any] struct {
	Item  I
	Error error
}

// Stage transforms one input into one output. It is the basic unit of work
// wrapped by adapters, resilience decorators, and instrumentation.
type Stage[I, O any] interface {
	Process(ctx context.Context, input I) (O, error)
}

// StreamStage processes a continuous stream. ProcessStream reads from in
// until the channel closes or the context is cancelled, writing results to
// out. Implementations MUST close out before returning, typically with
// defer close(out), so completion propagates downstream.
//
// A non-nil return is fatal for the stage and normally shuts the pipeline
// down. Item-level failures belong inside the stage: logged, skipped, or
// diverted to an error channel.
type StreamStage[I, O any] interface {
	ProcessStream(ctx context.Context, in <-chan I, out chan<- O) error
}

// Expander represents a stage that produces zero or more outputs for each input.
// The runtime flattens the returned slice onto the output stream in order,
// so a single upstream item can become several downstream items (or none).
// This is the natural shape for batching, splitting, and windowing stages.
type Expander[I, O any] interface {
	Expand(ctx context.Context, input I) ([]O, error)
}

// SourceStage defines the interface for a stage that originates a stream.
// Emit should send items to 'out' until it has no more data or 'ctx' is
// cancelled, then return. Implementations must NOT close 'out'; the runtime
// closes it after Emit returns so completion propagates downstream exactly once.
type SourceStage[O any] interface {
	Emit(ctx context.Context, out chan<- O) error
}

// SinkStage defines the interface for a terminal stage that consumes a stream.
// Consume should read from 'in' until it is closed or 'ctx' is cancelled.
type SinkStage[I any] interface {
	Consume(ctx context.Context, in <-chan I) error
}

// Cloner is implemented by message types that know how to produce an
// independent copy of themselves. When an output port fans out to multiple
// subscribers, the runtime calls Clone for every subscriber after the first
// so that downstream branches never share mutable state. Types that do not
// implement Cloner are delivered by plain value copy.
type Cloner[T any] interface {
	Clone() T
}

// StageFunc adapts an ordinary function to the Stage interface.
type StageFunc[I, O any] func(ctx context.Context, input I) (O, error)

// Process calls f(ctx, input).
func (f StageFunc[I, O]) Process(ctx context.Context, input I) (O, error) {
	return f(ctx, input)
}

// ExpandFunc adapts an ordinary function to the Expander interface.
type ExpandFunc[I, O any] func(ctx context.Context, input I) ([]O, error)

// Expand calls f(ctx, input).
func (f ExpandFunc[I, O]) Expand(ctx context.Context, input I) ([]O, error) {
	return f(ctx, input)
}

// SourceFunc adapts an ordinary function to the SourceStage interface.
type SourceFunc[O any] func(ctx context.Context, out chan<- O) error

// Emit calls f(ctx, out).
func (f SourceFunc[O]) Emit(ctx context.Context, out chan<- O) error {
	return f(ctx, out)
}

// SinkFunc adapts an ordinary function to the SinkStage interface.
type SinkFunc[I any] func(ctx context.Context, in <-chan I) error

// Consume calls f(ctx, in).
func (f SinkFunc[I]) Consume(ctx context.Context, in <-chan I) error {
	return f(ctx, in)
}

// Chain fuses two stages into one, feeding the first stage's output to the
// second. An error from the first stage short-circuits the second.
func Chain[A, B, C any](first Stage[A, B], second Stage[B, C]) Stage[A, C] {
	return StageFunc[A, C](func(ctx context.Context, input A) (C, error) {
		intermediate, err := first.Process(ctx, input)
		if err != nil {
			var zero C
			return zero, err
		}
		return second.Process(ctx, intermediate)
	})
}

// StreamAdapterOption configures a StreamAdapter.
type StreamAdapterOption[I, O any] func(*StreamAdapter[I, O])

// WithoutAdapterMetrics disables StageWorker* metrics for this adapter by
// routing them to the no-op collector.
func WithoutAdapterMetrics[I, O any]() StreamAdapterOption[I, O] {
	return func(a *StreamAdapter[I, O]) { a.metricsCollector = DefaultMetricsCollector }
}

// WithAdapterMetrics sets the collector for adapter-level metrics. The
// pipeline builders apply this automatically. A nil collector selects the
// default.
func WithAdapterMetrics[I, O any](collector MetricsCollector) StreamAdapterOption[I, O] {
	return func(a *StreamAdapter[I, O]) { a.metricsCollector = collector }
}

// WithAdapterName sets the adapter's name for metrics, spans and logging.
func WithAdapterName[I, O any](name string) StreamAdapterOption[I, O] {
	return func(a *StreamAdapter[I, O]) { a.adapterName = name }
}

// WithAdapterConcurrency sets how many items the adapter processes at once.
// n greater than zero runs that many workers and gives up output ordering;
// n of zero selects runtime.NumCPU() workers; negative n forces sequential
// processing. The default is sequential.
func WithAdapterConcurrency[I, O any](n int) StreamAdapterOption[I, O] {
	return func(a *StreamAdapter[I, O]) {
		switch {
		case n == 0:
			a.concurrency = runtime.NumCPU()
		case n < 0:
			a.concurrency = 1
		default:
			a.concurrency = n
		}
	}
}

// WithAdapterErrorStrategy sets how item-level errors from the wrapped stage
// are handled. The default is SkipOnError.
func WithAdapterErrorStrategy[I, O any](strategy ErrorHandlingStrategy) StreamAdapterOption[I, O] {
	return func(a *StreamAdapter[I, O]) { a.errStrategy = strategy }
}

// WithAdapterLogger sets the logger used for skipped items and internal
// warnings. A nil logger discards all output.
func WithAdapterLogger[I, O any](logger *log.Logger) StreamAdapterOption[I, O] {
	return func(a *StreamAdapter[I, O]) { a.logger = logger }
}

// WithAdapterErrorChannel provides the destination channel for the
// SendToErrorChannel strategy. The caller owns the channel and must drain it.
// Mandatory when that strategy is selected.
func WithAdapterErrorChannel[I, O any](errChan chan<- ProcessingError[I]) StreamAdapterOption[I, O] {
	return func(a *StreamAdapter[I, O]) { a.errChan = errChan }
}

// WithAdapterBufferSize sets the buffer of the internal job channel used for
// concurrent processing. Zero or negative means unbuffered.
func WithAdapterBufferSize[I, O any](size int) StreamAdapterOption[I, O] {
	return func(a *StreamAdapter[I, O]) {
		if size < 0 {
			size = 0
		}
		a.bufferSize = size
	}
}

// WithAdapterTracerProvider sets the TracerProvider for item spans. A nil
// provider selects the default.
func WithAdapterTracerProvider[I, O any](provider TracerProvider) StreamAdapterOption[I, O] {
	return func(a *StreamAdapter[I, O]) { a.tracerProvider = provider }
}

// StreamAdapter lifts a Stage into a StreamStage, adding worker concurrency,
// per-item spans and metrics, and a configurable item error strategy.
type StreamAdapter[I, O any] struct {
	inner            Stage[I, O]
	concurrency      int
	errStrategy      ErrorHandlingStrategy
	logger           *log.Logger
	errChan          chan<- ProcessingError[I]
	bufferSize       int
	metricsCollector MetricsCollector
	adapterName      string
	tracerProvider   TracerProvider
	tracer           trace.Tracer
}

// NewStreamAdapter creates a StreamStage adapter for the given Stage.
// Panics if the stage is nil, or if the SendToErrorChannel strategy is
// selected without an error channel.
func NewStreamAdapter[I, O any](stage Stage[I, O], opts ...StreamAdapterOption[I, O]) *StreamAdapter[I, O] {
	if stage == nil {
		panic("streamwork.NewStreamAdapter: stage cannot be nil")
	}

	a := &StreamAdapter[I, O]{
		inner:            stage,
		concurrency:      1,
		errStrategy:      SkipOnError,
		metricsCollector: DefaultMetricsCollector,
		adapterName:      "unnamed_stream_adapter",
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.logger == nil {
		a.logger = log.New(io.Discard, "", 0)
	}
	if a.metricsCollector == nil {
		a.metricsCollector = DefaultMetricsCollector
	}
	if a.tracerProvider == nil {
		a.tracerProvider = DefaultTracerProvider
	}
	a.tracer = a.tracerProvider.Tracer(fmt.Sprintf("streamwork/adapter/%s", a.adapterName))

	if a.errStrategy == SendToErrorChannel && a.errChan == nil {
		panic("streamwork.NewStreamAdapter: WithAdapterErrorChannel must be provided when using SendToErrorChannel strategy")
	}

	// Concurrency is reported once, at construction, not per item.
	a.metricsCollector.StageWorkerConcurrency(context.Background(), a.adapterName, a.concurrency)

	return a
}

// Unwrap returns the Stage wrapped by this adapter. The pipeline runtime uses
// it to reach lifecycle interfaces (Starter, Stopper) on the original stage.
func (a *StreamAdapter[I, O]) Unwrap() Stage[I, O] {
	return a.inner
}

// ProcessStream implements StreamStage. The output channel is closed on
// return no matter how the stream ends.
func (a *StreamAdapter[I, O]) ProcessStream(ctx context.Context, in <-chan I, out chan<- O) error {
	defer close(out)

	if a.concurrency <= 1 {
		return a.processSequential(ctx, in, out)
	}
	return a.processConcurrent(ctx, in, out)
}

// processSequential drains the input channel one item at a time.
func (a *StreamAdapter[I, O]) processSequential(ctx context.Context, in <-chan I, out chan<- O) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-in:
			if !ok {
				return nil
			}
			if err := a.runItem(ctx, item, out, 1); err != nil {
				return err
			}
		}
	}
}

// processConcurrent fans the input out to a.concurrency workers over a shared
// job channel. Output order is whatever the workers produce.
func (a *StreamAdapter[I, O]) processConcurrent(ctx context.Context, in <-chan I, out chan<- O) error {
	g, gctx := errgroup.WithContext(ctx)
	jobs := make(chan I, a.bufferSize)

	g.Go(func() error {
		defer close(jobs)
		return a.dispatchJobs(gctx, in, jobs)
	})

	for i := 0; i < a.concurrency; i++ {
		g.Go(func() error {
			for item := range jobs {
				if err := a.runItem(gctx, item, out, a.concurrency); err != nil {
					return err
				}
			}
			return nil
		})
	}

	return g.Wait()
}

// dispatchJobs forwards items from the input channel to the job channel,
// aborting as soon as the group context is cancelled.
func (a *StreamAdapter[I, O]) dispatchJobs(gctx context.Context, in <-chan I, jobs chan<- I) error {
	for {
		select {
		case <-gctx.Done():
			return gctx.Err()
		case item, ok := <-in:
			if !ok {
				return nil
			}
			select {
			case jobs <- item:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	}
}

// runItem processes a single item under its own span and sends the result
// downstream. A non-nil return is fatal for the stage; item errors absorbed
// by the strategy yield nil.
func (a *StreamAdapter[I, O]) runItem(ctx context.Context, item I, out chan<- O, workers int) error {
	itemCtx, span := a.tracer.Start(
		ctx,
		fmt.Sprintf("%s.process", a.adapterName),
		trace.WithAttributes(
			attribute.String("streamwork.adapter.name", a.adapterName),
			attribute.Int("streamwork.adapter.concurrency", workers),
			attribute.String("streamwork.adapter.error_strategy", a.errStrategy.String()),
		),
	)
	defer span.End()

	began := time.Now()
	result, err := a.inner.Process(ctx, item)
	elapsed := time.Since(began)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return a.handleItemError(ctx, item, err)
	}

	span.SetStatus(codes.Ok, "")
	span.SetAttributes(attribute.Int64("streamwork.adapter.stage.duration_ms", elapsed.Milliseconds()))
	a.metricsCollector.StageWorkerItemProcessed(ctx, a.adapterName, elapsed)

	select {
	case out <- result:
		return nil
	case <-itemCtx.Done():
		span.SetAttributes(attribute.Bool("streamwork.adapter.cancelled_on_send", true))
		span.SetStatus(codes.Error, "cancelled while sending output")
		return itemCtx.Err()
	}
}

// handleItemError applies the configured strategy to a failed item. A non-nil
// return stops the stage.
func (a *StreamAdapter[I, O]) handleItemError(ctx context.Context, item I, err error) error {
	// A filtered item is a normal drop, not a failure. Discard it quietly
	// regardless of the configured strategy.
	if errors.Is(err, ErrItemFiltered) {
		a.logf("DEBUG: streamwork.StreamAdapter dropping filtered item")
		return nil
	}

	switch a.errStrategy {
	case StopOnError:
		a.logf("ERROR: streamwork.StreamAdapter stopping due to error: %v", err)
		return err

	case SendToErrorChannel:
		select {
		case a.errChan <- ProcessingError[I]{Item: item, Error: err}:
			a.metricsCollector.StageWorkerErrorSent(ctx, a.adapterName, err)
			a.logf("DEBUG: streamwork.StreamAdapter sent item error to error channel: %v", err)
		case <-ctx.Done():
			a.logf("WARN: streamwork.StreamAdapter context cancelled while sending item error: %v", err)
		}
		return nil

	default:
		a.metricsCollector.StageWorkerItemSkipped(ctx, a.adapterName, err)
		a.logf("WARN: streamwork.StreamAdapter skipping item due to error: %v", err)
		return nil
	}
}

func (a *StreamAdapter[I, O]) logf(format string, v ...any) {
	if a.logger == nil {
		return
	}
	a.logger.Printf(format, v...)
}

// String returns the strategy name for span attributes and logs.
func (e ErrorHandlingStrategy) String() string {
	switch e {
	case SkipOnError:
		return "SkipOnError"
	case StopOnError:
		return "StopOnError"
	case SendToErrorChannel:
		return "SendToErrorChannel"
	default:
		return fmt.Sprintf("Unknown(%d)", int(e))
	}
}

// ExpandAdapterOption configures an ExpandAdapter.
type ExpandAdapterOption[I, O any] func(*ExpandAdapter[I, O])

// WithExpandName sets the name for the ExpandAdapter stage, used for metrics
// and logging.
func WithExpandName[I, O any](name string) ExpandAdapterOption[I, O] {
	return func(a *ExpandAdapter[I, O]) { a.adapterName = name }
}

// WithExpandLogger sets the logger used for skipped items and internal
// warnings. A nil logger discards all output.
func WithExpandLogger[I, O any](logger *log.Logger) ExpandAdapterOption[I, O] {
	return func(a *ExpandAdapter[I, O]) { a.logger = logger }
}

// WithExpandErrorStrategy sets how item-level errors from the wrapped
// Expander are handled. The default is SkipOnError.
func WithExpandErrorStrategy[I, O any](strategy ErrorHandlingStrategy) ExpandAdapterOption[I, O] {
	return func(a *ExpandAdapter[I, O]) { a.errStrategy = strategy }
}

// WithExpandErrorChannel provides the destination channel for the
// SendToErrorChannel strategy. Mandatory for that strategy.
func WithExpandErrorChannel[I, O any](errChan chan<- ProcessingError[I]) ExpandAdapterOption[I, O] {
	return func(a *ExpandAdapter[I, O]) { a.errChan = errChan }
}

// WithExpandMetrics sets the collector for adapter-level metrics. A nil
// collector selects the default.
func WithExpandMetrics[I, O any](collector MetricsCollector) ExpandAdapterOption[I, O] {
	return func(a *ExpandAdapter[I, O]) { a.metricsCollector = collector }
}

// WithExpandTracerProvider sets the TracerProvider for item spans. A nil
// provider selects the default.
func WithExpandTracerProvider[I, O any](provider TracerProvider) ExpandAdapterOption[I, O] {
	return func(a *ExpandAdapter[I, O]) { a.tracerProvider = provider }
}

// ExpandAdapter wraps an Expander to make it usable as a StreamStage.
// For each input item it calls Expand and sends every returned output
// downstream in order. Processing is sequential: flattening concurrently
// would interleave the expanded sequences of different inputs, which
// defeats the point of an ordered expansion.
type ExpandAdapter[I, O any] struct {
	inner            Expander[I, O]
	errStrategy      ErrorHandlingStrategy
	logger           *log.Logger
	errChan          chan<- ProcessingError[I]
	metricsCollector MetricsCollector
	adapterName      string
	tracerProvider   TracerProvider
	tracer           trace.Tracer
}

// NewExpandAdapter creates a StreamStage adapter for the given Expander.
// Panics if the expander is nil, or if the SendToErrorChannel strategy is
// selected without an error channel.
func NewExpandAdapter[I, O any](expander Expander[I, O], opts ...ExpandAdapterOption[I, O]) *ExpandAdapter[I, O] {
	if expander == nil {
		panic("streamwork.NewExpandAdapter: expander cannot be nil")
	}

	a := &ExpandAdapter[I, O]{
		inner:            expander,
		errStrategy:      SkipOnError,
		metricsCollector: DefaultMetricsCollector,
		adapterName:      "unnamed_expand_adapter",
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.logger == nil {
		a.logger = log.New(io.Discard, "", 0)
	}
	if a.metricsCollector == nil {
		a.metricsCollector = DefaultMetricsCollector
	}
	if a.tracerProvider == nil {
		a.tracerProvider = DefaultTracerProvider
	}
	a.tracer = a.tracerProvider.Tracer(fmt.Sprintf("streamwork/adapter/%s", a.adapterName))

	if a.errStrategy == SendToErrorChannel && a.errChan == nil {
		panic("streamwork.NewExpandAdapter: WithExpandErrorChannel must be provided when using SendToErrorChannel strategy")
	}

	return a
}

// Unwrap returns the Expander wrapped by this adapter.
func (a *ExpandAdapter[I, O]) Unwrap() Expander[I, O] {
	return a.inner
}

// ProcessStream implements StreamStage. The output channel is closed on
// return no matter how the stream ends.
func (a *ExpandAdapter[I, O]) ProcessStream(ctx context.Context, in <-chan I, out chan<- O) error {
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-in:
			if !ok {
				return nil
			}
			if err := a.expandItem(ctx, item, out); err != nil {
				return err
			}
		}
	}
}

// expandItem runs one expansion under a span and flattens the results onto
// the output stream in order. A non-nil return is fatal for the stage.
func (a *ExpandAdapter[I, O]) expandItem(ctx context.Context, item I, out chan<- O) error {
	itemCtx, span := a.tracer.Start(
		ctx,
		fmt.Sprintf("%s.expand", a.adapterName),
		trace.WithAttributes(
			attribute.String("streamwork.adapter.name", a.adapterName),
			attribute.String("streamwork.adapter.error_strategy", a.errStrategy.String()),
		),
	)
	defer span.End()

	began := time.Now()
	results, err := a.inner.Expand(ctx, item)
	elapsed := time.Since(began)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return a.handleItemError(ctx, item, err)
	}

	span.SetStatus(codes.Ok, "")
	span.SetAttributes(
		attribute.Int64("streamwork.adapter.stage.duration_ms", elapsed.Milliseconds()),
		attribute.Int("streamwork.adapter.expanded_count", len(results)),
	)
	a.metricsCollector.StageWorkerItemProcessed(ctx, a.adapterName, elapsed)

	for _, result := range results {
		select {
		case out <- result:
		case <-itemCtx.Done():
			span.SetAttributes(attribute.Bool("streamwork.adapter.cancelled_on_send", true))
			span.SetStatus(codes.Error, "cancelled while sending output")
			return itemCtx.Err()
		}
	}
	return nil
}

// handleItemError applies the configured strategy to a failed expansion. A
// non-nil return stops the stage.
func (a *ExpandAdapter[I, O]) handleItemError(ctx context.Context, item I, err error) error {
	// Filtered items are dropped quietly under every strategy.
	if errors.Is(err, ErrItemFiltered) {
		a.logf("DEBUG: streamwork.ExpandAdapter dropping filtered item")
		return nil
	}

	switch a.errStrategy {
	case StopOnError:
		a.logf("ERROR: streamwork.ExpandAdapter stopping due to error: %v", err)
		return err

	case SendToErrorChannel:
		select {
		case a.errChan <- ProcessingError[I]{Item: item, Error: err}:
			a.metricsCollector.StageWorkerErrorSent(ctx, a.adapterName, err)
			a.logf("DEBUG: streamwork.ExpandAdapter sent item error to error channel: %v", err)
		case <-ctx.Done():
			a.logf("WARN: streamwork.ExpandAdapter context cancelled while sending item error: %v", err)
		}
		return nil

	default:
		a.metricsCollector.StageWorkerItemSkipped(ctx, a.adapterName, err)
		a.logf("WARN: streamwork.ExpandAdapter skipping item due to error: %v", err)
		return nil
	}
}

func (a *ExpandAdapter[I, O]) logf(format string, v ...any) {
	if a.logger == nil {
		return
	}
	a.logger.Printf(format, v...)
}
