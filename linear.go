package streamwork

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"
)

// StreamPipelineBuilder constructs a linear stream pipeline stage by stage.
// The type parameter O tracks the output type of the most recently added
// stage, so the compiler rejects a stage whose input type does not match its
// predecessor's output type.
//
// Builders are write-only and not safe for concurrent use; build the chain
// with the free functions AddStage, AddStreamStage, AddExpandStage and
// AddSegmentBoundary, then call Finalize.
type StreamPipelineBuilder[O any] struct {
	specs    []*NodeSpec
	edgeOpts map[string][]EdgeOption
	cfg      *pipelineConfig
	names    map[string]struct{}
	errs     []error
}

// NewStreamPipeline creates a builder for a linear pipeline whose first stage
// consumes items of type I.
func NewStreamPipeline[I any](opts ...PipelineOption) *StreamPipelineBuilder[I] {
	cfg := defaultPipelineConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &StreamPipelineBuilder[I]{
		cfg:      cfg,
		edgeOpts: make(map[string][]EdgeOption),
		names:    make(map[string]struct{}),
	}
}

// stageName substitutes a positional name when the caller passed "".
func (b *StreamPipelineBuilder[O]) stageName(name string) string {
	if name == "" {
		return fmt.Sprintf("stage_%d", len(b.specs))
	}
	return name
}

// noteName records a stage name, returning the accumulated build errors with
// a duplicate-name error appended when needed. Duplicates are reported by
// Finalize rather than panicking so config-driven construction can surface
// them as ordinary errors.
func (b *StreamPipelineBuilder[O]) noteName(name string) []error {
	if _, exists := b.names[name]; exists {
		return append(b.errs, NewGraphError("add_stage", name, "", ErrDuplicateStage))
	}
	b.names[name] = struct{}{}
	return b.errs
}

// advance appends spec to the chain and re-types the builder to the new tail
// output type. The underlying spec list, edge options, and name registry are
// shared with the input builder.
func advance[To, From any](b *StreamPipelineBuilder[From], spec *NodeSpec, name string) *StreamPipelineBuilder[To] {
	return &StreamPipelineBuilder[To]{
		specs:    append(b.specs, spec),
		edgeOpts: b.edgeOpts,
		cfg:      b.cfg,
		names:    b.names,
		errs:     b.noteName(name),
	}
}

// AddStage appends a Stage to the pipeline, wrapped in a StreamAdapter that
// inherits the pipeline's logger, concurrency, metrics, and tracing unless
// overridden by adapterOptions. An empty name is replaced with a positional
// one ("stage_0", "stage_1", ...).
// Panics if the builder or stage is nil.
func AddStage[From, To any](
	b *StreamPipelineBuilder[From], name string, stage Stage[From, To],
	adapterOptions ...StreamAdapterOption[From, To],
) *StreamPipelineBuilder[To] {
	if b == nil {
		panic("streamwork.AddStage: builder cannot be nil")
	}
	name = b.stageName(name)
	return advance[To](b, NewNode(name, stage, adapterOptions...), name)
}

// AddStreamStage appends a StreamStage to the pipeline. The stage runs as-is,
// without adapter wrapping, and is responsible for closing its output channel.
// Panics if the builder or stage is nil.
func AddStreamStage[From, To any](
	b *StreamPipelineBuilder[From], name string, stage StreamStage[From, To],
) *StreamPipelineBuilder[To] {
	if b == nil {
		panic("streamwork.AddStreamStage: builder cannot be nil")
	}
	name = b.stageName(name)
	return advance[To](b, NewStreamNode(name, stage), name)
}

// AddExpandStage appends an Expander to the pipeline. Each input item may
// produce any number of output items, flattened in order.
// Panics if the builder or expander is nil.
func AddExpandStage[From, To any](
	b *StreamPipelineBuilder[From], name string, expander Expander[From, To],
	expandOptions ...ExpandAdapterOption[From, To],
) *StreamPipelineBuilder[To] {
	if b == nil {
		panic("streamwork.AddExpandStage: builder cannot be nil")
	}
	name = b.stageName(name)
	return advance[To](b, NewExpandNode(name, expander, expandOptions...), name)
}

// newBoundaryNode builds the identity node inserted by AddSegmentBoundary.
func newBoundaryNode[T any](name string) *NodeSpec {
	validateNodeName("AddSegmentBoundary", name)

	runner := func(ctx context.Context, _ *pipelineConfig, in, out []interface{}) error {
		typedIn, err := recvChanOf[T](name, in[0])
		if err != nil {
			return err
		}
		typedOut, err := sendChanOf[T](name, out[0])
		if err != nil {
			return err
		}
		defer closeSendChan(typedOut, out[0])

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case v, ok := <-typedIn:
				if !ok {
					return nil
				}
				select {
				case typedOut <- v:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}

	return &NodeSpec{
		name:     name,
		inPorts:  []Port{{Name: DefaultInPort, Type: typeOf[T]()}},
		outPorts: []Port{{Name: DefaultOutPort, Type: typeOf[T]()}},
		run:      runner,
	}
}

// AddSegmentBoundary inserts an explicit boundary between two segments of the
// pipeline: an identity node that re-declares the message type T flowing
// across it. The edge entering the boundary can be tuned with edge options,
// most usefully WithEdgeBuffer to give the upstream segment a dedicated
// queue. Finalize verifies T against the adjacent stages' declared types and
// reports a mismatch as a GraphError.
// Panics if the builder is nil.
func AddSegmentBoundary[T any](b *StreamPipelineBuilder[T], name string, opts ...EdgeOption) *StreamPipelineBuilder[T] {
	if b == nil {
		panic("streamwork.AddSegmentBoundary: builder cannot be nil")
	}
	name = b.stageName(name)
	if len(opts) > 0 {
		b.edgeOpts[name] = opts
	}
	return advance[T](b, newBoundaryNode[T](name), name)
}

// StreamPipeline is a finalized linear pipeline, ready to be run between a
// source channel and a sink channel. Each Start builds a fresh execution
// graph, so a pipeline can be run again after Wait or Stop completes,
// provided fresh channels are supplied.
type StreamPipeline struct {
	specs    []*NodeSpec
	edgeOpts map[string][]EdgeOption
	cfg      *pipelineConfig
	headType reflect.Type
	tailType reflect.Type

	startMu sync.Mutex
	graph   *GraphPipeline
	started atomic.Bool
}

// Finalize validates the assembled chain and returns a runnable
// StreamPipeline. It reports, joined into one error: an empty pipeline,
// duplicate stage names, and any adjacent pair whose output and input element
// types do not line up (possible when segment boundaries re-declare types
// around stages built through untyped paths).
func Finalize[O any](b *StreamPipelineBuilder[O]) (*StreamPipeline, error) {
	if b == nil {
		panic("streamwork.Finalize: builder cannot be nil")
	}
	if len(b.specs) == 0 {
		return nil, ErrEmptyPipeline
	}

	errs := append([]error(nil), b.errs...)
	for i := 1; i < len(b.specs); i++ {
		prev := b.specs[i-1]
		next := b.specs[i]
		outPort := prev.outPorts[0]
		inPort := next.inPorts[0]
		if outPort.Type != inPort.Type && !outPort.Type.AssignableTo(inPort.Type) {
			errs = append(errs, NewGraphError("finalize", next.name, inPort.Name,
				fmt.Errorf("%w: stage %q output %s is not assignable to input %s",
					ErrPortTypeMismatch, prev.name, outPort.Type, inPort.Type)))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	head := b.specs[0]
	tail := b.specs[len(b.specs)-1]
	return &StreamPipeline{
		specs:    b.specs,
		edgeOpts: b.edgeOpts,
		cfg:      b.cfg,
		headType: head.inPorts[0].Type,
		tailType: tail.outPorts[0].Type,
	}, nil
}

// checkRunChannel validates one endpoint of a run: v must be a channel with
// the required direction and element type. role, verb and kind only shape the
// error messages ("source ... readable ... input", "sink ... writable ...
// output").
func checkRunChannel(role, verb, kind string, v interface{}, dir reflect.ChanDir, elem reflect.Type) error {
	if v == nil {
		return NewPipelineConfigurationError(role + " channel cannot be nil")
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Chan {
		return NewPipelineConfigurationError(fmt.Sprintf("%s must be a channel, got %T", role, v))
	}
	if rv.Type().ChanDir()&dir == 0 {
		return NewPipelineConfigurationError(fmt.Sprintf("%s channel must be %s", role, verb))
	}
	if rv.Type().Elem() != elem {
		return NewPipelineConfigurationError(fmt.Sprintf(
			"%s channel element type %s does not match pipeline %s type %s",
			role, rv.Type().Elem(), kind, elem))
	}
	return nil
}

// checkEndpoints validates the source and sink channels against the
// pipeline's input and output element types.
func (p *StreamPipeline) checkEndpoints(source, sink interface{}) error {
	if err := checkRunChannel("source", "readable", "input", source, reflect.RecvDir, p.headType); err != nil {
		return err
	}
	return checkRunChannel("sink", "writable", "output", sink, reflect.SendDir, p.tailType)
}

// newChannelSourceNode bridges a caller-owned channel into the graph. Values
// are forwarded until the channel closes or the context is cancelled.
func newChannelSourceNode(name string, elemType reflect.Type, src reflect.Value) *NodeSpec {
	runner := func(ctx context.Context, _ *pipelineConfig, _, out []interface{}) error {
		outVal := reflect.ValueOf(out[0])
		defer outVal.Close()

		done := reflect.ValueOf(ctx.Done())
		recvCases := []reflect.SelectCase{
			{Dir: reflect.SelectRecv, Chan: done},
			{Dir: reflect.SelectRecv, Chan: src},
		}
		for {
			chosen, value, ok := reflect.Select(recvCases)
			if chosen == 0 {
				return ctx.Err()
			}
			if !ok {
				return nil
			}
			sendCases := []reflect.SelectCase{
				{Dir: reflect.SelectRecv, Chan: done},
				{Dir: reflect.SelectSend, Chan: outVal, Send: value},
			}
			if sent, _, _ := reflect.Select(sendCases); sent == 0 {
				return ctx.Err()
			}
		}
	}

	return &NodeSpec{
		name:     name,
		outPorts: []Port{{Name: DefaultOutPort, Type: elemType}},
		run:      runner,
	}
}

// newChannelSinkNode bridges the graph's final channel to a caller-owned sink
// channel. The sink is closed when the pipeline's output drains, so consumers
// can simply range over it.
func newChannelSinkNode(name string, elemType reflect.Type, sink reflect.Value) *NodeSpec {
	runner := func(ctx context.Context, _ *pipelineConfig, in, _ []interface{}) error {
		defer sink.Close()

		inVal := reflect.ValueOf(in[0])
		done := reflect.ValueOf(ctx.Done())
		recvCases := []reflect.SelectCase{
			{Dir: reflect.SelectRecv, Chan: done},
			{Dir: reflect.SelectRecv, Chan: inVal},
		}
		for {
			chosen, value, ok := reflect.Select(recvCases)
			if chosen == 0 {
				return ctx.Err()
			}
			if !ok {
				return nil
			}
			sendCases := []reflect.SelectCase{
				{Dir: reflect.SelectRecv, Chan: done},
				{Dir: reflect.SelectSend, Chan: sink, Send: value},
			}
			if sent, _, _ := reflect.Select(sendCases); sent == 0 {
				return ctx.Err()
			}
		}
	}

	return &NodeSpec{
		name:    name,
		inPorts: []Port{{Name: DefaultInPort, Type: elemType}},
		run:     runner,
	}
}

// Reserved node names used for the channel bridges of a linear run.
const (
	sourceNodeName = "_source"
	sinkNodeName   = "_sink"
)

// Start begins execution, reading items from source and writing results to
// sink. The source must be a readable channel of the pipeline's input type;
// the sink must be a writable channel of the output type. The pipeline closes
// the sink once all items have been processed.
//
// Start is non-blocking. Use Wait to block until the source is exhausted and
// all results are delivered, and Stop for a graceful shutdown.
// The stage names "_source" and "_sink" are reserved for the channel bridges.
// Returns ErrPipelineAlreadyStarted when already running.
func (p *StreamPipeline) Start(ctx context.Context, source, sink interface{}) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	if p.started.Load() {
		return ErrPipelineAlreadyStarted
	}
	if err := p.checkEndpoints(source, sink); err != nil {
		return err
	}

	graph := &GraphPipeline{
		cfg:   p.cfg,
		nodes: make(map[string]*NodeSpec),
	}

	prev := graph.AddNode(newChannelSourceNode(sourceNodeName, p.headType, reflect.ValueOf(source)))
	for _, spec := range p.specs {
		handle := graph.AddNode(spec)
		if err := graph.AddEdge(prev.Point(), handle.Point(), p.edgeOpts[spec.name]...); err != nil {
			return err
		}
		prev = handle
	}
	sinkHandle := graph.AddNode(newChannelSinkNode(sinkNodeName, p.tailType, reflect.ValueOf(sink)))
	if err := graph.AddEdge(prev.Point(), sinkHandle.Point()); err != nil {
		return err
	}

	if err := graph.Start(ctx); err != nil {
		return err
	}

	p.graph = graph
	p.started.Store(true)
	return nil
}

// Wait blocks until the pipeline completes and returns its first error, if
// any. Returns ErrPipelineNotStarted before the first Start.
func (p *StreamPipeline) Wait() error {
	p.startMu.Lock()
	graph := p.graph
	p.startMu.Unlock()

	if graph == nil {
		return ErrPipelineNotStarted
	}
	err := graph.Wait()
	p.started.Store(false)
	return err
}

// Stop gracefully shuts the pipeline down, honoring ctx as the shutdown
// deadline. Safe to call on a pipeline that never started or already stopped.
func (p *StreamPipeline) Stop(ctx context.Context) error {
	p.startMu.Lock()
	graph := p.graph
	p.startMu.Unlock()

	if graph == nil {
		return nil
	}
	err := graph.Stop(ctx)
	p.started.Store(false)
	return err
}

// Run executes a finalized pipeline synchronously from source to sink: Start,
// Wait, then Stop with a 15 second timeout so lifecycle hooks run even when
// the pipeline errored. Returns the first processing error, or the Start
// error if initialization failed.
func Run[I, O any](ctx context.Context, pipeline *StreamPipeline, source <-chan I, sink chan<- O) error {
	if pipeline == nil {
		return NewPipelineConfigurationError("pipeline cannot be nil")
	}

	if err := pipeline.Start(ctx, source, sink); err != nil {
		return fmt.Errorf("failed to start stream pipeline: %w", err)
	}

	runErr := pipeline.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if stopErr := pipeline.Stop(stopCtx); stopErr != nil {
		pipeline.cfg.logger.Printf("ERROR: Error stopping pipeline after run: %v", stopErr)
	}

	return runErr
}
