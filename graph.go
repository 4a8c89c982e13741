package streamwork

import (
	"context"
	"fmt"
	"reflect"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Port describes one typed endpoint of a graph node. The element type is
// recorded with reflection when the node is constructed and drives channel
// creation and edge type checking.
type Port struct {
	Name string
	Type reflect.Type
}

// DefaultInPort and DefaultOutPort are the port names given to single-input,
// single-output nodes.
const (
	DefaultInPort  = "in"
	DefaultOutPort = "out"
)

// NodeSpec is a graph node definition: a named set of typed ports plus a
// runner closure that executes the node's logic. The closure receives one
// channel per port as an untyped value and asserts it back to the concrete
// channel type internally, which lets the untyped graph runtime drive
// fully-typed stage code.
type NodeSpec struct {
	name     string
	inPorts  []Port
	outPorts []Port
	// run executes the node. Channel values in 'in' and 'out' align with
	// inPorts and outPorts respectively.
	run func(ctx context.Context, cfg *pipelineConfig, in, out []interface{}) error
	// original holds the user-provided stage for lifecycle interface checks.
	original interface{}
}

// Name returns the node's name.
func (n *NodeSpec) Name() string {
	return n.name
}

// InputPorts returns a copy of the node's input ports.
func (n *NodeSpec) InputPorts() []Port {
	return append([]Port(nil), n.inPorts...)
}

// OutputPorts returns a copy of the node's output ports.
func (n *NodeSpec) OutputPorts() []Port {
	return append([]Port(nil), n.outPorts...)
}

// validateNodeName panics on names the graph cannot address. The dot is
// reserved for port qualification in edge endpoint strings.
func validateNodeName(caller, name string) {
	if name == "" {
		panic(fmt.Sprintf("streamwork.%s: node name cannot be empty", caller))
	}
	if strings.Contains(name, ".") {
		panic(fmt.Sprintf("streamwork.%s: node name %q cannot contain '.'", caller, name))
	}
}

// typeOf returns the reflect.Type for a generic type parameter.
func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// recvChanOf asserts an untyped channel value to a readable channel of T.
func recvChanOf[T any](node string, raw interface{}) (<-chan T, error) {
	switch ch := raw.(type) {
	case <-chan T:
		return ch, nil
	case chan T:
		return ch, nil
	default:
		return nil, fmt.Errorf(
			"internal error: node %q received incompatible input channel type %T, expected chan %s",
			node, raw, typeOf[T]().Name(),
		)
	}
}

// sendChanOf asserts an untyped channel value to a writable channel of T.
func sendChanOf[T any](node string, raw interface{}) (chan<- T, error) {
	switch ch := raw.(type) {
	case chan<- T:
		return ch, nil
	case chan T:
		return ch, nil
	default:
		return nil, fmt.Errorf(
			"internal error: node %q received incompatible output channel type %T, expected chan %s",
			node, raw, typeOf[T]().Name(),
		)
	}
}

// NewNode creates a single-input, single-output graph node from a Stage.
// The stage is wrapped in a StreamAdapter at runtime, inheriting the
// pipeline's logger, concurrency, metrics collector, and tracer provider
// unless overridden by adapterOptions.
// Panics if the stage is nil or the name is invalid.
func NewNode[I, O any](name string, stage Stage[I, O], adapterOptions ...StreamAdapterOption[I, O]) *NodeSpec {
	validateNodeName("NewNode", name)
	if stage == nil {
		panic("streamwork.NewNode: stage cannot be nil")
	}

	runner := func(ctx context.Context, cfg *pipelineConfig, in, out []interface{}) error {
		typedIn, err := recvChanOf[I](name, in[0])
		if err != nil {
			return err
		}
		typedOut, err := sendChanOf[O](name, out[0])
		if err != nil {
			return err
		}

		options := []StreamAdapterOption[I, O]{
			WithAdapterName[I, O](name),
			WithAdapterLogger[I, O](cfg.logger),
			WithAdapterConcurrency[I, O](cfg.concurrency),
			WithAdapterMetrics[I, O](cfg.metricsCollector),
			WithAdapterTracerProvider[I, O](cfg.tracerProvider),
		}
		options = append(options, adapterOptions...)

		adapter := NewStreamAdapter(stage, options...)
		return adapter.ProcessStream(ctx, typedIn, typedOut)
	}

	return &NodeSpec{
		name:     name,
		inPorts:  []Port{{Name: DefaultInPort, Type: typeOf[I]()}},
		outPorts: []Port{{Name: DefaultOutPort, Type: typeOf[O]()}},
		run:      runner,
		original: stage,
	}
}

// NewStreamNode creates a single-input, single-output graph node from a
// StreamStage. The stage is used as-is: it is responsible for its own
// concurrency, item-level error handling, and for closing its output channel.
// Panics if the stage is nil or the name is invalid.
func NewStreamNode[I, O any](name string, stage StreamStage[I, O]) *NodeSpec {
	validateNodeName("NewStreamNode", name)
	if stage == nil {
		panic("streamwork.NewStreamNode: stage cannot be nil")
	}

	runner := func(ctx context.Context, _ *pipelineConfig, in, out []interface{}) error {
		typedIn, err := recvChanOf[I](name, in[0])
		if err != nil {
			return err
		}
		typedOut, err := sendChanOf[O](name, out[0])
		if err != nil {
			return err
		}
		return stage.ProcessStream(ctx, typedIn, typedOut)
	}

	return &NodeSpec{
		name:     name,
		inPorts:  []Port{{Name: DefaultInPort, Type: typeOf[I]()}},
		outPorts: []Port{{Name: DefaultOutPort, Type: typeOf[O]()}},
		run:      runner,
		original: stage,
	}
}

// NewExpandNode creates a graph node from an Expander. Each input item may
// produce zero or more output items, flattened onto the output in order.
// Panics if the expander is nil or the name is invalid.
func NewExpandNode[I, O any](name string, expander Expander[I, O], expandOptions ...ExpandAdapterOption[I, O]) *NodeSpec {
	validateNodeName("NewExpandNode", name)
	if expander == nil {
		panic("streamwork.NewExpandNode: expander cannot be nil")
	}

	runner := func(ctx context.Context, cfg *pipelineConfig, in, out []interface{}) error {
		typedIn, err := recvChanOf[I](name, in[0])
		if err != nil {
			return err
		}
		typedOut, err := sendChanOf[O](name, out[0])
		if err != nil {
			return err
		}

		options := []ExpandAdapterOption[I, O]{
			WithExpandName[I, O](name),
			WithExpandLogger[I, O](cfg.logger),
			WithExpandMetrics[I, O](cfg.metricsCollector),
			WithExpandTracerProvider[I, O](cfg.tracerProvider),
		}
		options = append(options, expandOptions...)

		adapter := NewExpandAdapter(expander, options...)
		return adapter.ProcessStream(ctx, typedIn, typedOut)
	}

	return &NodeSpec{
		name:     name,
		inPorts:  []Port{{Name: DefaultInPort, Type: typeOf[I]()}},
		outPorts: []Port{{Name: DefaultOutPort, Type: typeOf[O]()}},
		run:      runner,
		original: expander,
	}
}

// NewSourceNode creates a graph node that originates a stream from a
// SourceStage. The runtime closes the output channel after Emit returns.
// Panics if the source is nil or the name is invalid.
func NewSourceNode[O any](name string, source SourceStage[O]) *NodeSpec {
	validateNodeName("NewSourceNode", name)
	if source == nil {
		panic("streamwork.NewSourceNode: source cannot be nil")
	}

	runner := func(ctx context.Context, _ *pipelineConfig, _, out []interface{}) error {
		typedOut, err := sendChanOf[O](name, out[0])
		if err != nil {
			return err
		}
		// Close on behalf of the source so completion propagates exactly once.
		defer closeSendChan(typedOut, out[0])
		return source.Emit(ctx, typedOut)
	}

	return &NodeSpec{
		name:     name,
		outPorts: []Port{{Name: DefaultOutPort, Type: typeOf[O]()}},
		run:      runner,
		original: source,
	}
}

// closeSendChan closes the underlying channel. The runtime always hands nodes
// bidirectional channels, so the raw value is closeable even though the typed
// view is send-only.
func closeSendChan[T any](_ chan<- T, raw interface{}) {
	if ch, ok := raw.(chan T); ok {
		close(ch)
	}
}

// NewSinkNode creates a terminal graph node from a SinkStage.
// Panics if the sink is nil or the name is invalid.
func NewSinkNode[I any](name string, sink SinkStage[I]) *NodeSpec {
	validateNodeName("NewSinkNode", name)
	if sink == nil {
		panic("streamwork.NewSinkNode: sink cannot be nil")
	}

	runner := func(ctx context.Context, _ *pipelineConfig, in, _ []interface{}) error {
		typedIn, err := recvChanOf[I](name, in[0])
		if err != nil {
			return err
		}
		return sink.Consume(ctx, typedIn)
	}

	return &NodeSpec{
		name:     name,
		inPorts:  []Port{{Name: DefaultInPort, Type: typeOf[I]()}},
		run:      runner,
		original: sink,
	}
}

// NewMergeNode creates a fan-in node with numInputs input ports (named
// "in0".."inN-1") and one output port. Items from all inputs are interleaved
// in arrival order; the output closes when every input has closed.
// Panics if numInputs < 1 or the name is invalid.
func NewMergeNode[T any](name string, numInputs int) *NodeSpec {
	validateNodeName("NewMergeNode", name)
	if numInputs < 1 {
		panic("streamwork.NewMergeNode: numInputs must be at least 1")
	}

	inPorts := make([]Port, numInputs)
	for i := range inPorts {
		inPorts[i] = Port{Name: fmt.Sprintf("in%d", i), Type: typeOf[T]()}
	}

	runner := func(ctx context.Context, _ *pipelineConfig, in, out []interface{}) error {
		typedOut, err := sendChanOf[T](name, out[0])
		if err != nil {
			return err
		}
		defer closeSendChan(typedOut, out[0])

		g, gctx := errgroup.WithContext(ctx)
		for _, raw := range in {
			typedIn, err := recvChanOf[T](name, raw)
			if err != nil {
				return err
			}
			g.Go(func() error {
				for {
					select {
					case <-gctx.Done():
						return gctx.Err()
					case v, ok := <-typedIn:
						if !ok {
							return nil
						}
						select {
						case typedOut <- v:
						case <-gctx.Done():
							return gctx.Err()
						}
					}
				}
			})
		}
		return g.Wait()
	}

	return &NodeSpec{
		name:     name,
		inPorts:  inPorts,
		outPorts: []Port{{Name: DefaultOutPort, Type: typeOf[T]()}},
		run:      runner,
		original: nil,
	}
}

// routerSettings holds RouterOption state.
type routerSettings[T any] struct {
	errStrategy ErrorHandlingStrategy
	errChan     chan<- ProcessingError[T]
}

// RouterOption configures a router node.
type RouterOption[T any] func(*routerSettings[T])

// WithRouterErrorStrategy sets how route-function errors are handled.
// Default is SkipOnError (log and drop the item).
func WithRouterErrorStrategy[T any](strategy ErrorHandlingStrategy) RouterOption[T] {
	return func(rs *routerSettings[T]) {
		rs.errStrategy = strategy
	}
}

// WithRouterErrorChannel provides the error channel for SendToErrorChannel.
func WithRouterErrorChannel[T any](errChan chan<- ProcessingError[T]) RouterOption[T] {
	return func(rs *routerSettings[T]) {
		rs.errChan = errChan
	}
}

// NewRouterNode creates a content-based fan-out node with one input port and
// numOutputs output ports (named "out0".."outN-1"). For each item the route
// function selects exactly one output index. A route error is handled per the
// configured strategy; an out-of-range index is always fatal because it means
// the route function disagrees with the graph shape.
// Panics if route is nil, numOutputs < 1, or the name is invalid.
func NewRouterNode[T any](
	name string,
	numOutputs int,
	route func(ctx context.Context, item T) (int, error),
	options ...RouterOption[T],
) *NodeSpec {
	validateNodeName("NewRouterNode", name)
	if route == nil {
		panic("streamwork.NewRouterNode: route function cannot be nil")
	}
	if numOutputs < 1 {
		panic("streamwork.NewRouterNode: numOutputs must be at least 1")
	}

	settings := routerSettings[T]{errStrategy: SkipOnError}
	for _, option := range options {
		option(&settings)
	}
	if settings.errStrategy == SendToErrorChannel && settings.errChan == nil {
		panic("streamwork.NewRouterNode: WithRouterErrorChannel must be provided when using SendToErrorChannel strategy")
	}

	outPorts := make([]Port, numOutputs)
	for i := range outPorts {
		outPorts[i] = Port{Name: fmt.Sprintf("out%d", i), Type: typeOf[T]()}
	}

	runner := func(ctx context.Context, cfg *pipelineConfig, in, out []interface{}) error {
		typedIn, err := recvChanOf[T](name, in[0])
		if err != nil {
			return err
		}
		typedOuts := make([]chan<- T, len(out))
		for i, raw := range out {
			typedOuts[i], err = sendChanOf[T](name, raw)
			if err != nil {
				return err
			}
		}
		defer func() {
			for i, ch := range typedOuts {
				closeSendChan(ch, out[i])
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case item, ok := <-typedIn:
				if !ok {
					return nil
				}
				idx, routeErr := route(ctx, item)
				if routeErr != nil {
					switch settings.errStrategy {
					case StopOnError:
						cfg.logger.Printf("ERROR: router %q stopping due to error: %v", name, routeErr)
						return routeErr
					case SendToErrorChannel:
						select {
						case settings.errChan <- ProcessingError[T]{Item: item, Error: routeErr}:
						case <-ctx.Done():
							return ctx.Err()
						}
					default:
						cfg.logger.Printf("WARN: router %q dropping item due to error: %v", name, routeErr)
					}
					continue
				}
				if idx < 0 || idx >= len(typedOuts) {
					return NewGraphError("route", name, fmt.Sprintf("out%d", idx),
						fmt.Errorf("route index %d out of range [0,%d)", idx, len(typedOuts)))
				}
				select {
				case typedOuts[idx] <- item:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}

	return &NodeSpec{
		name:     name,
		inPorts:  []Port{{Name: DefaultInPort, Type: typeOf[T]()}},
		outPorts: outPorts,
		run:      runner,
		original: nil,
	}
}

// EdgePoint addresses one side of a graph edge: a node plus an optional port
// name. An empty port means the node's default port for that side, which is
// only unambiguous when the node has exactly one port on that side.
type EdgePoint struct {
	node string
	port string
}

// String renders the endpoint in "node.port" form.
func (e EdgePoint) String() string {
	if e.port == "" {
		return e.node
	}
	return e.node + "." + e.port
}

// ParseEdgePoint parses "node" or "node.port" into an EdgePoint. Everything
// after the first dot is the port name.
func ParseEdgePoint(s string) EdgePoint {
	if i := strings.Index(s, "."); i >= 0 {
		return EdgePoint{node: s[:i], port: s[i+1:]}
	}
	return EdgePoint{node: s}
}

// NodeHandle refers to a node registered in a GraphPipeline and builds
// EdgePoints for wiring it.
type NodeHandle struct {
	name string
}

// Name returns the node name the handle refers to.
func (h *NodeHandle) Name() string {
	return h.name
}

// Point returns an EdgePoint addressing the node's default port.
func (h *NodeHandle) Point() EdgePoint {
	return EdgePoint{node: h.name}
}

// Out returns an EdgePoint addressing a named output port.
func (h *NodeHandle) Out(port string) EdgePoint {
	return EdgePoint{node: h.name, port: port}
}

// In returns an EdgePoint addressing a named input port.
func (h *NodeHandle) In(port string) EdgePoint {
	return EdgePoint{node: h.name, port: port}
}
