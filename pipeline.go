package streamwork

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Pipeline runs a single stage with lifecycle gating: Process refuses items
// until Start has run, and Stop releases whatever the stage holds. It suits
// on-demand, item-at-a-time work; continuous streams belong in GraphPipeline
// or the linear StreamPipeline builder.
type Pipeline[I, O any] struct {
	inner   Stage[I, O]
	onError func(error) error
	mu      sync.Mutex
	running bool
}

// NewPipeline wraps stage in a single-stage pipeline.
func NewPipeline[I, O any](stage Stage[I, O]) *Pipeline[I, O] {
	return &Pipeline[I, O]{
		inner:   stage,
		onError: func(err error) error { return err },
	}
}

// WithErrorHandler installs a handler applied to any error the stage returns,
// so callers can wrap, log, or suppress it. A nil handler restores the
// pass-through default.
func (p *Pipeline[I, O]) WithErrorHandler(handler func(error) error) *Pipeline[I, O] {
	if handler == nil {
		handler = func(err error) error { return err }
	}
	p.onError = handler
	return p
}

// Process runs the stage on one input item. It returns ErrPipelineNotStarted
// before Start and surfaces context errors through the error handler.
func (p *Pipeline[I, O]) Process(ctx context.Context, input I) (O, error) {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()

	var zero O
	if !running {
		return zero, ErrPipelineNotStarted
	}
	if ctx.Err() != nil {
		return zero, p.onError(ctx.Err())
	}

	result, err := p.inner.Process(ctx, input)
	if err != nil {
		return zero, p.onError(err)
	}
	return result, nil
}

// Start marks the pipeline as running, invoking the stage's Start hook first
// when it implements Starter. A second Start without an intervening Stop
// returns ErrPipelineAlreadyStarted.
func (p *Pipeline[I, O]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrPipelineAlreadyStarted
	}
	if starter, ok := p.inner.(Starter); ok {
		if err := starter.Start(ctx); err != nil {
			return NewPipelineLifecycleError("Start", "stage start failed", err)
		}
	}
	p.running = true
	return nil
}

// Stop marks the pipeline as stopped, invoking the stage's Stop hook when it
// implements Stopper. Stopping an already stopped pipeline is a no-op. The
// pipeline counts as stopped even when the hook fails.
func (p *Pipeline[I, O]) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return nil
	}
	p.running = false

	if stopper, ok := p.inner.(Stopper); ok {
		if err := stopper.Stop(ctx); err != nil {
			return NewPipelineLifecycleError("Stop", "stage stop failed", err)
		}
	}
	return nil
}

// --- Pipeline Configuration ---

// pipelineConfig holds the options shared by GraphPipeline and the linear
// StreamPipeline builder. Stage adapters inherit these values as defaults.
type pipelineConfig struct {
	bufferSize       int
	logger           *log.Logger
	concurrency      int
	metricsCollector MetricsCollector
	pipelineName     string
	tracerProvider   TracerProvider
	tracer           trace.Tracer
}

func defaultPipelineConfig() *pipelineConfig {
	return &pipelineConfig{
		bufferSize:       0,
		logger:           log.New(io.Discard, "", 0),
		concurrency:      1,
		metricsCollector: nil,
		pipelineName:     "streamwork_pipeline",
		tracerProvider:   DefaultTracerProvider,
	}
}

// PipelineOption configures a GraphPipeline or a linear StreamPipeline builder.
type PipelineOption func(*pipelineConfig)

// WithPipelineName sets a descriptive name for the pipeline, used as a
// dimension in pipeline-level metrics and traces.
// Default: "streamwork_pipeline".
func WithPipelineName(name string) PipelineOption {
	return func(cfg *pipelineConfig) {
		if name != "" {
			cfg.pipelineName = name
		}
	}
}

// WithPipelineLogger sets a custom *log.Logger for pipeline lifecycle messages.
// It is also passed down as the default logger for stage adapters.
// If nil is provided, logging defaults to a logger that discards all output.
func WithPipelineLogger(logger *log.Logger) PipelineOption {
	return func(cfg *pipelineConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithPipelineBufferSize sets the default capacity of the channels created for
// graph edges.
//   - n > 0: buffered channels of size n.
//   - n <= 0: unbuffered channels.
//
// Buffering decouples stages and improves throughput at the cost of memory and
// per-item latency; an unbuffered edge gives the tightest backpressure.
// The default is 0, meaning unbuffered.
func WithPipelineBufferSize(n int) PipelineOption {
	return func(cfg *pipelineConfig) {
		if n < 0 {
			n = 0
		}
		cfg.bufferSize = n
	}
}

// WithPipelineConcurrency sets the default concurrency for stage adapters
// created by NewNode. Individual nodes can override it with
// WithAdapterConcurrency. Values below 1 are clamped to 1, the sequential
// default.
func WithPipelineConcurrency(n int) PipelineOption {
	return func(cfg *pipelineConfig) {
		if n < 1 {
			n = 1
		}
		cfg.concurrency = n
	}
}

// WithPipelineMetrics sets the MetricsCollector receiving pipeline-level
// metrics (PipelineStarted, PipelineCompleted). It is also the default
// collector for stage adapters.
// Default: nil (no-op collector).
func WithPipelineMetrics(collector MetricsCollector) PipelineOption {
	return func(cfg *pipelineConfig) {
		cfg.metricsCollector = collector
	}
}

// WithPipelineTracerProvider sets the OpenTelemetry TracerProvider used for
// the pipeline run span and, by default, for stage adapters.
// Default: the global provider.
func WithPipelineTracerProvider(provider TracerProvider) PipelineOption {
	return func(cfg *pipelineConfig) {
		if provider == nil {
			provider = DefaultTracerProvider
		}
		cfg.tracerProvider = provider
	}
}

// --- Graph Construction ---

// graphEdge is a validated connection between two resolved ports.
type graphEdge struct {
	from     EdgePoint
	to       EdgePoint
	elemType reflect.Type // element type of the destination port
	buffer   int          // -1 means pipeline default
	ch       reflect.Value
}

// EdgeOption configures a single graph edge.
type EdgeOption func(*graphEdge)

// WithEdgeBuffer overrides the pipeline's default channel capacity for this
// edge. Negative values mean unbuffered.
func WithEdgeBuffer(n int) EdgeOption {
	return func(e *graphEdge) {
		if n < 0 {
			n = 0
		}
		e.buffer = n
	}
}

// lifecycleEntry records the lifecycle hooks of one started node so shutdown
// can run them in reverse order.
type lifecycleEntry struct {
	name    string
	stopper Stopper
	closer  Closer
}

// runTelemetry carries the observability state of one pipeline run: the run
// span, the start instant, and the collector receiving pipeline-level
// metrics. metrics is nil when only the no-op collector is configured.
type runTelemetry struct {
	span    trace.Span
	began   time.Time
	name    string
	metrics MetricsCollector
}

// emitCompleted reports the run result to the metrics collector.
func (t *runTelemetry) emitCompleted(err error) {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.PipelineCompleted(context.Background(), t.name, time.Since(t.began), err)
}

// endSpan closes the run span with a status derived from err. A non-empty msg
// overrides the status description.
func (t *runTelemetry) endSpan(err error, msg string) {
	if t == nil || t.span == nil {
		return
	}
	if err != nil {
		t.span.RecordError(err)
		if msg == "" {
			msg = err.Error()
		}
		t.span.SetStatus(codes.Error, msg)
	} else {
		t.span.SetStatus(codes.Ok, "")
	}
	t.span.End()
}

// GraphPipeline is a runnable directed acyclic graph of stream processing
// nodes. Nodes are added with AddNode and wired port-to-port with AddEdge;
// Start validates the graph, connects every edge with a bounded channel, and
// launches one goroutine per node (plus fan-out broadcasters) under a shared
// error group.
//
// Execution semantics:
//   - Data flows only along edges; a bounded channel per edge provides
//     backpressure all the way to the sources.
//   - An output port with several outgoing edges broadcasts: the first edge
//     receives the original value, the rest receive independent copies (via a
//     Clone method when the value provides one).
//   - A node's outputs are closed when the node returns; completion propagates
//     downstream until every node has drained.
//   - A node returning a non-nil error cancels the shared context, unwinding
//     the whole graph; Wait returns that first error.
//
// Use Start/Wait/Stop for explicit control, or Run for the common
// start-then-wait case.
type GraphPipeline struct {
	cfg       *pipelineConfig
	nodes     map[string]*NodeSpec
	nodeOrder []string
	edges     []*graphEdge
	buildErrs []error
	topo      []string

	startMu   sync.Mutex
	stopOnce  sync.Once
	runGroup  *errgroup.Group
	runCtx    context.Context
	cancelFn  context.CancelFunc
	started   atomic.Bool
	lifecycle []lifecycleEntry
	telemetry *runTelemetry
}

// NewGraphPipeline creates an empty pipeline graph.
func NewGraphPipeline(opts ...PipelineOption) *GraphPipeline {
	cfg := defaultPipelineConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &GraphPipeline{
		cfg:   cfg,
		nodes: make(map[string]*NodeSpec),
	}
}

// AddNode registers a node and returns a handle for wiring edges to it.
// Registering a second node with an existing name is recorded as a build
// error and reported by Validate or Start; the duplicate is not inserted and
// the returned handle refers to the original node.
// Panics if node is nil.
func (p *GraphPipeline) AddNode(node *NodeSpec) *NodeHandle {
	if node == nil {
		panic("streamwork.GraphPipeline.AddNode: node cannot be nil")
	}
	if _, exists := p.nodes[node.name]; exists {
		p.buildErrs = append(p.buildErrs,
			NewGraphError("add_node", node.name, "", ErrDuplicateStage))
		return &NodeHandle{name: node.name}
	}
	p.nodes[node.name] = node
	p.nodeOrder = append(p.nodeOrder, node.name)
	return &NodeHandle{name: node.name}
}

// resolvePort resolves an EdgePoint against a node's input or output ports.
// An empty port name selects the node's only port on that side.
func (p *GraphPipeline) resolvePort(point EdgePoint, input bool) (EdgePoint, Port, error) {
	op := "add_edge"
	node, ok := p.nodes[point.node]
	if !ok {
		return point, Port{}, NewGraphError(op, point.node, point.port, ErrStageNotFound)
	}
	ports := node.outPorts
	if input {
		ports = node.inPorts
	}
	if point.port == "" {
		switch len(ports) {
		case 0:
			return point, Port{}, NewGraphError(op, point.node, "", ErrPortNotFound)
		case 1:
			return EdgePoint{node: point.node, port: ports[0].Name}, ports[0], nil
		default:
			return point, Port{}, NewGraphError(op, point.node, "", ErrPortAmbiguous)
		}
	}
	for _, port := range ports {
		if port.Name == point.port {
			return point, port, nil
		}
	}
	return point, Port{}, NewGraphError(op, point.node, point.port, ErrPortNotFound)
}

// AddEdge connects an output port to an input port. Port defaulting, port
// existence, single-writer input ports, and element type compatibility are
// all checked here; a returned error means the edge was not added.
//
// The source element type must be identical to, or assignable to, the
// destination element type. An input port accepts at most one incoming edge;
// an output port may feed any number of edges (fan-out broadcasts).
func (p *GraphPipeline) AddEdge(from, to EdgePoint, opts ...EdgeOption) error {
	resolvedFrom, fromPort, err := p.resolvePort(from, false)
	if err != nil {
		return err
	}
	resolvedTo, toPort, err := p.resolvePort(to, true)
	if err != nil {
		return err
	}

	for _, e := range p.edges {
		if e.to == resolvedTo {
			return NewGraphError("add_edge", resolvedTo.node, resolvedTo.port, ErrPortAlreadyBound)
		}
	}

	if fromPort.Type != toPort.Type && !fromPort.Type.AssignableTo(toPort.Type) {
		return NewGraphError("add_edge", resolvedTo.node, resolvedTo.port,
			fmt.Errorf("%w: %s output %s is not assignable to %s input %s",
				ErrPortTypeMismatch, resolvedFrom, fromPort.Type, resolvedTo, toPort.Type))
	}

	edge := &graphEdge{
		from:     resolvedFrom,
		to:       resolvedTo,
		elemType: toPort.Type,
		buffer:   -1,
	}
	for _, opt := range opts {
		opt(edge)
	}
	p.edges = append(p.edges, edge)
	return nil
}

// Connect is a string convenience for AddEdge: endpoints are given as "node"
// or "node.port".
func (p *GraphPipeline) Connect(from, to string, opts ...EdgeOption) error {
	return p.AddEdge(ParseEdgePoint(from), ParseEdgePoint(to), opts...)
}

// Node returns the registered node spec with the given name.
func (p *GraphPipeline) Node(name string) (*NodeSpec, bool) {
	node, ok := p.nodes[name]
	return node, ok
}

// Logger returns the pipeline's configured logger. Stages that log outside
// the adapter path, such as module-internal stages, inherit it at build time.
func (p *GraphPipeline) Logger() *log.Logger {
	return p.cfg.logger
}

// Metrics returns the pipeline's configured metrics collector.
func (p *GraphPipeline) Metrics() MetricsCollector {
	return p.cfg.metricsCollector
}

// edgesFrom returns the edges leaving a specific output port, in insertion
// order.
func (p *GraphPipeline) edgesFrom(node, port string) []*graphEdge {
	var out []*graphEdge
	for _, e := range p.edges {
		if e.from.node == node && e.from.port == port {
			out = append(out, e)
		}
	}
	return out
}

// edgeInto returns the edge bound to a specific input port, or nil.
func (p *GraphPipeline) edgeInto(node, port string) *graphEdge {
	for _, e := range p.edges {
		if e.to.node == node && e.to.port == port {
			return e
		}
	}
	return nil
}

// Validate checks the whole graph and returns every problem found, joined
// into a single error: build errors recorded by AddNode, unbound input ports,
// dangling output ports, and cycles. A nil return means the graph is runnable.
// Validate also fixes the topological launch order used by Start.
func (p *GraphPipeline) Validate() error {
	errs := append([]error(nil), p.buildErrs...)

	if len(p.nodes) == 0 {
		errs = append(errs, ErrEmptyPipeline)
		return errors.Join(errs...)
	}

	// Every input port needs exactly one writer, every output port at least
	// one reader. A value sent on an unread port would block its node forever.
	for _, name := range p.nodeOrder {
		node := p.nodes[name]
		for _, port := range node.inPorts {
			if p.edgeInto(name, port.Name) == nil {
				errs = append(errs, NewGraphError("validate", name, port.Name, ErrUnboundInputPort))
			}
		}
		for _, port := range node.outPorts {
			if len(p.edgesFrom(name, port.Name)) == 0 {
				errs = append(errs, NewGraphError("validate", name, port.Name, ErrOrphanStage))
			}
		}
	}

	// Kahn's algorithm: a leftover node is part of a cycle.
	inDegree := make(map[string]int, len(p.nodes))
	for _, name := range p.nodeOrder {
		inDegree[name] = 0
	}
	for _, e := range p.edges {
		inDegree[e.to.node]++
	}
	queue := make([]string, 0, len(p.nodes))
	for _, name := range p.nodeOrder {
		if inDegree[name] == 0 {
			queue = append(queue, name)
		}
	}
	topo := make([]string, 0, len(p.nodes))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		topo = append(topo, name)
		for _, e := range p.edges {
			if e.from.node != name {
				continue
			}
			inDegree[e.to.node]--
			if inDegree[e.to.node] == 0 {
				queue = append(queue, e.to.node)
			}
		}
	}
	if len(topo) != len(p.nodes) {
		for _, name := range p.nodeOrder {
			if inDegree[name] > 0 {
				errs = append(errs, NewGraphError("validate", name, "", ErrCycleDetected))
			}
		}
	}
	p.topo = topo

	return errors.Join(errs...)
}

// beginTelemetry opens the run span, records the start instant, and emits the
// started metric. The returned context carries the run span.
func (p *GraphPipeline) beginTelemetry(ctx context.Context) (context.Context, *runTelemetry) {
	if p.cfg.tracerProvider == nil {
		p.cfg.tracerProvider = DefaultTracerProvider
	}
	name := p.cfg.pipelineName
	if p.cfg.tracer == nil {
		p.cfg.tracer = p.cfg.tracerProvider.Tracer(fmt.Sprintf("streamwork/pipeline/%s", name))
	}

	runCtx, span := p.cfg.tracer.Start(ctx, fmt.Sprintf("%s.Run", name),
		trace.WithAttributes(
			attribute.String("streamwork.pipeline.name", name),
			attribute.Int("streamwork.pipeline.stages", len(p.nodes)),
			attribute.Int("streamwork.pipeline.edges", len(p.edges)),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)

	tel := &runTelemetry{span: span, began: time.Now(), name: name}
	if collector := p.cfg.metricsCollector; collector != nil && collector != DefaultMetricsCollector {
		tel.metrics = collector
		collector.PipelineStarted(runCtx, name)
	}
	return runCtx, tel
}

// initRun creates the cancellable run context and the error group every node
// goroutine joins. Returns the group's context.
func (p *GraphPipeline) initRun(runCtx context.Context) context.Context {
	p.runCtx, p.cancelFn = context.WithCancel(runCtx)
	group, gctx := errgroup.WithContext(p.runCtx)
	p.runGroup = group
	return gctx
}

// abortStart unwinds a failed Start: cancel the run context, tear down the
// stages that already came up, and finalize telemetry.
func (p *GraphPipeline) abortStart(ctx context.Context, err error) error {
	if p.cancelFn != nil {
		p.cancelFn()
	}
	_ = p.teardownLifecycle(ctx)

	p.telemetry.emitCompleted(err)
	p.telemetry.endSpan(err, "failed to start pipeline stages")
	p.telemetry = nil

	return NewPipelineLifecycleError("Start", "stage initialization failed", err)
}

// setupStages runs Setup (Initializer) and Start (Starter) hooks for every
// node in topological order. On failure it tears down the stages that already
// started, in reverse order, and finalizes telemetry via abortStart.
func (p *GraphPipeline) setupStages(ctx, gctx context.Context) error {
	p.cfg.logger.Printf("DEBUG: Starting lifecycle stages for pipeline '%s'...", p.cfg.pipelineName)
	for _, name := range p.topo {
		orig := p.nodes[name].original
		if orig == nil {
			continue
		}
		entry := lifecycleEntry{name: name}
		if closer, ok := orig.(Closer); ok {
			entry.closer = closer
		}

		if init, ok := orig.(Initializer); ok {
			if err := init.Setup(gctx); err != nil {
				p.cfg.logger.Printf("ERROR: Failed to set up stage %q: %v. Attempting cleanup...", name, err)
				return p.abortStart(ctx, fmt.Errorf("failed to set up stage %q: %w", name, err))
			}
		}
		if starter, ok := orig.(Starter); ok {
			if err := starter.Start(gctx); err != nil {
				p.cfg.logger.Printf("ERROR: Failed to start stage %q: %v. Attempting cleanup...", name, err)
				// The stage was set up, so its Closer still needs to run.
				if entry.closer != nil {
					p.lifecycle = append(p.lifecycle, entry)
				}
				return p.abortStart(ctx, fmt.Errorf("failed to start stage %q: %w", name, err))
			}
		}
		entry.stopper, _ = orig.(Stopper)

		if entry.stopper != nil || entry.closer != nil {
			p.lifecycle = append(p.lifecycle, entry)
		}
	}
	p.cfg.logger.Printf("DEBUG: Lifecycle stages started successfully for pipeline '%s'.", p.cfg.pipelineName)
	return nil
}

// teardownLifecycle calls Stop and Close hooks in reverse start order,
// collecting every failure.
func (p *GraphPipeline) teardownLifecycle(ctx context.Context) error {
	var multiErr *MultiError
	record := func(err error) {
		if multiErr == nil {
			multiErr = &MultiError{Errors: make([]error, 0)}
		}
		multiErr.Add(err)
	}
	for i := len(p.lifecycle) - 1; i >= 0; i-- {
		entry := p.lifecycle[i]
		if entry.stopper != nil {
			if err := entry.stopper.Stop(ctx); err != nil {
				p.cfg.logger.Printf("ERROR: Failed to stop stage %q: %v", entry.name, err)
				record(fmt.Errorf("failed to stop stage %q: %w", entry.name, err))
			}
		}
		if entry.closer != nil {
			if err := entry.closer.Close(ctx); err != nil {
				p.cfg.logger.Printf("ERROR: Failed to close stage %q: %v", entry.name, err)
				record(fmt.Errorf("failed to close stage %q: %w", entry.name, err))
			}
		}
	}
	p.lifecycle = nil
	if multiErr != nil && multiErr.HasErrors() {
		return multiErr
	}
	return nil
}

// cloneForBroadcast returns an independent copy of a received value for a
// broadcast subscriber. Values exposing a compatible Clone method are cloned;
// everything else is delivered as a plain value copy.
func cloneForBroadcast(v reflect.Value, elemType reflect.Type) reflect.Value {
	concrete := v
	if concrete.Kind() == reflect.Interface && !concrete.IsNil() {
		concrete = concrete.Elem()
	}
	if !concrete.IsValid() {
		return v
	}
	method := concrete.MethodByName("Clone")
	if method.IsValid() && method.Type().NumIn() == 0 && method.Type().NumOut() == 1 &&
		method.Type().Out(0).AssignableTo(elemType) {
		return method.Call(nil)[0]
	}
	return v
}

// runBroadcaster fans one output port channel out to several edge channels.
// The first edge receives the original value; later edges receive clones so
// branches never share mutable state. All edge channels close when the port
// channel closes.
func runBroadcaster(gctx context.Context, src reflect.Value, edges []*graphEdge) error {
	defer func() {
		for _, e := range edges {
			e.ch.Close()
		}
	}()

	done := reflect.ValueOf(gctx.Done())
	recvCases := []reflect.SelectCase{
		{Dir: reflect.SelectRecv, Chan: done},
		{Dir: reflect.SelectRecv, Chan: src},
	}
	for {
		chosen, value, ok := reflect.Select(recvCases)
		if chosen == 0 {
			return gctx.Err()
		}
		if !ok {
			return nil
		}
		for i, e := range edges {
			out := value
			if i > 0 {
				out = cloneForBroadcast(value, e.elemType)
			}
			sendCases := []reflect.SelectCase{
				{Dir: reflect.SelectRecv, Chan: done},
				{Dir: reflect.SelectSend, Chan: e.ch, Send: out},
			}
			if sent, _, _ := reflect.Select(sendCases); sent == 0 {
				return gctx.Err()
			}
		}
	}
}

// wireChannels creates one channel per edge and per fan-out port, launches
// broadcaster goroutines where needed, and returns the channel values each
// node's runner will receive, aligned with its port declarations.
func (p *GraphPipeline) wireChannels(gctx context.Context) (map[string][]interface{}, map[string][]interface{}) {
	bufOf := func(e *graphEdge) int {
		if e.buffer >= 0 {
			return e.buffer
		}
		return p.cfg.bufferSize
	}

	inChans := make(map[string][]interface{}, len(p.nodes))
	outChans := make(map[string][]interface{}, len(p.nodes))

	for _, name := range p.nodeOrder {
		node := p.nodes[name]
		outVals := make([]interface{}, len(node.outPorts))
		for i, port := range node.outPorts {
			edges := p.edgesFrom(name, port.Name)
			if len(edges) == 1 && edges[0].elemType == port.Type {
				// Direct connection: the edge channel doubles as the port channel.
				e := edges[0]
				e.ch = reflect.MakeChan(reflect.ChanOf(reflect.BothDir, e.elemType), bufOf(e))
				outVals[i] = e.ch.Interface()
				continue
			}
			// Fan-out or element type adaptation: give the node its own port
			// channel and forward through a broadcaster.
			portCh := reflect.MakeChan(reflect.ChanOf(reflect.BothDir, port.Type), p.cfg.bufferSize)
			for _, e := range edges {
				e.ch = reflect.MakeChan(reflect.ChanOf(reflect.BothDir, e.elemType), bufOf(e))
			}
			outVals[i] = portCh.Interface()
			boundEdges := edges
			p.runGroup.Go(func() error {
				return runBroadcaster(gctx, portCh, boundEdges)
			})
		}
		outChans[name] = outVals
	}

	for _, name := range p.nodeOrder {
		node := p.nodes[name]
		inVals := make([]interface{}, len(node.inPorts))
		for i, port := range node.inPorts {
			if e := p.edgeInto(name, port.Name); e != nil {
				inVals[i] = e.ch.Interface()
			}
		}
		inChans[name] = inVals
	}

	return inChans, outChans
}

// launchNodes starts one goroutine per node in topological order, wrapping
// each in a trace span and a StageError on failure.
func (p *GraphPipeline) launchNodes(gctx context.Context, inChans, outChans map[string][]interface{}) {
	p.cfg.logger.Printf("DEBUG: Launching node goroutines for pipeline '%s'...", p.cfg.pipelineName)
	for i, name := range p.topo {
		node := p.nodes[name]
		nodeIndex := i
		ins := inChans[name]
		outs := outChans[name]

		p.runGroup.Go(func() error {
			stageCtx := gctx
			var stageSpan trace.Span
			if p.cfg.tracer != nil {
				stageStartTime := time.Now()
				stageCtx, stageSpan = p.cfg.tracer.Start(gctx,
					fmt.Sprintf("Node[%d]:%s", nodeIndex, node.name),
					trace.WithAttributes(
						attribute.String("streamwork.pipeline.stage.name", node.name),
						attribute.Int("streamwork.pipeline.stage.index", nodeIndex),
					),
					trace.WithSpanKind(trace.SpanKindInternal),
				)
				defer func() {
					stageSpan.SetAttributes(
						attribute.Int64("streamwork.pipeline.stage.duration_ms",
							time.Since(stageStartTime).Milliseconds()),
					)
					stageSpan.End()
				}()
			}

			p.cfg.logger.Printf("DEBUG: Starting node %d (%s)", nodeIndex, node.name)
			err := node.run(stageCtx, p.cfg, ins, outs)
			if err != nil {
				p.cfg.logger.Printf("ERROR: Node %d (%s) failed: %v", nodeIndex, node.name, err)
				if stageSpan != nil {
					stageSpan.RecordError(err)
					stageSpan.SetStatus(codes.Error, err.Error())
				}
				return NewStageError(node.name, nodeIndex, err)
			}

			p.cfg.logger.Printf("DEBUG: Node %d (%s) finished successfully.", nodeIndex, node.name)
			if stageSpan != nil {
				stageSpan.SetStatus(codes.Ok, "")
			}
			return nil
		})
	}
}

// Start validates the graph and begins execution. It performs:
//  1. Graph validation (build errors, unbound ports, cycles), all problems
//     joined into one error.
//  2. Telemetry setup (run span, start metrics).
//  3. Setup/Start lifecycle hooks in topological order.
//  4. Channel construction and broadcaster launch.
//  5. One goroutine per node under the pipeline's error group.
//
// Start is non-blocking; use Wait to block until completion and Stop for
// graceful shutdown. Returns ErrPipelineAlreadyStarted if already running.
func (p *GraphPipeline) Start(ctx context.Context) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	if p.started.Load() {
		return ErrPipelineAlreadyStarted
	}

	if err := p.Validate(); err != nil {
		return err
	}

	runCtx, tel := p.beginTelemetry(ctx)
	p.telemetry = tel
	gctx := p.initRun(runCtx)

	if err := p.setupStages(ctx, gctx); err != nil {
		return err
	}

	inChans, outChans := p.wireChannels(gctx)
	p.launchNodes(gctx, inChans, outChans)

	p.started.Store(true)
	p.cfg.logger.Printf("INFO: Pipeline '%s' is running.", p.cfg.pipelineName)
	return nil
}

// Wait blocks until the pipeline finishes: every source has drained, every
// node goroutine has returned, or a node failed. It returns the first error
// encountered, or nil on clean completion.
//
// Wait finalizes pipeline-level metrics and the run span exactly once,
// coordinating with Stop, and runs Stop/Close lifecycle hooks when the
// pipeline completed naturally.
//
// Returns ErrPipelineNotStarted if called before Start.
func (p *GraphPipeline) Wait() (runErr error) {
	p.startMu.Lock()
	if !p.started.Load() {
		p.startMu.Unlock()
		return ErrPipelineNotStarted
	}
	runGroup := p.runGroup
	tel := p.telemetry
	p.startMu.Unlock()

	if runGroup == nil {
		return NewPipelineLifecycleError("Wait", "internal error: runGroup is nil", nil)
	}

	p.cfg.logger.Printf("INFO: Pipeline '%s' awaiting completion...", p.cfg.pipelineName)
	runErr = runGroup.Wait()
	p.cfg.logger.Printf("INFO: Pipeline '%s' run complete. Result error: %v", p.cfg.pipelineName, runErr)

	p.stopOnce.Do(func() {
		p.startMu.Lock()
		p.started.Store(false)
		p.startMu.Unlock()

		p.cfg.logger.Printf("DEBUG: Finalizing metrics and trace span in Wait for pipeline '%s'.", p.cfg.pipelineName)
		tel.emitCompleted(runErr)
		tel.endSpan(runErr, "")

		// The pipeline finished naturally, so run shutdown hooks here.
		_ = p.teardownLifecycle(context.Background())

		if p.cancelFn != nil {
			p.cancelFn()
		}
	})

	return runErr
}

// Stop initiates a graceful shutdown of a running pipeline: it cancels the
// run context, waits for node goroutines to exit (respecting ctx's deadline),
// runs Stop/Close lifecycle hooks in reverse order, and finalizes metrics and
// tracing if Wait has not already done so.
//
// Stop is safe to call multiple times and concurrently with Wait. Errors from
// the run itself are reported by Wait, not Stop.
func (p *GraphPipeline) Stop(ctx context.Context) (stopErr error) {
	p.startMu.Lock()
	if !p.started.Load() {
		p.startMu.Unlock()
		p.cfg.logger.Printf("DEBUG: Stop called on already stopped or never started pipeline '%s'.", p.cfg.pipelineName)
		return nil
	}
	cancelFn := p.cancelFn
	runGroup := p.runGroup
	tel := p.telemetry
	p.startMu.Unlock()

	p.cfg.logger.Printf("INFO: Shutting down pipeline '%s'...", p.cfg.pipelineName)

	p.stopOnce.Do(func() {
		p.startMu.Lock()
		p.started.Store(false)
		p.startMu.Unlock()

		// 1. Cancel the context for running goroutines.
		if cancelFn != nil {
			cancelFn()
		}

		// 2. Wait for the errgroup to finish, respecting the Stop context.
		waitDone := make(chan error, 1)
		go func() {
			if runGroup != nil {
				waitDone <- runGroup.Wait()
			} else {
				waitDone <- errors.New("internal error: runGroup is nil during Stop")
			}
			close(waitDone)
		}()

		var groupWaitErr error
		select {
		case err := <-waitDone:
			groupWaitErr = err
		case <-ctx.Done():
			stopErr = NewPipelineLifecycleError("Stop", "shutdown timed out or cancelled", ctx.Err())
			p.cfg.logger.Printf("WARN: Pipeline stop timed out/cancelled for '%s': %v", p.cfg.pipelineName, ctx.Err())
			// Don't return yet; lifecycle hooks still need to run.
		}

		// 3. Run Stop/Close hooks in reverse start order.
		if hookErr := p.teardownLifecycle(ctx); hookErr != nil {
			p.cfg.logger.Printf("ERROR: Error stopping stages for pipeline '%s': %v", p.cfg.pipelineName, hookErr)
			if stopErr == nil {
				stopErr = NewPipelineLifecycleError("Stop", "failed to stop stages", hookErr)
			}
		}

		// 4. Finalize metrics and tracing (if not already done by Wait).
		tel.emitCompleted(groupWaitErr)
		switch {
		case groupWaitErr != nil:
			tel.endSpan(groupWaitErr, "")
		case stopErr != nil:
			tel.endSpan(stopErr, fmt.Sprintf("pipeline stopped with error: %s", stopErr.Error()))
		default:
			tel.endSpan(nil, "")
		}
		p.cfg.logger.Printf("INFO: Pipeline '%s' stop sequence complete. Final error: %v", p.cfg.pipelineName, stopErr)
	})

	return stopErr
}

// Run executes the pipeline synchronously: Start, Wait, then a final Stop
// with its own timeout so cleanup happens even when the run errored.
// Returns the Start error if initialization fails, otherwise the Wait result.
func (p *GraphPipeline) Run(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		_ = p.Stop(context.Background())
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	runErr := p.Wait()

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelStop()
	if stopErr := p.Stop(stopCtx); stopErr != nil {
		p.cfg.logger.Printf("ERROR: Error during pipeline stop after run: %v", stopErr)
	}

	return runErr
}

// HealthStatus polls every node implementing HealthCheckable and joins the
// failures. A nil return means every checkable stage reported healthy.
func (p *GraphPipeline) HealthStatus(ctx context.Context) error {
	var errs []error
	for _, name := range p.nodeOrder {
		if hc, ok := p.nodes[name].original.(HealthCheckable); ok {
			if err := hc.HealthStatus(ctx); err != nil {
				errs = append(errs, fmt.Errorf("stage %q unhealthy: %w", name, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Reset re-arms a completed pipeline for another Start and calls Reset on
// every node implementing Resettable. Returns an error if the pipeline is
// currently running.
func (p *GraphPipeline) Reset(ctx context.Context) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	if p.started.Load() {
		return NewPipelineLifecycleError("Reset", "pipeline is running", nil)
	}

	var errs []error
	for _, name := range p.nodeOrder {
		if r, ok := p.nodes[name].original.(Resettable); ok {
			if err := r.Reset(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to reset stage %q: %w", name, err))
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	p.stopOnce = sync.Once{}
	p.runGroup = nil
	p.runCtx = nil
	p.cancelFn = nil
	p.telemetry = nil
	p.lifecycle = nil
	for _, e := range p.edges {
		e.ch = reflect.Value{}
	}
	return nil
}
