package streamwork

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// configValidate is the shared validator for configuration structs.
var configValidate = validator.New()

const (
	// PipelineDocumentVersion is the document version this engine parses.
	// Documents declare their version so that incompatible future layouts
	// fail fast instead of half-loading.
	PipelineDocumentVersion = "1.0"
)

// TracingType selects the tracing backend for a pipeline.
// Possible values are "otlp", "zipkin", "jaeger" or "noop".
type TracingType string

const (
	// TracingTypeNoop disables span export.
	TracingTypeNoop TracingType = "noop"
	// TracingTypeZipkin exports spans to a Zipkin collector.
	TracingTypeZipkin TracingType = "zipkin"
	// TracingTypeJaeger exports spans to Jaeger via its OTLP ingestion path.
	TracingTypeJaeger TracingType = "jaeger"
	// TracingTypeOTLP exports spans over OTLP gRPC.
	TracingTypeOTLP TracingType = "otlp"
)

// PipelineTracingConfig holds the configuration for tracing in a pipeline.
type PipelineTracingConfig struct {
	Enabled  bool        `yaml:"enabled"`  // Whether tracing is enabled for the pipeline
	Type     TracingType `yaml:"type"`     // Tracing backend to use
	Endpoint string      `yaml:"endpoint"` // Endpoint of the collector (e.g. localhost:4317 for OTLP)
}

// MetricsType selects the metrics backend for a pipeline.
// Possible values are "prometheus", "influxdb", "mongodb" or "noop".
type MetricsType string

const (
	// MetricsTypeNoop disables metrics collection.
	MetricsTypeNoop MetricsType = "noop"
	// MetricsTypePrometheus collects metrics into a Prometheus registry.
	MetricsTypePrometheus MetricsType = "prometheus"
	// MetricsTypeInfluxDB writes metric points to InfluxDB.
	MetricsTypeInfluxDB MetricsType = "influxdb"
	// MetricsTypeMongoDB inserts metric documents into MongoDB.
	MetricsTypeMongoDB MetricsType = "mongodb"
)

// PipelineMetricsConfig holds the configuration for metrics in a pipeline.
type PipelineMetricsConfig struct {
	Enabled  bool        `yaml:"enabled"`  // Whether metrics are enabled for the pipeline
	Type     MetricsType `yaml:"type"`     // Metrics backend to use
	Endpoint string      `yaml:"endpoint"` // Endpoint of the backend (e.g. mongodb://localhost:27017)
}

// NodeType discriminates the node sections of a pipeline document.
type NodeType string

const (
	// NodeTypeModule instantiates a registered module.
	NodeTypeModule NodeType = "module"
	// NodeTypeMerge adds a fan-in node that interleaves several message
	// streams in arrival order.
	NodeTypeMerge NodeType = "merge"
)

// NodeConfigurer is implemented by all node-specific property structs. It
// allows polymorphic unmarshaling of node properties.
type NodeConfigurer interface {
	// IsNodeConfigurer is a marker method to make the interface explicit.
	IsNodeConfigurer()
}

// NodeConfig holds the configuration for a single node in a pipeline
// document. Properties is decoded into the struct matching Type.
type NodeConfig struct {
	Name       string         `yaml:"name"       validate:"required"` // Name of the node, unique within the document
	Type       NodeType       `yaml:"type"       validate:"required"` // Kind of node ("module" or "merge")
	Properties NodeConfigurer `yaml:"properties" validate:"required"` // Node-specific properties, unmarshaled based on Type
}

// UnmarshalYAML implements the yaml.Unmarshaler interface for NodeConfig.
func (nc *NodeConfig) UnmarshalYAML(unmarshal func(interface{}) error) error {
	// unmarshal based on the type field
	var nodeHead struct {
		Name string   `yaml:"name"`
		Type NodeType `yaml:"type"`
	}

	if err := unmarshal(&nodeHead); err != nil {
		return err
	}

	nc.Name = nodeHead.Name
	nc.Type = nodeHead.Type

	var props NodeConfigurer
	switch nodeHead.Type {
	case NodeTypeModule:
		props = &ModuleNodeProperties{}
	case NodeTypeMerge:
		props = &MergeNodeProperties{}
	default:
		return fmt.Errorf("unsupported node type '%s' for node '%s'", nc.Type, nc.Name)
	}

	// Unmarshal the 'properties' field into the specific struct.
	var propsWrapper struct {
		Properties interface{} `yaml:"properties"`
	}

	propsWrapper.Properties = props // Point to our typed struct

	if err := unmarshal(&propsWrapper); err != nil {
		return fmt.Errorf("failed to unmarshal properties for node '%s' (type %s): %w", nc.Name, nc.Type, err)
	}

	nc.Properties = props
	return nil
}

// ModuleNodeProperties holds the configuration for a module node.
type ModuleNodeProperties struct {
	Module string         `yaml:"module"           validate:"required"` // Module reference, "namespace/name[@version]"
	Config map[string]any `yaml:"config,omitempty"`                     // Instance configuration merged over the module defaults
}

// IsNodeConfigurer is a marker method to make ModuleNodeProperties implement NodeConfigurer.
func (m *ModuleNodeProperties) IsNodeConfigurer() {}

// MergeNodeProperties holds the configuration for a merge node.
type MergeNodeProperties struct {
	Inputs int `yaml:"inputs" validate:"required,min=2"` // Number of input ports (in0..inN-1)
}

// IsNodeConfigurer is a marker method to make MergeNodeProperties implement NodeConfigurer.
func (m *MergeNodeProperties) IsNodeConfigurer() {}

// EdgeConfig connects two document nodes. Endpoints use "node" or
// "node.port" form; module endpoints address the module's exposed ports.
type EdgeConfig struct {
	From   string `yaml:"from"             validate:"required"` // Source endpoint
	To     string `yaml:"to"               validate:"required"` // Destination endpoint
	Buffer *int   `yaml:"buffer,omitempty"`                     // Channel capacity override for this edge
}

// PipelineDocument is the parsed YAML model for a config-driven pipeline:
// a set of nodes (module instances and merge points) plus the edges that
// connect them. Every edge in a document pipeline carries *ControlMessage.
type PipelineDocument struct {
	Version     string                `yaml:"version"               validate:"required"` // Document layout version
	Name        string                `yaml:"pipeline_name"         validate:"required"` // Name of the pipeline
	BufferSize  int                   `yaml:"buffer_size,omitempty" validate:"gte=0"`    // Default channel capacity for edges
	Concurrency int                   `yaml:"concurrency,omitempty" validate:"gte=0"`    // Default worker concurrency for nodes
	Tracing     PipelineTracingConfig `yaml:"tracing,omitempty"`                         // Tracing configuration for the pipeline
	Metrics     PipelineMetricsConfig `yaml:"metrics,omitempty"`                         // Metrics configuration for the pipeline
	Nodes       []NodeConfig          `yaml:"nodes"                 validate:"required,min=1"` // Nodes in the pipeline
	Edges       []EdgeConfig          `yaml:"edges,omitempty"`                           // Connections between nodes
}

// Validate checks the pipeline document for correctness using struct tags.
func (d *PipelineDocument) Validate() error {
	if !strings.HasPrefix(d.Version, "1.") {
		return fmt.Errorf("unsupported pipeline document version %q (this engine parses %s)",
			d.Version, PipelineDocumentVersion)
	}

	// Validate the top-level document fields
	if err := configValidate.Struct(d); err != nil {
		return fmt.Errorf("pipeline document validation failed: %w", err)
	}

	// Recursively validate each node and reject duplicate names
	seen := make(map[string]bool, len(d.Nodes))
	for i, node := range d.Nodes {
		if seen[node.Name] {
			return fmt.Errorf("duplicate node name '%s' in pipeline document", node.Name)
		}
		seen[node.Name] = true
		if err := node.validate(configValidate); err != nil {
			return fmt.Errorf("validation failed for node #%d ('%s'): %w", i, node.Name, err)
		}
	}

	// Validate each edge
	for i, edge := range d.Edges {
		if err := configValidate.Struct(edge); err != nil {
			return fmt.Errorf("validation failed for edge #%d ('%s' -> '%s'): %w", i, edge.From, edge.To, err)
		}
		if edge.Buffer != nil && *edge.Buffer < 0 {
			return fmt.Errorf("edge #%d ('%s' -> '%s') has negative buffer %d", i, edge.From, edge.To, *edge.Buffer)
		}
	}
	return nil
}

// validate is a helper for recursive validation of a single node.
func (nc *NodeConfig) validate(validate *validator.Validate) error {
	if err := validate.Struct(nc); err != nil {
		return err
	}
	// Validate the specific properties struct that Properties points to
	if err := validate.Struct(nc.Properties); err != nil {
		return fmt.Errorf("invalid properties: %w", err)
	}
	return nil
}

// ParsePipelineDocument parses and validates a YAML pipeline document.
func ParsePipelineDocument(raw []byte) (*PipelineDocument, error) {
	var doc PipelineDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline document: %w", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// LoadPipelineDocument reads, parses and validates a pipeline document from a
// file.
func LoadPipelineDocument(path string) (*PipelineDocument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline document %s: %w", path, err)
	}
	return ParsePipelineDocument(raw)
}

// BuildPipelineFromConfig assembles a GraphPipeline from a parsed document.
// Module nodes are resolved against the registry (nil selects the default
// registry) and loaded under their document names; merge nodes become
// ControlMessage fan-in points. The document's tracing and metrics sections
// choose the observability backends. Options are applied after the
// document-derived settings, so callers can inject a logger or override any
// default.
//
// The returned instances map is keyed by document node name. A document
// describes the module graph only; the caller binds a source to the entry
// module's exposed input and a sink to the exit module's exposed output
// before starting the pipeline.
func BuildPipelineFromConfig(
	doc *PipelineDocument,
	registry *ModuleRegistry,
	options ...PipelineOption,
) (*GraphPipeline, map[string]*ModuleInstance, error) {
	if doc == nil {
		return nil, nil, errors.New("pipeline document cannot be nil")
	}
	if err := doc.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid pipeline configuration: %w", err)
	}
	if registry == nil {
		registry = DefaultModuleRegistry()
	}

	factory := NewObservabilityFactory()
	collector, err := factory.CreateMetricsCollector(doc.Metrics)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create metrics collector: %w", err)
	}
	tracerProvider, err := factory.CreateTracerProvider(doc.Tracing, doc.Name)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create tracer provider: %w", err)
	}

	opts := []PipelineOption{
		WithPipelineName(doc.Name),
		WithPipelineMetrics(collector),
		WithPipelineTracerProvider(tracerProvider),
	}
	if doc.BufferSize > 0 {
		opts = append(opts, WithPipelineBufferSize(doc.BufferSize))
	}
	if doc.Concurrency > 0 {
		opts = append(opts, WithPipelineConcurrency(doc.Concurrency))
	}
	opts = append(opts, options...)

	pipeline := NewGraphPipeline(opts...)

	instances := make(map[string]*ModuleInstance, len(doc.Nodes))
	for i := range doc.Nodes {
		node := &doc.Nodes[i]
		switch props := node.Properties.(type) {
		case *ModuleNodeProperties:
			instance, errLoad := LoadModule(pipeline, registry, props.Module, node.Name, props.Config)
			if errLoad != nil {
				return nil, nil, fmt.Errorf("failed to load module node '%s': %w", node.Name, errLoad)
			}
			instances[node.Name] = instance
		case *MergeNodeProperties:
			pipeline.AddNode(NewMergeNode[*ControlMessage](node.Name, props.Inputs))
		default:
			return nil, nil, fmt.Errorf("unsupported node type for node '%s': %s", node.Name, node.Type)
		}
	}

	for _, edge := range doc.Edges {
		from, errFrom := resolveDocumentPoint(instances, edge.From, false)
		if errFrom != nil {
			return nil, nil, errFrom
		}
		to, errTo := resolveDocumentPoint(instances, edge.To, true)
		if errTo != nil {
			return nil, nil, errTo
		}

		var edgeOpts []EdgeOption
		if edge.Buffer != nil {
			edgeOpts = append(edgeOpts, WithEdgeBuffer(*edge.Buffer))
		}
		if errEdge := pipeline.AddEdge(from, to, edgeOpts...); errEdge != nil {
			return nil, nil, fmt.Errorf("failed to connect '%s' to '%s': %w", edge.From, edge.To, errEdge)
		}
	}

	return pipeline, instances, nil
}

// resolveDocumentPoint maps a document endpoint onto a pipeline EdgePoint.
// Module endpoints address exposed ports ("batcher.output"); plain node
// endpoints pass through to ordinary port resolution.
func resolveDocumentPoint(instances map[string]*ModuleInstance, endpoint string, isInput bool) (EdgePoint, error) {
	point := ParseEdgePoint(endpoint)
	instance, ok := instances[point.node]
	if !ok {
		return point, nil
	}

	var (
		resolved EdgePoint
		found    bool
	)
	if isInput {
		resolved, found = instance.findInput(point.port)
	} else {
		resolved, found = instance.findOutput(point.port)
	}
	if !found {
		side := "output"
		if isInput {
			side = "input"
		}
		return EdgePoint{}, NewConfigError(instance.ID().String(), point.port,
			fmt.Errorf("module instance '%s' has no exposed %s '%s'", point.node, side, point.port))
	}
	return resolved, nil
}
