package streamwork

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ModuleNamespace is the namespace the engine's built-in modules register
// under.
const ModuleNamespace = "streamwork"

// ModuleBuilderFunc assembles a module's internal nodes and edges. It receives
// a builder facade scoped to the instance being loaded and the merged instance
// configuration. All dependencies arrive through these two arguments; there is
// no ambient build context.
type ModuleBuilderFunc func(b *ModuleBuilder, cfg ModuleConfig) error

// ModuleDefinition describes a reusable pipeline fragment that can be
// registered once and instantiated many times under different names and
// configurations.
type ModuleDefinition struct {
	// ID is the identity the module registers under.
	ID ModuleID
	// Description is surfaced by tooling that lists registered modules.
	Description string
	// Defaults seeds every instance configuration. Per-instance values
	// overlay these key by key.
	Defaults map[string]any
	// Strict rejects instance configuration keys that have no default
	// instead of passing them through.
	Strict bool
	// Builder constructs the module's nodes, edges and exposed ports.
	Builder ModuleBuilderFunc
}

// ModuleConfig carries the merged configuration for one module instance.
// Values originate from YAML or from Go literals, so numeric entries may be
// int, int64 or float64 depending on the source; the typed accessors
// normalize them.
type ModuleConfig map[string]any

// Has reports whether the key is present.
func (c ModuleConfig) Has(key string) bool {
	_, ok := c[key]
	return ok
}

// GetString returns the string value for key.
func (c ModuleConfig) GetString(key string) (string, bool) {
	s, ok := c[key].(string)
	return s, ok
}

// StringOr returns the string value for key, or fallback if absent or not a
// string.
func (c ModuleConfig) StringOr(key, fallback string) string {
	if s, ok := c.GetString(key); ok {
		return s
	}
	return fallback
}

// GetInt returns the integer value for key, accepting any numeric
// representation that holds a whole number.
func (c ModuleConfig) GetInt(key string) (int, bool) {
	switch v := c[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case uint64:
		return int(v), true
	case float64:
		if v == float64(int(v)) {
			return int(v), true
		}
	}
	return 0, false
}

// IntOr returns the integer value for key, or fallback.
func (c ModuleConfig) IntOr(key string, fallback int) int {
	if n, ok := c.GetInt(key); ok {
		return n
	}
	return fallback
}

// GetFloat returns the float value for key, accepting integer representations.
func (c ModuleConfig) GetFloat(key string) (float64, bool) {
	switch v := c[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// FloatOr returns the float value for key, or fallback.
func (c ModuleConfig) FloatOr(key string, fallback float64) float64 {
	if f, ok := c.GetFloat(key); ok {
		return f
	}
	return fallback
}

// GetBool returns the boolean value for key.
func (c ModuleConfig) GetBool(key string) (bool, bool) {
	b, ok := c[key].(bool)
	return b, ok
}

// BoolOr returns the boolean value for key, or fallback.
func (c ModuleConfig) BoolOr(key string, fallback bool) bool {
	if b, ok := c.GetBool(key); ok {
		return b
	}
	return fallback
}

// GetStringSlice returns the value for key as a string slice. YAML sequences
// decode as []any, so both []string and all-string []any are accepted.
func (c ModuleConfig) GetStringSlice(key string) ([]string, bool) {
	switch v := c[key].(type) {
	case []string:
		return v, true
	case []any:
		out := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

// GetMap returns the value for key as a nested mapping.
func (c ModuleConfig) GetMap(key string) (map[string]any, bool) {
	m, ok := c[key].(map[string]any)
	return m, ok
}

// Decode unmarshals the configuration into a typed struct by way of a YAML
// round trip and then checks any `validate` tags on the target.
func (c ModuleConfig) Decode(out any) error {
	raw, err := yaml.Marshal(map[string]any(c))
	if err != nil {
		return fmt.Errorf("failed to encode module config: %w", err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode module config: %w", err)
	}
	if err := configValidate.Struct(out); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			// Target is not a struct; nothing to validate.
			return nil
		}
		return err
	}
	return nil
}

// ModuleInstance exposes the boundary ports of a loaded module. Exposed ports
// are EdgePoints into the instance's internal nodes, so callers wire modules
// with AddEdge exactly like plain nodes.
type ModuleInstance struct {
	name    string
	id      ModuleID
	inputs  map[string]EdgePoint
	outputs map[string]EdgePoint
}

// Name returns the fully qualified instance name.
func (m *ModuleInstance) Name() string { return m.name }

// ID returns the identity of the module definition this instance was built
// from, including the resolved version.
func (m *ModuleInstance) ID() ModuleID { return m.id }

// Input returns the EdgePoint for a named exposed input. Exposed port names
// are fixed by the module builder, so an unknown name is a programmer error
// and panics.
func (m *ModuleInstance) Input(name string) EdgePoint {
	ep, ok := m.findInput(name)
	if !ok {
		panic(fmt.Sprintf("streamwork: module instance %q has no exposed input %q", m.name, name))
	}
	return ep
}

// Output returns the EdgePoint for a named exposed output.
func (m *ModuleInstance) Output(name string) EdgePoint {
	ep, ok := m.findOutput(name)
	if !ok {
		panic(fmt.Sprintf("streamwork: module instance %q has no exposed output %q", m.name, name))
	}
	return ep
}

// InputNames returns the exposed input port names in sorted order.
func (m *ModuleInstance) InputNames() []string {
	return sortedPortNames(m.inputs)
}

// OutputNames returns the exposed output port names in sorted order.
func (m *ModuleInstance) OutputNames() []string {
	return sortedPortNames(m.outputs)
}

// findInput resolves an exposed input by name. An empty name resolves when
// the module exposes exactly one input.
func (m *ModuleInstance) findInput(name string) (EdgePoint, bool) {
	return findExposedPort(m.inputs, name)
}

// findOutput resolves an exposed output by name.
func (m *ModuleInstance) findOutput(name string) (EdgePoint, bool) {
	return findExposedPort(m.outputs, name)
}

func findExposedPort(ports map[string]EdgePoint, name string) (EdgePoint, bool) {
	if name == "" {
		if len(ports) == 1 {
			for _, ep := range ports {
				return ep, true
			}
		}
		return EdgePoint{}, false
	}
	ep, ok := ports[name]
	return ep, ok
}

func sortedPortNames(ports map[string]EdgePoint) []string {
	names := make([]string, 0, len(ports))
	for name := range ports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ModuleBuilder is the facade a ModuleBuilderFunc uses to add nodes and edges
// to the enclosing pipeline. Node names gain an "instance/" prefix so that
// multiple instances of one module never collide, and so that log lines and
// spans identify which instance a node belongs to.
type ModuleBuilder struct {
	graph    *GraphPipeline
	registry *ModuleRegistry
	prefix   string
	instance *ModuleInstance
	state    *moduleBuildState
}

// InstanceName returns the fully qualified name of the instance being built.
func (b *ModuleBuilder) InstanceName() string {
	return strings.TrimSuffix(b.prefix, "/")
}

// Logger returns the logger of the pipeline the module is being built into.
func (b *ModuleBuilder) Logger() *log.Logger {
	return b.graph.Logger()
}

// Metrics returns the metrics collector of the pipeline the module is being
// built into.
func (b *ModuleBuilder) Metrics() MetricsCollector {
	return b.graph.Metrics()
}

// AddNode registers a node under the instance's namespace and returns its
// handle. The handle carries the prefixed name. Module-local node names must
// not contain '/', which is reserved for the instance prefix.
func (b *ModuleBuilder) AddNode(node *NodeSpec) *NodeHandle {
	if node == nil {
		panic("streamwork.ModuleBuilder.AddNode: node cannot be nil")
	}
	if strings.Contains(node.name, "/") {
		panic(fmt.Sprintf("streamwork.ModuleBuilder.AddNode: node name %q cannot contain '/'", node.name))
	}
	node.name = b.prefix + node.name
	return b.graph.AddNode(node)
}

// AddEdge connects two points inside the module. Endpoints may use
// module-local node names or the qualified names carried by node handles and
// nested module instances.
func (b *ModuleBuilder) AddEdge(from, to EdgePoint, options ...EdgeOption) error {
	return b.graph.AddEdge(b.qualify(from), b.qualify(to), options...)
}

// Connect is AddEdge for "node.port" strings using module-local node names.
func (b *ModuleBuilder) Connect(from, to string, options ...EdgeOption) error {
	return b.AddEdge(ParseEdgePoint(from), ParseEdgePoint(to), options...)
}

// qualify maps a module-local endpoint onto its pipeline-wide name. Points
// that already carry the instance prefix (handles from AddNode, exposed ports
// of nested instances) pass through unchanged; local names cannot contain
// '/', so the prefix test is unambiguous.
func (b *ModuleBuilder) qualify(p EdgePoint) EdgePoint {
	if strings.HasPrefix(p.node, b.prefix) {
		return p
	}
	return EdgePoint{node: b.prefix + p.node, port: p.port}
}

// ExposeInput publishes an internal input port as the module's named input.
// Conventionally a module's primary input is exposed as "input".
func (b *ModuleBuilder) ExposeInput(name string, point EdgePoint) {
	if _, exists := b.instance.inputs[name]; exists {
		panic(fmt.Sprintf("streamwork.ModuleBuilder.ExposeInput: input %q already exposed", name))
	}
	b.instance.inputs[name] = b.qualify(point)
}

// ExposeOutput publishes an internal output port as the module's named
// output. Conventionally a single output is exposed as "output" and multiple
// outputs as "output_0".."output_n".
func (b *ModuleBuilder) ExposeOutput(name string, point EdgePoint) {
	if _, exists := b.instance.outputs[name]; exists {
		panic(fmt.Sprintf("streamwork.ModuleBuilder.ExposeOutput: output %q already exposed", name))
	}
	b.instance.outputs[name] = b.qualify(point)
}

// LoadModule loads another registered module inside this one. The nested
// instance is namespaced under this instance's name, and its exposed ports
// can be wired to this module's nodes with AddEdge.
func (b *ModuleBuilder) LoadModule(ref, instanceName string, cfg map[string]any) (*ModuleInstance, error) {
	return loadModule(b.graph, b.registry, ref, b.prefix, instanceName, cfg, b.state)
}

// moduleBuildState tracks the modules currently being built so that recursive
// composition can detect cycles and name them.
type moduleBuildState struct {
	active map[ModuleID]bool
	path   []ModuleID
}

func newModuleBuildState() *moduleBuildState {
	return &moduleBuildState{active: make(map[ModuleID]bool)}
}

func (s *moduleBuildState) enter(id ModuleID) error {
	if s.active[id] {
		return fmt.Errorf("%w: %s", ErrCircularModule, s.cycleString(id))
	}
	s.active[id] = true
	s.path = append(s.path, id)
	return nil
}

func (s *moduleBuildState) leave(id ModuleID) {
	delete(s.active, id)
	s.path = s.path[:len(s.path)-1]
}

func (s *moduleBuildState) cycleString(repeat ModuleID) string {
	var sb strings.Builder
	for _, id := range s.path {
		sb.WriteString(id.String())
		sb.WriteString(" -> ")
	}
	sb.WriteString(repeat.String())
	return sb.String()
}

// LoadModule instantiates a registered module inside a pipeline. The module
// is resolved from the registry by ref ("namespace/name" or
// "namespace/name@version"; no version selects the highest), its defaults are
// merged with cfg, and its builder runs against the pipeline with every node
// name prefixed by instanceName. A nil registry uses the default registry.
//
// The returned instance exposes the module's boundary ports as EdgePoints for
// wiring with AddEdge.
func LoadModule(
	p *GraphPipeline,
	registry *ModuleRegistry,
	ref string,
	instanceName string,
	cfg map[string]any,
) (*ModuleInstance, error) {
	if registry == nil {
		registry = DefaultModuleRegistry()
	}
	return loadModule(p, registry, ref, "", instanceName, cfg, newModuleBuildState())
}

func loadModule(
	p *GraphPipeline,
	registry *ModuleRegistry,
	ref string,
	parentPrefix string,
	instanceName string,
	cfg map[string]any,
	state *moduleBuildState,
) (*ModuleInstance, error) {
	if instanceName == "" {
		return nil, NewConfigError(ref, "", errors.New("module instance name cannot be empty"))
	}
	if strings.ContainsAny(instanceName, "./") {
		return nil, NewConfigError(ref, "",
			fmt.Errorf("module instance name %q cannot contain '.' or '/'", instanceName))
	}

	id, err := ParseModuleRef(ref)
	if err != nil {
		return nil, err
	}
	def, err := registry.Get(id)
	if err != nil {
		return nil, err
	}

	if err := state.enter(def.ID); err != nil {
		return nil, NewConfigError(def.ID.String(), "", err)
	}
	defer state.leave(def.ID)

	merged, err := mergeModuleConfig(def, cfg, instanceName)
	if err != nil {
		return nil, err
	}

	fullName := parentPrefix + instanceName
	instance := &ModuleInstance{
		name:    fullName,
		id:      def.ID,
		inputs:  make(map[string]EdgePoint),
		outputs: make(map[string]EdgePoint),
	}
	builder := &ModuleBuilder{
		graph:    p,
		registry: registry,
		prefix:   fullName + "/",
		instance: instance,
		state:    state,
	}

	if err := def.Builder(builder, merged); err != nil {
		return nil, fmt.Errorf("failed to build module %s as %q: %w", def.ID, fullName, err)
	}
	return instance, nil
}

// mergeModuleConfig overlays instance configuration on the definition's
// defaults. Values are deep copied so that one instance cannot mutate another
// instance's nested maps through shared defaults.
func mergeModuleConfig(def *ModuleDefinition, cfg map[string]any, instanceName string) (ModuleConfig, error) {
	merged := make(ModuleConfig, len(def.Defaults)+len(cfg))
	for k, v := range def.Defaults {
		merged[k] = deepCopyValue(v)
	}
	for k, v := range cfg {
		if def.Strict {
			if _, known := def.Defaults[k]; !known {
				return nil, NewConfigError(def.ID.String(), k,
					fmt.Errorf("%w (instance %q)", ErrUnknownConfigKey, instanceName))
			}
		}
		merged[k] = deepCopyValue(v)
	}
	return merged, nil
}
