package streamwork

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// Engine release version. Module compatibility is an exact match against
// these components.
const (
	EngineVersion      = "1.0.0"
	EngineVersionMajor = 1
	EngineVersionMinor = 0
	EngineVersionPatch = 0
)

// ModuleID identifies a registered module. Namespace and Name address the
// module; Version is a "major.minor.patch" string so that multiple revisions
// of one module can coexist in a registry.
type ModuleID struct {
	Namespace string
	Name      string
	Version   string
}

// String renders the identity in "namespace/name@version" form.
func (id ModuleID) String() string {
	if id.Version == "" {
		return id.Namespace + "/" + id.Name
	}
	return id.Namespace + "/" + id.Name + "@" + id.Version
}

// ParseModuleRef parses a module reference of the form "namespace/name" or
// "namespace/name@version". An absent version selects the highest registered
// version at lookup time.
func ParseModuleRef(ref string) (ModuleID, error) {
	rest := ref
	var version string
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		version = rest[i+1:]
		rest = rest[:i]
		if version == "" {
			return ModuleID{}, NewConfigError(ref, "",
				errors.New("module reference has an empty version"))
		}
	}

	slash := strings.Index(rest, "/")
	if slash <= 0 || slash == len(rest)-1 || strings.Contains(rest[slash+1:], "/") {
		return ModuleID{}, NewConfigError(ref, "",
			fmt.Errorf("module reference must be namespace/name[@version], got %q", ref))
	}

	id := ModuleID{Namespace: rest[:slash], Name: rest[slash+1:], Version: version}
	if version != "" {
		if _, err := parseModuleVersion(version); err != nil {
			return ModuleID{}, NewConfigError(id.String(), "", err)
		}
	}
	return id, nil
}

// parseModuleVersion splits a "major.minor.patch" string into its numeric
// components.
func parseModuleVersion(version string) ([3]int, error) {
	var out [3]int
	parts := strings.Split(version, ".")
	if len(parts) != 3 {
		return out, fmt.Errorf("module version must be major.minor.patch, got %q", version)
	}
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return out, fmt.Errorf("module version component %q is not a non-negative integer", part)
		}
		out[i] = n
	}
	return out, nil
}

func compareModuleVersions(a, b [3]int) int {
	for i := 0; i < 3; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

type moduleTable map[ModuleID]*ModuleDefinition

// ModuleRegistry holds module definitions keyed by identity. Registration is
// write-once: an identity can never be replaced or removed. Writers serialize
// on a mutex and publish a fresh immutable snapshot; lookups read the current
// snapshot without locking, so steady-state resolution is contention free.
type ModuleRegistry struct {
	mu       sync.Mutex
	snapshot atomic.Value // moduleTable
}

// NewModuleRegistry creates an empty module registry.
func NewModuleRegistry() *ModuleRegistry {
	r := &ModuleRegistry{}
	r.snapshot.Store(make(moduleTable))
	return r
}

func (r *ModuleRegistry) table() moduleTable {
	return r.snapshot.Load().(moduleTable)
}

// Register adds a module definition under its identity. Registering an
// identity twice returns a ConfigError wrapping ErrModuleExists, regardless
// of whether the definitions differ.
func (r *ModuleRegistry) Register(def ModuleDefinition) error {
	if def.ID.Namespace == "" || def.ID.Name == "" {
		return NewConfigError(def.ID.String(), "",
			errors.New("module identity requires a namespace and a name"))
	}
	if _, err := parseModuleVersion(def.ID.Version); err != nil {
		return NewConfigError(def.ID.String(), "", err)
	}
	if def.Builder == nil {
		return NewConfigError(def.ID.String(), "",
			errors.New("module definition requires a builder"))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.table()
	if _, exists := current[def.ID]; exists {
		return NewConfigError(def.ID.String(), "", ErrModuleExists)
	}

	next := make(moduleTable, len(current)+1)
	for id, d := range current {
		next[id] = d
	}
	defCopy := def
	next[def.ID] = &defCopy
	r.snapshot.Store(next)
	return nil
}

// GetModule returns the definition registered for namespace/name at the given
// version. An empty version selects the highest registered version of the
// module. Unknown modules return a ConfigError wrapping ErrModuleNotFound.
func (r *ModuleRegistry) GetModule(namespace, name, version string) (*ModuleDefinition, error) {
	t := r.table()

	if version != "" {
		id := ModuleID{Namespace: namespace, Name: name, Version: version}
		if def, ok := t[id]; ok {
			return def, nil
		}
		return nil, NewConfigError(id.String(), "", ErrModuleNotFound)
	}

	var (
		best    *ModuleDefinition
		bestVer [3]int
	)
	for id, def := range t {
		if id.Namespace != namespace || id.Name != name {
			continue
		}
		ver, err := parseModuleVersion(id.Version)
		if err != nil {
			continue
		}
		if best == nil || compareModuleVersions(ver, bestVer) > 0 {
			best, bestVer = def, ver
		}
	}
	if best == nil {
		id := ModuleID{Namespace: namespace, Name: name}
		return nil, NewConfigError(id.String(), "", ErrModuleNotFound)
	}
	return best, nil
}

// Get resolves a parsed module identity. An empty ID.Version selects the
// highest registered version.
func (r *ModuleRegistry) Get(id ModuleID) (*ModuleDefinition, error) {
	return r.GetModule(id.Namespace, id.Name, id.Version)
}

// ContainsNamespace reports whether any module is registered under the
// namespace.
func (r *ModuleRegistry) ContainsNamespace(namespace string) bool {
	for id := range r.table() {
		if id.Namespace == namespace {
			return true
		}
	}
	return false
}

// ModuleIDs returns every registered identity sorted by namespace, name and
// version.
func (r *ModuleRegistry) ModuleIDs() []ModuleID {
	t := r.table()
	ids := make([]ModuleID, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if ids[i].Namespace != ids[j].Namespace {
			return ids[i].Namespace < ids[j].Namespace
		}
		if ids[i].Name != ids[j].Name {
			return ids[i].Name < ids[j].Name
		}
		vi, erri := parseModuleVersion(ids[i].Version)
		vj, errj := parseModuleVersion(ids[j].Version)
		if erri != nil || errj != nil {
			return ids[i].Version < ids[j].Version
		}
		return compareModuleVersions(vi, vj) < 0
	})
	return ids
}

// IsVersionCompatible reports whether a module built against the given engine
// release can load into this build. Only an exact release match is accepted;
// there is no cross-release compatibility window.
func (r *ModuleRegistry) IsVersionCompatible(major, minor, patch int) bool {
	return major == EngineVersionMajor &&
		minor == EngineVersionMinor &&
		patch == EngineVersionPatch
}

var (
	defaultModuleRegistry     *ModuleRegistry
	defaultModuleRegistryOnce sync.Once
)

// DefaultModuleRegistry returns the process-wide registry. The engine's own
// modules register themselves here from init functions, the same way database
// drivers self-register.
func DefaultModuleRegistry() *ModuleRegistry {
	defaultModuleRegistryOnce.Do(func() {
		defaultModuleRegistry = NewModuleRegistry()
	})
	return defaultModuleRegistry
}

// RegisterModule adds a definition to the default registry.
func RegisterModule(def ModuleDefinition) error {
	return DefaultModuleRegistry().Register(def)
}

// MustRegisterModule adds a definition to the default registry and panics on
// failure. Intended for use from init functions, where a registration error
// is a programmer error.
func MustRegisterModule(def ModuleDefinition) {
	if err := RegisterModule(def); err != nil {
		panic(fmt.Sprintf("streamwork.MustRegisterModule: %v", err))
	}
}
