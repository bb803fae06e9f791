// Package schema declares the schema engine that selector validation
// depends on (spec §1: "schema parsing and path evaluation... provided
// by a schema engine"). This package only defines the boundary
// interface plus a small in-memory Fake for tests; a real schema engine
// is an external collaborator.
package schema

// NodeClass classifies a schema node's data kind.
type NodeClass int

const (
	ClassUnknown NodeClass = iota
	ClassConfig
	ClassState
	ClassRPC
	ClassAction
	ClassNotification
)

// Node is the minimal shape a schema engine exposes about one node
// reached by a path.
type Node struct {
	Path       string
	Class      NodeClass
	IsListKey  bool
	ModuleName string
	// ExtensionContext is non-empty when this node lives inside a
	// schema-mount extension, i.e. its schema context differs from the
	// datastore's main context. Used to route RPCs defined there to
	// the per-module rpc_ext_lock instead of a per-RPC lock.
	ExtensionContext string
}

// Engine is the schema parsing/path evaluation collaborator. A change
// xpath, an oper path, a notification xpath and an RPC path are all
// resolved through it; this module never parses YANG itself.
type Engine interface {
	// Select returns every node the xpath/path resolves to. An empty
	// result is not an error by itself; callers decide whether that is
	// acceptable for their selector kind.
	Select(path string) ([]Node, error)

	// HasSchemaMount reports whether module may contain a schema-mount
	// extension point, which notif validation treats as "may contain
	// notifications" without being able to enumerate them.
	HasSchemaMount(module string) bool

	// ModuleExists reports whether module is known to the schema.
	ModuleExists(module string) bool
}

// Fake is a minimal in-memory Engine for tests: a flat table of nodes
// keyed by path, grounded on the same "fake collaborator" pattern the
// teacher uses for its ConfigProvider/TenantService test doubles.
type Fake struct {
	nodes        map[string]Node
	modules      map[string]bool
	schemaMounts map[string]bool
}

// NewFake returns an empty Fake schema.
func NewFake() *Fake {
	return &Fake{
		nodes:        make(map[string]Node),
		modules:      make(map[string]bool),
		schemaMounts: make(map[string]bool),
	}
}

// AddModule registers module as known, with no nodes yet.
func (f *Fake) AddModule(module string) *Fake {
	f.modules[module] = true
	return f
}

// AddNode registers a resolvable node, implicitly registering its
// module.
func (f *Fake) AddNode(n Node) *Fake {
	f.nodes[n.Path] = n
	f.modules[n.ModuleName] = true
	return f
}

// MarkSchemaMount flags module as carrying a schema-mount extension.
func (f *Fake) MarkSchemaMount(module string) *Fake {
	f.schemaMounts[module] = true
	return f
}

// Select implements Engine by exact-path and module-wide lookup (a
// path built by ModuleWidePath selects every node in that module). Any
// other path, including an empty one, selects nothing.
func (f *Fake) Select(path string) ([]Node, error) {
	if n, ok := f.nodes[path]; ok {
		return []Node{n}, nil
	}
	// Module-wide traversal: a "module:*" path selects every node
	// belonging to that module.
	if module, ok := moduleWide(path); ok {
		var out []Node
		for _, n := range f.nodes {
			if n.ModuleName == module {
				out = append(out, n)
			}
		}
		return out, nil
	}
	return nil, nil
}

// moduleWideSuffix marks a path as "select every node in this
// module" for Fake.Select, used by notif validation's "empty xpath
// validates by module-wide traversal" rule.
const moduleWideSuffix = ":*"

func moduleWide(path string) (module string, ok bool) {
	if len(path) > len(moduleWideSuffix) && path[len(path)-len(moduleWideSuffix):] == moduleWideSuffix {
		return path[:len(path)-len(moduleWideSuffix)], true
	}
	return "", false
}

// ModuleWidePath builds the sentinel path Select recognizes as
// "every node in module".
func ModuleWidePath(module string) string {
	return module + moduleWideSuffix
}

func (f *Fake) HasSchemaMount(module string) bool {
	return f.schemaMounts[module]
}

func (f *Fake) ModuleExists(module string) bool {
	return f.modules[module]
}
