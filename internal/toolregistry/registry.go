// Package toolregistry implements the Tool Registry (C2): a read-only-after-
// startup catalog of tools, their compiled argument schemas, visibility, and
// provider binding. Structurally grounded on the Option-functional pattern
// and RWMutex-guarded map in runtime/registry/manager.go, simplified to the
// single-process, no-federation contract this registry actually needs.
package toolregistry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/brokerd/brokerd/internal/broker"
	"github.com/brokerd/brokerd/internal/brokererr"
)

type entry struct {
	descriptor broker.ToolDescriptor
	tool       broker.Tool
	schema     *jsonschema.Schema
}

// Registry holds the set of callable tools. It is safe to read concurrently
// once Register calls during bootstrap have finished; a mutex still guards
// it because nothing prevents late registration attempts from being
// detected and rejected cleanly.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Register adds a tool. It is idempotent by name: registering the exact
// same descriptor+implementation twice is a no-op; registering a different
// implementation under an already-used name is rejected with DuplicateTool.
func (r *Registry) Register(descriptor broker.ToolDescriptor, tool broker.Tool) error {
	if descriptor.Name == "" {
		return brokererr.New(brokererr.InvalidRequest, "tool descriptor must have a name")
	}

	compiled, err := compileSchema(descriptor.Name, descriptor.Schema)
	if err != nil {
		return brokererr.Wrap(brokererr.Internal, err, fmt.Sprintf("compile schema for tool %q", descriptor.Name))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[descriptor.Name]; ok {
		if existing.tool == tool {
			return nil
		}
		return brokererr.New(brokererr.InvalidRequest, fmt.Sprintf("duplicate tool registration: %q", descriptor.Name)).
			WithDetail("DuplicateTool")
	}

	r.entries[descriptor.Name] = &entry{descriptor: descriptor, tool: tool, schema: compiled}
	return nil
}

// Get returns the descriptor, implementation, and compiled schema for name.
func (r *Registry) Get(name string) (broker.ToolDescriptor, broker.Tool, *jsonschema.Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return broker.ToolDescriptor{}, nil, nil, brokererr.New(brokererr.UnknownTool, fmt.Sprintf("unknown tool: %q", name))
	}
	return e.descriptor, e.tool, e.schema, nil
}

// List returns descriptors matching visibility, sorted by name for stable
// client listings. A nil/empty filter set returns every visibility.
func (r *Registry) List(visibilityFilter map[broker.Visibility]bool) []broker.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]broker.ToolDescriptor, 0, len(r.entries))
	for _, e := range r.entries {
		if len(visibilityFilter) > 0 && !visibilityFilter[e.descriptor.Visibility] {
			continue
		}
		out = append(out, e.descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	resourceName := "mem://tool-schema/" + name
	if err := c.AddResource(resourceName, schema); err != nil {
		return nil, fmt.Errorf("add schema resource for %q: %w", name, err)
	}
	compiled, err := c.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", name, err)
	}
	return compiled, nil
}
