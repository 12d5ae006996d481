package tool

import (
	"fmt"
	"sync"

	"github.com/MrWong99/crosstalk/internal/persona"
	"github.com/MrWong99/crosstalk/pkg/types"
)

// Registry holds the globally-registered tools. Registration happens during
// startup; lookups are concurrent afterwards.
type Registry struct {
	mu    sync.RWMutex
	specs map[string]Spec
	order []string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{specs: make(map[string]Spec)}
}

// Register adds a tool. Fails on duplicate or empty names.
func (r *Registry) Register(spec Spec) error {
	if spec.Name == "" {
		return fmt.Errorf("tool: name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.specs[spec.Name]; dup {
		return fmt.Errorf("tool: %q already registered", spec.Name)
	}
	r.specs[spec.Name] = spec
	r.order = append(r.order, spec.Name)
	return nil
}

// Get returns the spec for name.
func (r *Registry) Get(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[name]
	return s, ok
}

// AllowedFor returns the registered tools the persona may invoke, in
// registration order.
func (r *Registry) AllowedFor(p *persona.Persona) []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Spec
	for _, name := range r.order {
		if p.Allows(name) {
			out = append(out, r.specs[name])
		}
	}
	return out
}

// DefinitionsFor returns the wire-form tool definitions offered to the model
// for the persona.
func (r *Registry) DefinitionsFor(p *persona.Persona) []types.ToolDefinition {
	specs := r.AllowedFor(p)
	defs := make([]types.ToolDefinition, len(specs))
	for i, s := range specs {
		defs[i] = s.Definition()
	}
	return defs
}

// Names returns all registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
