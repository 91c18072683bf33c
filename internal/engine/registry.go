package engine

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/petrijr/reviewflow/pkg/api"
)

// Registry is an explicit api.Catalog. An engine is given one at
// construction; there is no process-global registration.
type Registry struct {
	mu      sync.RWMutex
	byType  map[api.WorkflowType]api.Definition
	aliases map[string]api.WorkflowType
}

var _ api.Catalog = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{
		byType:  make(map[api.WorkflowType]api.Definition),
		aliases: make(map[string]api.WorkflowType),
	}
}

// Register adds def under its type name and every alias.
func (r *Registry) Register(def api.Definition) error {
	if def.Type == "" {
		return errors.New("workflow type is required")
	}
	if def.Run == nil {
		return fmt.Errorf("workflow %q has no Run function", def.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byType[def.Type]; exists {
		return fmt.Errorf("workflow %q already registered", def.Type)
	}
	names := append([]string{string(def.Type)}, def.Aliases...)
	for _, name := range names {
		if owner, taken := r.aliases[name]; taken {
			return fmt.Errorf("workflow name %q already used by %q", name, owner)
		}
	}

	r.byType[def.Type] = def
	for _, name := range names {
		r.aliases[name] = def.Type
	}
	return nil
}

// MustRegister is Register for static catalogs; it panics on error.
func (r *Registry) MustRegister(defs ...api.Definition) *Registry {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
	return r
}

// Lookup resolves a type name or alias.
func (r *Registry) Lookup(name string) (api.Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	typ, ok := r.aliases[name]
	if !ok {
		return api.Definition{}, false
	}
	def, ok := r.byType[typ]
	return def, ok
}

// Types returns the registered type names in sorted order.
func (r *Registry) Types() []api.WorkflowType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]api.WorkflowType, 0, len(r.byType))
	for typ := range r.byType {
		out = append(out, typ)
	}
	slices.Sort(out)
	return out
}
