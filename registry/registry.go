// Package registry provides a global block-type registry for PetalStream.
// It maps type names to metadata (ports, parameters) and a factory used by
// the hydrator, the validator and the CLI.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/petal-labs/petalstream/core"
)

// Registry errors
var (
	ErrUnknownType  = errors.New("unknown block type")
	ErrInvalidParam = errors.New("invalid block parameter")
)

// Factory creates a block from its definition parameters.
type Factory func(params map[string]any) (core.Block, error)

// BlockTypeDef describes a registered block type.
type BlockTypeDef struct {
	Type        string     `json:"type"`
	Category    string     `json:"category"` // "source", "sink", "stream", "math"
	DisplayName string     `json:"display_name"`
	Description string     `json:"description"`
	Ports       PortSchema `json:"ports"`
	Params      []ParamDef `json:"params,omitempty"`
	Factory     Factory    `json:"-"`
}

// PortSchema defines the input and output ports for a block type.
type PortSchema struct {
	Inputs  []PortDef `json:"inputs"`
	Outputs []PortDef `json:"outputs"`
	// Variadic marks that the last input or output may repeat.
	VariadicInputs  bool `json:"variadic_inputs,omitempty"`
	VariadicOutputs bool `json:"variadic_outputs,omitempty"`
}

// PortDef describes a single port on a block type.
type PortDef struct {
	Name     string `json:"name"`
	Type     string `json:"type"` // "float32", "bytes"
	Required bool   `json:"required"`
}

// ParamDef describes one configuration parameter of a block type.
type ParamDef struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "int", "float", "float_list", "string", "bool"
	Required    bool   `json:"required"`
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
}

var (
	global     *Registry
	globalOnce sync.Once
)

// Global returns the singleton registry instance. On first call it
// initializes the registry and auto-registers all built-in block types.
func Global() *Registry {
	globalOnce.Do(func() {
		global = New()
		registerBuiltins(global)
	})
	return global
}

// Registry holds all known block types.
type Registry struct {
	mu    sync.RWMutex
	types map[string]BlockTypeDef
	order []string // preserves registration order
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		types: make(map[string]BlockTypeDef),
	}
}

// Register adds a block type definition. If a type with the same name
// already exists it is overwritten.
func (r *Registry) Register(def BlockTypeDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[def.Type]; !exists {
		r.order = append(r.order, def.Type)
	}
	r.types[def.Type] = def
}

// Get returns a block type definition by type name.
func (r *Registry) Get(typeName string) (BlockTypeDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.types[typeName]
	return def, ok
}

// Has returns true if the type name is registered.
func (r *Registry) Has(typeName string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[typeName]
	return ok
}

// All returns all registered block types in registration order.
func (r *Registry) All() []BlockTypeDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]BlockTypeDef, 0, len(r.order))
	for _, name := range r.order {
		result = append(result, r.types[name])
	}
	return result
}

// Len returns the number of registered block types.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}

// Create instantiates a block of the given type. A non-empty id replaces
// the block's generated identifier.
func (r *Registry) Create(typeName, id string, params map[string]any) (core.Block, error) {
	def, ok := r.Get(typeName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}
	if def.Factory == nil {
		return nil, fmt.Errorf("%w: %q has no factory", ErrUnknownType, typeName)
	}
	for _, p := range def.Params {
		if _, set := params[p.Name]; p.Required && !set {
			return nil, fmt.Errorf("%w: %s requires %q", ErrInvalidParam, typeName, p.Name)
		}
	}
	b, err := def.Factory(params)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", typeName, err)
	}
	if id != "" {
		if s, ok := b.(interface{ SetID(string) }); ok {
			s.SetID(id)
		}
	}
	if err := applyCommonParams(b, params); err != nil {
		return nil, fmt.Errorf("create %s: %w", typeName, err)
	}
	return b, nil
}

// applyCommonParams handles the parameters every block type accepts.
func applyCommonParams(b core.Block, params map[string]any) error {
	limit, err := IntParam(params, "max_noutput_items", 0)
	if err != nil {
		return err
	}
	if limit != 0 {
		s, ok := b.(interface{ SetMaxNOutputItems(int) })
		if !ok {
			return fmt.Errorf("%w: max_noutput_items is not supported", ErrInvalidParam)
		}
		s.SetMaxNOutputItems(limit)
	}
	name, err := StringParam(params, "tag_propagation", "")
	if err != nil {
		return err
	}
	if name != "" {
		policy, ok := core.ParseTagPropagation(name)
		if !ok {
			return fmt.Errorf("%w: unknown tag_propagation %q", ErrInvalidParam, name)
		}
		s, ok := b.(interface{ SetTagPropagation(core.TagPropagation) })
		if !ok {
			return fmt.Errorf("%w: tag_propagation is not supported", ErrInvalidParam)
		}
		s.SetTagPropagation(policy)
	}
	return nil
}
