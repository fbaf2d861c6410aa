// Package hydrate turns a GraphDefinition into a runnable Flowgraph, applying
// parameter overrides from the command line and the environment.
package hydrate

import (
	"fmt"
	"maps"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/petalstream/core"
	"github.com/petal-labs/petalstream/graph"
	"github.com/petal-labs/petalstream/registry"
)

// EnvPrefix starts every environment override:
// PETALSTREAM_SET_<BLOCK>__<PARAM>=<yaml value>.
const EnvPrefix = "PETALSTREAM_SET_"

// Overrides maps block IDs to parameter values that replace the ones in the
// definition.
type Overrides map[string]map[string]any

func (o Overrides) set(block, param string, value any) {
	if o[block] == nil {
		o[block] = make(map[string]any)
	}
	o[block][param] = value
}

// ResolveOverrides builds Overrides from environment variables and --set
// flags. Priority: flags > env vars.
func ResolveOverrides(flags []string) (Overrides, error) {
	overrides := make(Overrides)

	// 1. Environment variables. Block IDs are matched case-insensitively at
	// apply time, so the lower-cased name is stored here.
	for _, env := range os.Environ() {
		key, val, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		block, param, ok := strings.Cut(strings.TrimPrefix(key, EnvPrefix), "__")
		if !ok || block == "" || param == "" {
			return nil, fmt.Errorf("invalid override variable %q: expected %s<BLOCK>__<PARAM>", key, EnvPrefix)
		}
		v, err := parseValue(val)
		if err != nil {
			return nil, fmt.Errorf("override variable %s: %w", key, err)
		}
		overrides.set(strings.ToLower(block), strings.ToLower(param), v)
	}

	// 2. CLI flags, block.param=value.
	parsed, err := ParseSetFlags(flags)
	if err != nil {
		return nil, err
	}
	for block, params := range parsed {
		for param, v := range params {
			overrides.set(block, param, v)
		}
	}

	return overrides, nil
}

// ParseSetFlags parses --set flag values ("block.param=value"). Values are
// decoded as YAML, so "[1, 0.5]" becomes a list and "true" a boolean.
func ParseSetFlags(flags []string) (Overrides, error) {
	result := make(Overrides, len(flags))
	for _, flag := range flags {
		target, raw, ok := strings.Cut(flag, "=")
		block, param, dotted := strings.Cut(target, ".")
		if !ok || !dotted || block == "" || param == "" {
			return nil, fmt.Errorf("invalid --set format %q: expected block.param=value", flag)
		}
		v, err := parseValue(raw)
		if err != nil {
			return nil, fmt.Errorf("--set %s: %w", target, err)
		}
		result.set(block, param, v)
	}
	return result, nil
}

func parseValue(raw string) (any, error) {
	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("parsing value %q: %w", raw, err)
	}
	return v, nil
}

// Apply returns a copy of def with the overrides merged into block params.
// An override naming a block the definition does not contain is an error.
func (o Overrides) Apply(def *graph.GraphDefinition) (*graph.GraphDefinition, error) {
	out := *def
	out.Blocks = make([]graph.BlockDef, len(def.Blocks))
	index := make(map[string]int, len(def.Blocks))
	for i, bd := range def.Blocks {
		bd.Params = maps.Clone(bd.Params)
		out.Blocks[i] = bd
		index[bd.ID] = i
		if _, exact := index[strings.ToLower(bd.ID)]; !exact {
			index[strings.ToLower(bd.ID)] = i
		}
	}
	for block, params := range o {
		i, ok := index[block]
		if !ok {
			return nil, fmt.Errorf("override for unknown block %q", block)
		}
		if out.Blocks[i].Params == nil {
			out.Blocks[i].Params = make(map[string]any, len(params))
		}
		maps.Copy(out.Blocks[i].Params, params)
	}
	return &out, nil
}

// Build instantiates every block of def through reg and wires the edges. A
// nil registry means registry.Global().
func Build(def *graph.GraphDefinition, reg *registry.Registry, overrides Overrides) (*graph.Flowgraph, error) {
	if def == nil {
		return nil, fmt.Errorf("graph definition is nil")
	}
	if reg == nil {
		reg = registry.Global()
	}
	if len(overrides) > 0 {
		var err error
		if def, err = overrides.Apply(def); err != nil {
			return nil, err
		}
	}
	return def.ToFlowgraph(graph.WithBlockFactory(registryFactory(reg)))
}

func registryFactory(reg *registry.Registry) graph.BlockFactory {
	return func(bd graph.BlockDef) (core.Block, error) {
		return reg.Create(bd.Type, bd.ID, bd.Params)
	}
}
