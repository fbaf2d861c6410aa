package graph

import (
	"errors"
	"fmt"

	"github.com/petal-labs/petalstream/core"
	"github.com/petal-labs/petalstream/registry"
)

// Diagnostic represents a validation error or warning produced by
// flowgraph definition validation.
type Diagnostic struct {
	Code     string `json:"code"`           // e.g. "FG-001"
	Severity string `json:"severity"`       // "error" or "warning"
	Message  string `json:"message"`        // human-readable description
	Path     string `json:"path,omitempty"` // JSON path to offending field
}

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// HasErrors returns true if any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity diagnostics.
func Errors(diags []Diagnostic) []Diagnostic {
	var errs []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	return errs
}

// Warnings returns only the warning-severity diagnostics.
func Warnings(diags []Diagnostic) []Diagnostic {
	var warns []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			warns = append(warns, d)
		}
	}
	return warns
}

// GraphDefinition is the serializable form of a flowgraph, as loaded from
// YAML or JSON.
type GraphDefinition struct {
	ID       string            `json:"id"`
	Version  string            `json:"version"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Blocks   []BlockDef        `json:"blocks"`
	Edges    []EdgeDef         `json:"edges"`
}

// BlockDef is a serializable block within a GraphDefinition.
type BlockDef struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// EdgeDef connects output SourcePort of Source to input TargetPort of Target.
type EdgeDef struct {
	Source     string `json:"source"`
	SourcePort int    `json:"sourcePort"`
	Target     string `json:"target"`
	TargetPort int    `json:"targetPort"`
}

// Validate checks structural integrity of the GraphDefinition.
// It checks rules that can be verified without a block registry:
//   - FG-001: edge source/target reference existing blocks
//   - FG-002: duplicate block IDs
//   - FG-004: negative port indexes
//   - FG-005: an input driven by more than one edge
//   - FG-008: isolated blocks (warning)
//
// Registry-dependent rules (FG-003, FG-004 upper bounds, FG-006, FG-007,
// FG-009) are checked via ValidateWithRegistry.
func (gd *GraphDefinition) Validate() []Diagnostic {
	var diags []Diagnostic

	if len(gd.Blocks) == 0 {
		diags = append(diags, Diagnostic{
			Code:     "FG-000",
			Severity: SeverityError,
			Message:  "Flowgraph has no blocks",
			Path:     "blocks",
		})
	}

	blockIDs := make(map[string]bool, len(gd.Blocks))

	// FG-002: duplicate block IDs
	for i, b := range gd.Blocks {
		if blockIDs[b.ID] {
			diags = append(diags, Diagnostic{
				Code:     "FG-002",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Duplicate block ID %q", b.ID),
				Path:     fmt.Sprintf("blocks[%d].id", i),
			})
		}
		blockIDs[b.ID] = true
	}

	driven := make(map[Endpoint]int)
	for i, edge := range gd.Edges {
		// FG-001: edge source/target must reference existing blocks
		if !blockIDs[edge.Source] {
			diags = append(diags, Diagnostic{
				Code:     "FG-001",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Edge source %q references unknown block", edge.Source),
				Path:     fmt.Sprintf("edges[%d].source", i),
			})
		}
		if !blockIDs[edge.Target] {
			diags = append(diags, Diagnostic{
				Code:     "FG-001",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Edge target %q references unknown block", edge.Target),
				Path:     fmt.Sprintf("edges[%d].target", i),
			})
		}

		// FG-004: ports are zero-based
		if edge.SourcePort < 0 {
			diags = append(diags, portDiag(i, "sourcePort", edge.SourcePort, "must not be negative"))
		}
		if edge.TargetPort < 0 {
			diags = append(diags, portDiag(i, "targetPort", edge.TargetPort, "must not be negative"))
		}

		// FG-005: one driver per input
		dst := Endpoint{edge.Target, edge.TargetPort}
		if prev, ok := driven[dst]; ok {
			diags = append(diags, Diagnostic{
				Code:     "FG-005",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Input %s is already driven by edges[%d]", dst, prev),
				Path:     fmt.Sprintf("edges[%d]", i),
			})
		} else {
			driven[dst] = i
		}
	}

	// FG-008: blocks with no edges at all
	if len(gd.Blocks) > 1 {
		connected := make(map[string]bool)
		for _, edge := range gd.Edges {
			connected[edge.Source] = true
			connected[edge.Target] = true
		}
		for i, b := range gd.Blocks {
			if !connected[b.ID] {
				diags = append(diags, Diagnostic{
					Code:     "FG-008",
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("Block %q has no inbound or outbound edges", b.ID),
					Path:     fmt.Sprintf("blocks[%d]", i),
				})
			}
		}
	}

	return diags
}

func portDiag(edge int, field string, port int, reason string) Diagnostic {
	return Diagnostic{
		Code:     "FG-004",
		Severity: SeverityError,
		Message:  fmt.Sprintf("Port %d %s", port, reason),
		Path:     fmt.Sprintf("edges[%d].%s", edge, field),
	}
}

// ValidateWithRegistry runs structural validation plus registry-dependent checks:
//   - FG-003: block type must exist in the registry
//   - FG-009: block parameters must be accepted by the type's factory
//   - FG-004: ports must exist on the instantiated block's signature
//   - FG-006: both ends of an edge must agree on item size
//   - FG-007: every block must have enough connected inputs and outputs
func (gd *GraphDefinition) ValidateWithRegistry(reg *registry.Registry) []Diagnostic {
	diags := gd.Validate()
	if reg == nil {
		return diags
	}

	instances := make(map[string]core.Block, len(gd.Blocks))
	for i, bd := range gd.Blocks {
		if !reg.Has(bd.Type) {
			diags = append(diags, Diagnostic{
				Code:     "FG-003",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Block %q has unknown type %q", bd.ID, bd.Type),
				Path:     fmt.Sprintf("blocks[%d].type", i),
			})
			continue
		}
		b, err := reg.Create(bd.Type, bd.ID, bd.Params)
		if err != nil {
			diags = append(diags, Diagnostic{
				Code:     "FG-009",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Block %q: %v", bd.ID, err),
				Path:     fmt.Sprintf("blocks[%d].params", i),
			})
			continue
		}
		instances[bd.ID] = b
	}

	nin := make(map[string]int)
	nout := make(map[string]int)
	for i, edge := range gd.Edges {
		src, srcOK := instances[edge.Source]
		dst, dstOK := instances[edge.Target]
		if srcOK {
			nout[edge.Source] = max(nout[edge.Source], edge.SourcePort+1)
			if sig := src.OutputSignature(); sig.MaxStreams != core.IOInfinite && edge.SourcePort >= sig.MaxStreams {
				diags = append(diags, portDiag(i, "sourcePort", edge.SourcePort,
					fmt.Sprintf("exceeds the %d outputs of block %q", sig.MaxStreams, edge.Source)))
			}
		}
		if dstOK {
			nin[edge.Target] = max(nin[edge.Target], edge.TargetPort+1)
			if sig := dst.InputSignature(); sig.MaxStreams != core.IOInfinite && edge.TargetPort >= sig.MaxStreams {
				diags = append(diags, portDiag(i, "targetPort", edge.TargetPort,
					fmt.Sprintf("exceeds the %d inputs of block %q", sig.MaxStreams, edge.Target)))
			}
		}
		if srcOK && dstOK {
			srcSize := src.OutputSignature().ItemSize(edge.SourcePort)
			dstSize := dst.InputSignature().ItemSize(edge.TargetPort)
			if srcSize != dstSize {
				diags = append(diags, Diagnostic{
					Code:     "FG-006",
					Severity: SeverityError,
					Message:  fmt.Sprintf("Edge carries %d byte items from %q into %d byte input of %q", srcSize, edge.Source, dstSize, edge.Target),
					Path:     fmt.Sprintf("edges[%d]", i),
				})
			}
		}
	}

	for i, bd := range gd.Blocks {
		b, ok := instances[bd.ID]
		if !ok {
			continue
		}
		if need := b.InputSignature().MinStreams; nin[bd.ID] < need {
			diags = append(diags, Diagnostic{
				Code:     "FG-007",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Block %q needs %d connected inputs, has %d", bd.ID, need, nin[bd.ID]),
				Path:     fmt.Sprintf("blocks[%d]", i),
			})
		}
		if need := b.OutputSignature().MinStreams; nout[bd.ID] < need {
			diags = append(diags, Diagnostic{
				Code:     "FG-007",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Block %q needs %d connected outputs, has %d", bd.ID, need, nout[bd.ID]),
				Path:     fmt.Sprintf("blocks[%d]", i),
			})
		}
	}

	return diags
}

// BlockFactory creates a live block from its definition.
type BlockFactory func(BlockDef) (core.Block, error)

// BuildOption configures ToFlowgraph.
type BuildOption func(*buildConfig)

type buildConfig struct {
	factory BlockFactory
}

// WithBlockFactory sets the factory used to instantiate blocks.
func WithBlockFactory(factory BlockFactory) BuildOption {
	return func(c *buildConfig) {
		c.factory = factory
	}
}

// ToFlowgraph instantiates every block and wires the edges. The result is
// not yet finalized; the executor validates it when a run starts.
func (gd *GraphDefinition) ToFlowgraph(opts ...BuildOption) (*Flowgraph, error) {
	cfg := buildConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.factory == nil {
		return nil, errors.New("no block factory configured")
	}

	if diags := gd.Validate(); HasErrors(diags) {
		first := Errors(diags)[0]
		return nil, fmt.Errorf("invalid flowgraph definition: %s: %s", first.Code, first.Message)
	}

	name := gd.ID
	if name == "" {
		name = "flowgraph"
	}
	fg := New(name)
	for _, bd := range gd.Blocks {
		b, err := cfg.factory(bd)
		if err != nil {
			return nil, fmt.Errorf("block %q: %w", bd.ID, err)
		}
		if b.ID() != bd.ID {
			return nil, fmt.Errorf("block %q: factory returned block with ID %q", bd.ID, b.ID())
		}
		if err := fg.Add(b); err != nil {
			return nil, err
		}
	}
	for _, e := range gd.Edges {
		if err := fg.Connect(e.Source, e.SourcePort, e.Target, e.TargetPort); err != nil {
			return nil, err
		}
	}
	return fg, nil
}
