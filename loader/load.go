package loader

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/petal-labs/petalstream/graph"
	"github.com/petal-labs/petalstream/registry"
)

// document is the on-disk shape: a GraphDefinition plus the optional kind marker.
type document struct {
	Kind string `json:"kind,omitempty"`
	graph.GraphDefinition
}

// LoadFlowgraph reads a flowgraph file, validates it against the global
// block registry and returns the GraphDefinition.
func LoadFlowgraph(path string) (*graph.GraphDefinition, error) {
	return LoadFlowgraphWithRegistry(path, registry.Global())
}

// LoadFlowgraphWithRegistry is LoadFlowgraph with an explicit registry.
func LoadFlowgraphWithRegistry(path string, reg *registry.Registry) (*graph.GraphDefinition, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from caller
	if err != nil {
		return nil, fmt.Errorf("reading file %s: %w", path, err)
	}
	return Parse(data, path, reg)
}

// Parse decodes and validates flowgraph content. The path is used only to
// choose between YAML and JSON.
func Parse(data []byte, path string, reg *registry.Registry) (*graph.GraphDefinition, error) {
	gd, diags, err := Inspect(data, path, reg)
	if err != nil {
		return nil, err
	}
	if graph.HasErrors(diags) {
		return nil, &DiagnosticError{Diagnostics: diags}
	}
	return gd, nil
}

// Inspect decodes flowgraph content and returns every diagnostic,
// warnings included. A non-nil error means the content could not be decoded
// at all; the definition is returned even when diagnostics contain errors.
func Inspect(data []byte, path string, reg *registry.Registry) (*graph.GraphDefinition, []graph.Diagnostic, error) {
	if _, err := DetectSchema(data, path); err != nil {
		return nil, nil, err
	}

	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, nil, err
	}

	var doc document
	if err := json.Unmarshal(jsonData, &doc); err != nil {
		return nil, nil, fmt.Errorf("parsing flowgraph definition: %w", err)
	}
	gd := doc.GraphDefinition
	return &gd, gd.ValidateWithRegistry(reg), nil
}

// toJSON converts data to JSON bytes, handling YAML conversion if the path
// indicates a YAML file.
func toJSON(data []byte, path string) ([]byte, error) {
	if isYAML(path) {
		return yamlToJSON(data)
	}
	return data, nil
}

// DiagnosticError wraps validation diagnostics as an error.
type DiagnosticError struct {
	Diagnostics []graph.Diagnostic
}

func (e *DiagnosticError) Error() string {
	errs := graph.Errors(e.Diagnostics)
	if len(errs) == 1 {
		return fmt.Sprintf("validation error: %s", errs[0].Message)
	}
	return fmt.Sprintf("%d validation errors (first: %s)", len(errs), errs[0].Message)
}
