// Package loader provides schema detection and loading for PetalStream
// flowgraph files in JSON and YAML formats.
package loader

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SchemaKind identifies the type of flowgraph file.
type SchemaKind string

const (
	SchemaKindFlowgraph SchemaKind = "flowgraph"
)

// DetectSchema detects the schema kind from file content and path:
//  1. Determine parse format from extension (.yaml/.yml -> YAML, else JSON)
//  2. If parsed.kind == "flowgraph" -> FLOWGRAPH
//  3. If parsed.kind names anything else -> error
//  4. If has "blocks" -> FLOWGRAPH
//  5. Else error
func DetectSchema(data []byte, filePath string) (SchemaKind, error) {
	var raw map[string]any
	if isYAML(filePath) {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return "", fmt.Errorf("parsing YAML: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, &raw); err != nil {
			return "", fmt.Errorf("parsing JSON: %w", err)
		}
	}

	if kind, ok := raw["kind"].(string); ok {
		if kind == string(SchemaKindFlowgraph) {
			return SchemaKindFlowgraph, nil
		}
		return "", fmt.Errorf("unsupported schema kind %q", kind)
	}

	if hasKey(raw, "blocks") {
		return SchemaKindFlowgraph, nil
	}

	return "", fmt.Errorf("unable to detect schema format: file does not describe a flowgraph")
}

// isYAML returns true if the file path has a YAML extension.
func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// hasKey checks if a key exists in a map.
func hasKey(m map[string]any, key string) bool {
	_, ok := m[key]
	return ok
}

// yamlToJSON converts raw bytes from YAML format to JSON bytes:
// YAML -> map[string]any -> JSON bytes -> typed struct.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}
	// yaml.v3 decodes mappings to map[string]any, which is JSON-compatible
	return json.Marshal(raw)
}
