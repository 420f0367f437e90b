// Package definition loads, validates and versions pipeline definitions.
package definition

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jonathan/storyforge/internal/schemas"
	"github.com/jonathan/storyforge/internal/types"
	rootschemas "github.com/jonathan/storyforge/schemas"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Format is the source encoding of a definition document.
type Format string

const (
	FormatJSON Format = "json" // JSON with optional comments and trailing commas
	FormatYAML Format = "yaml"
)

// FormatFromPath picks the format from a file extension.
func FormatFromPath(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		return FormatJSON, true
	case ".yaml", ".yml":
		return FormatYAML, true
	default:
		return "", false
	}
}

// ReadFile reads and parses a definition file.
func ReadFile(path string) (*types.PipelineDefinition, error) {
	format, ok := FormatFromPath(path)
	if !ok {
		return nil, types.NewValidationError("unsupported definition file extension %q", filepath.Ext(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file %s: %w", path, err)
	}
	def, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Parse decodes, shape-checks and validates a definition document.
// Every problem found is reported at once in a *types.ValidationError.
func Parse(data []byte, format Format) (*types.PipelineDefinition, error) {
	doc, err := toJSON(data, format)
	if err != nil {
		return nil, err
	}

	if err := schemas.Validate(rootschemas.Definition, doc); err != nil {
		var schemaErr *schemas.ValidationError
		if errors.As(err, &schemaErr) {
			return nil, &types.ValidationError{Message: "definition does not match schema", Issues: schemaErr.Issues()}
		}
		return nil, &types.ValidationError{Message: "definition is not valid JSON", Cause: err}
	}

	var def types.PipelineDefinition
	if err := json.Unmarshal(doc, &def); err != nil {
		return nil, &types.ValidationError{Message: "failed to decode definition", Cause: err}
	}
	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

func toJSON(data []byte, format Format) ([]byte, error) {
	switch format {
	case FormatJSON, "":
		return jsonc.ToJSON(data), nil
	case FormatYAML:
		var v any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, &types.ValidationError{Message: "failed to parse YAML definition", Cause: err}
		}
		out, err := json.Marshal(v)
		if err != nil {
			return nil, &types.ValidationError{Message: "YAML definition is not representable as JSON", Cause: err}
		}
		return out, nil
	default:
		return nil, types.NewValidationError("unknown definition format %q", format)
	}
}
