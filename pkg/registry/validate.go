package registry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidationError reports the first schema violation for a value.
type ValidationError struct {
	FieldPath string `json:"field_path"`
	Message   string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.FieldPath == "" {
		return fmt.Sprintf("validation failed: %s", e.Message)
	}
	return fmt.Sprintf("validation failed at %s: %s", e.FieldPath, e.Message)
}

// ValidateInput validates and normalizes value against the tool's input
// schema. Normalization fills absent top-level properties that declare a
// default. The returned value is a copy; the caller's value is not mutated.
func (r *Registry) ValidateInput(id string, value any) (any, error) {
	e, ok := (*r.snapshot.Load())[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, id)
	}
	return validate(e.input, e.inputDefaults, value)
}

// ValidateOutput validates and normalizes value against the tool's output
// schema.
func (r *Registry) ValidateOutput(id string, value any) (any, error) {
	e, ok := (*r.snapshot.Load())[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, id)
	}
	return validate(e.output, e.outputDefaults, value)
}

func validate(schema *jsonschema.Schema, defaults map[string]any, value any) (any, error) {
	normalized := applyDefaults(defaults, value)
	if err := schema.Validate(normalized); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			leaf := leafCause(ve)
			return nil, &ValidationError{
				FieldPath: pointerToPath(leaf.InstanceLocation),
				Message:   leaf.Message,
			}
		}
		return nil, &ValidationError{Message: err.Error()}
	}
	return normalized, nil
}

// applyDefaults returns value with absent top-level defaulted properties
// filled in. Non-object values pass through untouched.
func applyDefaults(defaults map[string]any, value any) any {
	obj, ok := value.(map[string]any)
	if !ok || len(defaults) == 0 {
		return value
	}
	out := make(map[string]any, len(obj)+len(defaults))
	for k, v := range obj {
		out[k] = v
	}
	for k, v := range defaults {
		if _, present := out[k]; !present {
			out[k] = v
		}
	}
	return out
}

// leafCause descends to the most specific violation.
func leafCause(ve *jsonschema.ValidationError) *jsonschema.ValidationError {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	return ve
}

// pointerToPath converts a JSON pointer ("/locations/0/city") into a dotted
// field path ("locations.0.city").
func pointerToPath(ptr string) string {
	ptr = strings.TrimPrefix(ptr, "/")
	if ptr == "" {
		return ""
	}
	parts := strings.Split(ptr, "/")
	for i, p := range parts {
		p = strings.ReplaceAll(p, "~1", "/")
		parts[i] = strings.ReplaceAll(p, "~0", "~")
	}
	return strings.Join(parts, ".")
}

// compileSchema compiles a raw JSON Schema (Draft 2020-12) and extracts
// top-level property defaults for normalization.
func compileSchema(toolID, kind string, raw json.RawMessage) (*jsonschema.Schema, map[string]any, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://gantry.schemas.local/tools/%s/%s.schema.json", toolID, kind)
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, nil, fmt.Errorf("registry: tool %s: load %s schema: %w", toolID, kind, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, nil, fmt.Errorf("registry: tool %s: compile %s schema: %w", toolID, kind, err)
	}

	var doc struct {
		Properties map[string]struct {
			Default any `json:"default"`
		} `json:"properties"`
	}
	defaults := make(map[string]any)
	if err := json.Unmarshal(raw, &doc); err == nil {
		for name, prop := range doc.Properties {
			if prop.Default != nil {
				defaults[name] = prop.Default
			}
		}
	}
	return compiled, defaults, nil
}
