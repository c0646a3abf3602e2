package upstream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ggoodman/mcp-sse-bridge/mcp"
	"github.com/google/jsonschema-go/jsonschema"
)

// ParamSpec describes one named tool parameter.
type ParamSpec struct {
	Required bool
	Schema   *jsonschema.Schema
}

// ToolDescriptor is a read-only view of a tool advertised by the upstream.
// Params is derived from the input schema's top-level properties.
type ToolDescriptor struct {
	Name        string
	Title       string
	Description string
	InputSchema json.RawMessage
	Params      map[string]ParamSpec

	required []string
	resolved *jsonschema.Resolved
}

// NewToolDescriptor compiles t's input schema. A schema that cannot be
// compiled still yields a usable descriptor (with required-parameter checks
// only) together with the compile error.
func NewToolDescriptor(t mcp.Tool) (*ToolDescriptor, error) {
	d := &ToolDescriptor{
		Name:        t.Name,
		Title:       t.Title,
		Description: t.Description,
		InputSchema: t.InputSchema,
		Params:      map[string]ParamSpec{},
	}
	if len(bytes.TrimSpace(t.InputSchema)) == 0 {
		return d, nil
	}

	var generic map[string]any
	if err := json.Unmarshal(t.InputSchema, &generic); err != nil {
		return d, fmt.Errorf("tool %q: input schema is not an object: %w", t.Name, err)
	}
	if req, ok := generic["required"].([]any); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				d.required = append(d.required, s)
			}
		}
	}
	sort.Strings(d.required)

	// Servers commonly emit draft-07 documents; the keywords we rely on are
	// shared with 2020-12, so the dialect marker is dropped before decoding.
	delete(generic, "$schema")
	normalized, err := json.Marshal(generic)
	if err != nil {
		return d, err
	}

	var schema jsonschema.Schema
	if err := json.Unmarshal(normalized, &schema); err != nil {
		d.fillParams(nil)
		return d, fmt.Errorf("tool %q: decode input schema: %w", t.Name, err)
	}
	d.fillParams(&schema)

	resolved, err := schema.Resolve(&jsonschema.ResolveOptions{})
	if err != nil {
		return d, fmt.Errorf("tool %q: resolve input schema: %w", t.Name, err)
	}
	d.resolved = resolved
	return d, nil
}

func (d *ToolDescriptor) fillParams(schema *jsonschema.Schema) {
	required := make(map[string]bool, len(d.required))
	for _, r := range d.required {
		required[r] = true
		d.Params[r] = ParamSpec{Required: true}
	}
	if schema == nil {
		return
	}
	for name, ps := range schema.Properties {
		d.Params[name] = ParamSpec{Required: required[name], Schema: ps}
	}
}

// Validate checks args against the descriptor. nil or JSON null arguments
// are treated as an empty object. Errors wrap ErrInvalidArguments.
func (d *ToolDescriptor) Validate(args json.RawMessage) error {
	obj := map[string]any{}
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		var instance any
		if err := json.Unmarshal(trimmed, &instance); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
		m, ok := instance.(map[string]any)
		if !ok {
			return fmt.Errorf("%w: arguments must be an object", ErrInvalidArguments)
		}
		obj = m
	}

	for _, name := range d.required {
		if _, ok := obj[name]; !ok {
			return fmt.Errorf("%w: missing required parameter %q", ErrInvalidArguments, name)
		}
	}
	if d.resolved != nil {
		if err := d.resolved.Validate(obj); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
	}
	return nil
}

// MarshalJSON renders the descriptor in MCP tool form.
func (d *ToolDescriptor) MarshalJSON() ([]byte, error) {
	schema := d.InputSchema
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	return json.Marshal(mcp.Tool{
		Name:        d.Name,
		Title:       d.Title,
		Description: d.Description,
		InputSchema: schema,
	})
}
