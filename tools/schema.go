package tools

import (
	"bytes"
	"encoding/json"
	"fmt"

	invopop "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/aschepis/backscratcher/conductor/llm"
)

var reflector = invopop.Reflector{
	DoNotReference: true,
	ExpandedStruct: true,
}

// SchemaFor reflects the input schema of T, which must be a struct. Field
// names come from json tags; descriptions from `jsonschema:"description=..."`.
// Fields without omitempty are required.
func SchemaFor[T any]() (llm.ToolSchema, error) {
	var zero T
	data, err := json.Marshal(reflector.Reflect(&zero))
	if err != nil {
		return llm.ToolSchema{}, fmt.Errorf("failed to marshal schema: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return llm.ToolSchema{}, fmt.Errorf("failed to decode schema: %w", err)
	}
	if t, _ := doc["type"].(string); t != "object" {
		return llm.ToolSchema{}, fmt.Errorf("tool arguments must be an object, got %q", t)
	}
	return schemaFromMap(doc), nil
}

// schemaFromMap splits a JSON-schema object into a ToolSchema.
func schemaFromMap(doc map[string]any) llm.ToolSchema {
	schema := llm.ToolSchema{Type: "object"}
	for k, v := range doc {
		switch k {
		case "$schema", "$id", "type":
		case "properties":
			schema.Properties, _ = v.(map[string]any)
		case "required":
			list, _ := v.([]any)
			for _, item := range list {
				if s, ok := item.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		default:
			if schema.ExtraFields == nil {
				schema.ExtraFields = map[string]any{}
			}
			schema.ExtraFields[k] = v
		}
	}
	return schema
}

func compileSchema(name string, schema llm.ToolSchema) (*jsonschema.Schema, error) {
	data, err := json.Marshal(schema.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode schema: %w", err)
	}
	url := name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

func validate(schema *jsonschema.Schema, raw []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return schema.Validate(inst)
}
