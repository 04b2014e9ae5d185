package ollama

import (
	"strconv"
	"strings"

	"github.com/aschepis/backscratcher/conductor/llm"
)

// coerceToolCalls rewrites the arguments of every tool call in msgs to the
// scalar types the tool's schema declares. Local models often quote numbers
// and booleans. Values that do not convert are left for schema validation to
// report.
func coerceToolCalls(msgs []llm.Message, tools []llm.ToolSpec) {
	if len(tools) == 0 {
		return
	}
	schemas := make(map[string]llm.ToolSchema, len(tools))
	for _, t := range tools {
		schemas[t.Name] = t.Schema
	}
	for i := range msgs {
		for j := range msgs[i].Content {
			tu := msgs[i].Content[j].ToolUse
			if tu == nil {
				continue
			}
			if schema, ok := schemas[tu.Name]; ok {
				tu.Input = coerceArguments(tu.Input, schema)
			}
		}
	}
}

func coerceArguments(args map[string]any, schema llm.ToolSchema) map[string]any {
	if len(args) == 0 || len(schema.Properties) == 0 {
		return args
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = coerce(v, propertyType(schema.Properties[k]))
	}
	return out
}

func propertyType(prop any) string {
	if m, ok := prop.(map[string]any); ok {
		if t, ok := m["type"].(string); ok {
			return t
		}
	}
	return ""
}

func coerce(v any, typ string) any {
	s, isString := v.(string)
	switch typ {
	case "integer":
		if isString {
			if i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
				return i
			}
		}
		if f, ok := v.(float64); ok && f == float64(int64(f)) {
			return int64(f)
		}
	case "number":
		if isString {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				return f
			}
		}
	case "boolean":
		if isString {
			switch strings.ToLower(strings.TrimSpace(s)) {
			case "true", "1", "yes", "on":
				return true
			case "false", "0", "no", "off":
				return false
			}
		}
	case "string":
		switch val := v.(type) {
		case float64:
			return strconv.FormatFloat(val, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(val)
		}
	}
	return v
}
