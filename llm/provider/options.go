package provider

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/aschepis/backscratcher/conductor/llm"
)

// Validator is implemented by option structs that check themselves after casting.
type Validator interface {
	Validate() error
}

// CastOptions copies loosely typed options into out through a YAML round
// trip, so `yaml` tags on the option struct decide the accepted keys. Keys
// without a matching field are ignored. out is validated when it implements
// Validator.
func CastOptions(in map[string]any, out any) error {
	if len(in) > 0 {
		data, err := yaml.Marshal(in)
		if err != nil {
			return llm.NewValidationError("encode options: %v", err)
		}
		if err := yaml.Unmarshal(data, out); err != nil {
			return llm.NewValidationError("cast options: %v", err)
		}
	}
	if v, ok := out.(Validator); ok {
		if err := v.Validate(); err != nil {
			return llm.NewValidationError("invalid options: %v", err)
		}
	}
	return nil
}

// NormalizeEmbeddings reads an embedding payload in any of the shapes the
// supported APIs return and produces one indexed list:
//
//	{"data": [{"index": 0, "embedding": [...]}, ...]}  list object
//	{"embeddings": [[...], ...]}                       Ollama native
//	{"embedding": [...]}                               single bare embedding
//	[[...], ...] or [...]                              bare arrays
func NormalizeEmbeddings(raw []byte) ([]llm.Embedding, error) {
	if !gjson.ValidBytes(raw) {
		return nil, llm.NewProtocolError("embedding payload is not valid JSON")
	}
	root := gjson.ParseBytes(raw)

	switch {
	case root.Get("data").IsArray():
		items := root.Get("data").Array()
		out := make([]llm.Embedding, 0, len(items))
		for i, item := range items {
			idx := i
			if v := item.Get("index"); v.Exists() {
				idx = int(v.Int())
			}
			vec, err := vector(item.Get("embedding"))
			if err != nil {
				return nil, err
			}
			out = append(out, llm.Embedding{Index: idx, Vector: vec})
		}
		sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
		return out, nil
	case root.Get("embeddings").IsArray():
		return vectors(root.Get("embeddings"))
	case root.Get("embedding").IsArray():
		vec, err := vector(root.Get("embedding"))
		if err != nil {
			return nil, err
		}
		return []llm.Embedding{{Index: 0, Vector: vec}}, nil
	case root.IsArray():
		items := root.Array()
		if len(items) > 0 && items[0].IsArray() {
			return vectors(root)
		}
		vec, err := vector(root)
		if err != nil {
			return nil, err
		}
		return []llm.Embedding{{Index: 0, Vector: vec}}, nil
	}
	return nil, llm.NewProtocolError("unrecognized embedding payload shape")
}

func vectors(list gjson.Result) ([]llm.Embedding, error) {
	items := list.Array()
	out := make([]llm.Embedding, 0, len(items))
	for i, item := range items {
		vec, err := vector(item)
		if err != nil {
			return nil, err
		}
		out = append(out, llm.Embedding{Index: i, Vector: vec})
	}
	return out, nil
}

func vector(v gjson.Result) ([]float64, error) {
	if !v.IsArray() {
		return nil, llm.NewProtocolError("embedding is not an array: %s", v.Type)
	}
	items := v.Array()
	out := make([]float64, len(items))
	for i, x := range items {
		if x.Type != gjson.Number {
			return nil, llm.NewProtocolError("embedding component %d is %s, not a number", i, x.Type)
		}
		out[i] = x.Float()
	}
	return out, nil
}

// EncodeToolResult renders a tool's return value as the string handed back to
// the model. Strings and raw JSON pass through unchanged.
func EncodeToolResult(v any) (string, error) {
	switch val := v.(type) {
	case nil:
		return "null", nil
	case string:
		return val, nil
	case json.RawMessage:
		return string(val), nil
	case []byte:
		return string(val), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode tool result: %w", err)
	}
	return string(data), nil
}
