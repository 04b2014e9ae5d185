// Package tools maps tool names to Go handlers and hands the engine the two
// things it needs from them: the ToolSpecs advertised to the model and the
// ToolsFunction that runs whatever the model asks for.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/aschepis/backscratcher/conductor/llm"
)

// Handler runs one tool call. args is the validated JSON argument object.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

type entry struct {
	spec    llm.ToolSpec
	schema  *jsonschema.Schema
	handler Handler
}

// Registry maps tool names to handlers. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*entry
	logger zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]*entry),
		logger: logger.With().Str("component", "tool_registry").Logger(),
	}
}

var validName = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Register adds a tool. Its schema is compiled so arguments can be
// checked before h runs. Registering a name twice replaces the first tool.
func (r *Registry) Register(spec llm.ToolSpec, h Handler) error {
	if !validName.MatchString(spec.Name) {
		return fmt.Errorf("invalid tool name %q: must match %s", spec.Name, validName)
	}
	if spec.Schema.Type == "" {
		spec.Schema.Type = "object"
	}
	schema, err := compileSchema(spec.Name, spec.Schema)
	if err != nil {
		return fmt.Errorf("tool %s: %w", spec.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[spec.Name]; ok {
		r.logger.Warn().Str("tool", spec.Name).Msg("Replacing registered tool")
	}
	r.tools[spec.Name] = &entry{spec: spec, schema: schema, handler: h}
	r.logger.Debug().Str("tool", spec.Name).Msg("Registered tool")
	return nil
}

// RegisterFunc registers fn as a tool whose arguments decode into T. The
// input schema is reflected from T.
func RegisterFunc[T any](r *Registry, name, description string, fn func(ctx context.Context, args T) (any, error)) error {
	schema, err := SchemaFor[T]()
	if err != nil {
		return fmt.Errorf("tool %s: %w", name, err)
	}
	return r.Register(llm.ToolSpec{Name: name, Description: description, Schema: schema}, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args T
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("failed to unmarshal arguments: %w", err)
		}
		return fn(ctx, args)
	})
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Specs returns the specs of the named tools, or of every tool when no
// names are given. Unknown names are an error.
func (r *Registry) Specs(names ...string) ([]llm.ToolSpec, error) {
	if len(names) == 0 {
		names = r.Names()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]llm.ToolSpec, 0, len(names))
	for _, name := range names {
		e, ok := r.tools[name]
		if !ok {
			return nil, fmt.Errorf("unknown tool: %s", name)
		}
		specs = append(specs, e.spec)
	}
	return specs, nil
}

// Handle validates args against the tool's schema and runs it.
func (r *Registry) Handle(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	e, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		r.logger.Error().Str("tool", name).Msg("Unknown tool requested")
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
	if args == nil {
		args = map[string]any{}
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal arguments: %w", err)
	}
	if err := validate(e.schema, raw); err != nil {
		r.logger.Warn().Str("tool", name).Err(err).Msg("Tool arguments failed validation")
		return nil, fmt.Errorf("invalid arguments for %s: %w", name, err)
	}

	r.logger.Debug().Str("tool", name).RawJSON("args", raw).Msg("Executing tool")
	result, err := e.handler(ctx, raw)
	if err != nil {
		r.logger.Warn().Str("tool", name).Err(err).Msg("Tool returned error")
		return nil, err
	}
	r.logger.Debug().Str("tool", name).Str("result", truncate(fmt.Sprint(result), 500)).Msg("Tool returned result")
	return result, nil
}

// Func returns the registry as the engine's tool callback.
func (r *Registry) Func() llm.ToolsFunction {
	return r.Handle
}

// MCPToolInvoker represents something that can invoke an MCP tool.
type MCPToolInvoker interface {
	InvokeTool(ctx context.Context, originalName string, input map[string]any) (map[string]any, error)
}

// RegisterMCPTool registers a tool served by an MCP client. spec.Name is the
// safe name advertised to models; originalName is the server's own name.
func (r *Registry) RegisterMCPTool(spec llm.ToolSpec, originalName string, invoker MCPToolInvoker) error {
	return r.Register(spec, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var input map[string]any
		if err := json.Unmarshal(raw, &input); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tool arguments: %w", err)
		}
		return invoker.InvokeTool(ctx, originalName, input)
	})
}

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// SafeName builds a model-safe tool name from an MCP server and tool name.
// Provider APIs reject dots and most punctuation and cap names at 64 bytes.
func SafeName(server, tool string) string {
	name := unsafeChars.ReplaceAllString(server+"__"+tool, "_")
	name = strings.Trim(name, "_")
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "... (truncated)"
}
