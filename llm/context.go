package llm

import "context"

// ToolsFunction executes one model-requested tool call and returns its result.
// The result is JSON-encoded before being handed back to the model.
type ToolsFunction func(ctx context.Context, name string, args map[string]any) (any, error)

// StreamPhase identifies where a broadcast sits in the life of a streamed call.
type StreamPhase string

const (
	StreamPhaseOpen   StreamPhase = "open"
	StreamPhaseUpdate StreamPhase = "update"
	StreamPhaseClose  StreamPhase = "close"
)

// StreamBroadcaster receives streaming progress. msg is the message being
// assembled (read-only for the receiver), delta is only the newly received
// text, never the accumulated total.
type StreamBroadcaster func(msg *Message, delta string, phase StreamPhase)

// PromptContext is everything a caller supplies for one logical prompt call.
// Zero-valued settings fall back to the service configuration.
type PromptContext struct {
	TraceID        string          `json:"trace_id,omitempty"`
	Service        string          `json:"service,omitempty"`
	Model          string          `json:"model,omitempty"`
	Instructions   string          `json:"instructions,omitempty"`
	Messages       []Message       `json:"messages"`
	Tools          []ToolSpec      `json:"tools,omitempty"`
	ToolChoice     ToolChoice      `json:"tool_choice,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
	Stream         *bool           `json:"stream,omitempty"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      int64           `json:"max_tokens,omitempty"`
	TopP           *float64        `json:"top_p,omitempty"`
	// Options carries provider-specific extensions (thinking, provider, models, keep_alive, ...).
	Options map[string]any `json:"options,omitempty"`

	ToolsFunction     ToolsFunction     `json:"-"`
	StreamBroadcaster StreamBroadcaster `json:"-"`
}

// EmbedContext is everything a caller supplies for one embedding call.
type EmbedContext struct {
	TraceID    string         `json:"trace_id,omitempty"`
	Service    string         `json:"service,omitempty"`
	Model      string         `json:"model,omitempty"`
	Input      []string       `json:"input"`
	Dimensions int            `json:"dimensions,omitempty"`
	Options    map[string]any `json:"options,omitempty"`
}

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// Float returns a pointer to f.
func Float(f float64) *float64 { return &f }
