// Package provider implements the provider-neutral orchestration engine: it
// turns a PromptContext into a Request, drives the tool-calling resolve loop
// against an Adapter, assembles streamed messages and returns one
// PromptResponse per logical call.
package provider

import (
	"context"
	"encoding/json"

	"github.com/aschepis/backscratcher/conductor/llm"
)

// Adapter is implemented once per upstream API. Adapters translate between
// the common model and their wire format; they never recurse on tool calls
// themselves.
type Adapter interface {
	// Service is the provider name the adapter serves ("anthropic", "openai", ...).
	Service() string
	// Serialize renders req as the JSON body the adapter would send.
	Serialize(req *Request) (json.RawMessage, error)
	// Prompt executes one API round. When stream is non-nil the adapter must
	// assemble the reply through it and return the finished message.
	Prompt(ctx context.Context, req *Request, stream *StreamState) (*Response, error)
	// Embed executes one embedding round.
	Embed(ctx context.Context, req *EmbedRequest) (*EmbedResult, error)
}

// URIBaser is implemented by adapters that talk to a fixed endpoint. The base
// URL is reported with connection errors.
type URIBaser interface {
	URIBase() string
}

// Pinger is implemented by adapters that can check their server without
// spending tokens. Ping returns the server version.
type Pinger interface {
	Ping(ctx context.Context) (string, error)
}

// Request is the validated, provider-neutral request for one resolve cycle.
// Messages is the only field that grows between rounds.
type Request struct {
	Service        string              `json:"service"`
	Model          string              `json:"model"`
	Instructions   string              `json:"instructions,omitempty"`
	Messages       []llm.Message       `json:"messages"`
	Tools          []llm.ToolSpec      `json:"tools,omitempty"`
	ToolChoice     llm.ToolChoice      `json:"tool_choice,omitempty"`
	ResponseFormat *llm.ResponseFormat `json:"response_format,omitempty"`
	Stream         bool                `json:"stream,omitempty"`
	Temperature    *float64            `json:"temperature,omitempty"`
	MaxTokens      int64               `json:"max_tokens,omitempty"`
	TopP           *float64            `json:"top_p,omitempty"`
	Options        map[string]any      `json:"options,omitempty"`
}

// EmbedRequest is the validated request for one embedding call.
type EmbedRequest struct {
	Service    string         `json:"service"`
	Model      string         `json:"model"`
	Input      []string       `json:"input"`
	Dimensions int            `json:"dimensions,omitempty"`
	Options    map[string]any `json:"options,omitempty"`
}

// Response is one normalized API round.
type Response struct {
	// Messages produced by the round, usually a single assistant message.
	Messages     []llm.Message
	Usage        llm.Usage
	FinishReason string
	Raw          json.RawMessage
}

// EmbedResult is one normalized embedding round.
type EmbedResult struct {
	Data  []llm.Embedding
	Usage llm.Usage
	Raw   json.RawMessage
}

// Finish reasons shared by every adapter.
const (
	FinishStop      = "stop"
	FinishToolCalls = "tool_calls"
	FinishLength    = "length"
	FinishFiltered  = "content_filter"
	FinishPause     = "pause_turn"
	FinishRefusal   = "refusal"
)

// ToolCalls returns every tool use requested across msgs, in order.
func ToolCalls(msgs []llm.Message) []llm.ToolUseBlock {
	var out []llm.ToolUseBlock
	for _, m := range msgs {
		if m.Role != llm.RoleAssistant {
			continue
		}
		out = append(out, m.ToolUses()...)
	}
	return out
}
