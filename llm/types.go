package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// MessageRole represents the role of a message in a conversation.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleDeveloper MessageRole = "developer"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// Valid reports whether r is one of the known roles.
func (r MessageRole) Valid() bool {
	switch r {
	case RoleSystem, RoleDeveloper, RoleUser, RoleAssistant, RoleTool:
		return true
	}
	return false
}

// Message represents a single message in a conversation.
// Messages have no identity beyond their position in an ordered list.
type Message struct {
	Role    MessageRole    `json:"role"`
	Content []ContentBlock `json:"content"`
	// Name is an optional participant name (OpenAI-compatible providers only).
	Name string `json:"name,omitempty"`
}

// ContentBlock represents a single typed unit of message content.
type ContentBlock struct {
	Type       ContentBlockType `json:"type"`
	Text       string           `json:"text,omitempty"`
	Image      *MediaSource     `json:"image,omitempty"`
	Document   *MediaSource     `json:"document,omitempty"`
	Audio      *MediaSource     `json:"audio,omitempty"`
	ToolUse    *ToolUseBlock    `json:"tool_use,omitempty"`
	ToolResult *ToolResultBlock `json:"tool_result,omitempty"`
	Thinking   *ThinkingBlock   `json:"thinking,omitempty"`
}

// ContentBlockType represents the type of content block.
type ContentBlockType string

const (
	ContentBlockTypeText       ContentBlockType = "text"
	ContentBlockTypeImage      ContentBlockType = "image"
	ContentBlockTypeDocument   ContentBlockType = "document"
	ContentBlockTypeAudio      ContentBlockType = "audio"
	ContentBlockTypeToolUse    ContentBlockType = "tool_use"
	ContentBlockTypeToolResult ContentBlockType = "tool_result"
	ContentBlockTypeThinking   ContentBlockType = "thinking"
)

// MediaSource is an image, document or audio payload, either inline base64 data or a URL.
type MediaSource struct {
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// ToolUseBlock represents a tool invocation request from the assistant.
// ID is the provider's correlation id used to attach the eventual result.
type ToolUseBlock struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolResultBlock represents the result of a tool invocation.
type ToolResultBlock struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Content string `json:"content"` // JSON-serialized result
	IsError bool   `json:"is_error,omitempty"`
}

// ThinkingBlock carries model reasoning. Signature must be replayed verbatim
// on later rounds for providers that verify it.
type ThinkingBlock struct {
	Thinking  string `json:"thinking"`
	Signature string `json:"signature,omitempty"`
}

// ToolSpec represents a tool definition that can be provided to an LLM.
type ToolSpec struct {
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Schema      ToolSchema `json:"input_schema"`
}

// ToolSchema represents the JSON schema for a tool's input parameters.
type ToolSchema struct {
	Type        string         `json:"type"`
	Properties  map[string]any `json:"properties,omitempty"`
	Required    []string       `json:"required,omitempty"`
	ExtraFields map[string]any `json:"-"` // For any additional schema fields
}

// Map renders the schema as a plain JSON-schema object, folding ExtraFields in.
func (s ToolSchema) Map() map[string]any {
	out := make(map[string]any, len(s.ExtraFields)+3)
	for k, v := range s.ExtraFields {
		out[k] = v
	}
	typ := s.Type
	if typ == "" {
		typ = "object"
	}
	out["type"] = typ
	props := s.Properties
	if props == nil {
		props = map[string]any{}
	}
	out["properties"] = props
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	return out
}

// ToolChoiceMode is the tool-use policy requested from the model.
type ToolChoiceMode string

const (
	ToolChoiceAuto ToolChoiceMode = "auto"
	ToolChoiceNone ToolChoiceMode = "none"
	// ToolChoiceAny forces the model to call at least one tool.
	ToolChoiceAny ToolChoiceMode = "any"
	// ToolChoiceTool pins the model to the tool named in ToolChoice.Name.
	ToolChoiceTool ToolChoiceMode = "tool"
)

// ToolChoice is the provider-neutral tool_choice policy.
type ToolChoice struct {
	Mode ToolChoiceMode `json:"mode,omitempty" yaml:"mode,omitempty"`
	Name string         `json:"name,omitempty" yaml:"name,omitempty"`
}

// Forced reports whether the policy obliges the model to call a tool.
func (tc ToolChoice) Forced() bool {
	return tc.Mode == ToolChoiceAny || tc.Mode == ToolChoiceTool
}

// ResponseFormatType enumerates the output formats a caller can request.
type ResponseFormatType string

const (
	ResponseFormatText       ResponseFormatType = "text"
	ResponseFormatJSONObject ResponseFormatType = "json_object"
	ResponseFormatJSONSchema ResponseFormatType = "json_schema"
)

// ResponseFormat is the response_format directive.
type ResponseFormat struct {
	Type   ResponseFormatType `json:"type" yaml:"type"`
	Name   string             `json:"name,omitempty" yaml:"name,omitempty"`
	Schema map[string]any     `json:"schema,omitempty" yaml:"schema,omitempty"`
	Strict bool               `json:"strict,omitempty" yaml:"strict,omitempty"`
}

// WantsJSON reports whether the caller expects JSON output.
func (f *ResponseFormat) WantsJSON() bool {
	return f != nil && (f.Type == ResponseFormatJSONObject || f.Type == ResponseFormatJSONSchema)
}

// NewTextMessage creates a new message with a single text block.
func NewTextMessage(role MessageRole, text string) Message {
	return Message{
		Role: role,
		Content: []ContentBlock{
			{
				Type: ContentBlockTypeText,
				Text: text,
			},
		},
	}
}

// NewToolUseMessage creates a new assistant message with tool use blocks.
func NewToolUseMessage(toolUses []ToolUseBlock) Message {
	content := make([]ContentBlock, len(toolUses))
	for i := range toolUses {
		tu := toolUses[i]
		content[i] = ContentBlock{
			Type:    ContentBlockTypeToolUse,
			ToolUse: &tu,
		}
	}
	return Message{
		Role:    RoleAssistant,
		Content: content,
	}
}

// NewToolResultMessage creates a new tool message with tool result blocks.
func NewToolResultMessage(toolResults []ToolResultBlock) Message {
	content := make([]ContentBlock, len(toolResults))
	for i := range toolResults {
		tr := toolResults[i]
		content[i] = ContentBlock{
			Type:       ContentBlockTypeToolResult,
			ToolResult: &tr,
		}
	}
	return Message{
		Role:    RoleTool,
		Content: content,
	}
}

// Text concatenates the text blocks of the message.
func (m Message) Text() string {
	var sb strings.Builder
	for _, b := range m.Content {
		if b.Type == ContentBlockTypeText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

// ToolUses returns the tool use blocks of the message in order.
func (m Message) ToolUses() []ToolUseBlock {
	return lo.FilterMap(m.Content, func(b ContentBlock, _ int) (ToolUseBlock, bool) {
		if b.Type != ContentBlockTypeToolUse || b.ToolUse == nil {
			return ToolUseBlock{}, false
		}
		return *b.ToolUse, true
	})
}

// ToolResults returns the tool result blocks of the message in order.
func (m Message) ToolResults() []ToolResultBlock {
	return lo.FilterMap(m.Content, func(b ContentBlock, _ int) (ToolResultBlock, bool) {
		if b.Type != ContentBlockTypeToolResult || b.ToolResult == nil {
			return ToolResultBlock{}, false
		}
		return *b.ToolResult, true
	})
}

// HasContentType reports whether any block has the given type.
func (m Message) HasContentType(t ContentBlockType) bool {
	return lo.ContainsBy(m.Content, func(b ContentBlock) bool { return b.Type == t })
}

// UnmarshalJSON accepts content either as a plain string or as a block array.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    MessageRole     `json:"role"`
		Content json.RawMessage `json:"content"`
		Name    string          `json:"name,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Name = raw.Name
	m.Content = nil
	trimmed := strings.TrimSpace(string(raw.Content))
	switch {
	case trimmed == "" || trimmed == "null":
	case strings.HasPrefix(trimmed, `"`):
		var s string
		if err := json.Unmarshal(raw.Content, &s); err != nil {
			return err
		}
		m.Content = []ContentBlock{{Type: ContentBlockTypeText, Text: s}}
	case strings.HasPrefix(trimmed, "["):
		if err := json.Unmarshal(raw.Content, &m.Content); err != nil {
			return err
		}
	default:
		return fmt.Errorf("message content must be a string or an array, got %s", trimmed[:1])
	}
	return nil
}

// ToJSON marshals a message to JSON for debugging/logging purposes.
func (m Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// HasToolUse reports whether any message in msgs contains a tool use. When
// name is non-empty only tool uses with that name count.
func HasToolUse(msgs []Message, name string) bool {
	return lo.ContainsBy(msgs, func(m Message) bool {
		return lo.ContainsBy(m.ToolUses(), func(tu ToolUseBlock) bool {
			return name == "" || tu.Name == name
		})
	})
}

// LastMessageWithRole returns the last message with the given role.
func LastMessageWithRole(msgs []Message, role MessageRole) (Message, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == role {
			return msgs[i], true
		}
	}
	return Message{}, false
}
