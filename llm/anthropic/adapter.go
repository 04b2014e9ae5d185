package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/samber/lo"

	"github.com/aschepis/backscratcher/conductor/llm"
	"github.com/aschepis/backscratcher/conductor/llm/provider"
)

// DefaultMaxTokens is sent when neither the call nor the configuration sets
// max_tokens, which the Messages API requires.
const DefaultMaxTokens = 4096

// mcpBeta is the beta flag that enables the mcp_servers request field.
const mcpBeta = "mcp-client-2025-04-04"

// Options are the Anthropic-specific extensions read from the call options.
type Options struct {
	Thinking      *ThinkingConfig `yaml:"thinking" json:"thinking,omitempty"`
	MCPServers    []MCPServer     `yaml:"mcp_servers" json:"mcp_servers,omitempty"`
	StopSequences []string        `yaml:"stop_sequences" json:"stop_sequences,omitempty"`
	Metadata      *Metadata       `yaml:"metadata" json:"metadata,omitempty"`
	TopK          int64           `yaml:"top_k" json:"top_k,omitempty"`
}

// Metadata describes the request for abuse detection.
type Metadata struct {
	UserID string `yaml:"user_id" json:"user_id,omitempty"`
}

// ThinkingConfig enables extended thinking.
type ThinkingConfig struct {
	Type         string `yaml:"type" json:"type"`
	BudgetTokens int64  `yaml:"budget_tokens" json:"budget_tokens,omitempty"`
}

// MCPServer is a remote MCP server the API connects to on the caller's behalf.
type MCPServer struct {
	Type               string         `yaml:"type" json:"type"`
	URL                string         `yaml:"url" json:"url"`
	Name               string         `yaml:"name" json:"name"`
	AuthorizationToken string         `yaml:"authorization_token" json:"authorization_token,omitempty"`
	ToolConfiguration  map[string]any `yaml:"tool_configuration" json:"tool_configuration,omitempty"`
}

// Validate implements provider.Validator.
func (o *Options) Validate() error {
	if o.Thinking != nil {
		switch o.Thinking.Type {
		case "enabled":
			if o.Thinking.BudgetTokens < 1024 {
				return fmt.Errorf("thinking budget %d must be >= 1024", o.Thinking.BudgetTokens)
			}
		case "disabled":
		default:
			return fmt.Errorf("unknown thinking type %q", o.Thinking.Type)
		}
	}
	for i := range o.MCPServers {
		if o.MCPServers[i].Type == "" {
			o.MCPServers[i].Type = "url"
		}
		if o.MCPServers[i].URL == "" || o.MCPServers[i].Name == "" {
			return fmt.Errorf("mcp server %d needs a url and a name", i)
		}
	}
	return nil
}

// contentBlock is the wire shape of a reply content block.
type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	Signature string          `json:"signature,omitempty"`
	Data      string          `json:"data,omitempty"`
}

type usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

// messageResponse is the body of a Messages API reply.
type messageResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      usage          `json:"usage"`
}

// jsonPrefill is the synthetic assistant turn that biases the model into
// continuing a JSON object.
const jsonPrefill = "{"

// emulatesJSON reports whether the request asks for JSON, which the Messages
// API can only be coaxed into through a prefilled assistant turn.
func emulatesJSON(req *provider.Request, opts *Options) bool {
	if !req.ResponseFormat.WantsJSON() {
		return false
	}
	return opts.Thinking == nil || opts.Thinking.Type != "enabled"
}

// buildRequest converts the provider-neutral request into Messages API params.
// The MCP connector field has no SDK counterpart and is left to the caller.
func buildRequest(req *provider.Request) (sdk.MessageNewParams, *Options, error) {
	opts := &Options{}
	if err := provider.CastOptions(req.Options, opts); err != nil {
		return sdk.MessageNewParams{}, nil, err
	}

	system, msgs, err := toMessages(req.Instructions, req.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, nil, err
	}
	if req.ResponseFormat.WantsJSON() && req.ResponseFormat.Type == llm.ResponseFormatJSONSchema && len(req.ResponseFormat.Schema) > 0 {
		schema, err := json.Marshal(req.ResponseFormat.Schema)
		if err != nil {
			return sdk.MessageNewParams{}, nil, llm.NewValidationError("encode response schema: %v", err)
		}
		system = append(system, sdk.TextBlockParam{
			Text: "Respond only with a JSON object that conforms to this JSON schema:\n" + string(schema),
		})
	}
	if emulatesJSON(req, opts) {
		msgs = append(msgs, sdk.NewAssistantMessage(sdk.NewTextBlock(jsonPrefill)))
	}
	// Caching the system block caches tools and system together.
	if len(system) > 0 {
		system[len(system)-1].CacheControl = sdk.NewCacheControlEphemeralParam()
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if opts.Thinking != nil && opts.Thinking.Type == "enabled" && opts.Thinking.BudgetTokens >= maxTokens {
		return sdk.MessageNewParams{}, nil, llm.NewValidationError("thinking budget %d must be less than max_tokens %d", opts.Thinking.BudgetTokens, maxTokens)
	}

	params := sdk.MessageNewParams{
		Model:         sdk.Model(req.Model),
		MaxTokens:     maxTokens,
		System:        system,
		Messages:      msgs,
		Tools:         toTools(req.Tools),
		StopSequences: opts.StopSequences,
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = sdk.Float(*req.TopP)
	}
	if opts.TopK > 0 {
		params.TopK = sdk.Int(opts.TopK)
	}
	if opts.Metadata != nil && opts.Metadata.UserID != "" {
		params.Metadata = sdk.MetadataParam{UserID: sdk.String(opts.Metadata.UserID)}
	}
	if t := opts.Thinking; t != nil {
		switch t.Type {
		case "enabled":
			params.Thinking = sdk.ThinkingConfigParamOfEnabled(t.BudgetTokens)
		case "disabled":
			disabled := sdk.NewThinkingConfigDisabledParam()
			params.Thinking = sdk.ThinkingConfigParamUnion{OfDisabled: &disabled}
		}
	}
	if len(params.Tools) > 0 {
		params.ToolChoice = toToolChoice(req.ToolChoice, msgs)
	}
	return params, opts, nil
}

// toToolChoice maps the common policy. A forced choice is dropped once the
// conversation already holds the tool use it forces, or the model would be
// pinned to the same call forever. The zero union leaves tool_choice out.
func toToolChoice(tc llm.ToolChoice, msgs []sdk.MessageParam) sdk.ToolChoiceUnionParam {
	switch tc.Mode {
	case llm.ToolChoiceTool:
		if hasToolUse(msgs, tc.Name) {
			return sdk.ToolChoiceUnionParam{}
		}
		return sdk.ToolChoiceParamOfTool(tc.Name)
	case llm.ToolChoiceAny:
		if hasToolUse(msgs, "") {
			return sdk.ToolChoiceUnionParam{}
		}
		return sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}
	case llm.ToolChoiceNone:
		none := sdk.NewToolChoiceNoneParam()
		return sdk.ToolChoiceUnionParam{OfNone: &none}
	case llm.ToolChoiceAuto:
		return sdk.ToolChoiceUnionParam{OfAuto: &sdk.ToolChoiceAutoParam{}}
	}
	return sdk.ToolChoiceUnionParam{}
}

func hasToolUse(msgs []sdk.MessageParam, name string) bool {
	return lo.ContainsBy(msgs, func(m sdk.MessageParam) bool {
		return m.Role == sdk.MessageParamRoleAssistant && lo.ContainsBy(m.Content, func(b sdk.ContentBlockParamUnion) bool {
			return b.OfToolUse != nil && (name == "" || b.OfToolUse.Name == name)
		})
	})
}

func toTools(specs []llm.ToolSpec) []sdk.ToolUnionParam {
	return lo.Map(specs, func(spec llm.ToolSpec, _ int) sdk.ToolUnionParam {
		props := spec.Schema.Properties
		if props == nil {
			props = map[string]any{}
		}
		t := &sdk.ToolParam{
			Name: spec.Name,
			InputSchema: sdk.ToolInputSchemaParam{
				Properties:  props,
				Required:    spec.Schema.Required,
				ExtraFields: spec.Schema.ExtraFields,
			},
		}
		if spec.Description != "" {
			t.Description = sdk.String(spec.Description)
		}
		return sdk.ToolUnionParam{OfTool: t}
	})
}

// toMessages lifts system and developer messages into the system prompt and
// merges consecutive turns of the same role. Tool results travel in user turns.
func toMessages(instructions string, msgs []llm.Message) ([]sdk.TextBlockParam, []sdk.MessageParam, error) {
	var system []sdk.TextBlockParam
	if instructions != "" {
		system = append(system, sdk.TextBlockParam{Text: instructions})
	}
	out := make([]sdk.MessageParam, 0, len(msgs))
	for i, m := range msgs {
		var role sdk.MessageParamRole
		switch m.Role {
		case llm.RoleSystem, llm.RoleDeveloper:
			if text := m.Text(); text != "" {
				system = append(system, sdk.TextBlockParam{Text: text})
			}
			continue
		case llm.RoleUser, llm.RoleTool:
			role = sdk.MessageParamRoleUser
		case llm.RoleAssistant:
			role = sdk.MessageParamRoleAssistant
		default:
			return nil, nil, llm.NewValidationError("message %d has unsupported role %q", i, m.Role)
		}

		blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Content))
		for _, b := range m.Content {
			wb, ok, err := toContentBlock(b)
			if err != nil {
				return nil, nil, err
			}
			if ok {
				blocks = append(blocks, wb)
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			continue
		}
		out = append(out, sdk.MessageParam{Role: role, Content: blocks})
	}
	return system, out, nil
}

func toContentBlock(b llm.ContentBlock) (sdk.ContentBlockParamUnion, bool, error) {
	var none sdk.ContentBlockParamUnion
	switch b.Type {
	case llm.ContentBlockTypeText:
		if b.Text == "" {
			return none, false, nil
		}
		return sdk.NewTextBlock(b.Text), true, nil
	case llm.ContentBlockTypeImage:
		if b.Image == nil {
			return none, false, llm.NewValidationError("image block without source")
		}
		if b.Image.URL != "" {
			return sdk.NewImageBlock(sdk.URLImageSourceParam{URL: b.Image.URL}), true, nil
		}
		return sdk.NewImageBlockBase64(b.Image.MediaType, b.Image.Data), true, nil
	case llm.ContentBlockTypeDocument:
		if b.Document == nil {
			return none, false, llm.NewValidationError("document block without source")
		}
		return toDocument(b.Document), true, nil
	case llm.ContentBlockTypeToolUse:
		if b.ToolUse == nil {
			return none, false, llm.NewValidationError("tool_use block without payload")
		}
		input := b.ToolUse.Input
		if input == nil {
			input = map[string]any{}
		}
		return sdk.NewToolUseBlock(b.ToolUse.ID, input, b.ToolUse.Name), true, nil
	case llm.ContentBlockTypeToolResult:
		if b.ToolResult == nil {
			return none, false, llm.NewValidationError("tool_result block without payload")
		}
		return sdk.NewToolResultBlock(b.ToolResult.ID, b.ToolResult.Content, b.ToolResult.IsError), true, nil
	case llm.ContentBlockTypeThinking:
		// Unsigned thinking came from another provider and cannot be replayed.
		if b.Thinking == nil || b.Thinking.Signature == "" {
			return none, false, nil
		}
		return sdk.NewThinkingBlock(b.Thinking.Signature, b.Thinking.Thinking), true, nil
	}
	return none, false, llm.NewValidationError("unsupported content block type %q", b.Type)
}

// toDocument picks the document source. Plain text travels as text, anything
// else inline is sent as a base64 PDF.
func toDocument(src *llm.MediaSource) sdk.ContentBlockParamUnion {
	switch {
	case src.URL != "":
		return sdk.NewDocumentBlock(sdk.URLPDFSourceParam{URL: src.URL})
	case src.MediaType == "text/plain":
		return sdk.NewDocumentBlock(sdk.PlainTextSourceParam{Data: src.Data})
	}
	return sdk.NewDocumentBlock(sdk.Base64PDFSourceParam{Data: src.Data})
}

// normalize converts a Messages API reply into a provider.Response. It only
// reads raw, so normalizing the same payload twice gives identical results.
func normalize(raw []byte) (*provider.Response, error) {
	var resp messageResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, llm.NewProtocolError("decode anthropic message: %v", err)
	}
	msg := llm.Message{Role: llm.RoleAssistant}
	for _, b := range resp.Content {
		block, ok, err := fromContentBlock(b)
		if err != nil {
			return nil, err
		}
		if ok {
			msg.Content = append(msg.Content, block)
		}
	}
	return &provider.Response{
		Messages:     []llm.Message{msg},
		Usage:        toUsage(resp.Usage),
		FinishReason: finishReason(resp.StopReason),
		Raw:          append(json.RawMessage(nil), raw...),
	}, nil
}

// fromContentBlock maps a reply block. Server-side tool traffic (MCP
// connector, server tools) is executed upstream, so it is not surfaced as a
// local tool call.
func fromContentBlock(b contentBlock) (llm.ContentBlock, bool, error) {
	switch b.Type {
	case "text":
		return llm.ContentBlock{Type: llm.ContentBlockTypeText, Text: b.Text}, true, nil
	case "tool_use":
		input, err := provider.ParseArguments(string(b.Input))
		if err != nil {
			return llm.ContentBlock{}, false, err
		}
		return llm.ContentBlock{
			Type:    llm.ContentBlockTypeToolUse,
			ToolUse: &llm.ToolUseBlock{ID: b.ID, Name: b.Name, Input: input},
		}, true, nil
	case "thinking":
		return llm.ContentBlock{
			Type:     llm.ContentBlockTypeThinking,
			Thinking: &llm.ThinkingBlock{Thinking: b.Thinking, Signature: b.Signature},
		}, true, nil
	case "redacted_thinking", "server_tool_use", "web_search_tool_result", "mcp_tool_use", "mcp_tool_result":
		return llm.ContentBlock{}, false, nil
	}
	return llm.ContentBlock{}, false, llm.NewProtocolError("unknown anthropic content block type %q", b.Type)
}

func toUsage(u usage) llm.Usage {
	return llm.Usage{
		InputTokens:              u.InputTokens,
		OutputTokens:             u.OutputTokens,
		CachedInputTokens:        u.CacheReadInputTokens,
		CacheCreationInputTokens: u.CacheCreationInputTokens,
	}
}

func finishReason(stop string) string {
	switch stop {
	case "end_turn", "stop_sequence":
		return provider.FinishStop
	case "tool_use":
		return provider.FinishToolCalls
	case "max_tokens":
		return provider.FinishLength
	case "pause_turn":
		return provider.FinishPause
	case "refusal":
		return provider.FinishRefusal
	}
	return stop
}

// restoreJSON puts the prefilled brace back in front of the first text block.
func restoreJSON(msg *llm.Message) {
	for i := range msg.Content {
		b := &msg.Content[i]
		if b.Type != llm.ContentBlockTypeText {
			continue
		}
		if !strings.HasPrefix(strings.TrimLeft(b.Text, " \t\r\n"), jsonPrefill) {
			b.Text = jsonPrefill + b.Text
		}
		return
	}
}

// validJSON reports whether the message is a tool call or well-formed JSON text.
func validJSON(msg llm.Message) bool {
	if len(msg.ToolUses()) > 0 {
		return true
	}
	return json.Valid([]byte(strings.TrimSpace(msg.Text())))
}
