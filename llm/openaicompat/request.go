package openaicompat

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/samber/lo"
	openai "github.com/sashabaranov/go-openai"

	"github.com/aschepis/backscratcher/conductor/llm"
	"github.com/aschepis/backscratcher/conductor/llm/provider"
)

// Options are the Chat Completions extensions read from the call options.
type Options struct {
	Stop              []string          `yaml:"stop" json:"stop,omitempty"`
	Seed              *int              `yaml:"seed" json:"seed,omitempty"`
	User              string            `yaml:"user" json:"user,omitempty"`
	ReasoningEffort   string            `yaml:"reasoning_effort" json:"reasoning_effort,omitempty"`
	ParallelToolCalls *bool             `yaml:"parallel_tool_calls" json:"parallel_tool_calls,omitempty"`
	Metadata          map[string]string `yaml:"metadata" json:"metadata,omitempty"`
	Modalities        []string          `yaml:"modalities" json:"modalities,omitempty"`
	Audio             map[string]any    `yaml:"audio" json:"audio,omitempty"`
}

// Validate implements provider.Validator.
func (o *Options) Validate() error {
	switch o.ReasoningEffort {
	case "", "minimal", "low", "medium", "high":
	default:
		return fmt.Errorf("unknown reasoning_effort %q", o.ReasoningEffort)
	}
	return nil
}

// buildRequest converts the provider-neutral request into a Chat Completions
// request plus the body patches for what go-openai cannot express.
func (a *Adapter) buildRequest(req *provider.Request) (openai.ChatCompletionRequest, []Patch, error) {
	opts := &Options{}
	if err := provider.CastOptions(req.Options, opts); err != nil {
		return openai.ChatCompletionRequest{}, nil, err
	}

	msgs, patches, err := toMessages(req.Instructions, req.Messages)
	if err != nil {
		return openai.ChatCompletionRequest{}, nil, err
	}
	out := openai.ChatCompletionRequest{
		Model:           req.Model,
		Messages:        msgs,
		Stop:            opts.Stop,
		Seed:            opts.Seed,
		User:            opts.User,
		ReasoningEffort: opts.ReasoningEffort,
		Metadata:        opts.Metadata,
	}
	if opts.ParallelToolCalls != nil {
		out.ParallelToolCalls = *opts.ParallelToolCalls
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		out.TopP = float32(*req.TopP)
	}
	if req.MaxTokens > 0 {
		if a.strategy.MaxCompletionTokens {
			out.MaxCompletionTokens = int(req.MaxTokens)
		} else {
			out.MaxTokens = int(req.MaxTokens)
		}
	}
	if req.Stream {
		out.Stream = true
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	if len(req.Tools) > 0 {
		out.Tools = toTools(req.Tools)
		out.ToolChoice = toToolChoice(req.ToolChoice, req.Messages)
	}
	if rf := toResponseFormat(req.ResponseFormat); rf != nil {
		out.ResponseFormat = rf
	}
	if len(opts.Modalities) > 0 {
		patches = append(patches, Patch{Path: "modalities", Value: opts.Modalities})
	}
	if len(opts.Audio) > 0 {
		patches = append(patches, Patch{Path: "audio", Value: opts.Audio})
	}
	if a.strategy.Extend != nil {
		extra, err := a.strategy.Extend(req)
		if err != nil {
			return openai.ChatCompletionRequest{}, nil, err
		}
		patches = append(patches, extra...)
	}
	return out, patches, nil
}

// toToolChoice maps the common policy. A forced choice is dropped once the
// conversation holds the tool call it forces, so the model can answer.
func toToolChoice(tc llm.ToolChoice, msgs []llm.Message) any {
	switch tc.Mode {
	case llm.ToolChoiceTool:
		if llm.HasToolUse(msgs, tc.Name) {
			return nil
		}
		return openai.ToolChoice{Type: openai.ToolTypeFunction, Function: openai.ToolFunction{Name: tc.Name}}
	case llm.ToolChoiceAny:
		if llm.HasToolUse(msgs, "") {
			return nil
		}
		return "required"
	case llm.ToolChoiceNone:
		return "none"
	case llm.ToolChoiceAuto:
		return "auto"
	}
	return nil
}

func toTools(specs []llm.ToolSpec) []openai.Tool {
	return lo.Map(specs, func(spec llm.ToolSpec, _ int) openai.Tool {
		return openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.Schema.Map(),
			},
		}
	})
}

func toResponseFormat(rf *llm.ResponseFormat) *openai.ChatCompletionResponseFormat {
	if rf == nil {
		return nil
	}
	switch rf.Type {
	case llm.ResponseFormatJSONObject:
		return &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	case llm.ResponseFormatJSONSchema:
		schema, _ := json.Marshal(rf.Schema)
		name := rf.Name
		if name == "" {
			name = "response"
		}
		return &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   name,
				Schema: json.RawMessage(schema),
				Strict: rf.Strict,
			},
		}
	}
	return nil
}

// toMessages flattens the common messages into chat messages. Every tool
// result becomes its own "tool" message. Content go-openai has no part type
// for (audio, files) is emitted as a patch on the message's content.
func toMessages(instructions string, msgs []llm.Message) ([]openai.ChatCompletionMessage, []Patch, error) {
	var out []openai.ChatCompletionMessage
	var patches []Patch
	if instructions != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: instructions})
	}
	for i, m := range msgs {
		switch m.Role {
		case llm.RoleSystem, llm.RoleDeveloper:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Text()})
		case llm.RoleAssistant:
			msg, err := assistantMessage(m)
			if err != nil {
				return nil, nil, err
			}
			out = append(out, msg)
		case llm.RoleUser, llm.RoleTool:
			for _, tr := range m.ToolResults() {
				out = append(out, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					ToolCallID: tr.ID,
					Content:    tr.Content,
				})
			}
			msg, raw, ok, err := userMessage(m)
			if err != nil {
				return nil, nil, err
			}
			if !ok {
				continue
			}
			if raw != nil {
				patches = append(patches, Patch{Path: fmt.Sprintf("messages.%d.content", len(out)), Value: raw})
			}
			out = append(out, msg)
		default:
			return nil, nil, llm.NewValidationError("message %d has unsupported role %q", i, m.Role)
		}
	}
	return out, patches, nil
}

func assistantMessage(m llm.Message) (openai.ChatCompletionMessage, error) {
	msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Name: m.Name, Content: m.Text()}
	for _, tu := range m.ToolUses() {
		input := tu.Input
		if input == nil {
			input = map[string]any{}
		}
		args, err := json.Marshal(input)
		if err != nil {
			return msg, llm.NewValidationError("encode arguments of %s: %v", tu.Name, err)
		}
		msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
			ID:       tu.ID,
			Type:     openai.ToolTypeFunction,
			Function: openai.FunctionCall{Name: tu.Name, Arguments: string(args)},
		})
	}
	return msg, nil
}

// userMessage renders the non tool-result content of a user turn. raw is
// non-nil when the content needs part types go-openai does not model.
func userMessage(m llm.Message) (openai.ChatCompletionMessage, []map[string]any, bool, error) {
	msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Name: m.Name}
	blocks := lo.Filter(m.Content, func(b llm.ContentBlock, _ int) bool {
		return b.Type != llm.ContentBlockTypeToolResult && b.Type != llm.ContentBlockTypeThinking
	})
	if len(blocks) == 0 {
		return msg, nil, false, nil
	}
	if lo.EveryBy(blocks, func(b llm.ContentBlock) bool { return b.Type == llm.ContentBlockTypeText }) {
		msg.Content = m.Text()
		return msg, nil, true, nil
	}

	var parts []openai.ChatMessagePart
	var raw []map[string]any
	needsRaw := false
	for _, b := range blocks {
		switch b.Type {
		case llm.ContentBlockTypeText:
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: b.Text})
			raw = append(raw, map[string]any{"type": "text", "text": b.Text})
		case llm.ContentBlockTypeImage:
			if b.Image == nil {
				return msg, nil, false, llm.NewValidationError("image block without source")
			}
			url := mediaURL(b.Image)
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{URL: url}})
			raw = append(raw, map[string]any{"type": "image_url", "image_url": map[string]any{"url": url}})
		case llm.ContentBlockTypeAudio:
			if b.Audio == nil || b.Audio.Data == "" {
				return msg, nil, false, llm.NewValidationError("audio block needs inline base64 data")
			}
			needsRaw = true
			raw = append(raw, map[string]any{
				"type":        "input_audio",
				"input_audio": map[string]any{"data": b.Audio.Data, "format": audioFormat(b.Audio.MediaType)},
			})
		case llm.ContentBlockTypeDocument:
			if b.Document == nil {
				return msg, nil, false, llm.NewValidationError("document block without source")
			}
			needsRaw = true
			raw = append(raw, map[string]any{
				"type": "file",
				"file": map[string]any{"file_data": mediaURL(b.Document), "filename": "document"},
			})
		default:
			return msg, nil, false, llm.NewValidationError("unsupported content block type %q in user message", b.Type)
		}
	}
	if needsRaw {
		return msg, raw, true, nil
	}
	msg.MultiContent = parts
	return msg, nil, true, nil
}

func mediaURL(src *llm.MediaSource) string {
	if src.URL != "" {
		return src.URL
	}
	return "data:" + src.MediaType + ";base64," + src.Data
}

func audioFormat(mediaType string) string {
	f := strings.TrimPrefix(mediaType, "audio/")
	switch f {
	case "mpeg", "mp3":
		return "mp3"
	case "":
		return "wav"
	}
	return f
}

// HasAudio reports whether any message carries audio input.
func HasAudio(msgs []llm.Message) bool {
	return lo.ContainsBy(msgs, func(m llm.Message) bool { return m.HasContentType(llm.ContentBlockTypeAudio) })
}
