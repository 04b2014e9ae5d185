package openai

import (
	"encoding/json"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"
	"github.com/samber/lo"

	"github.com/aschepis/backscratcher/conductor/llm"
	"github.com/aschepis/backscratcher/conductor/llm/provider"
)

// Options are the OpenAI extensions read from the call options. The Chat
// adapter reads its own set from the same map.
type Options struct {
	APIVersion        string            `yaml:"api_version"`
	ReasoningEffort   string            `yaml:"reasoning_effort"`
	ReasoningSummary  string            `yaml:"reasoning_summary"`
	ParallelToolCalls *bool             `yaml:"parallel_tool_calls"`
	Store             *bool             `yaml:"store"`
	User              string            `yaml:"user"`
	Metadata          map[string]string `yaml:"metadata"`
	Include           []string          `yaml:"include"`
	Modalities        []string          `yaml:"modalities"`
}

// Validate implements provider.Validator.
func (o *Options) Validate() error {
	switch o.APIVersion {
	case "", APIChat, APIResponses:
	default:
		return fmt.Errorf("unknown api_version %q (want %q or %q)", o.APIVersion, APIChat, APIResponses)
	}
	switch o.ReasoningEffort {
	case "", "minimal", "low", "medium", "high":
	default:
		return fmt.Errorf("unknown reasoning_effort %q", o.ReasoningEffort)
	}
	switch o.ReasoningSummary {
	case "", "auto", "concise", "detailed":
	default:
		return fmt.Errorf("unknown reasoning_summary %q", o.ReasoningSummary)
	}
	return nil
}

// buildRequest converts the provider-neutral request into Responses params.
// The stream flag is set by the SDK's streaming call.
func buildRequest(req *provider.Request) (responses.ResponseNewParams, error) {
	opts := &Options{}
	if err := provider.CastOptions(req.Options, opts); err != nil {
		return responses.ResponseNewParams{}, err
	}
	input, err := toInput(req.Messages)
	if err != nil {
		return responses.ResponseNewParams{}, err
	}
	params := responses.ResponseNewParams{
		Model:    req.Model,
		Input:    responses.ResponseNewParamsInputUnion{OfInputItemList: input},
		Metadata: opts.Metadata,
		Text:     toTextConfig(req.ResponseFormat),
	}
	if len(opts.Include) > 0 {
		params.Include = lo.Map(opts.Include, func(s string, _ int) responses.ResponseIncludable {
			return responses.ResponseIncludable(s)
		})
	}
	if req.Instructions != "" {
		params.Instructions = oai.String(req.Instructions)
	}
	if req.Temperature != nil {
		params.Temperature = oai.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = oai.Float(*req.TopP)
	}
	if req.MaxTokens > 0 {
		params.MaxOutputTokens = oai.Int(req.MaxTokens)
	}
	if opts.ParallelToolCalls != nil {
		params.ParallelToolCalls = oai.Bool(*opts.ParallelToolCalls)
	}
	if opts.Store != nil {
		params.Store = oai.Bool(*opts.Store)
	}
	if opts.User != "" {
		params.User = oai.String(opts.User)
	}
	if opts.ReasoningEffort != "" || opts.ReasoningSummary != "" {
		params.Reasoning = shared.ReasoningParam{
			Effort:  shared.ReasoningEffort(opts.ReasoningEffort),
			Summary: shared.ReasoningSummary(opts.ReasoningSummary),
		}
	}
	if len(req.Tools) > 0 {
		params.Tools = lo.Map(req.Tools, func(spec llm.ToolSpec, _ int) responses.ToolUnionParam {
			t := responses.ToolParamOfFunction(spec.Name, spec.Schema.Map(), false)
			if spec.Description != "" {
				t.OfFunction.Description = oai.String(spec.Description)
			}
			return t
		})
		params.ToolChoice = toToolChoice(req.ToolChoice, req.Messages)
	}
	return params, nil
}

// toToolChoice maps the common policy. A forced choice is dropped once the
// conversation already holds the call it forces. The zero union leaves
// tool_choice out.
func toToolChoice(tc llm.ToolChoice, msgs []llm.Message) responses.ResponseNewParamsToolChoiceUnion {
	var mode responses.ToolChoiceOptions
	switch tc.Mode {
	case llm.ToolChoiceTool:
		if llm.HasToolUse(msgs, tc.Name) {
			return responses.ResponseNewParamsToolChoiceUnion{}
		}
		return responses.ResponseNewParamsToolChoiceUnion{OfFunctionTool: &responses.ToolChoiceFunctionParam{Name: tc.Name}}
	case llm.ToolChoiceAny:
		if llm.HasToolUse(msgs, "") {
			return responses.ResponseNewParamsToolChoiceUnion{}
		}
		mode = responses.ToolChoiceOptionsRequired
	case llm.ToolChoiceNone:
		mode = responses.ToolChoiceOptionsNone
	case llm.ToolChoiceAuto:
		mode = responses.ToolChoiceOptionsAuto
	default:
		return responses.ResponseNewParamsToolChoiceUnion{}
	}
	return responses.ResponseNewParamsToolChoiceUnion{OfToolChoiceMode: param.NewOpt(mode)}
}

func toTextConfig(rf *llm.ResponseFormat) responses.ResponseTextConfigParam {
	if rf == nil {
		return responses.ResponseTextConfigParam{}
	}
	switch rf.Type {
	case llm.ResponseFormatJSONObject:
		obj := shared.NewResponseFormatJSONObjectParam()
		return responses.ResponseTextConfigParam{
			Format: responses.ResponseFormatTextConfigUnionParam{OfJSONObject: &obj},
		}
	case llm.ResponseFormatJSONSchema:
		name := rf.Name
		if name == "" {
			name = "response"
		}
		format := responses.ResponseFormatTextConfigParamOfJSONSchema(name, rf.Schema)
		format.OfJSONSchema.Strict = oai.Bool(rf.Strict)
		return responses.ResponseTextConfigParam{Format: format}
	}
	return responses.ResponseTextConfigParam{}
}

// messageItem builds a typed message input item.
func messageItem(role responses.EasyInputMessageRole, parts responses.ResponseInputMessageContentListParam) responses.ResponseInputItemUnionParam {
	item := responses.ResponseInputItemParamOfMessage(parts, role)
	item.OfMessage.Type = responses.EasyInputMessageTypeMessage
	return item
}

// toInput flattens the conversation into Responses input items. Tool uses
// and tool results become standalone function_call items. Thinking blocks
// are not replayed.
func toInput(msgs []llm.Message) (responses.ResponseInputParam, error) {
	var out responses.ResponseInputParam
	for i, m := range msgs {
		switch m.Role {
		case llm.RoleSystem, llm.RoleDeveloper:
			out = append(out, messageItem(responses.EasyInputMessageRole(m.Role),
				responses.ResponseInputMessageContentListParam{responses.ResponseInputContentParamOfInputText(m.Text())}))
		case llm.RoleAssistant:
			if text := m.Text(); text != "" {
				item := responses.ResponseInputItemParamOfMessage(text, responses.EasyInputMessageRoleAssistant)
				item.OfMessage.Type = responses.EasyInputMessageTypeMessage
				out = append(out, item)
			}
			for _, tu := range m.ToolUses() {
				input := tu.Input
				if input == nil {
					input = map[string]any{}
				}
				args, err := json.Marshal(input)
				if err != nil {
					return nil, llm.NewValidationError("encode arguments of %s: %v", tu.Name, err)
				}
				out = append(out, responses.ResponseInputItemParamOfFunctionCall(string(args), tu.ID, tu.Name))
			}
		case llm.RoleUser, llm.RoleTool:
			for _, tr := range m.ToolResults() {
				out = append(out, responses.ResponseInputItemParamOfFunctionCallOutput(tr.ID, tr.Content))
			}
			parts, err := userParts(m)
			if err != nil {
				return nil, fmt.Errorf("message %d: %w", i, err)
			}
			if len(parts) > 0 {
				out = append(out, messageItem(responses.EasyInputMessageRoleUser, parts))
			}
		default:
			return nil, llm.NewValidationError("message %d has unsupported role %q", i, m.Role)
		}
	}
	return out, nil
}

func userParts(m llm.Message) (responses.ResponseInputMessageContentListParam, error) {
	var parts responses.ResponseInputMessageContentListParam
	for _, b := range m.Content {
		switch b.Type {
		case llm.ContentBlockTypeText:
			parts = append(parts, responses.ResponseInputContentParamOfInputText(b.Text))
		case llm.ContentBlockTypeImage:
			if b.Image == nil {
				return nil, llm.NewValidationError("image block without source")
			}
			part := responses.ResponseInputContentParamOfInputImage(responses.ResponseInputImageDetailAuto)
			part.OfInputImage.ImageURL = oai.String(mediaURL(b.Image))
			parts = append(parts, part)
		case llm.ContentBlockTypeDocument:
			if b.Document == nil {
				return nil, llm.NewValidationError("document block without source")
			}
			file := &responses.ResponseInputFileParam{}
			if b.Document.URL != "" {
				file.FileURL = oai.String(b.Document.URL)
			} else {
				file.FileData = oai.String(mediaURL(b.Document))
				file.Filename = oai.String("document")
			}
			parts = append(parts, responses.ResponseInputContentUnionParam{OfInputFile: file})
		case llm.ContentBlockTypeAudio:
			return nil, llm.NewValidationError("audio input is only accepted by the chat api")
		case llm.ContentBlockTypeToolResult, llm.ContentBlockTypeThinking:
		default:
			return nil, llm.NewValidationError("unsupported content block type %q in user message", b.Type)
		}
	}
	return parts, nil
}

func mediaURL(src *llm.MediaSource) string {
	if src.URL != "" {
		return src.URL
	}
	return "data:" + src.MediaType + ";base64," + src.Data
}
