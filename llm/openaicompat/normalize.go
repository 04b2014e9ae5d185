package openaicompat

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/aschepis/backscratcher/conductor/llm"
	"github.com/aschepis/backscratcher/conductor/llm/provider"
)

type wireToolCall struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireMessage struct {
	Role             string          `json:"role"`
	Content          json.RawMessage `json:"content"`
	Refusal          string          `json:"refusal"`
	ReasoningContent string          `json:"reasoning_content"`
	Reasoning        string          `json:"reasoning"`
	ToolCalls        []wireToolCall  `json:"tool_calls"`
}

type wireUsage struct {
	PromptTokens        int64 `json:"prompt_tokens"`
	CompletionTokens    int64 `json:"completion_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int64 `json:"cached_tokens"`
	} `json:"prompt_tokens_details"`
	CompletionTokensDetails *struct {
		ReasoningTokens int64 `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
}

type wireCompletion struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage"`
}

// normalize converts a chat.completion body into a provider.Response. Only
// the first choice is read.
func normalize(raw []byte) (*provider.Response, error) {
	var c wireCompletion
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, llm.NewProtocolError("decode chat completion: %v", err)
	}
	if len(c.Choices) == 0 {
		return nil, llm.NewProtocolError("chat completion %q has no choices", c.ID)
	}
	choice := c.Choices[0]
	msg, err := fromWireMessage(choice.Message)
	if err != nil {
		return nil, err
	}
	finish := finishReason(choice.FinishReason)
	if choice.Message.Refusal != "" && finish == provider.FinishStop {
		finish = provider.FinishRefusal
	}
	return &provider.Response{
		Messages:     []llm.Message{msg},
		Usage:        toUsage(c.Usage),
		FinishReason: finish,
		Raw:          append(json.RawMessage(nil), raw...),
	}, nil
}

func fromWireMessage(w wireMessage) (llm.Message, error) {
	role := llm.RoleAssistant
	if w.Role != "" {
		role = llm.MessageRole(w.Role)
		if role != llm.RoleAssistant {
			return llm.Message{}, llm.NewProtocolError("unexpected role %q in completion", w.Role)
		}
	}
	msg := llm.Message{Role: role}

	if reasoning := firstNonEmpty(w.ReasoningContent, w.Reasoning); reasoning != "" {
		msg.Content = append(msg.Content, llm.ContentBlock{
			Type:     llm.ContentBlockTypeThinking,
			Thinking: &llm.ThinkingBlock{Thinking: reasoning},
		})
	}
	text, err := contentText(w.Content)
	if err != nil {
		return llm.Message{}, err
	}
	if text == "" {
		text = w.Refusal
	}
	if text != "" {
		msg.Content = append(msg.Content, llm.ContentBlock{Type: llm.ContentBlockTypeText, Text: text})
	}
	for _, tc := range w.ToolCalls {
		input, err := provider.ParseArguments(tc.Function.Arguments)
		if err != nil {
			return llm.Message{}, err
		}
		msg.Content = append(msg.Content, llm.ContentBlock{
			Type:    llm.ContentBlockTypeToolUse,
			ToolUse: &llm.ToolUseBlock{ID: tc.ID, Name: tc.Function.Name, Input: input},
		})
	}
	return msg, nil
}

// contentText accepts content as a string, null, or an array of text parts.
func contentText(raw json.RawMessage) (string, error) {
	r := gjson.ParseBytes(raw)
	switch {
	case len(raw) == 0 || r.Type == gjson.Null:
		return "", nil
	case r.Type == gjson.String:
		return r.String(), nil
	case r.IsArray():
		var sb strings.Builder
		for _, part := range r.Array() {
			sb.WriteString(part.Get("text").String())
		}
		return sb.String(), nil
	}
	return "", llm.NewProtocolError("unexpected message content %s", string(raw))
}

func toUsage(u *wireUsage) llm.Usage {
	if u == nil {
		return llm.Usage{}
	}
	out := llm.Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}
	if u.PromptTokensDetails != nil {
		out.CachedInputTokens = u.PromptTokensDetails.CachedTokens
	}
	if u.CompletionTokensDetails != nil {
		out.ReasoningTokens = u.CompletionTokensDetails.ReasoningTokens
	}
	return out
}

func finishReason(reason string) string {
	switch reason {
	case "stop", "":
		return provider.FinishStop
	case "tool_calls", "function_call":
		return provider.FinishToolCalls
	case "length":
		return provider.FinishLength
	case "content_filter":
		return provider.FinishFiltered
	}
	return reason
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
