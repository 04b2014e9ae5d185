package openai

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/aschepis/backscratcher/conductor/llm"
	"github.com/aschepis/backscratcher/conductor/llm/provider"
)

type wireOutputItem struct {
	Type      string `json:"type"`
	Role      string `json:"role"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
	Content   []struct {
		Type    string `json:"type"`
		Text    string `json:"text"`
		Refusal string `json:"refusal"`
	} `json:"content"`
	Summary []struct {
		Text string `json:"text"`
	} `json:"summary"`
}

type wireResponse struct {
	ID                string           `json:"id"`
	Status            string           `json:"status"`
	Output            []wireOutputItem `json:"output"`
	IncompleteDetails *struct {
		Reason string `json:"reason"`
	} `json:"incomplete_details"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Usage *struct {
		InputTokens        int64 `json:"input_tokens"`
		OutputTokens       int64 `json:"output_tokens"`
		InputTokensDetails struct {
			CachedTokens int64 `json:"cached_tokens"`
		} `json:"input_tokens_details"`
		OutputTokensDetails struct {
			ReasoningTokens int64 `json:"reasoning_tokens"`
		} `json:"output_tokens_details"`
	} `json:"usage"`
}

// serverItems are output items the API executes itself. They carry no
// content for the conversation.
var serverItems = map[string]bool{
	"web_search_call":       true,
	"file_search_call":      true,
	"code_interpreter_call": true,
	"image_generation_call": true,
	"mcp_call":              true,
	"mcp_list_tools":        true,
	"mcp_approval_request":  true,
}

// normalize converts a Responses API response object into a
// provider.Response holding one assistant message.
func normalize(raw []byte) (*provider.Response, error) {
	var r wireResponse
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, llm.NewProtocolError("decode response: %v", err)
	}
	if r.Status == "failed" {
		code, msg := "", "response failed"
		if r.Error != nil {
			code, msg = r.Error.Code, r.Error.Message
		}
		return nil, codeError(code, msg)
	}

	msg := llm.Message{Role: llm.RoleAssistant}
	var refused bool
	for _, item := range r.Output {
		switch item.Type {
		case "message":
			var sb strings.Builder
			for _, part := range item.Content {
				switch part.Type {
				case "output_text":
					sb.WriteString(part.Text)
				case "refusal":
					sb.WriteString(part.Refusal)
					refused = true
				default:
					return nil, llm.NewProtocolError("unexpected message part %q in response %s", part.Type, r.ID)
				}
			}
			if sb.Len() > 0 {
				msg.Content = append(msg.Content, llm.ContentBlock{Type: llm.ContentBlockTypeText, Text: sb.String()})
			}
		case "function_call":
			input, err := provider.ParseArguments(item.Arguments)
			if err != nil {
				return nil, err
			}
			msg.Content = append(msg.Content, llm.ContentBlock{
				Type:    llm.ContentBlockTypeToolUse,
				ToolUse: &llm.ToolUseBlock{ID: item.CallID, Name: item.Name, Input: input},
			})
		case "reasoning":
			var sb strings.Builder
			for _, s := range item.Summary {
				sb.WriteString(s.Text)
			}
			if sb.Len() > 0 {
				msg.Content = append(msg.Content, llm.ContentBlock{
					Type:     llm.ContentBlockTypeThinking,
					Thinking: &llm.ThinkingBlock{Thinking: sb.String()},
				})
			}
		default:
			if !serverItems[item.Type] {
				return nil, llm.NewProtocolError("unexpected output item %q in response %s", item.Type, r.ID)
			}
		}
	}

	var finish string
	switch r.Status {
	case "completed", "":
		switch {
		case len(msg.ToolUses()) > 0:
			finish = provider.FinishToolCalls
		case refused:
			finish = provider.FinishRefusal
		default:
			finish = provider.FinishStop
		}
	case "incomplete":
		finish = provider.FinishLength
		if r.IncompleteDetails != nil && r.IncompleteDetails.Reason == "content_filter" {
			finish = provider.FinishFiltered
		}
	default:
		return nil, llm.NewProtocolError("response %s is not finished (status %q)", r.ID, r.Status)
	}

	resp := &provider.Response{
		Messages:     []llm.Message{msg},
		FinishReason: finish,
		Raw:          append(json.RawMessage(nil), raw...),
	}
	if u := r.Usage; u != nil {
		resp.Usage = llm.Usage{
			InputTokens:       u.InputTokens,
			OutputTokens:      u.OutputTokens,
			CachedInputTokens: u.InputTokensDetails.CachedTokens,
			ReasoningTokens:   u.OutputTokensDetails.ReasoningTokens,
		}
	}
	return resp, nil
}

// codeError maps a Responses error code to the status the API would have
// used for it.
func codeError(code, message string) error {
	status := http.StatusInternalServerError
	switch code {
	case "rate_limit_exceeded":
		status = http.StatusTooManyRequests
	case "invalid_prompt", "invalid_request_error", "invalid_image", "invalid_image_format", "invalid_base64_image":
		status = http.StatusBadRequest
	case "vector_store_timeout":
		status = http.StatusGatewayTimeout
	}
	if message == "" {
		message = code
	}
	return llm.NewStatusError(llm.ProviderOpenAI, status, message, nil)
}
