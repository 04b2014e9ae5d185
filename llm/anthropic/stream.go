package anthropic

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/aschepis/backscratcher/conductor/llm"
	"github.com/aschepis/backscratcher/conductor/llm/provider"
)

// streamEvent is the union of every Messages API stream event payload.
type streamEvent struct {
	Type         string           `json:"type"`
	Index        int              `json:"index"`
	Message      *messageResponse `json:"message,omitempty"`
	ContentBlock *contentBlock    `json:"content_block,omitempty"`
	Delta        *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		Thinking    string `json:"thinking"`
		Signature   string `json:"signature"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Usage *usage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// streamProcessor applies Messages API stream events to a StreamState.
// Anthropic block indices are mapped onto state indices because server-side
// tool blocks are not kept.
type streamProcessor struct {
	state       *provider.StreamState
	logger      zerolog.Logger
	prefillJSON bool
	seeded      bool
	blocks      map[int]int
	usage       llm.Usage
	stopReason  string
	done        bool
}

func newStreamProcessor(state *provider.StreamState, prefillJSON bool, logger zerolog.Logger) *streamProcessor {
	return &streamProcessor{
		state:       state,
		logger:      logger,
		prefillJSON: prefillJSON,
		blocks:      map[int]int{},
	}
}

// process handles one event. ping is a keep-alive; unknown types are a
// protocol error.
func (p *streamProcessor) process(eventType string, data []byte) error {
	var ev streamEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return llm.NewProtocolError("decode anthropic %s event: %v", eventType, err)
	}
	if eventType == "" {
		eventType = ev.Type
	}

	switch eventType {
	case "ping":
		return nil
	case "error":
		if ev.Error == nil {
			return llm.NewProtocolError("anthropic stream error without payload")
		}
		return streamError(ev.Error.Type, ev.Error.Message)
	case "message_start":
		role := llm.RoleAssistant
		p.blocks = map[int]int{}
		p.seeded = false
		p.usage = llm.Usage{}
		p.stopReason = ""
		p.done = false
		if ev.Message != nil {
			p.usage = toUsage(ev.Message.Usage)
		}
		p.state.BeginMessage(role)
		return nil
	case "content_block_start":
		if ev.ContentBlock == nil {
			return llm.NewProtocolError("content_block_start %d without content_block", ev.Index)
		}
		return p.startBlock(ev.Index, *ev.ContentBlock)
	case "content_block_delta":
		if ev.Delta == nil {
			return llm.NewProtocolError("content_block_delta %d without delta", ev.Index)
		}
		idx, ok := p.blocks[ev.Index]
		if !ok {
			return llm.NewProtocolError("delta for unstarted anthropic block %d", ev.Index)
		}
		if idx < 0 {
			return nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			return p.state.AppendText(idx, ev.Delta.Text)
		case "input_json_delta":
			return p.state.AppendToolArgs(idx, ev.Delta.PartialJSON)
		case "thinking_delta":
			return p.state.AppendThinking(idx, ev.Delta.Thinking)
		case "signature_delta":
			return p.state.SetSignature(idx, ev.Delta.Signature)
		case "citations_delta":
			return nil
		}
		return llm.NewProtocolError("unknown anthropic delta type %q", ev.Delta.Type)
	case "content_block_stop":
		idx, ok := p.blocks[ev.Index]
		if !ok {
			return llm.NewProtocolError("stop for unstarted anthropic block %d", ev.Index)
		}
		if idx < 0 {
			return nil
		}
		return p.state.CompleteBlock(idx)
	case "message_delta":
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			p.stopReason = ev.Delta.StopReason
		}
		if ev.Usage != nil {
			// message_delta usage is cumulative for output tokens.
			p.usage.OutputTokens = ev.Usage.OutputTokens
			if ev.Usage.InputTokens > 0 {
				p.usage.InputTokens = ev.Usage.InputTokens
			}
			if ev.Usage.CacheReadInputTokens > 0 {
				p.usage.CachedInputTokens = ev.Usage.CacheReadInputTokens
			}
			if ev.Usage.CacheCreationInputTokens > 0 {
				p.usage.CacheCreationInputTokens = ev.Usage.CacheCreationInputTokens
			}
		}
		return nil
	case "message_stop":
		p.done = true
		p.state.Finish(finishReason(p.stopReason))
		if p.usage.CacheCreationInputTokens > 0 || p.usage.CachedInputTokens > 0 {
			p.logger.Debug().
				Int64("input_tokens", p.usage.InputTokens).
				Int64("cache_creation_tokens", p.usage.CacheCreationInputTokens).
				Int64("cache_read_tokens", p.usage.CachedInputTokens).
				Msg("Prompt cache stats (stream)")
		}
		return nil
	}
	return llm.NewProtocolError("unknown anthropic stream event %q", eventType)
}

func (p *streamProcessor) startBlock(anthropicIndex int, b contentBlock) error {
	if !p.state.Started() {
		return llm.NewProtocolError("content_block_start before message_start")
	}
	idx := p.state.NextIndex()
	switch b.Type {
	case "text":
		text := b.Text
		if p.prefillJSON && !p.seeded {
			text = jsonPrefill + text
			p.seeded = true
		}
		p.blocks[anthropicIndex] = idx
		return p.state.StartBlock(idx, llm.ContentBlock{Type: llm.ContentBlockTypeText, Text: text})
	case "tool_use":
		p.blocks[anthropicIndex] = idx
		return p.state.StartBlock(idx, llm.ContentBlock{
			Type:    llm.ContentBlockTypeToolUse,
			ToolUse: &llm.ToolUseBlock{ID: b.ID, Name: b.Name},
		})
	case "thinking":
		p.blocks[anthropicIndex] = idx
		return p.state.StartBlock(idx, llm.ContentBlock{
			Type:     llm.ContentBlockTypeThinking,
			Thinking: &llm.ThinkingBlock{Thinking: b.Thinking, Signature: b.Signature},
		})
	case "redacted_thinking", "server_tool_use", "web_search_tool_result", "mcp_tool_use", "mcp_tool_result":
		p.blocks[anthropicIndex] = -1
		return nil
	}
	return llm.NewProtocolError("unknown anthropic content block type %q", b.Type)
}

// response builds the round's result from the assembled message.
func (p *streamProcessor) response(raw json.RawMessage) (*provider.Response, error) {
	if !p.done {
		return nil, llm.NewNetworkError("anthropic stream ended before message_stop", nil)
	}
	return &provider.Response{
		Messages:     []llm.Message{p.state.Snapshot()},
		Usage:        p.usage,
		FinishReason: p.state.FinishReason(),
		Raw:          raw,
	}, nil
}
