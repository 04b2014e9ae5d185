package openaicompat

import (
	"encoding/json"

	"github.com/aschepis/backscratcher/conductor/llm"
	"github.com/aschepis/backscratcher/conductor/llm/provider"
)

// streamProcessor folds chat.completion.chunk payloads into one
// chat.completion body while relaying deltas through the StreamState. The
// folded body is normalized exactly like a non-streamed reply.
type streamProcessor struct {
	state    *provider.StreamState
	pullRole bool

	role     string
	meta     map[string]any
	message  map[string]any
	finish   string
	usage    json.RawMessage
	started  bool
	textIdx  int
	thinkIdx int
	tools    map[int]int
}

func newStreamProcessor(state *provider.StreamState, pullRole bool) *streamProcessor {
	return &streamProcessor{
		state:    state,
		pullRole: pullRole,
		meta:     map[string]any{},
		message:  map[string]any{},
		textIdx:  -1,
		thinkIdx: -1,
		tools:    map[int]int{},
	}
}

const chunkObject = "chat.completion.chunk"

type wireChunk struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Model   string `json:"model"`
	Created int64  `json:"created"`
	Choices []struct {
		Index        int            `json:"index"`
		Delta        map[string]any `json:"delta"`
		FinishReason *string        `json:"finish_reason"`
	} `json:"choices"`
	Usage json.RawMessage `json:"usage"`
}

// process applies one chunk.
func (p *streamProcessor) process(data []byte) error {
	var c wireChunk
	if err := json.Unmarshal(data, &c); err != nil {
		return llm.NewProtocolError("decode chat completion chunk: %v", err)
	}
	// Some compatible servers leave object out of their chunks.
	if c.Object != "" && c.Object != chunkObject {
		return llm.NewProtocolError("unknown chunk object %q", c.Object)
	}
	if c.ID != "" {
		p.meta["id"] = c.ID
	}
	if c.Model != "" {
		p.meta["model"] = c.Model
	}
	if c.Created != 0 {
		p.meta["created"] = c.Created
	}
	if len(c.Usage) > 0 && string(c.Usage) != "null" {
		p.usage = c.Usage
	}

	for _, choice := range c.Choices {
		if choice.Index != 0 {
			continue
		}
		if err := p.delta(choice.Delta); err != nil {
			return err
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			p.finish = *choice.FinishReason
			if err := p.completeTools(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *streamProcessor) delta(delta map[string]any) error {
	if !p.started {
		p.role, _ = delta["role"].(string)
		if p.role == "" {
			p.role = string(llm.RoleAssistant)
		}
		p.state.BeginMessage(llm.MessageRole(p.role))
		p.started = true
	}
	// Gateways that repeat role in every delta would otherwise fold it into
	// "assistantassistant...".
	if p.pullRole {
		delete(delta, "role")
	}
	mergeDelta(p.message, delta)

	for _, key := range []string{"reasoning_content", "reasoning"} {
		if s, ok := delta[key].(string); ok && s != "" {
			if p.thinkIdx < 0 {
				p.thinkIdx = p.state.NextIndex()
				if err := p.state.StartBlock(p.thinkIdx, llm.ContentBlock{Type: llm.ContentBlockTypeThinking, Thinking: &llm.ThinkingBlock{}}); err != nil {
					return err
				}
			}
			if err := p.state.AppendThinking(p.thinkIdx, s); err != nil {
				return err
			}
		}
	}
	if s, ok := delta["content"].(string); ok && s != "" {
		if p.textIdx < 0 {
			p.textIdx = p.state.NextIndex()
			if err := p.state.StartBlock(p.textIdx, llm.ContentBlock{Type: llm.ContentBlockTypeText}); err != nil {
				return err
			}
		}
		if err := p.state.AppendText(p.textIdx, s); err != nil {
			return err
		}
	}

	calls, _ := delta["tool_calls"].([]any)
	for _, raw := range calls {
		call, ok := raw.(map[string]any)
		if !ok {
			return llm.NewProtocolError("tool call delta is not an object")
		}
		n, ok := call["index"].(float64)
		if !ok {
			return llm.NewProtocolError("tool call delta without index")
		}
		fn, _ := call["function"].(map[string]any)
		idx, seen := p.tools[int(n)]
		if !seen {
			id, _ := call["id"].(string)
			name, _ := fn["name"].(string)
			idx = p.state.NextIndex()
			p.tools[int(n)] = idx
			if err := p.state.StartBlock(idx, llm.ContentBlock{
				Type:    llm.ContentBlockTypeToolUse,
				ToolUse: &llm.ToolUseBlock{ID: id, Name: name},
			}); err != nil {
				return err
			}
		}
		if args, _ := fn["arguments"].(string); args != "" {
			if err := p.state.AppendToolArgs(idx, args); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *streamProcessor) completeTools() error {
	for _, idx := range p.tools {
		if err := p.state.CompleteBlock(idx); err != nil {
			return err
		}
	}
	p.tools = map[int]int{}
	return nil
}

// response builds the round's result from the folded body.
func (p *streamProcessor) response() (*provider.Response, error) {
	if p.finish == "" {
		return nil, llm.NewNetworkError("chat completion stream ended without a finish reason", nil)
	}
	if p.pullRole {
		p.message["role"] = p.role
	}
	body := map[string]any{
		"object": "chat.completion",
		"choices": []any{map[string]any{
			"index":         0,
			"message":       p.message,
			"finish_reason": p.finish,
		}},
	}
	for k, v := range p.meta {
		body[k] = v
	}
	if p.usage != nil {
		body["usage"] = p.usage
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, llm.NewProtocolError("encode folded completion: %v", err)
	}
	resp, err := normalize(raw)
	if err != nil {
		return nil, err
	}
	p.state.Finish(resp.FinishReason)
	return resp, nil
}

// identityKeys hold values that repeat verbatim across deltas instead of
// continuing.
var identityKeys = map[string]bool{"id": true, "type": true, "index": true}

// mergeDelta folds src into dst: strings concatenate, objects merge, lists of
// indexed objects merge by index, anything else is replaced.
func mergeDelta(dst, src map[string]any) {
	for k, v := range src {
		switch v := v.(type) {
		case string:
			if prev, ok := dst[k].(string); ok && !identityKeys[k] {
				dst[k] = prev + v
			} else {
				dst[k] = v
			}
		case map[string]any:
			d, ok := dst[k].(map[string]any)
			if !ok {
				d = map[string]any{}
				dst[k] = d
			}
			mergeDelta(d, v)
		case []any:
			dst[k] = mergeIndexed(dst[k], v)
		case nil:
			if _, ok := dst[k]; !ok {
				dst[k] = nil
			}
		default:
			dst[k] = v
		}
	}
}

func mergeIndexed(prev any, items []any) []any {
	list, _ := prev.([]any)
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			list = append(list, item)
			continue
		}
		idx, hasIdx := m["index"]
		merged := false
		if hasIdx {
			for _, el := range list {
				if em, ok := el.(map[string]any); ok && em["index"] == idx {
					mergeDelta(em, m)
					merged = true
					break
				}
			}
		}
		if !merged {
			fresh := map[string]any{}
			mergeDelta(fresh, m)
			list = append(list, fresh)
		}
	}
	return list
}
