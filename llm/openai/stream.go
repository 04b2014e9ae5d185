package openai

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/aschepis/backscratcher/conductor/llm"
	"github.com/aschepis/backscratcher/conductor/llm/provider"
)

// noopPrefixes are event families that carry reasoning summaries or the
// progress of server-side tools. They never change the assembled message.
var noopPrefixes = []string{
	"response.reasoning_summary_part.",
	"response.reasoning_summary_text.",
	"response.reasoning_text.",
	"response.web_search_call.",
	"response.file_search_call.",
	"response.code_interpreter_call",
	"response.image_generation_call.",
	"response.mcp_",
}

type partKey struct{ item, part int64 }

// streamProcessor drives a StreamState from Responses stream events. The
// final message comes from the response object of response.completed, so
// streaming and non-streaming replies share one normalization.
type streamProcessor struct {
	state *provider.StreamState

	texts map[partKey]int
	tools map[int64]int
	done  map[int64]bool
	final json.RawMessage
}

func newStreamProcessor(state *provider.StreamState) *streamProcessor {
	return &streamProcessor{
		state: state,
		texts: map[partKey]int{},
		tools: map[int64]int{},
		done:  map[int64]bool{},
	}
}

func (p *streamProcessor) begin() {
	if !p.state.Started() {
		p.state.BeginMessage(llm.RoleAssistant)
	}
}

// process applies one event.
func (p *streamProcessor) process(eventType string, data []byte) error {
	ev := gjson.ParseBytes(data)
	if eventType == "" {
		eventType = ev.Get("type").String()
	}
	switch eventType {
	case "response.created", "response.in_progress":
		p.begin()

	case "response.output_item.added":
		p.begin()
		item := ev.Get("item")
		if item.Get("type").String() != "function_call" {
			return nil
		}
		out := ev.Get("output_index").Int()
		idx := p.state.NextIndex()
		if err := p.state.StartBlock(idx, llm.ContentBlock{
			Type:    llm.ContentBlockTypeToolUse,
			ToolUse: &llm.ToolUseBlock{ID: item.Get("call_id").String(), Name: item.Get("name").String()},
		}); err != nil {
			return err
		}
		p.tools[out] = idx
		if args := item.Get("arguments").String(); args != "" {
			return p.state.AppendToolArgs(idx, args)
		}

	case "response.content_part.added":
		p.begin()
		part := ev.Get("part")
		switch part.Get("type").String() {
		case "output_text", "refusal":
			_, err := p.textBlock(ev, part.Get("text").String())
			return err
		}

	case "response.output_text.delta", "response.refusal.delta":
		p.begin()
		idx, err := p.textBlock(ev, "")
		if err != nil {
			return err
		}
		return p.state.AppendText(idx, ev.Get("delta").String())

	case "response.function_call_arguments.delta":
		idx, ok := p.tools[ev.Get("output_index").Int()]
		if !ok {
			return llm.NewProtocolError("argument delta for unknown output item %d", ev.Get("output_index").Int())
		}
		return p.state.AppendToolArgs(idx, ev.Get("delta").String())

	case "response.function_call_arguments.done":
		return p.completeTool(ev.Get("output_index").Int())

	case "response.output_item.done":
		if ev.Get("item.type").String() == "function_call" {
			return p.completeTool(ev.Get("output_index").Int())
		}

	case "response.output_text.done", "response.content_part.done", "response.refusal.done",
		"response.output_text.annotation.added":

	case "response.completed", "response.incomplete":
		resp := ev.Get("response")
		if !resp.IsObject() {
			return llm.NewProtocolError("%s without a response object", eventType)
		}
		p.final = json.RawMessage(resp.Raw)

	case "response.failed":
		return codeError(ev.Get("response.error.code").String(), ev.Get("response.error.message").String())

	case "error":
		return codeError(ev.Get("code").String(), ev.Get("message").String())

	default:
		for _, prefix := range noopPrefixes {
			if strings.HasPrefix(eventType, prefix) {
				return nil
			}
		}
		return llm.NewProtocolError("unexpected responses stream event %q", eventType)
	}
	return nil
}

// textBlock returns the block of the text part addressed by ev, starting it
// when the part was not announced.
func (p *streamProcessor) textBlock(ev gjson.Result, initial string) (int, error) {
	key := partKey{item: ev.Get("output_index").Int(), part: ev.Get("content_index").Int()}
	if idx, ok := p.texts[key]; ok {
		return idx, nil
	}
	idx := p.state.NextIndex()
	if err := p.state.StartBlock(idx, llm.ContentBlock{Type: llm.ContentBlockTypeText, Text: initial}); err != nil {
		return 0, err
	}
	p.texts[key] = idx
	return idx, nil
}

func (p *streamProcessor) completeTool(out int64) error {
	if p.done[out] {
		return nil
	}
	idx, ok := p.tools[out]
	if !ok {
		return llm.NewProtocolError("completion of unknown output item %d", out)
	}
	p.done[out] = true
	return p.state.CompleteBlock(idx)
}

// response returns the normalized final response object.
func (p *streamProcessor) response() (*provider.Response, error) {
	if p.final == nil {
		return nil, llm.NewNetworkError("responses stream ended before response.completed", nil)
	}
	resp, err := normalize(p.final)
	if err != nil {
		return nil, err
	}
	p.state.Finish(resp.FinishReason)
	return resp, nil
}
