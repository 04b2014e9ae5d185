package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/aschepis/backscratcher/conductor/llm"
	"github.com/aschepis/backscratcher/conductor/llm/provider"
)

// fakeServer replays one handler per request and keeps every request body.
type fakeServer struct {
	mu      sync.Mutex
	bodies  [][]byte
	headers []http.Header
	replies []func(w http.ResponseWriter)
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	n := len(f.bodies)
	f.bodies = append(f.bodies, body)
	f.headers = append(f.headers, r.Header.Clone())
	f.mu.Unlock()
	if n >= len(f.replies) {
		http.Error(w, `{"error":{"message":"unexpected request","type":"invalid_request_error"}}`, http.StatusBadRequest)
		return
	}
	f.replies[n](w)
}

func jsonReply(body string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}
}

func sseReply(chunks ...string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range chunks {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", c)
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
	}
}

func newTestAdapter(t *testing.T, f *fakeServer, strategy Strategy) *Adapter {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	if strategy.Service == "" {
		strategy.Service = "openai"
	}
	a, err := New(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1"}, strategy, zerolog.Nop())
	require.NoError(t, err)
	return a
}

const weatherCompletion = `{"id":"chatcmpl-1","object":"chat.completion","model":"gpt-test",
	"choices":[{"index":0,"message":{"role":"assistant","content":"It is sunny."},"finish_reason":"stop"}],
	"usage":{"prompt_tokens":9,"completion_tokens":4,"prompt_tokens_details":{"cached_tokens":2}}}`

func TestPromptNonStreaming(t *testing.T) {
	f := &fakeServer{replies: []func(http.ResponseWriter){jsonReply(weatherCompletion)}}
	engine := provider.New(newTestAdapter(t, f, Strategy{}), provider.Settings{Model: "gpt-test"})

	resp, err := engine.Prompt(context.Background(), llm.PromptContext{
		Instructions: "Be brief.",
		Messages:     []llm.Message{llm.NewTextMessage(llm.RoleUser, "Weather?")},
		Temperature:  llm.Float(0.5),
		MaxTokens:    64,
	})
	require.NoError(t, err)

	assert.Equal(t, "It is sunny.", resp.Message().Text())
	assert.Equal(t, provider.FinishStop, resp.FinishReason)
	assert.Equal(t, int64(9), resp.Usage().PromptTokens)
	assert.Equal(t, int64(2), resp.UsageStack[0].CachedInputTokens)

	require.Len(t, f.bodies, 1)
	body := f.bodies[0]
	assert.Equal(t, "Bearer sk-test", f.headers[0].Get("Authorization"))
	assert.Equal(t, "system", gjson.GetBytes(body, "messages.0.role").String())
	assert.Equal(t, "Be brief.", gjson.GetBytes(body, "messages.0.content").String())
	assert.Equal(t, int64(64), gjson.GetBytes(body, "max_tokens").Int())
	assert.False(t, gjson.GetBytes(body, "stream").Exists())
}

func TestStreamingToolRoundTrip(t *testing.T) {
	f := &fakeServer{replies: []func(http.ResponseWriter){
		sseReply(
			`{"id":"c1","model":"gpt-test","choices":[{"index":0,"delta":{"role":"assistant","content":null,"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"get_weather","arguments":""}}]},"finish_reason":null}]}`,
			`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":"}}]},"finish_reason":null}]}`,
			`{"id":"c1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"Oslo\"}"}}]},"finish_reason":null}]}`,
			`{"id":"c1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
			`{"id":"c1","choices":[],"usage":{"prompt_tokens":20,"completion_tokens":8}}`,
		),
		sseReply(
			`{"id":"c2","choices":[{"index":0,"delta":{"role":"assistant","content":"Sunny "}}]}`,
			`{"id":"c2","choices":[{"index":0,"delta":{"content":"in Oslo."}}]}`,
			`{"id":"c2","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":30,"completion_tokens":3}}`,
		),
	}}
	engine := provider.New(newTestAdapter(t, f, Strategy{}), provider.Settings{Model: "gpt-test"})

	var phases []llm.StreamPhase
	var text strings.Builder
	var toolArgs map[string]any
	resp, err := engine.Prompt(context.Background(), llm.PromptContext{
		Messages:   []llm.Message{llm.NewTextMessage(llm.RoleUser, "Weather in Oslo?")},
		Tools:      []llm.ToolSpec{{Name: "get_weather", Schema: llm.ToolSchema{Type: "object"}}},
		ToolChoice: llm.ToolChoice{Mode: llm.ToolChoiceTool, Name: "get_weather"},
		Stream:     llm.Bool(true),
		ToolsFunction: func(_ context.Context, name string, args map[string]any) (any, error) {
			toolArgs = args
			return map[string]any{"sky": "clear"}, nil
		},
		StreamBroadcaster: func(_ *llm.Message, delta string, phase llm.StreamPhase) {
			if phase == llm.StreamPhaseUpdate {
				text.WriteString(delta)
				return
			}
			phases = append(phases, phase)
		},
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"city": "Oslo"}, toolArgs)
	assert.Equal(t, "Sunny in Oslo.", resp.Message().Text())
	assert.Equal(t, "Sunny in Oslo.", text.String())
	assert.Equal(t, []llm.StreamPhase{llm.StreamPhaseOpen, llm.StreamPhaseClose}, phases)
	require.Len(t, resp.UsageStack, 2)
	assert.Equal(t, int64(50), resp.Usage().PromptTokens)

	require.Len(t, f.bodies, 2)
	first, second := f.bodies[0], f.bodies[1]
	assert.True(t, gjson.GetBytes(first, "stream").Bool())
	assert.True(t, gjson.GetBytes(first, "stream_options.include_usage").Bool())
	assert.Equal(t, "get_weather", gjson.GetBytes(first, "tool_choice.function.name").String())
	assert.False(t, gjson.GetBytes(second, "tool_choice").Exists(), "forced choice cleared after use")
	assert.Equal(t, "tool", gjson.GetBytes(second, "messages.2.role").String())
	assert.Equal(t, "call_1", gjson.GetBytes(second, "messages.2.tool_call_id").String())
	assert.Equal(t, `{"city":"Oslo"}`, gjson.GetBytes(second, "messages.1.tool_calls.0.function.arguments").String())
}

func repeatedRoleStream() func(http.ResponseWriter) {
	return sseReply(
		`{"id":"c1","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"role":"assistant","content":"lo"}}]}`,
		`{"id":"c1","choices":[{"index":0,"delta":{"role":"assistant","content":""},"finish_reason":"stop"}]}`,
	)
}

func TestRepeatedRoleNeedsPullRole(t *testing.T) {
	pc := llm.PromptContext{Messages: []llm.Message{llm.NewTextMessage(llm.RoleUser, "hi")}, Stream: llm.Bool(true)}

	plain := &fakeServer{replies: []func(http.ResponseWriter){repeatedRoleStream()}}
	engine := provider.New(newTestAdapter(t, plain, Strategy{}), provider.Settings{Model: "m"})
	_, err := engine.Prompt(context.Background(), pc)
	assert.True(t, llm.IsProtocolError(err), "merged role corrupts the message: %v", err)

	pulled := &fakeServer{replies: []func(http.ResponseWriter){repeatedRoleStream()}}
	engine = provider.New(newTestAdapter(t, pulled, Strategy{Service: "ollama", PullRole: true}), provider.Settings{Model: "m"})
	resp, err := engine.Prompt(context.Background(), pc)
	require.NoError(t, err)
	assert.Equal(t, "Hello", resp.Message().Text())
	assert.Equal(t, llm.RoleAssistant, resp.Message().Role)
}

func TestStrategyPatchesAndHeaders(t *testing.T) {
	f := &fakeServer{replies: []func(http.ResponseWriter){jsonReply(weatherCompletion)}}
	strategy := Strategy{
		Service:             "openai",
		MaxCompletionTokens: true,
		Headers:             http.Header{"X-Title": []string{"conductor"}},
		Extend: func(req *provider.Request) ([]Patch, error) {
			return []Patch{{Path: "keep_alive", Value: "5m"}}, nil
		},
	}
	adapter := newTestAdapter(t, f, strategy)
	req := &provider.Request{
		Model: "gpt-test",
		Messages: []llm.Message{{
			Role: llm.RoleUser,
			Content: []llm.ContentBlock{
				{Type: llm.ContentBlockTypeText, Text: "Transcribe"},
				{Type: llm.ContentBlockTypeAudio, Audio: &llm.MediaSource{MediaType: "audio/wav", Data: "UklGRg=="}},
			},
		}},
		MaxTokens: 10,
	}

	preview, err := adapter.Serialize(req)
	require.NoError(t, err)

	_, err = adapter.Prompt(context.Background(), req, nil)
	require.NoError(t, err)
	sent := f.bodies[0]

	for _, body := range [][]byte{preview, sent} {
		assert.Equal(t, "5m", gjson.GetBytes(body, "keep_alive").String())
		assert.Equal(t, int64(10), gjson.GetBytes(body, "max_completion_tokens").Int())
		assert.Equal(t, "input_audio", gjson.GetBytes(body, "messages.0.content.1.type").String())
		assert.Equal(t, "wav", gjson.GetBytes(body, "messages.0.content.1.input_audio.format").String())
	}
	assert.Equal(t, "conductor", f.headers[0].Get("X-Title"))
}

func TestErrorClassification(t *testing.T) {
	f := &fakeServer{replies: []func(http.ResponseWriter){
		func(w http.ResponseWriter) {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit_exceeded"}}`)
		},
		func(w http.ResponseWriter) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"error":{"message":"bad tool schema","type":"invalid_request_error"}}`)
		},
	}}
	adapter := newTestAdapter(t, f, Strategy{})
	req := &provider.Request{Model: "gpt-test", Messages: []llm.Message{llm.NewTextMessage(llm.RoleUser, "hi")}}

	_, err := adapter.Prompt(context.Background(), req, nil)
	require.Error(t, err)
	assert.True(t, llm.IsRateLimitError(err))
	require.NotNil(t, llm.ExtractRetryAfter(err))
	assert.Equal(t, "2s", llm.ExtractRetryAfter(err).String())

	_, err = adapter.Prompt(context.Background(), req, nil)
	require.Error(t, err)
	assert.False(t, llm.IsRetryableError(err))
}

func TestEmbed(t *testing.T) {
	f := &fakeServer{replies: []func(http.ResponseWriter){jsonReply(
		`{"object":"list","data":[{"object":"embedding","index":1,"embedding":[0,1]},{"object":"embedding","index":0,"embedding":[1,0]}],"usage":{"prompt_tokens":4}}`,
	)}}
	engine := provider.New(newTestAdapter(t, f, Strategy{}), provider.Settings{Model: "text-embedding-test"})

	resp, err := engine.Embed(context.Background(), llm.EmbedContext{Input: []string{"a", "b"}, Dimensions: 2})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{1, 0}, {0, 1}}, resp.Vectors())
	assert.Equal(t, int64(4), resp.Usage().PromptTokens)
	assert.Equal(t, int64(2), gjson.GetBytes(f.bodies[0], "dimensions").Int())
}

func TestMergeDelta(t *testing.T) {
	msg := map[string]any{}
	for _, chunk := range []string{
		`{"role":"assistant","content":"a","tool_calls":[{"index":0,"id":"x","type":"function","function":{"name":"f","arguments":"{\"k\""}}]}`,
		`{"content":"b","tool_calls":[{"index":0,"type":"function","function":{"arguments":":1}"}},{"index":1,"id":"y","function":{"name":"g","arguments":"{}"}}]}`,
	} {
		var delta map[string]any
		require.NoError(t, json.Unmarshal([]byte(chunk), &delta))
		mergeDelta(msg, delta)
	}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	assert.Equal(t, "ab", gjson.GetBytes(raw, "content").String())
	assert.Equal(t, "function", gjson.GetBytes(raw, "tool_calls.0.type").String())
	assert.Equal(t, `{"k":1}`, gjson.GetBytes(raw, "tool_calls.0.function.arguments").String())
	assert.Equal(t, "g", gjson.GetBytes(raw, "tool_calls.1.function.name").String())
}

func TestNormalizeRejectsEmptyChoices(t *testing.T) {
	_, err := normalize([]byte(`{"id":"x","choices":[]}`))
	assert.True(t, llm.IsProtocolError(err))
}

func TestStreamProcessorRejectsUnknownChunkObjects(t *testing.T) {
	p := newStreamProcessor(provider.NewStreamState(nil), false)
	require.NoError(t, p.process([]byte(`{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Hi"}}]}`)))
	require.NoError(t, p.process([]byte(`{"id":"c1","choices":[{"index":0,"delta":{"content":"!"}}]}`)), "object may be omitted")

	err := p.process([]byte(`{"id":"c1","object":"totally.unknown.event","choices":[{"index":0,"delta":{"content":"?"}}]}`))
	assert.True(t, llm.IsProtocolError(err))
	assert.Equal(t, "Hi!", p.state.Snapshot().Text())
}

func TestForcedToolChoiceIsClearedAfterUse(t *testing.T) {
	ask := []llm.Message{llm.NewTextMessage(llm.RoleUser, "weather?")}
	used := []llm.Message{ask[0], llm.NewToolUseMessage([]llm.ToolUseBlock{{ID: "call_1", Name: "get_weather"}})}

	named := llm.ToolChoice{Mode: llm.ToolChoiceTool, Name: "get_weather"}
	assert.NotNil(t, toToolChoice(named, ask))
	assert.Nil(t, toToolChoice(named, used))
	assert.NotNil(t, toToolChoice(llm.ToolChoice{Mode: llm.ToolChoiceTool, Name: "get_time"}, used), "only the forced tool clears it")

	anyTool := llm.ToolChoice{Mode: llm.ToolChoiceAny}
	assert.Equal(t, "required", toToolChoice(anyTool, ask))
	assert.Nil(t, toToolChoice(anyTool, used))

	assert.Equal(t, "auto", toToolChoice(llm.ToolChoice{Mode: llm.ToolChoiceAuto}, used))
	assert.Equal(t, "none", toToolChoice(llm.ToolChoice{Mode: llm.ToolChoiceNone}, used))
}
