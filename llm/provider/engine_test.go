package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aschepis/backscratcher/conductor/instrument"
	"github.com/aschepis/backscratcher/conductor/llm"
	"github.com/aschepis/backscratcher/conductor/llm/retry"
)

// scriptedAdapter replays one response per round and records every request it saw.
type scriptedAdapter struct {
	rounds   []*Response
	failures []error
	calls    int
	seen     [][]llm.Message
}

func (a *scriptedAdapter) Service() string { return "fake" }

func (a *scriptedAdapter) Serialize(req *Request) (json.RawMessage, error) {
	return json.Marshal(req)
}

func (a *scriptedAdapter) Prompt(_ context.Context, req *Request, stream *StreamState) (*Response, error) {
	a.calls++
	if len(a.failures) > 0 {
		err := a.failures[0]
		a.failures = a.failures[1:]
		if err != nil {
			return nil, err
		}
	}
	a.seen = append(a.seen, append([]llm.Message(nil), req.Messages...))
	if len(a.rounds) == 0 {
		return nil, errors.New("script exhausted")
	}
	resp := a.rounds[0]
	a.rounds = a.rounds[1:]
	if stream != nil {
		stream.BeginMessage(llm.RoleAssistant)
		for i, b := range resp.Messages[0].Content {
			if b.Type == llm.ContentBlockTypeText {
				if err := stream.StartBlock(i, llm.ContentBlock{Type: llm.ContentBlockTypeText}); err != nil {
					return nil, err
				}
				for _, w := range strings.SplitAfter(b.Text, " ") {
					if err := stream.AppendText(i, w); err != nil {
						return nil, err
					}
				}
				continue
			}
			if err := stream.StartBlock(i, b); err != nil {
				return nil, err
			}
		}
		stream.Finish(resp.FinishReason)
		return &Response{Messages: []llm.Message{stream.Snapshot()}, Usage: resp.Usage, FinishReason: resp.FinishReason}, nil
	}
	return resp, nil
}

func (a *scriptedAdapter) Embed(_ context.Context, req *EmbedRequest) (*EmbedResult, error) {
	data, err := NormalizeEmbeddings([]byte(`{"embedding":[0.5,0.5]}`))
	if err != nil {
		return nil, err
	}
	return &EmbedResult{Data: data, Usage: llm.Usage{InputTokens: int64(len(req.Input))}}, nil
}

func textRound(text string, in, out int64) *Response {
	return &Response{
		Messages:     []llm.Message{llm.NewTextMessage(llm.RoleAssistant, text)},
		Usage:        llm.Usage{InputTokens: in, OutputTokens: out},
		FinishReason: FinishStop,
	}
}

func toolRound(id, name string, input map[string]any, in, out int64) *Response {
	return &Response{
		Messages:     []llm.Message{llm.NewToolUseMessage([]llm.ToolUseBlock{{ID: id, Name: name, Input: input}})},
		Usage:        llm.Usage{InputTokens: in, OutputTokens: out},
		FinishReason: FinishToolCalls,
	}
}

func userPrompt(text string) llm.PromptContext {
	return llm.PromptContext{Messages: []llm.Message{llm.NewTextMessage(llm.RoleUser, text)}}
}

func TestPromptRecursesOnToolCall(t *testing.T) {
	adapter := &scriptedAdapter{rounds: []*Response{
		toolRound("call_1", "get_weather", map[string]any{"location": "NYC"}, 10, 5),
		textRound("It is 72 degrees in NYC.", 20, 8),
	}}
	rec := &instrument.Recorder{}
	engine := New(adapter, Settings{Model: "m"}, WithNotifier(instrument.NewNotifier(rec)))

	var gotArgs map[string]any
	pc := userPrompt("weather in NYC?")
	pc.ToolsFunction = func(_ context.Context, name string, args map[string]any) (any, error) {
		assert.Equal(t, "get_weather", name)
		gotArgs = args
		return map[string]any{"temp": 72}, nil
	}

	resp, err := engine.Prompt(context.Background(), pc)
	require.NoError(t, err)

	assert.Equal(t, 2, adapter.calls, "engine should recurse exactly once")
	assert.Equal(t, "NYC", gotArgs["location"])

	require.Len(t, resp.Messages, 4)
	assert.Equal(t, llm.RoleUser, resp.Messages[0].Role)
	assert.Equal(t, "get_weather", resp.Messages[1].ToolUses()[0].Name)
	require.Equal(t, llm.RoleTool, resp.Messages[2].Role)
	results := resp.Messages[2].ToolResults()
	require.Len(t, results, 1)
	assert.Equal(t, "call_1", results[0].ID)
	assert.JSONEq(t, `{"temp":72}`, results[0].Content)
	assert.Equal(t, "It is 72 degrees in NYC.", resp.Message().Text())

	// The second round must have been sent the tool result before the reply.
	require.Len(t, adapter.seen[1], 3)
	assert.Equal(t, llm.RoleTool, adapter.seen[1][2].Role)

	assert.Len(t, resp.UsageStack, 2)
	assert.Equal(t, int64(43), resp.Usage().TotalTokens)
	assert.Equal(t, FinishStop, resp.FinishReason)

	assert.Equal(t, 1, rec.Count(instrument.EventPrompt))
	assert.Equal(t, 2, rec.Count(instrument.EventPromptProvider))
	require.Equal(t, 1, rec.Count(instrument.EventToolCall))
	assert.Equal(t, "get_weather", rec.Events(instrument.EventToolCall)[0].Payload["tool_name"])
}

func TestPromptUsageStackHasOneEntryPerRound(t *testing.T) {
	adapter := &scriptedAdapter{rounds: []*Response{
		toolRound("a", "lookup", nil, 1, 2),
		toolRound("b", "lookup", nil, 3, 4),
		textRound("done", 5, 6),
	}}
	engine := New(adapter, Settings{Model: "m"})
	pc := userPrompt("go")
	pc.ToolsFunction = func(context.Context, string, map[string]any) (any, error) { return "ok", nil }

	resp, err := engine.Prompt(context.Background(), pc)
	require.NoError(t, err)
	require.Len(t, resp.UsageStack, 3)

	var sum int64
	for _, u := range resp.UsageStack {
		sum += u.TotalTokens()
	}
	assert.Equal(t, sum, resp.Usage().TotalTokens)
	assert.Equal(t, int64(9), resp.Usage().PromptTokens)
	assert.Equal(t, int64(12), resp.Usage().CompletionTokens)
}

func TestPromptToolErrorIsReturnedToModel(t *testing.T) {
	adapter := &scriptedAdapter{rounds: []*Response{
		toolRound("a", "explode", nil, 1, 1),
		textRound("sorry", 1, 1),
	}}
	engine := New(adapter, Settings{Model: "m"})
	pc := userPrompt("go")
	pc.ToolsFunction = func(context.Context, string, map[string]any) (any, error) {
		return nil, errors.New("kaboom")
	}

	resp, err := engine.Prompt(context.Background(), pc)
	require.NoError(t, err)
	result := resp.Messages[2].ToolResults()[0]
	assert.True(t, result.IsError)
	assert.Contains(t, result.Content, "kaboom")
}

func TestPromptWithoutToolsFunctionFails(t *testing.T) {
	adapter := &scriptedAdapter{rounds: []*Response{toolRound("a", "lookup", nil, 1, 1)}}
	_, err := New(adapter, Settings{Model: "m"}).Prompt(context.Background(), userPrompt("go"))
	assert.True(t, llm.IsValidationError(err))
}

func TestPromptStopsAtMaxRounds(t *testing.T) {
	var rounds []*Response
	for i := 0; i < 5; i++ {
		rounds = append(rounds, toolRound("a", "loop", nil, 1, 1))
	}
	adapter := &scriptedAdapter{rounds: rounds}
	engine := New(adapter, Settings{Model: "m"}, WithMaxRounds(3))
	pc := userPrompt("go")
	pc.ToolsFunction = func(context.Context, string, map[string]any) (any, error) { return "again", nil }

	_, err := engine.Prompt(context.Background(), pc)
	var llmErr *llm.Error
	require.ErrorAs(t, err, &llmErr)
	assert.Equal(t, llm.ErrorTypeMaxRounds, llmErr.Type)
	assert.Equal(t, 3, adapter.calls)
}

func TestPromptRejectsServiceMismatch(t *testing.T) {
	adapter := &scriptedAdapter{}
	pc := userPrompt("hi")
	pc.Service = "anthropic"

	_, err := New(adapter, Settings{Model: "m"}).Prompt(context.Background(), pc)
	assert.True(t, llm.IsValidationError(err))
	assert.Zero(t, adapter.calls)
}

func TestPromptRetriesConnectionFailure(t *testing.T) {
	dial := llm.NewNetworkError("dial", &net.OpError{Op: "dial", Err: errors.New("refused")})

	t.Run("retry then succeed", func(t *testing.T) {
		adapter := &scriptedAdapter{
			failures: []error{dial},
			rounds:   []*Response{textRound("ok", 1, 1)},
		}
		rec := &instrument.Recorder{}
		policy := retry.DefaultPolicy()
		policy.MaxRetries = 2
		policy.InitialInterval = 1
		policy.MaxInterval = 1
		engine := New(adapter, Settings{Model: "m"}, WithNotifier(instrument.NewNotifier(rec)), WithRetryPolicy(policy))

		resp, err := engine.Prompt(context.Background(), userPrompt("hi"))
		require.NoError(t, err)
		assert.Equal(t, "ok", resp.Message().Text())
		assert.Equal(t, 1, rec.Count(instrument.EventRetryAttempt))
		assert.Len(t, resp.UsageStack, 1)
	})

	t.Run("zero retries raises immediately", func(t *testing.T) {
		adapter := &scriptedAdapter{failures: []error{dial}}
		rec := &instrument.Recorder{}
		engine := New(adapter, Settings{Model: "m", MaxRetries: 0}, WithNotifier(instrument.NewNotifier(rec)))

		_, err := engine.Prompt(context.Background(), userPrompt("hi"))
		require.Error(t, err)
		assert.Equal(t, 1, adapter.calls)
		assert.Zero(t, rec.Count(instrument.EventRetryAttempt))
	})
}

func TestStreamingOpensAndClosesOncePerCall(t *testing.T) {
	adapter := &scriptedAdapter{rounds: []*Response{
		toolRound("a", "lookup", nil, 1, 1),
		textRound("all done now", 1, 1),
	}}
	rec := &instrument.Recorder{}
	engine := New(adapter, Settings{Model: "m", Stream: true}, WithNotifier(instrument.NewNotifier(rec)))

	var phases []llm.StreamPhase
	var deltas strings.Builder
	pc := userPrompt("go")
	pc.ToolsFunction = func(context.Context, string, map[string]any) (any, error) { return "x", nil }
	pc.StreamBroadcaster = func(_ *llm.Message, delta string, phase llm.StreamPhase) {
		phases = append(phases, phase)
		deltas.WriteString(delta)
	}

	resp, err := engine.Prompt(context.Background(), pc)
	require.NoError(t, err)

	require.NotEmpty(t, phases)
	assert.Equal(t, llm.StreamPhaseOpen, phases[0])
	assert.Equal(t, llm.StreamPhaseClose, phases[len(phases)-1])
	opens, closes := 0, 0
	for _, p := range phases {
		switch p {
		case llm.StreamPhaseOpen:
			opens++
		case llm.StreamPhaseClose:
			closes++
		}
	}
	assert.Equal(t, 1, opens)
	assert.Equal(t, 1, closes)
	assert.Equal(t, "all done now", deltas.String())
	assert.Equal(t, "all done now", resp.Message().Text())
	assert.Equal(t, 1, rec.Count(instrument.EventStreamOpen))
	assert.Equal(t, 1, rec.Count(instrument.EventStreamClose))
}

func TestContextDefaultsFromSettings(t *testing.T) {
	temp := 0.2
	engine := New(&scriptedAdapter{}, Settings{
		Model:       "default-model",
		Temperature: &temp,
		MaxTokens:   512,
		Extra:       map[string]any{"keep_alive": "5m", "provider": map[string]any{"order": []any{"a"}}},
	})

	pc := userPrompt("hi")
	pc.Options = map[string]any{"keep_alive": "1m"}
	req, err := engine.BuildRequest(pc)
	require.NoError(t, err)
	assert.Equal(t, "default-model", req.Model)
	assert.Equal(t, 0.2, *req.Temperature)
	assert.Equal(t, int64(512), req.MaxTokens)
	assert.Equal(t, "1m", req.Options["keep_alive"])
	assert.NotNil(t, req.Options["provider"])

	pc.ToolChoice = llm.ToolChoice{Mode: llm.ToolChoiceTool, Name: "missing"}
	_, err = engine.BuildRequest(pc)
	assert.True(t, llm.IsValidationError(err))
}

func TestPreviewDoesNotCallProvider(t *testing.T) {
	adapter := &scriptedAdapter{}
	out, err := New(adapter, Settings{Model: "m"}).Preview(userPrompt("hello"))
	require.NoError(t, err)
	assert.Zero(t, adapter.calls)
	assert.Contains(t, out, "\n  \"model\": \"m\"")
	assert.Contains(t, out, "hello")
}

func TestEmbedSingleRound(t *testing.T) {
	rec := &instrument.Recorder{}
	engine := New(&scriptedAdapter{}, Settings{Model: "embed"}, WithNotifier(instrument.NewNotifier(rec)))

	resp, err := engine.Embed(context.Background(), llm.EmbedContext{Input: []string{"a"}})
	require.NoError(t, err)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, []float64{0.5, 0.5}, resp.Data[0].Vector)
	assert.Len(t, resp.UsageStack, 1)
	assert.Equal(t, []string{instrument.EventEmbedProvider, instrument.EventEmbed}, rec.Names())

	_, err = engine.Embed(context.Background(), llm.EmbedContext{})
	assert.True(t, llm.IsValidationError(err))
}

func TestCallOptionsDoNotLeakIntoSettings(t *testing.T) {
	settings := Settings{Model: "m", Extra: map[string]any{
		"provider": map[string]any{"order": []any{"a"}},
	}}
	engine := New(&scriptedAdapter{}, settings)

	pc := userPrompt("hi")
	pc.Options = map[string]any{"provider": map[string]any{"sort": "price"}}
	first, err := engine.BuildRequest(pc)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"order": []any{"a"}, "sort": "price"}, first.Options["provider"])

	second, err := engine.BuildRequest(userPrompt("hi again"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"order": []any{"a"}}, second.Options["provider"])
	assert.Equal(t, map[string]any{"order": []any{"a"}}, settings.Extra["provider"])

	// Mutating a built request must not reach the next one either.
	second.Options["provider"].(map[string]any)["order"].([]any)[0] = "z"
	third, err := engine.BuildRequest(userPrompt("once more"))
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, third.Options["provider"].(map[string]any)["order"])
}

// brokenStreamAdapter streams the first words of its reply and then fails
// on the first attempt; later attempts stream the whole reply.
type brokenStreamAdapter struct {
	scriptedAdapter
	reply   string
	failErr error
	emitted int
}

func (a *brokenStreamAdapter) Prompt(_ context.Context, _ *Request, stream *StreamState) (*Response, error) {
	a.calls++
	stream.BeginMessage(llm.RoleAssistant)
	if err := stream.StartBlock(0, llm.ContentBlock{Type: llm.ContentBlockTypeText}); err != nil {
		return nil, err
	}
	words := strings.SplitAfter(a.reply, " ")
	for i, w := range words {
		if a.calls == 1 && i == a.emitted {
			return nil, a.failErr
		}
		if err := stream.AppendText(0, w); err != nil {
			return nil, err
		}
	}
	stream.Finish(FinishStop)
	return &Response{Messages: []llm.Message{stream.Snapshot()}, FinishReason: FinishStop}, nil
}

func TestStreamedRoundIsNotRetriedAfterDeltas(t *testing.T) {
	dial := llm.NewNetworkError("connection reset", &net.OpError{Op: "read", Err: errors.New("reset")})
	policy := retry.DefaultPolicy()
	policy.MaxRetries = 2
	policy.InitialInterval = 1
	policy.MaxInterval = 1

	run := func(t *testing.T, emitted int) (*llm.PromptResponse, string, []llm.StreamPhase, *brokenStreamAdapter, error) {
		t.Helper()
		adapter := &brokenStreamAdapter{reply: "ellohay orldway", failErr: dial, emitted: emitted}
		engine := New(adapter, Settings{Model: "m", Stream: true}, WithRetryPolicy(policy))
		var deltas strings.Builder
		var phases []llm.StreamPhase
		pc := userPrompt("hello world")
		pc.StreamBroadcaster = func(_ *llm.Message, delta string, phase llm.StreamPhase) {
			phases = append(phases, phase)
			deltas.WriteString(delta)
		}
		resp, err := engine.Prompt(context.Background(), pc)
		return resp, deltas.String(), phases, adapter, err
	}

	t.Run("failure after a delta is final", func(t *testing.T) {
		_, deltas, phases, adapter, err := run(t, 1)
		require.Error(t, err)
		assert.True(t, llm.IsRetryableError(err), "the original error is returned unwrapped")
		assert.Equal(t, 1, adapter.calls)
		assert.Equal(t, "ellohay ", deltas)
		assert.Equal(t, llm.StreamPhaseClose, phases[len(phases)-1])
	})

	t.Run("failure before any delta is retried", func(t *testing.T) {
		resp, deltas, phases, adapter, err := run(t, 0)
		require.NoError(t, err)
		assert.Equal(t, 2, adapter.calls)
		assert.Equal(t, "ellohay orldway", resp.Message().Text())
		assert.Equal(t, resp.Message().Text(), deltas)
		assert.Equal(t, llm.StreamPhaseOpen, phases[0])
	})
}

func TestFailedCallBeforeOpenBroadcastsNothing(t *testing.T) {
	adapter := &scriptedAdapter{failures: []error{llm.NewProviderError("bad request", nil)}}
	engine := New(adapter, Settings{Model: "m", Stream: true})

	var phases []llm.StreamPhase
	pc := userPrompt("hi")
	pc.StreamBroadcaster = func(_ *llm.Message, _ string, phase llm.StreamPhase) {
		phases = append(phases, phase)
	}
	_, err := engine.Prompt(context.Background(), pc)
	require.Error(t, err)
	assert.Empty(t, phases)
}
