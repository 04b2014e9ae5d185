package agent

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/aschepis/backscratcher/conductor/config"
	"github.com/aschepis/backscratcher/conductor/history"
	"github.com/aschepis/backscratcher/conductor/llm"
	"github.com/aschepis/backscratcher/conductor/tools"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	for _, k := range []string{"ANTHROPIC_API_KEY", "OPENAI_API_KEY", "OPENROUTER_API_KEY"} {
		t.Setenv(k, "")
	}
	cfg := config.Defaults()
	cfg.DefaultService = llm.ProviderMock
	return &cfg
}

func TestDispatcherRejectsUnknownActions(t *testing.T) {
	d := NewDispatcher()
	require.NoError(t, d.Register("echo", "Echo the input", func(_ context.Context, in Input) (*llm.PromptResponse, error) {
		return &llm.PromptResponse{Messages: []llm.Message{llm.NewTextMessage(llm.RoleAssistant, in.Text)}}, nil
	}))
	assert.Error(t, d.Register("echo", "", func(context.Context, Input) (*llm.PromptResponse, error) { return nil, nil }))
	assert.Error(t, d.Register("", "", nil))

	resp, err := d.Dispatch(context.Background(), "echo", Input{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Message().Text())

	_, err = d.Dispatch(context.Background(), "ehco", Input{})
	assert.True(t, errors.Is(err, ErrActionNotFound))
	assert.Contains(t, err.Error(), `"ehco"`)

	assert.Equal(t, []ActionInfo{{Name: "echo", Description: "Echo the input"}}, d.Actions())
}

func TestRunnerDispatchesConfiguredActions(t *testing.T) {
	cfg := testConfig(t)
	cfg.Actions["translate"] = &config.ActionConfig{
		Description:  "Pig-latin translator",
		LLM:          []config.LLMPreference{{Service: llm.ProviderAnthropic}, {Service: llm.ProviderMock, Temperature: llm.Float(0.1)}},
		Instructions: "Translate everything.",
	}
	store, err := history.Open(filepath.Join(t.TempDir(), "h.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	r := NewRunner(cfg, zerolog.Nop(), WithHistory(store))
	d, err := r.Dispatcher()
	require.NoError(t, err)
	assert.Equal(t, "translate", d.Actions()[0].Name)

	var deltas []string
	resp, err := d.Dispatch(context.Background(), "translate", Input{
		TraceID: "trace-42",
		Text:    "hello world",
		Stream: func(_ *llm.Message, delta string, phase llm.StreamPhase) {
			if phase == llm.StreamPhaseUpdate {
				deltas = append(deltas, delta)
			}
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "ellohay orldway", resp.Message().Text())
	assert.NotEmpty(t, deltas)

	calls, err := store.List(context.Background(), history.Filter{TraceID: "trace-42"})
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, llm.ProviderMock, calls[0].Service)
	assert.Equal(t, "pig-latin", calls[0].Model)
}

func TestRunnerCachesEngines(t *testing.T) {
	r := NewRunner(testConfig(t), zerolog.Nop())
	a, _, err := r.Engine(llm.ProviderMock, "")
	require.NoError(t, err)
	b, _, err := r.Engine(llm.ProviderMock, "pig-latin")
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, _, err = r.Engine("bard", "")
	assert.True(t, llm.IsValidationError(err))
}

func TestRunnerResolveFailsWhenNothingConfigured(t *testing.T) {
	r := NewRunner(testConfig(t), zerolog.Nop())
	_, err := r.Resolve([]config.LLMPreference{{Service: llm.ProviderOpenAI}})
	assert.Error(t, err)

	pref, err := r.Resolve(nil)
	require.NoError(t, err)
	assert.Equal(t, llm.ProviderMock, pref.Service)
}

func TestRunnerPreviewAndEmbed(t *testing.T) {
	store, err := history.Open(filepath.Join(t.TempDir(), "h.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	r := NewRunner(testConfig(t), zerolog.Nop(), WithHistory(store))

	preview, err := r.Preview(&config.ActionConfig{Instructions: "Be brief."}, Input{Text: "hi there"})
	require.NoError(t, err)
	assert.Equal(t, "Be brief.", gjson.Get(preview, "system").String())
	assert.Equal(t, "hi there", gjson.Get(preview, "messages.0.content").String())

	resp, err := r.Embed(context.Background(), llm.ProviderMock, "", []string{"a", "b"}, 8)
	require.NoError(t, err)
	require.Len(t, resp.Data, 2)
	assert.Len(t, resp.Data[0].Vector, 8)

	calls, err := store.List(context.Background(), history.Filter{Kind: history.KindEmbed})
	require.NoError(t, err)
	require.Len(t, calls, 1)
	assert.Equal(t, "pig-latin", calls[0].Model)
}

func TestContextSelectsToolsByPattern(t *testing.T) {
	reg := tools.NewRegistry(zerolog.Nop())
	require.NoError(t, tools.Workspace{Root: t.TempDir()}.Register(reg))
	r := NewRunner(testConfig(t), zerolog.Nop(), WithTools(reg))

	pc, err := r.Context(&config.ActionConfig{Tools: []string{"read_file", "*_directory"}, ToolChoice: "read_file"}, Input{Text: "x"})
	require.NoError(t, err)
	names := []string{pc.Tools[0].Name, pc.Tools[1].Name}
	assert.Equal(t, []string{"read_file", "list_directory"}, names)
	assert.Equal(t, llm.ToolChoice{Mode: llm.ToolChoiceTool, Name: "read_file"}, pc.ToolChoice)
	assert.NotNil(t, pc.ToolsFunction)

	_, err = r.Context(&config.ActionConfig{Tools: []string{"nope_*"}}, Input{})
	assert.Error(t, err)

	_, err = NewRunner(testConfig(t), zerolog.Nop()).Context(&config.ActionConfig{Tools: []string{"read_file"}}, Input{})
	assert.Error(t, err)
}

func TestToolChoice(t *testing.T) {
	assert.Equal(t, llm.ToolChoice{}, toolChoice(""))
	assert.Equal(t, llm.ToolChoice{Mode: llm.ToolChoiceAny}, toolChoice("any"))
	assert.Equal(t, llm.ToolChoice{Mode: llm.ToolChoiceTool, Name: "x"}, toolChoice("x"))
}

// chatServer answers the first Chat Completions request with a read_file
// tool call and the second with text, recording both bodies.
type chatServer struct {
	mu     sync.Mutex
	bodies [][]byte
}

func (s *chatServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.bodies = append(s.bodies, body)
	n := len(s.bodies)
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if n == 1 {
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","model":"m","choices":[{"index":0,"finish_reason":"tool_calls",
			"message":{"role":"assistant","content":"","tool_calls":[{"id":"call_1","type":"function","function":{"name":"read_file","arguments":"{\"path\":\"note.txt\"}"}}]}}],
			"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`)
		return
	}
	_, _ = io.WriteString(w, `{"id":"c2","object":"chat.completion","model":"m","choices":[{"index":0,"finish_reason":"stop",
		"message":{"role":"assistant","content":"The note says: water the plants."}}],
		"usage":{"prompt_tokens":30,"completion_tokens":8,"total_tokens":38}}`)
}

func TestRunnerToolRoundTripOverHTTP(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "note.txt"), []byte("water the plants"), 0o600))
	reg := tools.NewRegistry(zerolog.Nop())
	require.NoError(t, tools.Workspace{Root: root, ReadOnly: true}.Register(reg))

	srv := &chatServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	cfg := testConfig(t)
	cfg.OpenRouter = config.OpenRouterConfig{APIKey: "or-test", BaseURL: ts.URL + "/api/v1"}
	r := NewRunner(cfg, zerolog.Nop(), WithTools(reg))

	resp, err := r.Run(context.Background(), &config.ActionConfig{
		LLM:   []config.LLMPreference{{Service: llm.ProviderOpenRouter, Model: "openai/gpt-test"}},
		Tools: []string{"read_file"},
	}, Input{Text: "What does my note say?"})
	require.NoError(t, err)

	assert.Equal(t, "The note says: water the plants.", resp.Message().Text())
	assert.Len(t, resp.UsageStack, 2)
	assert.Equal(t, int64(53), resp.Usage().TotalTokens)
	require.Len(t, resp.Messages, 4)
	results := resp.Messages[2].ToolResults()
	require.Len(t, results, 1)
	assert.False(t, results[0].IsError)
	assert.Contains(t, results[0].Content, "water the plants")

	require.Len(t, srv.bodies, 2)
	assert.Equal(t, "openai/gpt-test", gjson.GetBytes(srv.bodies[0], "model").String())
	assert.Equal(t, "read_file", gjson.GetBytes(srv.bodies[0], "tools.0.function.name").String())
	assert.Equal(t, "tool", gjson.GetBytes(srv.bodies[1], "messages.2.role").String())
	assert.Equal(t, "call_1", gjson.GetBytes(srv.bodies[1], "messages.2.tool_call_id").String())
}
