package ollama

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/aschepis/backscratcher/conductor/llm"
	"github.com/aschepis/backscratcher/conductor/llm/provider"
)

// fakeOllama answers by path and records request bodies.
type fakeOllama struct {
	mu     sync.Mutex
	paths  []string
	bodies [][]byte
	routes map[string]func(w http.ResponseWriter)
}

func (f *fakeOllama) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.paths = append(f.paths, r.URL.Path)
	f.bodies = append(f.bodies, body)
	f.mu.Unlock()
	h, ok := f.routes[r.URL.Path]
	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"model not found"}`)
		return
	}
	h(w)
}

func jsonReply(body string) func(w http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}
}

func newTestAdapter(t *testing.T, f *fakeOllama, keepAlive string) *Adapter {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	a, err := New(Config{Host: srv.URL, KeepAlive: keepAlive}, zerolog.Nop())
	require.NoError(t, err)
	return a
}

func TestStreamingWithRepeatedRole(t *testing.T) {
	f := &fakeOllama{routes: map[string]func(http.ResponseWriter){
		"/v1/chat/completions": func(w http.ResponseWriter) {
			w.Header().Set("Content-Type", "text/event-stream")
			for _, c := range []string{
				`{"id":"c1","model":"llama3","choices":[{"index":0,"delta":{"role":"assistant","content":"Ello"}}]}`,
				`{"id":"c1","model":"llama3","choices":[{"index":0,"delta":{"role":"assistant","content":"hay"}}]}`,
				`{"id":"c1","model":"llama3","choices":[{"index":0,"delta":{"role":"assistant","content":""},"finish_reason":"stop"}]}`,
			} {
				_, _ = fmt.Fprintf(w, "data: %s\n\n", c)
			}
			_, _ = io.WriteString(w, "data: [DONE]\n\n")
		},
	}}
	engine := provider.New(newTestAdapter(t, f, "10m"), provider.Settings{Model: "llama3"})

	resp, err := engine.Prompt(context.Background(), llm.PromptContext{
		Messages: []llm.Message{llm.NewTextMessage(llm.RoleUser, "Hello")},
		Stream:   llm.Bool(true),
	})
	require.NoError(t, err)
	assert.Equal(t, llm.RoleAssistant, resp.Message().Role)
	assert.Equal(t, "Ellohay", resp.Message().Text())

	require.Len(t, f.bodies, 1)
	assert.Equal(t, "10m", gjson.GetBytes(f.bodies[0], "keep_alive").String())
}

func TestKeepAliveOptionOverridesConfig(t *testing.T) {
	a := newTestAdapter(t, &fakeOllama{}, "10m")
	body, err := a.Serialize(&provider.Request{
		Model:    "llama3",
		Messages: []llm.Message{llm.NewTextMessage(llm.RoleUser, "hi")},
		Options:  map[string]any{"keep_alive": "-1"},
	})
	require.NoError(t, err)
	assert.Equal(t, "-1", gjson.GetBytes(body, "keep_alive").String())

	_, err = a.Serialize(&provider.Request{
		Model:    "llama3",
		Messages: []llm.Message{llm.NewTextMessage(llm.RoleUser, "hi")},
		Options:  map[string]any{"keep_alive": "forever"},
	})
	assert.True(t, llm.IsValidationError(err))
}

func TestToolArgumentsAreCoerced(t *testing.T) {
	f := &fakeOllama{routes: map[string]func(http.ResponseWriter){
		"/v1/chat/completions": jsonReply(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"finish_reason":"tool_calls",
			"message":{"role":"assistant","content":"","tool_calls":[{"id":"call_1","type":"function",
			"function":{"name":"set_alarm","arguments":"{\"hour\":\"7\",\"loud\":\"yes\",\"label\":42}"}}]}}]}`),
	}}
	a := newTestAdapter(t, f, "")

	resp, err := a.Prompt(context.Background(), &provider.Request{
		Model:    "llama3",
		Messages: []llm.Message{llm.NewTextMessage(llm.RoleUser, "Wake me at 7")},
		Tools: []llm.ToolSpec{{Name: "set_alarm", Schema: llm.ToolSchema{
			Type: "object",
			Properties: map[string]any{
				"hour":  map[string]any{"type": "integer"},
				"loud":  map[string]any{"type": "boolean"},
				"label": map[string]any{"type": "string"},
			},
		}}},
	}, nil)
	require.NoError(t, err)

	calls := provider.ToolCalls(resp.Messages)
	require.Len(t, calls, 1)
	assert.Equal(t, map[string]any{"hour": int64(7), "loud": true, "label": "42"}, calls[0].Input)
}

func TestEmbedUsesNativeEndpoint(t *testing.T) {
	f := &fakeOllama{routes: map[string]func(http.ResponseWriter){
		"/api/embed": jsonReply(`{"model":"mxbai-embed-large","embeddings":[[0.1,0.2],[0.3,0.4]],"prompt_eval_count":6}`),
	}}
	engine := provider.New(newTestAdapter(t, f, "5m"), provider.Settings{Model: "mxbai-embed-large"})

	resp, err := engine.Embed(context.Background(), llm.EmbedContext{Input: []string{"a", "b"}})
	require.NoError(t, err)
	require.Len(t, resp.Data, 2)
	assert.Equal(t, 1, resp.Data[1].Index)
	assert.InDelta(t, 0.3, resp.Data[1].Vector[0], 1e-6)
	assert.Equal(t, int64(6), resp.Usage().PromptTokens)

	require.Equal(t, []string{"/api/embed"}, f.paths)
	assert.Equal(t, "mxbai-embed-large", gjson.GetBytes(f.bodies[0], "model").String())
	assert.True(t, gjson.GetBytes(f.bodies[0], "keep_alive").Exists())
}

func TestEmbedWithDimensionsUsesCompatEndpoint(t *testing.T) {
	f := &fakeOllama{routes: map[string]func(http.ResponseWriter){
		"/v1/embeddings": jsonReply(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.5,0.5]}],"usage":{"prompt_tokens":1}}`),
	}}
	a := newTestAdapter(t, f, "")

	res, err := a.Embed(context.Background(), &provider.EmbedRequest{Model: "m", Input: []string{"a"}, Dimensions: 2})
	require.NoError(t, err)
	require.Len(t, res.Data, 1)
	assert.Equal(t, []string{"/v1/embeddings"}, f.paths)
	assert.Equal(t, int64(2), gjson.GetBytes(f.bodies[0], "dimensions").Int())
}

func TestEmbedMissingModel(t *testing.T) {
	a := newTestAdapter(t, &fakeOllama{}, "")
	_, err := a.Embed(context.Background(), &provider.EmbedRequest{Model: "nope", Input: []string{"a"}})
	require.Error(t, err)
	var e *llm.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, http.StatusNotFound, e.StatusCode)
	assert.False(t, e.Retryable)
}

func TestParseHost(t *testing.T) {
	u, err := parseHost("gpu-box:11434")
	require.NoError(t, err)
	assert.Equal(t, "http://gpu-box:11434", u.String())

	u, err = parseHost("https://ollama.internal")
	require.NoError(t, err)
	assert.Equal(t, "https", u.Scheme)
}

func TestPingReportsVersion(t *testing.T) {
	f := &fakeOllama{routes: map[string]func(http.ResponseWriter){
		"/api/version": jsonReply(`{"version":"0.12.11"}`),
	}}
	var a provider.Pinger = newTestAdapter(t, f, "")
	v, err := a.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.12.11", v)

	down, err := New(Config{Host: "http://127.0.0.1:1"}, zerolog.Nop())
	require.NoError(t, err)
	_, err = down.Ping(context.Background())
	assert.True(t, llm.IsRetryableError(err), "unreachable server is a network error: %v", err)
}
