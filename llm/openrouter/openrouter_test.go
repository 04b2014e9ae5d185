package openrouter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/aschepis/backscratcher/conductor/llm"
	"github.com/aschepis/backscratcher/conductor/llm/provider"
)

func TestRoutingExtensionsAndAttribution(t *testing.T) {
	var body []byte
	var header http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		header = r.Header.Clone()
		w.Header().Set("Content-Type", "text/event-stream")
		for _, c := range []string{
			`{"id":"gen-1","model":"anthropic/claude-test","choices":[{"index":0,"delta":{"role":"assistant","content":"Bonjour"}}]}`,
			`{"id":"gen-1","model":"anthropic/claude-test","choices":[{"index":0,"delta":{"role":"assistant","content":" !"}}]}`,
			`{"id":"gen-1","choices":[{"index":0,"delta":{"role":"assistant","content":""},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2}}`,
		} {
			_, _ = fmt.Fprintf(w, "data: %s\n\n", c)
		}
		_, _ = io.WriteString(w, ": OPENROUTER PROCESSING\n\ndata: [DONE]\n\n")
	}))
	defer srv.Close()

	adapter, err := New(Config{APIKey: "or-test", BaseURL: srv.URL + "/api/v1", Referer: "https://example.com", Title: "conductor"}, zerolog.Nop())
	require.NoError(t, err)
	engine := provider.New(adapter, provider.Settings{Model: "anthropic/claude-test"})

	resp, err := engine.Prompt(context.Background(), llm.PromptContext{
		Messages: []llm.Message{llm.NewTextMessage(llm.RoleUser, "Say hello in French")},
		Stream:   llm.Bool(true),
		Options: map[string]any{
			"provider":   map[string]any{"order": []any{"anthropic", "bedrock"}, "allow_fallbacks": false, "sort": "latency"},
			"models":     []any{"anthropic/claude-test", "openai/gpt-test"},
			"transforms": []any{"middle-out"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Bonjour !", resp.Message().Text())
	assert.Equal(t, llm.RoleAssistant, resp.Message().Role)

	assert.Equal(t, "Bearer or-test", header.Get("Authorization"))
	assert.Equal(t, "https://example.com", header.Get("HTTP-Referer"))
	assert.Equal(t, "conductor", header.Get("X-Title"))
	assert.Equal(t, "anthropic", gjson.GetBytes(body, "provider.order.0").String())
	assert.False(t, gjson.GetBytes(body, "provider.allow_fallbacks").Bool())
	assert.True(t, gjson.GetBytes(body, "provider.allow_fallbacks").Exists())
	assert.Equal(t, "latency", gjson.GetBytes(body, "provider.sort").String())
	assert.Equal(t, "openai/gpt-test", gjson.GetBytes(body, "models.1").String())
	assert.Equal(t, "middle-out", gjson.GetBytes(body, "transforms.0").String())
}

func TestInvalidPreferencesAreRejected(t *testing.T) {
	adapter, err := New(Config{APIKey: "or-test"}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, adapter.URIBase())

	_, err = adapter.Serialize(&provider.Request{
		Model:    "m",
		Messages: []llm.Message{llm.NewTextMessage(llm.RoleUser, "hi")},
		Options:  map[string]any{"provider": map[string]any{"sort": "vibes"}},
	})
	assert.True(t, llm.IsValidationError(err))
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Config{}, zerolog.Nop())
	assert.Error(t, err)
}
