// Package openai serves OpenAI through two adapters, one for Chat
// Completions and one for the Responses API, and a Router that picks between
// them per request.
package openai

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aschepis/backscratcher/conductor/llm"
	"github.com/aschepis/backscratcher/conductor/llm/openaicompat"
)

// DefaultBaseURL is the public OpenAI endpoint.
const DefaultBaseURL = "https://api.openai.com/v1"

// API names accepted by the api_version option.
const (
	APIChat      = "chat"
	APIResponses = "responses"
)

// Config configures both OpenAI adapters.
type Config struct {
	APIKey       string
	BaseURL      string
	Organization string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// ChatStrategy is the Chat Completions behaviour of the OpenAI API itself.
func ChatStrategy() openaicompat.Strategy {
	return openaicompat.Strategy{
		Service:             llm.ProviderOpenAI,
		DefaultBaseURL:      DefaultBaseURL,
		MaxCompletionTokens: true,
	}
}

// NewChat creates the Chat Completions adapter.
func NewChat(cfg Config, logger zerolog.Logger) (*openaicompat.Adapter, error) {
	return openaicompat.New(openaicompat.Config{
		APIKey:       cfg.APIKey,
		BaseURL:      cfg.BaseURL,
		Organization: cfg.Organization,
		Timeout:      cfg.Timeout,
		HTTPClient:   cfg.HTTPClient,
	}, ChatStrategy(), logger)
}
