package config

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/aschepis/backscratcher/conductor/llm"
	"github.com/aschepis/backscratcher/conductor/llm/anthropic"
	"github.com/aschepis/backscratcher/conductor/llm/mock"
	"github.com/aschepis/backscratcher/conductor/llm/ollama"
	"github.com/aschepis/backscratcher/conductor/llm/openai"
	"github.com/aschepis/backscratcher/conductor/llm/openrouter"
	"github.com/aschepis/backscratcher/conductor/llm/provider"
)

// Settings converts the ServiceConfig into engine settings.
func (s ServiceConfig) Settings() provider.Settings {
	return provider.Settings{
		Model:             s.Model,
		Temperature:       s.Temperature,
		MaxTokens:         s.MaxTokens,
		TopP:              s.TopP,
		Stream:            lo.FromPtr(s.Stream),
		ResponseFormat:    s.ResponseFormat,
		MaxRetries:        lo.FromPtr(s.MaxRetries),
		MaxRounds:         s.MaxRounds,
		RequestsPerSecond: s.RequestsPerSecond,
		Extra:             s.Extra,
	}
}

// NewAdapter creates the adapter serving sc.Service from the connection
// settings in c.
func (c *Config) NewAdapter(sc ServiceConfig, logger zerolog.Logger) (provider.Adapter, error) {
	switch sc.Service {
	case llm.ProviderAnthropic:
		jsonRetries := sc.JSONRetries
		if jsonRetries == 0 {
			jsonRetries = c.Anthropic.JSONRetries
		}
		return anthropic.New(anthropic.Config{
			APIKey:      c.Anthropic.APIKey,
			BaseURL:     c.Anthropic.BaseURL,
			Timeout:     sc.Timeout,
			JSONRetries: jsonRetries,
		}, logger)
	case llm.ProviderOpenAI:
		return openai.New(openai.Config{
			APIKey:       c.OpenAI.APIKey,
			BaseURL:      c.OpenAI.BaseURL,
			Organization: c.OpenAI.Organization,
			Timeout:      sc.Timeout,
		}, logger)
	case llm.ProviderOllama:
		return ollama.New(ollama.Config{
			Host:      c.Ollama.Host,
			KeepAlive: c.Ollama.KeepAlive,
			Timeout:   sc.Timeout,
		}, logger)
	case llm.ProviderOpenRouter:
		return openrouter.New(openrouter.Config{
			APIKey:  c.OpenRouter.APIKey,
			BaseURL: c.OpenRouter.BaseURL,
			Referer: c.OpenRouter.Referer,
			Title:   c.OpenRouter.Title,
			Timeout: sc.Timeout,
		}, logger)
	case llm.ProviderMock:
		return mock.New(), nil
	}
	return nil, llm.NewValidationError("unknown service %q", sc.Service)
}

// NewEngine resolves the named service and returns an engine for it.
func (c *Config) NewEngine(service string, overrides ServiceConfig, logger zerolog.Logger, opts ...provider.Option) (*provider.Engine, ServiceConfig, error) {
	sc, err := c.Service(service, overrides)
	if err != nil {
		return nil, ServiceConfig{}, err
	}
	adapter, err := c.NewAdapter(sc, logger)
	if err != nil {
		return nil, ServiceConfig{}, fmt.Errorf("failed to create %s adapter: %w", sc.Service, err)
	}
	opts = append([]provider.Option{provider.WithLogger(logger)}, opts...)
	return provider.New(adapter, sc.Settings(), opts...), sc, nil
}

// ProviderRegistry returns a registry over every known service, checking
// credentials from c.
func (c *Config) ProviderRegistry() *llm.ProviderRegistry {
	models := make(map[string]string, len(c.Services))
	for name, sc := range c.Services {
		models[name] = sc.Model
	}
	return llm.NewProviderRegistry(&llm.ProviderConfig{
		AnthropicAPIKey:  c.Anthropic.APIKey,
		OpenAIAPIKey:     c.OpenAI.APIKey,
		OpenRouterAPIKey: c.OpenRouter.APIKey,
		OllamaHost:       c.Ollama.Host,
		DefaultModels:    models,
	}, llm.KnownProviders)
}
