// Package config loads conductor's YAML configuration and turns it into the
// immutable per-call ServiceConfig an engine is built from.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/aschepis/backscratcher/conductor/llm"
)

// AnthropicConfig holds the Anthropic connection settings.
type AnthropicConfig struct {
	APIKey      string `yaml:"api_key,omitempty"`
	BaseURL     string `yaml:"base_url,omitempty"`
	JSONRetries int    `yaml:"json_retries,omitempty"` // re-issues when emulated JSON does not parse
}

// OpenAIConfig holds the OpenAI connection settings.
type OpenAIConfig struct {
	APIKey       string `yaml:"api_key,omitempty"`
	BaseURL      string `yaml:"base_url,omitempty"`
	Organization string `yaml:"organization,omitempty"`
}

// OllamaConfig holds the Ollama connection settings.
type OllamaConfig struct {
	Host      string `yaml:"host,omitempty"`
	KeepAlive string `yaml:"keep_alive,omitempty"`
}

// OpenRouterConfig holds the OpenRouter connection settings.
type OpenRouterConfig struct {
	APIKey  string `yaml:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty"`
	Referer string `yaml:"referer,omitempty"` // sent as HTTP-Referer
	Title   string `yaml:"title,omitempty"`   // sent as X-Title
}

// MCPServerConfig describes one MCP server whose tools are mounted.
type MCPServerConfig struct {
	Command string            `yaml:"command,omitempty"` // stdio transport
	Args    []string          `yaml:"args,omitempty"`
	Env     []string          `yaml:"env,omitempty"`
	URL     string            `yaml:"url,omitempty"` // streamable HTTP transport
	Headers map[string]string `yaml:"headers,omitempty"`
}

// HistoryConfig configures the store of completed prompts.
type HistoryConfig struct {
	Disabled bool   `yaml:"disabled,omitempty"`
	Path     string `yaml:"path,omitempty"`
}

// LLMPreference names a service and, optionally, a model and temperature.
// Actions list preferences in order; the first configured service wins.
type LLMPreference struct {
	Service     string   `yaml:"service"`
	Model       string   `yaml:"model,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty"`
}

// ActionConfig defines a named prompt action: instructions, tools and
// model preferences bundled under one identifier.
type ActionConfig struct {
	Description    string              `yaml:"description,omitempty"`
	LLM            []LLMPreference     `yaml:"llm,omitempty"`
	Instructions   string              `yaml:"instructions,omitempty"`
	Tools          []string            `yaml:"tools,omitempty"`
	ToolChoice     string              `yaml:"tool_choice,omitempty"` // auto, none, any or a tool name
	Stream         *bool               `yaml:"stream,omitempty"`
	ResponseFormat *llm.ResponseFormat `yaml:"response_format,omitempty"`
	MaxTokens      int64               `yaml:"max_tokens,omitempty"`
	Options        map[string]any      `yaml:"options,omitempty"`
}

// Config is the whole configuration file.
type Config struct {
	DefaultService string                      `yaml:"default_service,omitempty"`
	Anthropic      AnthropicConfig             `yaml:"anthropic,omitempty"`
	OpenAI         OpenAIConfig                `yaml:"openai,omitempty"`
	Ollama         OllamaConfig                `yaml:"ollama,omitempty"`
	OpenRouter     OpenRouterConfig            `yaml:"openrouter,omitempty"`
	Services       map[string]ServiceConfig    `yaml:"services,omitempty"`
	MCPServers     map[string]*MCPServerConfig `yaml:"mcp_servers,omitempty"`
	Actions        map[string]*ActionConfig    `yaml:"actions,omitempty"`
	Workspace      string                      `yaml:"workspace,omitempty"` // root for the file tools; empty disables them
	History        HistoryConfig               `yaml:"history,omitempty"`
}

// ServiceConfig is the immutable configuration of one engine. Call contexts
// override its defaults per call but never modify it.
type ServiceConfig struct {
	Service           string              `yaml:"service,omitempty"`
	Model             string              `yaml:"model,omitempty"`
	EmbedModel        string              `yaml:"embed_model,omitempty"`
	Temperature       *float64            `yaml:"temperature,omitempty"`
	MaxTokens         int64               `yaml:"max_tokens,omitempty"`
	TopP              *float64            `yaml:"top_p,omitempty"`
	Stream            *bool               `yaml:"stream,omitempty"`
	ResponseFormat    *llm.ResponseFormat `yaml:"response_format,omitempty"`
	Timeout           time.Duration       `yaml:"timeout,omitempty"`
	MaxRetries        *int                `yaml:"max_retries,omitempty"` // 0 disables retrying
	JSONRetries       int                 `yaml:"json_retries,omitempty"`
	MaxRounds         int                 `yaml:"max_rounds,omitempty"`
	RequestsPerSecond float64             `yaml:"requests_per_second,omitempty"`
	// Extra holds provider extensions (thinking, keep_alive, provider
	// preferences, ...) merged under every call's options.
	Extra map[string]any `yaml:"extra,omitempty"`
}

// GetConfigPath returns the config file path. CONDUCTOR_CONFIG_PATH
// overrides the default ~/.conductor/config.yaml.
func GetConfigPath() string {
	if envPath := os.Getenv("CONDUCTOR_CONFIG_PATH"); envPath != "" {
		return expandPath(envPath)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "./.conductor/config.yaml"
	}
	return filepath.Join(homeDir, ".conductor", "config.yaml")
}

// expandPath expands ~ to the user's home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		DefaultService: llm.ProviderAnthropic,
		Anthropic:      AnthropicConfig{JSONRetries: 3},
		Ollama:         OllamaConfig{Host: "http://localhost:11434"},
		Services: map[string]ServiceConfig{
			llm.ProviderAnthropic:  {Model: "claude-sonnet-4-5", MaxTokens: 4096},
			llm.ProviderOpenAI:     {Model: "gpt-4.1-mini", EmbedModel: "text-embedding-3-small"},
			llm.ProviderOllama:     {Model: "llama3.2:3b", EmbedModel: "mxbai-embed-large"},
			llm.ProviderOpenRouter: {Model: "openai/gpt-4.1-mini"},
			llm.ProviderMock:       {Model: "pig-latin", EmbedModel: "pig-latin"},
		},
		MCPServers: map[string]*MCPServerConfig{},
		Actions:    map[string]*ActionConfig{},
		History:    HistoryConfig{Path: "~/.conductor/history.db"},
	}
}

// baseService holds what every service gets unless configured otherwise.
var baseService = ServiceConfig{
	Timeout:    2 * time.Minute,
	MaxRetries: lo.ToPtr(3),
	MaxRounds:  16,
}

// Load reads the configuration: built-in defaults, then the YAML file at
// path (if it exists), then environment variables. A missing file is not an
// error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	expandedPath := expandPath(path)
	if _, err := os.Stat(expandedPath); err == nil {
		data, err := os.ReadFile(expandedPath) //#nosec G304 -- intentional file read for config
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %q: %w", expandedPath, err)
		}
		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %q: %w", expandedPath, err)
		}
		if err := merge(&cfg, fileCfg); err != nil {
			return nil, fmt.Errorf("failed to merge config file: %w", err)
		}
	}

	if err := merge(&cfg, envConfig()); err != nil {
		return nil, fmt.Errorf("failed to merge environment: %w", err)
	}
	if cfg.MCPServers == nil {
		cfg.MCPServers = map[string]*MCPServerConfig{}
	}
	if cfg.Actions == nil {
		cfg.Actions = map[string]*ActionConfig{}
	}
	cfg.Workspace = expandPath(cfg.Workspace)
	cfg.History.Path = expandPath(cfg.History.Path)
	return &cfg, nil
}

// merge layers src over dst. Service entries are merged field by field so a
// file that only sets a model keeps the default token budget.
func merge(dst *Config, src Config) error {
	services := src.Services
	src.Services = nil
	if err := mergo.Merge(dst, src, mergo.WithOverride); err != nil {
		return err
	}
	if dst.Services == nil {
		dst.Services = map[string]ServiceConfig{}
	}
	for name, sc := range services {
		merged := dst.Services[name]
		if err := overlay(&merged, sc); err != nil {
			return fmt.Errorf("service %q: %w", name, err)
		}
		dst.Services[name] = merged
	}
	return nil
}

// overlay layers src over dst. mergo skips zero values and merges through
// pointers it finds in dst, so pointer fields are set here instead: a
// non-nil pointer in src always wins, including one pointing at zero.
func overlay(dst *ServiceConfig, src ServiceConfig) error {
	ptrs := src
	src.Temperature, src.TopP, src.Stream, src.ResponseFormat, src.MaxRetries = nil, nil, nil, nil, nil
	dst.Temperature, dst.TopP, dst.Stream, dst.ResponseFormat, dst.MaxRetries =
		orPtr(ptrs.Temperature, dst.Temperature),
		orPtr(ptrs.TopP, dst.TopP),
		orPtr(ptrs.Stream, dst.Stream),
		orPtr(ptrs.ResponseFormat, dst.ResponseFormat),
		orPtr(ptrs.MaxRetries, dst.MaxRetries)
	return mergo.Merge(dst, src, mergo.WithOverride)
}

// orPtr returns a copy of the first non-nil pointer.
func orPtr[T any](vals ...*T) *T {
	for _, v := range vals {
		if v != nil {
			c := *v
			return &c
		}
	}
	return nil
}

// envConfig returns the settings taken from the environment.
func envConfig() Config {
	cfg := Config{
		DefaultService: os.Getenv("CONDUCTOR_SERVICE"),
		Anthropic: AnthropicConfig{
			APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
			BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
		},
		OpenAI: OpenAIConfig{
			APIKey:       os.Getenv("OPENAI_API_KEY"),
			BaseURL:      os.Getenv("OPENAI_BASE_URL"),
			Organization: os.Getenv("OPENAI_ORG_ID"),
		},
		Ollama: OllamaConfig{
			Host:      os.Getenv("OLLAMA_HOST"),
			KeepAlive: os.Getenv("OLLAMA_KEEP_ALIVE"),
		},
		OpenRouter: OpenRouterConfig{
			APIKey:  os.Getenv("OPENROUTER_API_KEY"),
			BaseURL: os.Getenv("OPENROUTER_BASE_URL"),
		},
	}
	models := map[string]string{
		llm.ProviderAnthropic:  os.Getenv("ANTHROPIC_MODEL"),
		llm.ProviderOpenAI:     os.Getenv("OPENAI_MODEL"),
		llm.ProviderOllama:     os.Getenv("OLLAMA_MODEL"),
		llm.ProviderOpenRouter: os.Getenv("OPENROUTER_MODEL"),
	}
	for service, model := range models {
		if model == "" {
			continue
		}
		if cfg.Services == nil {
			cfg.Services = map[string]ServiceConfig{}
		}
		cfg.Services[service] = ServiceConfig{Model: model}
	}
	return cfg
}

// Save writes cfg to path, creating the directory if needed.
func Save(cfg *Config, path string) error {
	expandedPath := expandPath(path)
	if err := os.MkdirAll(filepath.Dir(expandedPath), 0o750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(expandedPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Service resolves the ServiceConfig for name: base settings, then the
// configured service entry, then overrides. An empty name selects
// DefaultService. Zero-valued override fields leave the configured value,
// except pointer fields, where any non-nil value wins.
func (c *Config) Service(name string, overrides ServiceConfig) (ServiceConfig, error) {
	if name == "" {
		name = overrides.Service
	}
	if name == "" {
		name = c.DefaultService
	}
	if !lo.Contains(llm.KnownProviders, name) {
		return ServiceConfig{}, llm.NewValidationError("unknown service %q (known: %s)", name, strings.Join(llm.KnownProviders, ", "))
	}

	configured := c.Services[name]
	// Extra is copied key by key so the result never shares a map with c.
	extra := lo.Assign(configured.Extra, overrides.Extra)
	configured.Extra, overrides.Extra = nil, nil

	sc := baseService
	if err := overlay(&sc, configured); err != nil {
		return ServiceConfig{}, fmt.Errorf("failed to merge service %q: %w", name, err)
	}
	if err := overlay(&sc, overrides); err != nil {
		return ServiceConfig{}, fmt.Errorf("failed to merge overrides for %q: %w", name, err)
	}
	sc.Service = name
	if len(extra) > 0 {
		sc.Extra = extra
	}
	if name == llm.ProviderAnthropic && sc.JSONRetries == 0 {
		sc.JSONRetries = c.Anthropic.JSONRetries
	}
	if err := sc.Validate(); err != nil {
		return ServiceConfig{}, err
	}
	return sc, nil
}

// Validate checks the sampling and budget settings.
func (s ServiceConfig) Validate() error {
	if s.Model == "" {
		return llm.NewValidationError("service %q has no model", s.Service)
	}
	if t := s.Temperature; t != nil && (*t < 0 || *t > 2) {
		return llm.NewValidationError("temperature %v out of range [0, 2]", *t)
	}
	if p := s.TopP; p != nil && (*p < 0 || *p > 1) {
		return llm.NewValidationError("top_p %v out of range [0, 1]", *p)
	}
	if s.MaxTokens < 0 || lo.FromPtr(s.MaxRetries) < 0 || s.MaxRounds < 0 || s.RequestsPerSecond < 0 {
		return llm.NewValidationError("max_tokens, max_retries, max_rounds and requests_per_second must not be negative")
	}
	return nil
}
