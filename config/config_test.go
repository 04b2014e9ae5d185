package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aschepis/backscratcher/conductor/llm"
)

// clearEnv unsets every variable Load reads so the host environment cannot
// leak into a test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CONDUCTOR_SERVICE", "ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL", "ANTHROPIC_MODEL",
		"OPENAI_API_KEY", "OPENAI_BASE_URL", "OPENAI_ORG_ID", "OPENAI_MODEL",
		"OLLAMA_HOST", "OLLAMA_KEEP_ALIVE", "OLLAMA_MODEL",
		"OPENROUTER_API_KEY", "OPENROUTER_BASE_URL", "OPENROUTER_MODEL",
	} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, llm.ProviderAnthropic, cfg.DefaultService)
	assert.Equal(t, "http://localhost:11434", cfg.Ollama.Host)
	assert.Equal(t, int64(4096), cfg.Services[llm.ProviderAnthropic].MaxTokens)
	assert.NotNil(t, cfg.MCPServers)
}

func TestLoadLayersFileThenEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("OLLAMA_MODEL", "qwen3:8b")
	path := writeConfig(t, `
default_service: openai
openai:
  api_key: sk-file
  organization: org-file
services:
  anthropic:
    model: claude-test
    temperature: 0.2
  openai:
    stream: true
    timeout: 45s
    extra:
      reasoning_effort: low
mcp_servers:
  files:
    command: mcp-files
    args: ["--root", "/tmp"]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, llm.ProviderOpenAI, cfg.DefaultService)
	assert.Equal(t, "sk-env", cfg.OpenAI.APIKey, "environment wins over the file")
	assert.Equal(t, "org-file", cfg.OpenAI.Organization)

	anthropic := cfg.Services[llm.ProviderAnthropic]
	assert.Equal(t, "claude-test", anthropic.Model)
	assert.Equal(t, int64(4096), anthropic.MaxTokens, "default budget survives a partial service entry")
	require.NotNil(t, anthropic.Temperature)
	assert.InDelta(t, 0.2, *anthropic.Temperature, 1e-9)

	openai := cfg.Services[llm.ProviderOpenAI]
	assert.Equal(t, "gpt-4.1-mini", openai.Model)
	require.NotNil(t, openai.Stream)
	assert.True(t, *openai.Stream)
	assert.Equal(t, 45*time.Second, openai.Timeout)

	assert.Equal(t, "qwen3:8b", cfg.Services[llm.ProviderOllama].Model)
	require.Contains(t, cfg.MCPServers, "files")
	assert.Equal(t, []string{"--root", "/tmp"}, cfg.MCPServers["files"].Args)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	clearEnv(t)
	_, err := Load(writeConfig(t, "services: [oops"))
	assert.Error(t, err)
}

func TestLoadActions(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, `
workspace: /tmp/project
actions:
  summarize:
    description: Summarize text
    instructions: Be brief.
    llm:
      - service: anthropic
        model: claude-test
        temperature: 0.2
      - service: ollama
    tools: ["read_*"]
    tool_choice: auto
    stream: false
    response_format:
      type: json_object
    max_tokens: 256
`))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/project", cfg.Workspace)

	a := cfg.Actions["summarize"]
	require.NotNil(t, a)
	assert.Equal(t, "Summarize text", a.Description)
	require.Len(t, a.LLM, 2)
	assert.Equal(t, "claude-test", a.LLM[0].Model)
	require.NotNil(t, a.LLM[0].Temperature)
	assert.InDelta(t, 0.2, *a.LLM[0].Temperature, 1e-9)
	assert.Equal(t, llm.ProviderOllama, a.LLM[1].Service)
	assert.Equal(t, []string{"read_*"}, a.Tools)
	require.NotNil(t, a.Stream)
	assert.False(t, *a.Stream)
	assert.Equal(t, llm.ResponseFormatJSONObject, a.ResponseFormat.Type)
	assert.Equal(t, int64(256), a.MaxTokens)
}

func TestServiceMergesOverridesWithoutMutatingConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Services[llm.ProviderOllama] = ServiceConfig{
		Model: "llama3.2:3b",
		Extra: map[string]any{"keep_alive": "5m", "truncate": true},
	}

	sc, err := cfg.Service(llm.ProviderOllama, ServiceConfig{
		MaxTokens: 256,
		Extra:     map[string]any{"keep_alive": "-1"},
	})
	require.NoError(t, err)

	assert.Equal(t, llm.ProviderOllama, sc.Service)
	assert.Equal(t, "llama3.2:3b", sc.Model)
	assert.Equal(t, int64(256), sc.MaxTokens)
	assert.Equal(t, lo.ToPtr(3), sc.MaxRetries)
	assert.Equal(t, 16, sc.MaxRounds)
	assert.Equal(t, map[string]any{"keep_alive": "-1", "truncate": true}, sc.Extra)
	assert.Equal(t, "5m", cfg.Services[llm.ProviderOllama].Extra["keep_alive"])

	sc.Extra["added"] = 1
	_, leaked := cfg.Services[llm.ProviderOllama].Extra["added"]
	assert.False(t, leaked)
}

func TestZeroValuedSettingsSurviveLayering(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeConfig(t, `
services:
  mock:
    max_retries: 0
    stream: false
    temperature: 0
  openai:
    stream: true
`))
	require.NoError(t, err)

	sc, err := cfg.Service(llm.ProviderMock, ServiceConfig{})
	require.NoError(t, err)
	assert.Equal(t, lo.ToPtr(0), sc.MaxRetries)
	assert.Equal(t, 0, sc.Settings().MaxRetries)
	assert.Equal(t, lo.ToPtr(0.0), sc.Temperature)

	// A caller can switch streaming off over a configured true.
	sc, err = cfg.Service(llm.ProviderOpenAI, ServiceConfig{Stream: lo.ToPtr(false), MaxRetries: lo.ToPtr(0)})
	require.NoError(t, err)
	assert.False(t, sc.Settings().Stream)
	assert.Equal(t, 0, sc.Settings().MaxRetries)

	// Resolving never writes through to the loaded configuration.
	sc, err = cfg.Service(llm.ProviderMock, ServiceConfig{Temperature: lo.ToPtr(1.5)})
	require.NoError(t, err)
	*sc.Temperature = 1.9
	assert.Equal(t, lo.ToPtr(0.0), cfg.Services[llm.ProviderMock].Temperature)
	assert.True(t, *cfg.Services[llm.ProviderOpenAI].Stream)

	sc, err = cfg.Service(llm.ProviderOllama, ServiceConfig{})
	require.NoError(t, err)
	assert.Equal(t, 3, sc.Settings().MaxRetries)
}

func TestServiceDefaultsAndValidation(t *testing.T) {
	cfg := Defaults()

	sc, err := cfg.Service("", ServiceConfig{})
	require.NoError(t, err)
	assert.Equal(t, llm.ProviderAnthropic, sc.Service)
	assert.Equal(t, 3, sc.JSONRetries)

	_, err = cfg.Service("palm", ServiceConfig{})
	assert.True(t, llm.IsValidationError(err))

	_, err = cfg.Service(llm.ProviderOpenAI, ServiceConfig{Temperature: llm.Float(3)})
	assert.True(t, llm.IsValidationError(err))

	_, err = cfg.Service(llm.ProviderOpenAI, ServiceConfig{TopP: llm.Float(1.5)})
	assert.True(t, llm.IsValidationError(err))
}

func TestNewEngineBuildsEveryService(t *testing.T) {
	cfg := Defaults()
	cfg.Anthropic.APIKey = "sk-ant"
	cfg.OpenAI.APIKey = "sk-oai"
	cfg.OpenRouter.APIKey = "sk-or"

	for _, service := range llm.KnownProviders {
		t.Run(service, func(t *testing.T) {
			engine, sc, err := cfg.NewEngine(service, ServiceConfig{}, zerolog.Nop())
			require.NoError(t, err)
			assert.Equal(t, service, engine.Service())
			assert.Equal(t, sc.Model, sc.Settings().Model)
		})
	}
}

func TestNewAdapterNeedsCredentials(t *testing.T) {
	cfg := Defaults()
	for _, service := range []string{llm.ProviderAnthropic, llm.ProviderOpenAI, llm.ProviderOpenRouter} {
		sc, err := cfg.Service(service, ServiceConfig{})
		require.NoError(t, err)
		_, err = cfg.NewAdapter(sc, zerolog.Nop())
		assert.Error(t, err, service)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Defaults()
	cfg.DefaultService = llm.ProviderMock
	require.NoError(t, Save(&cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, llm.ProviderMock, loaded.DefaultService)
}

func TestProviderRegistryUsesConfiguredModels(t *testing.T) {
	clearEnv(t)
	cfg := Defaults()
	reg := cfg.ProviderRegistry()

	pref, err := reg.Resolve([]llm.LLMPreference{{Provider: llm.ProviderAnthropic}, {Provider: llm.ProviderOllama}})
	require.NoError(t, err)
	assert.Equal(t, llm.ProviderOllama, pref.Provider)
	assert.Equal(t, "llama3.2:3b", pref.Model)
}
