package llm

import (
	"fmt"
	"os"
	"sort"
	"sync"
)

const (
	ProviderAnthropic  = "anthropic"
	ProviderOpenAI     = "openai"
	ProviderOllama     = "ollama"
	ProviderOpenRouter = "openrouter"
	ProviderMock       = "mock"
)

// KnownProviders lists every service name an adapter exists for.
var KnownProviders = []string{ProviderAnthropic, ProviderOpenAI, ProviderOllama, ProviderOpenRouter, ProviderMock}

// LLMPreference represents a single provider/model preference.
type LLMPreference struct {
	Provider    string
	Model       string
	Temperature *float64
}

// ProviderConfig holds the credentials and endpoints the registry checks.
// This avoids import cycles by not importing the config package.
type ProviderConfig struct {
	AnthropicAPIKey  string
	OpenAIAPIKey     string
	OpenRouterAPIKey string
	OllamaHost       string
	DefaultModels    map[string]string
}

// ProviderRegistry decides which configured provider serves a preference list.
type ProviderRegistry struct {
	enabledProviders map[string]bool // Set of enabled providers
	mu               sync.RWMutex
	config           *ProviderConfig
}

// NewProviderRegistry creates a new ProviderRegistry with the given config and enabled providers.
func NewProviderRegistry(providerConfig *ProviderConfig, enabledProviders []string) *ProviderRegistry {
	enabledMap := make(map[string]bool)
	for _, p := range enabledProviders {
		enabledMap[p] = true
	}
	if providerConfig == nil {
		providerConfig = &ProviderConfig{}
	}

	return &ProviderRegistry{
		enabledProviders: enabledMap,
		config:           providerConfig,
	}
}

// IsProviderEnabled checks if a provider is in the enabled providers list.
func (r *ProviderRegistry) IsProviderEnabled(provider string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabledProviders[provider]
}

// IsProviderConfigured checks if a provider has the required configuration (API keys, hosts, etc.).
func (r *ProviderRegistry) IsProviderConfigured(provider string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.isProviderConfiguredUnlocked(provider)
}

// Resolve returns the first preference whose provider is enabled and configured.
// With no preferences the first enabled provider (alphabetically) is used
// with its default model.
func (r *ProviderRegistry) Resolve(prefs []LLMPreference) (LLMPreference, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(prefs) > 0 {
		attempted := make([]string, 0, len(prefs))
		for _, pref := range prefs {
			attempted = append(attempted, pref.Provider)
			if !r.enabledProviders[pref.Provider] || !r.isProviderConfiguredUnlocked(pref.Provider) {
				continue
			}
			if pref.Model == "" {
				pref.Model = r.config.DefaultModels[pref.Provider]
			}
			return pref, nil
		}
		return LLMPreference{}, fmt.Errorf("no available provider from preferences %v (enabled: %v)", attempted, r.enabledList())
	}

	for _, p := range r.enabledList() {
		if r.isProviderConfiguredUnlocked(p) {
			return LLMPreference{Provider: p, Model: r.config.DefaultModels[p]}, nil
		}
	}
	return LLMPreference{}, fmt.Errorf("no providers enabled and configured")
}

// isProviderConfiguredUnlocked is the unlocked version of IsProviderConfigured.
// Must be called with r.mu already locked.
func (r *ProviderRegistry) isProviderConfiguredUnlocked(provider string) bool {
	switch provider {
	case ProviderAnthropic:
		return firstNonEmpty(r.config.AnthropicAPIKey, os.Getenv("ANTHROPIC_API_KEY")) != ""
	case ProviderOpenAI:
		return firstNonEmpty(r.config.OpenAIAPIKey, os.Getenv("OPENAI_API_KEY")) != ""
	case ProviderOpenRouter:
		return firstNonEmpty(r.config.OpenRouterAPIKey, os.Getenv("OPENROUTER_API_KEY")) != ""
	case ProviderOllama, ProviderMock:
		// No credentials needed; the Ollama host has a default.
		return true
	default:
		return false
	}
}

// enabledList returns the enabled providers in a stable order.
func (r *ProviderRegistry) enabledList() []string {
	providers := make([]string, 0, len(r.enabledProviders))
	for p, ok := range r.enabledProviders {
		if ok {
			providers = append(providers, p)
		}
	}
	sort.Strings(providers)
	return providers
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
