// Package openrouter adapts the OpenRouter gateway, which speaks the OpenAI
// Chat Completions protocol with routing extensions.
package openrouter

import (
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aschepis/backscratcher/conductor/llm"
	"github.com/aschepis/backscratcher/conductor/llm/openaicompat"
	"github.com/aschepis/backscratcher/conductor/llm/provider"
)

// DefaultBaseURL is the public OpenRouter endpoint.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// Config configures the adapter. Referer and Title identify the calling app
// on openrouter.ai.
type Config struct {
	APIKey     string
	BaseURL    string
	Referer    string
	Title      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Preferences steer which upstream providers OpenRouter routes to.
type Preferences struct {
	Order             []string `yaml:"order" json:"order,omitempty"`
	Only              []string `yaml:"only" json:"only,omitempty"`
	Ignore            []string `yaml:"ignore" json:"ignore,omitempty"`
	AllowFallbacks    *bool    `yaml:"allow_fallbacks" json:"allow_fallbacks,omitempty"`
	RequireParameters *bool    `yaml:"require_parameters" json:"require_parameters,omitempty"`
	DataCollection    string   `yaml:"data_collection" json:"data_collection,omitempty"`
	Sort              string   `yaml:"sort" json:"sort,omitempty"`
}

// Options are the OpenRouter extensions read from the call options.
type Options struct {
	Provider   *Preferences `yaml:"provider"`
	Models     []string     `yaml:"models"`
	Transforms []string     `yaml:"transforms"`
}

// Validate implements provider.Validator.
func (o *Options) Validate() error {
	if p := o.Provider; p != nil {
		switch p.DataCollection {
		case "", "allow", "deny":
		default:
			return fmt.Errorf("unknown provider.data_collection %q", p.DataCollection)
		}
		switch p.Sort {
		case "", "price", "throughput", "latency":
		default:
			return fmt.Errorf("unknown provider.sort %q", p.Sort)
		}
	}
	return nil
}

// Strategy returns the OpenRouter behaviour for the shared Chat transport.
func Strategy(cfg Config) openaicompat.Strategy {
	headers := http.Header{}
	if cfg.Referer != "" {
		headers.Set("HTTP-Referer", cfg.Referer)
	}
	if cfg.Title != "" {
		headers.Set("X-Title", cfg.Title)
	}
	return openaicompat.Strategy{
		Service:        llm.ProviderOpenRouter,
		DefaultBaseURL: DefaultBaseURL,
		PullRole:       true,
		Extend:         extend,
		Headers:        headers,
	}
}

// New creates the OpenRouter adapter.
func New(cfg Config, logger zerolog.Logger) (*openaicompat.Adapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	return openaicompat.New(openaicompat.Config{
		APIKey:     cfg.APIKey,
		BaseURL:    cfg.BaseURL,
		Timeout:    cfg.Timeout,
		HTTPClient: cfg.HTTPClient,
	}, Strategy(cfg), logger)
}

func extend(req *provider.Request) ([]openaicompat.Patch, error) {
	opts := &Options{}
	if err := provider.CastOptions(req.Options, opts); err != nil {
		return nil, err
	}
	var patches []openaicompat.Patch
	if opts.Provider != nil {
		patches = append(patches, openaicompat.Patch{Path: "provider", Value: opts.Provider})
	}
	if len(opts.Models) > 0 {
		patches = append(patches, openaicompat.Patch{Path: "models", Value: opts.Models})
	}
	if len(opts.Transforms) > 0 {
		patches = append(patches, openaicompat.Patch{Path: "transforms", Value: opts.Transforms})
	}
	return patches, nil
}
