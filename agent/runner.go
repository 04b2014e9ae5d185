package agent

import (
	"context"
	"fmt"
	"path"
	"sync"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/aschepis/backscratcher/conductor/config"
	"github.com/aschepis/backscratcher/conductor/history"
	"github.com/aschepis/backscratcher/conductor/llm"
	"github.com/aschepis/backscratcher/conductor/llm/provider"
	"github.com/aschepis/backscratcher/conductor/tools"
)

// Runner executes actions against configured services.
type Runner struct {
	cfg        *config.Config
	registry   *llm.ProviderRegistry
	tools      *tools.Registry
	history    *history.Store
	engineOpts []provider.Option
	logger     zerolog.Logger

	mu      sync.Mutex
	engines map[string]*provider.Engine // by service and model
}

// Option configures a Runner.
type Option func(*Runner)

// WithTools makes the registry's tools available to actions.
func WithTools(reg *tools.Registry) Option {
	return func(r *Runner) { r.tools = reg }
}

// WithHistory records every completed call in store.
func WithHistory(store *history.Store) Option {
	return func(r *Runner) { r.history = store }
}

// WithEngineOptions passes opts to every engine the runner builds.
func WithEngineOptions(opts ...provider.Option) Option {
	return func(r *Runner) { r.engineOpts = append(r.engineOpts, opts...) }
}

// NewRunner creates a runner over cfg.
func NewRunner(cfg *config.Config, logger zerolog.Logger, opts ...Option) *Runner {
	r := &Runner{
		cfg:      cfg,
		registry: cfg.ProviderRegistry(),
		engines:  make(map[string]*provider.Engine),
		logger:   logger.With().Str("component", "runner").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Dispatcher returns a dispatch table holding every configured action.
func (r *Runner) Dispatcher() (*Dispatcher, error) {
	d := NewDispatcher()
	for name, a := range r.cfg.Actions {
		a := a
		if err := d.Register(name, a.Description, func(ctx context.Context, in Input) (*llm.PromptResponse, error) {
			return r.Run(ctx, a, in)
		}); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Engine returns the engine for service and model, building it on first use.
// An empty model selects the service's configured model.
func (r *Runner) Engine(service, model string) (*provider.Engine, config.ServiceConfig, error) {
	sc, err := r.cfg.Service(service, config.ServiceConfig{Model: model})
	if err != nil {
		return nil, config.ServiceConfig{}, err
	}
	key := sc.Service + "/" + sc.Model

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[key]; ok {
		return e, sc, nil
	}
	e, _, err := r.cfg.NewEngine(sc.Service, config.ServiceConfig{Model: sc.Model}, r.logger, r.engineOpts...)
	if err != nil {
		return nil, config.ServiceConfig{}, err
	}
	r.engines[key] = e
	return e, sc, nil
}

// Resolve picks the first preference whose service is configured. With no
// preferences the default service is used.
func (r *Runner) Resolve(prefs []config.LLMPreference) (config.LLMPreference, error) {
	if len(prefs) == 0 {
		return config.LLMPreference{Service: r.cfg.DefaultService}, nil
	}
	pref, err := r.registry.Resolve(lo.Map(prefs, func(p config.LLMPreference, _ int) llm.LLMPreference {
		return llm.LLMPreference{Provider: p.Service, Model: p.Model, Temperature: p.Temperature}
	}))
	if err != nil {
		return config.LLMPreference{}, err
	}
	return config.LLMPreference{Service: pref.Provider, Model: pref.Model, Temperature: pref.Temperature}, nil
}

// Context builds the prompt context for running a with in.
func (r *Runner) Context(a *config.ActionConfig, in Input) (llm.PromptContext, error) {
	messages := append([]llm.Message(nil), in.Messages...)
	if in.Text != "" {
		messages = append(messages, llm.NewTextMessage(llm.RoleUser, in.Text))
	}
	pc := llm.PromptContext{
		TraceID:        in.TraceID,
		Instructions:   a.Instructions,
		Messages:       messages,
		ResponseFormat: a.ResponseFormat,
		Stream:         a.Stream,
		MaxTokens:      a.MaxTokens,
		Options:        a.Options,
	}
	if in.Stream != nil {
		pc.Stream = llm.Bool(true)
		pc.StreamBroadcaster = in.Stream
	}
	if len(a.Tools) > 0 {
		if r.tools == nil {
			return llm.PromptContext{}, fmt.Errorf("action uses tools but no tool registry is configured")
		}
		names, err := matchTools(r.tools.Names(), a.Tools)
		if err != nil {
			return llm.PromptContext{}, err
		}
		if pc.Tools, err = r.tools.Specs(names...); err != nil {
			return llm.PromptContext{}, err
		}
		pc.ToolsFunction = r.tools.Func()
		pc.ToolChoice = toolChoice(a.ToolChoice)
	}
	return pc, nil
}

// Run resolves a's service, runs the prompt and records it.
func (r *Runner) Run(ctx context.Context, a *config.ActionConfig, in Input) (*llm.PromptResponse, error) {
	pref, err := r.Resolve(a.LLM)
	if err != nil {
		return nil, err
	}
	engine, sc, err := r.Engine(pref.Service, pref.Model)
	if err != nil {
		return nil, err
	}
	pc, err := r.Context(a, in)
	if err != nil {
		return nil, err
	}
	pc.Temperature = pref.Temperature

	resp, err := engine.Prompt(ctx, pc)
	if err != nil {
		return nil, err
	}
	if r.history != nil {
		if _, err := r.history.RecordPrompt(ctx, sc.Service, sc.Model, resp); err != nil {
			r.logger.Warn().Err(err).Str("trace_id", resp.Context.TraceID).Msg("Failed to record prompt")
		}
	}
	return resp, nil
}

// Preview returns the first request a would send, without sending it.
func (r *Runner) Preview(a *config.ActionConfig, in Input) (string, error) {
	pref, err := r.Resolve(a.LLM)
	if err != nil {
		return "", err
	}
	engine, _, err := r.Engine(pref.Service, pref.Model)
	if err != nil {
		return "", err
	}
	pc, err := r.Context(a, in)
	if err != nil {
		return "", err
	}
	pc.Temperature = pref.Temperature
	return engine.Preview(pc)
}

// Embed embeds input with service. An empty model selects the service's
// embedding model.
func (r *Runner) Embed(ctx context.Context, service, model string, input []string, dimensions int) (*llm.EmbedResponse, error) {
	engine, sc, err := r.Engine(service, "")
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = sc.EmbedModel
	}
	resp, err := engine.Embed(ctx, llm.EmbedContext{Model: model, Input: input, Dimensions: dimensions})
	if err != nil {
		return nil, err
	}
	if r.history != nil {
		if _, err := r.history.RecordEmbed(ctx, sc.Service, model, resp); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to record embedding")
		}
	}
	return resp, nil
}

// matchTools expands glob patterns such as "files__*" against names.
func matchTools(names, patterns []string) ([]string, error) {
	var out []string
	for _, p := range patterns {
		matched := lo.Filter(names, func(n string, _ int) bool {
			ok, _ := path.Match(p, n)
			return ok
		})
		if len(matched) == 0 {
			return nil, fmt.Errorf("no tool matches %q", p)
		}
		out = append(out, matched...)
	}
	return lo.Uniq(out), nil
}

func toolChoice(s string) llm.ToolChoice {
	switch llm.ToolChoiceMode(s) {
	case "":
		return llm.ToolChoice{}
	case llm.ToolChoiceAuto, llm.ToolChoiceNone, llm.ToolChoiceAny:
		return llm.ToolChoice{Mode: llm.ToolChoiceMode(s)}
	}
	return llm.ToolChoice{Mode: llm.ToolChoiceTool, Name: s}
}
