package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"dario.cat/mergo"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/aschepis/backscratcher/conductor/instrument"
	"github.com/aschepis/backscratcher/conductor/llm"
	"github.com/aschepis/backscratcher/conductor/llm/retry"
)

// DefaultMaxRounds bounds the tool-calling loop of one logical call.
const DefaultMaxRounds = 16

// Settings is the fully resolved, immutable configuration of one engine.
// Zero values are meaningful: MaxRetries 0 disables retrying.
type Settings struct {
	Model             string
	Temperature       *float64
	MaxTokens         int64
	TopP              *float64
	Stream            bool
	ResponseFormat    *llm.ResponseFormat
	MaxRetries        int
	MaxRounds         int
	RequestsPerSecond float64
	// Extra holds provider extensions merged under each call's Options.
	Extra map[string]any
}

// Engine drives prompt, embed and preview calls against one Adapter.
// An Engine holds no per-call state and may be shared between goroutines.
type Engine struct {
	adapter   Adapter
	settings  Settings
	logger    zerolog.Logger
	notifier  *instrument.Notifier
	policy    *retry.Policy
	retrier   *retry.Runner
	limiter   *rate.Limiter
	maxRounds int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithNotifier publishes instrumentation events to n.
func WithNotifier(n *instrument.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithRetryPolicy replaces the policy derived from Settings.MaxRetries.
func WithRetryPolicy(p retry.Policy) Option {
	return func(e *Engine) { e.policy = &p }
}

// WithMaxRounds overrides Settings.MaxRounds.
func WithMaxRounds(n int) Option {
	return func(e *Engine) { e.maxRounds = n }
}

// WithLimiter throttles outbound rounds, overriding Settings.RequestsPerSecond.
func WithLimiter(l *rate.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// New creates an Engine for adapter.
func New(adapter Adapter, settings Settings, opts ...Option) *Engine {
	e := &Engine{
		adapter:   adapter,
		settings:  settings,
		logger:    zerolog.Nop(),
		maxRounds: settings.MaxRounds,
	}
	if settings.RequestsPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(settings.RequestsPerSecond), 1)
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.maxRounds <= 0 {
		e.maxRounds = DefaultMaxRounds
	}
	policy := retry.DefaultPolicy()
	policy.MaxRetries = settings.MaxRetries
	if e.policy != nil {
		policy = *e.policy
	}
	e.logger = e.logger.With().Str("component", "engine").Str("service", adapter.Service()).Logger()
	e.retrier = retry.NewRunner(policy, e.notifier, e.logger)
	return e
}

// Service returns the adapter's service name.
func (e *Engine) Service() string { return e.adapter.Service() }

// Adapter returns the adapter the engine drives.
func (e *Engine) Adapter() Adapter { return e.adapter }

// Prompt runs a full resolve cycle: rounds repeat while the model requests
// tools, and the returned response carries every message and one usage entry
// per round. Progress from a failed cycle is discarded.
func (e *Engine) Prompt(ctx context.Context, pc llm.PromptContext) (*llm.PromptResponse, error) {
	if pc.TraceID == "" {
		pc.TraceID = uuid.NewString()
	}
	req, err := e.BuildRequest(pc)
	if err != nil {
		return nil, err
	}

	var resp *llm.PromptResponse
	payload := map[string]any{"model": req.Model, "stream": req.Stream}
	err = e.notifier.Instrument(ctx, instrument.EventPrompt, pc.TraceID, payload, func(p map[string]any) error {
		r, err := e.resolve(ctx, pc, req)
		if err != nil {
			return err
		}
		p["message_count"] = len(r.Messages)
		p["usage"] = usagePayload(r.UsageStack.Total())
		p["finish_reason"] = r.FinishReason
		p["rounds"] = len(r.UsageStack)
		resp = r
		return nil
	})
	if err != nil {
		e.logger.Error().Err(err).Str("trace_id", pc.TraceID).Msg("Prompt failed")
		return nil, err
	}
	return resp, nil
}

// cycle is the per-call state of one resolve: never shared between calls.
type cycle struct {
	pc          llm.PromptContext
	req         *Request
	stack       []llm.Message
	usage       llm.UsageStack
	stream      *StreamState
	rawRequest  json.RawMessage
	rawResponse json.RawMessage
	finish      string
}

// merge moves the message stack into the request.
func (c *cycle) merge() {
	c.req.Messages = append(c.req.Messages, c.stack...)
	c.stack = nil
}

func (e *Engine) resolve(ctx context.Context, pc llm.PromptContext, req *Request) (*llm.PromptResponse, error) {
	c := &cycle{pc: pc, req: req}
	if req.Stream {
		c.stream = NewStreamState(pc.StreamBroadcaster)
		c.stream.onOpen = func() {
			e.notifier.Publish(ctx, instrument.Event{Name: instrument.EventStreamOpen, TraceID: pc.TraceID})
		}
		c.stream.onClose = func() {
			e.notifier.Publish(ctx, instrument.Event{Name: instrument.EventStreamClose, TraceID: pc.TraceID})
		}
		defer c.stream.Close() // no-op unless a message was begun
	}

	call := retry.Call{TraceID: pc.TraceID, Service: e.adapter.Service(), Model: req.Model}
	if b, ok := e.adapter.(URIBaser); ok {
		call.URIBase = b.URIBase()
	}

	for round := 1; ; round++ {
		if round > e.maxRounds {
			return nil, llm.NewMaxRoundsError(e.maxRounds)
		}
		c.merge()

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, fmt.Errorf("wait for rate limiter: %w", err)
			}
		}

		raw, err := e.adapter.Serialize(req)
		if err != nil {
			return nil, err
		}
		c.rawRequest = raw

		e.logger.Debug().Str("trace_id", pc.TraceID).Int("round", round).Int("messages", len(req.Messages)).Msg("Starting round")
		resp, err := e.round(ctx, c, call)
		if err != nil {
			return nil, err
		}

		c.usage = append(c.usage, resp.Usage)
		c.rawResponse = resp.Raw
		c.finish = resp.FinishReason
		c.stack = append(c.stack, resp.Messages...)

		calls := ToolCalls(resp.Messages)
		e.logger.Debug().Str("trace_id", pc.TraceID).Int("round", round).Int("tool_calls", len(calls)).Str("finish_reason", resp.FinishReason).Msg("Finished round")
		if len(calls) == 0 {
			c.merge()
			return &llm.PromptResponse{
				Context:      pc,
				Messages:     c.req.Messages,
				RawRequest:   c.rawRequest,
				RawResponse:  c.rawResponse,
				UsageStack:   c.usage,
				FinishReason: c.finish,
			}, nil
		}

		if pc.ToolsFunction == nil {
			return nil, llm.NewValidationError("model requested tool %q but no tools function was supplied", calls[0].Name)
		}
		c.stack = append(c.stack, e.callTools(ctx, pc, calls))
	}
}

// round executes one retry-wrapped API call and publishes its provider event.
func (e *Engine) round(ctx context.Context, c *cycle, call retry.Call) (*Response, error) {
	var resp *Response
	payload := map[string]any{"model": c.req.Model, "stream": c.req.Stream}
	err := e.notifier.Instrument(ctx, instrument.EventPromptProvider, c.pc.TraceID, payload, func(p map[string]any) error {
		err := e.retrier.Do(ctx, call, func(ctx context.Context) error {
			sent := c.stream.Updates()
			r, err := e.adapter.Prompt(ctx, c.req, c.stream)
			if err != nil {
				// The caller already holds part of this attempt's text, and a
				// second attempt could not take it back.
				if c.stream.Updates() > sent {
					return retry.Permanent(err)
				}
				return err
			}
			if r == nil {
				return llm.NewProtocolError("%s adapter returned no response", e.adapter.Service())
			}
			resp = r
			return nil
		})
		if err != nil {
			return err
		}
		p["message_count"] = len(c.req.Messages) + len(resp.Messages)
		p["usage"] = usagePayload(llm.UsageStack{resp.Usage}.Total())
		p["finish_reason"] = resp.FinishReason
		return nil
	})
	return resp, err
}

// callTools runs each requested tool in order and folds the results into one
// tool message. A failing tool is reported to the model as an error result.
func (e *Engine) callTools(ctx context.Context, pc llm.PromptContext, calls []llm.ToolUseBlock) llm.Message {
	results := make([]llm.ToolResultBlock, 0, len(calls))
	for _, call := range calls {
		result := llm.ToolResultBlock{ID: call.ID, Name: call.Name}
		args := call.Input
		if args == nil {
			args = map[string]any{}
		}
		_ = e.notifier.Instrument(ctx, instrument.EventToolCall, pc.TraceID, map[string]any{"tool_name": call.Name}, func(map[string]any) error {
			out, err := pc.ToolsFunction(ctx, call.Name, args)
			if err == nil {
				result.Content, err = EncodeToolResult(out)
			}
			if err != nil {
				e.logger.Warn().Str("trace_id", pc.TraceID).Str("tool", call.Name).Err(err).Msg("Tool call failed")
				errJSON, _ := json.Marshal(map[string]string{"error": err.Error()})
				result.Content = string(errJSON)
				result.IsError = true
				return llm.NewToolError(call.Name, err)
			}
			e.logger.Info().Str("trace_id", pc.TraceID).Str("tool", call.Name).Msg("Tool call completed")
			return nil
		})
		results = append(results, result)
	}
	return llm.NewToolResultMessage(results)
}

// Embed runs exactly one embedding round.
func (e *Engine) Embed(ctx context.Context, ec llm.EmbedContext) (*llm.EmbedResponse, error) {
	if ec.TraceID == "" {
		ec.TraceID = uuid.NewString()
	}
	req, err := e.BuildEmbedRequest(ec)
	if err != nil {
		return nil, err
	}
	rawRequest, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode embed request: %w", err)
	}

	call := retry.Call{TraceID: ec.TraceID, Service: e.adapter.Service(), Model: req.Model}
	if b, ok := e.adapter.(URIBaser); ok {
		call.URIBase = b.URIBase()
	}

	var resp *llm.EmbedResponse
	payload := map[string]any{"model": req.Model, "input_size": len(req.Input)}
	err = e.notifier.Instrument(ctx, instrument.EventEmbed, ec.TraceID, payload, func(p map[string]any) error {
		var result *EmbedResult
		err := e.notifier.Instrument(ctx, instrument.EventEmbedProvider, ec.TraceID, map[string]any{"model": req.Model, "input_size": len(req.Input)}, func(pp map[string]any) error {
			if e.limiter != nil {
				if err := e.limiter.Wait(ctx); err != nil {
					return fmt.Errorf("wait for rate limiter: %w", err)
				}
			}
			err := e.retrier.Do(ctx, call, func(ctx context.Context) error {
				r, err := e.adapter.Embed(ctx, req)
				if err != nil {
					return err
				}
				result = r
				return nil
			})
			if err != nil {
				return err
			}
			pp["embedding_count"] = len(result.Data)
			pp["usage"] = usagePayload(llm.UsageStack{result.Usage}.Total())
			return nil
		})
		if err != nil {
			return err
		}
		resp = &llm.EmbedResponse{
			Context:     ec,
			Data:        result.Data,
			RawRequest:  rawRequest,
			RawResponse: result.Raw,
			UsageStack:  llm.UsageStack{result.Usage},
		}
		p["embedding_count"] = len(resp.Data)
		p["usage"] = usagePayload(resp.Usage())
		return nil
	})
	if err != nil {
		e.logger.Error().Err(err).Str("trace_id", ec.TraceID).Msg("Embed failed")
		return nil, err
	}
	return resp, nil
}

// Preview renders the first-round request as indented JSON without calling
// the provider.
func (e *Engine) Preview(pc llm.PromptContext) (string, error) {
	req, err := e.BuildRequest(pc)
	if err != nil {
		return "", err
	}
	raw, err := e.adapter.Serialize(req)
	if err != nil {
		return "", err
	}
	var out strings.Builder
	var pretty map[string]any
	if err := json.Unmarshal(raw, &pretty); err != nil {
		return string(raw), nil
	}
	enc := json.NewEncoder(&out)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(pretty); err != nil {
		return "", fmt.Errorf("render preview: %w", err)
	}
	return strings.TrimRight(out.String(), "\n"), nil
}

// BuildRequest validates pc and fills its gaps from the engine settings.
func (e *Engine) BuildRequest(pc llm.PromptContext) (*Request, error) {
	if err := e.checkService(pc.Service); err != nil {
		return nil, err
	}
	for i, m := range pc.Messages {
		if !m.Role.Valid() {
			return nil, llm.NewValidationError("message %d has unknown role %q", i, m.Role)
		}
	}
	if pc.ToolChoice.Mode == llm.ToolChoiceTool && pc.ToolChoice.Name == "" {
		return nil, llm.NewValidationError("tool_choice %q requires a tool name", pc.ToolChoice.Mode)
	}

	req := &Request{
		Service:        e.adapter.Service(),
		Model:          firstNonEmpty(pc.Model, e.settings.Model),
		Instructions:   pc.Instructions,
		Messages:       append([]llm.Message(nil), pc.Messages...),
		Tools:          pc.Tools,
		ToolChoice:     pc.ToolChoice,
		ResponseFormat: pc.ResponseFormat,
		Stream:         e.settings.Stream,
		Temperature:    pc.Temperature,
		MaxTokens:      pc.MaxTokens,
		TopP:           pc.TopP,
	}
	if req.Model == "" {
		return nil, llm.NewValidationError("no model configured for %s", e.adapter.Service())
	}
	if pc.Stream != nil {
		req.Stream = *pc.Stream
	}
	if req.ResponseFormat == nil {
		req.ResponseFormat = e.settings.ResponseFormat
	}
	if req.Temperature == nil {
		req.Temperature = e.settings.Temperature
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = e.settings.MaxTokens
	}
	if req.TopP == nil {
		req.TopP = e.settings.TopP
	}
	if pc.ToolChoice.Mode == llm.ToolChoiceTool {
		found := false
		for _, t := range pc.Tools {
			if t.Name == pc.ToolChoice.Name {
				found = true
				break
			}
		}
		if !found {
			return nil, llm.NewValidationError("tool_choice names unknown tool %q", pc.ToolChoice.Name)
		}
	}

	opts, err := mergeOptions(e.settings.Extra, pc.Options)
	if err != nil {
		return nil, err
	}
	req.Options = opts
	return req, nil
}

// BuildEmbedRequest validates ec and fills its gaps from the engine settings.
func (e *Engine) BuildEmbedRequest(ec llm.EmbedContext) (*EmbedRequest, error) {
	if err := e.checkService(ec.Service); err != nil {
		return nil, err
	}
	if len(ec.Input) == 0 {
		return nil, llm.NewValidationError("embed requires at least one input")
	}
	req := &EmbedRequest{
		Service:    e.adapter.Service(),
		Model:      firstNonEmpty(ec.Model, e.settings.Model),
		Input:      ec.Input,
		Dimensions: ec.Dimensions,
	}
	if req.Model == "" {
		return nil, llm.NewValidationError("no embedding model configured for %s", e.adapter.Service())
	}
	opts, err := mergeOptions(e.settings.Extra, ec.Options)
	if err != nil {
		return nil, err
	}
	req.Options = opts
	return req, nil
}

func (e *Engine) checkService(service string) error {
	if service != "" && service != e.adapter.Service() {
		return llm.NewValidationError("service %q does not match %s adapter", service, e.adapter.Service())
	}
	return nil
}

// mergeOptions layers call options over the configured extensions without
// touching either input. Both sides are deep-copied first since mergo
// writes nested keys into whatever maps it finds in the destination.
func mergeOptions(base, call map[string]any) (map[string]any, error) {
	out := cloneOptions(base)
	if out == nil {
		out = make(map[string]any, len(call))
	}
	if len(call) > 0 {
		if err := mergo.Merge(&out, cloneOptions(call), mergo.WithOverride); err != nil {
			return nil, llm.NewValidationError("merge options: %v", err)
		}
	}
	return out, nil
}

func cloneOptions(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneOptions(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

func usagePayload(u llm.AggregateUsage) map[string]any {
	return map[string]any{
		"input_tokens":     u.PromptTokens,
		"output_tokens":    u.CompletionTokens,
		"cached_tokens":    u.CachedTokens,
		"reasoning_tokens": u.ReasoningTokens,
		"total_tokens":     u.TotalTokens,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
