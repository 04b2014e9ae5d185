// Package anthropic adapts the Anthropic Messages API to the provider engine.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/aschepis/backscratcher/conductor/llm"
	"github.com/aschepis/backscratcher/conductor/llm/provider"
	"github.com/aschepis/backscratcher/conductor/llm/retry"
)

// DefaultBaseURL is the public Messages API endpoint.
const DefaultBaseURL = "https://api.anthropic.com"

// DefaultJSONRetries bounds how often a round is re-issued when emulated
// JSON output does not parse.
const DefaultJSONRetries = 3

// MessagesClient captures the subset of the Anthropic SDK client used by the
// adapter. It is satisfied by *sdk.MessageService so tests can pass a stub.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Config configures the adapter.
type Config struct {
	APIKey      string
	BaseURL     string
	Timeout     time.Duration
	JSONRetries int
	HTTPClient  *http.Client
}

// Adapter implements provider.Adapter for Anthropic.
type Adapter struct {
	messages    MessagesClient
	baseURL     string
	jsonRetries int
	logger      zerolog.Logger
}

var _ provider.Adapter = (*Adapter)(nil)

// New creates an Adapter backed by the SDK's HTTP client. Retries are left to
// the engine, so the SDK's own retry loop is disabled.
func New(cfg Config, logger zerolog.Logger) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(strings.TrimRight(baseURL, "/") + "/"),
		option.WithMaxRetries(0),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	client := sdk.NewClient(opts...)
	a := NewWithClient(&client.Messages, cfg.JSONRetries, logger)
	a.baseURL = baseURL
	return a, nil
}

// NewWithClient creates an Adapter around an existing Messages client.
// jsonRetries <= 0 selects DefaultJSONRetries.
func NewWithClient(messages MessagesClient, jsonRetries int, logger zerolog.Logger) *Adapter {
	if jsonRetries <= 0 {
		jsonRetries = DefaultJSONRetries
	}
	return &Adapter{
		messages:    messages,
		baseURL:     DefaultBaseURL,
		jsonRetries: jsonRetries,
		logger:      logger.With().Str("component", "anthropic").Logger(),
	}
}

// Service implements provider.Adapter.
func (a *Adapter) Service() string { return llm.ProviderAnthropic }

// URIBase implements provider.URIBaser.
func (a *Adapter) URIBase() string { return a.baseURL }

// Serialize implements provider.Adapter.
func (a *Adapter) Serialize(req *provider.Request) (json.RawMessage, error) {
	params, opts, err := buildRequest(req)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode anthropic request: %w", err)
	}
	if len(opts.MCPServers) > 0 {
		if body, err = sjson.SetBytes(body, "mcp_servers", opts.MCPServers); err != nil {
			return nil, fmt.Errorf("encode mcp servers: %w", err)
		}
	}
	if req.Stream {
		if body, err = sjson.SetBytes(body, "stream", true); err != nil {
			return nil, fmt.Errorf("encode stream flag: %w", err)
		}
	}
	return body, nil
}

// Prompt implements provider.Adapter. When JSON output is emulated and the
// reply does not parse, the same round is re-issued up to the JSON retry
// budget; the last reply is returned even if it never parses.
func (a *Adapter) Prompt(ctx context.Context, req *provider.Request, stream *provider.StreamState) (*provider.Response, error) {
	params, opts, err := buildRequest(req)
	if err != nil {
		return nil, err
	}
	var reqOpts []option.RequestOption
	if len(opts.MCPServers) > 0 {
		reqOpts = append(reqOpts,
			option.WithJSONSet("mcp_servers", opts.MCPServers),
			option.WithHeader("anthropic-beta", mcpBeta),
		)
	}
	emulate := emulatesJSON(req, opts)

	var total llm.Usage
	for attempt := 0; ; attempt++ {
		var resp *provider.Response
		if stream != nil {
			resp, err = a.stream(ctx, stream, params, emulate, reqOpts)
		} else {
			resp, err = a.complete(ctx, params, reqOpts)
		}
		if err != nil {
			return nil, err
		}
		total = addUsage(total, resp.Usage)
		if !emulate {
			return resp, nil
		}

		msg := &resp.Messages[0]
		restoreJSON(msg)
		if validJSON(*msg) {
			resp.Usage = total
			return resp, nil
		}
		if attempt >= a.jsonRetries {
			a.logger.Warn().Int("attempts", attempt+1).Msg("Reply is still not valid JSON, returning best effort")
			resp.Usage = total
			return resp, nil
		}
		a.logger.Debug().Int("attempt", attempt+1).Msg("Reply is not valid JSON, retrying round")
	}
}

func (a *Adapter) complete(ctx context.Context, params sdk.MessageNewParams, opts []option.RequestOption) (*provider.Response, error) {
	msg, err := a.messages.New(ctx, params, opts...)
	if err != nil {
		return nil, classify(err)
	}
	resp, err := normalize([]byte(msg.RawJSON()))
	if err != nil {
		return nil, err
	}
	if u := resp.Usage; u.CacheCreationInputTokens > 0 || u.CachedInputTokens > 0 {
		a.logger.Debug().
			Int64("input_tokens", u.InputTokens).
			Int64("cache_creation_tokens", u.CacheCreationInputTokens).
			Int64("cache_read_tokens", u.CachedInputTokens).
			Msg("Prompt cache stats")
	}
	return resp, nil
}

func (a *Adapter) stream(ctx context.Context, state *provider.StreamState, params sdk.MessageNewParams, prefillJSON bool, opts []option.RequestOption) (*provider.Response, error) {
	s := a.messages.NewStreaming(ctx, params, opts...)
	defer s.Close()

	proc := newStreamProcessor(state, prefillJSON, a.logger)
	var events []json.RawMessage
	for s.Next() {
		ev := s.Current()
		raw := ev.RawJSON()
		events = append(events, json.RawMessage(raw))
		if err := proc.process(ev.Type, []byte(raw)); err != nil {
			return nil, err
		}
	}
	if err := s.Err(); err != nil {
		return nil, classify(err)
	}
	raw, err := json.Marshal(events)
	if err != nil {
		return nil, fmt.Errorf("encode anthropic stream events: %w", err)
	}
	return proc.response(raw)
}

// Embed implements provider.Adapter. The Messages API has no embeddings.
func (a *Adapter) Embed(context.Context, *provider.EmbedRequest) (*provider.EmbedResult, error) {
	return nil, llm.NewValidationError("anthropic does not offer embeddings")
}

// classify converts SDK and transport errors into llm.Errors.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		msg := gjson.Get(apiErr.RawJSON(), "error.message").String()
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		e := llm.NewStatusError(llm.ProviderAnthropic, apiErr.StatusCode, msg, err)
		if apiErr.Response != nil {
			e.RetryAfter = retry.ParseRetryAfter(apiErr.Response.Header)
		}
		return e
	}
	// Errors delivered inside the event stream carry the API error JSON.
	text := err.Error()
	if i := strings.Index(text, "{"); i >= 0 && gjson.Valid(text[i:]) {
		return streamError(gjson.Get(text[i:], "error.type").String(), gjson.Get(text[i:], "error.message").String())
	}
	return llm.NewNetworkError("anthropic request failed", err)
}

// streamError maps an error event type to the status the API would have used.
func streamError(errType, message string) error {
	status := 500
	switch errType {
	case "overloaded_error":
		status = 529
	case "rate_limit_error":
		status = 429
	case "invalid_request_error":
		status = 400
	case "authentication_error":
		status = 401
	case "permission_error":
		status = 403
	case "not_found_error":
		status = 404
	case "request_too_large":
		status = 413
	}
	return llm.NewStatusError(llm.ProviderAnthropic, status, message, nil)
}

func addUsage(a, b llm.Usage) llm.Usage {
	return llm.Usage{
		InputTokens:              a.InputTokens + b.InputTokens,
		OutputTokens:             a.OutputTokens + b.OutputTokens,
		CachedInputTokens:        a.CachedInputTokens + b.CachedInputTokens,
		CacheCreationInputTokens: a.CacheCreationInputTokens + b.CacheCreationInputTokens,
		ReasoningTokens:          a.ReasoningTokens + b.ReasoningTokens,
	}
}
