// Package openaicompat is the Chat Completions transport shared by every
// provider that speaks the OpenAI wire protocol. Providers differ only in a
// Strategy: base URL, body extensions, headers and streaming quirks.
package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"

	"github.com/aschepis/backscratcher/conductor/llm"
	"github.com/aschepis/backscratcher/conductor/llm/provider"
	"github.com/aschepis/backscratcher/conductor/llm/retry"
)

// Strategy captures what one OpenAI-compatible provider does differently.
type Strategy struct {
	// Service is the provider name reported by the adapter.
	Service string
	// DefaultBaseURL is used when Config.BaseURL is empty.
	DefaultBaseURL string
	// PullRole strips the role that some gateways repeat in every streamed
	// delta before the delta is merged.
	PullRole bool
	// MaxCompletionTokens sends max_completion_tokens instead of max_tokens.
	MaxCompletionTokens bool
	// Extend returns body fields the provider adds to every chat request.
	Extend func(req *provider.Request) ([]Patch, error)
	// Headers are added to every request.
	Headers http.Header
}

// Config configures the adapter's connection.
type Config struct {
	APIKey       string
	BaseURL      string
	Organization string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// Adapter implements provider.Adapter over the Chat Completions API.
type Adapter struct {
	client   *openai.Client
	baseURL  string
	strategy Strategy
	logger   zerolog.Logger
}

var _ provider.Adapter = (*Adapter)(nil)

// New creates an Adapter. Providers that run without credentials (local
// Ollama) may leave APIKey empty.
func New(cfg Config, strategy Strategy, logger zerolog.Logger) (*Adapter, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = strategy.DefaultBaseURL
	}
	if baseURL == "" {
		return nil, fmt.Errorf("%s: base url is required", strategy.Service)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = strings.TrimRight(baseURL, "/")
	oc.OrgID = cfg.Organization
	oc.HTTPClient = &transport{base: httpClient}

	return &Adapter{
		client:   openai.NewClientWithConfig(oc),
		baseURL:  oc.BaseURL,
		strategy: strategy,
		logger:   logger.With().Str("component", strategy.Service).Logger(),
	}, nil
}

// Service implements provider.Adapter.
func (a *Adapter) Service() string { return a.strategy.Service }

// URIBase implements provider.URIBaser.
func (a *Adapter) URIBase() string { return a.baseURL }

// Serialize implements provider.Adapter.
func (a *Adapter) Serialize(req *provider.Request) (json.RawMessage, error) {
	body, patches, err := a.buildRequest(req)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, llm.NewValidationError("encode chat request: %v", err)
	}
	return applyPatches(raw, patches)
}

// Prompt implements provider.Adapter.
func (a *Adapter) Prompt(ctx context.Context, req *provider.Request, stream *provider.StreamState) (*provider.Response, error) {
	body, patches, err := a.buildRequest(req)
	if err != nil {
		return nil, err
	}
	ex := &exchange{patches: patches, headers: a.strategy.Headers}
	ctx = withExchange(ctx, ex)

	if stream != nil {
		return a.stream(ctx, ex, body, stream)
	}
	body.Stream = false
	body.StreamOptions = nil
	ex.capture = true
	if _, err := a.client.CreateChatCompletion(ctx, body); err != nil {
		return nil, a.classify(err, ex)
	}
	return normalize(ex.response)
}

func (a *Adapter) stream(ctx context.Context, ex *exchange, body openai.ChatCompletionRequest, state *provider.StreamState) (*provider.Response, error) {
	s, err := a.client.CreateChatCompletionStream(ctx, body)
	if err != nil {
		return nil, a.classify(err, ex)
	}
	defer s.Close()

	proc := newStreamProcessor(state, a.strategy.PullRole)
	for {
		chunk, err := s.RecvRaw()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, a.classify(err, ex)
		}
		if err := proc.process(chunk); err != nil {
			return nil, err
		}
	}
	return proc.response()
}

// Embed implements provider.Adapter.
func (a *Adapter) Embed(ctx context.Context, req *provider.EmbedRequest) (*provider.EmbedResult, error) {
	ex := &exchange{headers: a.strategy.Headers, capture: true}
	ctx = withExchange(ctx, ex)
	_, err := a.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      req.Input,
		Model:      openai.EmbeddingModel(req.Model),
		Dimensions: req.Dimensions,
	})
	if err != nil {
		return nil, a.classify(err, ex)
	}
	data, err := provider.NormalizeEmbeddings(ex.response)
	if err != nil {
		return nil, err
	}
	return &provider.EmbedResult{
		Data:  data,
		Usage: llm.Usage{InputTokens: gjson.GetBytes(ex.response, "usage.prompt_tokens").Int()},
		Raw:   ex.response,
	}, nil
}

// classify converts go-openai and transport errors into llm.Errors.
func (a *Adapter) classify(err error, ex *exchange) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		status := apiErr.HTTPStatusCode
		if status == 0 {
			// Errors inside a stream carry no status.
			status = statusForType(apiErr.Type)
		}
		e := llm.NewStatusError(a.strategy.Service, status, apiErr.Message, err)
		if ex != nil && ex.header != nil && e.RetryAfter == nil {
			e.RetryAfter = retry.ParseRetryAfter(ex.header)
		}
		return e
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		msg := gjson.GetBytes(reqErr.Body, "error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(reqErr.Body))
		}
		if msg == "" {
			msg = reqErr.HTTPStatus
		}
		e := llm.NewStatusError(a.strategy.Service, reqErr.HTTPStatusCode, msg, err)
		if ex != nil && ex.header != nil && e.RetryAfter == nil {
			e.RetryAfter = retry.ParseRetryAfter(ex.header)
		}
		return e
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return llm.NewNetworkError(a.strategy.Service+" request failed", err)
	}
	return llm.NewProviderError(a.strategy.Service+" request rejected", err)
}

func statusForType(t string) int {
	switch t {
	case "rate_limit_exceeded", "rate_limit_error":
		return http.StatusTooManyRequests
	case "invalid_request_error":
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
