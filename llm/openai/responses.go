package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/responses"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/aschepis/backscratcher/conductor/llm"
	"github.com/aschepis/backscratcher/conductor/llm/provider"
	"github.com/aschepis/backscratcher/conductor/llm/retry"
)

// ResponsesClient captures the subset of the openai-go client used by the
// Responses adapter. It is satisfied by *responses.ResponseService.
type ResponsesClient interface {
	New(ctx context.Context, body responses.ResponseNewParams, opts ...option.RequestOption) (*responses.Response, error)
	NewStreaming(ctx context.Context, body responses.ResponseNewParams, opts ...option.RequestOption) *ssestream.Stream[responses.ResponseStreamEventUnion]
}

// Responses implements provider.Adapter over the Responses API.
type Responses struct {
	client  ResponsesClient
	baseURL string
	logger  zerolog.Logger
}

var _ provider.Adapter = (*Responses)(nil)

// NewResponses creates a Responses adapter backed by openai-go. The SDK's own
// retries are disabled; the engine retries.
func NewResponses(cfg Config, logger zerolog.Logger) (*Responses, error) {
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
	if cfg.Organization != "" {
		opts = append(opts, option.WithOrganization(cfg.Organization))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}
	client := oai.NewClient(opts...)
	r := NewResponsesWithClient(&client.Responses, logger)
	r.baseURL = baseURL
	return r, nil
}

// NewResponsesWithClient wraps an existing Responses client.
func NewResponsesWithClient(client ResponsesClient, logger zerolog.Logger) *Responses {
	return &Responses{
		client:  client,
		baseURL: DefaultBaseURL,
		logger:  logger.With().Str("component", "openai-responses").Logger(),
	}
}

// Service implements provider.Adapter.
func (r *Responses) Service() string { return llm.ProviderOpenAI }

// URIBase implements provider.URIBaser.
func (r *Responses) URIBase() string { return r.baseURL }

// Serialize implements provider.Adapter.
func (r *Responses) Serialize(req *provider.Request) (json.RawMessage, error) {
	params, err := buildRequest(req)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode responses request: %w", err)
	}
	if req.Stream {
		if body, err = sjson.SetBytes(body, "stream", true); err != nil {
			return nil, fmt.Errorf("encode stream flag: %w", err)
		}
	}
	return body, nil
}

// Prompt implements provider.Adapter.
func (r *Responses) Prompt(ctx context.Context, req *provider.Request, stream *provider.StreamState) (*provider.Response, error) {
	params, err := buildRequest(req)
	if err != nil {
		return nil, err
	}

	if stream == nil {
		res, err := r.client.New(ctx, params)
		if err != nil {
			return nil, classify(err)
		}
		return normalize([]byte(res.RawJSON()))
	}

	s := r.client.NewStreaming(ctx, params)
	defer s.Close()
	proc := newStreamProcessor(stream)
	for s.Next() {
		ev := s.Current()
		if err := proc.process(ev.Type, []byte(ev.RawJSON())); err != nil {
			return nil, err
		}
	}
	if err := s.Err(); err != nil {
		return nil, classify(err)
	}
	return proc.response()
}

// Embed implements provider.Adapter. Embeddings are served by the Chat
// adapter; the Router never sends them here.
func (r *Responses) Embed(context.Context, *provider.EmbedRequest) (*provider.EmbedResult, error) {
	return nil, llm.NewValidationError("the responses api does not offer embeddings")
}

// classify converts openai-go and transport errors into llm.Errors.
func classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if msg == "" {
			msg = gjson.Get(apiErr.RawJSON(), "error.message").String()
		}
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		e := llm.NewStatusError(llm.ProviderOpenAI, apiErr.StatusCode, msg, err)
		if apiErr.Response != nil {
			e.RetryAfter = retry.ParseRetryAfter(apiErr.Response.Header)
		}
		return e
	}
	// The SSE decoder reports error payloads as text followed by their JSON.
	text := err.Error()
	if strings.HasPrefix(text, "received error while streaming") {
		if i := strings.Index(text, "{"); i >= 0 && gjson.Valid(text[i:]) {
			return codeError(gjson.Get(text[i:], "code").String(), gjson.Get(text[i:], "message").String())
		}
		return codeError("", text)
	}
	return llm.NewNetworkError("openai request failed", err)
}
