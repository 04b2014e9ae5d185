package openai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/aschepis/backscratcher/conductor/llm"
	"github.com/aschepis/backscratcher/conductor/llm/openaicompat"
	"github.com/aschepis/backscratcher/conductor/llm/provider"
)

// Router is the "openai" adapter. It sends each request to Chat Completions
// or to the Responses API:
//   - an explicit api_version option wins;
//   - audio input or an audio output modality needs Chat;
//   - everything else goes to Responses.
//
// Embeddings always use the Chat adapter's client.
type Router struct {
	chat      provider.Adapter
	responses provider.Adapter
	logger    zerolog.Logger
}

var _ provider.Adapter = (*Router)(nil)

// New creates a Router over freshly built Chat and Responses adapters.
func New(cfg Config, logger zerolog.Logger) (*Router, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	chat, err := NewChat(cfg, logger)
	if err != nil {
		return nil, err
	}
	resp, err := NewResponses(cfg, logger)
	if err != nil {
		return nil, err
	}
	return NewRouter(chat, resp, logger), nil
}

// NewRouter creates a Router over existing adapters.
func NewRouter(chat, responses provider.Adapter, logger zerolog.Logger) *Router {
	return &Router{
		chat:      chat,
		responses: responses,
		logger:    logger.With().Str("component", "openai-router").Logger(),
	}
}

// Service implements provider.Adapter.
func (r *Router) Service() string { return llm.ProviderOpenAI }

// URIBase implements provider.URIBaser.
func (r *Router) URIBase() string {
	if u, ok := r.responses.(provider.URIBaser); ok {
		return u.URIBase()
	}
	return DefaultBaseURL
}

// Route returns the API a request is sent to.
func (r *Router) Route(req *provider.Request) (string, error) {
	opts := &Options{}
	if err := provider.CastOptions(req.Options, opts); err != nil {
		return "", err
	}
	if opts.APIVersion != "" {
		return opts.APIVersion, nil
	}
	if openaicompat.HasAudio(req.Messages) || lo.Contains(opts.Modalities, "audio") {
		return APIChat, nil
	}
	return APIResponses, nil
}

func (r *Router) pick(req *provider.Request) (provider.Adapter, error) {
	api, err := r.Route(req)
	if err != nil {
		return nil, err
	}
	r.logger.Debug().Str("api", api).Str("model", req.Model).Msg("Routing request")
	if api == APIChat {
		return r.chat, nil
	}
	return r.responses, nil
}

// Serialize implements provider.Adapter.
func (r *Router) Serialize(req *provider.Request) (json.RawMessage, error) {
	a, err := r.pick(req)
	if err != nil {
		return nil, err
	}
	return a.Serialize(req)
}

// Prompt implements provider.Adapter.
func (r *Router) Prompt(ctx context.Context, req *provider.Request, stream *provider.StreamState) (*provider.Response, error) {
	a, err := r.pick(req)
	if err != nil {
		return nil, err
	}
	return a.Prompt(ctx, req, stream)
}

// Embed implements provider.Adapter.
func (r *Router) Embed(ctx context.Context, req *provider.EmbedRequest) (*provider.EmbedResult, error) {
	return r.chat.Embed(ctx, req)
}
