// Package ollama adapts a local Ollama server. Chat goes through Ollama's
// OpenAI-compatible endpoint; embeddings use the native /api/embed.
package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"github.com/rs/zerolog"

	"github.com/aschepis/backscratcher/conductor/llm"
	"github.com/aschepis/backscratcher/conductor/llm/openaicompat"
	"github.com/aschepis/backscratcher/conductor/llm/provider"
)

// DefaultHost is used when neither Config.Host nor OLLAMA_HOST is set.
const DefaultHost = "http://localhost:11434"

// Config configures the adapter.
type Config struct {
	// Host is the server address, with or without scheme.
	Host string
	// KeepAlive is how long the server keeps the model loaded after a
	// request ("5m", "-1", "0"). Empty leaves the server default.
	KeepAlive  string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Options are the Ollama extensions read from the call options.
type Options struct {
	KeepAlive string `yaml:"keep_alive"`
	Truncate  *bool  `yaml:"truncate"`
}

// Validate implements provider.Validator.
func (o *Options) Validate() error {
	if o.KeepAlive == "" {
		return nil
	}
	_, err := parseKeepAlive(o.KeepAlive)
	return err
}

// Adapter implements provider.Adapter for Ollama.
type Adapter struct {
	chat      *openaicompat.Adapter
	native    *api.Client
	host      *url.URL
	keepAlive string
	logger    zerolog.Logger
}

var _ provider.Adapter = (*Adapter)(nil)

// New creates an Adapter. No API key is needed.
func New(cfg Config, logger zerolog.Logger) (*Adapter, error) {
	host := cfg.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = DefaultHost
	}
	base, err := parseHost(host)
	if err != nil {
		return nil, fmt.Errorf("invalid host: %w", err)
	}
	if cfg.KeepAlive != "" {
		if _, err := parseKeepAlive(cfg.KeepAlive); err != nil {
			return nil, err
		}
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	a := &Adapter{
		native:    api.NewClient(base, httpClient),
		host:      base,
		keepAlive: cfg.KeepAlive,
		logger:    logger.With().Str("component", llm.ProviderOllama).Logger(),
	}
	a.chat, err = openaicompat.New(openaicompat.Config{
		BaseURL:    strings.TrimRight(base.String(), "/") + "/v1",
		HTTPClient: httpClient,
	}, openaicompat.Strategy{
		Service:  llm.ProviderOllama,
		PullRole: true,
		Extend:   a.extend,
	}, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// parseHost parses a host string into a URL, defaulting the scheme to http.
func parseHost(host string) (*url.URL, error) {
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	return url.Parse(host)
}

// parseKeepAlive accepts a Go duration or a bare number of seconds.
func parseKeepAlive(s string) (time.Duration, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid keep_alive %q", s)
	}
	return d, nil
}

func (a *Adapter) options(in map[string]any) (*Options, error) {
	opts := &Options{}
	if err := provider.CastOptions(in, opts); err != nil {
		return nil, err
	}
	if opts.KeepAlive == "" {
		opts.KeepAlive = a.keepAlive
	}
	return opts, nil
}

// extend adds keep_alive to every chat body.
func (a *Adapter) extend(req *provider.Request) ([]openaicompat.Patch, error) {
	opts, err := a.options(req.Options)
	if err != nil {
		return nil, err
	}
	if opts.KeepAlive == "" {
		return nil, nil
	}
	return []openaicompat.Patch{{Path: "keep_alive", Value: opts.KeepAlive}}, nil
}

// Service implements provider.Adapter.
func (a *Adapter) Service() string { return llm.ProviderOllama }

// URIBase implements provider.URIBaser.
func (a *Adapter) URIBase() string { return a.host.String() }

// Serialize implements provider.Adapter.
func (a *Adapter) Serialize(req *provider.Request) (json.RawMessage, error) {
	return a.chat.Serialize(req)
}

// Prompt implements provider.Adapter. Tool arguments are coerced to their
// schema types before the engine sees them.
func (a *Adapter) Prompt(ctx context.Context, req *provider.Request, stream *provider.StreamState) (*provider.Response, error) {
	resp, err := a.chat.Prompt(ctx, req, stream)
	if err != nil {
		return nil, err
	}
	coerceToolCalls(resp.Messages, req.Tools)
	return resp, nil
}

// Embed implements provider.Adapter through the native embed endpoint. A
// request for a specific dimension count goes through the OpenAI-compatible
// endpoint instead, which accepts it.
func (a *Adapter) Embed(ctx context.Context, req *provider.EmbedRequest) (*provider.EmbedResult, error) {
	if req.Dimensions > 0 {
		return a.chat.Embed(ctx, req)
	}
	opts, err := a.options(req.Options)
	if err != nil {
		return nil, err
	}
	er := &api.EmbedRequest{Model: req.Model, Input: req.Input, Truncate: opts.Truncate}
	if opts.KeepAlive != "" {
		d, _ := parseKeepAlive(opts.KeepAlive)
		er.KeepAlive = &api.Duration{Duration: d}
	}

	res, err := a.native.Embed(ctx, er)
	if err != nil {
		return nil, a.classify(err)
	}
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode ollama embed response: %w", err)
	}
	data, err := provider.NormalizeEmbeddings(raw)
	if err != nil {
		return nil, err
	}
	return &provider.EmbedResult{
		Data:  data,
		Usage: llm.Usage{InputTokens: int64(res.PromptEvalCount)},
		Raw:   raw,
	}, nil
}

// Ping reports the server version, failing when the server is unreachable.
func (a *Adapter) Ping(ctx context.Context) (string, error) {
	v, err := a.native.Version(ctx)
	if err != nil {
		return "", a.classify(err)
	}
	return v, nil
}

func (a *Adapter) classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var se api.StatusError
	if errors.As(err, &se) {
		msg := se.ErrorMessage
		if msg == "" {
			msg = se.Status
		}
		return llm.NewStatusError(llm.ProviderOllama, se.StatusCode, msg, err)
	}
	return llm.NewNetworkError(fmt.Sprintf("ollama request to %s failed", a.host), err)
}
