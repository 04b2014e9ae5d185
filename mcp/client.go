// Package mcp connects to Model Context Protocol servers and mounts their
// tools into a tools.Registry so models can call them like local tools.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/aschepis/backscratcher/conductor/config"
	"github.com/aschepis/backscratcher/conductor/llm"
)

// ToolDefinition is a tool listed by an MCP server.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Client is a connection to one MCP server.
type Client struct {
	name   string
	mc     *client.Client
	start  bool // transport needs an explicit Start before Initialize
	logger zerolog.Logger
}

// Dial creates a client for the server described by cfg: a stdio subprocess
// when Command is set, a streamable HTTP endpoint when URL is set. The
// client is not usable until Start returns.
func Dial(name string, cfg *config.MCPServerConfig, logger zerolog.Logger) (*Client, error) {
	logger = logger.With().Str("component", "mcp").Str("server", name).Logger()
	switch {
	case cfg == nil:
		return nil, fmt.Errorf("mcp server %s: no configuration", name)
	case cfg.Command != "":
		// A command with spaces carries its own leading arguments.
		parts := strings.Fields(cfg.Command)
		args := append(parts[1:], cfg.Args...)
		logger.Debug().Str("command", parts[0]).Strs("args", args).Msg("Starting stdio MCP server")
		mc, err := client.NewStdioMCPClient(parts[0], cfg.Env, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to create stdio MCP client for %s: %w", name, err)
		}
		return newClient(name, mc, false, logger), nil
	case cfg.URL != "":
		if _, err := url.Parse(cfg.URL); err != nil {
			return nil, fmt.Errorf("mcp server %s: invalid url: %w", name, err)
		}
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(cfg.Headers))
		}
		logger.Debug().Str("url", cfg.URL).Msg("Connecting to HTTP MCP server")
		mc, err := client.NewStreamableHttpClient(cfg.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP MCP client for %s: %w", name, err)
		}
		return newClient(name, mc, true, logger), nil
	}
	return nil, fmt.Errorf("mcp server %s: either command or url is required", name)
}

func newClient(name string, mc *client.Client, start bool, logger zerolog.Logger) *Client {
	return &Client{name: name, mc: mc, start: start, logger: logger}
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.name }

// Start runs the MCP initialize handshake.
func (c *Client) Start(ctx context.Context) error {
	if c.start {
		if err := c.mc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start MCP client %s: %w", c.name, err)
		}
	}
	res, err := c.mc.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			Capabilities:    mcp.ClientCapabilities{},
			ClientInfo:      mcp.Implementation{Name: "conductor", Version: "1.0.0"},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize MCP client %s: %w", c.name, err)
	}
	c.logger.Info().Str("server_name", res.ServerInfo.Name).Str("protocol", res.ProtocolVersion).Msg("MCP server initialized")
	return nil
}

// ListTools returns the tools the server offers.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	result, err := c.mc.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list tools on %s: %w", c.name, err)
	}
	c.logger.Debug().Int("tool_count", len(result.Tools)).Msg("Received tools from MCP server")
	return lo.Map(result.Tools, func(tool mcp.Tool, _ int) ToolDefinition {
		schema := map[string]any{"type": tool.InputSchema.Type}
		if tool.InputSchema.Properties != nil {
			schema["properties"] = tool.InputSchema.Properties
		}
		if len(tool.InputSchema.Required) > 0 {
			schema["required"] = tool.InputSchema.Required
		}
		if len(tool.InputSchema.Defs) > 0 {
			schema["$defs"] = tool.InputSchema.Defs
		}
		return ToolDefinition{Name: tool.Name, Description: tool.Description, InputSchema: schema}
	}), nil
}

// InvokeTool calls a tool by its server-side name. Text content comes back
// under "text"; a tool-reported failure is returned as an error so the model
// sees it as a failed call.
func (c *Client) InvokeTool(ctx context.Context, name string, input map[string]any) (map[string]any, error) {
	result, err := c.mc.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: input},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to invoke tool %s on %s: %w", name, c.name, err)
	}

	texts := lo.FilterMap(result.Content, func(content mcp.Content, _ int) (string, bool) {
		text := mcp.GetTextFromContent(content)
		return text, text != ""
	})
	if result.IsError {
		return nil, llm.NewToolError(name, errors.New(strings.Join(texts, "\n")))
	}

	output := map[string]any{}
	switch len(texts) {
	case 0:
	case 1:
		output["text"] = texts[0]
	default:
		output["text"] = texts
	}
	if result.StructuredContent != nil {
		output["structured"] = result.StructuredContent
	}
	return output, nil
}

// Close shuts the connection down.
func (c *Client) Close() error {
	return c.mc.Close()
}
