package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/aschepis/backscratcher/conductor/config"
	"github.com/aschepis/backscratcher/conductor/llm"
	"github.com/aschepis/backscratcher/conductor/tools"
)

// Mounted tracks the clients whose tools were registered.
type Mounted struct {
	clients []*Client
	// Tools maps each safe tool name to "server/original-name".
	Tools map[string]string
}

// Close closes every client.
func (m *Mounted) Close() error {
	var errs []error
	for _, c := range m.clients {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// Mount connects to every configured server, in name order, and registers
// its tools in reg as "<server>__<tool>". A server that fails to start is
// logged and skipped; the remaining servers are still mounted.
func Mount(ctx context.Context, reg *tools.Registry, servers map[string]*config.MCPServerConfig, logger zerolog.Logger) *Mounted {
	m := &Mounted{Tools: map[string]string{}}
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		c, err := Dial(name, servers[name], logger)
		if err != nil {
			logger.Error().Err(err).Str("server", name).Msg("Skipping MCP server")
			continue
		}
		if err := MountClient(ctx, reg, c, m); err != nil {
			logger.Error().Err(err).Str("server", name).Msg("Skipping MCP server")
			_ = c.Close()
		}
	}
	return m
}

// MountClient starts c and registers its tools in reg, recording them in m.
func MountClient(ctx context.Context, reg *tools.Registry, c *Client, m *Mounted) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	defs, err := c.ListTools(ctx)
	if err != nil {
		return err
	}
	for _, def := range defs {
		spec := llm.ToolSpec{
			Name:        tools.SafeName(c.Name(), def.Name),
			Description: def.Description,
			Schema:      toolSchema(def.InputSchema),
		}
		if err := reg.RegisterMCPTool(spec, def.Name, c); err != nil {
			return fmt.Errorf("failed to register %s: %w", def.Name, err)
		}
		m.Tools[spec.Name] = c.Name() + "/" + def.Name
	}
	m.clients = append(m.clients, c)
	c.logger.Info().Int("tools", len(defs)).Msg("Mounted MCP server")
	return nil
}

func toolSchema(doc map[string]any) llm.ToolSchema {
	schema := llm.ToolSchema{Type: "object"}
	for k, v := range doc {
		switch k {
		case "type":
		case "properties":
			schema.Properties, _ = v.(map[string]any)
		case "required":
			schema.Required, _ = v.([]string)
		default:
			if schema.ExtraFields == nil {
				schema.ExtraFields = map[string]any{}
			}
			schema.ExtraFields[k] = v
		}
	}
	return schema
}
