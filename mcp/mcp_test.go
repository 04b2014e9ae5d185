package mcp

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aschepis/backscratcher/conductor/config"
	"github.com/aschepis/backscratcher/conductor/llm"
	"github.com/aschepis/backscratcher/conductor/tools"
)

func newTestServer() *server.MCPServer {
	s := server.NewMCPServer("calendar", "0.1.0", server.WithToolCapabilities(false))
	s.AddTool(mcp.NewTool("events.list",
		mcp.WithDescription("List events on a day"),
		mcp.WithString("day", mcp.Required(), mcp.Description("ISO date")),
	), func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		day := req.GetString("day", "")
		return mcp.NewToolResultText("standup on " + day), nil
	})
	s.AddTool(mcp.NewTool("events.delete"), func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return mcp.NewToolResultError("calendar is read-only"), nil
	})
	return s
}

func newInProcess(t *testing.T) *Client {
	t.Helper()
	mc, err := client.NewInProcessClient(newTestServer())
	require.NoError(t, err)
	return newClient("cal", mc, true, zerolog.Nop())
}

func TestMountClientRegistersTools(t *testing.T) {
	ctx := context.Background()
	reg := tools.NewRegistry(zerolog.Nop())
	m := &Mounted{Tools: map[string]string{}}
	require.NoError(t, MountClient(ctx, reg, newInProcess(t), m))
	t.Cleanup(func() { _ = m.Close() })

	assert.Equal(t, []string{"cal__events_delete", "cal__events_list"}, reg.Names())
	assert.Equal(t, "cal/events.list", m.Tools["cal__events_list"])

	specs, err := reg.Specs("cal__events_list")
	require.NoError(t, err)
	assert.Equal(t, "List events on a day", specs[0].Description)
	assert.Equal(t, []string{"day"}, specs[0].Schema.Required)

	out, err := reg.Handle(ctx, "cal__events_list", map[string]any{"day": "2026-10-19"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "standup on 2026-10-19"}, out)

	_, err = reg.Handle(ctx, "cal__events_list", map[string]any{})
	assert.ErrorContains(t, err, "invalid arguments")

	_, err = reg.Handle(ctx, "cal__events_delete", nil)
	require.Error(t, err)
	var lerr *llm.Error
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, llm.ErrorTypeTool, lerr.Type)
	assert.Contains(t, err.Error(), "calendar is read-only")
}

func TestDialRequiresTransport(t *testing.T) {
	_, err := Dial("empty", &config.MCPServerConfig{}, zerolog.Nop())
	assert.Error(t, err)
	_, err = Dial("nil", nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestMountSkipsBrokenServers(t *testing.T) {
	reg := tools.NewRegistry(zerolog.Nop())
	m := Mount(context.Background(), reg, map[string]*config.MCPServerConfig{
		"broken": {},
	}, zerolog.Nop())
	assert.Empty(t, m.Tools)
	assert.Empty(t, reg.Names())
	assert.NoError(t, m.Close())
}

func TestToolSchemaKeepsExtraFields(t *testing.T) {
	s := toolSchema(map[string]any{
		"type":       "object",
		"properties": map[string]any{"q": map[string]any{"type": "string"}},
		"required":   []string{"q"},
		"$defs":      map[string]any{"x": map[string]any{}},
	})
	assert.Equal(t, []string{"q"}, s.Required)
	assert.Contains(t, s.ExtraFields, "$defs")
}
