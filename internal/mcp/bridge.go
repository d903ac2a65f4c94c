package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nugget/scagent/internal/tools"
)

// ToolSource lists and calls tools. [*Client] satisfies it.
type ToolSource interface {
	Name() string
	ListTools(ctx context.Context) ([]ToolDefinition, error)
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

// BridgeTools discovers the server's tools and registers them on
// registry under their MCP names, so the model sees exactly what the
// server advertises. It returns the number of tools registered.
//
// Handlers translate [*ToolError] into [*tools.ErrToolFailed]; transport
// failures, including [ErrSessionClosed], pass through unchanged.
func BridgeTools(ctx context.Context, client ToolSource, registry *tools.Registry, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	defs, err := client.ListTools(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tools from %s: %w", client.Name(), err)
	}

	for _, td := range defs {
		registry.Register(bridgeTool(client, td))
		logger.Debug("bridged MCP tool", "tool", td.Name, "server", client.Name())
	}
	return len(defs), nil
}

// bridgeTool creates a tool that proxies calls to an MCP server.
func bridgeTool(client ToolSource, td ToolDefinition) *tools.Tool {
	name := td.Name
	return &tools.Tool{
		Name:        name,
		Description: td.Description,
		Parameters:  td.InputSchema,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			out, err := client.CallTool(ctx, name, args)
			var te *ToolError
			if errors.As(err, &te) {
				return "", &tools.ErrToolFailed{ToolName: name, Message: te.Message}
			}
			return out, err
		},
	}
}
