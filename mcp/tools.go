package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/osinovii/roomctl/client"
)

// TargetFunc fills in defaults for the optional device and token arguments.
type TargetFunc func(device, token string) client.Target

type operation struct {
	name        string
	description string
}

var operations = []operation{
	{"open_door", "Unlock the room door"},
	{"close_door", "Lock the room door"},
	{"light_on", "Switch the room light on"},
	{"light_off", "Switch the room light off"},
	{"get_state", "Read light, lock, channel and sensor state from the room controller"},
	{"get_info", "Read the controller's network identity (IP, MAC, BLE name)"},
}

// RegisterTools adds one tool per controller operation.
func RegisterTools(s *MCPServer, c *client.Client, target TargetFunc, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ops := c.Operations()
	for _, op := range operations {
		tool := mcp.NewTool(op.name,
			mcp.WithDescription(op.description),
			mcp.WithString("device",
				mcp.Description("BLE name of the room controller, defaults to the configured device"),
			),
			mcp.WithString("token",
				mcp.Description("Controller token, defaults to the configured token"),
			),
		)
		s.AddTool(tool, handler(op.name, ops[op.name], target, logger))
	}
}

func handler(name string, run func(context.Context, client.Target) (client.Result, error), target TargetFunc, logger *slog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		t := target(optionalString(request, "device"), optionalString(request, "token"))
		if t.Name == "" {
			return mcp.NewToolResultError("device is required: no default device is configured"), nil
		}

		logger.Info("MCP tool call", "tool", name, "device", t.Name)
		res, err := run(ctx, t)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", name, err)), nil
		}

		data, err := json.Marshal(res)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to marshal result: %v", err)), nil
		}
		if !res.Success {
			return mcp.NewToolResultError(string(data)), nil
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

func optionalString(request mcp.CallToolRequest, key string) string {
	v, err := request.RequireString(key)
	if err != nil {
		return ""
	}
	return v
}
