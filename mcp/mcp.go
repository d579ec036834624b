// Package mcp exposes the controller operations as MCP tools over stdio.
package mcp

import (
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

type MCPServer struct {
	Server *server.MCPServer
	logger *slog.Logger
}

func NewMCPServer(version string, logger *slog.Logger) *MCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPServer{
		Server: server.NewMCPServer("roomctl", version, server.WithToolCapabilities(false)),
		logger: logger,
	}
}

func (s *MCPServer) AddTool(tool mcp.Tool, handler server.ToolHandlerFunc) {
	s.Server.AddTool(tool, handler)
	s.logger.Debug("Registered MCP tool", "tool", tool.Name)
}

// Run serves stdio until the input stream closes.
func (s *MCPServer) Run() error {
	s.logger.Info("Started stdio MCP server")
	defer func() {
		s.logger.Info("Shut down stdio MCP server")
	}()
	return server.ServeStdio(s.Server)
}
