// Package mcp implements the Model Context Protocol server for Cadenza.
//
// The MCP server exposes the orchestrator's surface as MCP tools, so
// MCP-compatible clients (editors, assistants) can start runs, watch their
// progress, decide pending approvals, and inspect the audit trail.
package mcp

import (
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/cadenza-ai/cadenza/internal/audit"
	"github.com/cadenza-ai/cadenza/internal/controller"
	"github.com/cadenza-ai/cadenza/internal/gateway"
)

// Server wraps the MCP server around the orchestrator's surface.
type Server struct {
	mcpServer *mcpserver.MCPServer
	ctrl      *controller.Controller
	gw        *gateway.Gateway
	auditLog  *audit.Log
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all tools registered.
func New(ctrl *controller.Controller, gw *gateway.Gateway, auditLog *audit.Log, logger *slog.Logger) *Server {
	s := &Server{
		ctrl:     ctrl,
		gw:       gw,
		auditLog: auditLog,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"cadenza",
		"0.1.0",
		mcpserver.WithToolCapabilities(true),
	)

	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func textResult(text string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: text},
		},
	}
}
