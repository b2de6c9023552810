// Package mcpserv exposes the supervisor's consumer API as MCP tools over
// stdio, so other agents can drive the supervised session.
package mcpserv

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loppo-llc/minder/internal/queue"
	"github.com/loppo-llc/minder/internal/recovery"
)

type Server struct {
	mcp     *server.MCPServer
	manager *recovery.Manager
	queue   *queue.Queue
	logger  *slog.Logger
}

func New(manager *recovery.Manager, q *queue.Queue, version string, logger *slog.Logger) *Server {
	s := &Server{
		mcp:     server.NewMCPServer("minder", version),
		manager: manager,
		queue:   q,
		logger:  logger,
	}

	s.mcp.AddTool(
		mcp.NewTool("send_message",
			mcp.WithDescription("Send a message to the supervised agent session and wait for its response"),
			mcp.WithString("text", mcp.Required(), mcp.Description("Message text")),
		),
		s.handleSendMessage,
	)

	s.mcp.AddTool(
		mcp.NewTool("queue_add",
			mcp.WithDescription("Enqueue a message for later processing"),
			mcp.WithString("text", mcp.Required(), mcp.Description("Message text")),
		),
		s.handleQueueAdd,
	)

	s.mcp.AddTool(
		mcp.NewTool("get_status",
			mcp.WithDescription("Get session, recovery and health status"),
		),
		s.handleGetStatus,
	)

	return s
}

// ServeStdio blocks serving MCP requests on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) handleSendMessage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	resp, err := s.manager.SendMessage(ctx, text, nil)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(resp), nil
}

func (s *Server) handleQueueAdd(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	msg, err := s.queue.Add(text)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("queued: " + msg.ID), nil
}

func (s *Server) handleGetStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := map[string]any{
		"session":  s.manager.SessionInfo(),
		"recovery": s.manager.GetRecoveryState(),
		"health":   s.manager.GetHealthStatus(),
	}
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
