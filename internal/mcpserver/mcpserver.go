// Package mcpserver exposes the advisory engine as an MCP tool server so
// agent runtimes that speak MCP natively can call get_advice directly
// instead of shelling out to the hook binary.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kaitd/kaitd/internal/advisory"
)

// Version is set at build time via ldflags.
var Version = "dev"

// New creates the MCP server with the advisory tool registered.
func New(name string, engine *advisory.Engine, logger *slog.Logger) *server.MCPServer {
	if name == "" {
		name = "kaitd"
	}
	s := server.NewMCPServer(
		name,
		Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(
			"kaitd advisory surface. Call get_advice before running a tool to "+
				"receive reliability-scored guidance learned from prior sessions.",
		),
	)

	tool := &AdviceTool{engine: engine, logger: logger}
	s.AddTool(tool.Definition(), tool.Handle)
	return s
}

// ServeStdio runs the MCP server over stdio until the client disconnects.
func ServeStdio(s *server.MCPServer) error {
	return server.ServeStdio(s)
}

// AdviceTool adapts the advisory engine to a single MCP tool.
type AdviceTool struct {
	engine *advisory.Engine
	logger *slog.Logger
}

// Definition describes the get_advice tool.
func (t *AdviceTool) Definition() mcp.Tool {
	return mcp.NewTool("get_advice",
		mcp.WithDescription(
			"Fetch just-in-time advice for an upcoming tool call. Returns up to "+
				"two reliability-scored guidance items, or none when nothing "+
				"relevant is known.",
		),
		mcp.WithString("session_id",
			mcp.Required(),
			mcp.Description("Stable identifier for the calling session"),
		),
		mcp.WithString("tool",
			mcp.Required(),
			mcp.Description("Name of the tool about to run, e.g. Bash or Read"),
		),
		mcp.WithString("tool_args",
			mcp.Description("JSON object of the pending tool's arguments"),
		),
		mcp.WithString("context",
			mcp.Description("Free text surrounding the pending call"),
		),
	)
}

// Handle services one get_advice call. Advisory faults never error the
// MCP call; the result is simply empty.
func (t *AdviceTool) Handle(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID := req.GetString("session_id", "")
	tool := req.GetString("tool", "")
	if sessionID == "" {
		return mcp.NewToolResultError("'session_id' is required"), nil
	}
	if tool == "" {
		return mcp.NewToolResultError("'tool' is required"), nil
	}

	var args map[string]any
	if raw := req.GetString("tool_args", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return mcp.NewToolResultError("'tool_args' must be a JSON object"), nil
		}
	}

	items := t.engine.Advise(ctx, advisory.Request{
		SessionID: sessionID,
		Tool:      tool,
		ToolArgs:  args,
		Context:   req.GetString("context", ""),
	})

	if t.logger != nil {
		t.logger.DebugContext(ctx, "mcp get_advice served",
			slog.String("session_id", sessionID),
			slog.String("tool", tool),
			slog.Int("items", len(items)))
	}

	if len(items) == 0 {
		return mcp.NewToolResultText("no advice"), nil
	}

	var sb strings.Builder
	for i, item := range items {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "[%s] %s", item.Source, item.Text)
	}
	return mcp.NewToolResultText(sb.String()), nil
}
