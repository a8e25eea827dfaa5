// Package mcp exposes the workflow engine over the Model Context Protocol so
// an external agent can trigger runs, audit outcomes, and inspect committed
// state.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/contextmesh/internal/engine"
)

// MeshServerDeps holds the dependencies for creating a MeshServer.
type MeshServerDeps struct {
	Service *engine.Service
	Logger  *slog.Logger
}

// MeshServer wraps an MCP server with contextmesh tool handlers.
type MeshServer struct {
	service   *engine.Service
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewMeshServer creates a MeshServer with all tools registered.
func NewMeshServer(deps MeshServerDeps) *MeshServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &MeshServer{
		service: deps.Service,
		logger:  logger,
	}

	mcpSrv := server.NewMCPServer(
		"contextmesh",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Contextmesh executes declared API workflow modules. Use contextmesh.run to execute a logic module with an initial context, contextmesh.status to inspect a run and its audit trail, and contextmesh.state to read committed state records."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *MeshServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *MeshServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *MeshServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: stateTool(), Handler: s.handleState},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("contextmesh.run",
		mcp.WithDescription("Execute a logic module's declared operation sequence"),
		mcp.WithString("module", mcp.Required(), mcp.Description("Name of the logic module to execute")),
		mcp.WithObject("context", mcp.Description("Initial context keyed by namespace (db, state, input, logic)")),
		mcp.WithObject("logic_values", mcp.Description("Pre-computed logic values, bypassing the rule book")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("contextmesh.status",
		mcp.WithDescription("Get a run's status, per-step results, and audit trail"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
		mcp.WithBoolean("include_events", mcp.Description("Include the append-only audit event log")),
	)
}

func stateTool() mcp.Tool {
	return mcp.NewTool("contextmesh.state",
		mcp.WithDescription("Read committed state update records for a target table"),
		mcp.WithString("table", mcp.Required(), mcp.Description("Target table name")),
		mcp.WithNumber("limit", mcp.Description("Maximum records to return (default 50)")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("contextmesh.schedule",
		mcp.WithDescription("Register a cron-triggered launch of a logic module, or list existing schedules"),
		mcp.WithString("module", mcp.Description("Logic module to schedule; omit to list existing schedules")),
		mcp.WithString("cron", mcp.Description("Five-field cron expression, e.g. \"0 */6 * * *\"")),
		mcp.WithObject("context", mcp.Description("Initial context for every scheduled run")),
		mcp.WithBoolean("enabled", mcp.Description("Whether the schedule starts enabled (default true)")),
	)
}
