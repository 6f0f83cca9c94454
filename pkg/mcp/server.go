// Package mcp exposes the workflow runtime over the Model Context Protocol:
// agents register workflow specs, launch runs, and inspect run history
// through a stdio MCP server.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/flowstep-io/flowstep/internal/substrate"
	"github.com/flowstep-io/flowstep/internal/validation"
)

// ServerDeps holds the dependencies for creating a FlowstepServer.
type ServerDeps struct {
	Substrate *substrate.Local
	Validator *validation.SpecValidator
	Logger    *slog.Logger
}

// FlowstepServer wraps an MCP server with flowstep-specific tool handlers.
type FlowstepServer struct {
	substrate *substrate.Local
	validator *validation.SpecValidator
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewFlowstepServer creates a FlowstepServer with all tools registered.
func NewFlowstepServer(deps ServerDeps) *FlowstepServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &FlowstepServer{
		substrate: deps.Substrate,
		validator: deps.Validator,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"flowstep",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Flowstep executes declarative workflow specs. Use flowstep.define to register a workflow, flowstep.run to execute one, flowstep.status to inspect a run's history, flowstep.resume to replay and continue an interrupted run, flowstep.runs to list persisted runs, and flowstep.workflows to list registered workflows."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *FlowstepServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowstepServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *FlowstepServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: runsTool(), Handler: s.handleRuns},
		{Tool: workflowsTool(), Handler: s.handleWorkflows},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("flowstep.define",
		mcp.WithDescription("Register a workflow spec so it can be run by name or dispatched as a child workflow"),
		mcp.WithObject("spec", mcp.Required(), mcp.Description("Workflow spec object (name, vars, steps, result)")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("flowstep.run",
		mcp.WithDescription("Execute a registered workflow as a new run"),
		mcp.WithString("workflow", mcp.Required(), mcp.Description("Name of the registered workflow to execute")),
		mcp.WithObject("params", mcp.Description("Invocation parameters merged over the spec's declared vars")),
		mcp.WithString("object_id", mcp.Description("Platform object the run operates on")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("flowstep.status",
		mcp.WithDescription("Get a run's record and history events"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to inspect")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("flowstep.resume",
		mcp.WithDescription("Re-execute a recorded run, replaying completed steps from history"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to resume")),
	)
}

func runsTool() mcp.Tool {
	return mcp.NewTool("flowstep.runs",
		mcp.WithDescription("List persisted run records, newest first"),
		mcp.WithString("workflow", mcp.Description("Only runs of this workflow")),
		mcp.WithString("status", mcp.Description("Only runs in this status (running, completed, failed, cancelled)")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of runs to return")),
	)
}

func workflowsTool() mcp.Tool {
	return mcp.NewTool("flowstep.workflows",
		mcp.WithDescription("List registered workflow names"),
	)
}
