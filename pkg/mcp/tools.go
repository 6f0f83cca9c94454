package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/flowstep-io/flowstep/internal/store"
	"github.com/flowstep-io/flowstep/internal/substrate"
	"github.com/flowstep-io/flowstep/pkg/schema"
)

// handleDefine validates and registers a workflow spec.
func (s *FlowstepServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	specRaw := mcp.ParseStringMap(req, "spec", nil)
	if specRaw == nil {
		return mcp.NewToolResultError("spec is required"), nil
	}

	// Round-trip through JSON so step kind defaults apply.
	specBytes, err := json.Marshal(specRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid spec: %v", err)), nil
	}
	var spec schema.WorkflowSpec
	if err := json.Unmarshal(specBytes, &spec); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid spec: %v", err)), nil
	}

	if s.validator != nil {
		if err := s.validator.Validate(&spec); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("spec validation failed: %v", err)), nil
		}
	}
	if err := s.substrate.RegisterWorkflow(&spec); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("register workflow failed: %v", err)), nil
	}

	s.logger.InfoContext(ctx, "workflow registered", "workflow", spec.Name)
	return marshalResult(map[string]any{
		"name":  spec.Name,
		"steps": len(spec.Steps),
	})
}

// handleRun executes a registered workflow.
func (s *FlowstepServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflow, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	params := mcp.ParseStringMap(req, "params", nil)

	opts := substrate.StartOptions{Params: params}
	if objectID := req.GetString("object_id", ""); objectID != "" {
		opts.ObjectIDs = []string{objectID}
	}

	result, runErr := s.substrate.StartByName(ctx, workflow, opts)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed to start: %v", runErr)), nil
	}
	return marshalResult(result)
}

// handleStatus returns the persisted run record and its history events.
func (s *FlowstepServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	run, events, statusErr := s.substrate.Status(ctx, runID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}
	return marshalResult(map[string]any{
		"run":    run,
		"events": events,
	})
}

// handleResume replays a recorded run and continues unfinished work.
func (s *FlowstepServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	result, resumeErr := s.substrate.Resume(ctx, runID)
	if resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}
	return marshalResult(result)
}

// handleRuns lists persisted run records, newest first.
func (s *FlowstepServer) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.RunFilter{
		WorkflowID: req.GetString("workflow", ""),
		Limit:      req.GetInt("limit", 0),
	}
	if status := req.GetString("status", ""); status != "" {
		rs := store.RunStatus(status)
		filter.Status = &rs
	}

	runs, listErr := s.substrate.Runs(ctx, filter)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run listing failed: %v", listErr)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

// handleWorkflows lists registered workflow names.
func (s *FlowstepServer) handleWorkflows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	names := s.substrate.Workflows()
	sort.Strings(names)
	return marshalResult(map[string]any{"workflows": names})
}

// marshalResult renders a value as an indented JSON tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}
