package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/rendis/contextmesh/internal/runctx"
	"github.com/rendis/contextmesh/internal/store"
)

// handleRun executes a logic module and returns the terminal workflow result.
func (s *MeshServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	module, err := req.RequireString("module")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	initial := mcp.ParseStringMap(req, "context", nil)
	if logicValues := mcp.ParseStringMap(req, "logic_values", nil); len(logicValues) > 0 {
		if initial == nil {
			initial = map[string]any{}
		}
		merged, ok := initial[runctx.NamespaceLogic].(map[string]any)
		if !ok {
			merged = map[string]any{}
		}
		for k, v := range logicValues {
			merged[k] = v
		}
		initial[runctx.NamespaceLogic] = merged
	}

	result, err := s.service.ExecuteModule(ctx, module, initial)
	if err != nil {
		s.logger.Error("module execution failed",
			slog.String("module", module),
			slog.String("error", err.Error()),
		)
		return mcp.NewToolResultError(err.Error()), nil
	}

	return marshalResult(result)
}

// handleStatus returns a persisted run and, optionally, its audit trail.
func (s *MeshServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	run, events, err := s.service.RunStatus(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	out := map[string]any{"run": run}
	if req.GetBool("include_events", false) {
		if events == nil {
			events = []*store.Event{}
		}
		out["events"] = events
	}
	return marshalResult(out)
}

// handleState returns committed state records for one target table.
func (s *MeshServer) handleState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	table, err := req.RequireString("table")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	limit := req.GetInt("limit", 50)
	records, err := s.service.StateRecords(ctx, table, limit)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if records == nil {
		records = []*store.StateRecord{}
	}

	return marshalResult(map[string]any{
		"table":   table,
		"records": records,
	})
}

// handleSchedule registers a scheduled job, or lists schedules when no
// module is given.
func (s *MeshServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	module := req.GetString("module", "")
	if module == "" {
		jobs, err := s.service.Schedules(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if jobs == nil {
			jobs = []*store.ScheduledJob{}
		}
		return marshalResult(map[string]any{"schedules": jobs})
	}

	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	initial := mcp.ParseStringMap(req, "context", nil)
	job, err := s.service.Schedule(ctx, module, cronExpr, initial, req.GetBool("enabled", true))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return marshalResult(job)
}

func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
