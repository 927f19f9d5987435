package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepwise/internal/logging"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

const defaultListLimit = 20

// handleRun executes a workflow file, in the foreground or as a tracked
// background run.
func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("workflow")
	if err != nil {
		return mcp.NewToolResultError("workflow is required"), nil
	}
	inputs := mcp.ParseStringMap(req, "inputs", nil)

	if !req.GetBool("async", false) {
		return marshalResult(s.engine.ExecuteFile(ctx, path, inputs, s.registry, s.executor))
	}

	ticket := uuid.New().String()
	sessionID := ""
	if session := server.ClientSessionFromContext(ctx); session != nil {
		sessionID = session.SessionID()
	}
	s.runs.Start(ticket, sessionID, path, time.Now().UTC())

	runCtx := context.WithoutCancel(ctx)
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		res := s.engine.ExecuteFile(runCtx, path, inputs, s.registry, s.executor)
		s.finishAsync(runCtx, ticket, res)
	}()

	return marshalResult(map[string]any{"ticket": ticket, "status": "accepted"})
}

func (s *Server) finishAsync(ctx context.Context, ticket string, res *schema.WorkflowResult) {
	sessionID := s.runs.Finish(ticket, res)
	log := logging.LogWith(logging.WithRunID(ctx, res.RunID), s.logger)
	log.Info("async run finished", "ticket", ticket, "status", string(res.Status))
	if sessionID == "" {
		return
	}
	payload := map[string]any{
		"type":   "run_finished",
		"ticket": ticket,
		"run_id": res.RunID,
		"status": res.Status,
	}
	if res.Error != "" {
		payload["error"] = res.Error
	}
	if err := s.notifier.Notify(ctx, sessionID, payload); err != nil {
		log.Warn("run notification failed", "ticket", ticket, "error", err)
	}
}

// handleResume continues a run from a checkpoint.
func (s *Server) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	stepID, err := req.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("step_id is required"), nil
	}
	data := req.GetArguments()["data"]

	res := s.engine.ResumeExecution(ctx, runID, stepID, data, s.registry, s.executor)
	if res.Status == schema.RunStatusFailed && len(res.Steps) == 0 {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %s", res.Error)), nil
	}
	return marshalResult(res)
}

// handleStatus reports an async ticket, a stored run, or the latest runs.
func (s *Server) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if ticket := req.GetString("ticket", ""); ticket != "" {
		run, ok := s.runs.Get(ticket)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("ticket %q not found", ticket)), nil
		}
		return marshalResult(run)
	}

	if runID := req.GetString("run_id", ""); runID != "" {
		rec, cps, statusErr := s.engine.Status(ctx, runID)
		if statusErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
		}
		return marshalResult(map[string]any{"execution": rec, "checkpoints": cps})
	}

	limit := req.GetInt("limit", defaultListLimit)
	if limit <= 0 {
		limit = defaultListLimit
	}
	execs, err := s.engine.Store().ListExecutions(ctx, store.ExecutionFilter{Limit: limit})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list executions failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"executions": execs})
}

// handleFailoverHistory lists failover events, optionally for one service.
func (s *Server) handleFailoverHistory(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	service := req.GetString("service", "")
	events := make([]schema.FailoverEvent, 0)
	for _, ev := range s.engine.FailoverHistory() {
		if service != "" && ev.FromService != service && ev.ToService != service {
			continue
		}
		events = append(events, ev)
	}
	return marshalResult(map[string]any{"events": events, "count": len(events)})
}

// handleResetBreakers closes every breaker and returns their prior state.
func (s *Server) handleResetBreakers(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	before := s.engine.CircuitBreakers()
	s.engine.ResetCircuitBreakers()
	return marshalResult(map[string]any{"reset": len(before), "breakers": before})
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
