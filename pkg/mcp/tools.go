package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mukund-aria/ai-flow-saas-sub008/internal/engine"
	"github.com/mukund-aria/ai-flow-saas-sub008/internal/store"
	"github.com/mukund-aria/ai-flow-saas-sub008/pkg/schema"
)

// handleTemplateGet reads a template.
func (s *FlowServer) handleTemplateGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateID, err := req.RequireString("template_id")
	if err != nil {
		return mcp.NewToolResultError("template_id is required"), nil
	}

	tpl, getErr := s.store.GetTemplate(ctx, templateID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("template lookup failed: %v", getErr)), nil
	}
	return marshalResult(tpl)
}

// handleTemplateEdit applies an operation batch to a template. The batch is
// applied to a clone; per-operation failures are reported without aborting.
// The edited tree must validate before it replaces the stored definition.
func (s *FlowServer) handleTemplateEdit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateID, err := req.RequireString("template_id")
	if err != nil {
		return mcp.NewToolResultError("template_id is required"), nil
	}

	ops, opsErr := parseOperations(req)
	if opsErr != nil {
		return mcp.NewToolResultError(opsErr.Error()), nil
	}
	if len(ops) == 0 {
		return mcp.NewToolResultError("operations is required and must not be empty"), nil
	}

	tpl, getErr := s.store.GetTemplate(ctx, templateID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("template lookup failed: %v", getErr)), nil
	}

	edited, results, applyErr := s.patch.Apply(&tpl.Definition, ops)
	if applyErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("edit failed: %v", applyErr)), nil
	}

	validation := s.validator.Validate(edited)
	dryRun := req.GetString("dry_run", "") == "true"

	response := map[string]any{
		"template_id": templateID,
		"results":     results,
		"saved":       false,
	}
	if len(validation.Errors) > 0 {
		response["validation_errors"] = validation.Errors
	}
	if len(validation.Warnings) > 0 {
		response["validation_warnings"] = validation.Warnings
	}

	if dryRun || !validation.Valid() {
		return marshalResult(response)
	}

	newVersion := tpl.Version + 1
	update := store.TemplateUpdate{Definition: edited, Version: &newVersion}
	if updErr := s.store.UpdateTemplate(ctx, templateID, update); updErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to save template: %v", updErr)), nil
	}

	response["saved"] = true
	response["version"] = newVersion
	return marshalResult(response)
}

// handleFlowStart launches a flow from a template.
func (s *FlowServer) handleFlowStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateID, err := req.RequireString("template_id")
	if err != nil {
		return mcp.NewToolResultError("template_id is required"), nil
	}
	orgID, err := req.RequireString("org_id")
	if err != nil {
		return mcp.NewToolResultError("org_id is required"), nil
	}
	starterUserID, err := req.RequireString("starter_user_id")
	if err != nil {
		return mcp.NewToolResultError("starter_user_id is required"), nil
	}

	start := engine.StartRequest{
		OrgID:         orgID,
		TemplateID:    templateID,
		Name:          req.GetString("name", ""),
		StarterUserID: starterUserID,
		KickoffData:   mcp.ParseStringMap(req, "kickoff_data", nil),
	}

	if assignments := mcp.ParseStringMap(req, "assignments", nil); assignments != nil {
		start.ManualAssignments = make(map[string]string, len(assignments))
		for role, v := range assignments {
			if contactID, ok := v.(string); ok {
				start.ManualAssignments[role] = contactID
			}
		}
	}

	if dueAt := req.GetString("due_at", ""); dueAt != "" {
		t, parseErr := time.Parse(time.RFC3339, dueAt)
		if parseErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid due_at: %v", parseErr)), nil
		}
		start.DueAt = &t
	}

	// Capture session mapping so lifecycle pushes can reach the starter.
	s.captureSession(ctx, starterUserID)

	flow, startErr := s.runner.StartFlow(ctx, start)
	if startErr != nil {
		return toolError("flow start failed", startErr), nil
	}

	return marshalResult(map[string]any{
		"flow_id": flow.ID,
		"status":  flow.Status,
		"name":    flow.Name,
	})
}

// handleFlowStatus returns a flow and its step executions.
func (s *FlowServer) handleFlowStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flowID, err := req.RequireString("flow_id")
	if err != nil {
		return mcp.NewToolResultError("flow_id is required"), nil
	}

	flow, execs, statusErr := s.runner.FlowStatus(ctx, flowID)
	if statusErr != nil {
		return toolError("status query failed", statusErr), nil
	}

	return marshalResult(map[string]any{
		"flow":  flow,
		"steps": execs,
	})
}

// handleFlowCompleteStep records a participant completion.
func (s *FlowServer) handleFlowCompleteStep(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flowID, err := req.RequireString("flow_id")
	if err != nil {
		return mcp.NewToolResultError("flow_id is required"), nil
	}
	stepID, err := req.RequireString("step_id")
	if err != nil {
		return mcp.NewToolResultError("step_id is required"), nil
	}

	output := mcp.ParseStringMap(req, "output", nil)
	outcomeID := req.GetString("outcome_id", "")

	if completeErr := s.runner.CompleteStep(ctx, flowID, stepID, output, outcomeID); completeErr != nil {
		return toolError("step completion failed", completeErr), nil
	}

	flow, _, statusErr := s.runner.FlowStatus(ctx, flowID)
	if statusErr != nil {
		return toolError("step completed but status query failed", statusErr), nil
	}

	return marshalResult(map[string]any{
		"ok":          true,
		"flow_id":     flowID,
		"step_id":     stepID,
		"flow_status": flow.Status,
	})
}

// handleFlowCancel cancels a flow.
func (s *FlowServer) handleFlowCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	flowID, err := req.RequireString("flow_id")
	if err != nil {
		return mcp.NewToolResultError("flow_id is required"), nil
	}

	if cancelErr := s.runner.CancelFlow(ctx, flowID); cancelErr != nil {
		return toolError("flow cancel failed", cancelErr), nil
	}

	return marshalResult(map[string]any{
		"ok":      true,
		"flow_id": flowID,
		"status":  schema.FlowStatusCancelled,
	})
}

// --- Internal helpers ---

// parseOperations decodes the operations argument into typed operations via
// a JSON round trip.
func parseOperations(req mcp.CallToolRequest) ([]schema.Operation, error) {
	args := req.GetArguments()
	raw, ok := args["operations"]
	if !ok {
		return nil, fmt.Errorf("operations is required")
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid operations: %v", err)
	}
	var ops []schema.Operation
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("invalid operations: %v", err)
	}
	return ops, nil
}

// captureSession maps the user ID to its current MCP session for notifications.
func (s *FlowServer) captureSession(ctx context.Context, userID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(userID, session.SessionID())
	}
}

// toolError renders an engine error as a tool result, keeping the error
// code visible to the caller.
func toolError(prefix string, err error) *mcp.CallToolResult {
	if flowErr, ok := err.(*schema.FlowError); ok {
		return mcp.NewToolResultError(fmt.Sprintf("%s: [%s] %s", prefix, flowErr.Code, flowErr.Message))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
