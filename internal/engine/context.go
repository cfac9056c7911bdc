package engine

import (
	"encoding/json"

	"github.com/mukund-aria/ai-flow-saas-sub008/internal/store"
	"github.com/mukund-aria/ai-flow-saas-sub008/internal/tokens"
	"github.com/mukund-aria/ai-flow-saas-sub008/pkg/schema"
)

// Workspace identifies the tenant a flow runs in, for {{workspace.*}} tokens.
type Workspace struct {
	ID   string
	Name string
}

// buildTokenContext assembles the token resolution snapshot for a flow.
// Step outputs are keyed by both step ID and step name so either token form
// resolves.
func buildTokenContext(wf *schema.Workflow, flow *store.Flow, execs []*store.StepExecution, ws Workspace) *tokens.Context {
	roleNames := make(map[string]string, len(flow.RoleAssignments))
	for name, assignee := range flow.RoleAssignments {
		switch {
		case assignee.ContactID != "":
			roleNames[name] = assignee.ContactID
		case assignee.UserID != "":
			roleNames[name] = assignee.UserID
		}
	}

	outputs := make(map[string]map[string]any)
	for _, ex := range execs {
		if len(ex.Output) == 0 {
			continue
		}
		var out map[string]any
		if err := json.Unmarshal(ex.Output, &out); err != nil {
			continue
		}
		outputs[ex.StepID] = out
		if step, ok := wf.FindStep(ex.StepID); ok && step.Name != "" {
			outputs[step.Name] = out
		}
	}

	return &tokens.Context{
		KickoffFields:   flow.KickoffData,
		RoleAssignments: roleNames,
		StepOutputs:     outputs,
		WorkspaceName:   ws.Name,
		WorkspaceID:     ws.ID,
	}
}

// automationEnv flattens the token context into the environment an
// automation expression evaluates against.
func automationEnv(tc *tokens.Context, flow *store.Flow) map[string]any {
	steps := make(map[string]any, len(tc.StepOutputs))
	for k, v := range tc.StepOutputs {
		steps[k] = v
	}
	return map[string]any{
		"kickoff":   tc.KickoffFields,
		"roles":     tc.RoleAssignments,
		"steps":     steps,
		"variables": flow.Variables,
		"workspace": map[string]any{"id": tc.WorkspaceID, "name": tc.WorkspaceName},
	}
}
