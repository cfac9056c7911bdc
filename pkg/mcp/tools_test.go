package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mukund-aria/ai-flow-saas-sub008/internal/engine"
	"github.com/mukund-aria/ai-flow-saas-sub008/internal/patch"
	"github.com/mukund-aria/ai-flow-saas-sub008/internal/store"
	"github.com/mukund-aria/ai-flow-saas-sub008/internal/validation"
	"github.com/mukund-aria/ai-flow-saas-sub008/pkg/schema"
)

// --- Mock template store ---

type mockTemplateStore struct {
	templates map[string]*store.Template
	updated   map[string]store.TemplateUpdate
}

func newMockTemplateStore() *mockTemplateStore {
	return &mockTemplateStore{
		templates: make(map[string]*store.Template),
		updated:   make(map[string]store.TemplateUpdate),
	}
}

func (m *mockTemplateStore) GetTemplate(_ context.Context, id string) (*store.Template, error) {
	tpl, ok := m.templates[id]
	if !ok {
		return nil, schema.NewError(schema.ErrCodeNotFound, "template not found")
	}
	return tpl, nil
}

func (m *mockTemplateStore) UpdateTemplate(_ context.Context, id string, update store.TemplateUpdate) error {
	tpl, ok := m.templates[id]
	if !ok {
		return schema.NewError(schema.ErrCodeNotFound, "template not found")
	}
	if update.Definition != nil {
		tpl.Definition = *update.Definition
	}
	if update.Version != nil {
		tpl.Version = *update.Version
	}
	m.updated[id] = update
	return nil
}

func (m *mockTemplateStore) ListTemplates(_ context.Context, _ store.TemplateFilter) ([]*store.Template, error) {
	var out []*store.Template
	for _, t := range m.templates {
		out = append(out, t)
	}
	return out, nil
}

// --- Mock flow runner ---

type mockFlowRunner struct {
	started     []engine.StartRequest
	completed   [][2]string
	cancelled   []string
	flow        *store.Flow
	execs       []*store.StepExecution
	startErr    error
	statusErr   error
	completeErr error
	cancelErr   error
}

func (m *mockFlowRunner) StartFlow(_ context.Context, req engine.StartRequest) (*store.Flow, error) {
	m.started = append(m.started, req)
	if m.startErr != nil {
		return nil, m.startErr
	}
	if m.flow != nil {
		return m.flow, nil
	}
	return &store.Flow{ID: "flow-1", Status: schema.FlowStatusActive, Name: req.Name}, nil
}

func (m *mockFlowRunner) CompleteStep(_ context.Context, flowID, stepID string, _ map[string]any, _ string) error {
	m.completed = append(m.completed, [2]string{flowID, stepID})
	return m.completeErr
}

func (m *mockFlowRunner) CancelFlow(_ context.Context, flowID string) error {
	m.cancelled = append(m.cancelled, flowID)
	return m.cancelErr
}

func (m *mockFlowRunner) FlowStatus(_ context.Context, _ string) (*store.Flow, []*store.StepExecution, error) {
	if m.statusErr != nil {
		return nil, nil, m.statusErr
	}
	flow := m.flow
	if flow == nil {
		flow = &store.Flow{ID: "flow-1", Status: schema.FlowStatusActive}
	}
	return flow, m.execs, nil
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func newTestServer(t *testing.T, ms *mockTemplateStore, runner *mockFlowRunner) *FlowServer {
	t.Helper()
	validator, err := validation.NewWorkflowValidator(schema.DefaultLimits())
	require.NoError(t, err)
	return NewFlowServer(FlowServerDeps{
		Runner:    runner,
		Store:     ms,
		Patch:     patch.New(schema.DefaultLimits()),
		Validator: validator,
	})
}

func seedEditableTemplate(ms *mockTemplateStore) *store.Template {
	tpl := &store.Template{
		ID:    "tpl-1",
		OrgID: "org-1",
		Name:  "Onboarding",
		Definition: schema.Workflow{
			Name: "Onboarding",
			Roles: []schema.Role{
				{Name: "Client", Resolution: schema.Resolution{Type: schema.ResolutionContactTBD}},
			},
			Steps: []schema.Step{
				{ID: "collect", Type: schema.StepTypeTask, Name: "Collect documents", Role: "Client"},
			},
		},
		Version: 1,
	}
	ms.templates[tpl.ID] = tpl
	return tpl
}

func decodeResult(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

// --- Tests ---

func TestTemplateGetTool(t *testing.T) {
	ms := newMockTemplateStore()
	seedEditableTemplate(ms)
	s := newTestServer(t, ms, &mockFlowRunner{})

	result, err := s.handleTemplateGet(context.Background(), buildRequest("template.get", map[string]any{
		"template_id": "tpl-1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	payload := decodeResult(t, result)
	assert.Equal(t, "Onboarding", payload["name"])
}

func TestTemplateGetToolNotFound(t *testing.T) {
	s := newTestServer(t, newMockTemplateStore(), &mockFlowRunner{})

	result, err := s.handleTemplateGet(context.Background(), buildRequest("template.get", map[string]any{
		"template_id": "ghost",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestTemplateEditToolAppliesAndSaves(t *testing.T) {
	ms := newMockTemplateStore()
	seedEditableTemplate(ms)
	s := newTestServer(t, ms, &mockFlowRunner{})

	result, err := s.handleTemplateEdit(context.Background(), buildRequest("template.edit", map[string]any{
		"template_id": "tpl-1",
		"operations": []any{
			map[string]any{
				"type": "add_step",
				"step": map[string]any{"type": "task", "name": "Review documents", "role": "Client"},
			},
		},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	payload := decodeResult(t, result)
	assert.Equal(t, true, payload["saved"])
	assert.Equal(t, float64(2), payload["version"])

	results, ok := payload["results"].([]any)
	require.True(t, ok)
	require.Len(t, results, 1)
	assert.Equal(t, true, results[0].(map[string]any)["ok"])

	assert.Len(t, ms.templates["tpl-1"].Definition.Steps, 2)
}

func TestTemplateEditToolReportsFailedOpsWithoutAborting(t *testing.T) {
	ms := newMockTemplateStore()
	seedEditableTemplate(ms)
	s := newTestServer(t, ms, &mockFlowRunner{})

	result, err := s.handleTemplateEdit(context.Background(), buildRequest("template.edit", map[string]any{
		"template_id": "tpl-1",
		"operations": []any{
			map[string]any{"type": "remove_step", "step_id": "does-not-exist"},
			map[string]any{
				"type": "add_step",
				"step": map[string]any{"type": "task", "name": "Review", "role": "Client"},
			},
		},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	payload := decodeResult(t, result)
	results := payload["results"].([]any)
	require.Len(t, results, 2)
	assert.Equal(t, false, results[0].(map[string]any)["ok"])
	assert.Equal(t, true, results[1].(map[string]any)["ok"])
	assert.Equal(t, true, payload["saved"])
}

func TestTemplateEditToolRejectsInvalidResult(t *testing.T) {
	ms := newMockTemplateStore()
	seedEditableTemplate(ms)
	s := newTestServer(t, ms, &mockFlowRunner{})

	// Referencing an undefined role leaves the tree semantically invalid,
	// so the edit is reported but not saved.
	result, err := s.handleTemplateEdit(context.Background(), buildRequest("template.edit", map[string]any{
		"template_id": "tpl-1",
		"operations": []any{
			map[string]any{
				"type": "add_step",
				"step": map[string]any{"type": "task", "name": "Orphan", "role": "Nobody"},
			},
		},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	payload := decodeResult(t, result)
	assert.Equal(t, false, payload["saved"])
	assert.NotEmpty(t, payload["validation_errors"])
	assert.Equal(t, 1, ms.templates["tpl-1"].Version)
}

func TestTemplateEditToolDryRun(t *testing.T) {
	ms := newMockTemplateStore()
	seedEditableTemplate(ms)
	s := newTestServer(t, ms, &mockFlowRunner{})

	result, err := s.handleTemplateEdit(context.Background(), buildRequest("template.edit", map[string]any{
		"template_id": "tpl-1",
		"dry_run":     "true",
		"operations": []any{
			map[string]any{
				"type": "add_step",
				"step": map[string]any{"type": "task", "name": "Review", "role": "Client"},
			},
		},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	payload := decodeResult(t, result)
	assert.Equal(t, false, payload["saved"])
	assert.Len(t, ms.templates["tpl-1"].Definition.Steps, 1)
}

func TestTemplateEditToolRequiresOperations(t *testing.T) {
	ms := newMockTemplateStore()
	seedEditableTemplate(ms)
	s := newTestServer(t, ms, &mockFlowRunner{})

	result, err := s.handleTemplateEdit(context.Background(), buildRequest("template.edit", map[string]any{
		"template_id": "tpl-1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestFlowStartTool(t *testing.T) {
	ms := newMockTemplateStore()
	seedEditableTemplate(ms)
	runner := &mockFlowRunner{}
	s := newTestServer(t, ms, runner)

	result, err := s.handleFlowStart(context.Background(), buildRequest("flow.start", map[string]any{
		"template_id":     "tpl-1",
		"org_id":          "org-1",
		"starter_user_id": "user-1",
		"name":            "Acme onboarding",
		"kickoff_data":    map[string]any{"tier": "vip"},
		"assignments":     map[string]any{"Client": "contact-9"},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, runner.started, 1)
	req := runner.started[0]
	assert.Equal(t, "tpl-1", req.TemplateID)
	assert.Equal(t, "org-1", req.OrgID)
	assert.Equal(t, "user-1", req.StarterUserID)
	assert.Equal(t, "vip", req.KickoffData["tier"])
	assert.Equal(t, "contact-9", req.ManualAssignments["Client"])

	payload := decodeResult(t, result)
	assert.Equal(t, "flow-1", payload["flow_id"])
}

func TestFlowStartToolInvalidDueAt(t *testing.T) {
	runner := &mockFlowRunner{}
	s := newTestServer(t, newMockTemplateStore(), runner)

	result, err := s.handleFlowStart(context.Background(), buildRequest("flow.start", map[string]any{
		"template_id":     "tpl-1",
		"org_id":          "org-1",
		"starter_user_id": "user-1",
		"due_at":          "next tuesday",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Empty(t, runner.started)
}

func TestFlowStartToolSurfacesRunnerError(t *testing.T) {
	runner := &mockFlowRunner{startErr: schema.NewError(schema.ErrCodeValidation, "kickoff data invalid")}
	s := newTestServer(t, newMockTemplateStore(), runner)

	result, err := s.handleFlowStart(context.Background(), buildRequest("flow.start", map[string]any{
		"template_id":     "tpl-1",
		"org_id":          "org-1",
		"starter_user_id": "user-1",
	}))
	require.NoError(t, err)
	require.True(t, result.IsError)

	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	assert.Contains(t, text.Text, schema.ErrCodeValidation)
}

func TestFlowStatusTool(t *testing.T) {
	runner := &mockFlowRunner{
		flow: &store.Flow{ID: "flow-7", Status: schema.FlowStatusActive},
		execs: []*store.StepExecution{
			{ID: "ex-1", FlowID: "flow-7", StepID: "a", Status: schema.StepStatusInProgress},
		},
	}
	s := newTestServer(t, newMockTemplateStore(), runner)

	result, err := s.handleFlowStatus(context.Background(), buildRequest("flow.status", map[string]any{
		"flow_id": "flow-7",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	payload := decodeResult(t, result)
	flow := payload["flow"].(map[string]any)
	assert.Equal(t, "flow-7", flow["id"])
	assert.Len(t, payload["steps"], 1)
}

func TestFlowCompleteStepTool(t *testing.T) {
	runner := &mockFlowRunner{}
	s := newTestServer(t, newMockTemplateStore(), runner)

	result, err := s.handleFlowCompleteStep(context.Background(), buildRequest("flow.complete_step", map[string]any{
		"flow_id": "flow-1",
		"step_id": "collect",
		"output":  map[string]any{"notes": "all good"},
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	require.Len(t, runner.completed, 1)
	assert.Equal(t, [2]string{"flow-1", "collect"}, runner.completed[0])
}

func TestFlowCompleteStepToolError(t *testing.T) {
	runner := &mockFlowRunner{
		completeErr: schema.NewError(schema.ErrCodeInvalidTransition, "step already completed"),
	}
	s := newTestServer(t, newMockTemplateStore(), runner)

	result, err := s.handleFlowCompleteStep(context.Background(), buildRequest("flow.complete_step", map[string]any{
		"flow_id": "flow-1",
		"step_id": "collect",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestFlowCancelTool(t *testing.T) {
	runner := &mockFlowRunner{}
	s := newTestServer(t, newMockTemplateStore(), runner)

	result, err := s.handleFlowCancel(context.Background(), buildRequest("flow.cancel", map[string]any{
		"flow_id": "flow-1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, []string{"flow-1"}, runner.cancelled)
}

func TestFlowCancelToolMissingArg(t *testing.T) {
	s := newTestServer(t, newMockTemplateStore(), &mockFlowRunner{})

	result, err := s.handleFlowCancel(context.Background(), buildRequest("flow.cancel", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}
