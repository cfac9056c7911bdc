package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mukund-aria/ai-flow-saas-sub008/internal/engine"
	"github.com/mukund-aria/ai-flow-saas-sub008/internal/patch"
	"github.com/mukund-aria/ai-flow-saas-sub008/internal/store"
	"github.com/mukund-aria/ai-flow-saas-sub008/internal/validation"
)

// FlowRunner is the interface the tool surface drives flows through.
// Satisfied by the engine runner.
type FlowRunner interface {
	StartFlow(ctx context.Context, req engine.StartRequest) (*store.Flow, error)
	CompleteStep(ctx context.Context, flowID, stepID string, output map[string]any, outcomeID string) error
	CancelFlow(ctx context.Context, flowID string) error
	FlowStatus(ctx context.Context, flowID string) (*store.Flow, []*store.StepExecution, error)
}

// TemplateStore is the subset of the persistence contract the tool surface
// needs for template reads and edits.
type TemplateStore interface {
	GetTemplate(ctx context.Context, id string) (*store.Template, error)
	UpdateTemplate(ctx context.Context, id string, update store.TemplateUpdate) error
	ListTemplates(ctx context.Context, filter store.TemplateFilter) ([]*store.Template, error)
}

// FlowServerDeps holds the dependencies for creating a FlowServer.
type FlowServerDeps struct {
	Runner    FlowRunner
	Store     TemplateStore
	Patch     *patch.Engine
	Validator *validation.WorkflowValidator
	Logger    *slog.Logger
}

// FlowServer wraps an MCP server with the template-editing and flow-runtime
// tool handlers the AI editor collaborates through.
type FlowServer struct {
	runner    FlowRunner
	store     TemplateStore
	patch     *patch.Engine
	validator *validation.WorkflowValidator
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewFlowServer creates a FlowServer with all 6 tools registered.
func NewFlowServer(deps FlowServerDeps) *FlowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &FlowServer{
		runner:    deps.Runner,
		store:     deps.Store,
		patch:     deps.Patch,
		validator: deps.Validator,
		sessions:  NewSessionRegistry(),
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"flowd",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Flowd is a workflow orchestration engine for client-facing service flows. Use template.get to read a template, template.edit to apply edit operations to it, flow.start to launch a flow, flow.status to inspect progress, flow.complete_step to record a participant completion, and flow.cancel to abort a flow."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *FlowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *FlowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the session registry, for wiring push notifications.
func (s *FlowServer) Sessions() *SessionRegistry {
	return s.sessions
}

// tools returns the 6 registered MCP tools as ServerTool entries.
func (s *FlowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: templateGetTool(), Handler: s.handleTemplateGet},
		{Tool: templateEditTool(), Handler: s.handleTemplateEdit},
		{Tool: flowStartTool(), Handler: s.handleFlowStart},
		{Tool: flowStatusTool(), Handler: s.handleFlowStatus},
		{Tool: flowCompleteStepTool(), Handler: s.handleFlowCompleteStep},
		{Tool: flowCancelTool(), Handler: s.handleFlowCancel},
	}
}

// --- Tool definitions ---

func templateGetTool() mcp.Tool {
	return mcp.NewTool("template.get",
		mcp.WithDescription("Read a workflow template, including its step tree, roles, and milestones"),
		mcp.WithString("template_id", mcp.Required(), mcp.Description("ID of the template to read")),
	)
}

func templateEditTool() mcp.Tool {
	return mcp.NewTool("template.edit",
		mcp.WithDescription("Apply an ordered batch of edit operations to a template. Each operation is reported individually; failed operations are skipped without aborting the batch. The edited template must pass validation before it is saved"),
		mcp.WithString("template_id", mcp.Required(), mcp.Description("ID of the template to edit")),
		mcp.WithArray("operations", mcp.Required(), mcp.Description("Ordered list of edit operations (add_step, update_step, move_step, add_path, add_outcome, ...)")),
		mcp.WithString("dry_run", mcp.Description("If \"true\", apply and validate but do not save")),
	)
}

func flowStartTool() mcp.Tool {
	return mcp.NewTool("flow.start",
		mcp.WithDescription("Start a flow from a template"),
		mcp.WithString("template_id", mcp.Required(), mcp.Description("ID of the template to start from")),
		mcp.WithString("org_id", mcp.Required(), mcp.Description("Organization the flow belongs to")),
		mcp.WithString("starter_user_id", mcp.Required(), mcp.Description("ID of the user starting the flow")),
		mcp.WithString("name", mcp.Description("Display name for the flow (default: template name)")),
		mcp.WithObject("kickoff_data", mcp.Description("Kickoff form answers, validated against the template's kickoff schema")),
		mcp.WithObject("assignments", mcp.Description("Manual role assignments (role name to contact ID)")),
		mcp.WithString("due_at", mcp.Description("Flow-level due date, RFC 3339")),
	)
}

func flowStatusTool() mcp.Tool {
	return mcp.NewTool("flow.status",
		mcp.WithDescription("Get a flow's status and its step executions"),
		mcp.WithString("flow_id", mcp.Required(), mcp.Description("ID of the flow to query")),
	)
}

func flowCompleteStepTool() mcp.Tool {
	return mcp.NewTool("flow.complete_step",
		mcp.WithDescription("Record completion of a task or decision step and advance the flow"),
		mcp.WithString("flow_id", mcp.Required(), mcp.Description("ID of the flow")),
		mcp.WithString("step_id", mcp.Required(), mcp.Description("ID of the step being completed")),
		mcp.WithObject("output", mcp.Description("Step output fields")),
		mcp.WithString("outcome_id", mcp.Description("Selected outcome (required for decision steps)")),
	)
}

func flowCancelTool() mcp.Tool {
	return mcp.NewTool("flow.cancel",
		mcp.WithDescription("Cancel a pending or active flow"),
		mcp.WithString("flow_id", mcp.Required(), mcp.Description("ID of the flow to cancel")),
	)
}
