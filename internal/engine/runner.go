package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mukund-aria/ai-flow-saas-sub008/internal/assignees"
	"github.com/mukund-aria/ai-flow-saas-sub008/internal/conditions"
	"github.com/mukund-aria/ai-flow-saas-sub008/internal/lifecycle"
	"github.com/mukund-aria/ai-flow-saas-sub008/internal/logging"
	"github.com/mukund-aria/ai-flow-saas-sub008/internal/notify"
	"github.com/mukund-aria/ai-flow-saas-sub008/internal/store"
	"github.com/mukund-aria/ai-flow-saas-sub008/internal/tokens"
	"github.com/mukund-aria/ai-flow-saas-sub008/internal/validation"
	"github.com/mukund-aria/ai-flow-saas-sub008/pkg/schema"
)

// TimerKindWait marks a wait step's expiry timer, as opposed to the
// notification timers planned by the lifecycle package.
const TimerKindWait = "wait"

// Store is the subset of the persistence contract the runner uses. The full
// implementation lives in internal/store; tests substitute a fake.
type Store interface {
	GetTemplate(ctx context.Context, id string) (*store.Template, error)

	CreateFlow(ctx context.Context, flow *store.Flow) error
	GetFlow(ctx context.Context, id string) (*store.Flow, error)
	UpdateFlow(ctx context.Context, id string, update store.FlowUpdate) error

	CreateStepExecution(ctx context.Context, ex *store.StepExecution) error
	GetStepExecution(ctx context.Context, id string) (*store.StepExecution, error)
	GetStepExecutionByStep(ctx context.Context, flowID, stepID string) (*store.StepExecution, error)
	UpdateStepExecution(ctx context.Context, id string, update store.StepExecutionUpdate) error
	ListStepExecutions(ctx context.Context, flowID string) ([]*store.StepExecution, error)

	GetNotificationSettings(ctx context.Context, orgID string) (*store.NotificationSettings, error)

	CreateTimerEvent(ctx context.Context, ev *store.TimerEvent) error
	MarkTimerEventFired(ctx context.Context, id string) error
	CancelTimerEventsForExecution(ctx context.Context, stepExecutionID string) error
	CancelTimerEventsForFlow(ctx context.Context, flowID string) error

	AppendFlowEvent(ctx context.Context, ev *store.FlowEvent) error
	ListFlowEvents(ctx context.Context, flowID string, since int64) ([]*store.FlowEvent, error)
}

// Config assembles a Runner's collaborators.
type Config struct {
	Store     Store
	Resolver  *assignees.Resolver
	Validator *validation.WorkflowValidator
	Notifier  notify.Notifier
	Workspace Workspace
	Logger    *slog.Logger
	Now       func() time.Time
}

// Runner drives flow execution: starting flows, advancing through the step
// tree on completions, routing branches, and reacting to timer expiries.
// All state lives in the store; the Runner itself is stateless and safe for
// concurrent use.
type Runner struct {
	store      Store
	resolver   *assignees.Resolver
	evaluator  *conditions.Evaluator
	validator  *validation.WorkflowValidator
	automation *Automation
	notifier   notify.Notifier
	workspace  Workspace
	logger     *slog.Logger
	now        func() time.Time
}

// NewRunner creates a Runner from the given configuration. Logger, Notifier,
// and Now fall back to sensible defaults when unset.
func NewRunner(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.NewLogNotifier(logger)
	}
	now := cfg.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Runner{
		store:      cfg.Store,
		resolver:   cfg.Resolver,
		evaluator:  conditions.New(logger),
		validator:  cfg.Validator,
		automation: NewAutomation(),
		notifier:   notifier,
		workspace:  cfg.Workspace,
		logger:     logger,
		now:        now,
	}
}

// StartRequest carries everything needed to start a flow from a template.
type StartRequest struct {
	OrgID             string
	TemplateID        string
	Name              string
	StarterUserID     string
	KickoffData       map[string]any
	Variables         map[string]any
	ManualAssignments map[string]string // role name -> contact ID
	DueAt             *time.Time
}

// StartFlow validates the kickoff payload, resolves role assignments,
// creates the flow, seeds main path step executions, and activates the
// first step.
func (r *Runner) StartFlow(ctx context.Context, req StartRequest) (*store.Flow, error) {
	tpl, err := r.store.GetTemplate(ctx, req.TemplateID)
	if err != nil {
		return nil, err
	}
	if tpl.OrgID != req.OrgID {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "template %q not found", req.TemplateID)
	}

	if r.validator != nil {
		if err := r.validator.ValidateKickoff(req.KickoffData, tpl.KickoffSchema); err != nil {
			return nil, err
		}
	}

	roleAssignments := map[string]schema.ResolvedAssignee{}
	if r.resolver != nil {
		roleAssignments = r.resolver.ResolveAssignees(ctx, tpl.Definition.Roles, &assignees.ResolutionContext{
			OrgID:             req.OrgID,
			StarterUserID:     req.StarterUserID,
			ManualAssignments: req.ManualAssignments,
			KickoffFields:     req.KickoffData,
			Variables:         req.Variables,
			TemplateID:        req.TemplateID,
		})
	}

	now := r.now()
	flow := &store.Flow{
		ID:              uuid.NewString(),
		OrgID:           req.OrgID,
		TemplateID:      req.TemplateID,
		Name:            req.Name,
		Status:          schema.FlowStatusPending,
		StarterUserID:   req.StarterUserID,
		KickoffData:     req.KickoffData,
		Variables:       req.Variables,
		RoleAssignments: roleAssignments,
		DueAt:           req.DueAt,
		CreatedAt:       now,
	}
	if err := r.store.CreateFlow(ctx, flow); err != nil {
		return nil, err
	}

	ctx = logging.WithIDs(ctx, flow.OrgID, flow.ID, "")
	if err := TransitionFlow(ctx, r.store, flow.ID, schema.FlowStatusPending, schema.FlowStatusActive); err != nil {
		return nil, err
	}
	active := schema.FlowStatusActive
	if err := r.store.UpdateFlow(ctx, flow.ID, store.FlowUpdate{Status: &active, StartedAt: &now}); err != nil {
		return nil, err
	}
	flow.Status = active
	flow.StartedAt = &now

	// Seed the main path up front; nested steps are seeded when their
	// branch path or decision outcome is entered.
	for i := range tpl.Definition.Steps {
		if _, err := r.ensureExecution(ctx, flow.ID, tpl.Definition.Steps[i].ID); err != nil {
			return nil, err
		}
	}

	if len(tpl.Definition.Steps) == 0 {
		if err := r.completeFlow(ctx, tpl, flow); err != nil {
			return nil, err
		}
		return r.store.GetFlow(ctx, flow.ID)
	}

	if err := r.activateStep(ctx, tpl, flow, &tpl.Definition.Steps[0]); err != nil {
		return nil, err
	}

	return r.store.GetFlow(ctx, flow.ID)
}

// CompleteStep records a human completion of a task, decision, or waiting
// step, then advances the flow. Decision steps require outcomeID.
func (r *Runner) CompleteStep(ctx context.Context, flowID, stepID string, output map[string]any, outcomeID string) error {
	flow, err := r.store.GetFlow(ctx, flowID)
	if err != nil {
		return err
	}
	if flow.Status != schema.FlowStatusActive {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"flow is %s, steps can only be completed on active flows", flow.Status)
	}

	tpl, err := r.store.GetTemplate(ctx, flow.TemplateID)
	if err != nil {
		return err
	}
	step, ok := tpl.Definition.FindStep(stepID)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found", stepID)
	}
	if step.Type != schema.StepTypeTask && step.Type != schema.StepTypeDecision {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"%s steps are not completed by participants", step.Type).WithStep(stepID)
	}

	exec, err := r.store.GetStepExecutionByStep(ctx, flowID, stepID)
	if err != nil {
		return err
	}

	ctx = logging.WithIDs(ctx, flow.OrgID, flowID, stepID)

	var outcome *schema.DecisionOutcome
	if step.Type == schema.StepTypeDecision {
		if outcomeID == "" {
			return schema.NewError(schema.ErrCodeValidation, "decision step requires an outcome").WithStep(stepID)
		}
		for i := range step.Outcomes {
			if step.Outcomes[i].ID == outcomeID {
				outcome = &step.Outcomes[i]
				break
			}
		}
		if outcome == nil {
			return schema.NewErrorf(schema.ErrCodeNotFound, "outcome %q not found", outcomeID).WithStep(stepID)
		}
	}

	if err := r.finishExecution(ctx, flow, step, exec, output); err != nil {
		return err
	}

	if outcome != nil {
		payload, _ := json.Marshal(map[string]string{"outcome_id": outcome.ID, "label": outcome.Label})
		if err := r.store.AppendFlowEvent(ctx, &store.FlowEvent{
			FlowID: flowID, StepID: stepID, Type: schema.EventOutcomeSelected, Payload: payload,
		}); err != nil {
			return err
		}
		if len(outcome.Steps) > 0 {
			for i := range outcome.Steps {
				if _, err := r.ensureExecution(ctx, flowID, outcome.Steps[i].ID); err != nil {
					return err
				}
			}
			return r.activateStep(ctx, tpl, flow, &outcome.Steps[0])
		}
	}

	return r.advance(ctx, tpl, flow, stepID)
}

// CancelFlow cancels a pending or active flow, cancelling every live step
// execution and pending timer, and notifying active assignees.
func (r *Runner) CancelFlow(ctx context.Context, flowID string) error {
	flow, err := r.store.GetFlow(ctx, flowID)
	if err != nil {
		return err
	}

	ctx = logging.WithIDs(ctx, flow.OrgID, flowID, "")
	if err := TransitionFlow(ctx, r.store, flowID, flow.Status, schema.FlowStatusCancelled); err != nil {
		return err
	}

	now := r.now()
	cancelled := schema.FlowStatusCancelled
	if err := r.store.UpdateFlow(ctx, flowID, store.FlowUpdate{Status: &cancelled, CompletedAt: &now}); err != nil {
		return err
	}

	execs, err := r.store.ListStepExecutions(ctx, flowID)
	if err != nil {
		return err
	}

	refs := make([]lifecycle.ExecutionRef, 0, len(execs))
	for _, ex := range execs {
		refs = append(refs, lifecycle.ExecutionRef{
			StepExecutionID: ex.ID,
			StepID:          ex.StepID,
			Status:          ex.Status,
			ContactID:       ex.ContactID,
			UserID:          ex.UserID,
		})
		if ex.Status.Terminal() {
			continue
		}
		if err := TransitionStep(ctx, r.store, flowID, ex.StepID, ex.Status, schema.StepStatusCancelled); err != nil {
			return err
		}
		st := schema.StepStatusCancelled
		if err := r.store.UpdateStepExecution(ctx, ex.ID, store.StepExecutionUpdate{Status: &st, CompletedAt: &now}); err != nil {
			return err
		}
	}

	if err := r.store.CancelTimerEventsForFlow(ctx, flowID); err != nil {
		return err
	}

	plan := lifecycle.PlanFlowCancellation(flowID, refs)
	r.deliver(ctx, plan.Notifications)
	return nil
}

// FlowStatus returns a flow and its step executions.
func (r *Runner) FlowStatus(ctx context.Context, flowID string) (*store.Flow, []*store.StepExecution, error) {
	flow, err := r.store.GetFlow(ctx, flowID)
	if err != nil {
		return nil, nil, err
	}
	execs, err := r.store.ListStepExecutions(ctx, flowID)
	if err != nil {
		return nil, nil, err
	}
	return flow, execs, nil
}

// HandleTimerFired processes one due timer event: wait expiries complete
// their step and advance the flow, notification timers deliver their
// notification. Events on non-active flows are consumed without effect.
func (r *Runner) HandleTimerFired(ctx context.Context, ev *store.TimerEvent) error {
	if err := r.store.MarkTimerEventFired(ctx, ev.ID); err != nil {
		// Another dispatcher already consumed it.
		r.logger.DebugContext(ctx, "timer event already consumed", "timer_id", ev.ID)
		return nil
	}

	flow, err := r.store.GetFlow(ctx, ev.FlowID)
	if err != nil {
		return err
	}
	if flow.Status != schema.FlowStatusActive {
		return nil
	}

	ctx = logging.WithIDs(ctx, flow.OrgID, flow.ID, "")

	if ev.Kind == TimerKindWait {
		return r.completeWait(ctx, flow, ev)
	}

	exec, err := r.store.GetStepExecution(ctx, ev.StepExecutionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}

	var kind schema.NotificationKind
	switch lifecycle.TimerKind(ev.Kind) {
	case lifecycle.TimerReminder:
		kind = schema.NotifyReminder
	case lifecycle.TimerOverdue:
		kind = schema.NotifyOverdue
	case lifecycle.TimerEscalation:
		kind = schema.NotifyEscalation
	default:
		r.logger.WarnContext(ctx, "unknown timer kind", "kind", ev.Kind)
		return nil
	}

	r.deliver(ctx, []schema.Notification{{
		Kind:      kind,
		FlowID:    flow.ID,
		StepID:    exec.StepID,
		ContactID: exec.ContactID,
		UserID:    exec.UserID,
	}})
	return nil
}

// --- Step activation ---

// activateStep brings a seeded step execution to life. Control steps
// (branch, goto, terminate, automation) execute immediately; task, decision,
// and wait steps stay live until completed by a participant or timer.
func (r *Runner) activateStep(ctx context.Context, tpl *store.Template, flow *store.Flow, step *schema.Step) error {
	exec, err := r.ensureExecution(ctx, flow.ID, step.ID)
	if err != nil {
		return err
	}
	if exec.Status != schema.StepStatusPending {
		// Already live or finished; nothing to do.
		return nil
	}

	ctx = logging.WithStepID(ctx, step.ID)

	switch step.Type {
	case schema.StepTypeTask:
		return r.activateTask(ctx, flow, step, exec)
	case schema.StepTypeBranch:
		return r.activateBranch(ctx, tpl, flow, step, exec)
	case schema.StepTypeDecision:
		return r.activateDecision(ctx, flow, step, exec)
	case schema.StepTypeGoto:
		return r.executeGoto(ctx, tpl, flow, step, exec)
	case schema.StepTypeTerminate:
		return r.executeTerminate(ctx, tpl, flow, step, exec)
	case schema.StepTypeWait:
		return r.activateWait(ctx, flow, step, exec)
	case schema.StepTypeAutomation:
		return r.executeAutomation(ctx, tpl, flow, step, exec)
	default:
		return schema.NewErrorf(schema.ErrCodeExecution, "unknown step type %q", step.Type).WithStep(step.ID)
	}
}

func (r *Runner) activateTask(ctx context.Context, flow *store.Flow, step *schema.Step, exec *store.StepExecution) error {
	assignee := flow.RoleAssignments[step.Role]
	target := schema.StepStatusWaitingForAssignee
	if assignee.Resolved() {
		target = schema.StepStatusInProgress
	}

	if err := TransitionStep(ctx, r.store, flow.ID, step.ID, exec.Status, target); err != nil {
		return err
	}

	now := r.now()
	update := store.StepExecutionUpdate{
		Status:    &target,
		StartedAt: &now,
	}
	if assignee.ContactID != "" {
		update.ContactID = &assignee.ContactID
	}
	if assignee.UserID != "" {
		update.UserID = &assignee.UserID
	}

	// The deadline clock starts when someone can actually work the step.
	// A step parked on an unresolved role gets no due date and no
	// reminder or overdue timers.
	var plan lifecycle.ActivationPlan
	if target == schema.StepStatusInProgress {
		settings, err := r.notificationSettings(ctx, flow.OrgID)
		if err != nil {
			return err
		}
		plan = lifecycle.PlanActivation(exec.ID, step.DueDate, now, flow.DueAt, settings, now)
		update.DueAt = plan.DueAt
	}
	if err := r.store.UpdateStepExecution(ctx, exec.ID, update); err != nil {
		return err
	}

	for _, t := range plan.Schedule {
		if err := r.store.CreateTimerEvent(ctx, &store.TimerEvent{
			ID:              uuid.NewString(),
			FlowID:          flow.ID,
			StepExecutionID: t.StepExecutionID,
			Kind:            string(t.Kind),
			FireAt:          t.FireAt,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) activateBranch(ctx context.Context, tpl *store.Template, flow *store.Flow, step *schema.Step, exec *store.StepExecution) error {
	if err := TransitionStep(ctx, r.store, flow.ID, step.ID, exec.Status, schema.StepStatusInProgress); err != nil {
		return err
	}
	now := r.now()
	inProgress := schema.StepStatusInProgress
	if err := r.store.UpdateStepExecution(ctx, exec.ID, store.StepExecutionUpdate{Status: &inProgress, StartedAt: &now}); err != nil {
		return err
	}

	tc, err := r.tokenContext(ctx, tpl, flow)
	if err != nil {
		return err
	}

	path := r.evaluator.SelectPath(step.Paths, tc)
	if path == nil {
		// No path matched and no default path exists: the branch stays
		// live so a coordinator can repair the template or cancel the flow.
		logging.LogWith(ctx, r.logger).WarnContext(ctx, "no branch path selected")
		return r.store.AppendFlowEvent(ctx, &store.FlowEvent{
			FlowID: flow.ID, StepID: step.ID, Type: schema.EventNoPathSelected,
		})
	}

	payload, _ := json.Marshal(map[string]string{"path_id": path.ID, "label": path.Label})
	if err := r.store.AppendFlowEvent(ctx, &store.FlowEvent{
		FlowID: flow.ID, StepID: step.ID, Type: schema.EventPathSelected, Payload: payload,
	}); err != nil {
		return err
	}

	if err := r.finishExecution(ctx, flow, step, refreshStatus(exec, inProgress), nil); err != nil {
		return err
	}

	if len(path.Steps) > 0 {
		for i := range path.Steps {
			if _, err := r.ensureExecution(ctx, flow.ID, path.Steps[i].ID); err != nil {
				return err
			}
		}
		return r.activateStep(ctx, tpl, flow, &path.Steps[0])
	}
	return r.advance(ctx, tpl, flow, step.ID)
}

func (r *Runner) activateDecision(ctx context.Context, flow *store.Flow, step *schema.Step, exec *store.StepExecution) error {
	assignee := flow.RoleAssignments[step.Role]
	target := schema.StepStatusInProgress
	if step.Role != "" && !assignee.Resolved() {
		target = schema.StepStatusWaitingForAssignee
	}
	if err := TransitionStep(ctx, r.store, flow.ID, step.ID, exec.Status, target); err != nil {
		return err
	}
	now := r.now()
	update := store.StepExecutionUpdate{Status: &target, StartedAt: &now}
	if assignee.ContactID != "" {
		update.ContactID = &assignee.ContactID
	}
	if assignee.UserID != "" {
		update.UserID = &assignee.UserID
	}
	return r.store.UpdateStepExecution(ctx, exec.ID, update)
}

func (r *Runner) executeGoto(ctx context.Context, tpl *store.Template, flow *store.Flow, step *schema.Step, exec *store.StepExecution) error {
	var cfg schema.GotoConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil || cfg.TargetStepID == "" {
		return schema.NewError(schema.ErrCodeExecution, "goto step has no target").WithStep(step.ID)
	}
	target, ok := tpl.Definition.FindStep(cfg.TargetStepID)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "goto target %q not found", cfg.TargetStepID).WithStep(step.ID)
	}

	if err := r.runThrough(ctx, flow, step, exec); err != nil {
		return err
	}

	payload, _ := json.Marshal(map[string]string{"target_step_id": cfg.TargetStepID})
	if err := r.store.AppendFlowEvent(ctx, &store.FlowEvent{
		FlowID: flow.ID, StepID: step.ID, Type: schema.EventControlTransfer, Payload: payload,
	}); err != nil {
		return err
	}

	targetExec, err := r.ensureExecution(ctx, flow.ID, target.ID)
	if err != nil {
		return err
	}
	switch targetExec.Status {
	case schema.StepStatusPending:
		// Not yet reached; activate directly.
	case schema.StepStatusCompleted:
		// Re-arm a finished step so the transferred control runs it again.
		if err := TransitionStep(ctx, r.store, flow.ID, target.ID, targetExec.Status, schema.StepStatusPending); err != nil {
			return err
		}
		pending := schema.StepStatusPending
		if err := r.store.UpdateStepExecution(ctx, targetExec.ID, store.StepExecutionUpdate{Status: &pending}); err != nil {
			return err
		}
	default:
		// Already live; control lands on it without restarting.
		return nil
	}
	return r.activateStep(ctx, tpl, flow, target)
}

func (r *Runner) executeTerminate(ctx context.Context, tpl *store.Template, flow *store.Flow, step *schema.Step, exec *store.StepExecution) error {
	var cfg schema.TerminateConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return schema.NewError(schema.ErrCodeExecution, "terminate step has no status").WithStep(step.ID)
	}

	if err := r.runThrough(ctx, flow, step, exec); err != nil {
		return err
	}

	switch cfg.Status {
	case schema.FlowStatusCancelled:
		return r.CancelFlow(ctx, flow.ID)
	case schema.FlowStatusCompleted:
		return r.completeFlow(ctx, tpl, flow)
	default:
		return schema.NewErrorf(schema.ErrCodeExecution, "terminate status %q is not terminal", cfg.Status).WithStep(step.ID)
	}
}

func (r *Runner) activateWait(ctx context.Context, flow *store.Flow, step *schema.Step, exec *store.StepExecution) error {
	var cfg schema.WaitConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return schema.NewError(schema.ErrCodeExecution, "wait step has no duration").WithStep(step.ID)
	}
	d, err := time.ParseDuration(cfg.Duration)
	if err != nil || d <= 0 {
		return schema.NewErrorf(schema.ErrCodeExecution, "invalid wait duration %q", cfg.Duration).WithStep(step.ID)
	}

	if err := TransitionStep(ctx, r.store, flow.ID, step.ID, exec.Status, schema.StepStatusInProgress); err != nil {
		return err
	}
	now := r.now()
	inProgress := schema.StepStatusInProgress
	if err := r.store.UpdateStepExecution(ctx, exec.ID, store.StepExecutionUpdate{Status: &inProgress, StartedAt: &now}); err != nil {
		return err
	}

	return r.store.CreateTimerEvent(ctx, &store.TimerEvent{
		ID:              uuid.NewString(),
		FlowID:          flow.ID,
		StepExecutionID: exec.ID,
		Kind:            TimerKindWait,
		FireAt:          now.Add(d),
	})
}

func (r *Runner) executeAutomation(ctx context.Context, tpl *store.Template, flow *store.Flow, step *schema.Step, exec *store.StepExecution) error {
	var cfg schema.AutomationConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil || cfg.Expression == "" {
		return schema.NewError(schema.ErrCodeExecution, "automation step has no expression").WithStep(step.ID)
	}

	if err := TransitionStep(ctx, r.store, flow.ID, step.ID, exec.Status, schema.StepStatusInProgress); err != nil {
		return err
	}
	now := r.now()
	inProgress := schema.StepStatusInProgress
	if err := r.store.UpdateStepExecution(ctx, exec.ID, store.StepExecutionUpdate{Status: &inProgress, StartedAt: &now}); err != nil {
		return err
	}

	tc, err := r.tokenContext(ctx, tpl, flow)
	if err != nil {
		return err
	}
	result, err := r.automation.Evaluate(cfg.Expression, automationEnv(tc, flow))
	if err != nil {
		return err
	}

	key := cfg.OutputKey
	if key == "" {
		key = "result"
	}
	if err := r.finishExecution(ctx, flow, step, refreshStatus(exec, inProgress), map[string]any{key: result}); err != nil {
		return err
	}
	return r.advance(ctx, tpl, flow, step.ID)
}

// completeWait finishes a wait step whose timer fired and advances the flow.
func (r *Runner) completeWait(ctx context.Context, flow *store.Flow, ev *store.TimerEvent) error {
	exec, err := r.store.GetStepExecution(ctx, ev.StepExecutionID)
	if err != nil {
		return err
	}
	if exec.Status != schema.StepStatusInProgress {
		return nil
	}

	tpl, err := r.store.GetTemplate(ctx, flow.TemplateID)
	if err != nil {
		return err
	}
	step, ok := tpl.Definition.FindStep(exec.StepID)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found", exec.StepID)
	}

	ctx = logging.WithStepID(ctx, step.ID)
	if err := r.finishExecution(ctx, flow, step, exec, nil); err != nil {
		return err
	}
	return r.advance(ctx, tpl, flow, step.ID)
}

// --- Advancement ---

// advance moves control to the step after fromStepID: the next sibling in
// its container, or (when the container is exhausted) the step after the
// owning branch or decision, or flow completion at the end of the main path.
func (r *Runner) advance(ctx context.Context, tpl *store.Template, flow *store.Flow, fromStepID string) error {
	steps, idx, parentID := locateContainer(&tpl.Definition, fromStepID)
	if idx == -1 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "step %q not found", fromStepID)
	}

	if idx+1 < len(steps) {
		next := &steps[idx+1]
		if _, err := r.ensureExecution(ctx, flow.ID, next.ID); err != nil {
			return err
		}
		return r.activateStep(ctx, tpl, flow, next)
	}

	if parentID != "" {
		return r.advance(ctx, tpl, flow, parentID)
	}
	return r.completeFlow(ctx, tpl, flow)
}

// locateContainer finds the step list holding stepID, its index there, and
// the ID of the branch or decision step owning that list ("" for the main
// path).
func locateContainer(wf *schema.Workflow, stepID string) ([]schema.Step, int, string) {
	return findInSteps(wf.Steps, stepID, "")
}

func findInSteps(steps []schema.Step, stepID, parentID string) ([]schema.Step, int, string) {
	for i := range steps {
		if steps[i].ID == stepID {
			return steps, i, parentID
		}
		for p := range steps[i].Paths {
			if s, idx, pid := findInSteps(steps[i].Paths[p].Steps, stepID, steps[i].ID); idx != -1 {
				return s, idx, pid
			}
		}
		for o := range steps[i].Outcomes {
			if s, idx, pid := findInSteps(steps[i].Outcomes[o].Steps, stepID, steps[i].ID); idx != -1 {
				return s, idx, pid
			}
		}
	}
	return nil, -1, ""
}

// --- Flow completion ---

func (r *Runner) completeFlow(ctx context.Context, tpl *store.Template, flow *store.Flow) error {
	if err := TransitionFlow(ctx, r.store, flow.ID, schema.FlowStatusActive, schema.FlowStatusCompleted); err != nil {
		return err
	}

	now := r.now()
	completed := schema.FlowStatusCompleted
	if err := r.store.UpdateFlow(ctx, flow.ID, store.FlowUpdate{Status: &completed, CompletedAt: &now}); err != nil {
		return err
	}

	// Steps never reached (unselected paths, steps after a terminate) are
	// skipped, not cancelled.
	execs, err := r.store.ListStepExecutions(ctx, flow.ID)
	if err != nil {
		return err
	}
	for _, ex := range execs {
		if ex.Status.Terminal() {
			continue
		}
		if err := TransitionStep(ctx, r.store, flow.ID, ex.StepID, ex.Status, schema.StepStatusSkipped); err != nil {
			return err
		}
		skipped := schema.StepStatusSkipped
		if err := r.store.UpdateStepExecution(ctx, ex.ID, store.StepExecutionUpdate{Status: &skipped, CompletedAt: &now}); err != nil {
			return err
		}
	}

	if err := r.store.CancelTimerEventsForFlow(ctx, flow.ID); err != nil {
		return err
	}

	plan := lifecycle.PlanFlowCompletion(flow.ID)
	r.deliver(ctx, plan.Notifications)
	return nil
}

// --- Helpers ---

// finishExecution transitions an execution to completed, persists the
// output, cancels its timers, and delivers completion notifications.
func (r *Runner) finishExecution(ctx context.Context, flow *store.Flow, step *schema.Step, exec *store.StepExecution, output map[string]any) error {
	if err := TransitionStep(ctx, r.store, flow.ID, step.ID, exec.Status, schema.StepStatusCompleted); err != nil {
		return err
	}

	now := r.now()
	completed := schema.StepStatusCompleted
	update := store.StepExecutionUpdate{Status: &completed, CompletedAt: &now}
	if output != nil {
		raw, err := json.Marshal(output)
		if err != nil {
			return schema.NewError(schema.ErrCodeExecution, "marshal step output").WithStep(step.ID).WithCause(err)
		}
		update.Output = raw
	}
	if err := r.store.UpdateStepExecution(ctx, exec.ID, update); err != nil {
		return err
	}

	if err := r.store.CancelTimerEventsForExecution(ctx, exec.ID); err != nil {
		return err
	}

	plan := lifecycle.PlanStepCompletion(flow.ID, step.ID, exec.ID)
	r.deliver(ctx, plan.Notifications)
	return nil
}

// runThrough drives a control step from pending through completed. Control
// steps have no human in the loop, so both transitions happen in one call.
func (r *Runner) runThrough(ctx context.Context, flow *store.Flow, step *schema.Step, exec *store.StepExecution) error {
	if err := TransitionStep(ctx, r.store, flow.ID, step.ID, exec.Status, schema.StepStatusInProgress); err != nil {
		return err
	}
	now := r.now()
	inProgress := schema.StepStatusInProgress
	if err := r.store.UpdateStepExecution(ctx, exec.ID, store.StepExecutionUpdate{Status: &inProgress, StartedAt: &now}); err != nil {
		return err
	}
	return r.finishExecution(ctx, flow, step, refreshStatus(exec, inProgress), nil)
}

// ensureExecution returns the execution for (flowID, stepID), creating a
// pending one if this step has not been reached before.
func (r *Runner) ensureExecution(ctx context.Context, flowID, stepID string) (*store.StepExecution, error) {
	exec, err := r.store.GetStepExecutionByStep(ctx, flowID, stepID)
	if err == nil {
		return exec, nil
	}
	if flowErr, ok := err.(*schema.FlowError); !ok || flowErr.Code != schema.ErrCodeNotFound {
		return nil, err
	}

	exec = &store.StepExecution{
		ID:     uuid.NewString(),
		FlowID: flowID,
		StepID: stepID,
		Status: schema.StepStatusPending,
	}
	if err := r.store.CreateStepExecution(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

func (r *Runner) tokenContext(ctx context.Context, tpl *store.Template, flow *store.Flow) (*tokens.Context, error) {
	execs, err := r.store.ListStepExecutions(ctx, flow.ID)
	if err != nil {
		return nil, err
	}
	return buildTokenContext(&tpl.Definition, flow, execs, r.workspace), nil
}

func (r *Runner) notificationSettings(ctx context.Context, orgID string) (lifecycle.NotificationSettings, error) {
	ns, err := r.store.GetNotificationSettings(ctx, orgID)
	if err != nil {
		return lifecycle.NotificationSettings{}, err
	}
	return lifecycle.NotificationSettings{
		RemindersEnabled:   ns.RemindersEnabled,
		ReminderLead:       time.Duration(ns.ReminderLeadMinutes) * time.Minute,
		OverdueEnabled:     ns.OverdueEnabled,
		EscalationsEnabled: ns.EscalationsEnabled,
		EscalationDelay:    time.Duration(ns.EscalationDelayMinutes) * time.Minute,
	}, nil
}

func (r *Runner) deliver(ctx context.Context, notifications []schema.Notification) {
	for _, n := range notifications {
		if err := r.notifier.Notify(ctx, n); err != nil {
			logging.LogWith(ctx, r.logger).WarnContext(ctx, "notification delivery failed",
				"kind", string(n.Kind), "error", err.Error())
		}
	}
}

// refreshStatus returns a copy of exec with the given status, for chaining
// transitions without a store round trip.
func refreshStatus(exec *store.StepExecution, status schema.StepExecutionStatus) *store.StepExecution {
	out := *exec
	out.Status = status
	return &out
}
