package patch

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/mukund-aria/ai-flow-saas-sub008/pkg/schema"
)

// Engine applies ordered batches of edit operations to a workflow IR. It is
// the sole mutation path for templates: both the human editor and the AI
// assistant express changes as operation lists.
//
// Operations apply in list order, each against the state produced by the
// previous one, so later operations can reference steps inserted by earlier
// ones. A failing operation is recorded in its result and skipped; it never
// aborts the batch and never corrupts the tree.
type Engine struct {
	limits schema.StructureLimits
}

// New creates an Engine with the given structure limits.
func New(limits schema.StructureLimits) *Engine {
	return &Engine{limits: limits}
}

// Apply clones the workflow, applies every operation in order, and returns
// the edited clone plus one result per operation. The input workflow is
// never mutated. The only hard error is a clone failure, which indicates a
// non-serializable IR and therefore corrupted input.
func (e *Engine) Apply(wf *schema.Workflow, ops []schema.Operation) (*schema.Workflow, []schema.OperationResult, error) {
	out, err := wf.Clone()
	if err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeInvariant, "workflow is not cloneable").WithCause(err)
	}

	results := make([]schema.OperationResult, len(ops))
	for i := range ops {
		res := schema.OperationResult{Index: i, Type: ops[i].Type, OK: true}
		if err := e.apply(out, &ops[i]); err != nil {
			res.OK = false
			res.Reason = err.Error()
		}
		results[i] = res
	}

	return out, results, nil
}

func (e *Engine) apply(wf *schema.Workflow, op *schema.Operation) error {
	switch op.Type {
	case schema.OpAddStep:
		return e.addStep(wf, &wf.Steps, op)
	case schema.OpRemoveStep:
		return removeStep(&wf.Steps, op.StepID)
	case schema.OpUpdateStep:
		return updateStep(wf.Steps, op)
	case schema.OpMoveStep:
		return moveStep(&wf.Steps, op.StepID, op.AfterStepID)

	case schema.OpAddStepToPath:
		path, err := locatePath(wf, op.BranchStepID, op.PathID)
		if err != nil {
			return err
		}
		return e.addStep(wf, &path.Steps, op)
	case schema.OpRemoveStepFromPath:
		path, err := locatePath(wf, op.BranchStepID, op.PathID)
		if err != nil {
			return err
		}
		return removeStep(&path.Steps, op.StepID)
	case schema.OpUpdateStepInPath:
		path, err := locatePath(wf, op.BranchStepID, op.PathID)
		if err != nil {
			return err
		}
		return updateStep(path.Steps, op)
	case schema.OpMoveStepInPath:
		path, err := locatePath(wf, op.BranchStepID, op.PathID)
		if err != nil {
			return err
		}
		return moveStep(&path.Steps, op.StepID, op.AfterStepID)

	case schema.OpAddStepToOutcome:
		outcome, err := locateOutcome(wf, op.DecisionStepID, op.OutcomeID)
		if err != nil {
			return err
		}
		return e.addStep(wf, &outcome.Steps, op)
	case schema.OpRemoveStepFromOutcome:
		outcome, err := locateOutcome(wf, op.DecisionStepID, op.OutcomeID)
		if err != nil {
			return err
		}
		return removeStep(&outcome.Steps, op.StepID)
	case schema.OpUpdateStepInOutcome:
		outcome, err := locateOutcome(wf, op.DecisionStepID, op.OutcomeID)
		if err != nil {
			return err
		}
		return updateStep(outcome.Steps, op)
	case schema.OpMoveStepInOutcome:
		outcome, err := locateOutcome(wf, op.DecisionStepID, op.OutcomeID)
		if err != nil {
			return err
		}
		return moveStep(&outcome.Steps, op.StepID, op.AfterStepID)

	case schema.OpAddPath:
		return e.addPath(wf, op)
	case schema.OpRemovePath:
		return e.removePath(wf, op)
	case schema.OpUpdatePathCondition:
		path, err := locatePath(wf, op.BranchStepID, op.PathID)
		if err != nil {
			return err
		}
		path.Condition = op.Condition
		return nil
	case schema.OpUpdatePathLabel:
		path, err := locatePath(wf, op.BranchStepID, op.PathID)
		if err != nil {
			return err
		}
		path.Label = op.Label
		return nil

	case schema.OpAddOutcome:
		return e.addOutcome(wf, op)
	case schema.OpRemoveOutcome:
		return e.removeOutcome(wf, op)
	case schema.OpUpdateOutcomeLabel:
		outcome, err := locateOutcome(wf, op.DecisionStepID, op.OutcomeID)
		if err != nil {
			return err
		}
		outcome.Label = op.Label
		return nil

	case schema.OpUpdateGotoTarget:
		return updateGotoTarget(wf, op)
	case schema.OpUpdateTerminateStatus:
		return updateTerminateStatus(wf, op)

	case schema.OpAddMilestone:
		return addMilestone(wf, op)
	case schema.OpRemoveMilestone:
		return removeMilestone(wf, op)
	case schema.OpUpdateMilestone:
		return updateMilestone(wf, op)
	case schema.OpRenameWorkflow:
		if op.Name == "" {
			return fmt.Errorf("workflow name cannot be empty")
		}
		wf.Name = op.Name
		return nil

	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
}

// --- Step list edits ---

// addStep inserts op.Step into the container, honoring BeforeStepID, then
// AfterStepID, then append. Missing IDs are generated; ID uniqueness is
// checked across the whole tree, nested payload steps included.
func (e *Engine) addStep(wf *schema.Workflow, container *[]schema.Step, op *schema.Operation) error {
	if op.Step == nil {
		return fmt.Errorf("missing step payload")
	}

	step := *op.Step
	assignStepIDs(&step)

	if err := e.checkStepShape(&step); err != nil {
		return err
	}

	if err := claimStepIDs(wf.StepIDs(), &step); err != nil {
		return err
	}

	pos, err := resolveInsertPos(*container, op.AfterStepID, op.BeforeStepID)
	if err != nil {
		return err
	}

	*container = append(*container, schema.Step{})
	copy((*container)[pos+1:], (*container)[pos:])
	(*container)[pos] = step
	return nil
}

// claimStepIDs walks a step payload and claims every ID it carries in the
// taken set. An ID already in the set, whether from the tree or from an
// earlier step of the same payload, fails the operation.
func claimStepIDs(taken map[string]struct{}, payload *schema.Step) error {
	var dup string
	walkPayload(payload, func(s *schema.Step) {
		if _, ok := taken[s.ID]; ok && dup == "" {
			dup = s.ID
		}
		taken[s.ID] = struct{}{}
	})
	if dup != "" {
		return fmt.Errorf("step id %q already exists", dup)
	}
	return nil
}

func removeStep(container *[]schema.Step, id string) error {
	idx := stepIndex(*container, id)
	if idx == -1 {
		return fmt.Errorf("target step %q not found", id)
	}
	*container = append((*container)[:idx], (*container)[idx+1:]...)
	return nil
}

// updateStep replaces a step's editable fields in place. The ID, type, and
// owned paths/outcomes are preserved; those change through their own
// operations.
func updateStep(container []schema.Step, op *schema.Operation) error {
	if op.Step == nil {
		return fmt.Errorf("missing step payload")
	}
	idx := stepIndex(container, op.StepID)
	if idx == -1 {
		return fmt.Errorf("target step %q not found", op.StepID)
	}

	s := &container[idx]
	s.Name = op.Step.Name
	s.Role = op.Step.Role
	s.Config = op.Step.Config
	s.DueDate = op.Step.DueDate
	return nil
}

// moveStep repositions a step within its container: after the given step,
// or to the list start when AfterStepID is nil.
func moveStep(container *[]schema.Step, id string, after *string) error {
	idx := stepIndex(*container, id)
	if idx == -1 {
		return fmt.Errorf("target step %q not found", id)
	}
	if after != nil && *after == id {
		return fmt.Errorf("cannot move step %q after itself", id)
	}

	step := (*container)[idx]
	rest := append((*container)[:idx], (*container)[idx+1:]...)

	pos := 0
	if after != nil {
		aIdx := stepIndex(rest, *after)
		if aIdx == -1 {
			// Restore: the move failed, the container must be unchanged.
			*container = insertAt(rest, idx, step)
			return fmt.Errorf("anchor step %q not found", *after)
		}
		pos = aIdx + 1
	}

	*container = insertAt(rest, pos, step)
	return nil
}

// --- Branch path / decision outcome structure ---

func (e *Engine) addPath(wf *schema.Workflow, op *schema.Operation) error {
	branch, err := locateBranch(wf, op.BranchStepID)
	if err != nil {
		return err
	}
	if op.Path == nil {
		return fmt.Errorf("missing path payload")
	}
	if len(branch.Paths) >= e.limits.MaxBranchPaths {
		return fmt.Errorf("branch step %q already has the maximum of %d paths", branch.ID, e.limits.MaxBranchPaths)
	}

	path := *op.Path
	if path.ID == "" {
		path.ID = uuid.New().String()
	}
	for i := range branch.Paths {
		if branch.Paths[i].ID == path.ID {
			return fmt.Errorf("path id %q already exists", path.ID)
		}
	}

	existing := wf.StepIDs()
	for i := range path.Steps {
		assignStepIDs(&path.Steps[i])
		if err := claimStepIDs(existing, &path.Steps[i]); err != nil {
			return err
		}
	}

	branch.Paths = append(branch.Paths, path)
	return nil
}

func (e *Engine) removePath(wf *schema.Workflow, op *schema.Operation) error {
	branch, err := locateBranch(wf, op.BranchStepID)
	if err != nil {
		return err
	}
	if len(branch.Paths) <= e.limits.MinBranchPaths {
		return fmt.Errorf("branch step %q requires at least %d paths", branch.ID, e.limits.MinBranchPaths)
	}
	for i := range branch.Paths {
		if branch.Paths[i].ID == op.PathID {
			branch.Paths = append(branch.Paths[:i], branch.Paths[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("path %q not found on branch step %q", op.PathID, op.BranchStepID)
}

func (e *Engine) addOutcome(wf *schema.Workflow, op *schema.Operation) error {
	decision, err := locateDecision(wf, op.DecisionStepID)
	if err != nil {
		return err
	}
	if op.Outcome == nil {
		return fmt.Errorf("missing outcome payload")
	}
	if len(decision.Outcomes) >= e.limits.MaxDecisionOutcomes {
		return fmt.Errorf("decision step %q already has the maximum of %d outcomes", decision.ID, e.limits.MaxDecisionOutcomes)
	}

	outcome := *op.Outcome
	if outcome.ID == "" {
		outcome.ID = uuid.New().String()
	}
	for i := range decision.Outcomes {
		if decision.Outcomes[i].ID == outcome.ID {
			return fmt.Errorf("outcome id %q already exists", outcome.ID)
		}
	}

	existing := wf.StepIDs()
	for i := range outcome.Steps {
		assignStepIDs(&outcome.Steps[i])
		if err := claimStepIDs(existing, &outcome.Steps[i]); err != nil {
			return err
		}
	}

	decision.Outcomes = append(decision.Outcomes, outcome)
	return nil
}

func (e *Engine) removeOutcome(wf *schema.Workflow, op *schema.Operation) error {
	decision, err := locateDecision(wf, op.DecisionStepID)
	if err != nil {
		return err
	}
	if len(decision.Outcomes) <= e.limits.MinDecisionOutcomes {
		return fmt.Errorf("decision step %q requires at least %d outcomes", decision.ID, e.limits.MinDecisionOutcomes)
	}
	for i := range decision.Outcomes {
		if decision.Outcomes[i].ID == op.OutcomeID {
			decision.Outcomes = append(decision.Outcomes[:i], decision.Outcomes[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("outcome %q not found on decision step %q", op.OutcomeID, op.DecisionStepID)
}

// --- Control-transfer payloads ---

func updateGotoTarget(wf *schema.Workflow, op *schema.Operation) error {
	step, ok := wf.FindStep(op.StepID)
	if !ok {
		return fmt.Errorf("target step %q not found", op.StepID)
	}
	if step.Type != schema.StepTypeGoto {
		return fmt.Errorf("step %q is not a goto step", op.StepID)
	}
	if op.TargetStepID == "" {
		return fmt.Errorf("goto target cannot be empty")
	}
	raw, _ := json.Marshal(schema.GotoConfig{TargetStepID: op.TargetStepID})
	step.Config = raw
	return nil
}

func updateTerminateStatus(wf *schema.Workflow, op *schema.Operation) error {
	step, ok := wf.FindStep(op.StepID)
	if !ok {
		return fmt.Errorf("target step %q not found", op.StepID)
	}
	if step.Type != schema.StepTypeTerminate {
		return fmt.Errorf("step %q is not a terminate step", op.StepID)
	}
	switch op.TerminateStatus {
	case schema.FlowStatusCompleted, schema.FlowStatusCancelled:
	default:
		return fmt.Errorf("invalid terminate status %q", op.TerminateStatus)
	}
	raw, _ := json.Marshal(schema.TerminateConfig{Status: op.TerminateStatus})
	step.Config = raw
	return nil
}

// --- Milestones ---

func addMilestone(wf *schema.Workflow, op *schema.Operation) error {
	if op.Milestone == nil {
		return fmt.Errorf("missing milestone payload")
	}
	m := *op.Milestone
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	for i := range wf.Milestones {
		if wf.Milestones[i].ID == m.ID {
			return fmt.Errorf("milestone id %q already exists", m.ID)
		}
	}
	if m.AfterStepID != "" && stepIndex(wf.Steps, m.AfterStepID) == -1 {
		return fmt.Errorf("anchor step %q not found on main path", m.AfterStepID)
	}
	wf.Milestones = append(wf.Milestones, m)
	return nil
}

func removeMilestone(wf *schema.Workflow, op *schema.Operation) error {
	for i := range wf.Milestones {
		if wf.Milestones[i].ID == op.MilestoneID {
			wf.Milestones = append(wf.Milestones[:i], wf.Milestones[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("milestone %q not found", op.MilestoneID)
}

func updateMilestone(wf *schema.Workflow, op *schema.Operation) error {
	if op.Milestone == nil {
		return fmt.Errorf("missing milestone payload")
	}
	for i := range wf.Milestones {
		if wf.Milestones[i].ID == op.MilestoneID {
			if op.Milestone.AfterStepID != "" && stepIndex(wf.Steps, op.Milestone.AfterStepID) == -1 {
				return fmt.Errorf("anchor step %q not found on main path", op.Milestone.AfterStepID)
			}
			wf.Milestones[i].Name = op.Milestone.Name
			wf.Milestones[i].AfterStepID = op.Milestone.AfterStepID
			return nil
		}
	}
	return fmt.Errorf("milestone %q not found", op.MilestoneID)
}

// checkStepShape enforces the per-variant structural invariants of one step
// payload: branch fan-out bounds, decision fan-out bounds, no stray
// children on leaf steps.
func (e *Engine) checkStepShape(s *schema.Step) error {
	switch s.Type {
	case schema.StepTypeBranch:
		if len(s.Paths) < e.limits.MinBranchPaths || len(s.Paths) > e.limits.MaxBranchPaths {
			return fmt.Errorf("branch step must have between %d and %d paths, got %d",
				e.limits.MinBranchPaths, e.limits.MaxBranchPaths, len(s.Paths))
		}
		if len(s.Outcomes) > 0 {
			return fmt.Errorf("branch step cannot carry decision outcomes")
		}
	case schema.StepTypeDecision:
		if len(s.Outcomes) < e.limits.MinDecisionOutcomes || len(s.Outcomes) > e.limits.MaxDecisionOutcomes {
			return fmt.Errorf("decision step must have between %d and %d outcomes, got %d",
				e.limits.MinDecisionOutcomes, e.limits.MaxDecisionOutcomes, len(s.Outcomes))
		}
		if len(s.Paths) > 0 {
			return fmt.Errorf("decision step cannot carry branch paths")
		}
	default:
		if len(s.Paths) > 0 || len(s.Outcomes) > 0 {
			return fmt.Errorf("step of type %q cannot own nested steps", s.Type)
		}
	}
	return nil
}
