package schema

import "encoding/json"

// Workflow is the template IR: an ordered main path of steps plus the
// milestones and role placeholders the steps refer to. A running flow is a
// separate record (see internal/store) that points back at this structure;
// the template itself is only ever mutated through the patch engine.
type Workflow struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Steps      []Step      `json:"steps"`
	Milestones []Milestone `json:"milestones,omitempty"`
	Roles      []Role      `json:"roles,omitempty"`
}

// StepType enumerates the kinds of steps in a workflow.
type StepType string

const (
	StepTypeTask       StepType = "task"
	StepTypeBranch     StepType = "branch"
	StepTypeDecision   StepType = "decision"
	StepTypeGoto       StepType = "goto"
	StepTypeTerminate  StepType = "terminate"
	StepTypeWait       StepType = "wait"
	StepTypeAutomation StepType = "automation"
)

// Step is one node in the workflow IR. Step IDs are unique across the whole
// workflow, including steps nested under branch paths and decision outcomes.
// Only branch steps carry Paths and only decision steps carry Outcomes;
// everything else is a leaf.
type Step struct {
	ID      string          `json:"id"`
	Name    string          `json:"name,omitempty"`
	Type    StepType        `json:"type"`
	Role    string          `json:"role,omitempty"`     // role placeholder, task steps only
	Config  json.RawMessage `json:"config,omitempty"`   // type-specific payload
	DueDate *DueDatePolicy  `json:"due_date,omitempty"` // task steps only

	Paths    []BranchPath      `json:"paths,omitempty"`
	Outcomes []DecisionOutcome `json:"outcomes,omitempty"`
}

// BranchPath is one conditional path owned by a branch step. A nil Condition
// marks the default/else path; by convention authors order it last, the
// router never reorders paths.
type BranchPath struct {
	ID        string     `json:"id"`
	Label     string     `json:"label,omitempty"`
	Condition *Condition `json:"condition,omitempty"`
	Steps     []Step     `json:"steps"`
}

// DecisionOutcome is one human-selectable outcome owned by a decision step.
type DecisionOutcome struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Steps []Step `json:"steps"`
}

// Milestone marks a named point on the main path.
type Milestone struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	AfterStepID string `json:"after_step_id,omitempty"` // empty = before the first step
}

// ConditionOperator enumerates the comparison operators a branch condition
// may use. Semantics are defined in internal/conditions.
type ConditionOperator string

const (
	OperatorEquals      ConditionOperator = "equals"
	OperatorNotEquals   ConditionOperator = "not_equals"
	OperatorContains    ConditionOperator = "contains"
	OperatorNotContains ConditionOperator = "not_contains"
	OperatorGreaterThan ConditionOperator = "greater_than"
	OperatorLessThan    ConditionOperator = "less_than"
	OperatorIsEmpty     ConditionOperator = "is_empty"
	OperatorNotEmpty    ConditionOperator = "not_empty"
	OperatorIn          ConditionOperator = "in"
	OperatorNotIn       ConditionOperator = "not_in"
)

// Condition is a single branch condition: a source string (literal or
// token-bearing), an operator, and an optional comparison value.
type Condition struct {
	Source   string            `json:"source"`
	Operator ConditionOperator `json:"operator"`
	Value    string            `json:"value,omitempty"`
}

// GotoConfig is the config block for goto steps. The target is a label
// reference to another step's ID, not a structural child.
type GotoConfig struct {
	TargetStepID string `json:"target_step_id"`
}

// TerminateConfig is the config block for terminate steps.
type TerminateConfig struct {
	Status FlowStatus `json:"status"` // completed or cancelled
}

// WaitConfig is the config block for wait steps.
type WaitConfig struct {
	Duration string `json:"duration"` // e.g. "48h", "15m"
}

// AutomationConfig is the config block for automation steps. Expression is
// an expr-lang program evaluated against the flow context; its result is
// stored as the step's output under OutputKey.
type AutomationConfig struct {
	Expression string `json:"expression"`
	OutputKey  string `json:"output_key,omitempty"` // default "result"
}

// TaskConfig is the config block for human task steps.
type TaskConfig struct {
	Description string `json:"description,omitempty"`
}

// StructureLimits bounds the fan-out of branch and decision steps. The
// patch engine and the validator share one value so an edit cannot produce
// a template the validator would reject.
type StructureLimits struct {
	MinBranchPaths      int
	MaxBranchPaths      int
	MinDecisionOutcomes int
	MaxDecisionOutcomes int
}

// DefaultLimits returns the product defaults for structure bounds.
func DefaultLimits() StructureLimits {
	return StructureLimits{
		MinBranchPaths:      2,
		MaxBranchPaths:      10,
		MinDecisionOutcomes: 2,
		MaxDecisionOutcomes: 10,
	}
}

// WalkSteps visits every step in the workflow in declaration order,
// descending into branch paths and decision outcomes. Returning false from
// fn stops the walk.
func (w *Workflow) WalkSteps(fn func(s *Step) bool) {
	walkSteps(w.Steps, fn)
}

func walkSteps(steps []Step, fn func(s *Step) bool) bool {
	for i := range steps {
		s := &steps[i]
		if !fn(s) {
			return false
		}
		for p := range s.Paths {
			if !walkSteps(s.Paths[p].Steps, fn) {
				return false
			}
		}
		for o := range s.Outcomes {
			if !walkSteps(s.Outcomes[o].Steps, fn) {
				return false
			}
		}
	}
	return true
}

// FindStep returns the step with the given ID anywhere in the tree.
func (w *Workflow) FindStep(id string) (*Step, bool) {
	var found *Step
	w.WalkSteps(func(s *Step) bool {
		if s.ID == id {
			found = s
			return false
		}
		return true
	})
	return found, found != nil
}

// StepIDs returns the set of all step IDs in the workflow, nested included.
func (w *Workflow) StepIDs() map[string]struct{} {
	ids := make(map[string]struct{})
	w.WalkSteps(func(s *Step) bool {
		ids[s.ID] = struct{}{}
		return true
	})
	return ids
}

// Clone returns a deep copy of the workflow. The IR is fully
// JSON-serializable, so a marshal round-trip is the copy mechanism.
func (w *Workflow) Clone() (*Workflow, error) {
	raw, err := json.Marshal(w)
	if err != nil {
		return nil, err
	}
	out := &Workflow{}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}
