package schema

// OperationType tags one atomic edit to a workflow IR. Operations are the
// sole mutation path for templates; both the human editor and the AI
// assistant produce them.
type OperationType string

const (
	// Main path step edits.
	OpAddStep    OperationType = "add_step"
	OpRemoveStep OperationType = "remove_step"
	OpUpdateStep OperationType = "update_step"
	OpMoveStep   OperationType = "move_step"

	// Step edits inside a branch path.
	OpAddStepToPath      OperationType = "add_step_to_path"
	OpRemoveStepFromPath OperationType = "remove_step_from_path"
	OpUpdateStepInPath   OperationType = "update_step_in_path"
	OpMoveStepInPath     OperationType = "move_step_in_path"

	// Step edits inside a decision outcome.
	OpAddStepToOutcome      OperationType = "add_step_to_outcome"
	OpRemoveStepFromOutcome OperationType = "remove_step_from_outcome"
	OpUpdateStepInOutcome   OperationType = "update_step_in_outcome"
	OpMoveStepInOutcome     OperationType = "move_step_in_outcome"

	// Branch path and decision outcome structure.
	OpAddPath             OperationType = "add_path"
	OpRemovePath          OperationType = "remove_path"
	OpUpdatePathCondition OperationType = "update_path_condition"
	OpUpdatePathLabel     OperationType = "update_path_label"
	OpAddOutcome          OperationType = "add_outcome"
	OpRemoveOutcome       OperationType = "remove_outcome"
	OpUpdateOutcomeLabel  OperationType = "update_outcome_label"

	// Control-transfer step payloads.
	OpUpdateGotoTarget      OperationType = "update_goto_target"
	OpUpdateTerminateStatus OperationType = "update_terminate_status"

	// Milestones and workflow metadata.
	OpAddMilestone    OperationType = "add_milestone"
	OpRemoveMilestone OperationType = "remove_milestone"
	OpUpdateMilestone OperationType = "update_milestone"
	OpRenameWorkflow  OperationType = "rename_workflow"
)

// Operation is the tagged union of template edits. Only the fields relevant
// to Type are read; each variant carries exactly the identifiers needed to
// locate its target.
//
// Positioning: add operations honor BeforeStepID first, then AfterStepID,
// and append when both are nil. Move operations honor AfterStepID, with nil
// meaning "move to list start". Positions resolve against the IR state
// current at the time the operation runs, not the original.
type Operation struct {
	Type OperationType `json:"type"`

	// Target locators.
	StepID         string `json:"step_id,omitempty"`
	BranchStepID   string `json:"branch_step_id,omitempty"`
	PathID         string `json:"path_id,omitempty"`
	DecisionStepID string `json:"decision_step_id,omitempty"`
	OutcomeID      string `json:"outcome_id,omitempty"`
	MilestoneID    string `json:"milestone_id,omitempty"`

	// Position markers.
	AfterStepID  *string `json:"after_step_id,omitempty"`
	BeforeStepID *string `json:"before_step_id,omitempty"`

	// Payloads.
	Step            *Step            `json:"step,omitempty"`
	Path            *BranchPath      `json:"path,omitempty"`
	Outcome         *DecisionOutcome `json:"outcome,omitempty"`
	Condition       *Condition       `json:"condition,omitempty"`
	Label           string           `json:"label,omitempty"`
	Milestone       *Milestone       `json:"milestone,omitempty"`
	TargetStepID    string           `json:"target_step_id,omitempty"`
	TerminateStatus FlowStatus       `json:"terminate_status,omitempty"`
	Name            string           `json:"name,omitempty"`
}

// OperationResult records the outcome of one operation in a batch. A failed
// operation never aborts the batch; callers inspect the full result list.
type OperationResult struct {
	Index  int           `json:"index"`
	Type   OperationType `json:"type"`
	OK     bool          `json:"ok"`
	Reason string        `json:"reason,omitempty"`
}
