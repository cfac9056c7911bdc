package schema

// FlowStatus represents the lifecycle state of a running flow.
type FlowStatus string

const (
	FlowStatusPending   FlowStatus = "pending"
	FlowStatusActive    FlowStatus = "active"
	FlowStatusCompleted FlowStatus = "completed"
	FlowStatusCancelled FlowStatus = "cancelled"
)

// StepExecutionStatus represents the lifecycle state of one step instance
// within a flow run.
type StepExecutionStatus string

const (
	StepStatusPending            StepExecutionStatus = "pending"
	StepStatusWaitingForAssignee StepExecutionStatus = "waiting_for_assignee"
	StepStatusInProgress         StepExecutionStatus = "in_progress"
	StepStatusCompleted          StepExecutionStatus = "completed"
	StepStatusSkipped            StepExecutionStatus = "skipped"
	StepStatusCancelled          StepExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s StepExecutionStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusSkipped || s == StepStatusCancelled
}

// Event type constants for the flow event log.
const (
	EventFlowStarted   = "flow_started"
	EventFlowCompleted = "flow_completed"
	EventFlowCancelled = "flow_cancelled"

	EventStepActivated = "step_activated"
	EventStepCompleted = "step_completed"
	EventStepSkipped   = "step_skipped"
	EventStepCancelled = "step_cancelled"

	EventPathSelected    = "path_selected"
	EventNoPathSelected  = "no_path_selected"
	EventOutcomeSelected = "outcome_selected"
	EventControlTransfer = "control_transfer"
)
