package engine

import (
	"context"

	"github.com/mukund-aria/ai-flow-saas-sub008/internal/store"
	"github.com/mukund-aria/ai-flow-saas-sub008/pkg/schema"
)

// EventAppender is satisfied by the store; transitions emit audit events
// through it.
type EventAppender interface {
	AppendFlowEvent(ctx context.Context, ev *store.FlowEvent) error
}

// ValidFlowTransitions defines the allowed state transitions for flows.
var ValidFlowTransitions = map[schema.FlowStatus][]schema.FlowStatus{
	schema.FlowStatusPending:   {schema.FlowStatusActive, schema.FlowStatusCancelled},
	schema.FlowStatusActive:    {schema.FlowStatusCompleted, schema.FlowStatusCancelled},
	schema.FlowStatusCompleted: {},
	schema.FlowStatusCancelled: {},
}

// ValidStepTransitions defines the allowed state transitions for step
// executions.
var ValidStepTransitions = map[schema.StepExecutionStatus][]schema.StepExecutionStatus{
	schema.StepStatusPending:            {schema.StepStatusWaitingForAssignee, schema.StepStatusInProgress, schema.StepStatusSkipped, schema.StepStatusCancelled},
	schema.StepStatusWaitingForAssignee: {schema.StepStatusInProgress, schema.StepStatusCompleted, schema.StepStatusSkipped, schema.StepStatusCancelled},
	schema.StepStatusInProgress:         {schema.StepStatusCompleted, schema.StepStatusSkipped, schema.StepStatusCancelled},
	schema.StepStatusCompleted:          {schema.StepStatusPending}, // goto may re-arm a completed step
	schema.StepStatusSkipped:            {},
	schema.StepStatusCancelled:          {},
}

// TransitionFlow validates a flow transition and emits the matching audit
// event. The caller persists the new status.
func TransitionFlow(ctx context.Context, appender EventAppender, flowID string, from, to schema.FlowStatus) error {
	if !validFlowTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid flow transition: %s -> %s", from, to).
			WithDetails(map[string]any{"flow_id": flowID, "from": string(from), "to": string(to)})
	}

	eventType := flowEventType(to)
	if eventType != "" {
		ev := &store.FlowEvent{FlowID: flowID, Type: eventType}
		if err := appender.AppendFlowEvent(ctx, ev); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit flow event: %s", err.Error()).WithCause(err)
		}
	}
	return nil
}

// TransitionStep validates a step execution transition and emits the
// matching audit event.
func TransitionStep(ctx context.Context, appender EventAppender, flowID, stepID string, from, to schema.StepExecutionStatus) error {
	if !validStepTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(stepID).
			WithDetails(map[string]any{"flow_id": flowID, "from": string(from), "to": string(to)})
	}

	eventType := stepEventType(from, to)
	if eventType != "" {
		ev := &store.FlowEvent{FlowID: flowID, StepID: stepID, Type: eventType}
		if err := appender.AppendFlowEvent(ctx, ev); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit step event: %s", err.Error()).
				WithStep(stepID).WithCause(err)
		}
	}
	return nil
}

func validFlowTransition(from, to schema.FlowStatus) bool {
	for _, a := range ValidFlowTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func validStepTransition(from, to schema.StepExecutionStatus) bool {
	for _, a := range ValidStepTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func flowEventType(to schema.FlowStatus) string {
	switch to {
	case schema.FlowStatusActive:
		return schema.EventFlowStarted
	case schema.FlowStatusCompleted:
		return schema.EventFlowCompleted
	case schema.FlowStatusCancelled:
		return schema.EventFlowCancelled
	default:
		return ""
	}
}

func stepEventType(from, to schema.StepExecutionStatus) string {
	switch to {
	case schema.StepStatusWaitingForAssignee, schema.StepStatusInProgress:
		// Activation fires once; picking up a waiting step is not a new
		// activation.
		if from == schema.StepStatusPending {
			return schema.EventStepActivated
		}
		return ""
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	case schema.StepStatusCancelled:
		return schema.EventStepCancelled
	default:
		return ""
	}
}
