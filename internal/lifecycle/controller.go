package lifecycle

import (
	"time"

	"github.com/mukund-aria/ai-flow-saas-sub008/pkg/schema"
)

// TimerKind tags the timed events derived from a step's due date.
type TimerKind string

const (
	TimerReminder   TimerKind = "reminder"
	TimerOverdue    TimerKind = "overdue"
	TimerEscalation TimerKind = "escalation"
)

// TimerEvent is one timed event the caller should register with the
// scheduler: fire Kind for this step execution at FireAt.
type TimerEvent struct {
	Kind            TimerKind
	StepExecutionID string
	FireAt          time.Time
}

// NotificationSettings is the organization's timed-event configuration.
// Absent or partial settings suppress the corresponding events; nothing
// here ever produces an error.
type NotificationSettings struct {
	RemindersEnabled   bool
	ReminderLead       time.Duration // how long before dueAt the reminder fires
	OverdueEnabled     bool
	EscalationsEnabled bool
	EscalationDelay    time.Duration // how long after dueAt the escalation fires
}

// ActivationPlan is what a step activation requires of the caller: persist
// DueAt and register Schedule with the scheduler.
type ActivationPlan struct {
	DueAt    *time.Time
	Schedule []TimerEvent
}

// CompletionPlan is the side effects of completing a step: cancel its
// pending events, raise its notifications.
type CompletionPlan struct {
	CancelEventsFor []string // step execution IDs
	Notifications   []schema.Notification
}

// ComputeDueAt derives a step's due date from its policy. A nil or
// malformed policy, or a before_flow_due policy on a flow with no due date,
// yields nil rather than an error.
func ComputeDueAt(p *schema.DueDatePolicy, startedAt time.Time, flowDueAt *time.Time) *time.Time {
	if p == nil {
		return nil
	}

	mode := p.Mode
	if mode == "" {
		// Legacy policies predate the mode field and were always relative.
		mode = schema.DueModeRelative
	}

	switch mode {
	case schema.DueModeRelative:
		d := p.Duration()
		if d <= 0 {
			return nil
		}
		due := startedAt.Add(d)
		return &due
	case schema.DueModeFixed:
		if p.At == nil {
			return nil
		}
		due := *p.At
		return &due
	case schema.DueModeBeforeFlowDue:
		if flowDueAt == nil {
			return nil
		}
		d := p.Duration()
		if d <= 0 {
			return nil
		}
		due := flowDueAt.Add(-d)
		return &due
	default:
		return nil
	}
}

// PlanActivation computes the due date and timer events for a step that
// just became in-progress. Events gated off by settings are omitted; a
// reminder whose instant has already passed is omitted too.
func PlanActivation(stepExecutionID string, p *schema.DueDatePolicy, startedAt time.Time, flowDueAt *time.Time, settings NotificationSettings, now time.Time) ActivationPlan {
	plan := ActivationPlan{DueAt: ComputeDueAt(p, startedAt, flowDueAt)}
	if plan.DueAt == nil {
		return plan
	}
	due := *plan.DueAt

	if settings.RemindersEnabled && settings.ReminderLead > 0 {
		at := due.Add(-settings.ReminderLead)
		if at.After(now) {
			plan.Schedule = append(plan.Schedule, TimerEvent{
				Kind: TimerReminder, StepExecutionID: stepExecutionID, FireAt: at,
			})
		}
	}
	if settings.OverdueEnabled {
		plan.Schedule = append(plan.Schedule, TimerEvent{
			Kind: TimerOverdue, StepExecutionID: stepExecutionID, FireAt: due,
		})
	}
	if settings.EscalationsEnabled {
		plan.Schedule = append(plan.Schedule, TimerEvent{
			Kind: TimerEscalation, StepExecutionID: stepExecutionID, FireAt: due.Add(settings.EscalationDelay),
		})
	}

	return plan
}

// PlanStepCompletion reports the side effects of a step completing: its
// pending events are cancelled and a step-completed notification raised.
func PlanStepCompletion(flowID, stepID, stepExecutionID string) CompletionPlan {
	return CompletionPlan{
		CancelEventsFor: []string{stepExecutionID},
		Notifications: []schema.Notification{
			{Kind: schema.NotifyStepCompleted, FlowID: flowID, StepID: stepID},
		},
	}
}

// PlanFlowCompletion reports the side effects of a flow completing.
func PlanFlowCompletion(flowID string) CompletionPlan {
	return CompletionPlan{
		Notifications: []schema.Notification{
			{Kind: schema.NotifyFlowCompleted, FlowID: flowID},
		},
	}
}

// ExecutionRef is the slice of a step execution that cancellation planning
// needs.
type ExecutionRef struct {
	StepExecutionID string
	StepID          string
	Status          schema.StepExecutionStatus
	ContactID       string
	UserID          string
}

// PlanFlowCancellation reports the side effects of cancelling a flow: every
// execution's pending events are cancelled, and every currently active
// assignee is told the flow is gone.
func PlanFlowCancellation(flowID string, execs []ExecutionRef) CompletionPlan {
	plan := CompletionPlan{
		Notifications: []schema.Notification{
			{Kind: schema.NotifyFlowCancelled, FlowID: flowID},
		},
	}

	for _, ex := range execs {
		plan.CancelEventsFor = append(plan.CancelEventsFor, ex.StepExecutionID)
		if !activeStatus(ex.Status) {
			continue
		}
		if ex.ContactID == "" && ex.UserID == "" {
			continue
		}
		plan.Notifications = append(plan.Notifications, schema.Notification{
			Kind:      schema.NotifyFlowCancelled,
			FlowID:    flowID,
			StepID:    ex.StepID,
			ContactID: ex.ContactID,
			UserID:    ex.UserID,
		})
	}

	return plan
}

func activeStatus(s schema.StepExecutionStatus) bool {
	return s == schema.StepStatusWaitingForAssignee || s == schema.StepStatusInProgress
}
