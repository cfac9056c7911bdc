package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Templates
	CreateTemplate(ctx context.Context, tpl *Template) error
	GetTemplate(ctx context.Context, id string) (*Template, error)
	UpdateTemplate(ctx context.Context, id string, update TemplateUpdate) error
	ListTemplates(ctx context.Context, filter TemplateFilter) ([]*Template, error)
	DeleteTemplate(ctx context.Context, id string) error

	// Flows
	CreateFlow(ctx context.Context, flow *Flow) error
	GetFlow(ctx context.Context, id string) (*Flow, error)
	UpdateFlow(ctx context.Context, id string, update FlowUpdate) error
	ListFlows(ctx context.Context, filter FlowFilter) ([]*Flow, error)
	DeleteFlow(ctx context.Context, id string) error

	// Step executions
	CreateStepExecution(ctx context.Context, ex *StepExecution) error
	GetStepExecution(ctx context.Context, id string) (*StepExecution, error)
	GetStepExecutionByStep(ctx context.Context, flowID, stepID string) (*StepExecution, error)
	UpdateStepExecution(ctx context.Context, id string, update StepExecutionUpdate) error
	ListStepExecutions(ctx context.Context, flowID string) ([]*StepExecution, error)

	// Contacts
	FindOrCreateContact(ctx context.Context, orgID, email string) (string, error)
	GetContact(ctx context.Context, id string) (*Contact, error)
	CountAssignments(ctx context.Context, templateID, contactID string) (int, error)

	// Organization notification settings
	GetNotificationSettings(ctx context.Context, orgID string) (*NotificationSettings, error)
	UpsertNotificationSettings(ctx context.Context, s *NotificationSettings) error

	// Timer events
	CreateTimerEvent(ctx context.Context, ev *TimerEvent) error
	ListDueTimerEvents(ctx context.Context, before time.Time) ([]*TimerEvent, error)
	MarkTimerEventFired(ctx context.Context, id string) error
	CancelTimerEventsForExecution(ctx context.Context, stepExecutionID string) error
	CancelTimerEventsForFlow(ctx context.Context, flowID string) error

	// Flow events
	AppendFlowEvent(ctx context.Context, ev *FlowEvent) error
	ListFlowEvents(ctx context.Context, flowID string, since int64) ([]*FlowEvent, error)

	// Scheduled flow starts
	CreateScheduledStart(ctx context.Context, job *ScheduledStart) error
	GetScheduledStart(ctx context.Context, id string) (*ScheduledStart, error)
	UpdateScheduledStart(ctx context.Context, id string, update ScheduledStartUpdate) error
	ListScheduledStarts(ctx context.Context, filter ScheduledStartFilter) ([]*ScheduledStart, error)
	DeleteScheduledStart(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
