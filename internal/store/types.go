package store

import (
	"encoding/json"
	"time"

	"github.com/mukund-aria/ai-flow-saas-sub008/pkg/schema"
)

// Template is the persisted representation of a workflow template.
// KickoffSchema is an optional JSON Schema validated against kickoff data
// when a flow starts.
type Template struct {
	ID            string          `json:"id"`
	OrgID         string          `json:"org_id"`
	Name          string          `json:"name"`
	Definition    schema.Workflow `json:"definition"`
	KickoffSchema json.RawMessage `json:"kickoff_schema,omitempty"`
	Version       int             `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Flow is a running (or finished) instance of a template. The template's
// step tree is never mutated by a run; executions reference it by step ID.
type Flow struct {
	ID              string            `json:"id"`
	OrgID           string            `json:"org_id"`
	TemplateID      string            `json:"template_id"`
	Name            string            `json:"name,omitempty"`
	Status          schema.FlowStatus `json:"status"`
	StarterUserID   string            `json:"starter_user_id"`
	KickoffData     map[string]any    `json:"kickoff_data,omitempty"`
	Variables       map[string]any    `json:"variables,omitempty"`
	RoleAssignments map[string]schema.ResolvedAssignee `json:"role_assignments,omitempty"`
	DueAt           *time.Time        `json:"due_at,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	StartedAt       *time.Time        `json:"started_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// StepExecution is the runtime state of one step instance within a flow.
// DueAt is set once on activation and only changes through explicit
// reassignment.
type StepExecution struct {
	ID          string                     `json:"id"`
	FlowID      string                     `json:"flow_id"`
	StepID      string                     `json:"step_id"`
	Status      schema.StepExecutionStatus `json:"status"`
	ContactID   string                     `json:"contact_id,omitempty"`
	UserID      string                     `json:"user_id,omitempty"`
	StartedAt   *time.Time                 `json:"started_at,omitempty"`
	DueAt       *time.Time                 `json:"due_at,omitempty"`
	CompletedAt *time.Time                 `json:"completed_at,omitempty"`
	Output      json.RawMessage            `json:"output,omitempty"`
	CreatedAt   time.Time                  `json:"created_at"`
}

// Contact is an external person known to an organization, keyed by
// lower-cased email within the org.
type Contact struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// NotificationSettings is an organization's timed-event configuration.
// Lead and delay are stored in minutes.
type NotificationSettings struct {
	OrgID                string `json:"org_id"`
	RemindersEnabled     bool   `json:"reminders_enabled"`
	ReminderLeadMinutes  int    `json:"reminder_lead_minutes"`
	OverdueEnabled       bool   `json:"overdue_enabled"`
	EscalationsEnabled   bool   `json:"escalations_enabled"`
	EscalationDelayMinutes int  `json:"escalation_delay_minutes"`
}

// TimerEventStatus is the lifecycle of a persisted timer event.
type TimerEventStatus string

const (
	TimerPending   TimerEventStatus = "pending"
	TimerFired     TimerEventStatus = "fired"
	TimerCancelled TimerEventStatus = "cancelled"
)

// TimerEvent is a persisted timed event awaiting dispatch: a reminder,
// overdue check, escalation, or wait-step expiry.
type TimerEvent struct {
	ID              string           `json:"id"`
	FlowID          string           `json:"flow_id"`
	StepExecutionID string           `json:"step_execution_id"`
	Kind            string           `json:"kind"`
	FireAt          time.Time        `json:"fire_at"`
	Status          TimerEventStatus `json:"status"`
	CreatedAt       time.Time        `json:"created_at"`
}

// FlowEvent is one entry in a flow's append-only audit trail. Sequence is
// assigned by the store and increases monotonically per flow.
type FlowEvent struct {
	ID        int64           `json:"id"`
	FlowID    string          `json:"flow_id"`
	StepID    string          `json:"step_id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ActorID   string          `json:"actor_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
}

// ScheduledStart is a cron-triggered flow start.
type ScheduledStart struct {
	ID             string     `json:"id"`
	OrgID          string     `json:"org_id"`
	TemplateID     string     `json:"template_id"`
	CronExpression string     `json:"cron_expression"`
	StarterUserID  string     `json:"starter_user_id"`
	Enabled        bool       `json:"enabled"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus  string     `json:"last_run_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// --- Filter and update types ---

// TemplateFilter specifies criteria for listing templates.
type TemplateFilter struct {
	OrgID string `json:"org_id,omitempty"`
	Name  string `json:"name,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// TemplateUpdate specifies mutable fields of a template.
type TemplateUpdate struct {
	Definition    *schema.Workflow `json:"definition,omitempty"`
	KickoffSchema json.RawMessage  `json:"kickoff_schema,omitempty"`
	Version       *int             `json:"version,omitempty"`
}

// FlowFilter specifies criteria for listing flows.
type FlowFilter struct {
	OrgID      string             `json:"org_id,omitempty"`
	TemplateID string             `json:"template_id,omitempty"`
	Status     *schema.FlowStatus `json:"status,omitempty"`
	Limit      int                `json:"limit,omitempty"`
}

// FlowUpdate specifies mutable fields of a flow.
type FlowUpdate struct {
	Status          *schema.FlowStatus `json:"status,omitempty"`
	Variables       map[string]any     `json:"variables,omitempty"`
	RoleAssignments map[string]schema.ResolvedAssignee `json:"role_assignments,omitempty"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
}

// StepExecutionUpdate specifies mutable fields of a step execution.
type StepExecutionUpdate struct {
	Status      *schema.StepExecutionStatus `json:"status,omitempty"`
	ContactID   *string                     `json:"contact_id,omitempty"`
	UserID      *string                     `json:"user_id,omitempty"`
	StartedAt   *time.Time                  `json:"started_at,omitempty"`
	DueAt       *time.Time                  `json:"due_at,omitempty"`
	CompletedAt *time.Time                  `json:"completed_at,omitempty"`
	Output      json.RawMessage             `json:"output,omitempty"`
}

// ScheduledStartUpdate specifies mutable fields of a scheduled start.
type ScheduledStartUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledStartFilter specifies criteria for listing scheduled starts.
type ScheduledStartFilter struct {
	OrgID   string `json:"org_id,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}
