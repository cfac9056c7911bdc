package schema

// NotificationKind enumerates the typed notification requests the core
// emits. Delivery (email, webhook, in-app) is the notifier's concern.
type NotificationKind string

const (
	NotifyStepCompleted NotificationKind = "step_completed"
	NotifyFlowCompleted NotificationKind = "flow_completed"
	NotifyFlowCancelled NotificationKind = "flow_cancelled"
	NotifyReminder      NotificationKind = "reminder"
	NotifyOverdue       NotificationKind = "overdue"
	NotifyEscalation    NotificationKind = "escalation"
)

// Notification is a typed notification request carrying flow/step
// identifiers and the recipient identity when one is targeted.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	FlowID    string           `json:"flow_id"`
	StepID    string           `json:"step_id,omitempty"`
	ContactID string           `json:"contact_id,omitempty"`
	UserID    string           `json:"user_id,omitempty"`
}
