package schema

import "time"

// DueDateMode tags how a step's due date is derived when the step activates.
type DueDateMode string

const (
	// DueModeRelative computes dueAt as activation time plus a duration.
	DueModeRelative DueDateMode = "relative"
	// DueModeFixed uses an absolute timestamp.
	DueModeFixed DueDateMode = "fixed"
	// DueModeBeforeFlowDue computes dueAt as the flow's due date minus a
	// duration; no flow due date means no step due date.
	DueModeBeforeFlowDue DueDateMode = "before_flow_due"
)

// DurationUnit is the unit of a due-date duration. Days are 24 hours and
// weeks 7 days; no calendar or timezone adjustment is applied.
type DurationUnit string

const (
	UnitHours DurationUnit = "hours"
	UnitDays  DurationUnit = "days"
	UnitWeeks DurationUnit = "weeks"
)

// DueDatePolicy describes how a step's due date is computed on activation.
// A legacy policy with an empty Mode is treated as relative.
type DueDatePolicy struct {
	Mode   DueDateMode  `json:"mode,omitempty"`
	Amount int          `json:"amount,omitempty"`
	Unit   DurationUnit `json:"unit,omitempty"`
	At     *time.Time   `json:"at,omitempty"` // fixed mode only
}

// Duration converts the policy's amount and unit to a time.Duration.
// Unknown units yield zero.
func (p *DueDatePolicy) Duration() time.Duration {
	switch p.Unit {
	case UnitHours:
		return time.Duration(p.Amount) * time.Hour
	case UnitDays:
		return time.Duration(p.Amount) * 24 * time.Hour
	case UnitWeeks:
		return time.Duration(p.Amount) * 7 * 24 * time.Hour
	default:
		return 0
	}
}
