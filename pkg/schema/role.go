package schema

// ResolutionType tags the strategy used to resolve a role placeholder to a
// concrete identity at flow start.
type ResolutionType string

const (
	ResolutionContactTBD           ResolutionType = "contact_tbd"
	ResolutionFixedContact         ResolutionType = "fixed_contact"
	ResolutionWorkspaceInitializer ResolutionType = "workspace_initializer"
	ResolutionKickoffFormField     ResolutionType = "kickoff_form_field"
	ResolutionFlowVariable         ResolutionType = "flow_variable"
	ResolutionRoundRobin           ResolutionType = "round_robin"
	ResolutionRules                ResolutionType = "rules"
)

// Role is a named placeholder for "who does this step". Names are unique
// within a workflow.
type Role struct {
	Name       string     `json:"name"`
	Resolution Resolution `json:"resolution"`
}

// Resolution is the tagged union of assignment strategies. Only the fields
// matching Type are meaningful.
type Resolution struct {
	Type        ResolutionType   `json:"type"`
	Email       string           `json:"email,omitempty"`        // fixed_contact
	FieldKey    string           `json:"field_key,omitempty"`    // kickoff_form_field
	VariableKey string           `json:"variable_key,omitempty"` // flow_variable
	Emails      []string         `json:"emails,omitempty"`       // round_robin candidates
	Source      *RuleSource      `json:"source,omitempty"`       // rules
	Rules       []AssignmentRule `json:"rules,omitempty"`        // rules, evaluated in order
	Default     *Resolution      `json:"default,omitempty"`      // rules fallback
}

// RuleSourceKind tags where a rules resolution reads its source value from.
type RuleSourceKind string

const (
	RuleSourceKickoffField RuleSourceKind = "kickoff_form_field"
	RuleSourceFlowVariable RuleSourceKind = "flow_variable"
	RuleSourceStepOutput   RuleSourceKind = "step_output"
)

// RuleSource locates the single string a rules resolution matches against.
type RuleSource struct {
	Kind RuleSourceKind `json:"kind"`
	Key  string         `json:"key"`
}

// RuleOperator enumerates the match operators available to assignment rules.
// The semantics mirror the condition evaluator's operators of the same name.
type RuleOperator string

const (
	RuleEquals   RuleOperator = "equals"
	RuleContains RuleOperator = "contains"
	RuleNotEmpty RuleOperator = "not_empty"
)

// AssignmentRule is one ordered rule in a rules resolution. Then may only
// be a fixed_contact, workspace_initializer, or contact_tbd resolution;
// nesting another rules resolution is not supported.
type AssignmentRule struct {
	Operator RuleOperator `json:"operator"`
	Value    string       `json:"value,omitempty"`
	Then     *Resolution  `json:"then"`
}

// ResolvedAssignee is the result of resolving one role: a contact, an
// internal user, or neither (unresolved).
type ResolvedAssignee struct {
	ContactID string `json:"contact_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

// Resolved reports whether the role resolved to any identity.
func (a ResolvedAssignee) Resolved() bool {
	return a.ContactID != "" || a.UserID != ""
}
