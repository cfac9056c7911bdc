package validation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mukund-aria/ai-flow-saas-sub008/pkg/schema"
)

// validateSemantic performs semantic analysis on a workflow template.
// Checks: unique step IDs across nesting, branch/decision fan-out bounds,
// config payloads per step type, goto targets, role references, milestone
// anchors.
func validateSemantic(wf *schema.Workflow, limits schema.StructureLimits) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	allIDs := collectStepIDs(wf, result)
	mainIDs := make(map[string]bool, len(wf.Steps))
	for _, s := range wf.Steps {
		mainIDs[s.ID] = true
	}
	roleNames := validateRoles(wf.Roles, result)

	for i := range wf.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		validateStepSemantic(&wf.Steps[i], path, allIDs, roleNames, limits, result)
	}

	validateMilestones(wf.Milestones, mainIDs, result)

	return result
}

// collectStepIDs walks the whole tree and reports duplicate step IDs.
func collectStepIDs(wf *schema.Workflow, result *schema.ValidationResult) map[string]bool {
	ids := make(map[string]bool)
	wf.WalkSteps(func(s *schema.Step) bool {
		if s.ID == "" {
			return true // structural catches missing IDs
		}
		if ids[s.ID] {
			result.AddError("steps", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q", s.ID))
		}
		ids[s.ID] = true
		return true
	})
	return ids
}

func validateStepSemantic(step *schema.Step, path string, allIDs map[string]bool, roleNames map[string]bool, limits schema.StructureLimits, result *schema.ValidationResult) {
	// Only branch steps own paths and only decision steps own outcomes.
	if step.Type != schema.StepTypeBranch && len(step.Paths) > 0 {
		result.AddError(path+".paths", schema.ErrCodeValidation,
			fmt.Sprintf("step type %q cannot have paths", step.Type))
	}
	if step.Type != schema.StepTypeDecision && len(step.Outcomes) > 0 {
		result.AddError(path+".outcomes", schema.ErrCodeValidation,
			fmt.Sprintf("step type %q cannot have outcomes", step.Type))
	}

	if step.Role != "" {
		if step.Type != schema.StepTypeTask && step.Type != schema.StepTypeDecision {
			result.AddWarning(path+".role", schema.ErrCodeValidation,
				fmt.Sprintf("role on %q step is ignored", step.Type))
		} else if !roleNames[step.Role] {
			result.AddError(path+".role", schema.ErrCodeValidation,
				fmt.Sprintf("references undefined role %q", step.Role))
		}
	}

	if step.DueDate != nil {
		validateDueDate(step.DueDate, path+".due_date", result)
	}

	switch step.Type {
	case schema.StepTypeBranch:
		validateBranch(step, path, allIDs, roleNames, limits, result)
	case schema.StepTypeDecision:
		validateDecision(step, path, allIDs, roleNames, limits, result)
	case schema.StepTypeGoto:
		validateGoto(step, path, allIDs, result)
	case schema.StepTypeTerminate:
		validateTerminate(step, path, result)
	case schema.StepTypeWait:
		validateWait(step, path, result)
	case schema.StepTypeAutomation:
		validateAutomation(step, path, result)
	}
}

func validateBranch(step *schema.Step, path string, allIDs map[string]bool, roleNames map[string]bool, limits schema.StructureLimits, result *schema.ValidationResult) {
	n := len(step.Paths)
	if n < limits.MinBranchPaths || n > limits.MaxBranchPaths {
		result.AddError(path+".paths", schema.ErrCodeValidation,
			fmt.Sprintf("branch step must have between %d and %d paths, has %d",
				limits.MinBranchPaths, limits.MaxBranchPaths, n))
	}

	for pi := range step.Paths {
		p := &step.Paths[pi]
		pPath := fmt.Sprintf("%s.paths[%d]", path, pi)
		if p.Condition == nil && pi != n-1 {
			result.AddWarning(pPath, schema.ErrCodeValidation,
				"path without a condition is the default path and should be last")
		}
		for si := range p.Steps {
			validateStepSemantic(&p.Steps[si], fmt.Sprintf("%s.steps[%d]", pPath, si),
				allIDs, roleNames, limits, result)
		}
	}
}

func validateDecision(step *schema.Step, path string, allIDs map[string]bool, roleNames map[string]bool, limits schema.StructureLimits, result *schema.ValidationResult) {
	n := len(step.Outcomes)
	if n < limits.MinDecisionOutcomes || n > limits.MaxDecisionOutcomes {
		result.AddError(path+".outcomes", schema.ErrCodeValidation,
			fmt.Sprintf("decision step must have between %d and %d outcomes, has %d",
				limits.MinDecisionOutcomes, limits.MaxDecisionOutcomes, n))
	}

	for oi := range step.Outcomes {
		o := &step.Outcomes[oi]
		oPath := fmt.Sprintf("%s.outcomes[%d]", path, oi)
		if o.Label == "" {
			result.AddError(oPath+".label", schema.ErrCodeValidation, "outcome label is required")
		}
		for si := range o.Steps {
			validateStepSemantic(&o.Steps[si], fmt.Sprintf("%s.steps[%d]", oPath, si),
				allIDs, roleNames, limits, result)
		}
	}
}

func validateGoto(step *schema.Step, path string, allIDs map[string]bool, result *schema.ValidationResult) {
	var cfg schema.GotoConfig
	if len(step.Config) == 0 || json.Unmarshal(step.Config, &cfg) != nil || cfg.TargetStepID == "" {
		result.AddError(path+".config", schema.ErrCodeValidation,
			"goto step requires a target_step_id")
		return
	}
	if !allIDs[cfg.TargetStepID] {
		result.AddError(path+".config.target_step_id", schema.ErrCodeValidation,
			fmt.Sprintf("references non-existent step %q", cfg.TargetStepID))
	}
	if cfg.TargetStepID == step.ID {
		result.AddWarning(path+".config.target_step_id", schema.ErrCodeValidation,
			"goto step targets itself")
	}
}

func validateTerminate(step *schema.Step, path string, result *schema.ValidationResult) {
	var cfg schema.TerminateConfig
	if len(step.Config) == 0 || json.Unmarshal(step.Config, &cfg) != nil {
		result.AddError(path+".config", schema.ErrCodeValidation,
			"terminate step requires a status")
		return
	}
	if cfg.Status != schema.FlowStatusCompleted && cfg.Status != schema.FlowStatusCancelled {
		result.AddError(path+".config.status", schema.ErrCodeValidation,
			fmt.Sprintf("terminate status must be %q or %q, got %q",
				schema.FlowStatusCompleted, schema.FlowStatusCancelled, cfg.Status))
	}
}

func validateWait(step *schema.Step, path string, result *schema.ValidationResult) {
	var cfg schema.WaitConfig
	if len(step.Config) == 0 || json.Unmarshal(step.Config, &cfg) != nil || cfg.Duration == "" {
		result.AddError(path+".config", schema.ErrCodeValidation,
			"wait step requires a duration")
		return
	}
	d, err := time.ParseDuration(cfg.Duration)
	if err != nil || d <= 0 {
		result.AddError(path+".config.duration", schema.ErrCodeValidation,
			fmt.Sprintf("invalid wait duration %q", cfg.Duration))
	}
}

func validateAutomation(step *schema.Step, path string, result *schema.ValidationResult) {
	var cfg schema.AutomationConfig
	if len(step.Config) == 0 || json.Unmarshal(step.Config, &cfg) != nil || cfg.Expression == "" {
		result.AddError(path+".config", schema.ErrCodeValidation,
			"automation step requires an expression")
	}
}

func validateDueDate(p *schema.DueDatePolicy, path string, result *schema.ValidationResult) {
	switch p.Mode {
	case schema.DueModeFixed:
		if p.At == nil {
			result.AddError(path+".at", schema.ErrCodeValidation,
				"fixed due date requires a timestamp")
		}
	case schema.DueModeRelative, schema.DueModeBeforeFlowDue, "":
		// An empty mode is legacy shorthand for relative.
		if p.Amount <= 0 {
			result.AddError(path+".amount", schema.ErrCodeValidation,
				"due date amount must be positive")
		}
		if p.Unit != schema.UnitHours && p.Unit != schema.UnitDays && p.Unit != schema.UnitWeeks {
			result.AddError(path+".unit", schema.ErrCodeValidation,
				fmt.Sprintf("unknown due date unit %q", p.Unit))
		}
	default:
		result.AddError(path+".mode", schema.ErrCodeValidation,
			fmt.Sprintf("unknown due date mode %q", p.Mode))
	}
}

// validateRoles checks role uniqueness and each resolution's shape, returning
// the set of defined role names.
func validateRoles(roles []schema.Role, result *schema.ValidationResult) map[string]bool {
	names := make(map[string]bool, len(roles))
	for i := range roles {
		r := &roles[i]
		path := fmt.Sprintf("roles[%d]", i)
		if names[r.Name] {
			result.AddError(path+".name", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate role name %q", r.Name))
		}
		names[r.Name] = true
		validateResolution(&r.Resolution, path+".resolution", true, result)
	}
	return names
}

// validateResolution checks one resolution's required fields. topLevel
// permits the rules type; rule targets and defaults must be leaf strategies.
func validateResolution(res *schema.Resolution, path string, topLevel bool, result *schema.ValidationResult) {
	switch res.Type {
	case schema.ResolutionContactTBD, schema.ResolutionWorkspaceInitializer:
		// No extra fields.
	case schema.ResolutionFixedContact:
		if res.Email == "" {
			result.AddError(path+".email", schema.ErrCodeValidation,
				"fixed_contact resolution requires an email")
		}
	case schema.ResolutionKickoffFormField:
		if res.FieldKey == "" {
			result.AddError(path+".field_key", schema.ErrCodeValidation,
				"kickoff_form_field resolution requires a field_key")
		}
	case schema.ResolutionFlowVariable:
		if res.VariableKey == "" {
			result.AddError(path+".variable_key", schema.ErrCodeValidation,
				"flow_variable resolution requires a variable_key")
		}
	case schema.ResolutionRoundRobin:
		if len(res.Emails) == 0 {
			result.AddError(path+".emails", schema.ErrCodeValidation,
				"round_robin resolution requires at least one candidate email")
		}
	case schema.ResolutionRules:
		if !topLevel {
			result.AddError(path+".type", schema.ErrCodeValidation,
				"rules resolution cannot nest another rules resolution")
			return
		}
		if res.Source == nil {
			result.AddError(path+".source", schema.ErrCodeValidation,
				"rules resolution requires a source")
		}
		if len(res.Rules) == 0 {
			result.AddError(path+".rules", schema.ErrCodeValidation,
				"rules resolution requires at least one rule")
		}
		for ri := range res.Rules {
			rule := &res.Rules[ri]
			rPath := fmt.Sprintf("%s.rules[%d]", path, ri)
			if rule.Operator != schema.RuleEquals && rule.Operator != schema.RuleContains && rule.Operator != schema.RuleNotEmpty {
				result.AddError(rPath+".operator", schema.ErrCodeValidation,
					fmt.Sprintf("unknown rule operator %q", rule.Operator))
			}
			if rule.Then == nil {
				result.AddError(rPath+".then", schema.ErrCodeValidation,
					"rule requires a then resolution")
			} else {
				validateResolution(rule.Then, rPath+".then", false, result)
			}
		}
		if res.Default != nil {
			validateResolution(res.Default, path+".default", false, result)
		}
	default:
		result.AddError(path+".type", schema.ErrCodeValidation,
			fmt.Sprintf("unknown resolution type %q", res.Type))
	}
}

func validateMilestones(milestones []schema.Milestone, mainIDs map[string]bool, result *schema.ValidationResult) {
	seen := make(map[string]bool, len(milestones))
	for i := range milestones {
		m := &milestones[i]
		path := fmt.Sprintf("milestones[%d]", i)
		if seen[m.ID] {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate milestone id %q", m.ID))
		}
		seen[m.ID] = true
		if m.AfterStepID != "" && !mainIDs[m.AfterStepID] {
			result.AddError(path+".after_step_id", schema.ErrCodeValidation,
				fmt.Sprintf("milestone anchor %q is not a main path step", m.AfterStepID))
		}
	}
}
