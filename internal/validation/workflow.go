package validation

import "github.com/mukund-aria/ai-flow-saas-sub008/pkg/schema"

// WorkflowValidator orchestrates the two-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (id uniqueness, fan-out bounds, config payloads, references)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	limits     schema.StructureLimits
}

// NewWorkflowValidator creates a WorkflowValidator with the given structure
// bounds.
func NewWorkflowValidator(limits schema.StructureLimits) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		limits:     limits,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: the semantic stage is skipped.
func (wv *WorkflowValidator) Validate(wf *schema.Workflow) *schema.ValidationResult {
	if wf == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow is nil")
		return r
	}

	result := validateStructural(wv.jsonSchema, wf)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(wf, wv.limits))
	return result
}

// ValidateWorkflow returns the validation result collapsed to an error.
func (wv *WorkflowValidator) ValidateWorkflow(wf *schema.Workflow) error {
	return wv.Validate(wf).ToError()
}

// ValidateKickoff delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateKickoff(data map[string]any, kickoffSchema []byte) error {
	return wv.jsonSchema.ValidateKickoff(data, kickoffSchema)
}

// validateStructural wraps JSONSchemaValidator.ValidateWorkflow, converting
// its error output into ValidationResult.
func validateStructural(v *JSONSchemaValidator, wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateWorkflow(wf)
	if err == nil {
		return result
	}

	flowErr, ok := err.(*schema.FlowError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if flowErr.Details != nil {
		if violations, ok := flowErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, flowErr.Message)
	return result
}
