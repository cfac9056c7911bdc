package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/mukund-aria/ai-flow-saas-sub008/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for template structural validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowd.dev/schemas/workflow.json",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "id": { "type": "string" },
    "name": { "type": "string" },
    "steps": {
      "type": "array",
      "items": { "$ref": "#/$defs/step" }
    },
    "milestones": {
      "type": "array",
      "items": { "$ref": "#/$defs/milestone" }
    },
    "roles": {
      "type": "array",
      "items": { "$ref": "#/$defs/role" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "type": {
          "type": "string",
          "enum": ["task", "branch", "decision", "goto", "terminate", "wait", "automation"]
        },
        "role": { "type": "string" },
        "config": {},
        "due_date": { "$ref": "#/$defs/due_date" },
        "paths": {
          "type": "array",
          "items": { "$ref": "#/$defs/path" }
        },
        "outcomes": {
          "type": "array",
          "items": { "$ref": "#/$defs/outcome" }
        }
      },
      "additionalProperties": false
    },
    "path": {
      "type": "object",
      "required": ["id", "steps"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "label": { "type": "string" },
        "condition": { "$ref": "#/$defs/condition" },
        "steps": {
          "type": "array",
          "items": { "$ref": "#/$defs/step" }
        }
      },
      "additionalProperties": false
    },
    "outcome": {
      "type": "object",
      "required": ["id", "steps"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "label": { "type": "string" },
        "steps": {
          "type": "array",
          "items": { "$ref": "#/$defs/step" }
        }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["source", "operator"],
      "properties": {
        "source": { "type": "string" },
        "operator": {
          "type": "string",
          "enum": ["equals", "not_equals", "contains", "not_contains", "greater_than", "less_than", "is_empty", "not_empty", "in", "not_in"]
        },
        "value": { "type": "string" }
      },
      "additionalProperties": false
    },
    "due_date": {
      "type": "object",
      "properties": {
        "mode": {
          "type": "string",
          "enum": ["relative", "fixed", "before_flow_due"]
        },
        "amount": { "type": "integer", "minimum": 0 },
        "unit": {
          "type": "string",
          "enum": ["hours", "days", "weeks"]
        },
        "at": { "type": "string", "format": "date-time" }
      },
      "additionalProperties": false
    },
    "milestone": {
      "type": "object",
      "required": ["id", "name"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string", "minLength": 1 },
        "after_step_id": { "type": "string" }
      },
      "additionalProperties": false
    },
    "role": {
      "type": "object",
      "required": ["name", "resolution"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "resolution": { "$ref": "#/$defs/resolution" }
      },
      "additionalProperties": false
    },
    "resolution": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["contact_tbd", "fixed_contact", "workspace_initializer", "kickoff_form_field", "flow_variable", "round_robin", "rules"]
        },
        "email": { "type": "string" },
        "field_key": { "type": "string" },
        "variable_key": { "type": "string" },
        "emails": {
          "type": "array",
          "items": { "type": "string" }
        },
        "source": {
          "type": "object",
          "required": ["kind", "key"],
          "properties": {
            "kind": {
              "type": "string",
              "enum": ["kickoff_form_field", "flow_variable", "step_output"]
            },
            "key": { "type": "string" }
          },
          "additionalProperties": false
        },
        "rules": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["operator", "then"],
            "properties": {
              "operator": {
                "type": "string",
                "enum": ["equals", "contains", "not_empty"]
              },
              "value": { "type": "string" },
              "then": { "$ref": "#/$defs/resolution" }
            },
            "additionalProperties": false
          }
        },
        "default": { "$ref": "#/$defs/resolution" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates templates and kickoff payloads using JSON
// Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the cache for dynamic kickoff schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with the workflow
// schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://flowd.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile("https://flowd.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateWorkflow validates a workflow template against the embedded schema.
func (v *JSONSchemaValidator) ValidateWorkflow(wf *schema.Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow is nil")
	}

	doc, err := toJSONValue(wf)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow").WithCause(err)
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateKickoff validates kickoff data against a template's kickoff form
// schema. An empty schema means no validation. Compiled schemas are cached
// for subsequent calls with the same bytes.
func (v *JSONSchemaValidator) ValidateKickoff(data map[string]any, kickoffSchema []byte) error {
	if len(kickoffSchema) == 0 {
		return nil
	}
	if data == nil {
		data = map[string]any{}
	}

	compiled, err := v.getOrCompile(kickoffSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid kickoff schema").WithCause(err)
	}

	doc, err := toJSONValue(data)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize kickoff data").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("flowd://kickoff-schema/%d", len(v.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError with
// one message per violated location.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
