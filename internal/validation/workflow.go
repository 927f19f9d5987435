package validation

import (
	"sort"

	"github.com/rendis/stepwise/pkg/schema"
)

// WorkflowValidator runs the two-stage pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (ids, per-kind fields, action refs, pause placement)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	actions    ActionLookup
}

// NewWorkflowValidator creates a WorkflowValidator.
// lookup may be nil to skip action existence checks.
func NewWorkflowValidator(lookup ActionLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{jsonSchema: jsv, actions: lookup}, nil
}

// Validate runs both stages. Structural errors short-circuit.
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
	result.Merge(validateSemantic(wf, wv.actions))
	return result
}

// ValidateWorkflow satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateWorkflow(wf *schema.Workflow) error {
	return wv.Validate(wf).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (wv *WorkflowValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return wv.jsonSchema.ValidateInput(input, inputSchema)
}

// ValidateInputs checks run inputs against the workflow's declared inputs:
// required ones must be present unless they carry a default.
func ValidateInputs(wf *schema.Workflow, inputs map[string]any) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if wf == nil {
		return result
	}
	names := make([]string, 0, len(wf.Inputs))
	for name := range wf.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		spec := wf.Inputs[name]
		if _, ok := inputs[name]; ok || !spec.Required || spec.Default != nil {
			continue
		}
		result.AddError("inputs."+name, schema.ErrCodeValidation, "missing required input \""+name+"\"")
	}
	return result
}

func validateStructural(v *JSONSchemaValidator, wf *schema.Workflow) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateWorkflow(wf)
	if err == nil {
		return result
	}
	fe, ok := err.(*schema.FlowError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if violations, ok := fe.Details["violations"].([]string); ok {
		for _, msg := range violations {
			result.AddError("/", schema.ErrCodeValidation, msg)
		}
		return result
	}
	result.AddError("/", schema.ErrCodeValidation, fe.Message)
	return result
}

func sortedCaseKeys(cases map[string][]*schema.Step) []string {
	keys := make([]string, 0, len(cases))
	for k := range cases {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
