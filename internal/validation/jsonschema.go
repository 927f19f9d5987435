package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/stepwise/pkg/schema"
)

const workflowSchemaURL = "https://stepwise.dev/schemas/workflow.json"

// workflowSchemaJSON is the structural schema of a serialized schema.Workflow.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stepwise.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "steps"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "version": { "type": "string" },
    "description": { "type": "string" },
    "base_path": { "type": "string" },
    "defaults": {
      "type": "object",
      "properties": {
        "agent": { "type": "string" },
        "model": { "type": "string" },
        "permissions": { "type": "object" }
      },
      "additionalProperties": false
    },
    "inputs": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "type": { "type": "string" },
          "description": { "type": "string" },
          "required": { "type": "boolean" },
          "default": {}
        },
        "additionalProperties": false
      }
    },
    "steps": { "$ref": "#/$defs/sequence", "minItems": 1 }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "oneOf": [
        { "type": "string", "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$" },
        { "type": "integer", "minimum": 0 }
      ]
    },
    "sequence": {
      "type": "array",
      "items": { "$ref": "#/$defs/step" }
    },
    "step": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "type": {
          "type": "string",
          "enum": ["action", "workflow", "if", "switch", "for_each", "while", "map", "filter", "reduce", "parallel", "try", "script", "wait", "merge"]
        },
        "conditions": { "type": "array", "items": { "type": "string", "minLength": 1 } },
        "output_variable": { "type": "string" },
        "error_handling": {
          "type": "object",
          "properties": {
            "action": { "type": "string", "enum": ["stop", "rollback", "continue"] },
            "max_retries": { "type": "integer", "minimum": 0 }
          },
          "additionalProperties": false
        },
        "timeout": { "$ref": "#/$defs/duration" },
        "action": { "type": "string" },
        "inputs": { "type": "object" },
        "prompt": { "type": "string" },
        "prompt_inputs": { "type": "object" },
        "workflow": { "type": "string" },
        "use_subagent": { "type": "boolean" },
        "subagent": {
          "type": "object",
          "properties": {
            "agent": { "type": "string" },
            "model": { "type": "string" }
          },
          "additionalProperties": false
        },
        "condition": { "type": "string" },
        "then": { "$ref": "#/$defs/sequence" },
        "else": { "$ref": "#/$defs/sequence" },
        "expression": { "type": "string" },
        "cases": {
          "type": "object",
          "additionalProperties": { "$ref": "#/$defs/sequence" }
        },
        "default": { "$ref": "#/$defs/sequence" },
        "items": { "type": "string" },
        "item_variable": { "type": "string" },
        "index_variable": { "type": "string" },
        "accumulator_variable": { "type": "string" },
        "initial_value": {},
        "max_iterations": { "type": "integer", "minimum": 0 },
        "steps": { "$ref": "#/$defs/sequence" },
        "branches": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["id", "steps"],
            "properties": {
              "id": { "type": "string", "minLength": 1 },
              "steps": { "$ref": "#/$defs/sequence" }
            },
            "additionalProperties": false
          }
        },
        "max_concurrent": { "type": "integer", "minimum": 0 },
        "try": { "$ref": "#/$defs/sequence" },
        "catch": { "$ref": "#/$defs/sequence" },
        "finally": { "$ref": "#/$defs/sequence" },
        "script": { "type": "string" },
        "mode": { "type": "string", "enum": ["duration", "approval", "form"] },
        "duration": { "$ref": "#/$defs/duration" },
        "message": { "type": "string" },
        "sources": { "type": "array", "items": { "type": "string" } },
        "strategy": { "type": "string", "enum": ["shallow", "deep", "concat"] }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates workflows structurally and arbitrary inputs
// against caller-provided schemas. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// mu guards the compiled input-schema cache.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the workflow schema.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := newCompiler()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}
	wfSchema, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{
		workflowSchema: wfSchema,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateWorkflow checks a workflow against the structural schema.
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

// ValidateInput validates input against a JSON Schema given as raw bytes.
// Compiled schemas are cached by their text. An empty schema accepts anything.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}
	if input == nil {
		input = map[string]any{}
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateInputMap is ValidateInput for a schema already decoded into a map.
func (v *JSONSchemaValidator) ValidateInputMap(input map[string]any, inputSchema map[string]any) error {
	if len(inputSchema) == 0 {
		return nil
	}
	raw, err := json.Marshal(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}
	return v.ValidateInput(input, raw)
}

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

	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// A fresh compiler and URL per schema keeps resources from colliding.
	url := fmt.Sprintf("stepwise://input-schema/%d", len(v.cache))
	c := newCompiler()
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

func newCompiler() *jsonschema.Compiler {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	return c
}

// toJSONValue round-trips v through JSON so numbers become json.Number,
// which the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError flattens a jsonschema.ValidationError into a FlowError whose
// details list every leaf violation.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "validation failed with %d errors", len(violations)).
			WithDetails(map[string]any{"violations": violations})
	}
}

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
