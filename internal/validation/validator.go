package validation

import "github.com/rendis/stepwise/pkg/schema"

// Validator checks workflows before execution and validates data against
// JSON Schema Draft 2020-12 documents.
type Validator interface {
	ValidateWorkflow(wf *schema.Workflow) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// ActionLookup reports whether an action name can be executed.
type ActionLookup interface {
	Has(name string) bool
}
