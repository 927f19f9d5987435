package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/stepwise/pkg/schema"
)

const (
	highRetryThreshold     = 10
	highIterationThreshold = 10000
)

// validateSemantic checks what the structural schema cannot express: step ids
// unique across the whole tree, per-kind required fields, registered actions,
// and pausing waits only at the top level.
func validateSemantic(wf *schema.Workflow, lookup ActionLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	seen := make(map[string]string)
	for i, step := range wf.Steps {
		validateStep(step, fmt.Sprintf("steps[%d]", i), true, seen, lookup, result)
	}
	return result
}

func validateStep(step *schema.Step, path string, topLevel bool, seen map[string]string, lookup ActionLookup, result *schema.ValidationResult) {
	if step == nil {
		result.AddError(path, schema.ErrCodeValidation, "step is null")
		return
	}
	if step.ID != "" {
		if prev, dup := seen[step.ID]; dup {
			result.AddError(path+".id", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q (first declared at %s)", step.ID, prev))
		} else {
			seen[step.ID] = path
		}
	}

	require := func(ok bool, field, msg string) {
		if !ok {
			result.AddError(path+"."+field, schema.ErrCodeValidation, msg)
		}
	}

	switch kind := step.Kind(); kind {
	case schema.StepTypeAction:
		require(step.Action != "", "action", "action step requires an action")
		if step.Action != "" && !strings.Contains(step.Action, ".") {
			result.AddWarning(path+".action", schema.ErrCodeValidation,
				fmt.Sprintf("action %q has no method suffix; failover cannot retarget it", step.Action))
		}
		if step.Action != "" && lookup != nil && !lookup.Has(step.Action) {
			result.AddError(path+".action", schema.ErrCodeNotFound,
				fmt.Sprintf("action %q not registered", step.Action))
		}
	case schema.StepTypeWorkflow:
		require(step.Workflow != "", "workflow", "workflow step requires a workflow path")
	case schema.StepTypeIf:
		require(step.Condition != "", "condition", "if step requires a condition")
		require(len(step.Then) > 0, "then", "if step requires a then sequence")
	case schema.StepTypeSwitch:
		require(step.Expression != "", "expression", "switch step requires an expression")
		require(len(step.Cases) > 0 || len(step.Default) > 0, "cases", "switch step requires cases or a default")
	case schema.StepTypeForEach:
		require(step.Items != "", "items", "for_each step requires items")
		require(len(step.Steps) > 0, "steps", "for_each step requires steps")
	case schema.StepTypeWhile:
		require(step.Condition != "", "condition", "while step requires a condition")
		require(len(step.Steps) > 0, "steps", "while step requires steps")
		if step.MaxIterations > highIterationThreshold {
			result.AddWarning(path+".max_iterations", schema.ErrCodeValidation,
				fmt.Sprintf("high iteration cap (%d)", step.MaxIterations))
		}
	case schema.StepTypeMap, schema.StepTypeFilter, schema.StepTypeReduce:
		require(step.Items != "", "items", fmt.Sprintf("%s step requires items", kind))
		require(step.Expression != "", "expression", fmt.Sprintf("%s step requires an expression", kind))
	case schema.StepTypeParallel:
		require(len(step.Branches) > 0, "branches", "parallel step requires branches")
		branchIDs := make(map[string]bool, len(step.Branches))
		for bi, b := range step.Branches {
			if b == nil || b.ID == "" {
				result.AddError(fmt.Sprintf("%s.branches[%d].id", path, bi), schema.ErrCodeValidation, "branch requires an id")
				continue
			}
			if branchIDs[b.ID] {
				result.AddError(fmt.Sprintf("%s.branches[%d].id", path, bi), schema.ErrCodeValidation,
					fmt.Sprintf("duplicate branch id %q", b.ID))
			}
			branchIDs[b.ID] = true
		}
	case schema.StepTypeTry:
		require(len(step.Try) > 0, "try", "try step requires a try sequence")
	case schema.StepTypeScript:
		require(step.Script != "", "script", "script step requires a script")
	case schema.StepTypeWait:
		switch step.Mode {
		case "", schema.WaitModeDuration:
			require(step.Duration > 0, "duration", "duration wait requires a positive duration")
		case schema.WaitModeApproval, schema.WaitModeForm:
			if !topLevel {
				result.AddError(path+".mode", schema.ErrCodeValidation,
					fmt.Sprintf("%s wait can only pause the run from a top-level step", step.Mode))
			}
		}
	case schema.StepTypeMerge:
		require(len(step.Sources) > 0, "sources", "merge step requires sources")
	}

	if eh := step.ErrorHandling; eh != nil && eh.MaxRetries != nil && *eh.MaxRetries > highRetryThreshold {
		result.AddWarning(path+".error_handling.max_retries", schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", *eh.MaxRetries))
	}

	validateChildren(step, path, seen, lookup, result)
}

func validateChildren(step *schema.Step, path string, seen map[string]string, lookup ActionLookup, result *schema.ValidationResult) {
	seq := func(steps []*schema.Step, field string) {
		for i, s := range steps {
			validateStep(s, fmt.Sprintf("%s.%s[%d]", path, field, i), false, seen, lookup, result)
		}
	}
	seq(step.Then, "then")
	seq(step.Else, "else")
	for _, key := range sortedCaseKeys(step.Cases) {
		seq(step.Cases[key], "cases."+key)
	}
	seq(step.Default, "default")
	seq(step.Steps, "steps")
	for bi, b := range step.Branches {
		if b != nil {
			seq(b.Steps, fmt.Sprintf("branches[%d].steps", bi))
		}
	}
	seq(step.Try, "try")
	seq(step.Catch, "catch")
	seq(step.Finally, "finally")
}
