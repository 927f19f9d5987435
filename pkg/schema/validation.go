package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity separates blocking issues from advisory ones.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a workflow file, its run inputs or
// a prompt's inputs. Path is a dotted location such as "steps[2].action" or
// "inputs.topic".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues of one validation pass. Only errors
// make it invalid.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

// Valid reports whether no error-severity issue was recorded.
func (r *ValidationResult) Valid() bool {
	return r == nil || len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.add(path, code, message, SeverityError)
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.add(path, code, message, SeverityWarning)
}

func (r *ValidationResult) add(path, code, message string, sev ValidationSeverity) {
	is := ValidationIssue{Path: path, Code: code, Message: message, Severity: sev}
	if sev == SeverityError {
		r.Errors = append(r.Errors, is)
		return
	}
	r.Warnings = append(r.Warnings, is)
}

// Merge appends other's issues. A nil other is a no-op.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// maxListedIssues bounds how many issues ToError spells out in its message.
const maxListedIssues = 3

// ToError returns nil for a valid result. Otherwise it returns a VALIDATION
// FlowError whose message names the first few failing paths and whose
// details carry every issue.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	var msg string
	if len(r.Errors) == 1 {
		msg = r.Errors[0].String()
	} else {
		parts := make([]string, 0, maxListedIssues)
		for i, is := range r.Errors {
			if i == maxListedIssues {
				parts = append(parts, fmt.Sprintf("and %d more", len(r.Errors)-i))
				break
			}
			parts = append(parts, is.String())
		}
		msg = fmt.Sprintf("validation failed with %d errors: %s", len(r.Errors), strings.Join(parts, "; "))
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}
