package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rendis/stepwise/internal/actions"
	"github.com/rendis/stepwise/internal/expressions"
	"github.com/rendis/stepwise/internal/loader"
	"github.com/rendis/stepwise/internal/validation"
	"github.com/rendis/stepwise/pkg/schema"
)

func newValidateCmd(withApp appRunner) *cobra.Command {
	var (
		inputPairs []string
		inputsFile string
	)
	cmd := &cobra.Command{
		Use:   "validate <workflow-file>",
		Short: "Check a workflow file without running it",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().StringArrayVarP(&inputPairs, "input", "i", nil, "workflow input as key=value, checked against the declared inputs")
	cmd.Flags().StringVar(&inputsFile, "inputs", "", "JSON or YAML file holding the workflow inputs")

	cmd.RunE = withApp(func(cmd *cobra.Command, args []string, a *app) error {
		wf, err := loader.Load(args[0])
		if err != nil {
			return err
		}
		builtins, err := actions.NewBuiltinRegistry(expressions.NewGoJQEngine())
		if err != nil {
			return err
		}
		wv, err := validation.NewWorkflowValidator(anyOf{a.registry, builtins})
		if err != nil {
			return err
		}

		res := wv.Validate(wf)
		if len(inputPairs) > 0 || inputsFile != "" {
			inputs, err := parseInputs(inputsFile, inputPairs)
			if err != nil {
				return err
			}
			res.Merge(validation.ValidateInputs(wf, inputs))
		}
		writeValidation(cmd.OutOrStdout(), wf.ID, res)
		return res.ToError()
	})
	return cmd
}

// anyOf reports an action as known when any lookup knows it.
type anyOf []validation.ActionLookup

func (l anyOf) Has(name string) bool {
	for _, lk := range l {
		if lk.Has(name) {
			return true
		}
	}
	return false
}

func writeValidation(w io.Writer, workflowID string, res *schema.ValidationResult) {
	for _, is := range res.Errors {
		fmt.Fprintf(w, "error   %s: %s\n", is.Path, is.Message)
	}
	for _, is := range res.Warnings {
		fmt.Fprintf(w, "warning %s: %s\n", is.Path, is.Message)
	}
	if res.Valid() {
		fmt.Fprintf(w, "%s is valid\n", workflowID)
	}
}
