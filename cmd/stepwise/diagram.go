package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/stepwise/internal/diagram"
	"github.com/rendis/stepwise/internal/loader"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/schema"
)

func newDiagramCmd(withApp appRunner) *cobra.Command {
	var (
		runID  string
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "diagram [workflow-file]",
		Short: "Render a workflow, or a recorded run with step status, as a diagram",
		Example: `  stepwise diagram flows/review.yaml
  stepwise diagram --run 4f6c... --format png -o run.png`,
		Args: cobra.MaximumNArgs(1),
	}
	cmd.Flags().StringVar(&runID, "run", "", "overlay the checkpoints of this run")
	cmd.Flags().StringVarP(&format, "format", "f", "mermaid", "mermaid, ascii, png, svg or dot")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to a file instead of stdout")

	cmd.RunE = withApp(func(cmd *cobra.Command, args []string, a *app) error {
		if len(args) == 0 && runID == "" {
			return schema.NewError(schema.ErrCodeValidation, "diagram needs a workflow file or --run")
		}

		var (
			wf  *schema.Workflow
			rec *store.Execution
			cps []*store.Checkpoint
			err error
		)
		if runID != "" {
			rec, cps, err = a.engine.Status(cmd.Context(), runID)
			if err != nil {
				return err
			}
		}
		switch {
		case len(args) == 1:
			wf, err = loader.Load(args[0])
		default:
			wf = &schema.Workflow{}
			if uerr := json.Unmarshal(rec.Workflow, wf); uerr != nil {
				err = schema.NewErrorf(schema.ErrCodeStore, "decode workflow of run %s: %v", runID, uerr).WithCause(uerr)
			}
		}
		if err != nil {
			return err
		}

		model, err := diagram.Build(wf, rec, cps)
		if err != nil {
			return err
		}
		out, err := renderDiagram(cmd, model, format)
		if err != nil {
			return err
		}
		if output != "" {
			if err := os.WriteFile(output, out, 0o644); err != nil {
				return schema.NewErrorf(schema.ErrCodeExecution, "write %s: %v", output, err).WithCause(err)
			}
			return nil
		}
		return writeAll(cmd.OutOrStdout(), out)
	})
	return cmd
}

func renderDiagram(cmd *cobra.Command, model *diagram.Model, format string) ([]byte, error) {
	switch format {
	case "mermaid":
		return []byte(diagram.RenderMermaid(model)), nil
	case "ascii":
		return []byte(diagram.RenderASCII(model)), nil
	case "png", "svg", "dot":
		return diagram.RenderImage(cmd.Context(), model, diagram.ImageFormat(format))
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown diagram format %q", format)
	}
}

func writeAll(w io.Writer, b []byte) error {
	_, err := w.Write(b)
	return err
}
