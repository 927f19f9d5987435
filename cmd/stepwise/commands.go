package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rendis/stepwise/internal/scheduler"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/pkg/mcp"
	"github.com/rendis/stepwise/pkg/schema"
)

const pluginHealthInterval = 30 * time.Second

func newRunCmd(withApp appRunner) *cobra.Command {
	var (
		inputPairs []string
		inputsFile string
		watch      bool
	)
	cmd := &cobra.Command{
		Use:   "run <workflow-file>",
		Short: "Execute a workflow file",
		Example: `  stepwise run flows/review.yaml --input repo=acme/api --input max_files=20
  stepwise run flows/review.yaml --inputs inputs.json`,
		Args: cobra.ExactArgs(1),
	}
	cmd.Flags().StringArrayVarP(&inputPairs, "input", "i", nil, "workflow input as key=value (value parsed as YAML)")
	cmd.Flags().StringVar(&inputsFile, "inputs", "", "JSON or YAML file holding the workflow inputs")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "stream run events to stderr as JSON lines")

	cmd.RunE = withApp(func(cmd *cobra.Command, args []string, a *app) error {
		inputs, err := parseInputs(inputsFile, inputPairs)
		if err != nil {
			return err
		}
		if watch {
			stop, err := a.watch(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer stop()
		}
		res := a.RunFile(cmd.Context(), args[0], inputs)
		return reportResult(cmd.OutOrStdout(), res)
	})
	return cmd
}

func newResumeCmd(withApp appRunner) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "resume <run-id> <step-id>",
		Short: "Resume a paused run after the given step",
		Args:  cobra.ExactArgs(2),
	}
	cmd.Flags().StringVar(&data, "data", "", "response payload (JSON or YAML) injected as <step-id>_response")

	cmd.RunE = withApp(func(cmd *cobra.Command, args []string, a *app) error {
		var payload any
		if data != "" {
			if err := yaml.Unmarshal([]byte(data), &payload); err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "parse --data: %v", err).WithCause(err)
			}
		}
		res := a.engine.ResumeExecution(cmd.Context(), args[0], args[1], payload, a.registry, nil)
		return reportResult(cmd.OutOrStdout(), res)
	})
	return cmd
}

func newStatusCmd(withApp appRunner) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status [run-id]",
		Short: "Show a run and its checkpoints, or list recent runs",
		Args:  cobra.MaximumNArgs(1),
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")

	cmd.RunE = withApp(func(cmd *cobra.Command, args []string, a *app) error {
		if len(args) == 1 {
			rec, cps, err := a.engine.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{"execution": rec, "checkpoints": cps})
		}
		execs, err := a.store.ListExecutions(cmd.Context(), store.ExecutionFilter{Limit: limit})
		if err != nil {
			return err
		}
		return writeExecutions(cmd.OutOrStdout(), execs)
	})
	return cmd
}

func newServeCmd(withApp appRunner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the engine as MCP tools over stdio",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = withApp(func(cmd *cobra.Command, _ []string, a *app) error {
		srv := mcp.NewServer(mcp.ServerDeps{
			Engine:   a.engine,
			Registry: a.registry,
			Logger:   a.logger,
		})
		go a.plugins.Monitor(cmd.Context(), pluginHealthInterval)
		a.logger.Info("mcp server listening on stdio")
		return srv.Serve(cmd.Context())
	})
	return cmd
}

func newPluginsCmd(withApp appRunner) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Load the configured MCP plugins and list their tools",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = withApp(func(cmd *cobra.Command, _ []string, a *app) error {
		a.plugins.HealthCheck(cmd.Context())
		st := a.plugins.Status()
		if len(st) == 0 {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "No plugins loaded.")
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "PLUGIN\tSTATUS\tTOOLS")
		for _, p := range st {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", p.Name, p.Status, strings.Join(p.Tools, ", "))
		}
		return tw.Flush()
	})
	return cmd
}

func newScheduleCmd(withApp appRunner) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "schedule <schedule-file>",
		Short: "Run workflow files on cron schedules",
		Long: `Reads a YAML schedule file:

  jobs:
    - id: nightly-report
      schedule: "0 2 * * *"
      workflow: flows/report.yaml
      inputs: {team: infra}

and fires each enabled job on its schedule until interrupted.`,
		Args: cobra.ExactArgs(1),
	}
	cmd.Flags().BoolVar(&once, "once", false, "run every enabled job once and exit")

	cmd.RunE = withApp(func(cmd *cobra.Command, args []string, a *app) error {
		jobs, err := scheduler.LoadJobs(args[0])
		if err != nil {
			return err
		}
		sched := scheduler.NewScheduler(scheduler.RunnerFunc(a.RunFile), a.logger)
		for _, job := range jobs {
			if err := sched.Add(job); err != nil {
				return err
			}
		}

		if once {
			return runJobsOnce(cmd, sched, jobs)
		}

		if err := sched.Start(cmd.Context()); err != nil {
			return err
		}
		for _, st := range sched.Jobs() {
			next := "disabled"
			if st.NextRunAt != nil {
				next = st.NextRunAt.Format(time.RFC3339)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "scheduled %s (%s) next: %s\n", st.ID, st.Schedule, next)
		}
		<-cmd.Context().Done()
		sched.Stop()
		return nil
	})
	return cmd
}

func runJobsOnce(cmd *cobra.Command, sched *scheduler.Scheduler, jobs []scheduler.Job) error {
	failed := 0
	for _, job := range jobs {
		if job.Disabled {
			continue
		}
		res, err := sched.RunNow(cmd.Context(), job.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", job.ID, res.RunID, res.Status)
		if res.Status == schema.RunStatusFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d scheduled job(s) failed", failed)
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

// parseInputs merges an inputs file with key=value pairs; pairs win.
func parseInputs(file string, pairs []string) (map[string]any, error) {
	inputs := map[string]any{}
	if file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "read inputs %s: %v", file, err).WithCause(err)
		}
		if err := yaml.Unmarshal(raw, &inputs); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "parse inputs %s: %v", file, err).WithCause(err)
		}
	}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "input %q is not key=value", pair)
		}
		var v any = value
		if value != "" {
			if err := yaml.Unmarshal([]byte(value), &v); err != nil {
				v = value
			}
		}
		inputs[key] = v
	}
	return inputs, nil
}

// reportResult prints the run result and turns a failed run into an error.
func reportResult(w io.Writer, res *schema.WorkflowResult) error {
	if err := writeJSON(w, res); err != nil {
		return err
	}
	if res.Status == schema.RunStatusFailed {
		return fmt.Errorf("run %s failed: %s", res.RunID, res.Error)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeExecutions(w io.Writer, execs []*store.Execution) error {
	if len(execs) == 0 {
		_, err := fmt.Fprintln(w, "No runs found.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tWORKFLOW\tSTATUS\tSTEP\tSTARTED\tPAUSED AT")
	for _, e := range execs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			e.RunID, e.WorkflowID, e.Status, e.CurrentStep, e.StartedAt.Format(time.RFC3339), e.PausedAt)
	}
	return tw.Flush()
}
