package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "stepwise",
		Short: "Stepwise - declarative workflow engine for agent pipelines",
		Long: `Stepwise runs YAML or JSON workflow files: action steps with retries,
circuit breakers and service failover, control flow, parallel branches,
parallel.spawn / parallel.map fan-out, and checkpointed pause/resume.

Configuration is layered: defaults, ~/.stepwise/settings.yaml (or --config),
STEPWISE_* environment variables, then flags.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "settings file (default ~/.stepwise/settings.yaml)")
	pf.String("db", "", `database path, or ":memory:" (default ~/.stepwise/stepwise.db)`)
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text or json")
	pf.String("agent-binary", "", "agent CLI executable")
	pf.String("model", "", "default agent model")
	pf.String("timeout", "", "default step timeout, e.g. 30s")
	pf.Int("max-retries", 0, "default retries per action step")
	pf.Int("concurrency", 0, "default parallel.map concurrency")
	pf.String("fallback", "", "comma-separated fallback services for failover")
	pf.Bool("strict-cancellation", false, "cancel abandoned parallel.spawn calls")

	withApp := func(fn func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(configPath, cmd.Flags(), os.Getenv)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), s)
			if err != nil {
				return err
			}
			defer a.Close()
			return fn(cmd, args, a)
		}
	}

	root.AddCommand(
		newRunCmd(withApp),
		newResumeCmd(withApp),
		newStatusCmd(withApp),
		newServeCmd(withApp),
		newScheduleCmd(withApp),
		newValidateCmd(withApp),
		newDiagramCmd(withApp),
		newPluginsCmd(withApp),
		newVersionCmd(),
	)
	return root
}

type appRunner func(fn func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error
