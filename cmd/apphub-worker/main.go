// Package main is the apphub-worker process entrypoint: a single binary
// that runs the queue workers, trigger evaluator, and asset materializer
// over one SQLite-backed store, following the teacher's internal/cli
// root-command-plus-subcommands shape.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	dbPath          string
	definitionsDir  string
	logLevel        string
	logFormat       string
	queueMode       = newQueueModeFlag()
	traceSampleRate float64
)

// queueModeFlag is a pflag.Value restricting --queue-mode to the values
// config.QueueMode actually accepts, rather than taking any string and
// failing later inside buildApp.
type queueModeFlag string

func newQueueModeFlag() *queueModeFlag {
	v := queueModeFlag("")
	return &v
}

func (f *queueModeFlag) String() string { return string(*f) }
func (f *queueModeFlag) Type() string   { return "queueMode" }
func (f *queueModeFlag) Set(v string) error {
	switch v {
	case "", "inline", "distributed":
		*f = queueModeFlag(v)
		return nil
	default:
		return fmt.Errorf("queue-mode must be 'inline' or 'distributed', got %q", v)
	}
}

var _ pflag.Value = (*queueModeFlag)(nil)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "apphub-worker",
		Short:         "apphub-worker runs the workflow & asset orchestration core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&dbPath, "db", "apphub.db", "SQLite database path (':memory:' for ephemeral)")
	cmd.PersistentFlags().StringVar(&definitionsDir, "definitions-dir", "", "directory of *.yaml/*.yml workflow definitions to load and hot-reload")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "overrides APPHUB_LOG_LEVEL")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "overrides APPHUB_LOG_FORMAT")
	cmd.PersistentFlags().Var(queueMode, "queue-mode", "inline|distributed, overrides APPHUB_EVENTS_MODE")
	cmd.PersistentFlags().Float64Var(&traceSampleRate, "trace-sample-ratio", 0, "fraction of traces to record, 0 disables tracing")

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newMigrateCommand())
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
