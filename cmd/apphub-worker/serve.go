package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the queue workers, trigger evaluator, and asset materializer",
		Example: `  # Run against a local database, loading workflow definitions from ./workflows
  apphub-worker serve --db apphub.db --definitions-dir ./workflows`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := buildApp(dbPath)
	if err != nil {
		return fmt.Errorf("build app: %w", err)
	}
	defer a.store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.registerAdvanceWorker("workflow-advance"); err != nil {
		return fmt.Errorf("register workflow-advance worker: %w", err)
	}
	if err := a.registerAdvanceWorker("workflow-step-retry"); err != nil {
		return fmt.Errorf("register workflow-step-retry worker: %w", err)
	}
	if err := a.registerTriggerWorker(); err != nil {
		return fmt.Errorf("register trigger-evaluation worker: %w", err)
	}

	go a.actor.Run(ctx)

	if definitionsDir != "" {
		if err := a.loadDefinitions(ctx, definitionsDir); err != nil {
			return fmt.Errorf("load workflow definitions: %w", err)
		}
		go func() {
			if err := a.watchDefinitions(ctx, definitionsDir); err != nil {
				a.logger.Warn("definitions watcher stopped", slog.Any("error", err))
			}
		}()
	}

	a.logger.Info("apphub-worker ready",
		slog.String("queue_mode", string(a.cfg.QueueMode)),
		slog.String("db", dbPath))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	a.logger.Info("shutting down")
	cancel()
	if err := a.telemetry.Shutdown(context.Background()); err != nil {
		a.logger.Warn("tracer provider shutdown error", slog.Any("error", err))
	}
	return nil
}
