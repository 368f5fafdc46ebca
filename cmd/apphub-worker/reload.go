package main

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/apphub/orchestrator-core/internal/workflow"
)

// relevantOps are the fsnotify operations that should trigger a reload;
// Chmod is deliberately left out and ignored.
var relevantOps = map[fsnotify.Op]bool{
	fsnotify.Create: true,
	fsnotify.Write:  true,
	fsnotify.Rename: true,
}

// loadDefinitions registers every *.yaml/*.yml workflow definition under dir
// with the orchestrator, seeding the initial set before watchDefinitions
// starts watching for changes.
func (a *app) loadDefinitions(ctx context.Context, dir string) error {
	defs, err := workflow.LoadDefinitionsDir(dir)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if err := a.orch.RegisterWorkflow(ctx, def); err != nil {
			return err
		}
		a.logger.Info("registered workflow definition", slog.String("workflow_id", def.ID), slog.String("slug", def.Slug))
	}
	return nil
}

// watchDefinitions reloads dir on every write/create/rename event until ctx
// is canceled.
func (a *app) watchDefinitions(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			ext := filepath.Ext(ev.Name)
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			if !relevantOps[ev.Op] {
				continue
			}
			a.logger.Info("workflow definitions changed, reloading", slog.String("file", ev.Name))
			if err := a.loadDefinitions(ctx, dir); err != nil {
				a.logger.Warn("failed to reload workflow definitions", slog.Any("error", err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			a.logger.Warn("definitions watcher error", slog.Any("error", err))
		}
	}
}
