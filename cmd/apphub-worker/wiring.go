package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/apphub/orchestrator-core/internal/audit"
	"github.com/apphub/orchestrator-core/internal/bus"
	"github.com/apphub/orchestrator-core/internal/clock"
	"github.com/apphub/orchestrator-core/internal/config"
	"github.com/apphub/orchestrator-core/internal/corelog"
	"github.com/apphub/orchestrator-core/internal/eventschema"
	"github.com/apphub/orchestrator-core/internal/ingress"
	"github.com/apphub/orchestrator-core/internal/materializer"
	"github.com/apphub/orchestrator-core/internal/queue"
	"github.com/apphub/orchestrator-core/internal/retry"
	"github.com/apphub/orchestrator-core/internal/runkey"
	"github.com/apphub/orchestrator-core/internal/schedulerstate"
	"github.com/apphub/orchestrator-core/internal/store/sqlite"
	"github.com/apphub/orchestrator-core/internal/telemetry"
	"github.com/apphub/orchestrator-core/internal/trigger"
	"github.com/apphub/orchestrator-core/internal/workflow"
	"github.com/apphub/orchestrator-core/internal/workflow/expression"
)

// app bundles every wired component one apphub-worker process runs. serve
// builds all of it through buildApp; migrate does not use it and opens only
// the store.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	clock     clock.Clock
	telemetry *telemetry.Provider

	store  *sqlite.Store
	bus    *bus.Bus
	queues *queue.Manager

	audit    *audit.Registry
	sched    *schedulerstate.Tracker
	schemas  *eventschema.Registry
	claims   *runkey.Registry
	orch     *workflow.Orchestrator
	ingress  *ingress.Ingress
	trig     *trigger.Evaluator
	actor    *materializer.Actor
}

// buildApp wires every component against one SQLite store at dbPath,
// following the teacher's runServe: load config/logger first, then
// construct collaborators bottom-up, persistence before business logic.
func buildApp(dbPath string) (*app, error) {
	cfg := config.FromEnv()
	switch queueMode.String() {
	case "inline":
		cfg.QueueMode = config.QueueModeInline
	case "distributed":
		cfg.QueueMode = config.QueueModeDistributed
	}

	logCfg := corelog.FromEnv()
	if logLevel != "" {
		logCfg.Level = logLevel
	}
	if logFormat != "" {
		logCfg.Format = corelog.Format(logFormat)
	}
	logger := corelog.New(logCfg)

	clk := clock.NewReal()

	tp := telemetry.New(telemetry.Config{ServiceName: "apphub-worker", SampleRatio: traceSampleRate})

	st, err := sqlite.New(sqlite.Config{Path: dbPath, WAL: true})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	b := bus.New()

	var broker queue.Broker
	if cfg.QueueMode == config.QueueModeDistributed {
		broker = queue.NewMemoryBroker()
	}
	queues := queue.NewManager(func() config.QueueMode { return cfg.QueueMode }, broker, logger)

	auditReg := audit.New(clk)
	sched := schedulerstate.New(clk)
	for _, lim := range cfg.EventSourceRateLimits {
		sched.ConfigureSource(lim.Source, schedulerstate.SourceRateLimit{
			Limit: lim.Limit, IntervalMs: lim.IntervalMs, PauseMs: lim.PauseMs,
		})
	}

	schemas := eventschema.New(st, clk, eventschema.Options{})
	claims := runkey.New(st, clk)
	expr := expression.New()

	ingressBackoff := retry.Policy{BaseMs: cfg.IngestJobBackoffMs, Factor: 2.0, MaxMs: 300000, JitterRatio: 0.2}
	ing := ingress.New(ingress.Config{
		Store:          st,
		Schemas:        schemas,
		SchedulerState: sched,
		Queues:         queues,
		Clock:          clk,
		Backoff:        ingressBackoff,
		EnforceSchema:  cfg.EventSchemaEnforce,
		Audit:          auditReg,
	})

	orch := workflow.New(workflow.Config{
		Store:      st,
		Queues:     queues,
		Expression: expr,
		Clock:      clk,
		Backoff:    retry.DefaultPolicy(),
		Logger:     logger,
		Bus:        b,
	})

	triggerBackoff := retry.Policy{BaseMs: cfg.EventTriggerBackoffMs, Factor: 2.0, MaxMs: 300000, JitterRatio: 0.2}
	trig := trigger.New(trigger.Config{
		Workflows:      st,
		SchedulerState: sched,
		RunCreator:     orch,
		Expression:     expr,
		Clock:          clk,
		Backoff:        triggerBackoff,
		MaxAttempts:    cfg.EventTriggerAttempts,
		Audit:          auditReg,
	})

	actor := materializer.New(materializer.Config{
		Store:       st,
		Bus:         b,
		Claims:      claims,
		RunCreator:  orch,
		Clock:       clk,
		BaseBackoff: time.Duration(cfg.AssetMaterializerBaseBackoffMs) * time.Millisecond,
		MaxBackoff:  time.Duration(cfg.AssetMaterializerMaxBackoffMs) * time.Millisecond,
		Logger:      logger,
	})

	return &app{
		cfg: cfg, logger: logger, clock: clk, telemetry: tp,
		store: st, bus: b, queues: queues,
		audit: auditReg, sched: sched, schemas: schemas, claims: claims,
		orch: orch, ingress: ing, trig: trig, actor: actor,
	}, nil
}

// registerTriggerWorker wires the "trigger-evaluation" queue worker: load
// the persisted envelope by id and hand it to the Trigger Evaluator.
func (a *app) registerTriggerWorker() error {
	return a.queues.EnsureWorker("trigger-evaluation", func(ctx context.Context, job queue.Job) error {
		eventID, _ := job.Data["eventId"].(string)
		env, err := a.store.GetEnvelope(ctx, eventID)
		if err != nil {
			return fmt.Errorf("load envelope %s: %w", eventID, err)
		}
		_, err = a.trig.Evaluate(ctx, env)
		return err
	})
}

// registerAdvanceWorker wires both "workflow-advance" and
// "workflow-step-retry": each just re-runs one fixed-point iteration for
// the run id carried in the job payload.
func (a *app) registerAdvanceWorker(queueName string) error {
	return a.queues.EnsureWorker(queueName, func(ctx context.Context, job queue.Job) error {
		runID, _ := job.Data["runId"].(string)
		return a.orch.Advance(ctx, runID)
	})
}
