// Package trigger implements the Trigger Evaluator (spec.md §4.7): match an
// event envelope against the triggers declared on workflow definitions,
// apply pause/filter/throttle gates, and launch workflow runs.
package trigger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/cenkalti/backoff/v5"

	"github.com/apphub/orchestrator-core/internal/audit"
	"github.com/apphub/orchestrator-core/internal/clock"
	"github.com/apphub/orchestrator-core/internal/coreerrors"
	"github.com/apphub/orchestrator-core/internal/retry"
	"github.com/apphub/orchestrator-core/internal/schedulerstate"
	"github.com/apphub/orchestrator-core/internal/store"
	"github.com/apphub/orchestrator-core/internal/workflow"
	"github.com/apphub/orchestrator-core/internal/workflow/expression"
)

// Outcome is one trigger's disposition for one envelope, per spec.md §4.7's
// {paused,filtered,throttled,matched,launched,failed} vocabulary.
type Outcome string

const (
	OutcomePaused    Outcome = "paused"
	OutcomeFiltered  Outcome = "filtered"
	OutcomeThrottled Outcome = "throttled"
	OutcomeLaunched  Outcome = "launched"
	OutcomeFailed    Outcome = "failed"
)

// Delivery records one trigger's disposition for one envelope, for the
// Audit & Metrics surface.
type Delivery struct {
	TriggerID string
	WorkflowID string
	EventID   string
	Outcome   Outcome
	RunID     string
	Error     string
}

// RunCreator is the Workflow Orchestrator's createRun collaborator;
// *workflow.Orchestrator satisfies this directly.
type RunCreator interface {
	CreateRun(ctx context.Context, req workflow.CreateRunRequest) (store.WorkflowRun, error)
}

type throttleWindow struct {
	windowStart time.Time
	count       int
}

// Evaluator is the Trigger Evaluator component.
type Evaluator struct {
	workflows   store.WorkflowStore
	sched       *schedulerstate.Tracker
	runs        RunCreator
	expr        *expression.Resolver
	clock       clock.Clock
	backoff     retry.Policy
	maxAttempts int
	audit       *audit.Registry

	mu        sync.Mutex
	throttles map[string]*throttleWindow
}

// Config bundles Evaluator's collaborators.
type Config struct {
	Workflows      store.WorkflowStore
	SchedulerState *schedulerstate.Tracker
	RunCreator     RunCreator
	Expression     *expression.Resolver
	Clock          clock.Clock
	Backoff        retry.Policy
	MaxAttempts    int
	Audit          *audit.Registry
}

// New constructs an Evaluator from cfg.
func New(cfg Config) *Evaluator {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewReal()
	}
	expr := cfg.Expression
	if expr == nil {
		expr = expression.New()
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Evaluator{
		workflows:   cfg.Workflows,
		sched:       cfg.SchedulerState,
		runs:        cfg.RunCreator,
		expr:        expr,
		clock:       clk,
		backoff:     cfg.Backoff,
		maxAttempts: maxAttempts,
		audit:       cfg.Audit,
		throttles:   make(map[string]*throttleWindow),
	}
}

// Evaluate matches env against every trigger declared on every workflow
// definition, launching a run for each one that passes every gate, per
// spec.md §4.7's five-step algorithm.
func (e *Evaluator) Evaluate(ctx context.Context, env store.EventEnvelope) ([]Delivery, error) {
	defs, err := e.workflows.ListWorkflows(ctx)
	if err != nil {
		return nil, fmt.Errorf("list workflow definitions: %w", err)
	}

	var deliveries []Delivery
	for _, def := range defs {
		for _, trig := range def.Triggers {
			if trig.EventType != env.Type {
				continue
			}
			deliveries = append(deliveries, e.evaluateOne(ctx, def, trig, env))
		}
	}
	return deliveries, nil
}

func (e *Evaluator) evaluateOne(ctx context.Context, def store.WorkflowDefinition, trig store.TriggerDefinition, env store.EventEnvelope) Delivery {
	d := Delivery{TriggerID: trig.ID, WorkflowID: def.ID, EventID: env.ID}

	if e.sched != nil {
		if err := e.sched.AllowTrigger(trig.ID); err != nil {
			d.Outcome = OutcomePaused
			d.Error = err.Error()
			e.recordOutcome(d)
			return d
		}
	}

	if !matchesFilter(trig.Filter, env) {
		d.Outcome = OutcomeFiltered
		e.recordOutcome(d)
		return d
	}

	if !e.allowThrottle(trig) {
		d.Outcome = OutcomeThrottled
		e.recordOutcome(d)
		return d
	}

	scope := eventScope(env)
	parameters, err := e.expr.ResolveMap(trig.ParameterTemplate, scope)
	if err != nil {
		return e.recordFailure(d, trig, err)
	}
	paramMap, _ := parameters.(map[string]any)

	runKey := ""
	if trig.RunKeyTemplate != "" {
		resolved, err := e.expr.ResolveString(trig.RunKeyTemplate, scope)
		if err != nil {
			return e.recordFailure(d, trig, err)
		}
		runKey = fmt.Sprint(resolved)
	}

	run, err := retry.MaxAttemptsRetry(ctx, e.backoff, e.maxAttempts, func() (store.WorkflowRun, error) {
		run, err := e.runs.CreateRun(ctx, workflow.CreateRunRequest{
			WorkflowDefinitionID: def.ID,
			RunKey:               runKey,
			Parameters:           paramMap,
			Trigger:              store.TriggerContext{Type: "event", ID: trig.ID},
			TriggeredBy:          env.ID,
		})
		if err != nil && coreerrors.IsRetryable(err) {
			return store.WorkflowRun{}, err
		}
		if err != nil {
			return store.WorkflowRun{}, backoff.Permanent(err)
		}
		return run, nil
	})
	if err != nil {
		return e.recordFailure(d, trig, err)
	}

	if e.sched != nil {
		e.sched.RecordTriggerSuccess(trig.ID)
	}
	d.Outcome = OutcomeLaunched
	d.RunID = run.ID
	e.recordOutcome(d)
	return d
}

func (e *Evaluator) recordFailure(d Delivery, trig store.TriggerDefinition, err error) Delivery {
	if e.sched != nil {
		e.sched.RecordTriggerFailure(trig.ID)
	}
	d.Outcome = OutcomeFailed
	d.Error = err.Error()
	e.recordOutcome(d)
	return d
}

func (e *Evaluator) recordOutcome(d Delivery) {
	if e.audit != nil {
		e.audit.RecordTriggerOutcome(d.TriggerID, string(d.Outcome), d.Error)
	}
}

// allowThrottle applies a per-trigger, per-minute request budget. A
// throttle of 0 means unlimited.
func (e *Evaluator) allowThrottle(trig store.TriggerDefinition) bool {
	if trig.ThrottlePerMinute <= 0 {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	w, ok := e.throttles[trig.ID]
	if !ok || now.Sub(w.windowStart) >= time.Minute {
		w = &throttleWindow{windowStart: now}
		e.throttles[trig.ID] = w
	}
	if w.count >= trig.ThrottlePerMinute {
		return false
	}
	w.count++
	return true
}

// eventScope is the template scope a trigger's parameterTemplate and
// runKeyTemplate are resolved against: {source, payload, metadata,
// correlationId, occurredAt}.
func eventScope(env store.EventEnvelope) map[string]any {
	return map[string]any{
		"source":        env.Source,
		"payload":       env.Payload,
		"metadata":      env.Metadata,
		"correlationId": env.CorrelationID,
		"occurredAt":    env.OccurredAt,
		"event": map[string]any{
			"id":   env.ID,
			"type": env.Type,
		},
	}
}

// matchesFilter is a pure predicate over env: every key in filter must
// equal (or, for nested paths like "payload.ref", resolve to) the
// corresponding value in env. A string filter value containing glob
// metacharacters (*, ?, [, ]) is matched with doublestar instead of exact
// equality, e.g. "refs/heads/*" against a "payload.ref" of
// "refs/heads/main" — the same extended glob syntax the teacher's
// filewatcher.PatternMatcher uses for include/exclude path rules. An
// empty/nil filter always matches.
func matchesFilter(filter map[string]any, env store.EventEnvelope) bool {
	if len(filter) == 0 {
		return true
	}
	scope := eventScope(env)
	for path, want := range filter {
		got, ok := lookupPath(scope, path)
		if !ok || !valuesMatch(got, want) {
			return false
		}
	}
	return true
}

func lookupPath(scope map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	var cur any = scope
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// valuesMatch compares by direct equality first, falling back to string
// form so a filter value of "3" matches a numeric payload field of 3. A
// string filter value containing glob metacharacters is matched against the
// stringified payload value with doublestar instead.
func valuesMatch(got, want any) bool {
	if got == want {
		return true
	}
	if got == nil || want == nil {
		return false
	}
	if pattern, ok := want.(string); ok && isGlobPattern(pattern) {
		matched, err := doublestar.Match(pattern, fmt.Sprint(got))
		return err == nil && matched
	}
	return fmt.Sprint(got) == fmt.Sprint(want)
}

func isGlobPattern(s string) bool {
	return strings.ContainsAny(s, "*?[")
}
