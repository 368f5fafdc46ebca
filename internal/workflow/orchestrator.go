package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/apphub/orchestrator-core/internal/assetevents"
	"github.com/apphub/orchestrator-core/internal/bus"
	"github.com/apphub/orchestrator-core/internal/clock"
	"github.com/apphub/orchestrator-core/internal/coreerrors"
	"github.com/apphub/orchestrator-core/internal/queue"
	"github.com/apphub/orchestrator-core/internal/retry"
	"github.com/apphub/orchestrator-core/internal/store"
	"github.com/apphub/orchestrator-core/internal/telemetry"
	"github.com/apphub/orchestrator-core/internal/workflow/expression"
)

const (
	retryQueueName = "workflow-step-retry"
	maxFanOutItems = 10000
	maxFanOutConc  = 1000
)

// CreateRunRequest is what a trigger, auto-materializer, or manual API call
// hands to CreateRun.
type CreateRunRequest struct {
	WorkflowDefinitionID string
	RunKey               string
	Parameters           map[string]any
	Trigger              store.TriggerContext
	TriggeredBy          string
	PartitionKey         string
}

// Orchestrator is the Workflow Orchestrator (spec.md §4.8): DAG execution
// of job/service/fanout steps with template resolution, per-step retries,
// and produced-asset extraction.
type Orchestrator struct {
	store    store.Store
	queues   *queue.Manager
	jobs     JobRuntime
	services ServiceRegistry
	http     HTTPDoer
	secrets  SecretResolver
	expr     *expression.Resolver
	clock    clock.Clock
	backoff  retry.Policy
	logger   *slog.Logger
	bus      *bus.Bus
	tracer   trace.Tracer
}

// Config bundles Orchestrator's collaborators.
type Config struct {
	Store          store.Store
	Queues         *queue.Manager
	JobRuntime     JobRuntime
	ServiceRegistry ServiceRegistry
	HTTPDoer       HTTPDoer
	SecretResolver SecretResolver
	Expression     *expression.Resolver
	Clock          clock.Clock
	Backoff        retry.Policy
	Logger         *slog.Logger
	// Bus, when set, receives asset.produced, workflow.run.lifecycle, and
	// workflow.definition.updated events for the Asset Materializer.
	Bus *bus.Bus
	// Tracer wraps each step dispatch in a span. Defaults to the global
	// tracer provider's "workflow" tracer (a no-op unless telemetry.New
	// configured a provider with a non-zero sample ratio).
	Tracer trace.Tracer
}

// New constructs an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewReal()
	}
	expr := cfg.Expression
	if expr == nil {
		expr = expression.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer("workflow")
	}
	return &Orchestrator{
		store:    cfg.Store,
		queues:   cfg.Queues,
		jobs:     cfg.JobRuntime,
		services: cfg.ServiceRegistry,
		http:     cfg.HTTPDoer,
		secrets:  cfg.SecretResolver,
		expr:     expr,
		clock:    clk,
		backoff:  cfg.Backoff,
		logger:   logger.With(slog.String("component", "workflow")),
		bus:      cfg.Bus,
		tracer:   tracer,
	}
}

// publish is a no-op when no bus was configured, so Orchestrator works
// standalone in tests and in deployments that run without the materializer.
func (o *Orchestrator) publish(topic string, msg bus.Message) {
	if o.bus != nil {
		o.bus.Publish(topic, msg)
	}
}

// RegisterWorkflow persists def and announces the change on
// assetevents.TopicDefinitionUpdated so the Asset Materializer can rebuild
// its producer/consumer graph for it.
func (o *Orchestrator) RegisterWorkflow(ctx context.Context, def store.WorkflowDefinition) error {
	if err := o.store.PutWorkflow(ctx, def); err != nil {
		return fmt.Errorf("put workflow definition: %w", err)
	}
	o.publish(assetevents.TopicDefinitionUpdated, def.ID)
	return nil
}

// CreateRun implements spec.md §4.8's run-key uniqueness guarantee: an
// existing run with the same (workflowDefinitionId, runKeyNormalized) is
// returned instead of creating a duplicate. Both stores keep that key
// unique across all runs, terminal ones included, so once a run has
// finished its run key still returns that finished run and no new run is
// created under it.
func (o *Orchestrator) CreateRun(ctx context.Context, req CreateRunRequest) (store.WorkflowRun, error) {
	def, err := o.store.GetWorkflow(ctx, req.WorkflowDefinitionID)
	if err != nil {
		return store.WorkflowRun{}, fmt.Errorf("load workflow definition: %w", err)
	}
	if _, err := topoSort(def.Steps); err != nil {
		return store.WorkflowRun{}, err
	}

	runKeyNormalized := normalizeRunKey(req.RunKey)
	if runKeyNormalized != "" {
		existing, err := o.store.GetRunByKey(ctx, def.ID, runKeyNormalized)
		if err == nil && !existing.Status.IsTerminal() {
			return existing, nil
		}
		if err != nil && err != store.ErrNotFound {
			return store.WorkflowRun{}, fmt.Errorf("lookup run by key: %w", err)
		}
	}

	parameters := mergeParameters(def.DefaultParameters, req.Parameters)
	run := store.WorkflowRun{
		ID:                   clock.NewPrefixedID("run"),
		WorkflowDefinitionID: def.ID,
		Status:               store.StatusPending,
		RunKey:               req.RunKey,
		RunKeyNormalized:     runKeyNormalized,
		Parameters:           parameters,
		Trigger:              req.Trigger,
		TriggeredBy:          req.TriggeredBy,
		PartitionKey:         req.PartitionKey,
		CreatedAt:            o.clock.Now(),
		Shared:               map[string]any{},
	}

	if err := o.store.CreateRun(ctx, run); err != nil {
		var conflict *coreerrors.ConflictError
		if errors.As(err, &conflict) && runKeyNormalized != "" {
			if existing, lookupErr := o.store.GetRunByKey(ctx, def.ID, runKeyNormalized); lookupErr == nil {
				return existing, nil
			}
		}
		return store.WorkflowRun{}, fmt.Errorf("create run: %w", err)
	}

	if err := o.enqueueAdvance(ctx, run.ID); err != nil {
		o.logger.Warn("failed to enqueue initial advance", slog.String("run_id", run.ID), slog.Any("error", err))
	}
	return run, nil
}

func normalizeRunKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// enqueueAdvance schedules one fixed-point iteration for runID. The job id
// must be unique per wave: the queue layer treats a duplicate id as an
// idempotent no-op (inline.go, memorybroker.go), and an inline handle's
// "seen" set persists for the process lifetime, so a constant id would let
// the very first enqueue (from CreateRun) permanently suppress every
// subsequent re-enqueue reached when a step unblocks a downstream step.
func (o *Orchestrator) enqueueAdvance(ctx context.Context, runID string) error {
	if o.queues == nil {
		return nil
	}
	_, err := o.queues.Enqueue(ctx, "workflow-advance", "advance", queue.Job{
		ID:   "advance-" + runID + "-" + clock.NewID(),
		Data: map[string]any{"runId": runID},
	})
	return err
}

// Advance is the resumable fixed-point DAG execution loop from spec.md
// §4.8: it re-derives state from the store on every invocation, so it is
// safe to call repeatedly (once per worker pickup, once per retry-job
// firing) without in-process state.
func (o *Orchestrator) Advance(ctx context.Context, runID string) error {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	if run.Status.IsTerminal() {
		return nil
	}

	def, err := o.store.GetWorkflow(ctx, run.WorkflowDefinitionID)
	if err != nil {
		return fmt.Errorf("load workflow definition: %w", err)
	}
	order, err := topoSort(def.Steps)
	if err != nil {
		return o.failRun(ctx, run, err)
	}

	if run.Status == store.StatusPending {
		run.Status = store.StatusRunning
		now := o.clock.Now()
		run.StartedAt = &now
		if err := o.store.UpdateRunStatus(ctx, run.ID, run.Status, ""); err != nil {
			return fmt.Errorf("mark run running: %w", err)
		}
	}

	runs, err := o.loadStepRuns(ctx, run.ID)
	if err != nil {
		return err
	}

	ready := eligible(order, runs)
	if len(ready) == 0 {
		return o.maybeFinalize(ctx, run, order, runs)
	}

	for _, step := range ready {
		if err := o.runStep(ctx, &run, def, step, runs); err != nil {
			return err
		}
	}

	runs, err = o.loadStepRuns(ctx, run.ID)
	if err != nil {
		return err
	}
	if anyFailed(order, runs) {
		return o.finishRun(ctx, run, store.StatusFailed, firstFailureMessage(order, runs))
	}
	if len(eligible(order, runs)) > 0 {
		return o.enqueueAdvance(ctx, run.ID)
	}
	return o.maybeFinalize(ctx, run, order, runs)
}

func (o *Orchestrator) loadStepRuns(ctx context.Context, runID string) (map[string]store.StepRun, error) {
	list, err := o.store.ListStepRuns(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load step runs: %w", err)
	}
	out := make(map[string]store.StepRun, len(list))
	for _, sr := range list {
		out[sr.StepID] = sr
	}
	return out, nil
}

func anyFailed(order []store.StepDefinition, runs map[string]store.StepRun) bool {
	for _, s := range order {
		if sr, ok := runs[s.ID]; ok && sr.Status == store.StepFailed {
			return true
		}
	}
	return false
}

func firstFailureMessage(order []store.StepDefinition, runs map[string]store.StepRun) string {
	for _, s := range order {
		if sr, ok := runs[s.ID]; ok && sr.Status == store.StepFailed {
			return sr.ErrorMessage
		}
	}
	return ""
}

func (o *Orchestrator) maybeFinalize(ctx context.Context, run store.WorkflowRun, order []store.StepDefinition, runs map[string]store.StepRun) error {
	for _, s := range order {
		sr, ok := runs[s.ID]
		if !ok || (sr.Status != store.StepSucceeded && sr.Status != store.StepSkipped) {
			return nil // still waiting on a pending retry, or a dependency chain stalled; nothing more to do right now
		}
	}
	return o.finishRun(ctx, run, store.StatusSucceeded, "")
}

func (o *Orchestrator) finishRun(ctx context.Context, run store.WorkflowRun, status store.WorkflowStatus, errMsg string) error {
	if err := o.store.UpdateRunStatus(ctx, run.ID, status, errMsg); err != nil {
		return fmt.Errorf("finalize run: %w", err)
	}
	o.publish(assetevents.TopicRunLifecycle, assetevents.RunLifecycleMessage{
		RunID:                run.ID,
		WorkflowDefinitionID: run.WorkflowDefinitionID,
		Status:               status,
		Trigger:              run.Trigger,
		AssetID:              run.TriggeredBy,
		PartitionKey:         run.PartitionKey,
	})
	return nil
}

func (o *Orchestrator) failRun(ctx context.Context, run store.WorkflowRun, cause error) error {
	return o.finishRun(ctx, run, store.StatusFailed, coreerrors.Truncate(cause.Error(), 500))
}

// runStep dispatches one eligible step, persists its outcome, and either
// finishes it or schedules a delayed retry per its RetryPolicy.
func (o *Orchestrator) runStep(ctx context.Context, run *store.WorkflowRun, def store.WorkflowDefinition, step store.StepDefinition, runs map[string]store.StepRun) error {
	prev := runs[step.ID]
	attempt := prev.Attempt + 1

	stepResults := make(map[string]map[string]any, len(runs))
	for id, sr := range runs {
		stepResults[id] = sr.Result
	}
	scope := buildScope(*run, stepResults, run.Parameters)

	stepParameters, err := o.resolveStepParameters(step, scope)
	if err != nil {
		return o.recordTerminalFailure(ctx, run.ID, step.ID, attempt, err)
	}
	scope = withStep(scope, step.ID, stepParameters)

	started := o.clock.Now()
	if err := o.store.PutStepRun(ctx, store.StepRun{
		RunID: run.ID, StepID: step.ID, Status: store.StepRunning, Attempt: attempt, StartedAt: &started,
	}); err != nil {
		return fmt.Errorf("mark step running: %w", err)
	}

	result, stepErr := o.dispatchTraced(ctx, run.ID, def, step, scope, stepParameters, attempt)
	completed := o.clock.Now()

	if stepErr == nil {
		if extracted, assetErr := extractProducedAssets(step, def.ProducesAssets, result); assetErr != nil {
			stepErr = assetErr
		} else {
			for _, a := range extracted {
				if err := o.store.PutAsset(ctx, store.Asset{
					WorkflowRunID: run.ID, StepID: step.ID, AssetID: a.AssetID,
					PartitionKey: a.PartitionKey, ProducedAt: completed, Payload: a.Payload,
				}); err != nil {
					o.logger.Warn("failed to persist produced asset", slog.String("asset_id", a.AssetID), slog.Any("error", err))
					continue
				}
				o.publish(assetevents.TopicAssetProduced, assetevents.AssetProducedMessage{
					AssetID:       a.AssetID,
					PartitionKey:  a.PartitionKey,
					ProducedAt:    completed,
					WorkflowRunID: run.ID,
				})
			}
		}
	}

	if stepErr != nil {
		return o.handleStepFailure(ctx, run.ID, step, attempt, stepErr)
	}

	return o.store.PutStepRun(ctx, store.StepRun{
		RunID: run.ID, StepID: step.ID, Status: store.StepSucceeded, Attempt: attempt,
		Result: result, StartedAt: &started, CompletedAt: &completed,
	})
}

func (o *Orchestrator) resolveStepParameters(step store.StepDefinition, scope map[string]any) (map[string]any, error) {
	resolved, err := o.expr.ResolveMap(mergeParameters(nil, step.Parameters), scope)
	if err != nil {
		return nil, err
	}
	m, _ := resolved.(map[string]any)
	return m, nil
}

// handleStepFailure applies the step's RetryPolicy: a retryable error with
// attempts remaining schedules a delayed workflow-retry job instead of
// marking the step terminally failed, per spec.md §4.8 step 5.
func (o *Orchestrator) handleStepFailure(ctx context.Context, runID string, step store.StepDefinition, attempt int, stepErr error) error {
	policy := step.RetryPolicy
	retryable := coreerrors.IsRetryable(stepErr)

	if policy != nil && policy.Strategy != store.RetryNone && retryable && attempt < policy.MaxAttempts {
		if err := o.store.PutStepRun(ctx, store.StepRun{
			RunID: runID, StepID: step.ID, Status: store.StepPending, Attempt: attempt,
			ErrorMessage: coreerrors.Truncate(stepErr.Error(), 500), ErrorKind: string(coreerrors.Classify(stepErr)),
		}); err != nil {
			return fmt.Errorf("mark step pending retry: %w", err)
		}
		return o.scheduleStepRetry(ctx, runID, step.ID, attempt, policy)
	}

	return o.recordTerminalFailure(ctx, runID, step.ID, attempt, stepErr)
}

func (o *Orchestrator) recordTerminalFailure(ctx context.Context, runID, stepID string, attempt int, stepErr error) error {
	if err := o.store.PutStepRun(ctx, store.StepRun{
		RunID: runID, StepID: stepID, Status: store.StepFailed, Attempt: attempt,
		ErrorMessage: coreerrors.Truncate(stepErr.Error(), 500), ErrorKind: string(coreerrors.Classify(stepErr)),
	}); err != nil {
		return fmt.Errorf("mark step failed: %w", err)
	}
	return nil
}

func (o *Orchestrator) scheduleStepRetry(ctx context.Context, runID, stepID string, attempt int, policy *store.RetryPolicy) error {
	p := retry.Policy{BaseMs: policy.InitialDelayMs, Factor: 2.0, MaxMs: policy.MaxDelayMs, JitterRatio: jitterRatio(policy.Jitter)}
	if policy.Strategy == store.RetryFixed {
		p.Factor = 1.0
	}
	delay := p.Delay(attempt, nil)

	if o.queues == nil {
		return nil
	}
	_, err := o.queues.Enqueue(ctx, retryQueueName, "retry", queue.Job{
		ID:    retry.WorkflowRetryJobID(runID, runID, stepID, attempt),
		Data:  map[string]any{"runId": runID},
		RunAt: o.clock.Now().Add(delay),
	})
	return err
}

func jitterRatio(mode store.JitterMode) float64 {
	switch mode {
	case store.JitterFull:
		return 1.0
	case store.JitterEqual:
		return 0.5
	default:
		return 0.0
	}
}

// dispatchTraced wraps dispatch in a span carrying the run/step/kind/attempt
// so a distributed trace lines up step execution with whatever span the job
// runtime or service call produces downstream.
func (o *Orchestrator) dispatchTraced(ctx context.Context, runID string, def store.WorkflowDefinition, step store.StepDefinition, scope, parameters map[string]any, attempt int) (map[string]any, error) {
	ctx, span := o.tracer.Start(ctx, "workflow.step.dispatch",
		trace.WithAttributes(
			attribute.String("workflow.run_id", runID),
			attribute.String("workflow.step_id", step.ID),
			attribute.String("workflow.step_kind", string(step.Kind)),
			attribute.Int("workflow.attempt", attempt),
		))
	defer span.End()

	result, err := o.dispatch(ctx, runID, def, step, scope, parameters)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

// dispatch executes a single step by kind against its external
// collaborator (job runtime, service registry + HTTP doer, or fan-out over
// its template).
func (o *Orchestrator) dispatch(ctx context.Context, runID string, def store.WorkflowDefinition, step store.StepDefinition, scope, parameters map[string]any) (map[string]any, error) {
	switch step.Kind {
	case store.StepKindJob:
		return o.dispatchJob(ctx, runID, step, parameters)
	case store.StepKindService:
		return o.dispatchService(ctx, step, scope, parameters)
	case store.StepKindFanOut:
		return o.dispatchFanOut(ctx, runID, def, step, scope)
	default:
		return nil, &coreerrors.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown step kind %q", step.Kind)}
	}
}

func (o *Orchestrator) dispatchJob(ctx context.Context, runID string, step store.StepDefinition, parameters map[string]any) (map[string]any, error) {
	if o.jobs == nil {
		return nil, &coreerrors.FatalInternalError{Context: "dispatchJob", Cause: fmt.Errorf("no job runtime configured")}
	}
	res, err := o.jobs.Execute(ctx, JobRunContext{RunID: runID, StepID: step.ID, JobSlug: step.JobSlug, Parameters: parameters})
	if err != nil {
		return nil, &coreerrors.RetryableExternalError{Operation: "job:" + step.JobSlug, Cause: err}
	}
	if res.Status == store.StepFailed {
		return nil, &coreerrors.RetryableExternalError{Operation: "job:" + step.JobSlug, Cause: fmt.Errorf("%s", res.ErrorMessage)}
	}
	return res.Result, nil
}

func (o *Orchestrator) dispatchService(ctx context.Context, step store.StepDefinition, scope, parameters map[string]any) (map[string]any, error) {
	if o.services == nil || o.http == nil {
		return nil, &coreerrors.FatalInternalError{Context: "dispatchService", Cause: fmt.Errorf("no service registry/http client configured")}
	}

	endpoint, err := o.services.Resolve(ctx, step.ServiceSlug)
	if err != nil {
		return nil, fmt.Errorf("resolve service %s: %w", step.ServiceSlug, err)
	}
	if endpoint.Health == ServiceUnhealthy || (endpoint.Health == ServiceDegraded && !step.AllowDegraded) {
		return nil, &coreerrors.ServiceUnhealthyError{ServiceSlug: step.ServiceSlug, Status: string(endpoint.Health)}
	}

	path, err := o.expr.ResolveString(step.Request.Path, scope)
	if err != nil {
		return nil, err
	}
	reqURL := strings.TrimRight(endpoint.BaseURL, "/") + "/" + strings.TrimLeft(fmt.Sprint(path), "/")

	body, err := o.resolveRequestBody(step.Request.Body, scope)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(step.Request.Method), reqURL, body)
	if err != nil {
		return nil, &coreerrors.FatalInternalError{Context: "build request", Cause: err}
	}
	if err := o.applyHeadersAndQuery(ctx, httpReq, step.Request, scope); err != nil {
		return nil, err
	}

	resp, err := o.http.Do(httpReq)
	if err != nil {
		return nil, &coreerrors.RetryableExternalError{Operation: "service:" + step.ServiceSlug, Cause: err}
	}
	defer resp.Body.Close()

	result := map[string]any{"statusCode": resp.StatusCode}
	if step.CaptureResponse {
		data, _ := io.ReadAll(resp.Body)
		var parsed any
		if json.Unmarshal(data, &parsed) == nil {
			key := step.StoreResponseAs
			if key == "" {
				key = "body"
			}
			result[key] = parsed
		}
	}
	if resp.StatusCode >= 500 {
		return result, &coreerrors.RetryableExternalError{Operation: "service:" + step.ServiceSlug, Cause: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return result, &coreerrors.FatalInternalError{Context: "service:" + step.ServiceSlug, Cause: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return result, nil
}

func (o *Orchestrator) resolveRequestBody(body any, scope map[string]any) (io.Reader, error) {
	if body == nil {
		return nil, nil
	}
	resolved, err := o.expr.ResolveMap(body, scope)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(resolved)
	if err != nil {
		return nil, &coreerrors.FatalInternalError{Context: "encode request body", Cause: err}
	}
	return bytes.NewReader(encoded), nil
}

func (o *Orchestrator) applyHeadersAndQuery(ctx context.Context, req *http.Request, spec store.ServiceRequest, scope map[string]any) error {
	for k, v := range spec.Headers {
		resolved, err := o.resolveHeaderValue(ctx, v, scope)
		if err != nil {
			return err
		}
		req.Header.Set(k, resolved)
	}
	if len(spec.Query) == 0 {
		return nil
	}
	q := req.URL.Query()
	for k, v := range spec.Query {
		resolved, err := o.expr.ResolveString(v, scope)
		if err != nil {
			return err
		}
		q.Set(k, fmt.Sprint(resolved))
	}
	req.URL.RawQuery = q.Encode()
	return nil
}

// resolveHeaderValue supports a `secret://ref` header value resolved via
// the secret resolver collaborator, on top of ordinary template resolution.
func (o *Orchestrator) resolveHeaderValue(ctx context.Context, v string, scope map[string]any) (string, error) {
	if strings.HasPrefix(v, "secret://") {
		if o.secrets == nil {
			return "", &coreerrors.FatalInternalError{Context: "resolveHeaderValue", Cause: fmt.Errorf("no secret resolver configured")}
		}
		return o.secrets.Resolve(ctx, strings.TrimPrefix(v, "secret://"))
	}
	resolved, err := o.expr.ResolveString(v, scope)
	if err != nil {
		return "", err
	}
	return fmt.Sprint(resolved), nil
}

// dispatchFanOut evaluates step.Collection, rejects it with a
// ValidationError when it holds more than maxItems entries (maxItems itself
// capped at maxFanOutItems), and runs step.Template once per item at up to
// maxConcurrency, per spec.md §4.8's FanOutStep bounds.
func (o *Orchestrator) dispatchFanOut(ctx context.Context, runID string, def store.WorkflowDefinition, step store.StepDefinition, scope map[string]any) (map[string]any, error) {
	if step.Template == nil {
		return nil, &coreerrors.ValidationError{Field: "template", Message: "fanout step requires a template"}
	}

	raw, err := o.expr.ResolveString(step.Collection, scope)
	if err != nil {
		return nil, err
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, &coreerrors.ValidationError{Field: "collection", Message: "fanout collection must resolve to an array"}
	}

	maxItems := step.MaxItems
	if maxItems <= 0 || maxItems > maxFanOutItems {
		maxItems = maxFanOutItems
	}
	if len(items) > maxItems {
		return nil, &coreerrors.ValidationError{Field: "collection", Message: fmt.Sprintf("fanout produced %d items, exceeds maxItems %d", len(items), maxItems)}
	}

	concurrency := step.MaxConcurrency
	if concurrency <= 0 || concurrency > maxFanOutConc {
		concurrency = maxFanOutConc
	}
	if concurrency > len(items) && len(items) > 0 {
		concurrency = len(items)
	}

	results := make([]map[string]any, len(items))
	errs := make([]error, len(items))
	sem := semaphore.NewWeighted(int64(concurrency))
	group := make(chan struct{}, len(items))

	for i, item := range items {
		i, item := i, item
		if err := sem.Acquire(ctx, 1); err != nil {
			errs[i] = err
			group <- struct{}{}
			continue
		}
		go func() {
			defer sem.Release(1)
			defer func() { group <- struct{}{} }()
			itemScope := withFanOutItem(scope, step.ID, step.Template.ID, i, item)
			parameters, err := o.resolveStepParameters(*step.Template, itemScope)
			if err != nil {
				errs[i] = err
				return
			}
			res, err := o.dispatch(ctx, runID, def, *step.Template, itemScope, parameters)
			results[i] = res
			errs[i] = err
		}()
	}
	for range items {
		<-group
	}

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	key := step.StoreResultsAs
	if key == "" {
		key = "results"
	}
	out := make([]any, len(results))
	for i, r := range results {
		out[i] = r
	}
	return map[string]any{key: out}, nil
}
