package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub/orchestrator-core/internal/audit"
	"github.com/apphub/orchestrator-core/internal/clock"
	"github.com/apphub/orchestrator-core/internal/retry"
	"github.com/apphub/orchestrator-core/internal/schedulerstate"
	"github.com/apphub/orchestrator-core/internal/store"
	"github.com/apphub/orchestrator-core/internal/store/memory"
	"github.com/apphub/orchestrator-core/internal/workflow"
)

type fakeRunCreator struct {
	calls []workflow.CreateRunRequest
	err   error
}

func (f *fakeRunCreator) CreateRun(ctx context.Context, req workflow.CreateRunRequest) (store.WorkflowRun, error) {
	f.calls = append(f.calls, req)
	if f.err != nil {
		return store.WorkflowRun{}, f.err
	}
	return store.WorkflowRun{ID: "run-" + req.WorkflowDefinitionID, WorkflowDefinitionID: req.WorkflowDefinitionID}, nil
}

func newTestEvaluator(t *testing.T, clk clock.Clock, runs RunCreator) (*Evaluator, *memory.Store) {
	t.Helper()
	st := memory.New()
	e := New(Config{
		Workflows:      st,
		SchedulerState: schedulerstate.New(clk),
		RunCreator:     runs,
		Clock:          clk,
		Backoff:        retry.Policy{BaseMs: 1, Factor: 1, MaxMs: 1, JitterRatio: 0},
		MaxAttempts:    3,
	})
	return e, st
}

func TestEvaluateLaunchesMatchingTrigger(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	runs := &fakeRunCreator{}
	e, st := newTestEvaluator(t, clk, runs)

	def := store.WorkflowDefinition{
		ID: "wf-1", Slug: "wf-1",
		Steps: []store.StepDefinition{{ID: "a", Kind: store.StepKindJob}},
		Triggers: []store.TriggerDefinition{
			{ID: "trig-1", EventType: "repo.push", ParameterTemplate: map[string]any{"ref": "{{ payload.ref }}"}},
		},
	}
	require.NoError(t, st.PutWorkflow(context.Background(), def))

	deliveries, err := e.Evaluate(context.Background(), store.EventEnvelope{
		ID: "evt-1", Type: "repo.push", Source: "github",
		Payload: map[string]any{"ref": "refs/heads/main"},
	})
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, OutcomeLaunched, deliveries[0].Outcome)
	require.Len(t, runs.calls, 1)
	assert.Equal(t, "refs/heads/main", runs.calls[0].Parameters["ref"])
}

func TestEvaluateSkipsNonMatchingEventType(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	runs := &fakeRunCreator{}
	e, st := newTestEvaluator(t, clk, runs)

	def := store.WorkflowDefinition{
		ID: "wf-2", Slug: "wf-2",
		Triggers: []store.TriggerDefinition{{ID: "trig-2", EventType: "repo.push"}},
	}
	require.NoError(t, st.PutWorkflow(context.Background(), def))

	deliveries, err := e.Evaluate(context.Background(), store.EventEnvelope{ID: "evt-2", Type: "pr.merged", Source: "github"})
	require.NoError(t, err)
	assert.Empty(t, deliveries)
	assert.Empty(t, runs.calls)
}

func TestEvaluateFiltersOnPayloadPredicate(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	runs := &fakeRunCreator{}
	e, st := newTestEvaluator(t, clk, runs)

	def := store.WorkflowDefinition{
		ID: "wf-3", Slug: "wf-3",
		Triggers: []store.TriggerDefinition{
			{ID: "trig-3", EventType: "repo.push", Filter: map[string]any{"payload.ref": "refs/heads/main"}},
		},
	}
	require.NoError(t, st.PutWorkflow(context.Background(), def))

	deliveries, err := e.Evaluate(context.Background(), store.EventEnvelope{
		ID: "evt-3", Type: "repo.push", Source: "github",
		Payload: map[string]any{"ref": "refs/heads/feature"},
	})
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, OutcomeFiltered, deliveries[0].Outcome)
	assert.Empty(t, runs.calls)
}

func TestEvaluateThrottlesAfterLimit(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	runs := &fakeRunCreator{}
	e, st := newTestEvaluator(t, clk, runs)

	def := store.WorkflowDefinition{
		ID: "wf-4", Slug: "wf-4",
		Triggers: []store.TriggerDefinition{{ID: "trig-4", EventType: "repo.push", ThrottlePerMinute: 1}},
	}
	require.NoError(t, st.PutWorkflow(context.Background(), def))

	env := store.EventEnvelope{ID: "evt-4", Type: "repo.push", Source: "github"}
	first, err := e.Evaluate(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, OutcomeLaunched, first[0].Outcome)

	env.ID = "evt-5"
	second, err := e.Evaluate(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, OutcomeThrottled, second[0].Outcome)
}

func TestEvaluateSkipsPausedTrigger(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	runs := &fakeRunCreator{}
	e, st := newTestEvaluator(t, clk, runs)

	def := store.WorkflowDefinition{
		ID: "wf-5", Slug: "wf-5",
		Triggers: []store.TriggerDefinition{{ID: "trig-5", EventType: "repo.push"}},
	}
	require.NoError(t, st.PutWorkflow(context.Background(), def))
	e.sched.ConfigureTrigger("trig-5", schedulerstate.TriggerFailureWindow{ErrorWindowMs: 1000, ErrorThreshold: 1, TriggerPauseMs: 60000})
	e.sched.RecordTriggerFailure("trig-5")

	deliveries, err := e.Evaluate(context.Background(), store.EventEnvelope{ID: "evt-6", Type: "repo.push", Source: "github"})
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, OutcomePaused, deliveries[0].Outcome)
}

func TestEvaluateRecordsAuditOutcomes(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	st := memory.New()
	reg := audit.New(clk)
	e := New(Config{
		Workflows:      st,
		SchedulerState: schedulerstate.New(clk),
		RunCreator:     &fakeRunCreator{},
		Clock:          clk,
		Backoff:        retry.Policy{BaseMs: 1, Factor: 1, MaxMs: 1, JitterRatio: 0},
		MaxAttempts:    3,
		Audit:          reg,
	})

	def := store.WorkflowDefinition{
		ID: "wf-audit", Slug: "wf-audit",
		Triggers: []store.TriggerDefinition{{ID: "trig-audit", EventType: "repo.push"}},
	}
	require.NoError(t, st.PutWorkflow(context.Background(), def))

	_, err := e.Evaluate(context.Background(), store.EventEnvelope{ID: "evt-audit", Type: "repo.push", Source: "github"})
	require.NoError(t, err)

	snap := reg.TriggerSnapshot("trig-audit")
	assert.Equal(t, int64(1), snap.Matched)
	assert.Equal(t, int64(1), snap.Launched)
	assert.Equal(t, "launched", snap.LastStatus)
}

func TestEvaluateRecordsFailedOnPermanentError(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	runs := &fakeRunCreator{err: assert.AnError}
	e, st := newTestEvaluator(t, clk, runs)

	def := store.WorkflowDefinition{
		ID: "wf-6", Slug: "wf-6",
		Triggers: []store.TriggerDefinition{{ID: "trig-6", EventType: "repo.push"}},
	}
	require.NoError(t, st.PutWorkflow(context.Background(), def))

	deliveries, err := e.Evaluate(context.Background(), store.EventEnvelope{ID: "evt-7", Type: "repo.push", Source: "github"})
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, OutcomeFailed, deliveries[0].Outcome)
}
