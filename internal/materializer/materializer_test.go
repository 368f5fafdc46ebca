package materializer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub/orchestrator-core/internal/bus"
	"github.com/apphub/orchestrator-core/internal/clock"
	"github.com/apphub/orchestrator-core/internal/coreerrors"
	"github.com/apphub/orchestrator-core/internal/runkey"
	"github.com/apphub/orchestrator-core/internal/store"
	"github.com/apphub/orchestrator-core/internal/store/memory"
	"github.com/apphub/orchestrator-core/internal/workflow"
)

type fakeRunCreator struct {
	create func(ctx context.Context, req workflow.CreateRunRequest) (store.WorkflowRun, error)
	calls  []workflow.CreateRunRequest
}

func (f *fakeRunCreator) CreateRun(ctx context.Context, req workflow.CreateRunRequest) (store.WorkflowRun, error) {
	f.calls = append(f.calls, req)
	return f.create(ctx, req)
}

func newTestActor(t *testing.T, clk clock.Clock, runs RunCreator) (*Actor, *memory.Store) {
	t.Helper()
	st := memory.New()
	a := New(Config{
		Store:      st,
		Bus:        bus.New(),
		Claims:     runkey.New(st, clk),
		RunCreator: runs,
		Clock:      clk,
		BaseBackoff: time.Minute,
		MaxBackoff:  time.Hour,
		ClaimTTL:    time.Hour,
	})
	return a, st
}

func downstreamWorkflow(id string) store.WorkflowDefinition {
	return store.WorkflowDefinition{
		ID: id, Slug: id,
		ConsumesAssets: []string{"raw-orders"},
		ProducesAssets: map[string]store.AssetDeclaration{
			"daily-report": {
				AssetID:         "daily-report",
				AutoMaterialize: &store.AutoMaterializeConfig{OnUpstreamUpdate: true},
			},
		},
		Steps:     []store.StepDefinition{{ID: "build", Kind: store.StepKindJob, Consumes: []string{"raw-orders"}, Produces: []string{"daily-report"}}},
		CreatedAt: time.Unix(0, 0), UpdatedAt: time.Unix(0, 0),
	}
}

func TestConsiderLaunchesRunOnUpstreamUpdate(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(1000, 0))
	runs := &fakeRunCreator{create: func(ctx context.Context, req workflow.CreateRunRequest) (store.WorkflowRun, error) {
		return store.WorkflowRun{ID: "run-1", WorkflowDefinitionID: req.WorkflowDefinitionID}, nil
	}}
	a, st := newTestActor(t, clk, runs)
	ctx := context.Background()

	def := downstreamWorkflow("wf-down")
	require.NoError(t, st.PutWorkflow(ctx, def))
	a.handleDefinitionUpdated(ctx, def.ID)

	a.handleAssetProduced(ctx, AssetProducedMessage{AssetID: "raw-orders", ProducedAt: clk.Now(), WorkflowRunID: "run-upstream"})

	require.Len(t, runs.calls, 1)
	assert.Equal(t, "wf-down", runs.calls[0].WorkflowDefinitionID)
	assert.Equal(t, store.TriggerContext{Type: "auto-materialize"}, runs.calls[0].Trigger)
}

func TestConsiderSkipsWithoutAutoMaterializeFlag(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(1000, 0))
	runs := &fakeRunCreator{create: func(ctx context.Context, req workflow.CreateRunRequest) (store.WorkflowRun, error) {
		return store.WorkflowRun{ID: "run-1"}, nil
	}}
	a, st := newTestActor(t, clk, runs)
	ctx := context.Background()

	def := downstreamWorkflow("wf-no-auto")
	def.ProducesAssets["daily-report"] = store.AssetDeclaration{AssetID: "daily-report"}
	require.NoError(t, st.PutWorkflow(ctx, def))
	a.handleDefinitionUpdated(ctx, def.ID)

	a.handleAssetProduced(ctx, AssetProducedMessage{AssetID: "raw-orders", ProducedAt: clk.Now()})
	assert.Empty(t, runs.calls)
}

func TestConsiderSkipsWhenAlreadyInFlight(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(1000, 0))
	launches := 0
	runs := &fakeRunCreator{create: func(ctx context.Context, req workflow.CreateRunRequest) (store.WorkflowRun, error) {
		launches++
		return store.WorkflowRun{ID: "run-1"}, nil
	}}
	a, st := newTestActor(t, clk, runs)
	ctx := context.Background()

	def := downstreamWorkflow("wf-inflight")
	require.NoError(t, st.PutWorkflow(ctx, def))
	a.handleDefinitionUpdated(ctx, def.ID)

	a.handleAssetProduced(ctx, AssetProducedMessage{AssetID: "raw-orders", ProducedAt: clk.Now()})
	a.handleAssetProduced(ctx, AssetProducedMessage{AssetID: "raw-orders", ProducedAt: clk.Now().Add(time.Minute)})
	assert.Equal(t, 1, launches)
}

func TestFailureBackoffDelaysNextConsideration(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(1000, 0))
	runs := &fakeRunCreator{create: func(ctx context.Context, req workflow.CreateRunRequest) (store.WorkflowRun, error) {
		return store.WorkflowRun{ID: "run-1"}, nil
	}}
	a, st := newTestActor(t, clk, runs)
	ctx := context.Background()

	def := downstreamWorkflow("wf-backoff")
	require.NoError(t, st.PutWorkflow(ctx, def))
	a.handleDefinitionUpdated(ctx, def.ID)

	a.handleAssetProduced(ctx, AssetProducedMessage{AssetID: "raw-orders", ProducedAt: clk.Now()})
	require.Len(t, runs.calls, 1)

	a.handleRunLifecycle(ctx, RunLifecycleMessage{
		RunID: "run-1", WorkflowDefinitionID: def.ID, Status: store.StatusFailed,
		Trigger: store.TriggerContext{Type: "auto-materialize"},
	})

	clk.Advance(time.Second)
	a.handleAssetProduced(ctx, AssetProducedMessage{AssetID: "raw-orders", ProducedAt: clk.Now()})
	assert.Len(t, runs.calls, 1, "still inside the backoff window")

	clk.Advance(time.Hour)
	a.handleAssetProduced(ctx, AssetProducedMessage{AssetID: "raw-orders", ProducedAt: clk.Now()})
	assert.Len(t, runs.calls, 2)
}

func TestConsiderAdoptsExistingRunOnKeyConflict(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(1000, 0))
	a, st := newTestActor(t, clk, nil)
	ctx := context.Background()

	def := downstreamWorkflow("wf-conflict")
	require.NoError(t, st.PutWorkflow(ctx, def))
	a.handleDefinitionUpdated(ctx, def.ID)

	runKey := composeRunKey("raw-orders", def.Slug, "", reasonUpstreamUpdate, reasonUpstreamUpdate)
	existing := store.WorkflowRun{
		ID: "existing-run", WorkflowDefinitionID: def.ID,
		RunKey: runKey, RunKeyNormalized: runkey.Normalize(runKey),
		Status: store.StatusRunning,
	}
	require.NoError(t, st.CreateRun(ctx, existing))

	a.runs = &fakeRunCreator{create: func(ctx context.Context, req workflow.CreateRunRequest) (store.WorkflowRun, error) {
		return store.WorkflowRun{}, &coreerrors.ConflictError{Resource: "workflow_run", Identity: req.RunKey, ExistingID: existing.ID}
	}}

	err := a.consider(ctx, def.ID, considerRequest{reason: reasonUpstreamUpdate, assetID: "raw-orders", producedAt: clk.Now()})
	require.NoError(t, err)

	ok, claimErr := a.claims.Claim(ctx, def.ID, "someone-else", "raw-orders", "", "probe", time.Hour)
	require.NoError(t, claimErr)
	assert.False(t, ok, "claim should have been released and reattached to the existing run, not left dangling")
}
