package materializer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub/orchestrator-core/internal/store"
	"github.com/apphub/orchestrator-core/internal/store/memory"
)

func TestGraphViewBuildsProducerConsumerEdges(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	upstream := store.WorkflowDefinition{
		ID: "wf-upstream", Slug: "wf-upstream",
		ProducesAssets: map[string]store.AssetDeclaration{"raw-orders": {AssetID: "raw-orders"}},
		Steps:          []store.StepDefinition{{ID: "fetch", Produces: []string{"raw-orders"}}},
	}
	downstream := store.WorkflowDefinition{
		ID: "wf-downstream", Slug: "wf-downstream",
		ConsumesAssets: []string{"raw-orders"},
		ProducesAssets: map[string]store.AssetDeclaration{"daily-report": {AssetID: "daily-report"}},
		Steps:          []store.StepDefinition{{ID: "build", Consumes: []string{"raw-orders"}, Produces: []string{"daily-report"}}},
	}
	require.NoError(t, st.PutWorkflow(ctx, upstream))
	require.NoError(t, st.PutWorkflow(ctx, downstream))

	require.NoError(t, st.PutAsset(ctx, store.Asset{AssetID: "raw-orders", ProducedAt: time.Unix(100, 0), WorkflowRunID: "r1"}))
	require.NoError(t, st.PutAsset(ctx, store.Asset{AssetID: "daily-report", ProducedAt: time.Unix(50, 0), WorkflowRunID: "r2"}))

	view := NewGraphView(st)
	nodes, edges, err := view.Build(ctx)
	require.NoError(t, err)

	require.Len(t, edges, 1)
	assert.Equal(t, "raw-orders", edges[0].FromAssetID)
	assert.Equal(t, "daily-report", edges[0].ToAssetID)

	var report AssetNode
	for _, n := range nodes {
		if n.AssetID == "daily-report" {
			report = n
		}
	}
	assert.Contains(t, report.Consumers, "wf-downstream")
	assert.True(t, report.HasOutdatedUpstreams, "raw-orders was produced after daily-report")
	assert.Contains(t, report.OutdatedUpstreamAssetIds, "raw-orders")
}

func TestGraphViewReportsStalePartitions(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	def := store.WorkflowDefinition{
		ID: "wf-1", Slug: "wf-1",
		ProducesAssets: map[string]store.AssetDeclaration{"sales": {AssetID: "sales"}},
	}
	require.NoError(t, st.PutWorkflow(ctx, def))
	require.NoError(t, st.FlagStalePartition(ctx, store.StalePartitionFlag{
		WorkflowDefinitionID: def.ID, AssetID: "sales", PartitionKey: "2026-07-29",
	}))

	view := NewGraphView(st)
	nodes, _, err := view.Build(ctx)
	require.NoError(t, err)

	var sales AssetNode
	for _, n := range nodes {
		if n.AssetID == "sales" {
			sales = n
		}
	}
	assert.True(t, sales.HasStalePartitions)
	assert.Equal(t, []string{"2026-07-29"}, sales.StalePartitions)
}

func TestGraphViewHasNoOutdatedUpstreamsWhenDownstreamIsNewer(t *testing.T) {
	st := memory.New()
	ctx := context.Background()

	upstream := store.WorkflowDefinition{
		ID: "wf-up", Slug: "wf-up",
		ProducesAssets: map[string]store.AssetDeclaration{"raw": {AssetID: "raw"}},
		Steps:          []store.StepDefinition{{ID: "a", Produces: []string{"raw"}}},
	}
	downstream := store.WorkflowDefinition{
		ID: "wf-down", Slug: "wf-down",
		ProducesAssets: map[string]store.AssetDeclaration{"derived": {AssetID: "derived"}},
		Steps:          []store.StepDefinition{{ID: "b", Consumes: []string{"raw"}, Produces: []string{"derived"}}},
	}
	require.NoError(t, st.PutWorkflow(ctx, upstream))
	require.NoError(t, st.PutWorkflow(ctx, downstream))
	require.NoError(t, st.PutAsset(ctx, store.Asset{AssetID: "raw", ProducedAt: time.Unix(1, 0)}))
	require.NoError(t, st.PutAsset(ctx, store.Asset{AssetID: "derived", ProducedAt: time.Unix(2, 0)}))

	view := NewGraphView(st)
	nodes, _, err := view.Build(ctx)
	require.NoError(t, err)

	var derived AssetNode
	for _, n := range nodes {
		if n.AssetID == "derived" {
			derived = n
		}
	}
	assert.False(t, derived.HasOutdatedUpstreams)
}
