package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub/orchestrator-core/internal/store"
)

func TestExtractProducedAssetsMatchesAssetsArray(t *testing.T) {
	step := store.StepDefinition{ID: "fetch", Produces: []string{"raw-orders"}}
	result := map[string]any{
		"assets": []any{
			map[string]any{"assetId": "raw-orders", "payload": map[string]any{"count": 3}},
		},
	}

	extracted, err := extractProducedAssets(step, nil, result)
	require.NoError(t, err)
	require.Len(t, extracted, 1)
	assert.Equal(t, "raw-orders", extracted[0].AssetID)
	assert.Equal(t, 3, extracted[0].Payload["count"])
}

func TestExtractProducedAssetsMatchesSingleObjectCaseInsensitively(t *testing.T) {
	step := store.StepDefinition{ID: "fetch", Produces: []string{"Raw-Orders"}}
	result := map[string]any{"assetId": "raw-orders", "total": 9}

	extracted, err := extractProducedAssets(step, nil, result)
	require.NoError(t, err)
	require.Len(t, extracted, 1)
	assert.Equal(t, 9, extracted[0].Payload["total"])
}

func TestExtractProducedAssetsRequiresPartitionKeyWhenDeclaredPartitioned(t *testing.T) {
	step := store.StepDefinition{ID: "fetch", Produces: []string{"daily-orders"}}
	declarations := map[string]store.AssetDeclaration{
		"daily-orders": {AssetID: "daily-orders", Partitioning: &store.AssetPartitioning{Type: "time-window", Granularity: "day"}},
	}
	result := map[string]any{"assets": []any{map[string]any{"assetId": "daily-orders"}}}

	_, err := extractProducedAssets(step, declarations, result)
	require.Error(t, err)
}

func TestExtractProducedAssetsSkipsUndeclaredProduces(t *testing.T) {
	step := store.StepDefinition{ID: "fetch", Produces: []string{"missing-asset"}}
	result := map[string]any{"assets": []any{}}

	extracted, err := extractProducedAssets(step, nil, result)
	require.NoError(t, err)
	assert.Empty(t, extracted)
}

func TestExtractProducedAssetsReturnsNoneWhenStepProducesNothing(t *testing.T) {
	step := store.StepDefinition{ID: "fetch"}
	extracted, err := extractProducedAssets(step, nil, map[string]any{"assets": []any{}})
	require.NoError(t, err)
	assert.Nil(t, extracted)
}
