package workflow

import (
	"strings"

	"github.com/apphub/orchestrator-core/internal/coreerrors"
	"github.com/apphub/orchestrator-core/internal/store"
)

// extractedAsset is one produced-asset record pulled out of a step's
// result, ready to persist.
type extractedAsset struct {
	AssetID      string
	PartitionKey string
	Payload      map[string]any
}

// extractProducedAssets implements spec.md §4.8 step 6: a step's declared
// produces[] is matched case-insensitively against the result shape, which
// may be `{assets: [...]}` or a single object carrying an `assetId` field.
// A bare array is not accepted, since result is always an object. Any
// declared asset with partitioning requires a partitionKey on its matching
// record.
func extractProducedAssets(step store.StepDefinition, declarations map[string]store.AssetDeclaration, result map[string]any) ([]extractedAsset, error) {
	if len(step.Produces) == 0 {
		return nil, nil
	}

	candidates := candidateAssetRecords(result)
	byID := make(map[string]map[string]any, len(candidates))
	for _, c := range candidates {
		id, _ := c["assetId"].(string)
		if id == "" {
			continue
		}
		byID[strings.ToLower(id)] = c
	}

	var out []extractedAsset
	for _, assetID := range step.Produces {
		record, ok := byID[strings.ToLower(assetID)]
		if !ok {
			continue
		}

		partitionKey, _ := record["partitionKey"].(string)
		if decl, declared := declarations[assetID]; declared && decl.Partitioning != nil && decl.Partitioning.Type != "" && partitionKey == "" {
			return nil, &coreerrors.PartitionKeyRequiredError{AssetID: assetID, StepID: step.ID}
		}

		payload, _ := record["payload"].(map[string]any)
		if payload == nil {
			payload = record
		}

		out = append(out, extractedAsset{AssetID: assetID, PartitionKey: partitionKey, Payload: payload})
	}
	return out, nil
}

// candidateAssetRecords normalizes the two accepted result shapes into a
// flat list of asset-record maps.
func candidateAssetRecords(result map[string]any) []map[string]any {
	if result == nil {
		return nil
	}

	if raw, ok := result["assets"]; ok {
		return asRecordSlice(raw)
	}

	if _, hasAssetID := result["assetId"]; hasAssetID {
		return []map[string]any{result}
	}

	return nil
}

func asRecordSlice(raw any) []map[string]any {
	switch v := raw.(type) {
	case []map[string]any:
		return v
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}
