package materializer

import (
	"context"
	"fmt"
	"sort"

	"github.com/apphub/orchestrator-core/internal/store"
)

// Edge is a producer-to-consumer relationship between two assets, via the
// step that consumes the former and produces the latter within one
// workflow definition.
type Edge struct {
	FromAssetID string
	ToAssetID   string
	WorkflowID  string
	StepID      string
}

// AssetNode is the Asset Graph View's per-asset aggregate (spec.md §4.11).
type AssetNode struct {
	AssetID                  string
	Producers                []string
	Consumers                []string
	LatestMaterializations   []store.Asset
	StalePartitions          []string
	HasStalePartitions       bool
	HasOutdatedUpstreams     bool
	OutdatedUpstreamAssetIds []string
}

// GraphView builds the Asset Graph View directly from the persistence
// store, independent of the Actor's in-memory cache, so it reflects
// durable state even before the materializer has replayed any bus traffic.
type GraphView struct {
	store store.Store
}

// NewGraphView constructs a GraphView over s.
func NewGraphView(s store.Store) *GraphView {
	return &GraphView{store: s}
}

// Build assembles every asset node and edge declared across every
// registered workflow definition.
func (g *GraphView) Build(ctx context.Context) ([]AssetNode, []Edge, error) {
	defs, err := g.store.ListWorkflows(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list workflow definitions: %w", err)
	}

	producers := map[string]map[string]bool{}
	consumers := map[string]map[string]bool{}
	var edges []Edge

	addProducer := func(assetID, workflowID string) {
		if producers[assetID] == nil {
			producers[assetID] = map[string]bool{}
		}
		producers[assetID][workflowID] = true
	}
	addConsumer := func(assetID, workflowID string) {
		if consumers[assetID] == nil {
			consumers[assetID] = map[string]bool{}
		}
		consumers[assetID][workflowID] = true
	}

	for _, def := range defs {
		for assetID := range def.ProducesAssets {
			addProducer(assetID, def.ID)
		}
		for _, assetID := range def.ConsumesAssets {
			addConsumer(assetID, def.ID)
		}
		for _, step := range def.Steps {
			for _, from := range step.Consumes {
				for _, to := range step.Produces {
					edges = append(edges, Edge{FromAssetID: from, ToAssetID: to, WorkflowID: def.ID, StepID: step.ID})
				}
			}
		}
	}

	assetIDs := map[string]bool{}
	for assetID := range producers {
		assetIDs[assetID] = true
	}
	for assetID := range consumers {
		assetIDs[assetID] = true
	}

	latestByAsset := map[string]map[string]store.Asset{} // assetId -> normalized partitionKey -> asset
	for assetID := range assetIDs {
		partitions, err := g.store.ListAssetPartitions(ctx, assetID)
		if err != nil {
			return nil, nil, fmt.Errorf("list partitions for %s: %w", assetID, err)
		}
		byPartition := make(map[string]store.Asset, len(partitions))
		for _, p := range partitions {
			byPartition[normalizePartition(p.PartitionKey)] = p
		}
		latestByAsset[assetID] = byPartition
	}

	upstreamOf := map[string]map[string]bool{} // assetId -> set(upstream assetId)
	for _, e := range edges {
		if upstreamOf[e.ToAssetID] == nil {
			upstreamOf[e.ToAssetID] = map[string]bool{}
		}
		upstreamOf[e.ToAssetID][e.FromAssetID] = true
	}

	staleByAsset, err := g.stalePartitionsByAsset(ctx, defs)
	if err != nil {
		return nil, nil, err
	}

	nodes := make([]AssetNode, 0, len(assetIDs))
	for assetID := range assetIDs {
		node := AssetNode{
			AssetID:   assetID,
			Producers: sortedKeys(producers[assetID]),
			Consumers: sortedKeys(consumers[assetID]),
		}

		materializations := latestByAsset[assetID]
		for _, a := range materializations {
			node.LatestMaterializations = append(node.LatestMaterializations, a)
		}
		sort.Slice(node.LatestMaterializations, func(i, j int) bool {
			return node.LatestMaterializations[i].PartitionKey < node.LatestMaterializations[j].PartitionKey
		})

		node.StalePartitions = staleByAsset[assetID]
		node.HasStalePartitions = len(node.StalePartitions) > 0

		outdated := map[string]bool{}
		for upstreamID := range upstreamOf[assetID] {
			upstreamLatest := latestByAsset[upstreamID]
			if isOutdated(materializations, upstreamLatest) {
				outdated[upstreamID] = true
			}
		}
		node.OutdatedUpstreamAssetIds = sortedSet(outdated)
		node.HasOutdatedUpstreams = len(node.OutdatedUpstreamAssetIds) > 0

		nodes = append(nodes, node)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].AssetID < nodes[j].AssetID })
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].FromAssetID != edges[j].FromAssetID {
			return edges[i].FromAssetID < edges[j].FromAssetID
		}
		return edges[i].ToAssetID < edges[j].ToAssetID
	})

	return nodes, edges, nil
}

// isOutdated reports whether any partition of upstream has a materialization
// newer than downstream's materialization under the same normalized
// partition key — or has no downstream materialization under that key at
// all. An unpartitioned upstream (key "") is compared only against an
// unpartitioned downstream materialization.
func isOutdated(downstream, upstream map[string]store.Asset) bool {
	for partitionKey, up := range upstream {
		down, ok := downstream[partitionKey]
		if !ok {
			return true
		}
		if up.ProducedAt.After(down.ProducedAt) {
			return true
		}
	}
	return false
}

func (g *GraphView) stalePartitionsByAsset(ctx context.Context, defs []store.WorkflowDefinition) (map[string][]string, error) {
	out := map[string][]string{}
	for _, def := range defs {
		flags, err := g.store.ListStalePartitions(ctx, def.ID)
		if err != nil {
			return nil, fmt.Errorf("list stale partitions for %s: %w", def.ID, err)
		}
		for _, f := range flags {
			out[f.AssetID] = append(out[f.AssetID], f.PartitionKey)
		}
	}
	return out, nil
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedSet(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	return sortedKeys(set)
}
