// Package assetevents is the shared message contract published by the
// Workflow Orchestrator onto the in-process bus and consumed by the Asset
// Materializer, per spec.md §5's step-completion ordering guarantee
// (persist step result -> extract & record assets -> update shared ->
// publish asset.produced) and §4.9's run-lifecycle hooks. It is a leaf
// package so both sides can import it without a dependency cycle between
// internal/workflow and internal/materializer.
package assetevents

import (
	"time"

	"github.com/apphub/orchestrator-core/internal/store"
)

// Bus topics carrying the messages below.
const (
	TopicDefinitionUpdated = "workflow.definition.updated"
	TopicAssetProduced     = "asset.produced"
	TopicAssetExpired      = "asset.expired"
	TopicRunLifecycle      = "workflow.run.lifecycle"
)

// AssetProducedMessage is published once per asset persisted by a
// successful step.
type AssetProducedMessage struct {
	AssetID       string
	PartitionKey  string
	ProducedAt    time.Time
	WorkflowRunID string
}

// AssetExpiredMessage is published by the asset expiry timer.
type AssetExpiredMessage struct {
	AssetID      string
	PartitionKey string
	ExpiredAt    time.Time
}

// RunLifecycleMessage is published on every terminal run-status transition.
type RunLifecycleMessage struct {
	RunID                string
	WorkflowDefinitionID string
	Status               store.WorkflowStatus
	Trigger              store.TriggerContext
	AssetID              string
	PartitionKey         string
}
