package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by single-entity getters when no row matches.
var ErrNotFound = errors.New("store: not found")

// WorkflowStore persists workflow definitions (spec.md §3's
// WorkflowDefinition table), grounded on the teacher's backend.Backend
// segregated-interface style (one small interface per concern rather than
// a single god-interface).
type WorkflowStore interface {
	PutWorkflow(ctx context.Context, def WorkflowDefinition) error
	GetWorkflow(ctx context.Context, id string) (WorkflowDefinition, error)
	GetWorkflowBySlug(ctx context.Context, slug string, version int) (WorkflowDefinition, error)
	ListWorkflows(ctx context.Context) ([]WorkflowDefinition, error)
}

// RunStore persists WorkflowRun rows.
type RunStore interface {
	CreateRun(ctx context.Context, run WorkflowRun) error
	GetRun(ctx context.Context, id string) (WorkflowRun, error)
	GetRunByKey(ctx context.Context, workflowDefinitionID, runKeyNormalized string) (WorkflowRun, error)
	UpdateRunStatus(ctx context.Context, id string, status WorkflowStatus, errorMessage string) error
	SetRunShared(ctx context.Context, id string, shared map[string]any) error
	ListRuns(ctx context.Context, filter RunFilter) ([]WorkflowRun, error)
}

// StepRunStore persists WorkflowStepRun rows.
type StepRunStore interface {
	PutStepRun(ctx context.Context, sr StepRun) error
	GetStepRun(ctx context.Context, runID, stepID string) (StepRun, error)
	ListStepRuns(ctx context.Context, runID string) ([]StepRun, error)
}

// AssetStore persists asset materializations, partition staleness flags,
// and asset graph view queries (spec.md §4.11).
type AssetStore interface {
	PutAsset(ctx context.Context, a Asset) error
	LatestAsset(ctx context.Context, assetID, partitionKey string) (Asset, error)
	ListAssetPartitions(ctx context.Context, assetID string) ([]Asset, error)

	FlagStalePartition(ctx context.Context, f StalePartitionFlag) error
	ListStalePartitions(ctx context.Context, workflowDefinitionID string) ([]StalePartitionFlag, error)
	ClearStalePartition(ctx context.Context, workflowDefinitionID, assetID, partitionKey string) error
}

// ClaimStore persists the auto-run claim registry from spec.md §3/§4.9.
type ClaimStore interface {
	AcquireClaim(ctx context.Context, claim AutoRunClaim) (bool, error)
	ReleaseClaim(ctx context.Context, workflowDefinitionID, assetID, partitionKey string) error
	PruneExpiredClaims(ctx context.Context, before int64) (int, error)
}

// Store composes every sub-contract the orchestration core depends on. A
// caller wanting only part of it should still depend on the narrower
// interfaces above; Store exists for constructors that need the whole
// surface (migrations, cmd/ wiring).
type Store interface {
	WorkflowStore
	RunStore
	StepRunStore
	AssetStore
	ClaimStore
	EventStore
	SchemaStore

	Close() error
}
