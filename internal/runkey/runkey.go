// Package runkey implements the Run-Key / Claim Registry (spec.md §4.9):
// run-key normalization plus the auto-materializer claim registry that
// guarantees at most one active claim per (workflow, asset, partition key).
// Claims for different assets or partitions of the same workflow are
// independent and can be held at the same time.
package runkey

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/apphub/orchestrator-core/internal/clock"
	"github.com/apphub/orchestrator-core/internal/store"
)

const maxNormalizedLength = 48

var nonKeyChars = regexp.MustCompile(`[^a-z0-9_.-]+`)
var whitespace = regexp.MustCompile(`\s+`)

// Normalize lowercases key, collapses whitespace, replaces any character
// outside [a-z0-9_.-] with "-", and clips to 48 characters.
func Normalize(key string) string {
	lower := strings.ToLower(strings.TrimSpace(key))
	collapsed := whitespace.ReplaceAllString(lower, " ")
	sanitized := nonKeyChars.ReplaceAllString(collapsed, "-")
	if len(sanitized) > maxNormalizedLength {
		sanitized = sanitized[:maxNormalizedLength]
	}
	return sanitized
}

// Registry is the Run-Key / Claim Registry component.
type Registry struct {
	store store.ClaimStore
	clock clock.Clock
}

// New constructs a Registry over a ClaimStore.
func New(claims store.ClaimStore, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.NewReal()
	}
	return &Registry{store: claims, clock: clk}
}

// Claim attempts to acquire the single active claim slot for
// (workflowDefinitionID, assetID, partitionKey). It returns false without
// error if a non-expired claim already exists.
func (r *Registry) Claim(ctx context.Context, workflowDefinitionID, ownerID, assetID, partitionKey, reason string, ttl time.Duration) (bool, error) {
	now := r.clock.Now()
	claim := store.AutoRunClaim{
		WorkflowDefinitionID: workflowDefinitionID,
		OwnerID:              ownerID,
		Reason:               reason,
		AssetID:              assetID,
		PartitionKey:         partitionKey,
		AcquiredAt:           now,
		ExpiresAt:            now.Add(ttl),
	}
	return r.store.AcquireClaim(ctx, claim)
}

// AttachRun binds a newly created run to an already-acquired claim by
// re-acquiring it (idempotent, since AcquireClaim treats an unexpired
// matching claim as already held) with the run id set.
func (r *Registry) AttachRun(ctx context.Context, workflowDefinitionID, ownerID, assetID, partitionKey, runID string, ttl time.Duration) error {
	now := r.clock.Now()
	_, err := r.store.AcquireClaim(ctx, store.AutoRunClaim{
		WorkflowDefinitionID: workflowDefinitionID,
		OwnerID:              ownerID,
		WorkflowRunID:        runID,
		AssetID:              assetID,
		PartitionKey:         partitionKey,
		AcquiredAt:           now,
		ExpiresAt:            now.Add(ttl),
	})
	if err != nil {
		return fmt.Errorf("attach run to claim: %w", err)
	}
	return nil
}

// Release frees the claim stored under (workflowDefinitionID, assetID,
// partitionKey), whichever owner or run holds it.
func (r *Registry) Release(ctx context.Context, workflowDefinitionID, assetID, partitionKey string) error {
	return r.store.ReleaseClaim(ctx, workflowDefinitionID, assetID, partitionKey)
}

// PruneStale removes claims whose TTL has elapsed, meant to run once on
// startup per spec.md §4.9.
func (r *Registry) PruneStale(ctx context.Context) (int, error) {
	return r.store.PruneExpiredClaims(ctx, r.clock.Now().UnixMilli())
}
