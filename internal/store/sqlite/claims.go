package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/apphub/orchestrator-core/internal/store"
)

// AcquireClaim inserts a claim row if none exists or the existing one has
// expired, matching spec.md §4.9's claim/attachRun contract. The upsert,
// whose DO UPDATE applies only when the stored claim has expired, plus the
// changed-rows check keeps the acquire atomic under SQLite's single-writer
// model without a separate transaction.
func (s *Store) AcquireClaim(ctx context.Context, claim store.AutoRunClaim) (bool, error) {
	now := claim.AcquiredAt.UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO auto_run_claims (workflow_definition_id, asset_id, partition_key, owner_id,
			workflow_run_id, reason, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workflow_definition_id, asset_id, partition_key) DO UPDATE SET
			owner_id=excluded.owner_id, workflow_run_id=excluded.workflow_run_id, reason=excluded.reason,
			acquired_at=excluded.acquired_at, expires_at=excluded.expires_at
		WHERE auto_run_claims.expires_at < ?
	`, claim.WorkflowDefinitionID, claim.AssetID, claim.PartitionKey, claim.OwnerID,
		nullString(claim.WorkflowRunID), nullString(claim.Reason), now,
		claim.ExpiresAt.UTC().Format(time.RFC3339Nano), now)
	if err != nil {
		return false, fmt.Errorf("acquire claim: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire claim rows affected: %w", err)
	}
	return affected > 0, nil
}

func (s *Store) ReleaseClaim(ctx context.Context, workflowDefinitionID, assetID, partitionKey string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM auto_run_claims WHERE workflow_definition_id = ? AND asset_id = ? AND partition_key = ?`,
		workflowDefinitionID, assetID, partitionKey)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

func (s *Store) PruneExpiredClaims(ctx context.Context, beforeUnixMs int64) (int, error) {
	cutoff := time.UnixMilli(beforeUnixMs).UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM auto_run_claims WHERE expires_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune expired claims: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune expired claims rows affected: %w", err)
	}
	return int(n), nil
}
