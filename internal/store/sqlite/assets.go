package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/apphub/orchestrator-core/internal/store"
)

func (s *Store) PutAsset(ctx context.Context, a store.Asset) error {
	payload, err := marshal(a.Payload)
	if err != nil {
		return fmt.Errorf("marshal asset payload: %w", err)
	}
	schema, err := marshal(a.Schema)
	if err != nil {
		return fmt.Errorf("marshal asset schema: %w", err)
	}
	freshness, err := marshal(a.Freshness)
	if err != nil {
		return fmt.Errorf("marshal asset freshness: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO asset_materializations (workflow_run_id, step_id, asset_id, partition_key,
			produced_at, payload, schema, freshness)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.WorkflowRunID, a.StepID, a.AssetID, a.PartitionKey,
		a.ProducedAt.UTC().Format(time.RFC3339Nano), payload, schema, freshness)
	if err != nil {
		return fmt.Errorf("put asset: %w", err)
	}
	return nil
}

func scanAsset(scan func(dest ...any) error) (store.Asset, error) {
	var a store.Asset
	var producedAt string
	var payload, schema, freshness sql.NullString

	if err := scan(&a.WorkflowRunID, &a.StepID, &a.AssetID, &a.PartitionKey, &producedAt,
		&payload, &schema, &freshness); err != nil {
		if err == sql.ErrNoRows {
			return store.Asset{}, store.ErrNotFound
		}
		return store.Asset{}, fmt.Errorf("scan asset: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, producedAt); err == nil {
		a.ProducedAt = t
	}
	if err := unmarshalInto(payload, &a.Payload); err != nil {
		return store.Asset{}, fmt.Errorf("unmarshal asset payload: %w", err)
	}
	if err := unmarshalInto(schema, &a.Schema); err != nil {
		return store.Asset{}, fmt.Errorf("unmarshal asset schema: %w", err)
	}
	if err := unmarshalInto(freshness, &a.Freshness); err != nil {
		return store.Asset{}, fmt.Errorf("unmarshal asset freshness: %w", err)
	}
	return a, nil
}

const assetColumns = `workflow_run_id, step_id, asset_id, partition_key, produced_at, payload, schema, freshness`

func (s *Store) LatestAsset(ctx context.Context, assetID, partitionKey string) (store.Asset, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+assetColumns+` FROM asset_materializations
		WHERE asset_id = ? AND partition_key = ? ORDER BY produced_at DESC LIMIT 1
	`, assetID, partitionKey)
	return scanAsset(row.Scan)
}

func (s *Store) ListAssetPartitions(ctx context.Context, assetID string) ([]store.Asset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+assetColumns+` FROM asset_materializations a
		WHERE asset_id = ? AND produced_at = (
			SELECT MAX(produced_at) FROM asset_materializations
			WHERE asset_id = a.asset_id AND partition_key = a.partition_key
		)
		ORDER BY partition_key
	`, assetID)
	if err != nil {
		return nil, fmt.Errorf("list asset partitions: %w", err)
	}
	defer rows.Close()

	var out []store.Asset
	for rows.Next() {
		a, err := scanAsset(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) FlagStalePartition(ctx context.Context, f store.StalePartitionFlag) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stale_partition_flags (workflow_definition_id, asset_id, partition_key, requested_at, requested_by, note)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(workflow_definition_id, asset_id, partition_key) DO UPDATE SET
			requested_at=excluded.requested_at, requested_by=excluded.requested_by, note=excluded.note
	`, f.WorkflowDefinitionID, f.AssetID, f.PartitionKey,
		f.RequestedAt.UTC().Format(time.RFC3339Nano), nullString(f.RequestedBy), nullString(f.Note))
	if err != nil {
		return fmt.Errorf("flag stale partition: %w", err)
	}
	return nil
}

func (s *Store) ListStalePartitions(ctx context.Context, workflowDefinitionID string) ([]store.StalePartitionFlag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_definition_id, asset_id, partition_key, requested_at, requested_by, note
		FROM stale_partition_flags WHERE workflow_definition_id = ?
	`, workflowDefinitionID)
	if err != nil {
		return nil, fmt.Errorf("list stale partitions: %w", err)
	}
	defer rows.Close()

	var out []store.StalePartitionFlag
	for rows.Next() {
		var f store.StalePartitionFlag
		var requestedAt string
		var requestedBy, note sql.NullString
		if err := rows.Scan(&f.WorkflowDefinitionID, &f.AssetID, &f.PartitionKey, &requestedAt, &requestedBy, &note); err != nil {
			return nil, fmt.Errorf("scan stale partition: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, requestedAt); err == nil {
			f.RequestedAt = t
		}
		f.RequestedBy = requestedBy.String
		f.Note = note.String
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *Store) ClearStalePartition(ctx context.Context, workflowDefinitionID, assetID, partitionKey string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM stale_partition_flags WHERE workflow_definition_id = ? AND asset_id = ? AND partition_key = ?`,
		workflowDefinitionID, assetID, partitionKey)
	if err != nil {
		return fmt.Errorf("clear stale partition: %w", err)
	}
	return nil
}
