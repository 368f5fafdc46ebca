package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/apphub/orchestrator-core/internal/coreerrors"
	"github.com/apphub/orchestrator-core/internal/store"
)

func (s *Store) CreateRun(ctx context.Context, run store.WorkflowRun) error {
	params, err := marshal(run.Parameters)
	if err != nil {
		return fmt.Errorf("marshal run parameters: %w", err)
	}
	shared, err := marshal(run.Shared)
	if err != nil {
		return fmt.Errorf("marshal run shared: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, workflow_definition_id, status, run_key, run_key_normalized,
			parameters, trigger_type, trigger_id, triggered_by, partition_key, shared, error_message,
			started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.WorkflowDefinitionID, run.Status, nullString(run.RunKey), nullString(run.RunKeyNormalized),
		params, nullString(run.Trigger.Type), nullString(run.Trigger.ID), nullString(run.TriggeredBy),
		nullString(run.PartitionKey), shared, nullString(run.ErrorMessage),
		formatTime(run.StartedAt), formatTime(run.CompletedAt), run.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: workflow_runs.workflow_definition_id, workflow_runs.run_key_normalized") {
			existing, lookupErr := s.GetRunByKey(ctx, run.WorkflowDefinitionID, run.RunKeyNormalized)
			existingID := ""
			if lookupErr == nil {
				existingID = existing.ID
			}
			return &coreerrors.ConflictError{Resource: "workflow_run", Identity: run.RunKeyNormalized, ExistingID: existingID}
		}
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

const runColumns = `id, workflow_definition_id, status, run_key, run_key_normalized, parameters,
	trigger_type, trigger_id, triggered_by, partition_key, shared, error_message,
	started_at, completed_at, created_at`

func scanRun(scan func(dest ...any) error) (store.WorkflowRun, error) {
	var run store.WorkflowRun
	var runKey, runKeyNorm, params, triggerType, triggerID, triggeredBy sql.NullString
	var partitionKey, shared, errMsg, startedAt, completedAt sql.NullString
	var createdAt string

	if err := scan(&run.ID, &run.WorkflowDefinitionID, &run.Status, &runKey, &runKeyNorm, &params,
		&triggerType, &triggerID, &triggeredBy, &partitionKey, &shared, &errMsg,
		&startedAt, &completedAt, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return store.WorkflowRun{}, store.ErrNotFound
		}
		return store.WorkflowRun{}, fmt.Errorf("scan run: %w", err)
	}

	run.RunKey = runKey.String
	run.RunKeyNormalized = runKeyNorm.String
	run.Trigger = store.TriggerContext{Type: triggerType.String, ID: triggerID.String}
	run.TriggeredBy = triggeredBy.String
	run.PartitionKey = partitionKey.String
	run.ErrorMessage = errMsg.String
	run.StartedAt = parseTime(startedAt)
	run.CompletedAt = parseTime(completedAt)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		run.CreatedAt = t
	}
	if err := unmarshalInto(params, &run.Parameters); err != nil {
		return store.WorkflowRun{}, fmt.Errorf("unmarshal run parameters: %w", err)
	}
	if err := unmarshalInto(shared, &run.Shared); err != nil {
		return store.WorkflowRun{}, fmt.Errorf("unmarshal run shared: %w", err)
	}
	return run, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (store.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, id)
	return scanRun(row.Scan)
}

func (s *Store) GetRunByKey(ctx context.Context, workflowDefinitionID, runKeyNormalized string) (store.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE workflow_definition_id = ? AND run_key_normalized = ?`,
		workflowDefinitionID, runKeyNormalized)
	return scanRun(row.Scan)
}

func (s *Store) UpdateRunStatus(ctx context.Context, id string, status store.WorkflowStatus, errorMessage string) error {
	var completedAt any
	if status.IsTerminal() {
		completedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET status = ?, error_message = ?, completed_at = COALESCE(completed_at, ?) WHERE id = ?`,
		status, nullString(errorMessage), completedAt, id)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return nil
}

func (s *Store) SetRunShared(ctx context.Context, id string, shared map[string]any) error {
	body, err := marshal(shared)
	if err != nil {
		return fmt.Errorf("marshal run shared: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE workflow_runs SET shared = ? WHERE id = ?`, body, id)
	if err != nil {
		return fmt.Errorf("set run shared: %w", err)
	}
	return nil
}

func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]store.WorkflowRun, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs WHERE 1=1`
	var args []any
	if filter.WorkflowDefinitionID != "" {
		query += ` AND workflow_definition_id = ?`
		args = append(args, filter.WorkflowDefinitionID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []store.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
