package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/apphub/orchestrator-core/internal/store"
)

func (s *Store) PutStepRun(ctx context.Context, sr store.StepRun) error {
	result, err := marshal(sr.Result)
	if err != nil {
		return fmt.Errorf("marshal step result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_step_runs (run_id, step_id, status, attempt, job_run_id, result,
			error_message, error_kind, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, step_id) DO UPDATE SET status=excluded.status, attempt=excluded.attempt,
			job_run_id=excluded.job_run_id, result=excluded.result, error_message=excluded.error_message,
			error_kind=excluded.error_kind, started_at=excluded.started_at, completed_at=excluded.completed_at
	`, sr.RunID, sr.StepID, sr.Status, sr.Attempt, nullString(sr.JobRunID), result,
		nullString(sr.ErrorMessage), nullString(sr.ErrorKind), formatTime(sr.StartedAt), formatTime(sr.CompletedAt))
	if err != nil {
		return fmt.Errorf("put step run: %w", err)
	}
	return nil
}

const stepRunColumns = `run_id, step_id, status, attempt, job_run_id, result, error_message, error_kind, started_at, completed_at`

func scanStepRun(scan func(dest ...any) error) (store.StepRun, error) {
	var sr store.StepRun
	var jobRunID, result, errMsg, errKind, startedAt, completedAt sql.NullString

	if err := scan(&sr.RunID, &sr.StepID, &sr.Status, &sr.Attempt, &jobRunID, &result,
		&errMsg, &errKind, &startedAt, &completedAt); err != nil {
		if err == sql.ErrNoRows {
			return store.StepRun{}, store.ErrNotFound
		}
		return store.StepRun{}, fmt.Errorf("scan step run: %w", err)
	}
	sr.JobRunID = jobRunID.String
	sr.ErrorMessage = errMsg.String
	sr.ErrorKind = errKind.String
	sr.StartedAt = parseTime(startedAt)
	sr.CompletedAt = parseTime(completedAt)
	if err := unmarshalInto(result, &sr.Result); err != nil {
		return store.StepRun{}, fmt.Errorf("unmarshal step result: %w", err)
	}
	return sr, nil
}

func (s *Store) GetStepRun(ctx context.Context, runID, stepID string) (store.StepRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepRunColumns+` FROM workflow_step_runs WHERE run_id = ? AND step_id = ?`, runID, stepID)
	return scanStepRun(row.Scan)
}

func (s *Store) ListStepRuns(ctx context.Context, runID string) ([]store.StepRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepRunColumns+` FROM workflow_step_runs WHERE run_id = ? ORDER BY step_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list step runs: %w", err)
	}
	defer rows.Close()

	var out []store.StepRun
	for rows.Next() {
		sr, err := scanStepRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}
