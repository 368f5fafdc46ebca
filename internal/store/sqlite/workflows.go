package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/apphub/orchestrator-core/internal/store"
)

func (s *Store) PutWorkflow(ctx context.Context, def store.WorkflowDefinition) error {
	body, err := marshal(def)
	if err != nil {
		return fmt.Errorf("marshal workflow definition: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_definitions (id, slug, version, name, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET slug=excluded.slug, version=excluded.version,
			name=excluded.name, definition=excluded.definition, updated_at=excluded.updated_at
	`, def.ID, def.Slug, def.Version, def.Name, body, now, now)
	if err != nil {
		return fmt.Errorf("put workflow: %w", err)
	}
	return nil
}

func (s *Store) scanWorkflow(row *sql.Row) (store.WorkflowDefinition, error) {
	var id string
	var body string
	if err := row.Scan(&id, &body); err != nil {
		if err == sql.ErrNoRows {
			return store.WorkflowDefinition{}, store.ErrNotFound
		}
		return store.WorkflowDefinition{}, fmt.Errorf("scan workflow: %w", err)
	}
	var def store.WorkflowDefinition
	if err := unmarshalInto(sql.NullString{String: body, Valid: true}, &def); err != nil {
		return store.WorkflowDefinition{}, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return def, nil
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (store.WorkflowDefinition, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, definition FROM workflow_definitions WHERE id = ?`, id)
	return s.scanWorkflow(row)
}

func (s *Store) GetWorkflowBySlug(ctx context.Context, slug string, version int) (store.WorkflowDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, definition FROM workflow_definitions WHERE slug = ? AND version = ?`, slug, version)
	return s.scanWorkflow(row)
}

func (s *Store) ListWorkflows(ctx context.Context) ([]store.WorkflowDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, definition FROM workflow_definitions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []store.WorkflowDefinition
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, fmt.Errorf("scan workflow row: %w", err)
		}
		var def store.WorkflowDefinition
		if err := unmarshalInto(sql.NullString{String: body, Valid: true}, &def); err != nil {
			return nil, fmt.Errorf("unmarshal workflow row: %w", err)
		}
		out = append(out, def)
	}
	return out, rows.Err()
}
