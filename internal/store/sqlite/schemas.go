package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/apphub/orchestrator-core/internal/store"
)

func (s *Store) PutSchema(ctx context.Context, sc store.EventSchema) error {
	schemaBody, err := marshal(sc.Schema)
	if err != nil {
		return fmt.Errorf("marshal schema body: %w", err)
	}
	metadata, err := marshal(sc.Metadata)
	if err != nil {
		return fmt.Errorf("marshal schema metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO event_schemas (event_type, version, status, schema, schema_hash, metadata)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_type, version) DO UPDATE SET status=excluded.status, metadata=excluded.metadata
	`, sc.EventType, sc.Version, sc.Status, schemaBody, sc.SchemaHash, metadata)
	if err != nil {
		return fmt.Errorf("put schema: %w", err)
	}
	return nil
}

func scanSchema(scan func(dest ...any) error) (store.EventSchema, error) {
	var sc store.EventSchema
	var schemaBody, metadata sql.NullString
	if err := scan(&sc.EventType, &sc.Version, &sc.Status, &schemaBody, &sc.SchemaHash, &metadata); err != nil {
		if err == sql.ErrNoRows {
			return store.EventSchema{}, store.ErrNotFound
		}
		return store.EventSchema{}, fmt.Errorf("scan schema: %w", err)
	}
	if err := unmarshalInto(schemaBody, &sc.Schema); err != nil {
		return store.EventSchema{}, fmt.Errorf("unmarshal schema body: %w", err)
	}
	if err := unmarshalInto(metadata, &sc.Metadata); err != nil {
		return store.EventSchema{}, fmt.Errorf("unmarshal schema metadata: %w", err)
	}
	return sc, nil
}

func (s *Store) GetSchema(ctx context.Context, eventType string, version int) (store.EventSchema, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_type, version, status, schema, schema_hash, metadata
		FROM event_schemas WHERE event_type = ? AND version = ?
	`, eventType, version)
	return scanSchema(row.Scan)
}

func (s *Store) ListSchemas(ctx context.Context, eventType string) ([]store.EventSchema, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, version, status, schema, schema_hash, metadata
		FROM event_schemas WHERE event_type = ? ORDER BY version
	`, eventType)
	if err != nil {
		return nil, fmt.Errorf("list schemas: %w", err)
	}
	defer rows.Close()

	var out []store.EventSchema
	for rows.Next() {
		sc, err := scanSchema(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
