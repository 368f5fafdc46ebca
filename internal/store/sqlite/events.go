package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/apphub/orchestrator-core/internal/store"
)

func (s *Store) PutEnvelope(ctx context.Context, e store.EventEnvelope) error {
	payload, err := marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal envelope payload: %w", err)
	}
	metadata, err := marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal envelope metadata: %w", err)
	}
	persistedAt := e.PersistedAt
	if persistedAt.IsZero() {
		persistedAt = e.OccurredAt
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO event_envelopes (id, type, source, occurred_at, payload, correlation_id, ttl_ms,
			metadata, schema_version, schema_hash, persisted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET schema_version=excluded.schema_version, schema_hash=excluded.schema_hash,
			metadata=excluded.metadata
	`, e.ID, e.Type, e.Source, e.OccurredAt.UTC().Format(time.RFC3339Nano), payload,
		nullString(e.CorrelationID), e.TTLMs, metadata, e.SchemaVersion, nullString(e.SchemaHash),
		persistedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("put envelope: %w", err)
	}
	return nil
}

func (s *Store) GetEnvelope(ctx context.Context, id string) (store.EventEnvelope, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, source, occurred_at, payload, correlation_id, ttl_ms, metadata,
			schema_version, schema_hash, persisted_at
		FROM event_envelopes WHERE id = ?
	`, id)

	var e store.EventEnvelope
	var occurredAt, persistedAt string
	var payload, correlationID, metadata, schemaHash sql.NullString
	var ttlMs, schemaVersion sql.NullInt64

	if err := row.Scan(&e.ID, &e.Type, &e.Source, &occurredAt, &payload, &correlationID, &ttlMs,
		&metadata, &schemaVersion, &schemaHash, &persistedAt); err != nil {
		if err == sql.ErrNoRows {
			return store.EventEnvelope{}, store.ErrNotFound
		}
		return store.EventEnvelope{}, fmt.Errorf("get envelope: %w", err)
	}

	if t, err := time.Parse(time.RFC3339Nano, occurredAt); err == nil {
		e.OccurredAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, persistedAt); err == nil {
		e.PersistedAt = t
	}
	e.CorrelationID = correlationID.String
	e.TTLMs = ttlMs.Int64
	e.SchemaVersion = int(schemaVersion.Int64)
	e.SchemaHash = schemaHash.String
	if err := unmarshalInto(payload, &e.Payload); err != nil {
		return store.EventEnvelope{}, fmt.Errorf("unmarshal envelope payload: %w", err)
	}
	if err := unmarshalInto(metadata, &e.Metadata); err != nil {
		return store.EventEnvelope{}, fmt.Errorf("unmarshal envelope metadata: %w", err)
	}
	return e, nil
}

func (s *Store) PutScheduledRetry(ctx context.Context, r store.ScheduledRetry) error {
	cancelled := 0
	if r.Cancelled {
		cancelled = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_retries (event_id, attempts, next_attempt_at, cancelled)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET attempts=excluded.attempts,
			next_attempt_at=excluded.next_attempt_at, cancelled=excluded.cancelled
	`, r.EventID, r.Attempts, r.NextAttemptAt.UTC().Format(time.RFC3339Nano), cancelled)
	if err != nil {
		return fmt.Errorf("put scheduled retry: %w", err)
	}
	return nil
}

func (s *Store) GetScheduledRetry(ctx context.Context, eventID string) (store.ScheduledRetry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT event_id, attempts, next_attempt_at, cancelled FROM scheduled_retries WHERE event_id = ?`, eventID)

	var r store.ScheduledRetry
	var nextAttemptAt string
	var cancelled int
	if err := row.Scan(&r.EventID, &r.Attempts, &nextAttemptAt, &cancelled); err != nil {
		if err == sql.ErrNoRows {
			return store.ScheduledRetry{}, store.ErrNotFound
		}
		return store.ScheduledRetry{}, fmt.Errorf("get scheduled retry: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, nextAttemptAt); err == nil {
		r.NextAttemptAt = t
	}
	r.Cancelled = cancelled != 0
	return r, nil
}

func (s *Store) DeleteScheduledRetry(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_retries WHERE event_id = ?`, eventID)
	if err != nil {
		return fmt.Errorf("delete scheduled retry: %w", err)
	}
	return nil
}
