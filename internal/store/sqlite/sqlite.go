// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite is a single-node SQLite implementation of store.Store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/apphub/orchestrator-core/internal/store"
	_ "modernc.org/sqlite"
)

var _ store.Store = (*Store)(nil)

// Store is a SQLite-backed persistence store.
type Store struct {
	db *sql.DB
}

// Config configures the database connection.
type Config struct {
	// Path is the database file path, or ":memory:" for an ephemeral store.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New opens db, configures pragmas, and runs migrations.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1) // sqlite serializes writes; a single connection avoids SQLITE_BUSY under load

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflow_definitions (
			id TEXT PRIMARY KEY,
			slug TEXT NOT NULL,
			version INTEGER NOT NULL,
			name TEXT NOT NULL,
			definition TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_slug_version ON workflow_definitions(slug, version)`,
		`CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			workflow_definition_id TEXT NOT NULL,
			status TEXT NOT NULL,
			run_key TEXT,
			run_key_normalized TEXT,
			parameters TEXT,
			trigger_type TEXT,
			trigger_id TEXT,
			triggered_by TEXT,
			partition_key TEXT,
			shared TEXT,
			error_message TEXT,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (workflow_definition_id) REFERENCES workflow_definitions(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow ON workflow_runs(workflow_definition_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON workflow_runs(status)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_key ON workflow_runs(workflow_definition_id, run_key_normalized)
			WHERE run_key_normalized IS NOT NULL AND run_key_normalized != ''`,
		`CREATE TABLE IF NOT EXISTS workflow_step_runs (
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER DEFAULT 0,
			job_run_id TEXT,
			result TEXT,
			error_message TEXT,
			error_kind TEXT,
			started_at TEXT,
			completed_at TEXT,
			PRIMARY KEY (run_id, step_id),
			FOREIGN KEY (run_id) REFERENCES workflow_runs(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS asset_materializations (
			workflow_run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			asset_id TEXT NOT NULL,
			partition_key TEXT NOT NULL DEFAULT '',
			produced_at TEXT NOT NULL,
			payload TEXT,
			schema TEXT,
			freshness TEXT,
			PRIMARY KEY (asset_id, partition_key, produced_at)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_assets_latest ON asset_materializations(asset_id, partition_key, produced_at DESC)`,
		`CREATE TABLE IF NOT EXISTS stale_partition_flags (
			workflow_definition_id TEXT NOT NULL,
			asset_id TEXT NOT NULL,
			partition_key TEXT NOT NULL DEFAULT '',
			requested_at TEXT NOT NULL,
			requested_by TEXT,
			note TEXT,
			PRIMARY KEY (workflow_definition_id, asset_id, partition_key)
		)`,
		`CREATE TABLE IF NOT EXISTS event_schemas (
			event_type TEXT NOT NULL,
			version INTEGER NOT NULL,
			status TEXT NOT NULL,
			schema TEXT,
			schema_hash TEXT NOT NULL,
			metadata TEXT,
			PRIMARY KEY (event_type, version)
		)`,
		`CREATE TABLE IF NOT EXISTS event_envelopes (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			source TEXT NOT NULL,
			occurred_at TEXT NOT NULL,
			payload TEXT,
			correlation_id TEXT,
			ttl_ms INTEGER,
			metadata TEXT,
			schema_version INTEGER,
			schema_hash TEXT,
			persisted_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type_source ON event_envelopes(type, source)`,
		`CREATE TABLE IF NOT EXISTS scheduled_retries (
			event_id TEXT PRIMARY KEY,
			attempts INTEGER NOT NULL DEFAULT 0,
			next_attempt_at TEXT NOT NULL,
			cancelled INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (event_id) REFERENCES event_envelopes(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS auto_run_claims (
			workflow_definition_id TEXT NOT NULL,
			asset_id TEXT NOT NULL,
			partition_key TEXT NOT NULL DEFAULT '',
			owner_id TEXT NOT NULL,
			workflow_run_id TEXT,
			reason TEXT,
			acquired_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			PRIMARY KEY (workflow_definition_id, asset_id, partition_key)
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func marshal(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalInto[T any](raw sql.NullString, dst *T) error {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw.String), dst)
}

func formatTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw sql.NullString) *time.Time {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw.String)
	if err != nil {
		return nil
	}
	return &t
}
