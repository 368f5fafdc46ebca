// Package eventschema implements the Event Schema Registry (spec.md §4.4):
// register/resolve/annotate over an in-process cache backed by a
// store.WorkflowStore-adjacent persistence layer. Schema hashes use
// internal/clock's canonical-JSON hashing so two registrations of
// semantically identical schemas (different key order) compare equal.
package eventschema

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/apphub/orchestrator-core/internal/clock"
	"github.com/apphub/orchestrator-core/internal/coreerrors"
	"github.com/apphub/orchestrator-core/internal/store"
)

// Backend is the persistence surface the registry needs. It is narrower
// than store.Store so callers can wire any store implementation without
// pulling in the whole contract.
type Backend interface {
	PutSchema(ctx context.Context, s store.EventSchema) error
	GetSchema(ctx context.Context, eventType string, version int) (store.EventSchema, error)
	ListSchemas(ctx context.Context, eventType string) ([]store.EventSchema, error)
}

type cacheEntry struct {
	schema store.EventSchema
	found  bool
	until  time.Time
}

// Registry is the Event Schema Registry component.
type Registry struct {
	backend Backend
	clock   clock.Clock

	mu                sync.Mutex
	cache             map[string]cacheEntry // eventType|version -> entry
	cacheTTL          time.Duration
	negativeCacheTTL  time.Duration
}

// Options configures cache TTLs, matching spec.md §4.4's
// `cacheTtlMs`/`negativeCacheTtlMs`.
type Options struct {
	CacheTTL         time.Duration
	NegativeCacheTTL time.Duration
}

// New constructs a Registry. clk defaults to a real clock when nil.
func New(backend Backend, clk clock.Clock, opts Options) *Registry {
	if clk == nil {
		clk = clock.NewReal()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 60 * time.Second
	}
	if opts.NegativeCacheTTL <= 0 {
		opts.NegativeCacheTTL = 10 * time.Second
	}
	return &Registry{
		backend:          backend,
		clock:            clk,
		cache:            make(map[string]cacheEntry),
		cacheTTL:         opts.CacheTTL,
		negativeCacheTTL: opts.NegativeCacheTTL,
	}
}

func cacheKey(eventType string, version int) string {
	return fmt.Sprintf("%s|%d", eventType, version)
}

// Register computes the canonical hash of schema and persists it. A
// re-registration of the same (eventType,version) with an identical hash
// is idempotent (status transitions are still allowed through); a
// different hash for the same version is rejected with a
// SchemaMismatchError. version==0 means "pick the next integer".
func (r *Registry) Register(ctx context.Context, eventType string, schema map[string]any, version int, status store.SchemaStatus) (store.EventSchema, error) {
	hash, err := clock.CanonicalHash(schema)
	if err != nil {
		return store.EventSchema{}, fmt.Errorf("hash schema: %w", err)
	}
	if status == "" {
		status = store.SchemaDraft
	}

	if version == 0 {
		existing, err := r.backend.ListSchemas(ctx, eventType)
		if err != nil {
			return store.EventSchema{}, fmt.Errorf("list existing schemas: %w", err)
		}
		version = 1
		for _, s := range existing {
			if s.Version >= version {
				version = s.Version + 1
			}
		}
	} else if existing, err := r.backend.GetSchema(ctx, eventType, version); err == nil {
		if existing.SchemaHash != hash {
			return store.EventSchema{}, &coreerrors.SchemaMismatchError{
				EventType: eventType, Version: version,
				Reason: fmt.Sprintf("hash changed from %s to %s", existing.SchemaHash, hash),
			}
		}
		// identical hash: idempotent, but allow the status transition through
	} else if err != store.ErrNotFound {
		return store.EventSchema{}, fmt.Errorf("get existing schema: %w", err)
	}

	record := store.EventSchema{
		EventType:  eventType,
		Version:    version,
		Status:     status,
		Schema:     schema,
		SchemaHash: hash,
	}
	if err := r.backend.PutSchema(ctx, record); err != nil {
		return store.EventSchema{}, fmt.Errorf("put schema: %w", err)
	}

	r.mu.Lock()
	prefix := eventType + "|"
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()

	return record, nil
}

// ResolveOptions filters Resolve's candidate set.
type ResolveOptions struct {
	Version  int
	Statuses []store.SchemaStatus
}

// Resolve returns the schema record for eventType, consulting the cache
// first. Positive hits are cached for cacheTtlMs, misses for
// negativeCacheTtlMs; any Register for eventType invalidates all cached
// versions for it.
func (r *Registry) Resolve(ctx context.Context, eventType string, opts ResolveOptions) (store.EventSchema, bool, error) {
	version := opts.Version
	key := cacheKey(eventType, version)

	r.mu.Lock()
	if entry, ok := r.cache[key]; ok && r.clock.Now().Before(entry.until) {
		r.mu.Unlock()
		return entry.schema, entry.found, nil
	}
	r.mu.Unlock()

	var (
		record store.EventSchema
		found  bool
		err    error
	)
	if version > 0 {
		record, err = r.backend.GetSchema(ctx, eventType, version)
		if err == nil {
			found = matchesStatus(record, opts.Statuses)
		} else if err != store.ErrNotFound {
			return store.EventSchema{}, false, fmt.Errorf("resolve schema: %w", err)
		}
	} else {
		all, listErr := r.backend.ListSchemas(ctx, eventType)
		if listErr != nil {
			return store.EventSchema{}, false, fmt.Errorf("resolve schema: %w", listErr)
		}
		for _, s := range all {
			if matchesStatus(s, opts.Statuses) && s.Version > record.Version {
				record, found = s, true
			}
		}
	}

	ttl := r.negativeCacheTTL
	if found {
		ttl = r.cacheTTL
	}
	r.mu.Lock()
	r.cache[key] = cacheEntry{schema: record, found: found, until: r.clock.Now().Add(ttl)}
	r.mu.Unlock()

	if !found {
		return store.EventSchema{}, false, nil
	}
	return record, true, nil
}

func matchesStatus(s store.EventSchema, statuses []store.SchemaStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, st := range statuses {
		if s.Status == st {
			return true
		}
	}
	return false
}

// AnnotateOptions controls Annotate's enforcement.
type AnnotateOptions struct {
	Enforce bool
}

// Annotate resolves a schema for envelope.Type and, if one is found, stamps
// schemaVersion/schemaHash. When opts.Enforce is set it also validates the
// payload (a structural key-presence check; full JSON Schema validation is
// out of scope per spec.md's non-goals) and fails if no schema is
// registered; without Enforce the payload is not validated. If the envelope
// already carries a hash that disagrees with the registry, the call fails.
func (r *Registry) Annotate(ctx context.Context, envelope *store.EventEnvelope, opts AnnotateOptions) error {
	record, found, err := r.Resolve(ctx, envelope.Type, ResolveOptions{Version: envelope.SchemaVersion})
	if err != nil {
		return err
	}
	if !found {
		if opts.Enforce {
			return &coreerrors.SchemaMismatchError{EventType: envelope.Type, Version: envelope.SchemaVersion, Reason: "no registered schema"}
		}
		return nil
	}

	if envelope.SchemaHash != "" && envelope.SchemaHash != record.SchemaHash {
		return &coreerrors.SchemaMismatchError{
			EventType: envelope.Type, Version: envelope.SchemaVersion,
			Reason: fmt.Sprintf("envelope hash %s disagrees with registry hash %s", envelope.SchemaHash, record.SchemaHash),
		}
	}
	if opts.Enforce {
		if err := validateAgainstShape(record.Schema, envelope.Payload); err != nil {
			return err
		}
	}

	envelope.SchemaVersion = record.Version
	envelope.SchemaHash = record.SchemaHash
	return nil
}

// validateAgainstShape checks that every key schema declares as required is
// present in payload. Schema is expected in the shape
// {"required": ["field", ...]}, the minimal structural contract this
// registry commits to; richer schemas pass through unvalidated fields.
func validateAgainstShape(schema map[string]any, payload map[string]any) error {
	required, ok := schema["required"].([]any)
	if !ok {
		return nil
	}
	for _, field := range required {
		name, ok := field.(string)
		if !ok {
			continue
		}
		if _, present := payload[name]; !present {
			return &coreerrors.ValidationError{Field: name, Message: "required field missing"}
		}
	}
	return nil
}
