// Package memory is an in-process reference implementation of store.Store,
// used in tests and single-process development the way the teacher's
// internal/daemon/backend ships an in-memory Backend alongside the SQLite
// one.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/apphub/orchestrator-core/internal/coreerrors"
	"github.com/apphub/orchestrator-core/internal/store"
)

type Store struct {
	mu sync.RWMutex

	workflows   map[string]store.WorkflowDefinition
	bySlug      map[string]string // slug|version -> id
	runs        map[string]store.WorkflowRun
	runsByKey   map[string]string // workflowDefinitionID|runKeyNormalized -> run id
	stepRuns    map[string]map[string]store.StepRun // runID -> stepID -> StepRun
	assets      map[string][]store.Asset            // assetID|partitionKey -> history, last is latest
	stalePart   map[string]store.StalePartitionFlag  // workflowDefinitionID|assetID|partitionKey
	claims      map[string]store.AutoRunClaim        // workflowDefinitionID|assetID|partitionKey
	envelopes   map[string]store.EventEnvelope
	retries     map[string]store.ScheduledRetry // eventID -> retry
	schemas     map[string]store.EventSchema    // eventType|version -> schema
}

func New() *Store {
	return &Store{
		envelopes: make(map[string]store.EventEnvelope),
		retries:   make(map[string]store.ScheduledRetry),
		schemas:   make(map[string]store.EventSchema),
		workflows: make(map[string]store.WorkflowDefinition),
		bySlug:    make(map[string]string),
		runs:      make(map[string]store.WorkflowRun),
		runsByKey: make(map[string]string),
		stepRuns:  make(map[string]map[string]store.StepRun),
		assets:    make(map[string][]store.Asset),
		stalePart: make(map[string]store.StalePartitionFlag),
		claims:    make(map[string]store.AutoRunClaim),
	}
}

func slugKey(slug string, version int) string {
	return slug + "|" + itoa(version)
}

func assetKey(assetID, partitionKey string) string { return assetID + "|" + partitionKey }

func claimKey(workflowDefinitionID, assetID, partitionKey string) string {
	return workflowDefinitionID + "|" + assetID + "|" + partitionKey
}

func runKeyIndex(workflowDefinitionID, runKeyNormalized string) string {
	return workflowDefinitionID + "|" + runKeyNormalized
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (s *Store) PutWorkflow(ctx context.Context, def store.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[def.ID] = def
	s.bySlug[slugKey(def.Slug, def.Version)] = def.ID
	return nil
}

func (s *Store) GetWorkflow(ctx context.Context, id string) (store.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.workflows[id]
	if !ok {
		return store.WorkflowDefinition{}, store.ErrNotFound
	}
	return d, nil
}

func (s *Store) GetWorkflowBySlug(ctx context.Context, slug string, version int) (store.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySlug[slugKey(slug, version)]
	if !ok {
		return store.WorkflowDefinition{}, store.ErrNotFound
	}
	return s.workflows[id], nil
}

func (s *Store) ListWorkflows(ctx context.Context) ([]store.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.WorkflowDefinition, 0, len(s.workflows))
	for _, d := range s.workflows {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateRun(ctx context.Context, run store.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.RunKeyNormalized != "" {
		idx := runKeyIndex(run.WorkflowDefinitionID, run.RunKeyNormalized)
		if existing, ok := s.runsByKey[idx]; ok && existing != run.ID {
			return &coreerrors.ConflictError{Resource: "workflow_run", Identity: run.RunKeyNormalized, ExistingID: existing}
		}
		s.runsByKey[idx] = run.ID
	}
	s.runs[run.ID] = run
	return nil
}

func (s *Store) GetRun(ctx context.Context, id string) (store.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return store.WorkflowRun{}, store.ErrNotFound
	}
	return r, nil
}

func (s *Store) GetRunByKey(ctx context.Context, workflowDefinitionID, runKeyNormalized string) (store.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.runsByKey[runKeyIndex(workflowDefinitionID, runKeyNormalized)]
	if !ok {
		return store.WorkflowRun{}, store.ErrNotFound
	}
	return s.runs[id], nil
}

func (s *Store) UpdateRunStatus(ctx context.Context, id string, status store.WorkflowStatus, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	r.Status = status
	r.ErrorMessage = errorMessage
	s.runs[id] = r
	return nil
}

func (s *Store) SetRunShared(ctx context.Context, id string, shared map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	r.Shared = shared
	s.runs[id] = r
	return nil
}

func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]store.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.WorkflowRun, 0)
	for _, r := range s.runs {
		if filter.WorkflowDefinitionID != "" && r.WorkflowDefinitionID != filter.WorkflowDefinitionID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Offset > 0 && filter.Offset < len(out) {
		out = out[filter.Offset:]
	} else if filter.Offset >= len(out) {
		out = nil
	}
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) PutStepRun(ctx context.Context, sr store.StepRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.stepRuns[sr.RunID]
	if !ok {
		m = make(map[string]store.StepRun)
		s.stepRuns[sr.RunID] = m
	}
	m[sr.StepID] = sr
	return nil
}

func (s *Store) GetStepRun(ctx context.Context, runID, stepID string) (store.StepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.stepRuns[runID]
	if !ok {
		return store.StepRun{}, store.ErrNotFound
	}
	sr, ok := m[stepID]
	if !ok {
		return store.StepRun{}, store.ErrNotFound
	}
	return sr, nil
}

func (s *Store) ListStepRuns(ctx context.Context, runID string) ([]store.StepRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := s.stepRuns[runID]
	out := make([]store.StepRun, 0, len(m))
	for _, sr := range m {
		out = append(out, sr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out, nil
}

func (s *Store) PutAsset(ctx context.Context, a store.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := assetKey(a.AssetID, a.PartitionKey)
	s.assets[k] = append(s.assets[k], a)
	return nil
}

func (s *Store) LatestAsset(ctx context.Context, assetID, partitionKey string) (store.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hist := s.assets[assetKey(assetID, partitionKey)]
	if len(hist) == 0 {
		return store.Asset{}, store.ErrNotFound
	}
	return hist[len(hist)-1], nil
}

func (s *Store) ListAssetPartitions(ctx context.Context, assetID string) ([]store.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.Asset, 0)
	for k, hist := range s.assets {
		if len(hist) == 0 {
			continue
		}
		if hist[0].AssetID != assetID {
			continue
		}
		_ = k
		out = append(out, hist[len(hist)-1])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PartitionKey < out[j].PartitionKey })
	return out, nil
}

func (s *Store) FlagStalePartition(ctx context.Context, f store.StalePartitionFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalePart[claimKey(f.WorkflowDefinitionID, f.AssetID, f.PartitionKey)] = f
	return nil
}

func (s *Store) ListStalePartitions(ctx context.Context, workflowDefinitionID string) ([]store.StalePartitionFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.StalePartitionFlag, 0)
	for _, f := range s.stalePart {
		if f.WorkflowDefinitionID == workflowDefinitionID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *Store) ClearStalePartition(ctx context.Context, workflowDefinitionID, assetID, partitionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stalePart, claimKey(workflowDefinitionID, assetID, partitionKey))
	return nil
}

func (s *Store) AcquireClaim(ctx context.Context, claim store.AutoRunClaim) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := claimKey(claim.WorkflowDefinitionID, claim.AssetID, claim.PartitionKey)
	if existing, ok := s.claims[k]; ok && existing.ExpiresAt.After(claim.AcquiredAt) {
		return false, nil
	}
	s.claims[k] = claim
	return true, nil
}

func (s *Store) ReleaseClaim(ctx context.Context, workflowDefinitionID, assetID, partitionKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, claimKey(workflowDefinitionID, assetID, partitionKey))
	return nil
}

func (s *Store) PruneExpiredClaims(ctx context.Context, beforeUnixMs int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, c := range s.claims {
		if c.ExpiresAt.UnixMilli() < beforeUnixMs {
			delete(s.claims, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) PutEnvelope(ctx context.Context, e store.EventEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelopes[e.ID] = e
	return nil
}

func (s *Store) GetEnvelope(ctx context.Context, id string) (store.EventEnvelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.envelopes[id]
	if !ok {
		return store.EventEnvelope{}, store.ErrNotFound
	}
	return e, nil
}

func (s *Store) PutScheduledRetry(ctx context.Context, r store.ScheduledRetry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries[r.EventID] = r
	return nil
}

func (s *Store) GetScheduledRetry(ctx context.Context, eventID string) (store.ScheduledRetry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.retries[eventID]
	if !ok {
		return store.ScheduledRetry{}, store.ErrNotFound
	}
	return r, nil
}

func (s *Store) DeleteScheduledRetry(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.retries, eventID)
	return nil
}

func (s *Store) PutSchema(ctx context.Context, sc store.EventSchema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemas[slugKey(sc.EventType, sc.Version)] = sc
	return nil
}

func (s *Store) GetSchema(ctx context.Context, eventType string, version int) (store.EventSchema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sc, ok := s.schemas[slugKey(eventType, version)]
	if !ok {
		return store.EventSchema{}, store.ErrNotFound
	}
	return sc, nil
}

func (s *Store) ListSchemas(ctx context.Context, eventType string) ([]store.EventSchema, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.EventSchema, 0)
	for _, sc := range s.schemas {
		if sc.EventType == eventType {
			out = append(out, sc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *Store) Close() error { return nil }

var _ store.Store = (*Store)(nil)
