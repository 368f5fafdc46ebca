// Package materializer implements the Asset Materializer (spec.md §4.10): a
// single-goroutine actor, grounded on the teacher runner's mutex-guarded
// in-memory state generalized from one fixed workflow run registry to the
// asset-producer/consumer graph, that reacts to asset lifecycle events on
// the internal bus and launches auto-materialization runs.
package materializer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/apphub/orchestrator-core/internal/assetevents"
	"github.com/apphub/orchestrator-core/internal/bus"
	"github.com/apphub/orchestrator-core/internal/clock"
	"github.com/apphub/orchestrator-core/internal/coreerrors"
	"github.com/apphub/orchestrator-core/internal/runkey"
	"github.com/apphub/orchestrator-core/internal/store"
	"github.com/apphub/orchestrator-core/internal/workflow"
)

// Bus topics the Actor subscribes to, and the messages carried on them.
// Defined in internal/assetevents so the Workflow Orchestrator can publish
// them without importing this package back.
const (
	TopicDefinitionUpdated = assetevents.TopicDefinitionUpdated
	TopicAssetProduced     = assetevents.TopicAssetProduced
	TopicAssetExpired      = assetevents.TopicAssetExpired
	TopicRunLifecycle      = assetevents.TopicRunLifecycle
)

type (
	AssetProducedMessage = assetevents.AssetProducedMessage
	AssetExpiredMessage  = assetevents.AssetExpiredMessage
	RunLifecycleMessage  = assetevents.RunLifecycleMessage
)

// RunCreator is the Workflow Orchestrator's createRun collaborator;
// *workflow.Orchestrator satisfies this directly.
type RunCreator interface {
	CreateRun(ctx context.Context, req workflow.CreateRunRequest) (store.WorkflowRun, error)
}

const (
	reasonUpstreamUpdate = "upstream-update"
	reasonExpiry         = "expiry"
)

type workflowConfig struct {
	def      store.WorkflowDefinition
	consumes map[string]bool // normalized assetId -> present
}

type assetSnapshot struct {
	producedAt   time.Time
	runID        string
	workflowSlug string
	partitionKey string
}

type failureState struct {
	failures       int
	nextEligibleAt time.Time
}

// Config bundles the Actor's collaborators.
type Config struct {
	Store       store.Store
	Bus         *bus.Bus
	Claims      *runkey.Registry
	RunCreator  RunCreator
	Clock       clock.Clock
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	ClaimTTL    time.Duration
	Logger      *slog.Logger
}

// Actor is the Asset Materializer component.
type Actor struct {
	store   store.Store
	bus     *bus.Bus
	claims  *runkey.Registry
	runs    RunCreator
	clock   clock.Clock
	base    time.Duration
	max     time.Duration
	claimTTL time.Duration
	logger  *slog.Logger

	mu             sync.Mutex
	workflows      map[string]*workflowConfig         // workflowDefinitionID -> config
	assetConsumers map[string]map[string]bool         // normalized assetId -> set(workflowDefinitionID)
	latestAssets   map[string]map[string]assetSnapshot // "workflowId:assetId" -> normalized partitionKey -> snapshot
	failures       map[string]*failureState           // workflowDefinitionID -> state
	inFlight       map[string]bool                    // workflowDefinitionID -> auto-run in flight
}

// New constructs an Actor from cfg.
func New(cfg Config) *Actor {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewReal()
	}
	base := cfg.BaseBackoff
	if base <= 0 {
		base = time.Second
	}
	max := cfg.MaxBackoff
	if max <= 0 {
		max = 5 * time.Minute
	}
	claimTTL := cfg.ClaimTTL
	if claimTTL <= 0 {
		claimTTL = time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Actor{
		store:          cfg.Store,
		bus:            cfg.Bus,
		claims:         cfg.Claims,
		runs:           cfg.RunCreator,
		clock:          clk,
		base:           base,
		max:            max,
		claimTTL:       claimTTL,
		logger:         logger,
		workflows:      make(map[string]*workflowConfig),
		assetConsumers: make(map[string]map[string]bool),
		latestAssets:   make(map[string]map[string]assetSnapshot),
		failures:       make(map[string]*failureState),
		inFlight:       make(map[string]bool),
	}
}

// Run subscribes to the bus and processes messages sequentially on the
// calling goroutine until ctx is canceled. Callers typically launch it with
// `go actor.Run(ctx)`.
func (a *Actor) Run(ctx context.Context) {
	defs := a.bus.Subscribe(TopicDefinitionUpdated, 64)
	produced := a.bus.Subscribe(TopicAssetProduced, 64)
	expired := a.bus.Subscribe(TopicAssetExpired, 64)
	lifecycle := a.bus.Subscribe(TopicRunLifecycle, 64)
	defer defs.Unsubscribe()
	defer produced.Unsubscribe()
	defer expired.Unsubscribe()
	defer lifecycle.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-defs.C():
			if id, ok := msg.(string); ok {
				a.handleDefinitionUpdated(ctx, id)
			}
		case msg := <-produced.C():
			if ev, ok := msg.(AssetProducedMessage); ok {
				a.handleAssetProduced(ctx, ev)
			}
		case msg := <-expired.C():
			if ev, ok := msg.(AssetExpiredMessage); ok {
				a.handleAssetExpired(ctx, ev)
			}
		case msg := <-lifecycle.C():
			if ev, ok := msg.(RunLifecycleMessage); ok {
				a.handleRunLifecycle(ctx, ev)
			}
		}
	}
}

// handleDefinitionUpdated rebuilds workflowID's producer/consumer
// registration and refreshes its latest-asset cache from the store.
func (a *Actor) handleDefinitionUpdated(ctx context.Context, workflowID string) {
	if err := a.registerWorkflow(ctx, workflowID); err != nil {
		a.logger.Error("materializer: rebuild graph", "workflow_id", workflowID, "error", err)
	}
}

func (a *Actor) registerWorkflow(ctx context.Context, workflowID string) error {
	def, err := a.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("get workflow %s: %w", workflowID, err)
	}

	consumes := make(map[string]bool, len(def.ConsumesAssets))
	for _, assetID := range def.ConsumesAssets {
		consumes[normalizeAsset(assetID)] = true
	}

	a.mu.Lock()
	if old, ok := a.workflows[workflowID]; ok {
		for assetID := range old.consumes {
			if set := a.assetConsumers[assetID]; set != nil {
				delete(set, workflowID)
			}
		}
	}
	a.workflows[workflowID] = &workflowConfig{def: def, consumes: consumes}
	for assetID := range consumes {
		if a.assetConsumers[assetID] == nil {
			a.assetConsumers[assetID] = make(map[string]bool)
		}
		a.assetConsumers[assetID][workflowID] = true
	}
	a.mu.Unlock()

	for assetID := range def.ProducesAssets {
		partitions, err := a.store.ListAssetPartitions(ctx, assetID)
		if err != nil {
			return fmt.Errorf("list asset partitions for %s: %w", assetID, err)
		}
		for _, part := range partitions {
			a.recordLatest(workflowID, def.Slug, part)
		}
	}
	return nil
}

func (a *Actor) recordLatest(workflowID, workflowSlug string, asset store.Asset) {
	key := workflowID + ":" + asset.AssetID
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.latestAssets[key] == nil {
		a.latestAssets[key] = make(map[string]assetSnapshot)
	}
	a.latestAssets[key][normalizePartition(asset.PartitionKey)] = assetSnapshot{
		producedAt:   asset.ProducedAt,
		runID:        asset.WorkflowRunID,
		workflowSlug: workflowSlug,
		partitionKey: asset.PartitionKey,
	}
}

func (a *Actor) handleAssetProduced(ctx context.Context, ev AssetProducedMessage) {
	normalized := normalizeAsset(ev.AssetID)

	a.mu.Lock()
	var producerID string
	var producerCfg *workflowConfig
	for workflowID, cfg := range a.workflows {
		if _, ok := cfg.def.ProducesAssets[ev.AssetID]; ok {
			producerID, producerCfg = workflowID, cfg
			break
		}
	}
	consumerIDs := make([]string, 0, len(a.assetConsumers[normalized]))
	for workflowID := range a.assetConsumers[normalized] {
		consumerIDs = append(consumerIDs, workflowID)
	}
	a.mu.Unlock()

	if producerCfg != nil {
		a.recordLatest(producerID, producerCfg.def.Slug, store.Asset{
			WorkflowRunID: ev.WorkflowRunID,
			AssetID:       ev.AssetID,
			PartitionKey:  ev.PartitionKey,
			ProducedAt:    ev.ProducedAt,
		})
	}

	for _, workflowID := range consumerIDs {
		if _, ok := a.workflowConfig(workflowID); !ok {
			continue
		}
		if err := a.consider(ctx, workflowID, considerRequest{
			reason:       reasonUpstreamUpdate,
			assetID:      ev.AssetID,
			partitionKey: ev.PartitionKey,
			producedAt:   ev.ProducedAt,
			upstreamRun:  ev.WorkflowRunID,
		}); err != nil {
			a.logger.Warn("materializer: consider upstream update", "workflow_id", workflowID, "asset_id", ev.AssetID, "error", err)
		}
	}
}

func (a *Actor) handleAssetExpired(ctx context.Context, ev AssetExpiredMessage) {
	latest, err := a.store.LatestAsset(ctx, ev.AssetID, ev.PartitionKey)
	if err == nil && latest.ProducedAt.After(ev.ExpiredAt) {
		return // a newer materialization already superseded the expired one
	}

	a.mu.Lock()
	var producers []string
	for workflowID, cfg := range a.workflows {
		if _, ok := cfg.def.ProducesAssets[ev.AssetID]; ok {
			producers = append(producers, workflowID)
		}
	}
	a.mu.Unlock()

	for _, workflowID := range producers {
		if err := a.consider(ctx, workflowID, considerRequest{
			reason:       reasonExpiry,
			assetID:      ev.AssetID,
			partitionKey: ev.PartitionKey,
			expiryAt:     ev.ExpiredAt,
		}); err != nil {
			a.logger.Warn("materializer: consider expiry", "workflow_id", workflowID, "asset_id", ev.AssetID, "error", err)
		}
	}
}

func (a *Actor) handleRunLifecycle(ctx context.Context, ev RunLifecycleMessage) {
	if ev.Trigger.Type != "auto-materialize" {
		return
	}
	if err := a.claims.Release(ctx, ev.WorkflowDefinitionID, ev.AssetID, ev.PartitionKey); err != nil {
		a.logger.Warn("materializer: release claim", "workflow_id", ev.WorkflowDefinitionID, "error", err)
	}

	a.mu.Lock()
	delete(a.inFlight, ev.WorkflowDefinitionID)
	fs, ok := a.failures[ev.WorkflowDefinitionID]
	if !ok {
		fs = &failureState{}
		a.failures[ev.WorkflowDefinitionID] = fs
	}
	if ev.Status == store.StatusSucceeded {
		fs.failures = 0
		fs.nextEligibleAt = time.Time{}
	} else {
		fs.failures++
		delay := backoffFor(a.base, a.max, fs.failures)
		fs.nextEligibleAt = a.clock.Now().Add(delay)
	}
	a.mu.Unlock()
}

func backoffFor(base, max time.Duration, failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := base * time.Duration(1<<uint(failures-1))
	if d > max || d <= 0 {
		d = max
	}
	return d
}

func (a *Actor) workflowConfig(workflowID string) (*workflowConfig, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cfg, ok := a.workflows[workflowID]
	return cfg, ok
}

func (a *Actor) producerDeclaration(cfg *workflowConfig, assetID string) (store.AssetDeclaration, bool) {
	for id, decl := range cfg.def.ProducesAssets {
		if strings.EqualFold(id, assetID) {
			return decl, true
		}
	}
	return store.AssetDeclaration{}, false
}

type considerRequest struct {
	reason       string
	assetID      string
	partitionKey string
	producedAt   time.Time
	expiryAt     time.Time
	upstreamRun  string
}

// consider implements spec.md §4.10's seven-step auto-materialization
// decision for workflowID reacting to req.
func (a *Actor) consider(ctx context.Context, workflowID string, req considerRequest) error {
	cfg, ok := a.workflowConfig(workflowID)
	if !ok {
		if err := a.registerWorkflow(ctx, workflowID); err != nil {
			return err
		}
		cfg, ok = a.workflowConfig(workflowID)
		if !ok {
			return fmt.Errorf("workflow %s not found after rebuild", workflowID)
		}
	}

	switch req.reason {
	case reasonUpstreamUpdate:
		if !cfg.consumes[normalizeAsset(req.assetID)] {
			return nil
		}
		if !a.anyAutoMaterializeOnUpstream(cfg) {
			return nil
		}
		if latest := a.latestAcross(workflowID, cfg); !latest.IsZero() && !latest.Before(req.producedAt) {
			return nil
		}
	case reasonExpiry:
		if _, hasProducer := a.producerDeclaration(cfg, req.assetID); !hasProducer {
			return nil
		}
		if newer := a.latestForPartition(workflowID, req.assetID, req.partitionKey); newer.After(req.expiryAt) {
			return nil
		}
	default:
		return fmt.Errorf("unknown consider reason %q", req.reason)
	}

	a.mu.Lock()
	if a.inFlight[workflowID] {
		a.mu.Unlock()
		return nil
	}
	fs := a.failures[workflowID]
	if fs != nil && fs.nextEligibleAt.After(a.clock.Now()) {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	parameters, partitionKey, err := a.composeParameters(cfg, req)
	if err != nil {
		return fmt.Errorf("compose parameters: %w", err)
	}

	ownerID := "materializer:" + workflowID
	acquired, err := a.claims.Claim(ctx, workflowID, ownerID, req.assetID, partitionKey, req.reason, a.claimTTL)
	if err != nil {
		return fmt.Errorf("acquire claim: %w", err)
	}
	if !acquired {
		return nil
	}

	a.mu.Lock()
	a.inFlight[workflowID] = true
	a.mu.Unlock()

	runKey := composeRunKey(req.assetID, cfg.def.Slug, partitionKey, req.reason, firstNonEmpty(req.upstreamRun, req.reason))
	run, err := a.runs.CreateRun(ctx, workflow.CreateRunRequest{
		WorkflowDefinitionID: workflowID,
		RunKey:               runKey,
		Parameters:           parameters,
		Trigger:              store.TriggerContext{Type: "auto-materialize"},
		TriggeredBy:          req.assetID,
		PartitionKey:         partitionKey,
	})
	if err != nil {
		var conflict *coreerrors.ConflictError
		if errors.As(err, &conflict) {
			// Idempotent: an active run already owns this key; adopt it
			// rather than failing the consideration.
			existing, getErr := a.store.GetRunByKey(ctx, workflowID, runkey.Normalize(runKey))
			if getErr != nil {
				a.releaseInFlight(ctx, workflowID, req.assetID, partitionKey)
				return fmt.Errorf("recover conflicting run: %w", getErr)
			}
			return a.claims.AttachRun(ctx, workflowID, ownerID, req.assetID, partitionKey, existing.ID, a.claimTTL)
		}
		a.releaseInFlight(ctx, workflowID, req.assetID, partitionKey)
		return fmt.Errorf("create auto-materialize run: %w", err)
	}

	return a.claims.AttachRun(ctx, workflowID, ownerID, req.assetID, partitionKey, run.ID, a.claimTTL)
}

func (a *Actor) releaseInFlight(ctx context.Context, workflowID, assetID, partitionKey string) {
	a.mu.Lock()
	delete(a.inFlight, workflowID)
	a.mu.Unlock()
	_ = a.claims.Release(ctx, workflowID, assetID, partitionKey)
}

func (a *Actor) anyAutoMaterializeOnUpstream(cfg *workflowConfig) bool {
	for _, decl := range cfg.def.ProducesAssets {
		if decl.AutoMaterialize != nil && decl.AutoMaterialize.OnUpstreamUpdate {
			return true
		}
	}
	return false
}

// latestAcross returns the most recent producedAt across every asset
// workflowID produces, used to decide whether an upstream update is stale
// relative to work already done.
func (a *Actor) latestAcross(workflowID string, cfg *workflowConfig) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	var latest time.Time
	for assetID := range cfg.def.ProducesAssets {
		for _, snap := range a.latestAssets[workflowID+":"+assetID] {
			if snap.producedAt.After(latest) {
				latest = snap.producedAt
			}
		}
	}
	return latest
}

// LatestMaterialization reports the Actor's cached view of the latest
// materialization for (workflowID, assetID, partitionKey), per spec.md
// §4.10's latestAssets map.
func (a *Actor) LatestMaterialization(workflowID, assetID, partitionKey string) (runID, workflowSlug string, producedAt time.Time, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap, found := a.latestAssets[workflowID+":"+assetID][normalizePartition(partitionKey)]
	if !found {
		return "", "", time.Time{}, false
	}
	return snap.runID, snap.workflowSlug, snap.producedAt, true
}

func (a *Actor) latestForPartition(workflowID, assetID, partitionKey string) time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap, ok := a.latestAssets[workflowID+":"+assetID][normalizePartition(partitionKey)]
	if !ok {
		return time.Time{}
	}
	return snap.producedAt
}

// composeParameters merges defaults ⊕ declaration.parameterDefaults ⊕
// stored-partition-parameters ⊕ derived-partition-parameters, later wins.
func (a *Actor) composeParameters(cfg *workflowConfig, req considerRequest) (map[string]any, string, error) {
	merged := map[string]any{}
	mergeInto(merged, cfg.def.DefaultParameters)

	var decl store.AssetDeclaration
	if req.reason == reasonExpiry {
		decl, _ = a.producerDeclaration(cfg, req.assetID)
	} else {
		decl = cfg.def.ProducesAssets[bestProducedAssetKey(cfg, req.assetID)]
	}
	if decl.AutoMaterialize != nil {
		mergeInto(merged, decl.AutoMaterialize.ParameterDefaults)
	}

	partitionKey := req.partitionKey
	if decl.Partitioning != nil && decl.Partitioning.Type == "time-window" && partitionKey != "" {
		if derived, ok := deriveTimeWindow(decl.Partitioning.Granularity, partitionKey); ok {
			mergeInto(merged, derived)
		}
	}
	if partitionKey != "" {
		merged["partitionKey"] = partitionKey
	}
	return merged, partitionKey, nil
}

func bestProducedAssetKey(cfg *workflowConfig, assetID string) string {
	for id := range cfg.def.ProducesAssets {
		if strings.EqualFold(id, assetID) {
			return id
		}
	}
	return assetID
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		if dstMap, ok := dst[k].(map[string]any); ok {
			if srcMap, ok := v.(map[string]any); ok {
				mergeInto(dstMap, srcMap)
				continue
			}
		}
		dst[k] = v
	}
}

// deriveTimeWindow derives {windowStart, windowEnd} from a time-window
// partition key formatted as an RFC3339 date/time truncated to granularity.
func deriveTimeWindow(granularity, partitionKey string) (map[string]any, bool) {
	var layout string
	var step time.Duration
	switch granularity {
	case "day":
		layout, step = "2006-01-02", 24*time.Hour
	case "hour":
		layout, step = "2006-01-02T15", time.Hour
	default:
		return nil, false
	}
	start, err := time.Parse(layout, partitionKey)
	if err != nil {
		return nil, false
	}
	return map[string]any{
		"windowStart": start.Format(time.RFC3339),
		"windowEnd":   start.Add(step).Format(time.RFC3339),
	}, true
}

func composeRunKey(assetID, workflowSlug, partitionKey, reason, disambiguator string) string {
	parts := []string{"asset", firstNonEmpty(assetID, workflowSlug)}
	if partitionKey != "" {
		parts = append(parts, partitionKey)
	}
	parts = append(parts, reason, disambiguator)
	return strings.Join(parts, ":")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func normalizeAsset(id string) string { return strings.ToLower(strings.TrimSpace(id)) }

func normalizePartition(key string) string { return strings.ToLower(strings.TrimSpace(key)) }
