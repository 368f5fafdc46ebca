// Package store defines the persistence-store contract the orchestration
// core consumes (spec.md §1's "transactional key/value + relational
// semantics" external collaborator) along with the entity types from
// spec.md §3. internal/store/memory and internal/store/sqlite provide two
// implementations of the same interfaces.
package store

import (
	"context"
	"time"
)

// WorkflowStatus is WorkflowRun.status.
type WorkflowStatus string

const (
	StatusPending   WorkflowStatus = "pending"
	StatusRunning   WorkflowStatus = "running"
	StatusSucceeded WorkflowStatus = "succeeded"
	StatusFailed    WorkflowStatus = "failed"
	StatusCanceled  WorkflowStatus = "canceled"
	StatusCanceling WorkflowStatus = "canceling"
)

// IsTerminal reports whether no further transitions are expected.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// StepStatus is WorkflowStepRun.status.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepKind discriminates the polymorphic Step union from spec.md §3.
type StepKind string

const (
	StepKindJob     StepKind = "job"
	StepKindService StepKind = "service"
	StepKindFanOut  StepKind = "fanout"
)

// RetryStrategy is Step.retryPolicy.strategy.
type RetryStrategy string

const (
	RetryNone        RetryStrategy = "none"
	RetryFixed       RetryStrategy = "fixed"
	RetryExponential RetryStrategy = "exponential"
)

// JitterMode is Step.retryPolicy.jitter.
type JitterMode string

const (
	JitterNone  JitterMode = "none"
	JitterFull  JitterMode = "full"
	JitterEqual JitterMode = "equal"
)

// RetryPolicy matches spec.md §4.8's step retry policy. Carries both json
// and yaml tags, matching the teacher's internal/config.Config dual-tagging
// convention, so a WorkflowDefinition tree binds equally from the API's
// JSON payloads and from on-disk YAML workflow-definition documents.
type RetryPolicy struct {
	MaxAttempts    int           `json:"maxAttempts" yaml:"maxAttempts"`
	Strategy       RetryStrategy `json:"strategy" yaml:"strategy"`
	InitialDelayMs int64         `json:"initialDelayMs" yaml:"initialDelayMs"`
	MaxDelayMs     int64         `json:"maxDelayMs" yaml:"maxDelayMs"`
	Jitter         JitterMode    `json:"jitter" yaml:"jitter"`
}

// ServiceRequest is ServiceStep.request.
type ServiceRequest struct {
	Method  string            `json:"method" yaml:"method"`
	Path    string            `json:"path" yaml:"path"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty" yaml:"query,omitempty"`
	Body    any               `json:"body,omitempty" yaml:"body,omitempty"`
}

// StepDefinition is the polymorphic Step from spec.md §3. All variant
// fields are present; Kind says which are meaningful, the way the teacher's
// StepDefinition unions its LLM/integration/loop fields behind StepType.
type StepDefinition struct {
	ID          string       `json:"id" yaml:"id"`
	Name        string       `json:"name" yaml:"name"`
	Kind        StepKind     `json:"kind" yaml:"kind"`
	DependsOn   []string     `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
	RetryPolicy *RetryPolicy `json:"retryPolicy,omitempty" yaml:"retryPolicy,omitempty"`
	TimeoutMs   int64        `json:"timeoutMs,omitempty" yaml:"timeoutMs,omitempty"`
	Produces    []string     `json:"produces,omitempty" yaml:"produces,omitempty"`
	Consumes    []string     `json:"consumes,omitempty" yaml:"consumes,omitempty"`

	// JobStep
	JobSlug       string         `json:"jobSlug,omitempty" yaml:"jobSlug,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	StoreResultAs string         `json:"storeResultAs,omitempty" yaml:"storeResultAs,omitempty"`

	// ServiceStep
	ServiceSlug     string         `json:"serviceSlug,omitempty" yaml:"serviceSlug,omitempty"`
	Request         ServiceRequest `json:"request,omitempty" yaml:"request,omitempty"`
	RequireHealthy  bool           `json:"requireHealthy,omitempty" yaml:"requireHealthy,omitempty"`
	AllowDegraded   bool           `json:"allowDegraded,omitempty" yaml:"allowDegraded,omitempty"`
	CaptureResponse bool           `json:"captureResponse,omitempty" yaml:"captureResponse,omitempty"`
	StoreResponseAs string         `json:"storeResponseAs,omitempty" yaml:"storeResponseAs,omitempty"`

	// FanOutStep
	Collection     string          `json:"collection,omitempty" yaml:"collection,omitempty"` // template expression
	Template       *StepDefinition `json:"template,omitempty" yaml:"template,omitempty"`
	MaxItems       int             `json:"maxItems,omitempty" yaml:"maxItems,omitempty"`
	MaxConcurrency int             `json:"maxConcurrency,omitempty" yaml:"maxConcurrency,omitempty"`
	StoreResultsAs string          `json:"storeResultsAs,omitempty" yaml:"storeResultsAs,omitempty"`
}

// AssetFreshness is AssetDeclaration.freshness.
type AssetFreshness struct {
	MaxAgeMs  int64 `json:"maxAgeMs,omitempty" yaml:"maxAgeMs,omitempty"`
	TTLMs     int64 `json:"ttlMs,omitempty" yaml:"ttlMs,omitempty"`
	CadenceMs int64 `json:"cadenceMs,omitempty" yaml:"cadenceMs,omitempty"`
}

// AssetPartitioning describes how an asset is partitioned.
type AssetPartitioning struct {
	Type        string `json:"type,omitempty" yaml:"type,omitempty"` // "static" | "time-window" | ""
	Granularity string `json:"granularity,omitempty" yaml:"granularity,omitempty"`
}

// AutoMaterializeConfig is AssetDeclaration.autoMaterialize.
type AutoMaterializeConfig struct {
	OnUpstreamUpdate  bool           `json:"onUpstreamUpdate,omitempty" yaml:"onUpstreamUpdate,omitempty"`
	Priority          int            `json:"priority,omitempty" yaml:"priority,omitempty"`
	ParameterDefaults map[string]any `json:"parameterDefaults,omitempty" yaml:"parameterDefaults,omitempty"`
}

// AssetDeclaration matches spec.md §3.
type AssetDeclaration struct {
	AssetID         string                 `json:"assetId" yaml:"assetId"`
	Schema          map[string]any         `json:"schema,omitempty" yaml:"schema,omitempty"`
	Freshness       *AssetFreshness        `json:"freshness,omitempty" yaml:"freshness,omitempty"`
	Partitioning    *AssetPartitioning     `json:"partitioning,omitempty" yaml:"partitioning,omitempty"`
	AutoMaterialize *AutoMaterializeConfig `json:"autoMaterialize,omitempty" yaml:"autoMaterialize,omitempty"`
}

// WorkflowDefinition matches spec.md §3. CreatedAt/UpdatedAt are not read
// from a YAML document, so they carry yaml:"-". Neither store sets them: the
// SQLite store keeps its own created_at/updated_at columns and returns the
// definition as it was stored.
type WorkflowDefinition struct {
	ID                string                      `json:"id" yaml:"id"`
	Slug              string                      `json:"slug" yaml:"slug"`
	Version           int                         `json:"version" yaml:"version"`
	Name              string                      `json:"name" yaml:"name"`
	Steps             []StepDefinition            `json:"steps" yaml:"steps"`
	DefaultParameters map[string]any              `json:"defaultParameters,omitempty" yaml:"defaultParameters,omitempty"`
	Triggers          []TriggerDefinition         `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	ProducesAssets    map[string]AssetDeclaration `json:"producesAssets,omitempty" yaml:"producesAssets,omitempty"`
	ConsumesAssets    []string                    `json:"consumesAssets,omitempty" yaml:"consumesAssets,omitempty"`
	CreatedAt         time.Time                   `json:"createdAt" yaml:"-"`
	UpdatedAt         time.Time                   `json:"updatedAt" yaml:"-"`
}

// TriggerDefinition is embedded in WorkflowDefinition.triggers and mirrored
// as the standalone EventTrigger entity once registered.
type TriggerDefinition struct {
	ID                string         `json:"id" yaml:"id"`
	EventType         string         `json:"eventType" yaml:"eventType"`
	Filter            map[string]any `json:"filter,omitempty" yaml:"filter,omitempty"`
	ThrottlePerMinute int            `json:"throttlePerMinute,omitempty" yaml:"throttlePerMinute,omitempty"`
	ParameterTemplate map[string]any `json:"parameterTemplate,omitempty" yaml:"parameterTemplate,omitempty"`
	RunKeyTemplate    string         `json:"runKeyTemplate,omitempty" yaml:"runKeyTemplate,omitempty"`
}

// TriggerContext is "run" in the orchestrator's template scope.
type TriggerContext struct {
	Type string `json:"type"` // "event" | "auto-materialize" | "manual"
	ID   string `json:"id,omitempty"`
}

// WorkflowRun matches spec.md §3.
type WorkflowRun struct {
	ID                 string
	WorkflowDefinitionID string
	Status             WorkflowStatus
	RunKey             string
	RunKeyNormalized   string
	Parameters         map[string]any
	Trigger            TriggerContext
	TriggeredBy        string
	PartitionKey       string
	CreatedAt          time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
	ErrorMessage       string
	Shared             map[string]any
}

// StepRun matches WorkflowStepRun from spec.md §3.
type StepRun struct {
	RunID        string
	StepID       string
	Status       StepStatus
	Attempt      int
	JobRunID     string
	Result       map[string]any
	ErrorMessage string
	ErrorKind    string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Asset matches AssetMaterialization from spec.md §3.
type Asset struct {
	WorkflowRunID string
	StepID        string
	AssetID       string
	PartitionKey  string
	ProducedAt    time.Time
	Payload       map[string]any
	Schema        map[string]any
	Freshness     *AssetFreshness
}

// StalePartitionFlag matches spec.md §3.
type StalePartitionFlag struct {
	WorkflowDefinitionID string
	AssetID              string
	PartitionKey         string
	RequestedAt          time.Time
	RequestedBy          string
	Note                 string
}

// AutoRunClaim matches spec.md §3.
type AutoRunClaim struct {
	WorkflowDefinitionID string
	OwnerID              string
	WorkflowRunID        string
	Reason               string
	AssetID              string
	PartitionKey         string
	AcquiredAt           time.Time
	ExpiresAt            time.Time
}

// SchemaStatus is EventSchema.status.
type SchemaStatus string

const (
	SchemaDraft      SchemaStatus = "draft"
	SchemaActive     SchemaStatus = "active"
	SchemaDeprecated SchemaStatus = "deprecated"
)

// EventSchema matches spec.md §3. (eventType,version) is unique.
type EventSchema struct {
	EventType string
	Version   int
	Status    SchemaStatus
	Schema    map[string]any
	SchemaHash string
	Metadata  map[string]any
}

// EventEnvelope matches spec.md §3. Immutable once persisted.
type EventEnvelope struct {
	ID            string
	Type          string
	Source        string
	OccurredAt    time.Time
	Payload       map[string]any
	CorrelationID string
	TTLMs         int64
	Metadata      map[string]any
	SchemaVersion int
	SchemaHash    string
	PersistedAt   time.Time
}

// ScheduledRetry matches the "scheduled retry" record from spec.md §4.5.
type ScheduledRetry struct {
	EventID       string
	Attempts      int
	NextAttemptAt time.Time
	Cancelled     bool
}

// EventStore persists event envelopes and their scheduled ingress retries.
type EventStore interface {
	PutEnvelope(ctx context.Context, e EventEnvelope) error
	GetEnvelope(ctx context.Context, id string) (EventEnvelope, error)

	PutScheduledRetry(ctx context.Context, r ScheduledRetry) error
	GetScheduledRetry(ctx context.Context, eventID string) (ScheduledRetry, error)
	DeleteScheduledRetry(ctx context.Context, eventID string) error
}

// SchemaStore persists the Event Schema Registry's records.
type SchemaStore interface {
	PutSchema(ctx context.Context, s EventSchema) error
	GetSchema(ctx context.Context, eventType string, version int) (EventSchema, error)
	ListSchemas(ctx context.Context, eventType string) ([]EventSchema, error)
}

// RunFilter is used by ListRuns.
type RunFilter struct {
	WorkflowDefinitionID string
	Status               WorkflowStatus
	Limit                int
	Offset               int
}
