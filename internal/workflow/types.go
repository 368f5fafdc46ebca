// Package workflow implements the Workflow Orchestrator (spec.md §4.8):
// DAG execution of job/service/fanout steps, template scope resolution,
// parameter merging, per-step retries, and produced-asset extraction.
package workflow

import (
	"context"
	"net/http"

	"github.com/apphub/orchestrator-core/internal/store"
)

// JobRunContext is handed to the job runtime collaborator for a JobStep.
type JobRunContext struct {
	RunID      string
	StepID     string
	JobSlug    string
	Parameters map[string]any
}

// JobResult is what the job runtime collaborator returns.
type JobResult struct {
	Status       store.StepStatus
	Result       map[string]any
	ErrorMessage string
}

// JobRuntime is the external collaborator that actually executes JobStep
// bodies (spec.md §1's "job runtime" dependency); the orchestrator core
// only defines the contract.
type JobRuntime interface {
	Execute(ctx context.Context, jobCtx JobRunContext) (JobResult, error)
}

// ServiceHealth is a registered service's reported health.
type ServiceHealth string

const (
	ServiceHealthy   ServiceHealth = "healthy"
	ServiceDegraded  ServiceHealth = "degraded"
	ServiceUnhealthy ServiceHealth = "unhealthy"
)

// ServiceEndpoint is what the service registry collaborator resolves a
// serviceSlug to.
type ServiceEndpoint struct {
	BaseURL string
	Health  ServiceHealth
}

// ServiceRegistry resolves a ServiceStep's serviceSlug to a live endpoint.
type ServiceRegistry interface {
	Resolve(ctx context.Context, serviceSlug string) (ServiceEndpoint, error)
}

// HTTPDoer issues the resolved HTTP request for a ServiceStep; *http.Client
// satisfies this directly.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// SecretResolver resolves a `secret://` header reference to its plaintext
// value, per spec.md §4.8's "supporting secret references". Query values
// are resolved as templates only and never go through it.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}
