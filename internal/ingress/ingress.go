// Package ingress implements Event Ingress (spec.md §4.5): normalize an
// incoming event, annotate it against the schema registry, persist it
// immutably, then either enqueue trigger evaluation or schedule a retry
// against the paused/rate-limited source state.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/apphub/orchestrator-core/internal/audit"
	"github.com/apphub/orchestrator-core/internal/clock"
	"github.com/apphub/orchestrator-core/internal/coreerrors"
	"github.com/apphub/orchestrator-core/internal/eventschema"
	"github.com/apphub/orchestrator-core/internal/queue"
	"github.com/apphub/orchestrator-core/internal/retry"
	"github.com/apphub/orchestrator-core/internal/schedulerstate"
	"github.com/apphub/orchestrator-core/internal/store"
	"github.com/apphub/orchestrator-core/internal/telemetry"
)

const (
	triggerEvalQueue = "trigger-evaluation"
	retryQueue       = "event-ingress-retry"
)

// RawEvent is what an external producer hands to Ingest before
// normalization.
type RawEvent struct {
	ID            string
	Type          string
	Source        string
	OccurredAt    time.Time
	Payload       map[string]any
	CorrelationID string
	TTLMs         int64
	Metadata      map[string]any
}

// Ingress is the Event Ingress component.
type Ingress struct {
	store   store.EventStore
	schemas *eventschema.Registry
	sched   *schedulerstate.Tracker
	queues  *queue.Manager
	clock   clock.Clock
	backoff retry.Policy
	enforce bool
	audit   *audit.Registry
	tracer  trace.Tracer
}

// Config bundles Ingress's collaborators.
type Config struct {
	Store          store.EventStore
	Schemas        *eventschema.Registry
	SchedulerState *schedulerstate.Tracker
	Queues         *queue.Manager
	Clock          clock.Clock
	Backoff        retry.Policy
	EnforceSchema  bool
	Audit          *audit.Registry
	// Tracer wraps Ingest in a span. Defaults to the global tracer
	// provider's "ingress" tracer.
	Tracer trace.Tracer
}

// New constructs an Ingress from cfg.
func New(cfg Config) *Ingress {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewReal()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer("ingress")
	}
	return &Ingress{
		store:   cfg.Store,
		schemas: cfg.Schemas,
		sched:   cfg.SchedulerState,
		queues:  cfg.Queues,
		clock:   clk,
		backoff: cfg.Backoff,
		enforce: cfg.EnforceSchema,
		audit:   cfg.Audit,
		tracer:  tracer,
	}
}

func normalize(raw RawEvent) store.EventEnvelope {
	env := store.EventEnvelope{
		ID:            strings.TrimSpace(raw.ID),
		Type:          strings.TrimSpace(raw.Type),
		Source:        strings.TrimSpace(raw.Source),
		OccurredAt:    raw.OccurredAt,
		Payload:       raw.Payload,
		CorrelationID: strings.TrimSpace(raw.CorrelationID),
		TTLMs:         raw.TTLMs,
		Metadata:      raw.Metadata,
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}
	if env.Payload == nil {
		env.Payload = map[string]any{}
	}
	return env
}

// Ingest runs the full spec.md §4.5 pipeline for one event, enqueuing either
// trigger evaluation or a scheduled retry job.
func (in *Ingress) Ingest(ctx context.Context, raw RawEvent) (err error) {
	ctx, span := in.tracer.Start(ctx, "ingress.ingest",
		trace.WithAttributes(
			attribute.String("event.id", raw.ID),
			attribute.String("event.type", raw.Type),
			attribute.String("event.source", raw.Source),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if strings.TrimSpace(raw.ID) == "" || strings.TrimSpace(raw.Type) == "" || strings.TrimSpace(raw.Source) == "" {
		return &coreerrors.ValidationError{Field: "id/type/source", Message: "event id, type, and source are required"}
	}

	env := normalize(raw)
	env.PersistedAt = in.clock.Now()

	if in.schemas != nil {
		if err := in.schemas.Annotate(ctx, &env, eventschema.AnnotateOptions{Enforce: in.enforce}); err != nil {
			if in.audit != nil {
				in.audit.RecordDropped(env.Source)
			}
			return err // persistence and schema-validation errors abort the ingest
		}
	}

	if err := in.store.PutEnvelope(ctx, env); err != nil {
		if in.audit != nil {
			in.audit.RecordIngressFailure(env.Source)
		}
		return fmt.Errorf("persist envelope: %w", err)
	}

	if in.sched != nil {
		if err := in.sched.AllowIngress(env.Source); err != nil {
			var limited *coreerrors.RateLimitedError
			if errors.As(err, &limited) {
				in.sched.RecordRateLimited(env.Source)
			}
			if in.audit != nil {
				in.audit.RecordThrottled(env.Source)
			}
			return in.scheduleRetry(ctx, env, 1)
		}
		in.sched.RecordIngress(env.Source)
	}

	if err := in.enqueueTriggerEval(ctx, env); err != nil {
		if in.audit != nil {
			in.audit.RecordIngressFailure(env.Source)
		}
		return in.scheduleRetry(ctx, env, 1)
	}
	if in.audit != nil {
		in.audit.RecordIngress(env.Source, lagMillis(in.clock.Now(), env.OccurredAt))
	}
	return nil
}

func lagMillis(now, occurredAt time.Time) int64 {
	if occurredAt.IsZero() {
		return 0
	}
	return now.Sub(occurredAt).Milliseconds()
}

func (in *Ingress) enqueueTriggerEval(ctx context.Context, env store.EventEnvelope) error {
	if in.queues == nil {
		return nil
	}
	_, err := in.queues.Enqueue(ctx, triggerEvalQueue, "evaluate", queue.Job{
		ID:   "evt-" + env.ID,
		Data: map[string]any{"eventId": env.ID},
	})
	return err
}

// scheduleRetry persists a ScheduledRetry row and enqueues a delayed retry
// job computed as max(scheduledResumeAt, backoff(attempts)), per spec.md
// §4.5.
func (in *Ingress) scheduleRetry(ctx context.Context, env store.EventEnvelope, attempts int) error {
	delay := in.backoff.Delay(attempts, nil)
	nextAttempt := in.clock.Now().Add(delay)
	if in.sched != nil {
		for _, st := range in.sched.Status() {
			if st.Source == env.Source && st.PausedUntil.After(nextAttempt) {
				nextAttempt = st.PausedUntil
			}
		}
	}

	if err := in.store.PutScheduledRetry(ctx, store.ScheduledRetry{
		EventID:       env.ID,
		Attempts:      attempts,
		NextAttemptAt: nextAttempt,
	}); err != nil {
		return fmt.Errorf("persist scheduled retry: %w", err)
	}

	if in.queues == nil {
		return nil
	}
	_, err := in.queues.Enqueue(ctx, retryQueue, "retry", queue.Job{
		ID:    retry.JobID("ingress-retry", env.ID, fmt.Sprint(attempts)),
		Data:  map[string]any{"eventId": env.ID},
		RunAt: nextAttempt,
	})
	return err
}

// ProcessRetry handles a fired retry job: if cancelled, drop silently; if
// the source is still paused/rate-limited, reschedule with an incremented
// attempt count; otherwise delete retry state and hand off to trigger
// evaluation.
func (in *Ingress) ProcessRetry(ctx context.Context, eventID string) error {
	r, err := in.store.GetScheduledRetry(ctx, eventID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load scheduled retry: %w", err)
	}
	if r.Cancelled {
		return in.store.DeleteScheduledRetry(ctx, eventID)
	}

	env, err := in.store.GetEnvelope(ctx, eventID)
	if err != nil {
		return fmt.Errorf("load envelope: %w", err)
	}

	if in.sched != nil {
		if err := in.sched.AllowIngress(env.Source); err != nil {
			if in.audit != nil {
				in.audit.RecordThrottled(env.Source)
			}
			return in.scheduleRetry(ctx, env, r.Attempts+1)
		}
		in.sched.RecordIngress(env.Source)
	}

	if err := in.store.DeleteScheduledRetry(ctx, eventID); err != nil {
		return fmt.Errorf("delete scheduled retry: %w", err)
	}
	if err := in.enqueueTriggerEval(ctx, env); err != nil {
		if in.audit != nil {
			in.audit.RecordIngressFailure(env.Source)
		}
		return err
	}
	if in.audit != nil {
		in.audit.RecordIngress(env.Source, lagMillis(in.clock.Now(), env.OccurredAt))
	}
	return nil
}

// CancelRetry marks a pending retry cancelled so ProcessRetry drops it
// silently instead of resuming ingestion (e.g. the workflow definition was
// deleted while the retry was in flight).
func (in *Ingress) CancelRetry(ctx context.Context, eventID string) error {
	r, err := in.store.GetScheduledRetry(ctx, eventID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load scheduled retry: %w", err)
	}
	r.Cancelled = true
	return in.store.PutScheduledRetry(ctx, r)
}
