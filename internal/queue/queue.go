// Package queue implements the Queue Layer (spec.md §4.1): named queues
// keyed by a stable identifier, sharing one API across two modes.
//
//   - inline: the producer executes the job body in-process, synchronously,
//     in the caller's context; delayed jobs are rejected and fall back to
//     immediate execution with a warning.
//   - distributed: jobs are serialized onto a durable broker (the "message
//     bus / delayed-job queue" external collaborator from spec.md §1) with
//     per-queue default job options. Delayed jobs are scheduled by absolute
//     run-at time.
//
// Mode is recomputed on every public Manager call from configuration; a
// mode transition disposes open queue handles. This mirrors the teacher's
// internal/daemon/queue.MemoryQueue shape (signal channel, closed flag,
// QueueError) generalized across both modes.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/apphub/orchestrator-core/internal/bus"
	"github.com/apphub/orchestrator-core/internal/config"
	"github.com/apphub/orchestrator-core/internal/retry"
)

// ErrQueueClosed is returned by operations on a disposed queue handle.
var ErrQueueClosed = errors.New("queue: closed")

// JobOptions are the per-queue defaults from spec.md §4.1:
// removeOnComplete, removeOnFail, attempts, backoff.
type JobOptions struct {
	RemoveOnComplete bool
	RemoveOnFail     bool
	Attempts         int
	Backoff          retry.Policy
}

// Job is a unit of work enqueued under a queue name.
type Job struct {
	ID        string // caller-supplied jobId; duplicate ids are an idempotent no-op
	Queue     string
	Name      string
	Data      map[string]any
	Opts      JobOptions
	RunAt     time.Time // zero value means "run as soon as possible"
	CreatedAt time.Time
}

// Counts mirrors the contract in spec.md §4.1.
type Counts struct {
	Waiting   int
	Active    int
	Completed int
	Failed    int
	Delayed   int
	Paused    int
}

// WorkerFunc processes one job. ensureWorker(key) in spec.md §4.1 loads
// this on first use in inline mode.
type WorkerFunc func(ctx context.Context, job Job) error

// FallbackResult models the "exceptions for control flow" design note in
// spec.md §9: in inline mode a delayed job runs immediately instead of being
// rejected, and FellBackTo makes that transition observable. A failed
// broker enqueue in distributed mode does not fall back to synchronous
// execution; it is returned as an error (and in Err).
type FallbackResult struct {
	OK          bool
	FellBackTo  string // "inline" when a delayed job ran immediately instead
	Err         error
}

// QueueHandle is what tryGet(key) returns: a live handle to a named queue
// for enqueue/count operations. nil signals inline mode, per spec.md §4.1's
// "queue handle or null in inline mode".
type QueueHandle interface {
	Enqueue(ctx context.Context, job Job) (FallbackResult, error)
	Counts(ctx context.Context) (Counts, error)
	Close() error
}

// Broker is the external "message bus / delayed-job queue" collaborator
// contract distributed mode drives. A production deployment supplies a
// broker-backed implementation (e.g. a Redis/BullMQ adapter); this module
// ships only the in-memory reference implementation in memorybroker.go for
// tests and single-process deployments.
type Broker interface {
	Enqueue(ctx context.Context, job Job) error
	Counts(ctx context.Context, queueName string) (Counts, error)
	Subscribe(queueName string, worker WorkerFunc) (unsubscribe func(), err error)
	Close() error
}

// ScalingMessage is multicast on the manager's pub/sub channel to all
// workers, per spec.md §4.1 and §4.3.
type ScalingMessage struct {
	Type   string // "policy:update" | "policy:sync-request"
	Target string
}

const scalingTopic = "queue:scaling"

// Manager owns the mode-transition logic shared by every named queue.
// Mode is recomputed from ModeFn on every public call; when it changes,
// all open handles are disposed before the new mode's handle is created.
type Manager struct {
	mu      sync.Mutex
	ModeFn  func() config.QueueMode
	broker  Broker
	bus     *bus.Bus
	logger  *slog.Logger
	handles map[string]QueueHandle
	mode    config.QueueMode
}

// NewManager builds a Manager. broker may be nil if the deployment never
// runs in distributed mode (ModeFn always returns inline).
func NewManager(modeFn func() config.QueueMode, broker Broker, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		ModeFn:  modeFn,
		broker:  broker,
		bus:     bus.New(),
		logger:  logger.With(slog.String("component", "queue")),
		handles: make(map[string]QueueHandle),
	}
}

// SubscribeScaling lets a worker agent (internal/scaling) receive
// policy:update and policy:sync-request messages.
func (m *Manager) SubscribeScaling() *bus.Subscription {
	return m.bus.Subscribe(scalingTopic, 16)
}

// currentMode recomputes the mode and disposes open handles on transition.
// Caller must hold m.mu.
func (m *Manager) currentMode() config.QueueMode {
	mode := m.ModeFn()
	if mode != m.mode {
		for key, h := range m.handles {
			if err := h.Close(); err != nil {
				m.logger.Warn("error disposing queue handle on mode transition",
					slog.String("queue", key), slog.Any("error", err))
			}
			delete(m.handles, key)
		}
		m.logger.Info("queue mode transition", slog.String("from", string(m.mode)), slog.String("to", string(mode)))
		m.mode = mode
	}
	return mode
}

// TryGet returns the live handle for key, or (nil, false) in inline mode —
// matching spec.md §4.1's "queue handle or null in inline mode".
func (m *Manager) TryGet(key string) (QueueHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	mode := m.currentMode()
	if mode == config.QueueModeInline {
		return nil, false
	}
	return m.handleLocked(key), true
}

func (m *Manager) handleLocked(key string) QueueHandle {
	if h, ok := m.handles[key]; ok {
		return h
	}
	h := &distributedHandle{queueName: key, broker: m.broker, logger: m.logger}
	m.handles[key] = h
	return h
}

// Enqueue implements the shared enqueue(key, name, data, opts) contract.
// In inline mode Enqueue runs the body registered by EnsureWorker
// synchronously in the caller's goroutine.
func (m *Manager) Enqueue(ctx context.Context, key, name string, job Job) (FallbackResult, error) {
	m.mu.Lock()
	mode := m.currentMode()
	m.mu.Unlock()

	job.Queue = key
	job.Name = name
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	if mode == config.QueueModeInline {
		return m.enqueueInline(ctx, key, job)
	}

	m.mu.Lock()
	h := m.handleLocked(key)
	m.mu.Unlock()
	return h.Enqueue(ctx, job)
}

func (m *Manager) enqueueInline(ctx context.Context, key string, job Job) (FallbackResult, error) {
	h := m.inlineHandleLocked(key)
	return h.Enqueue(ctx, job)
}

func (m *Manager) inlineHandleLocked(key string) *inlineHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.handles[key]; ok {
		if ih, ok := existing.(*inlineHandle); ok {
			return ih
		}
	}
	ih := newInlineHandle(key, m.logger)
	m.handles[key] = ih
	return ih
}

// EnsureWorker loads the worker module for key on first use in inline mode,
// matching spec.md §4.1. In distributed mode it subscribes the worker to
// the broker instead.
func (m *Manager) EnsureWorker(key string, worker WorkerFunc) error {
	m.mu.Lock()
	mode := m.currentMode()
	m.mu.Unlock()

	if mode == config.QueueModeInline {
		h := m.inlineHandleLocked(key)
		h.SetWorker(worker)
		return nil
	}

	if m.broker == nil {
		return fmt.Errorf("queue: distributed mode requires a broker")
	}
	_, err := m.broker.Subscribe(key, worker)
	return err
}

// Counts implements counts(key) from spec.md §4.1.
func (m *Manager) Counts(ctx context.Context, key string) (Counts, error) {
	m.mu.Lock()
	mode := m.currentMode()
	m.mu.Unlock()

	if mode == config.QueueModeInline {
		return m.inlineHandleLocked(key).Counts(ctx)
	}

	m.mu.Lock()
	h := m.handleLocked(key)
	m.mu.Unlock()
	return h.Counts(ctx)
}

// PublishScaling multicasts a runtime-scaling update or sync-request
// message to all workers, per spec.md §4.1/§4.3.
func (m *Manager) PublishScaling(msg ScalingMessage) {
	m.bus.Publish(scalingTopic, msg)
}
