// Package scaling implements Runtime Scaling (spec.md §4.3): a
// desired-vs-effective concurrency policy per queue target, rate-limited
// updates, and per-worker-instance acknowledgements.
//
// Registry is grounded on schedulerstate.Tracker's mutex-guarded per-subject
// map. Agent is grounded on the teacher's runner.semaphore concurrency gate
// (internal/controller/runner/runner.go), generalized into a value that can
// be re-applied live instead of fixed at construction time.
package scaling

import (
	"context"
	"sync"
	"time"

	"github.com/apphub/orchestrator-core/internal/clock"
	"github.com/apphub/orchestrator-core/internal/coreerrors"
	"github.com/apphub/orchestrator-core/internal/queue"
)

// TargetBounds is the {min,max,default,rateLimitMs} config for one queue
// target.
type TargetBounds struct {
	Min         int
	Max         int
	Default     int
	RateLimitMs int64
}

func (b TargetBounds) clamp(v int) int {
	if b.Max > 0 && v > b.Max {
		v = b.Max
	}
	if v < b.Min {
		v = b.Min
	}
	return v
}

// Policy is the last accepted desired concurrency for one target.
type Policy struct {
	Target             string
	DesiredConcurrency int
	UpdatedAt          time.Time
	UpdatedBy          string
	Reason             string
}

// Status is the outcome a worker agent records after attempting to apply a
// policy.
type Status string

const (
	StatusApplied Status = "applied"
	StatusFailed  Status = "failed"
)

// Acknowledgement is what a worker instance records after every apply
// attempt, per spec.md §4.3.
type Acknowledgement struct {
	InstanceID         string
	Target             string
	AppliedConcurrency int
	Status             Status
	Error              string
	RecordedAt         time.Time
}

type targetState struct {
	bounds       TargetBounds
	policy       Policy
	lastChangeAt time.Time
	acks         map[string]Acknowledgement
}

// Registry is the runtime-scaling store: one mutex-guarded map of target
// name to desired policy and recorded acknowledgements.
type Registry struct {
	clock  clock.Clock
	queues *queue.Manager

	mu      sync.Mutex
	targets map[string]*targetState
}

// New constructs a Registry. queues, when non-nil, is used to multicast
// accepted updates on the scaling channel so worker agents in other
// goroutines refresh without polling; it may be nil in tests that only
// exercise the registry directly.
func New(clk clock.Clock, queues *queue.Manager) *Registry {
	if clk == nil {
		clk = clock.NewReal()
	}
	return &Registry{clock: clk, queues: queues, targets: make(map[string]*targetState)}
}

func (r *Registry) stateLocked(target string, bounds TargetBounds) *targetState {
	s, ok := r.targets[target]
	if !ok {
		s = &targetState{bounds: bounds, acks: make(map[string]Acknowledgement)}
		s.policy = Policy{Target: target, DesiredConcurrency: bounds.clamp(bounds.Default)}
		r.targets[target] = s
		return s
	}
	if bounds.Max > 0 {
		s.bounds = bounds // configuration may change between calls; always take the latest
	}
	return s
}

// Configure installs (or updates) target's bounds, re-clamping its current
// desired concurrency into the new range.
func (r *Registry) Configure(target string, bounds TargetBounds) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stateLocked(target, bounds)
	s.policy.DesiredConcurrency = s.bounds.clamp(s.policy.DesiredConcurrency)
}

// Snapshot returns target's current policy. A never-configured target
// reports a zero-value policy (desired concurrency 0).
func (r *Registry) Snapshot(target string) Policy {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.targets[target]
	if !ok {
		return Policy{Target: target}
	}
	return s.policy
}

// SetDesired updates target's desired concurrency, clamped to its
// configured bounds. An update that changes the clamped value more often
// than RateLimitMs since the last value-changing update is rejected with a
// RateLimitedError carrying the remaining wait as RetryAfter; an update
// that does not change the value is always accepted (so repeated
// sync-requests with an unchanged value never trip the limiter).
func (r *Registry) SetDesired(target string, desired int, updatedBy, reason string) (Policy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.targets[target]
	if !ok {
		s = r.stateLocked(target, TargetBounds{Max: desired, Default: desired})
	}
	clamped := s.bounds.clamp(desired)
	now := r.clock.Now()
	changed := clamped != s.policy.DesiredConcurrency

	if changed && s.bounds.RateLimitMs > 0 && !s.lastChangeAt.IsZero() {
		limit := time.Duration(s.bounds.RateLimitMs) * time.Millisecond
		if elapsed := now.Sub(s.lastChangeAt); elapsed < limit {
			return s.policy, &coreerrors.RateLimitedError{Subject: target, RetryAfter: limit - elapsed}
		}
	}

	if changed {
		s.lastChangeAt = now
	}
	s.policy = Policy{Target: target, DesiredConcurrency: clamped, UpdatedAt: now, UpdatedBy: updatedBy, Reason: reason}

	if r.queues != nil {
		r.queues.PublishScaling(queue.ScalingMessage{Type: "policy:update", Target: target})
	}
	return s.policy, nil
}

// RequestSync broadcasts a policy:sync-request so every worker agent, for
// every target, reapplies its current snapshot regardless of whether the
// value changed — used after an operator suspects an agent missed an
// update.
func (r *Registry) RequestSync() {
	if r.queues != nil {
		r.queues.PublishScaling(queue.ScalingMessage{Type: "policy:sync-request"})
	}
}

// RecordAcknowledgement stores instanceId's most recent apply result for
// its target.
func (r *Registry) RecordAcknowledgement(ack Acknowledgement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.targets[ack.Target]
	if !ok {
		s = r.stateLocked(ack.Target, TargetBounds{})
	}
	if ack.RecordedAt.IsZero() {
		ack.RecordedAt = r.clock.Now()
	}
	s.acks[ack.InstanceID] = ack
}

// Acknowledgements returns every instance's most recently recorded apply
// result for target.
func (r *Registry) Acknowledgements(target string) []Acknowledgement {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.targets[target]
	if !ok {
		return nil
	}
	out := make([]Acknowledgement, 0, len(s.acks))
	for _, a := range s.acks {
		out = append(out, a)
	}
	return out
}

// TargetStatus is a snapshot used by the audit/metrics surface.
type TargetStatus struct {
	Target             string
	DesiredConcurrency int
	Bounds             TargetBounds
	UpdatedAt          time.Time
	UpdatedBy          string
}

// Status returns every configured target's current policy.
func (r *Registry) Status() []TargetStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]TargetStatus, 0, len(r.targets))
	for name, s := range r.targets {
		out = append(out, TargetStatus{
			Target:             name,
			DesiredConcurrency: s.policy.DesiredConcurrency,
			Bounds:             s.bounds,
			UpdatedAt:          s.policy.UpdatedAt,
			UpdatedBy:          s.policy.UpdatedBy,
		})
	}
	return out
}

// ApplyFunc applies concurrency to the local worker pool. 0 pauses the
// worker while keeping it registered (it keeps subscribing and
// acknowledging, it simply runs nothing).
type ApplyFunc func(ctx context.Context, concurrency int) error

// AgentConfig collects an Agent's collaborators.
type AgentConfig struct {
	InstanceID string
	Target     string
	Registry   *Registry
	Queues     *queue.Manager
	Apply      ApplyFunc
	Clock      clock.Clock
}

// Agent is the worker-side half of runtime scaling for one queue target:
// on startup it applies the registry's current snapshot, then reacts to
// policy:update (matching its target) and policy:sync-request messages on
// the queue manager's scaling channel, recording an acknowledgement after
// every apply.
type Agent struct {
	instanceID string
	target     string
	registry   *Registry
	queues     *queue.Manager
	apply      ApplyFunc
	clock      clock.Clock

	mu      sync.Mutex
	busy    bool
	pending bool
}

// NewAgent constructs an Agent for one queue target.
func NewAgent(cfg AgentConfig) *Agent {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewReal()
	}
	return &Agent{
		instanceID: cfg.InstanceID,
		target:     cfg.Target,
		registry:   cfg.Registry,
		queues:     cfg.Queues,
		apply:      cfg.Apply,
		clock:      clk,
	}
}

// Run applies the startup snapshot, then blocks reacting to scaling
// messages until ctx is canceled.
func (a *Agent) Run(ctx context.Context) error {
	a.refresh(ctx)

	sub := a.queues.SubscribeScaling()
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-sub.C():
			if !ok {
				return nil
			}
			sm, ok := msg.(queue.ScalingMessage)
			if !ok {
				continue
			}
			if sm.Type != "policy:sync-request" && sm.Target != a.target {
				continue
			}
			a.refresh(ctx)
		}
	}
}

// refresh applies the registry's current snapshot for the agent's target.
// A refresh already in flight sets a single pending flag instead of
// queuing a second one, so a burst of policy:update/sync-request messages
// collapses into at most one extra apply after the in-flight one
// completes.
func (a *Agent) refresh(ctx context.Context) {
	a.mu.Lock()
	if a.busy {
		a.pending = true
		a.mu.Unlock()
		return
	}
	a.busy = true
	a.mu.Unlock()

	for {
		a.applyOnce(ctx)

		a.mu.Lock()
		if !a.pending {
			a.busy = false
			a.mu.Unlock()
			return
		}
		a.pending = false
		a.mu.Unlock()
	}
}

func (a *Agent) applyOnce(ctx context.Context) {
	policy := a.registry.Snapshot(a.target)
	ack := Acknowledgement{InstanceID: a.instanceID, Target: a.target, AppliedConcurrency: policy.DesiredConcurrency}
	if err := a.apply(ctx, policy.DesiredConcurrency); err != nil {
		ack.Status = StatusFailed
		ack.Error = err.Error()
	} else {
		ack.Status = StatusApplied
	}
	ack.RecordedAt = a.clock.Now()
	a.registry.RecordAcknowledgement(ack)
}
