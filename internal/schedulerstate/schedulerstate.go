// Package schedulerstate tracks per-source rate limiting and per-trigger
// failure-window pausing (spec.md §4.6), grounded on the teacher's
// polltrigger.RateLimiter: one mutex-guarded map keyed by subject. A source
// that exceeds its budget is paused for its fixed PauseMs through
// RecordRateLimited; the pause does not grow on repeated limits.
package schedulerstate

import (
	"sync"
	"time"

	"github.com/apphub/orchestrator-core/internal/clock"
	"github.com/apphub/orchestrator-core/internal/coreerrors"
)

// SourceRateLimit is the per-source budget from spec.md §6's
// EVENT_SOURCE_RATE_LIMITS: at most Limit ingress calls per IntervalMs,
// with a PauseMs cooldown applied once the limit is exceeded.
type SourceRateLimit struct {
	Limit      int
	IntervalMs int64
	PauseMs    int64
}

// TriggerFailureWindow is the per-trigger failure-pause budget from
// spec.md §4.6: ErrorThreshold failures inside ErrorWindowMs pause the
// trigger for TriggerPauseMs, cleared by any success.
type TriggerFailureWindow struct {
	ErrorWindowMs  int64
	ErrorThreshold int
	TriggerPauseMs int64
}

type sourceState struct {
	limit SourceRateLimit

	windowStart time.Time
	windowCount int

	pausedUntil time.Time
	pauseReason string

	manualPause bool
}

type triggerState struct {
	window TriggerFailureWindow

	failureTimes []time.Time
	pausedUntil  time.Time
}

// Tracker is the scheduler-state component. It holds no persistence of its
// own: pause and window state lives only in memory and is lost when the
// process restarts.
type Tracker struct {
	clock clock.Clock

	mu       sync.Mutex
	sources  map[string]*sourceState
	triggers map[string]*triggerState
}

// New constructs a Tracker using clk for all time comparisons, so tests can
// drive it with a clock.Frozen.
func New(clk clock.Clock) *Tracker {
	if clk == nil {
		clk = clock.NewReal()
	}
	return &Tracker{
		clock:    clk,
		sources:  make(map[string]*sourceState),
		triggers: make(map[string]*triggerState),
	}
}

func (t *Tracker) sourceLocked(source string, limit SourceRateLimit) *sourceState {
	s, ok := t.sources[source]
	if !ok {
		s = &sourceState{limit: limit}
		t.sources[source] = s
	}
	if limit.Limit > 0 {
		s.limit = limit // configuration may change between calls; always take the latest
	}
	return s
}

// ConfigureSource installs (or updates) the rate limit for source. Safe to
// call repeatedly; the most recent call wins.
func (t *Tracker) ConfigureSource(source string, limit SourceRateLimit) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sourceLocked(source, limit)
}

// ConfigureTrigger installs (or updates) the failure-window policy for
// triggerID.
func (t *Tracker) ConfigureTrigger(triggerID string, window TriggerFailureWindow) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.triggers[triggerID]
	if !ok {
		ts = &triggerState{}
		t.triggers[triggerID] = ts
	}
	ts.window = window
}

// PauseSource suspends source manually (an operator action, not a derived
// rate-limit state) until cleared by ResumeSource.
func (t *Tracker) PauseSource(source, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sourceLocked(source, SourceRateLimit{})
	s.manualPause = true
	s.pauseReason = reason
}

// ResumeSource clears a manual pause. It does not clear a rate-limit-derived
// pause; that expires on its own.
func (t *Tracker) ResumeSource(source string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.sources[source]; ok {
		s.manualPause = false
		s.pauseReason = ""
	}
}

// AllowIngress reports whether source may accept another event right now,
// returning a PausedError or RateLimitedError describing why not.
func (t *Tracker) AllowIngress(source string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.sourceLocked(source, SourceRateLimit{})
	now := t.clock.Now()

	if s.manualPause {
		return &coreerrors.PausedError{Subject: source, Reason: s.pauseReason}
	}
	if now.Before(s.pausedUntil) {
		return &coreerrors.PausedError{Subject: source, Until: s.pausedUntil, Reason: s.pauseReason}
	}
	if s.limit.Limit <= 0 {
		return nil
	}

	interval := time.Duration(s.limit.IntervalMs) * time.Millisecond
	if s.windowStart.IsZero() || now.Sub(s.windowStart) >= interval {
		s.windowStart = now
		s.windowCount = 0
	}
	if s.windowCount >= s.limit.Limit {
		return &coreerrors.RateLimitedError{Subject: source, RetryAfter: s.windowStart.Add(interval).Sub(now)}
	}
	return nil
}

// RecordIngress accounts one ingested event against source's rolling
// window. Call only after AllowIngress has permitted it.
func (t *Tracker) RecordIngress(source string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sourceLocked(source, SourceRateLimit{})
	if s.limit.Limit > 0 {
		s.windowCount++
	}
}

// RecordRateLimited applies the configured pause when source's budget is
// exceeded, matching spec.md §4.6's auto-pause-on-limit-exceeded behavior.
func (t *Tracker) RecordRateLimited(source string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sourceLocked(source, SourceRateLimit{})
	pause := time.Duration(s.limit.PauseMs) * time.Millisecond
	if pause <= 0 {
		return
	}
	s.pausedUntil = t.clock.Now().Add(pause)
	s.pauseReason = "rate limit exceeded"
}

// AllowTrigger reports whether triggerID is currently inside a
// failure-window pause.
func (t *Tracker) AllowTrigger(triggerID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.triggers[triggerID]
	if !ok {
		return nil
	}
	if t.clock.Now().Before(ts.pausedUntil) {
		return &coreerrors.PausedError{Subject: triggerID, Until: ts.pausedUntil, Reason: "trigger failure window exceeded"}
	}
	return nil
}

// RecordTriggerSuccess clears triggerID's failure history, per spec.md
// §4.6's "cleared on success".
func (t *Tracker) RecordTriggerSuccess(triggerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ts, ok := t.triggers[triggerID]; ok {
		ts.failureTimes = nil
		ts.pausedUntil = time.Time{}
	}
}

// RecordTriggerFailure appends a failure and pauses the trigger once
// ErrorThreshold failures have landed inside ErrorWindowMs.
func (t *Tracker) RecordTriggerFailure(triggerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.triggers[triggerID]
	if !ok || ts.window.ErrorThreshold <= 0 {
		return
	}
	now := t.clock.Now()
	window := time.Duration(ts.window.ErrorWindowMs) * time.Millisecond

	ts.failureTimes = append(ts.failureTimes, now)
	cutoff := now.Add(-window)
	kept := ts.failureTimes[:0]
	for _, ft := range ts.failureTimes {
		if ft.After(cutoff) {
			kept = append(kept, ft)
		}
	}
	ts.failureTimes = kept

	if len(ts.failureTimes) >= ts.window.ErrorThreshold {
		ts.pausedUntil = now.Add(time.Duration(ts.window.TriggerPauseMs) * time.Millisecond)
	}
}

// SourceStatus is a snapshot used by the audit/metrics surface.
type SourceStatus struct {
	Source      string
	Paused      bool
	PausedUntil time.Time
	Reason      string
	WindowCount int
}

// Status returns every tracked source's current pause state.
func (t *Tracker) Status() []SourceStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	out := make([]SourceStatus, 0, len(t.sources))
	for name, s := range t.sources {
		paused := s.manualPause || now.Before(s.pausedUntil)
		out = append(out, SourceStatus{
			Source:      name,
			Paused:      paused,
			PausedUntil: s.pausedUntil,
			Reason:      s.pauseReason,
			WindowCount: s.windowCount,
		})
	}
	return out
}
