// Package audit implements Audit & Metrics (spec.md §4.12): per-source and
// per-trigger counters updated atomically with upserts, queue stats
// snapshots, and an immutable audit log for security-sensitive operations.
// The core is a passive writer; nothing here reads these records back to
// make scheduling decisions.
package audit

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/apphub/orchestrator-core/internal/clock"
)

var (
	sourceEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apphub_ingress_events_total",
			Help: "Total events ingested per source",
		},
		[]string{"source"},
	)
	sourceThrottledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apphub_ingress_throttled_total",
			Help: "Total rate-limited events per source",
		},
		[]string{"source"},
	)
	sourceDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apphub_ingress_dropped_total",
			Help: "Total dropped events per source",
		},
		[]string{"source"},
	)
	sourceFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apphub_ingress_failures_total",
			Help: "Total ingress failures per source",
		},
		[]string{"source"},
	)
	sourceLagMs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "apphub_ingress_last_lag_milliseconds",
			Help: "Lag between event occurredAt and ingestion, per source",
		},
		[]string{"source"},
	)

	triggerMatchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apphub_trigger_matched_total",
			Help: "Total trigger evaluations whose filter matched",
		},
		[]string{"trigger"},
	)
	triggerLaunchedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apphub_trigger_launched_total",
			Help: "Total runs launched by a trigger",
		},
		[]string{"trigger"},
	)
	triggerOutcomeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apphub_trigger_outcome_total",
			Help: "Total trigger evaluations by outcome",
		},
		[]string{"trigger", "outcome"},
	)

	queueWaiting = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "apphub_queue_waiting",
			Help: "Waiting jobs per queue",
		},
		[]string{"queue"},
	)
	queueActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "apphub_queue_active",
			Help: "Active jobs per queue",
		},
		[]string{"queue"},
	)
	queueFailed = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "apphub_queue_failed",
			Help: "Failed jobs per queue",
		},
		[]string{"queue"},
	)
)

// SourceCounters is the per-source ingress snapshot from spec.md §4.12.
type SourceCounters struct {
	Total       int64
	Throttled   int64
	Dropped     int64
	Failures    int64
	TotalLagMs  int64
	LastLagMs   int64
	MaxLagMs    int64
	LastEventAt time.Time
}

// TriggerCounters is the per-trigger snapshot from spec.md §4.12.
type TriggerCounters struct {
	Filtered   int64
	Matched    int64
	Launched   int64
	Throttled  int64
	Skipped    int64
	Failed     int64
	Paused     int64
	LastStatus string
	LastError  string
}

// Registry holds in-memory counter state and mirrors it into Prometheus
// metrics as each Record* method is called.
type Registry struct {
	mu       sync.Mutex
	clock    clock.Clock
	sources  map[string]*SourceCounters
	triggers map[string]*TriggerCounters
}

// New constructs an empty Registry. clk defaults to the real wall clock.
func New(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.NewReal()
	}
	return &Registry{
		clock:    clk,
		sources:  map[string]*SourceCounters{},
		triggers: map[string]*TriggerCounters{},
	}
}

func (r *Registry) source(id string) *SourceCounters {
	s, ok := r.sources[id]
	if !ok {
		s = &SourceCounters{}
		r.sources[id] = s
	}
	return s
}

func (r *Registry) trigger(id string) *TriggerCounters {
	t, ok := r.triggers[id]
	if !ok {
		t = &TriggerCounters{}
		r.triggers[id] = t
	}
	return t
}

// RecordIngress upserts a successful ingestion of an event from source,
// occurring lag milliseconds after the event's declared occurredAt.
func (r *Registry) RecordIngress(source string, lagMs int64) {
	if lagMs < 0 {
		lagMs = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.source(source)
	s.Total++
	s.TotalLagMs += lagMs
	s.LastLagMs = lagMs
	if lagMs > s.MaxLagMs {
		s.MaxLagMs = lagMs
	}
	s.LastEventAt = r.clock.Now()

	sourceEventsTotal.WithLabelValues(source).Inc()
	sourceLagMs.WithLabelValues(source).Set(float64(lagMs))
}

// RecordThrottled upserts a rate-limited ingress attempt for source.
func (r *Registry) RecordThrottled(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.source(source).Throttled++
	sourceThrottledTotal.WithLabelValues(source).Inc()
}

// RecordDropped upserts a dropped event for source (e.g. schema rejection).
func (r *Registry) RecordDropped(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.source(source).Dropped++
	sourceDroppedTotal.WithLabelValues(source).Inc()
}

// RecordIngressFailure upserts an ingress pipeline failure for source.
func (r *Registry) RecordIngressFailure(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.source(source).Failures++
	sourceFailuresTotal.WithLabelValues(source).Inc()
}

// SourceSnapshot returns a copy of the current counters for source.
func (r *Registry) SourceSnapshot(source string) SourceCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sources[source]; ok {
		return *s
	}
	return SourceCounters{}
}

// AllSourceSnapshots returns every known source's counters, keyed by source.
func (r *Registry) AllSourceSnapshots() map[string]SourceCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]SourceCounters, len(r.sources))
	for k, v := range r.sources {
		out[k] = *v
	}
	return out
}

// RecordTriggerOutcome upserts a trigger evaluation outcome. outcome is one
// of paused|filtered|throttled|launched|failed|skipped; matched is recorded
// alongside launched and failed, per spec.md §4.7 step e. errMsg is recorded
// as lastError only when non-empty.
func (r *Registry) RecordTriggerOutcome(triggerID, outcome, errMsg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.trigger(triggerID)
	t.LastStatus = outcome
	if errMsg != "" {
		t.LastError = errMsg
	}

	switch outcome {
	case "paused":
		t.Paused++
	case "filtered":
		t.Filtered++
	case "throttled":
		t.Throttled++
	case "launched":
		t.Matched++
		t.Launched++
		triggerMatchedTotal.WithLabelValues(triggerID).Inc()
		triggerLaunchedTotal.WithLabelValues(triggerID).Inc()
	case "failed":
		t.Matched++
		t.Failed++
		triggerMatchedTotal.WithLabelValues(triggerID).Inc()
	case "skipped":
		t.Skipped++
	}
	triggerOutcomeTotal.WithLabelValues(triggerID, outcome).Inc()
}

// TriggerSnapshot returns a copy of the current counters for triggerID.
func (r *Registry) TriggerSnapshot(triggerID string) TriggerCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.triggers[triggerID]; ok {
		return *t
	}
	return TriggerCounters{}
}

// AllTriggerSnapshots returns every known trigger's counters, keyed by
// trigger id.
func (r *Registry) AllTriggerSnapshots() map[string]TriggerCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]TriggerCounters, len(r.triggers))
	for k, v := range r.triggers {
		out[k] = *v
	}
	return out
}

// QueueCounts mirrors queue.Counts without importing the queue package, so
// audit stays a leaf dependency.
type QueueCounts struct {
	Waiting   int
	Active    int
	Completed int
	Failed    int
	Delayed   int
	Paused    int
}

// RecordQueueSnapshot publishes a queue stats snapshot for key.
func (r *Registry) RecordQueueSnapshot(key string, counts QueueCounts) {
	queueWaiting.WithLabelValues(key).Set(float64(counts.Waiting))
	queueActive.WithLabelValues(key).Set(float64(counts.Active))
	queueFailed.WithLabelValues(key).Set(float64(counts.Failed))
}

// SourceNames returns every source with recorded counters, sorted.
func (r *Registry) SourceNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sources))
	for k := range r.sources {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
