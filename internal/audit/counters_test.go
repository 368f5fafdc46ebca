package audit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/apphub/orchestrator-core/internal/clock"
)

func TestRecordIngressUpsertsSourceCounters(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(1000, 0))
	r := New(clk)

	r.RecordIngress("github", 50)
	r.RecordIngress("github", 150)

	snap := r.SourceSnapshot("github")
	assert.Equal(t, int64(2), snap.Total)
	assert.Equal(t, int64(200), snap.TotalLagMs)
	assert.Equal(t, int64(150), snap.LastLagMs)
	assert.Equal(t, int64(150), snap.MaxLagMs)
	assert.Equal(t, clk.Now(), snap.LastEventAt)
}

func TestRecordThrottledAndDroppedAreIndependentPerSource(t *testing.T) {
	r := New(nil)
	r.RecordThrottled("github")
	r.RecordDropped("gitlab")

	assert.Equal(t, int64(1), r.SourceSnapshot("github").Throttled)
	assert.Equal(t, int64(0), r.SourceSnapshot("github").Dropped)
	assert.Equal(t, int64(1), r.SourceSnapshot("gitlab").Dropped)
}

func TestRecordTriggerOutcomeTracksLastStatusAndError(t *testing.T) {
	r := New(nil)
	r.RecordTriggerOutcome("trig-1", "filtered", "")
	r.RecordTriggerOutcome("trig-1", "failed", "boom")

	snap := r.TriggerSnapshot("trig-1")
	assert.Equal(t, int64(1), snap.Filtered)
	assert.Equal(t, int64(1), snap.Matched)
	assert.Equal(t, int64(1), snap.Failed)
	assert.Equal(t, "failed", snap.LastStatus)
	assert.Equal(t, "boom", snap.LastError)
}

func TestRecordTriggerOutcomeLaunchedCountsAsMatched(t *testing.T) {
	r := New(nil)
	r.RecordTriggerOutcome("trig-2", "launched", "")

	snap := r.TriggerSnapshot("trig-2")
	assert.Equal(t, int64(1), snap.Matched)
	assert.Equal(t, int64(1), snap.Launched)
}

func TestAllSourceSnapshotsReturnsEveryKnownSource(t *testing.T) {
	r := New(nil)
	r.RecordIngress("a", 1)
	r.RecordIngress("b", 1)

	all := r.AllSourceSnapshots()
	assert.Len(t, all, 2)
	assert.Contains(t, all, "a")
	assert.Contains(t, all, "b")
}

func TestSourceNamesIsSorted(t *testing.T) {
	r := New(nil)
	r.RecordIngress("zeta", 1)
	r.RecordIngress("alpha", 1)

	assert.Equal(t, []string{"alpha", "zeta"}, r.SourceNames())
}

func TestRecordQueueSnapshotDoesNotPanicOnRepeatedKeys(t *testing.T) {
	r := New(nil)
	r.RecordQueueSnapshot("workflow", QueueCounts{Waiting: 3, Active: 1, Failed: 0})
	r.RecordQueueSnapshot("workflow", QueueCounts{Waiting: 1, Active: 2, Failed: 1})
}
