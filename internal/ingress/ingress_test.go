package ingress

import (
	"context"
	"testing"
	"time"

	"github.com/apphub/orchestrator-core/internal/audit"
	"github.com/apphub/orchestrator-core/internal/clock"
	"github.com/apphub/orchestrator-core/internal/config"
	"github.com/apphub/orchestrator-core/internal/eventschema"
	"github.com/apphub/orchestrator-core/internal/queue"
	"github.com/apphub/orchestrator-core/internal/retry"
	"github.com/apphub/orchestrator-core/internal/schedulerstate"
	"github.com/apphub/orchestrator-core/internal/store"
	"github.com/apphub/orchestrator-core/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIngress(t *testing.T, clk clock.Clock) (*Ingress, *memory.Store, *queue.Manager) {
	t.Helper()
	st := memory.New()
	qm := queue.NewManager(func() config.QueueMode { return config.QueueModeInline }, nil, nil)

	var evaluated []string
	require.NoError(t, qm.EnsureWorker(triggerEvalQueue, func(ctx context.Context, job queue.Job) error {
		evaluated = append(evaluated, job.Data["eventId"].(string))
		return nil
	}))
	require.NoError(t, qm.EnsureWorker(retryQueue, func(ctx context.Context, job queue.Job) error {
		return nil
	}))

	in := New(Config{
		Store:          st,
		Schemas:        eventschema.New(st, clk, eventschema.Options{}),
		SchedulerState: schedulerstate.New(clk),
		Queues:         qm,
		Clock:          clk,
		Backoff:        retry.DefaultPolicy(),
	})
	return in, st, qm
}

func TestIngestPersistsAndEnqueuesEvaluation(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	in, st, _ := newTestIngress(t, clk)

	err := in.Ingest(context.Background(), RawEvent{
		ID: "evt-1", Type: "repo.push", Source: "github",
		Payload: map[string]any{"ref": "refs/heads/main"},
	})
	require.NoError(t, err)

	env, err := st.GetEnvelope(context.Background(), "evt-1")
	require.NoError(t, err)
	assert.Equal(t, "repo.push", env.Type)
}

func TestIngestSchedulesRetryWhenSourcePaused(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	in, st, _ := newTestIngress(t, clk)
	in.sched.PauseSource("github", "incident")

	err := in.Ingest(context.Background(), RawEvent{
		ID: "evt-2", Type: "repo.push", Source: "github",
		Payload: map[string]any{"ref": "refs/heads/main"},
	})
	require.NoError(t, err)

	r, err := st.GetScheduledRetry(context.Background(), "evt-2")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Attempts)
}

func TestProcessRetryDropsCancelledRetrySilently(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	in, st, _ := newTestIngress(t, clk)
	in.sched.PauseSource("github", "incident")

	require.NoError(t, in.Ingest(context.Background(), RawEvent{
		ID: "evt-3", Type: "repo.push", Source: "github", Payload: map[string]any{},
	}))
	require.NoError(t, in.CancelRetry(context.Background(), "evt-3"))
	require.NoError(t, in.ProcessRetry(context.Background(), "evt-3"))

	_, err := st.GetScheduledRetry(context.Background(), "evt-3")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestProcessRetryHandsOffOnceSourceResumes(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	in, st, _ := newTestIngress(t, clk)
	in.sched.PauseSource("github", "incident")

	require.NoError(t, in.Ingest(context.Background(), RawEvent{
		ID: "evt-4", Type: "repo.push", Source: "github", Payload: map[string]any{},
	}))
	in.sched.ResumeSource("github")
	require.NoError(t, in.ProcessRetry(context.Background(), "evt-4"))

	_, err := st.GetScheduledRetry(context.Background(), "evt-4")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestIngestRecordsSourceCounters(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(1000, 0))
	st := memory.New()
	qm := queue.NewManager(func() config.QueueMode { return config.QueueModeInline }, nil, nil)
	require.NoError(t, qm.EnsureWorker(triggerEvalQueue, func(ctx context.Context, job queue.Job) error { return nil }))
	require.NoError(t, qm.EnsureWorker(retryQueue, func(ctx context.Context, job queue.Job) error { return nil }))

	reg := audit.New(clk)
	in := New(Config{
		Store:          st,
		Schemas:        eventschema.New(st, clk, eventschema.Options{}),
		SchedulerState: schedulerstate.New(clk),
		Queues:         qm,
		Clock:          clk,
		Backoff:        retry.DefaultPolicy(),
		Audit:          reg,
	})

	require.NoError(t, in.Ingest(context.Background(), RawEvent{
		ID: "evt-audit", Type: "repo.push", Source: "github",
		OccurredAt: clk.Now().Add(-500 * time.Millisecond),
		Payload:    map[string]any{"ref": "refs/heads/main"},
	}))

	snap := reg.SourceSnapshot("github")
	assert.Equal(t, int64(1), snap.Total)
	assert.Equal(t, int64(500), snap.LastLagMs)

	in.sched.PauseSource("github", "incident")
	require.NoError(t, in.Ingest(context.Background(), RawEvent{
		ID: "evt-audit-2", Type: "repo.push", Source: "github", Payload: map[string]any{},
	}))
	assert.Equal(t, int64(1), reg.SourceSnapshot("github").Throttled)
}
