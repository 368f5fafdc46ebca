package queue

import (
	"context"
	"testing"
	"time"

	"github.com/apphub/orchestrator-core/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInlineModeRunsJobSynchronously(t *testing.T) {
	m := NewManager(func() config.QueueMode { return config.QueueModeInline }, nil, nil)

	var ran bool
	require.NoError(t, m.EnsureWorker("workflow", func(ctx context.Context, job Job) error {
		ran = true
		return nil
	}))

	result, err := m.Enqueue(context.Background(), "workflow", "noop", Job{ID: "j1"})
	require.NoError(t, err)
	assert.True(t, result.OK)
	assert.True(t, ran)
}

func TestInlineModeDelayedJobFallsBackImmediately(t *testing.T) {
	m := NewManager(func() config.QueueMode { return config.QueueModeInline }, nil, nil)

	var ran bool
	require.NoError(t, m.EnsureWorker("workflow", func(ctx context.Context, job Job) error {
		ran = true
		return nil
	}))

	result, err := m.Enqueue(context.Background(), "workflow", "noop", Job{
		ID:    "j2",
		RunAt: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, "inline", result.FellBackTo)
}

func TestInlineModeDuplicateJobIDIsNoOp(t *testing.T) {
	m := NewManager(func() config.QueueMode { return config.QueueModeInline }, nil, nil)

	calls := 0
	require.NoError(t, m.EnsureWorker("workflow", func(ctx context.Context, job Job) error {
		calls++
		return nil
	}))

	_, err := m.Enqueue(context.Background(), "workflow", "noop", Job{ID: "dup"})
	require.NoError(t, err)
	_, err = m.Enqueue(context.Background(), "workflow", "noop", Job{ID: "dup"})
	require.NoError(t, err)

	assert.Equal(t, 1, calls)
}

func TestTryGetReturnsNilInInlineMode(t *testing.T) {
	m := NewManager(func() config.QueueMode { return config.QueueModeInline }, nil, nil)
	h, ok := m.TryGet("workflow")
	assert.Nil(t, h)
	assert.False(t, ok)
}

func TestDistributedModeEnqueueAndDrain(t *testing.T) {
	broker := NewMemoryBroker()
	defer broker.Close()

	m := NewManager(func() config.QueueMode { return config.QueueModeDistributed }, broker, nil)

	done := make(chan struct{})
	require.NoError(t, m.EnsureWorker("workflow", func(ctx context.Context, job Job) error {
		close(done)
		return nil
	}))

	h, ok := m.TryGet("workflow")
	require.True(t, ok)
	require.NotNil(t, h)

	_, err := m.Enqueue(context.Background(), "workflow", "noop", Job{ID: "d1"})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never ran")
	}
}

func TestModeTransitionDisposesHandles(t *testing.T) {
	mode := config.QueueModeInline
	m := NewManager(func() config.QueueMode { return mode }, NewMemoryBroker(), nil)

	require.NoError(t, m.EnsureWorker("workflow", func(ctx context.Context, job Job) error { return nil }))
	_, err := m.Enqueue(context.Background(), "workflow", "noop", Job{ID: "a"})
	require.NoError(t, err)
	inline := m.inlineHandleLocked("workflow")

	mode = config.QueueModeDistributed
	_, ok := m.TryGet("workflow")
	assert.True(t, ok, "switching to distributed mode should yield a live handle")

	_, err = inline.Enqueue(context.Background(), Job{ID: "b"})
	assert.ErrorIs(t, err, ErrQueueClosed, "the inline handle should be closed by the transition")
}
