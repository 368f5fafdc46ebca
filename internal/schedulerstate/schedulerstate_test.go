package schedulerstate

import (
	"testing"
	"time"

	"github.com/apphub/orchestrator-core/internal/clock"
	"github.com/apphub/orchestrator-core/internal/coreerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllowIngressRespectsWindowLimit(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	tr := New(clk)
	tr.ConfigureSource("github", SourceRateLimit{Limit: 2, IntervalMs: 1000, PauseMs: 5000})

	require.NoError(t, tr.AllowIngress("github"))
	tr.RecordIngress("github")
	require.NoError(t, tr.AllowIngress("github"))
	tr.RecordIngress("github")

	err := tr.AllowIngress("github")
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindRateLimited, coreerrors.Classify(err))
}

func TestRecordRateLimitedPausesSource(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	tr := New(clk)
	tr.ConfigureSource("github", SourceRateLimit{Limit: 1, IntervalMs: 1000, PauseMs: 5000})

	tr.RecordRateLimited("github")
	err := tr.AllowIngress("github")
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindPaused, coreerrors.Classify(err))

	clk.Advance(6 * time.Second)
	assert.NoError(t, tr.AllowIngress("github"))
}

func TestManualPauseAndResume(t *testing.T) {
	tr := New(clock.NewFrozen(time.Unix(0, 0)))
	tr.PauseSource("slack", "incident")
	require.Error(t, tr.AllowIngress("slack"))

	tr.ResumeSource("slack")
	assert.NoError(t, tr.AllowIngress("slack"))
}

func TestTriggerFailureWindowPausesAfterThreshold(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	tr := New(clk)
	tr.ConfigureTrigger("trg1", TriggerFailureWindow{ErrorWindowMs: 60000, ErrorThreshold: 3, TriggerPauseMs: 120000})

	tr.RecordTriggerFailure("trg1")
	tr.RecordTriggerFailure("trg1")
	require.NoError(t, tr.AllowTrigger("trg1"))

	tr.RecordTriggerFailure("trg1")
	err := tr.AllowTrigger("trg1")
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindPaused, coreerrors.Classify(err))
}

func TestTriggerSuccessClearsFailureWindow(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	tr := New(clk)
	tr.ConfigureTrigger("trg1", TriggerFailureWindow{ErrorWindowMs: 60000, ErrorThreshold: 2, TriggerPauseMs: 120000})

	tr.RecordTriggerFailure("trg1")
	tr.RecordTriggerSuccess("trg1")
	tr.RecordTriggerFailure("trg1")
	require.NoError(t, tr.AllowTrigger("trg1"))
}

func TestTriggerFailureWindowExpiresOldFailures(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	tr := New(clk)
	tr.ConfigureTrigger("trg1", TriggerFailureWindow{ErrorWindowMs: 1000, ErrorThreshold: 2, TriggerPauseMs: 5000})

	tr.RecordTriggerFailure("trg1")
	clk.Advance(2 * time.Second)
	tr.RecordTriggerFailure("trg1")
	assert.NoError(t, tr.AllowTrigger("trg1"))
}
