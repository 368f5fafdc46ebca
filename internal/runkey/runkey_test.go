package runkey

import (
	"context"
	"testing"
	"time"

	"github.com/apphub/orchestrator-core/internal/clock"
	"github.com/apphub/orchestrator-core/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeLowercasesAndSanitizes(t *testing.T) {
	assert.Equal(t, "repo-acme-widgets--daily-sync", Normalize("Repo/Acme/Widgets  -- Daily Sync"))
}

func TestNormalizeClipsToMaxLength(t *testing.T) {
	long := "x"
	for i := 0; i < 100; i++ {
		long += "y"
	}
	assert.LessOrEqual(t, len(Normalize(long)), maxNormalizedLength)
}

func TestClaimIsExclusiveUntilReleased(t *testing.T) {
	reg := New(memory.New(), clock.NewFrozen(time.Unix(0, 0)))
	ctx := context.Background()

	ok, err := reg.Claim(ctx, "wf1", "owner-a", "asset.sales", "", "upstream-update", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = reg.Claim(ctx, "wf1", "owner-b", "asset.sales", "", "upstream-update", time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, reg.Release(ctx, "wf1", "asset.sales", ""))
	ok, err = reg.Claim(ctx, "wf1", "owner-b", "asset.sales", "", "upstream-update", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClaimExpiresAfterTTL(t *testing.T) {
	clk := clock.NewFrozen(time.Unix(0, 0))
	reg := New(memory.New(), clk)
	ctx := context.Background()

	ok, err := reg.Claim(ctx, "wf1", "owner-a", "asset.sales", "", "upstream-update", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	clk.Advance(2 * time.Minute)
	ok, err = reg.Claim(ctx, "wf1", "owner-b", "asset.sales", "", "upstream-update", time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
}
