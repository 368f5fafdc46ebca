package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromEnvInlineModeFromEventsMode(t *testing.T) {
	t.Setenv("APPHUB_EVENTS_MODE", "inline")
	cfg := FromEnv()
	assert.Equal(t, QueueModeInline, cfg.QueueMode)
}

func TestFromEnvInlineModeFromRedisURL(t *testing.T) {
	t.Setenv("REDIS_URL", "inline")
	cfg := FromEnv()
	assert.Equal(t, QueueModeInline, cfg.QueueMode)
}

func TestFromEnvDistributedByDefault(t *testing.T) {
	cfg := FromEnv()
	assert.Equal(t, QueueModeDistributed, cfg.QueueMode)
}

func TestFromEnvSourceRateLimits(t *testing.T) {
	t.Setenv("EVENT_SOURCE_RATE_LIMITS", `[{"source":"shop","limit":1,"intervalMs":60000,"pauseMs":60000}]`)
	cfg := FromEnv()
	if assert.Len(t, cfg.EventSourceRateLimits, 1) {
		assert.Equal(t, "shop", cfg.EventSourceRateLimits[0].Source)
		assert.Equal(t, 1, cfg.EventSourceRateLimits[0].Limit)
	}
}
