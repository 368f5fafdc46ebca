package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/apphub/orchestrator-core/internal/store"
)

func TestBuildScopeExposesRunAndSharedState(t *testing.T) {
	run := store.WorkflowRun{
		ID:          "run-1",
		Parameters:  map[string]any{"env": "prod"},
		Trigger:     store.TriggerContext{Type: "event", ID: "trig-1"},
		TriggeredBy: "evt-1",
		Shared:      map[string]any{"counter": 1},
	}
	scope := buildScope(run, map[string]map[string]any{"fetch": {"ok": true}}, run.Parameters)

	assert.Equal(t, map[string]any{"counter": 1}, scope["shared"])
	assert.Equal(t, map[string]any{"ok": true}, scope["steps"].(map[string]map[string]any)["fetch"])
	runScope := scope["run"].(map[string]any)
	assert.Equal(t, "run-1", runScope["id"])
	assert.Equal(t, "evt-1", runScope["triggeredBy"])
}

func TestWithStepAddsStepIdentityWithoutMutatingOriginal(t *testing.T) {
	base := map[string]any{"shared": map[string]any{}}
	withStepScope := withStep(base, "fetch", map[string]any{"limit": 10})

	assert.NotContains(t, base, "step")
	stepScope := withStepScope["step"].(map[string]any)
	assert.Equal(t, "fetch", stepScope["id"])
	assert.Equal(t, map[string]any{"limit": 10}, withStepScope["stepParameters"])
}

func TestWithFanOutItemAddsFanoutAndItem(t *testing.T) {
	base := map[string]any{}
	out := withFanOutItem(base, "process-all", "process-one", 2, "c")

	fanout := out["fanout"].(map[string]any)
	assert.Equal(t, "process-all", fanout["parentStepId"])
	assert.Equal(t, "process-one", fanout["templateStepId"])
	assert.Equal(t, 2, fanout["index"])
	assert.Equal(t, "c", fanout["item"])
	assert.Equal(t, "c", out["item"])
}

func TestMergeParametersStepWinsOverRun(t *testing.T) {
	merged := mergeParameters(map[string]any{"a": 1, "b": 2}, map[string]any{"b": 3})
	assert.Equal(t, map[string]any{"a": 1, "b": 3}, merged)
}
