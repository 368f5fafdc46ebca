package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apphub/orchestrator-core/internal/store"
)

func TestTopoSortOrdersDependenciesFirst(t *testing.T) {
	steps := []store.StepDefinition{
		{ID: "deploy", DependsOn: []string{"build", "test"}},
		{ID: "test", DependsOn: []string{"build"}},
		{ID: "build"},
	}
	ordered, err := topoSort(steps)
	require.NoError(t, err)

	pos := make(map[string]int, len(ordered))
	for i, s := range ordered {
		pos[s.ID] = i
	}
	assert.Less(t, pos["build"], pos["test"])
	assert.Less(t, pos["test"], pos["deploy"])
}

func TestTopoSortIsStableByDeclarationOrderOnTies(t *testing.T) {
	steps := []store.StepDefinition{
		{ID: "b"},
		{ID: "a"},
		{ID: "c"},
	}
	ordered, err := topoSort(steps)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "c"}, []string{ordered[0].ID, ordered[1].ID, ordered[2].ID})
}

func TestTopoSortRejectsDuplicateStepIDs(t *testing.T) {
	_, err := topoSort([]store.StepDefinition{{ID: "a"}, {ID: "a"}})
	assert.Error(t, err)
}

func TestTopoSortRejectsUnknownDependency(t *testing.T) {
	_, err := topoSort([]store.StepDefinition{{ID: "a", DependsOn: []string{"ghost"}}})
	assert.Error(t, err)
}

func TestTopoSortRejectsCycle(t *testing.T) {
	_, err := topoSort([]store.StepDefinition{
		{ID: "a", DependsOn: []string{"b"}},
		{ID: "b", DependsOn: []string{"a"}},
	})
	assert.Error(t, err)
}

func TestEligibleReturnsOnlyReadyUnstartedSteps(t *testing.T) {
	order := []store.StepDefinition{
		{ID: "build"},
		{ID: "test", DependsOn: []string{"build"}},
		{ID: "deploy", DependsOn: []string{"test"}},
	}

	none := eligible(order, map[string]store.StepRun{})
	require.Len(t, none, 1)
	assert.Equal(t, "build", none[0].ID)

	afterBuild := eligible(order, map[string]store.StepRun{"build": {StepID: "build", Status: store.StepSucceeded}})
	require.Len(t, afterBuild, 1)
	assert.Equal(t, "test", afterBuild[0].ID)
}

func TestEligibleTreatsPendingRetryAsEligibleAgain(t *testing.T) {
	order := []store.StepDefinition{{ID: "flaky"}}
	runs := map[string]store.StepRun{"flaky": {StepID: "flaky", Status: store.StepPending, Attempt: 1}}

	ready := eligible(order, runs)
	require.Len(t, ready, 1)
	assert.Equal(t, "flaky", ready[0].ID)
}

func TestEligibleExcludesRunningAndTerminalSteps(t *testing.T) {
	order := []store.StepDefinition{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	runs := map[string]store.StepRun{
		"a": {StepID: "a", Status: store.StepRunning},
		"b": {StepID: "b", Status: store.StepFailed},
	}
	ready := eligible(order, runs)
	require.Len(t, ready, 1)
	assert.Equal(t, "c", ready[0].ID)
}
