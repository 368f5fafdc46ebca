package workflow

import (
	"fmt"

	"github.com/apphub/orchestrator-core/internal/coreerrors"
	"github.com/apphub/orchestrator-core/internal/store"
)

// topoSort returns steps ordered so every dependency precedes its
// dependents, stable by declaration order on ties (Kahn's algorithm with a
// FIFO-ordered ready queue). Validates acyclicity at definition-time per
// spec.md §4.8 step 1.
func topoSort(steps []store.StepDefinition) ([]store.StepDefinition, error) {
	index := make(map[string]int, len(steps))
	for i, s := range steps {
		if _, dup := index[s.ID]; dup {
			return nil, &coreerrors.ValidationError{Field: "steps", Message: fmt.Sprintf("duplicate step id %q", s.ID)}
		}
		index[s.ID] = i
	}

	indegree := make([]int, len(steps))
	dependents := make([][]int, len(steps))
	for i, s := range steps {
		for _, dep := range s.DependsOn {
			depIdx, ok := index[dep]
			if !ok {
				return nil, &coreerrors.ValidationError{Field: "steps", Message: fmt.Sprintf("step %q depends on unknown step %q", s.ID, dep)}
			}
			indegree[i]++
			dependents[depIdx] = append(dependents[depIdx], i)
		}
	}

	var queue []int
	for i, d := range indegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}

	var ordered []store.StepDefinition
	for len(queue) > 0 {
		// stable: always take the earliest-declared ready step
		minPos := 0
		for i, idx := range queue {
			if idx < queue[minPos] {
				minPos = i
			}
			_ = i
		}
		idx := queue[minPos]
		queue = append(queue[:minPos], queue[minPos+1:]...)

		ordered = append(ordered, steps[idx])
		for _, dep := range dependents[idx] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(ordered) != len(steps) {
		return nil, &coreerrors.ValidationError{Field: "steps", Message: "step graph contains a cycle"}
	}
	return ordered, nil
}

// eligible returns the steps from order whose dependencies are all
// succeeded|skipped and that are not running or terminal, per spec.md §4.8
// step 2's fixed-point rule. A step with no recorded run, or one recorded
// pending (awaiting a scheduled retry after a failed attempt), is a
// candidate; running, succeeded, failed, and skipped are not.
func eligible(order []store.StepDefinition, runs map[string]store.StepRun) []store.StepDefinition {
	var out []store.StepDefinition
	for _, step := range order {
		if sr, started := runs[step.ID]; started {
			switch sr.Status {
			case store.StepRunning, store.StepSucceeded, store.StepFailed, store.StepSkipped:
				continue
			}
		}
		ready := true
		for _, dep := range step.DependsOn {
			depRun, ok := runs[dep]
			if !ok || (depRun.Status != store.StepSucceeded && depRun.Status != store.StepSkipped) {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, step)
		}
	}
	return out
}
