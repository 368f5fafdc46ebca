package workflow

import "github.com/apphub/orchestrator-core/internal/store"

// buildScope assembles the template scope object from spec.md §4.8:
//
//	scope = { shared, steps, run{id,parameters,triggeredBy,trigger},
//	          parameters, step?{id,parameters}, stepParameters?,
//	          fanout?{parentStepId, templateStepId, index, item}, item? }
func buildScope(run store.WorkflowRun, stepResults map[string]map[string]any, mergedParameters map[string]any) map[string]any {
	return map[string]any{
		"shared": run.Shared,
		"steps":  stepResults,
		"run": map[string]any{
			"id":          run.ID,
			"parameters":  run.Parameters,
			"triggeredBy": run.TriggeredBy,
			"trigger":     map[string]any{"type": run.Trigger.Type, "id": run.Trigger.ID},
		},
		"parameters": mergedParameters,
	}
}

// withStep returns a copy of scope extended with the current step's
// identity and merged parameters.
func withStep(scope map[string]any, stepID string, stepParameters map[string]any) map[string]any {
	out := cloneScope(scope)
	out["step"] = map[string]any{"id": stepID, "parameters": stepParameters}
	out["stepParameters"] = stepParameters
	return out
}

// withFanOutItem extends scope with the current fan-out item.
func withFanOutItem(scope map[string]any, parentStepID, templateStepID string, index int, item any) map[string]any {
	out := cloneScope(scope)
	out["fanout"] = map[string]any{
		"parentStepId":   parentStepID,
		"templateStepId": templateStepID,
		"index":          index,
		"item":           item,
	}
	out["item"] = item
	return out
}

func cloneScope(scope map[string]any) map[string]any {
	out := make(map[string]any, len(scope)+2)
	for k, v := range scope {
		out[k] = v
	}
	return out
}

// mergeParameters object-merges stepParameters over runParameters, step
// wins, per spec.md §4.8 step 3.
func mergeParameters(runParameters, stepParameters map[string]any) map[string]any {
	out := make(map[string]any, len(runParameters)+len(stepParameters))
	for k, v := range runParameters {
		out[k] = v
	}
	for k, v := range stepParameters {
		out[k] = v
	}
	return out
}
