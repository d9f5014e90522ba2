package engine

import "context"

// setWorkflowDataCallback applies a SetWorkflowDataAction as a data patch.
type setWorkflowDataCallback struct{}

func (setWorkflowDataCallback) Execute(_ context.Context, in ActionInput) (ActionResult, error) {
	if in.Action.SetWorkflowData == nil {
		return ActionResult{}, nil
	}
	d := in.Action.SetWorkflowData
	return ActionResult{DataPatch: map[string]any{d.Key: d.Value}}, nil
}

// DefaultRegistry returns the built-in callbacks every walk needs
// regardless of domain: currently just the data-bag writer. Callers extend
// it with domain-specific callbacks (e.g. an agent-prompt dispatcher) by
// building their own MapRegistry and adding these entries.
func DefaultRegistry() MapRegistry {
	return MapRegistry{
		ActionSetWorkflowData: setWorkflowDataCallback{},
	}
}
