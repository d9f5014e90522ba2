package engine

import (
	"encoding/json"
	"fmt"
)

// definitionDoc is the wire shape of a Job.WorkflowDefinition payload: an
// ordered list of steps, each naming its on_enter/on_turn_complete actions.
type definitionDoc struct {
	StartStepID string           `json:"start_step_id"`
	Steps       []definitionStep `json:"steps"`
}

type definitionStep struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Position   int                `json:"position"`
	Terminal   bool               `json:"terminal"`
	OnEnter    []definitionAction `json:"on_enter,omitempty"`
	OnComplete []definitionAction `json:"on_turn_complete,omitempty"`
}

type definitionAction struct {
	Type   string         `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// Compile decodes a raw workflow definition into a Graph. It is the
// workflow Event Producer's entry point from runs.Job.WorkflowDefinition.
func Compile(raw json.RawMessage) (Graph, error) {
	var doc definitionDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Graph{}, fmt.Errorf("engine: decode workflow definition: %w", err)
	}
	if doc.StartStepID == "" {
		return Graph{}, fmt.Errorf("engine: workflow definition missing start_step_id")
	}
	if len(doc.Steps) == 0 {
		return Graph{}, fmt.Errorf("engine: workflow definition has no steps")
	}

	steps := make(map[string]StepSpec, len(doc.Steps))
	for _, s := range doc.Steps {
		if s.ID == "" {
			return Graph{}, fmt.Errorf("engine: step missing id")
		}
		steps[s.ID] = StepSpec{
			ID:       s.ID,
			Name:     s.Name,
			Position: s.Position,
			Terminal: s.Terminal,
			Events: map[Trigger][]Action{
				TriggerOnEnter:        compileActions(s.OnEnter),
				TriggerOnTurnComplete: compileActions(s.OnComplete),
			},
		}
	}
	if _, ok := steps[doc.StartStepID]; !ok {
		return Graph{}, fmt.Errorf("engine: start_step_id %q not among steps", doc.StartStepID)
	}

	return Graph{Steps: steps, StartID: doc.StartStepID}, nil
}

func compileActions(raw []definitionAction) []Action {
	actions := make([]Action, 0, len(raw))
	for _, a := range raw {
		switch a.Type {
		case "move_to_next":
			actions = append(actions, Action{Kind: ActionMoveToNext})
		case "move_to_step":
			stepID, _ := a.Config["step_id"].(string)
			if stepID == "" {
				continue // skip malformed move_to_step actions
			}
			actions = append(actions, Action{Kind: ActionMoveToStep, MoveToStep: &MoveToStepAction{StepID: stepID}})
		case "set_workflow_data":
			key, _ := a.Config["key"].(string)
			if key == "" {
				continue
			}
			actions = append(actions, Action{Kind: ActionSetWorkflowData, SetWorkflowData: &SetWorkflowDataAction{
				Key: key, Value: a.Config["value"],
			}})
		case "complete":
			actions = append(actions, Action{Kind: ActionComplete})
		}
	}
	return actions
}
