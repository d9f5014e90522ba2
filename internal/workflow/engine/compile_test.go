package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileValidDefinition(t *testing.T) {
	raw := []byte(`{
		"start_step_id": "a",
		"steps": [
			{"id": "a", "position": 0, "on_enter": [{"type": "move_to_next"}]},
			{"id": "b", "position": 1, "terminal": true}
		]
	}`)

	graph, err := Compile(raw)
	require.NoError(t, err)
	assert.Equal(t, "a", graph.StartID)
	require.Len(t, graph.Steps, 2)
	assert.True(t, graph.Steps["b"].Terminal)

	actions := graph.Steps["a"].Events[TriggerOnEnter]
	require.Len(t, actions, 1)
	assert.Equal(t, ActionMoveToNext, actions[0].Kind)
}

func TestCompileMissingStartStepID(t *testing.T) {
	raw := []byte(`{"steps": [{"id": "a", "position": 0, "terminal": true}]}`)
	_, err := Compile(raw)
	assert.Error(t, err, "Compile should reject a definition with no start_step_id")
}

func TestCompileNoSteps(t *testing.T) {
	raw := []byte(`{"start_step_id": "a", "steps": []}`)
	_, err := Compile(raw)
	assert.Error(t, err, "Compile should reject a definition with no steps")
}

func TestCompileUnknownStartStepID(t *testing.T) {
	raw := []byte(`{"start_step_id": "missing", "steps": [{"id": "a", "position": 0, "terminal": true}]}`)
	_, err := Compile(raw)
	assert.Error(t, err, "Compile should reject a start_step_id not present among steps")
}

func TestCompileMoveToStepAction(t *testing.T) {
	raw := []byte(`{
		"start_step_id": "a",
		"steps": [
			{"id": "a", "position": 0, "on_enter": [{"type": "move_to_step", "config": {"step_id": "c"}}]},
			{"id": "b", "position": 1},
			{"id": "c", "position": 2, "terminal": true}
		]
	}`)
	graph, err := Compile(raw)
	require.NoError(t, err)
	actions := graph.Steps["a"].Events[TriggerOnEnter]
	require.Len(t, actions, 1)
	assert.Equal(t, ActionMoveToStep, actions[0].Kind)
	require.NotNil(t, actions[0].MoveToStep)
	assert.Equal(t, "c", actions[0].MoveToStep.StepID)
}

func TestCompileMalformedMoveToStepSkipped(t *testing.T) {
	raw := []byte(`{
		"start_step_id": "a",
		"steps": [
			{"id": "a", "position": 0, "on_enter": [{"type": "move_to_step", "config": {}}]}
		]
	}`)
	graph, err := Compile(raw)
	require.NoError(t, err)
	assert.Empty(t, graph.Steps["a"].Events[TriggerOnEnter], "a move_to_step action missing step_id should be skipped")
}

func TestCompileSetWorkflowDataAction(t *testing.T) {
	raw := []byte(`{
		"start_step_id": "a",
		"steps": [
			{"id": "a", "position": 0, "on_enter": [{"type": "set_workflow_data", "config": {"key": "k", "value": "v"}}]}
		]
	}`)
	graph, err := Compile(raw)
	require.NoError(t, err)
	actions := graph.Steps["a"].Events[TriggerOnEnter]
	require.Len(t, actions, 1)
	require.Equal(t, ActionSetWorkflowData, actions[0].Kind)
	require.NotNil(t, actions[0].SetWorkflowData)
	assert.Equal(t, "k", actions[0].SetWorkflowData.Key)
	assert.Equal(t, "v", actions[0].SetWorkflowData.Value)
}
