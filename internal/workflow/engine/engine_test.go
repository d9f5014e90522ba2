package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func linearGraph() Graph {
	return Graph{
		StartID: "start",
		Steps: map[string]StepSpec{
			"start": {
				ID: "start", Position: 0,
				Events: map[Trigger][]Action{
					TriggerOnEnter: {{Kind: ActionMoveToNext}},
				},
			},
			"middle": {
				ID: "middle", Position: 1,
				Events: map[Trigger][]Action{
					TriggerOnTurnComplete: {{Kind: ActionMoveToNext}},
				},
			},
			"end": {
				ID: "end", Position: 2, Terminal: true,
			},
		},
	}
}

func TestEngineStartReturnsStartStep(t *testing.T) {
	e := New(linearGraph(), nil)
	step, err := e.Start()
	require.NoError(t, err)
	assert.Equal(t, "start", step.ID)
}

func TestEngineEnterMoveToNext(t *testing.T) {
	e := New(linearGraph(), nil)
	start, _ := e.Start()

	res, err := e.Enter(context.Background(), WalkState{CurrentStepID: "start"}, start)
	require.NoError(t, err)
	assert.False(t, res.Terminated)
	assert.Equal(t, "middle", res.ToStepID)
}

func TestEngineEnterTerminalStep(t *testing.T) {
	e := New(linearGraph(), nil)
	end, err := e.Step("end")
	require.NoError(t, err)

	res, err := e.Enter(context.Background(), WalkState{}, end)
	require.NoError(t, err)
	assert.True(t, res.Terminated)
	assert.Empty(t, res.ToStepID)
}

func TestEngineImplicitDeadEndTerminates(t *testing.T) {
	graph := Graph{
		StartID: "lonely",
		Steps: map[string]StepSpec{
			"lonely": {ID: "lonely", Position: 0},
		},
	}
	e := New(graph, nil)
	start, _ := e.Start()

	res, err := e.Enter(context.Background(), WalkState{}, start)
	require.NoError(t, err)
	assert.True(t, res.Terminated, "a step with no move action and no Terminal flag should terminate the walk")
}

func TestEngineMoveToStep(t *testing.T) {
	graph := Graph{
		StartID: "a",
		Steps: map[string]StepSpec{
			"a": {ID: "a", Position: 0, Events: map[Trigger][]Action{
				TriggerOnEnter: {{Kind: ActionMoveToStep, MoveToStep: &MoveToStepAction{StepID: "c"}}},
			}},
			"b": {ID: "b", Position: 1},
			"c": {ID: "c", Position: 2, Terminal: true},
		},
	}
	e := New(graph, nil)
	a, _ := e.Start()

	res, err := e.Enter(context.Background(), WalkState{}, a)
	require.NoError(t, err)
	assert.Equal(t, "c", res.ToStepID, "explicit move_to_step should skip b")
}

func TestEngineMoveToStepUnknownTargetErrors(t *testing.T) {
	graph := Graph{
		StartID: "a",
		Steps: map[string]StepSpec{
			"a": {ID: "a", Position: 0, Events: map[Trigger][]Action{
				TriggerOnEnter: {{Kind: ActionMoveToStep, MoveToStep: &MoveToStepAction{StepID: "nope"}}},
			}},
		},
	}
	e := New(graph, nil)
	a, _ := e.Start()

	_, err := e.Enter(context.Background(), WalkState{}, a)
	assert.Error(t, err, "an unknown move_to_step target should error")
}

// recordingCallback implements ActionCallback, recording every invocation
// and returning a fixed data patch.
type recordingCallback struct {
	calls []ActionInput
	patch map[string]any
}

func (c *recordingCallback) Execute(_ context.Context, in ActionInput) (ActionResult, error) {
	c.calls = append(c.calls, in)
	return ActionResult{DataPatch: c.patch}, nil
}

func TestEngineSetWorkflowDataCallbackPatchesData(t *testing.T) {
	cb := &recordingCallback{patch: map[string]any{"key": "value"}}
	registry := MapRegistry{ActionSetWorkflowData: cb}

	graph := Graph{
		StartID: "a",
		Steps: map[string]StepSpec{
			"a": {ID: "a", Position: 0, Events: map[Trigger][]Action{
				TriggerOnEnter: {
					{Kind: ActionSetWorkflowData, SetWorkflowData: &SetWorkflowDataAction{Key: "key", Value: "value"}},
					{Kind: ActionMoveToNext},
				},
			}},
			"b": {ID: "b", Position: 1, Terminal: true},
		},
	}
	e := New(graph, registry)
	a, _ := e.Start()

	res, err := e.Enter(context.Background(), WalkState{Data: map[string]any{}}, a)
	require.NoError(t, err)
	require.Len(t, cb.calls, 1)
	assert.Equal(t, "value", res.DataPatch["key"])
	assert.Equal(t, "b", res.ToStepID)
}

func TestGraphNextSkipsToLowestHigherPosition(t *testing.T) {
	g := Graph{Steps: map[string]StepSpec{
		"a": {ID: "a", Position: 0},
		"c": {ID: "c", Position: 2},
		"b": {ID: "b", Position: 1},
	}}
	next, ok := g.Next(g.Steps["a"])
	require.True(t, ok)
	assert.Equal(t, "b", next.ID)

	_, ok = g.Next(g.Steps["c"])
	assert.False(t, ok, "should report no next step past the last position")
}
