package engine

import (
	"context"
	"fmt"
	"maps"
)

// WalkState is the in-memory state of one workflow walk: the current step
// and the accumulated data bag side-effect actions have written to.
type WalkState struct {
	CurrentStepID string
	Data          map[string]any
}

// ActionInput is provided to action callbacks.
type ActionInput struct {
	Trigger Trigger
	State   WalkState
	Step    StepSpec
	Action  Action
}

// ActionResult communicates side effects back to the engine.
type ActionResult struct {
	DataPatch map[string]any
}

// ActionCallback executes a side-effect action (SetWorkflowData and any
// domain-specific extensions a caller registers).
type ActionCallback interface {
	Execute(ctx context.Context, in ActionInput) (ActionResult, error)
}

// CallbackRegistry resolves callbacks for action kinds.
type CallbackRegistry interface {
	Get(kind ActionKind) (ActionCallback, bool)
}

// MapRegistry is a simple map-backed CallbackRegistry.
type MapRegistry map[ActionKind]ActionCallback

func (r MapRegistry) Get(kind ActionKind) (ActionCallback, bool) {
	cb, ok := r[kind]
	return cb, ok
}

// StepResult is one step of a walk: which step was entered, whether it is
// terminal, and the transition that was resolved (empty ToStepID means the
// walk ends here).
type StepResult struct {
	Step       StepSpec
	DataPatch  map[string]any
	ToStepID   string
	Terminated bool
}

// Engine evaluates a Graph's step actions and resolves transitions. It holds
// no state of its own; WalkState is threaded through by the caller (the
// workflow Event Producer adapter), one call per step entered.
type Engine struct {
	graph     Graph
	callbacks CallbackRegistry
}

// New builds an Engine over a compiled graph.
func New(graph Graph, callbacks CallbackRegistry) *Engine {
	if callbacks == nil {
		callbacks = MapRegistry{}
	}
	return &Engine{graph: graph, callbacks: callbacks}
}

// Start returns the graph's starting step.
func (e *Engine) Start() (StepSpec, error) {
	return e.graph.Step(e.graph.StartID)
}

// Step looks up a step by id in the engine's graph.
func (e *Engine) Step(id string) (StepSpec, error) {
	return e.graph.Step(id)
}

// Enter evaluates on_enter then on_turn_complete actions for step and
// resolves the next step to visit. A step with no move action and no
// Terminal flag is treated as an implicit dead end (Terminated=true) rather
// than looping forever, since a well-formed graph always gives every
// non-terminal step a move action.
func (e *Engine) Enter(ctx context.Context, state WalkState, step StepSpec) (StepResult, error) {
	if step.Terminal {
		return StepResult{Step: step, Terminated: true}, nil
	}

	dataPatch := map[string]any{}
	var targetStepID string

	for _, trigger := range [...]Trigger{TriggerOnEnter, TriggerOnTurnComplete} {
		target, patch, err := e.evaluateActions(ctx, trigger, state, step, step.Events[trigger])
		if err != nil {
			return StepResult{}, err
		}
		maps.Copy(dataPatch, patch)
		if target != "" {
			targetStepID = target
		}
	}

	if targetStepID == "" {
		return StepResult{Step: step, DataPatch: dataPatch, Terminated: true}, nil
	}
	return StepResult{Step: step, DataPatch: dataPatch, ToStepID: targetStepID}, nil
}

func (e *Engine) evaluateActions(ctx context.Context, trigger Trigger, state WalkState, step StepSpec, actions []Action) (string, map[string]any, error) {
	var targetStepID string
	dataPatch := map[string]any{}

	for _, action := range actions {
		if targetStepID == "" && isTransitionAction(action.Kind) {
			target, err := e.resolveTransitionTarget(step, action)
			if err != nil {
				return "", nil, err
			}
			targetStepID = target
			continue
		}
		if action.Kind == ActionComplete {
			continue
		}

		callback, ok := e.callbacks.Get(action.Kind)
		if !ok {
			continue
		}
		res, err := callback.Execute(ctx, ActionInput{Trigger: trigger, State: state, Step: step, Action: action})
		if err != nil {
			return "", nil, fmt.Errorf("engine: action %s on step %s: %w", action.Kind, step.ID, err)
		}
		maps.Copy(dataPatch, res.DataPatch)
	}

	return targetStepID, dataPatch, nil
}

func (e *Engine) resolveTransitionTarget(step StepSpec, action Action) (string, error) {
	switch action.Kind {
	case ActionMoveToNext:
		next, ok := e.graph.Next(step)
		if !ok {
			return "", nil
		}
		return next.ID, nil
	case ActionMoveToStep:
		if action.MoveToStep == nil || action.MoveToStep.StepID == "" {
			return "", fmt.Errorf("move_to_step missing target step_id")
		}
		if _, err := e.graph.Step(action.MoveToStep.StepID); err != nil {
			return "", err
		}
		return action.MoveToStep.StepID, nil
	default:
		return "", nil
	}
}

func isTransitionAction(kind ActionKind) bool {
	return kind == ActionMoveToNext || kind == ActionMoveToStep
}
