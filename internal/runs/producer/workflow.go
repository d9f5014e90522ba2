package producer

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kandev/runorchestrator/internal/common/logger"
	"github.com/kandev/runorchestrator/internal/runs"
	"github.com/kandev/runorchestrator/internal/workflow/engine"
)

// WorkflowProducer drives a compiled workflow graph to completion, yielding
// one workflow_status event per step entered and a terminal event when the
// walk reaches a step with no further transition, adapted from the
// platform's workflow engine driven start-to-finish instead of one trigger
// at a time from a persisted, human-editable session.
type WorkflowProducer struct {
	logger *logger.Logger
}

// NewWorkflowProducer builds a WorkflowProducer.
func NewWorkflowProducer(log *logger.Logger) *WorkflowProducer {
	return &WorkflowProducer{logger: log}
}

func (p *WorkflowProducer) Open(ctx context.Context, job runs.Job) (<-chan runs.Event, error) {
	if len(job.WorkflowDefinition) == 0 {
		return nil, fmt.Errorf("producer: run %s has no workflow definition", job.RunID)
	}

	graph, err := engine.Compile(job.WorkflowDefinition)
	if err != nil {
		return nil, fmt.Errorf("producer: compile workflow for run %s: %w", job.RunID, err)
	}

	eng := engine.New(graph, engine.DefaultRegistry())
	start, err := eng.Start()
	if err != nil {
		return nil, fmt.Errorf("producer: resolve start step for run %s: %w", job.RunID, err)
	}

	out := make(chan runs.Event)
	go p.walk(ctx, job, eng, start, out)
	return out, nil
}

func (p *WorkflowProducer) walk(ctx context.Context, job runs.Job, eng *engine.Engine, start engine.StepSpec, out chan<- runs.Event) {
	defer close(out)

	state := engine.WalkState{CurrentStepID: start.ID, Data: map[string]any{}}
	step := start

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result, err := eng.Enter(ctx, state, step)
		if err != nil {
			p.logger.Error("producer: workflow step failed", zap.String("run_id", job.RunID), zap.String("step_id", step.ID), zap.Error(err))
			out <- runs.NewTerminalEvent(job.Kind, runs.StatusFailed, err.Error())
			return
		}
		for k, v := range result.DataPatch {
			state.Data[k] = v
		}

		ev := runs.Event{Type: "workflow_status", Status: "running", Message: fmt.Sprintf("entered step %s", step.ID)}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}

		if result.Terminated {
			out <- runs.NewTerminalEvent(job.Kind, runs.StatusCompleted, fmt.Sprintf("workflow completed at step %s", step.ID))
			return
		}

		next, err := eng.Step(result.ToStepID)
		if err != nil {
			p.logger.Error("producer: workflow transition failed", zap.String("run_id", job.RunID), zap.Error(err))
			out <- runs.NewTerminalEvent(job.Kind, runs.StatusFailed, err.Error())
			return
		}
		state.CurrentStepID = next.ID
		step = next
	}
}

// Close is a no-op: a workflow walk holds no external resources.
func (p *WorkflowProducer) Close() error { return nil }
