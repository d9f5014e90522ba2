// Package producer defines the Event Producer (EP) contract and its two
// adapters (agent, workflow). An EP is whatever drives the underlying LLM or
// workflow engine and yields the sequence of events the Run Coordinator
// relays onto the Streaming Bus.
package producer

import (
	"context"

	"github.com/kandev/runorchestrator/internal/runs"
)

// Producer opens one run's event sequence. Open returns a channel that is
// closed when the sequence ends, whether by an explicit terminal event,
// implicit end-of-stream, context cancellation, or an internal failure; the
// caller (the Run Coordinator's drive loop) distinguishes these cases by
// inspecting the last event read (if any) and the error Open/the channel
// close implies, per SPEC_FULL.md §4.1's drive-loop state machine.
type Producer interface {
	// Open starts driving the run and returns its event channel. It returns
	// an error only for setup failures that occur before any event could be
	// produced (e.g. the container image can't be resolved); once the
	// channel is returned, all further failures surface as a final event on
	// that channel rather than a second error return.
	Open(ctx context.Context, job runs.Job) (<-chan runs.Event, error)

	// Close releases any resources the producer holds (a container, a
	// background goroutine) that Open's context cancellation alone might
	// not have torn down synchronously. Safe to call after the channel from
	// Open has closed.
	Close() error
}
