// Package broker implements the Task Broker (TB): an at-least-once job
// queue carrying run-start messages. Production deployments consume from a
// NATS JetStream durable pull consumer with explicit ack/nak, generalizing
// the queue-group load-balancing idea in internal/events/bus from core
// NATS's at-most-once delivery to JetStream's at-least-once guarantee,
// which SPEC_FULL.md's Task Broker requires.
package broker

import (
	"context"

	"github.com/kandev/runorchestrator/internal/runs"
)

// Delivery wraps one Job with its acknowledgement operations. The dispatch
// loop calls Ack once the Run Coordinator's ClaimAndDrive has returned
// without error (after a claim conflict, or after the whole claimed run has
// finished), and Nak to request redelivery when ClaimAndDrive returns an
// error (SPEC_FULL.md §7 propagation policy).
type Delivery struct {
	Job runs.Job
	Ack func() error
	Nak func() error
}

// Broker is the consumer side of the Task Broker.
type Broker interface {
	// Consume returns a channel of deliveries. The channel closes when ctx
	// is cancelled; Close does not close it.
	Consume(ctx context.Context) (<-chan Delivery, error)

	// Close releases broker resources.
	Close() error
}
