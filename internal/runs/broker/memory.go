package broker

import (
	"context"
	"sync"

	"github.com/kandev/runorchestrator/internal/runs"
)

// MemoryBroker is an in-process Broker for tests: Submit enqueues a job,
// Consume delivers it exactly once per Submit unless the delivery is Nak'd,
// in which case it is requeued — approximating JetStream's redelivery
// behaviour without a network dependency.
type MemoryBroker struct {
	mu     sync.Mutex
	queue  []runs.Job
	notify chan struct{}
	closed bool
}

// NewMemoryBroker constructs an empty MemoryBroker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{notify: make(chan struct{}, 1)}
}

// Submit enqueues a job for delivery.
func (b *MemoryBroker) Submit(job runs.Job) {
	b.mu.Lock()
	b.queue = append(b.queue, job)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *MemoryBroker) requeue(job runs.Job) {
	b.mu.Lock()
	b.queue = append(b.queue, job)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *MemoryBroker) Consume(ctx context.Context) (<-chan Delivery, error) {
	out := make(chan Delivery)

	go func() {
		defer close(out)
		for {
			b.mu.Lock()
			if len(b.queue) == 0 {
				b.mu.Unlock()
				select {
				case <-ctx.Done():
					return
				case <-b.notify:
					continue
				}
			}
			job := b.queue[0]
			b.queue = b.queue[1:]
			b.mu.Unlock()

			delivery := Delivery{
				Job:  job,
				Ack:  func() error { return nil },
				Nak:  func() error { b.requeue(job); return nil },
			}

			select {
			case out <- delivery:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
