package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/kandev/runorchestrator/internal/common/logger"
	"github.com/kandev/runorchestrator/internal/runs"
)

const fetchWait = 2 * time.Second

// NATSBroker consumes run-start jobs from a JetStream durable pull
// consumer.
type NATSBroker struct {
	sub        *nats.Subscription
	fetchBatch int
	logger     *logger.Logger
}

// NATSBrokerConfig names the stream, subject, and durable consumer this
// broker binds to. The stream and subject are provisioned by the platform's
// job-submission path (out of scope here); this package only binds a
// consumer to an existing stream.
type NATSBrokerConfig struct {
	Stream      string
	Subject     string
	DurableName string
	FetchBatch  int
}

// NewNATSBroker binds a durable pull consumer on an existing JetStream
// connection.
func NewNATSBroker(nc *nats.Conn, cfg NATSBrokerConfig, log *logger.Logger) (*NATSBroker, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("broker: jetstream context: %w", err)
	}

	sub, err := js.PullSubscribe(cfg.Subject, cfg.DurableName, nats.BindStream(cfg.Stream))
	if err != nil {
		return nil, fmt.Errorf("broker: pull subscribe %s/%s: %w", cfg.Stream, cfg.DurableName, err)
	}

	fetchBatch := cfg.FetchBatch
	if fetchBatch <= 0 {
		fetchBatch = 1
	}

	return &NATSBroker{sub: sub, fetchBatch: fetchBatch, logger: log}, nil
}

func (b *NATSBroker) Consume(ctx context.Context) (<-chan Delivery, error) {
	out := make(chan Delivery)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			msgs, err := b.sub.Fetch(b.fetchBatch, nats.MaxWait(fetchWait))
			if err != nil {
				if err == nats.ErrTimeout || err == context.DeadlineExceeded {
					continue
				}
				b.logger.Error("broker: fetch failed", zap.Error(err))
				continue
			}

			for _, msg := range msgs {
				var job runs.Job
				if err := json.Unmarshal(msg.Data, &job); err != nil {
					b.logger.Error("broker: malformed job, dropping", zap.Error(err))
					_ = msg.Ack() // a malformed message will never become well-formed; don't redeliver forever
					continue
				}

				m := msg
				select {
				case out <- Delivery{Job: job, Ack: m.Ack, Nak: func() error { return m.Nak() }}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (b *NATSBroker) Close() error {
	return b.sub.Unsubscribe()
}
