// Package bus provides the publish/subscribe abstraction the Streaming Bus
// and Task Broker are built on: a small interface with a NATS-backed
// implementation for production and an in-memory implementation for tests
// and single-binary deployments.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a message carried on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent builds an Event with a fresh id and current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes one received Event.
type Handler func(ctx context.Context, event *Event) error

// Subscription is a live subscription that can be cancelled.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the minimal pub/sub contract the orchestrator needs: fan-out
// subscriptions (every subscriber gets every matching event) and queue
// subscriptions (exactly one subscriber in the named group gets each event,
// for load-balanced consumption across worker processes).
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	QueueSubscribe(subject, queue string, handler Handler) (Subscription, error)
	Close()
	IsConnected() bool
}
