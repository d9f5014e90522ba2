// Package streaming implements the Streaming Bus (SB): atomic
// set-if-absent-with-TTL locks, an append-only per-run response list with a
// TTL applied at cleanup, and publish/subscribe notification and control
// channels. Two implementations exist: JetStream KV and streams back a
// production deployment (nats.go), and an in-process map backs
// single-binary/test deployments (memory.go).
package streaming

import (
	"context"
	"encoding/json"
	"time"
)

// Subscription is a live subscription to a notification or control channel.
type Subscription interface {
	Unsubscribe() error
}

// ControlHandler receives one control-channel payload (STOP, END_STREAM, or
// ERROR).
type ControlHandler func(payload string)

// Bus is the Streaming Bus contract every Run Coordinator component is built
// against.
type Bus interface {
	// AcquireLock atomically sets run_lock:<namespace> = instanceID with the
	// given TTL, only if absent. acquired is true iff this call won
	// ownership; holder is always the current holder's instance id (equal
	// to instanceID when acquired is true).
	AcquireLock(ctx context.Context, namespace, instanceID string, ttl time.Duration) (holder string, acquired bool, err error)

	// RefreshLock extends the TTL on a lock this instance already holds.
	RefreshLock(ctx context.Context, namespace, instanceID string, ttl time.Duration) error

	// ReleaseLock deletes the lock. Called unconditionally during cleanup;
	// deleting a key that is already gone (e.g. TTL already expired) is not
	// an error.
	ReleaseLock(ctx context.Context, namespace string) error

	// WriteHeartbeat sets active_run:<instanceID>:<namespace> with the given
	// TTL.
	WriteHeartbeat(ctx context.Context, namespace, instanceID string, ttl time.Duration) error

	// RefreshHeartbeat extends the TTL on an existing heartbeat key.
	RefreshHeartbeat(ctx context.Context, namespace, instanceID string, ttl time.Duration) error

	// DeleteHeartbeat removes the heartbeat key during cleanup.
	DeleteHeartbeat(ctx context.Context, namespace, instanceID string) error

	// AppendResponse appends payload to agent_run:<namespace>:responses and
	// returns its 1-based position in the list.
	AppendResponse(ctx context.Context, namespace string, payload json.RawMessage) (seq uint64, err error)

	// ReadResponses returns every response appended at position > fromSeq,
	// in order. fromSeq=0 reads the whole list.
	ReadResponses(ctx context.Context, namespace string, fromSeq uint64) ([]json.RawMessage, error)

	// ExpireResponses sets the response list's TTL at cleanup time so late
	// subscribers can still replay it until ttl elapses.
	ExpireResponses(ctx context.Context, namespace string, ttl time.Duration) error

	// PublishNotification publishes "new" on agent_run:<namespace>:new_response.
	PublishNotification(ctx context.Context, namespace string) error

	// SubscribeNotifications subscribes to the notification channel.
	SubscribeNotifications(ctx context.Context, namespace string, handler func()) (Subscription, error)

	// PublishControl publishes payload on the control channel. instanceID
	// empty publishes on the global channel; non-empty targets one instance.
	PublishControl(ctx context.Context, namespace, instanceID, payload string) error

	// SubscribeControl subscribes to the control channel. instanceID empty
	// subscribes to the global channel.
	SubscribeControl(ctx context.Context, namespace, instanceID string, handler ControlHandler) (Subscription, error)

	// Close releases any resources (connections, file handles) the bus
	// holds. It does not affect already-written keys.
	Close() error
}
