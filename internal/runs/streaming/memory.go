package streaming

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kandev/runorchestrator/internal/events/bus"
)

// entry is a TTL-bearing value. expiresAt.IsZero() means "never expires".
type entry struct {
	value     string
	expiresAt time.Time
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryBus implements Bus entirely in-process: a mutex-guarded map for
// locks and heartbeats (grounded on the per-session sync.Map-of-mutexes
// discipline the agent executor uses for its own concurrency control), a
// slice-backed response list per namespace, and the shared in-memory
// EventBus for notification/control pub-sub. An optional SQLite sink
// receives a copy of every appended response. The sink is write-only:
// NewMemoryBus does not load it, so response lists start empty after a
// process restart, and no TTL is applied to the sink's rows.
type MemoryBus struct {
	mu        sync.Mutex
	kv        map[string]entry
	responses map[string][]json.RawMessage

	pubsub *bus.MemoryEventBus

	sink *sql.DB // optional, may be nil
}

// NewMemoryBus constructs a MemoryBus. If sinkPath is non-empty, response
// lists are additionally persisted to a SQLite database at that path.
func NewMemoryBus(pubsub *bus.MemoryEventBus, sinkPath string) (*MemoryBus, error) {
	b := &MemoryBus{
		kv:        make(map[string]entry),
		responses: make(map[string][]json.RawMessage),
		pubsub:    pubsub,
	}

	if sinkPath != "" {
		db, err := sql.Open("sqlite3", sinkPath)
		if err != nil {
			return nil, fmt.Errorf("streaming: open sqlite sink: %w", err)
		}
		if _, err := db.Exec(`
			CREATE TABLE IF NOT EXISTS run_responses (
				namespace TEXT NOT NULL,
				seq INTEGER NOT NULL,
				payload TEXT NOT NULL,
				PRIMARY KEY (namespace, seq)
			)
		`); err != nil {
			db.Close()
			return nil, fmt.Errorf("streaming: init sqlite sink schema: %w", err)
		}
		b.sink = db
	}

	return b, nil
}

// lockKey and heartbeatKey mirror the key layout from SPEC_FULL.md §6 so the
// two Bus implementations are operationally interchangeable in logs/debugging.
func lockKey(namespace string) string         { return "run_lock:" + namespace }
func heartbeatKey(instance, namespace string) string { return "active_run:" + instance + ":" + namespace }

func (b *MemoryBus) AcquireLock(_ context.Context, namespace, instanceID string, ttl time.Duration) (string, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := lockKey(namespace)
	now := time.Now()
	if existing, ok := b.kv[key]; ok && !existing.expired(now) {
		return existing.value, existing.value == instanceID, nil
	}

	b.kv[key] = entry{value: instanceID, expiresAt: now.Add(ttl)}
	return instanceID, true, nil
}

func (b *MemoryBus) RefreshLock(_ context.Context, namespace, instanceID string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := lockKey(namespace)
	existing, ok := b.kv[key]
	if !ok || existing.value != instanceID {
		return fmt.Errorf("streaming: refresh lock: %s is not held by %s", namespace, instanceID)
	}
	existing.expiresAt = time.Now().Add(ttl)
	b.kv[key] = existing
	return nil
}

func (b *MemoryBus) ReleaseLock(_ context.Context, namespace string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.kv, lockKey(namespace))
	return nil
}

func (b *MemoryBus) WriteHeartbeat(_ context.Context, namespace, instanceID string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.kv[heartbeatKey(instanceID, namespace)] = entry{value: "running", expiresAt: time.Now().Add(ttl)}
	return nil
}

func (b *MemoryBus) RefreshHeartbeat(ctx context.Context, namespace, instanceID string, ttl time.Duration) error {
	return b.WriteHeartbeat(ctx, namespace, instanceID, ttl)
}

func (b *MemoryBus) DeleteHeartbeat(_ context.Context, namespace, instanceID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.kv, heartbeatKey(instanceID, namespace))
	return nil
}

func (b *MemoryBus) AppendResponse(_ context.Context, namespace string, payload json.RawMessage) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.responses[namespace] = append(b.responses[namespace], payload)
	seq := uint64(len(b.responses[namespace]))

	if b.sink != nil {
		if _, err := b.sink.Exec(
			`INSERT OR REPLACE INTO run_responses (namespace, seq, payload) VALUES (?, ?, ?)`,
			namespace, seq, string(payload),
		); err != nil {
			return seq, fmt.Errorf("streaming: persist response to sqlite sink: %w", err)
		}
	}

	return seq, nil
}

func (b *MemoryBus) ReadResponses(_ context.Context, namespace string, fromSeq uint64) ([]json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	all := b.responses[namespace]
	if fromSeq >= uint64(len(all)) {
		return nil, nil
	}
	out := make([]json.RawMessage, len(all)-int(fromSeq))
	copy(out, all[fromSeq:])
	return out, nil
}

// ExpireResponses is a no-op: the in-memory list already lives only as long
// as the process does, and rows in the optional SQLite sink are not expired
// either. It is kept as a method so callers don't need to special-case the
// implementation.
func (b *MemoryBus) ExpireResponses(context.Context, string, time.Duration) error {
	return nil
}

func (b *MemoryBus) PublishNotification(ctx context.Context, namespace string) error {
	return b.pubsub.Publish(ctx, "agent_run."+namespace+".new_response", bus.NewEvent("new_response", "streaming-bus", nil))
}

func (b *MemoryBus) SubscribeNotifications(_ context.Context, namespace string, handler func()) (Subscription, error) {
	sub, err := b.pubsub.Subscribe("agent_run."+namespace+".new_response", func(_ context.Context, _ *bus.Event) error {
		handler()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return busSubscription{sub}, nil
}

func (b *MemoryBus) PublishControl(ctx context.Context, namespace, instanceID, payload string) error {
	subject := controlSubject(namespace, instanceID)
	return b.pubsub.Publish(ctx, subject, bus.NewEvent("control", "streaming-bus", map[string]interface{}{"payload": payload}))
}

func (b *MemoryBus) SubscribeControl(_ context.Context, namespace, instanceID string, handler ControlHandler) (Subscription, error) {
	subject := controlSubject(namespace, instanceID)
	sub, err := b.pubsub.Subscribe(subject, func(_ context.Context, e *bus.Event) error {
		payload, _ := e.Data["payload"].(string)
		handler(payload)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return busSubscription{sub}, nil
}

func (b *MemoryBus) Close() error {
	if b.sink != nil {
		return b.sink.Close()
	}
	return nil
}

func controlSubject(namespace, instanceID string) string {
	if instanceID == "" {
		return "agent_run." + namespace + ".control"
	}
	return "agent_run." + namespace + ".control." + instanceID
}

// busSubscription adapts a bus.Subscription to streaming.Subscription.
type busSubscription struct {
	sub bus.Subscription
}

func (s busSubscription) Unsubscribe() error {
	return s.sub.Unsubscribe()
}
