package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBus implements Bus over NATS JetStream: KV buckets provide the
// atomic set-if-absent-with-TTL semantics for locks and heartbeats, and a
// per-run JetStream stream backs the append-only, replayable response list.
// Notification and control channels use core NATS publish/subscribe, since
// they need no durability beyond "while a worker is listening".
type NATSBus struct {
	nc *nats.Conn
	js nats.JetStreamContext

	locks      nats.KeyValue
	heartbeats nats.KeyValue

	lockTTL      time.Duration
	heartbeatTTL time.Duration
}

// NATSBusConfig configures bucket names and default TTLs. Per-bucket TTL in
// NATS JetStream KV resets the clock on every write to a key, which is
// exactly the "refreshed periodically" semantics locks and heartbeats need.
type NATSBusConfig struct {
	LockBucket      string
	HeartbeatBucket string
	LockTTL         time.Duration
	HeartbeatTTL    time.Duration
}

// NewNATSBus connects the KV buckets (creating them if absent) on an
// existing NATS connection.
func NewNATSBus(nc *nats.Conn, cfg NATSBusConfig) (*NATSBus, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("streaming: jetstream context: %w", err)
	}

	locks, err := ensureKV(js, cfg.LockBucket, cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	heartbeats, err := ensureKV(js, cfg.HeartbeatBucket, cfg.HeartbeatTTL)
	if err != nil {
		return nil, err
	}

	return &NATSBus{
		nc: nc, js: js,
		locks: locks, heartbeats: heartbeats,
		lockTTL: cfg.LockTTL, heartbeatTTL: cfg.HeartbeatTTL,
	}, nil
}

func ensureKV(js nats.JetStreamContext, bucket string, ttl time.Duration) (nats.KeyValue, error) {
	kv, err := js.KeyValue(bucket)
	if err == nil {
		return kv, nil
	}
	if !errors.Is(err, nats.ErrBucketNotFound) {
		return nil, fmt.Errorf("streaming: lookup KV bucket %s: %w", bucket, err)
	}
	kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket, TTL: ttl})
	if err != nil {
		return nil, fmt.Errorf("streaming: create KV bucket %s: %w", bucket, err)
	}
	return kv, nil
}

func (b *NATSBus) AcquireLock(_ context.Context, namespace, instanceID string, ttl time.Duration) (string, bool, error) {
	_, err := b.locks.Create(namespace, []byte(instanceID))
	if err == nil {
		return instanceID, true, nil
	}
	if !errors.Is(err, nats.ErrKeyExists) {
		return "", false, fmt.Errorf("streaming: acquire lock %s: %w", namespace, err)
	}

	existing, getErr := b.locks.Get(namespace)
	if getErr != nil {
		if errors.Is(getErr, nats.ErrKeyNotFound) {
			// Raced: the holder's entry expired between our Create and Get.
			// Retry once, per SPEC_FULL.md §4.1's claim algorithm.
			if _, createErr := b.locks.Create(namespace, []byte(instanceID)); createErr == nil {
				return instanceID, true, nil
			}
			return "", false, nil
		}
		return "", false, fmt.Errorf("streaming: read lock holder %s: %w", namespace, getErr)
	}
	return string(existing.Value()), false, nil
}

func (b *NATSBus) RefreshLock(_ context.Context, namespace, instanceID string, _ time.Duration) error {
	_, err := b.locks.Put(namespace, []byte(instanceID))
	if err != nil {
		return fmt.Errorf("streaming: refresh lock %s: %w", namespace, err)
	}
	return nil
}

func (b *NATSBus) ReleaseLock(_ context.Context, namespace string) error {
	if err := b.locks.Delete(namespace); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("streaming: release lock %s: %w", namespace, err)
	}
	return nil
}

func (b *NATSBus) WriteHeartbeat(_ context.Context, namespace, instanceID string, _ time.Duration) error {
	if _, err := b.heartbeats.Put(heartbeatKey(instanceID, namespace), []byte("running")); err != nil {
		return fmt.Errorf("streaming: write heartbeat: %w", err)
	}
	return nil
}

func (b *NATSBus) RefreshHeartbeat(ctx context.Context, namespace, instanceID string, ttl time.Duration) error {
	return b.WriteHeartbeat(ctx, namespace, instanceID, ttl)
}

func (b *NATSBus) DeleteHeartbeat(_ context.Context, namespace, instanceID string) error {
	if err := b.heartbeats.Delete(heartbeatKey(instanceID, namespace)); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("streaming: delete heartbeat: %w", err)
	}
	return nil
}

func responseStreamName(namespace string) string {
	return "RESPONSES_" + sanitizeForStream(namespace)
}

func responseSubject(namespace string) string {
	return "agent_run." + namespace + ".responses"
}

// sanitizeForStream replaces characters JetStream stream names forbid
// (spaces, '.', '>', '*') with '_'; run ids are uuids so this is rarely
// exercised, but namespaces can be caller-supplied aliases.
func sanitizeForStream(namespace string) string {
	out := make([]rune, 0, len(namespace))
	for _, r := range namespace {
		switch r {
		case ' ', '.', '>', '*':
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	return string(out)
}

// ensureResponseStream creates the per-run stream on first append. Runs are
// short-lived relative to a worker's uptime, so streams are created lazily
// rather than up front for every possible run id.
func (b *NATSBus) ensureResponseStream(namespace string) error {
	name := responseStreamName(namespace)
	if _, err := b.js.StreamInfo(name); err == nil {
		return nil
	}
	_, err := b.js.AddStream(&nats.StreamConfig{
		Name:     name,
		Subjects: []string{responseSubject(namespace)},
		Storage:  nats.FileStorage,
		// MaxAge is left unset (0 = unlimited) while the run is active;
		// ExpireResponses tightens it to T_RESP at cleanup.
	})
	if err != nil {
		return fmt.Errorf("streaming: create response stream for %s: %w", namespace, err)
	}
	return nil
}

func (b *NATSBus) AppendResponse(_ context.Context, namespace string, payload json.RawMessage) (uint64, error) {
	if err := b.ensureResponseStream(namespace); err != nil {
		return 0, err
	}
	ack, err := b.js.Publish(responseSubject(namespace), payload)
	if err != nil {
		return 0, fmt.Errorf("streaming: append response: %w", err)
	}
	return ack.Sequence, nil
}

func (b *NATSBus) ReadResponses(_ context.Context, namespace string, fromSeq uint64) ([]json.RawMessage, error) {
	name := responseStreamName(namespace)
	info, err := b.js.StreamInfo(name)
	if err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("streaming: stream info for %s: %w", namespace, err)
	}

	var out []json.RawMessage
	for seq := fromSeq + 1; seq <= info.State.LastSeq; seq++ {
		msg, err := b.js.GetMsg(name, seq)
		if err != nil {
			if errors.Is(err, nats.ErrMsgNotFound) {
				continue // expired or deleted between StreamInfo and GetMsg
			}
			return nil, fmt.Errorf("streaming: get response seq %d: %w", seq, err)
		}
		out = append(out, json.RawMessage(msg.Data))
	}
	return out, nil
}

func (b *NATSBus) ExpireResponses(_ context.Context, namespace string, ttl time.Duration) error {
	name := responseStreamName(namespace)
	info, err := b.js.StreamInfo(name)
	if err != nil {
		if errors.Is(err, nats.ErrStreamNotFound) {
			return nil
		}
		return fmt.Errorf("streaming: stream info for %s: %w", namespace, err)
	}
	cfg := info.Config
	cfg.MaxAge = ttl
	if _, err := b.js.UpdateStream(&cfg); err != nil {
		return fmt.Errorf("streaming: set response list TTL for %s: %w", namespace, err)
	}
	return nil
}

func (b *NATSBus) PublishNotification(_ context.Context, namespace string) error {
	if err := b.nc.Publish("agent_run."+namespace+".new_response", []byte("new")); err != nil {
		return fmt.Errorf("streaming: publish notification: %w", err)
	}
	return nil
}

func (b *NATSBus) SubscribeNotifications(_ context.Context, namespace string, handler func()) (Subscription, error) {
	sub, err := b.nc.Subscribe("agent_run."+namespace+".new_response", func(*nats.Msg) {
		handler()
	})
	if err != nil {
		return nil, fmt.Errorf("streaming: subscribe notifications: %w", err)
	}
	return natsSub{sub}, nil
}

func (b *NATSBus) PublishControl(_ context.Context, namespace, instanceID, payload string) error {
	if err := b.nc.Publish(controlSubject(namespace, instanceID), []byte(payload)); err != nil {
		return fmt.Errorf("streaming: publish control: %w", err)
	}
	return nil
}

func (b *NATSBus) SubscribeControl(_ context.Context, namespace, instanceID string, handler ControlHandler) (Subscription, error) {
	sub, err := b.nc.Subscribe(controlSubject(namespace, instanceID), func(msg *nats.Msg) {
		handler(string(msg.Data))
	})
	if err != nil {
		return nil, fmt.Errorf("streaming: subscribe control: %w", err)
	}
	return natsSub{sub}, nil
}

func (b *NATSBus) Close() error {
	return nil // the shared *nats.Conn is owned and closed by the caller
}

type natsSub struct {
	sub *nats.Subscription
}

func (s natsSub) Unsubscribe() error {
	return s.sub.Unsubscribe()
}
