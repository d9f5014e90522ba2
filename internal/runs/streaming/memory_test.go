package streaming

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/runorchestrator/internal/common/logger"
	"github.com/kandev/runorchestrator/internal/events/bus"
)

func newTestMemoryBus(t *testing.T) *MemoryBus {
	t.Helper()
	b, err := NewMemoryBus(bus.NewMemoryEventBus(logger.Default()), "")
	require.NoError(t, err)
	return b
}

func TestMemoryBusAcquireLockExclusive(t *testing.T) {
	b := newTestMemoryBus(t)
	ctx := context.Background()

	holder, acquired, err := b.AcquireLock(ctx, "ns", "inst-a", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired)
	assert.Equal(t, "inst-a", holder)

	holder, acquired, err = b.AcquireLock(ctx, "ns", "inst-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, acquired)
	assert.Equal(t, "inst-a", holder)
}

func TestMemoryBusAcquireLockExpiredIsReacquirable(t *testing.T) {
	b := newTestMemoryBus(t)
	ctx := context.Background()

	_, acquired, err := b.AcquireLock(ctx, "ns", "inst-a", time.Nanosecond)
	require.NoError(t, err)
	require.True(t, acquired)
	time.Sleep(time.Millisecond)

	holder, acquired, err := b.AcquireLock(ctx, "ns", "inst-b", time.Minute)
	require.NoError(t, err)
	require.True(t, acquired, "an expired lock must be reacquirable")
	assert.Equal(t, "inst-b", holder)
}

func TestMemoryBusReleaseLockAllowsReacquire(t *testing.T) {
	b := newTestMemoryBus(t)
	ctx := context.Background()

	b.AcquireLock(ctx, "ns", "inst-a", time.Minute)
	require.NoError(t, b.ReleaseLock(ctx, "ns"))

	_, acquired, err := b.AcquireLock(ctx, "ns", "inst-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestMemoryBusRefreshLockRejectsWrongOwner(t *testing.T) {
	b := newTestMemoryBus(t)
	ctx := context.Background()

	b.AcquireLock(ctx, "ns", "inst-a", time.Minute)
	assert.Error(t, b.RefreshLock(ctx, "ns", "inst-b", time.Minute), "RefreshLock by non-owner should fail")
	assert.NoError(t, b.RefreshLock(ctx, "ns", "inst-a", time.Minute))
}

func TestMemoryBusAppendAndReadResponses(t *testing.T) {
	b := newTestMemoryBus(t)
	ctx := context.Background()

	seq1, err := b.AppendResponse(ctx, "ns", json.RawMessage(`{"n":1}`))
	require.NoError(t, err)
	seq2, err := b.AppendResponse(ctx, "ns", json.RawMessage(`{"n":2}`))
	require.NoError(t, err)
	assert.EqualValues(t, 1, seq1)
	assert.EqualValues(t, 2, seq2)

	all, err := b.ReadResponses(ctx, "ns", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)

	tail, err := b.ReadResponses(ctx, "ns", 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.JSONEq(t, `{"n":2}`, string(tail[0]))

	beyond, err := b.ReadResponses(ctx, "ns", 5)
	require.NoError(t, err)
	assert.Empty(t, beyond)
}

func TestMemoryBusNotificationPubSub(t *testing.T) {
	b := newTestMemoryBus(t)
	ctx := context.Background()

	received := make(chan struct{}, 1)
	sub, err := b.SubscribeNotifications(ctx, "ns", func() {
		received <- struct{}{}
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.PublishNotification(ctx, "ns"))

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("notification handler was not invoked")
	}
}

func TestMemoryBusControlPubSubGlobalAndScoped(t *testing.T) {
	b := newTestMemoryBus(t)
	ctx := context.Background()

	globalCh := make(chan string, 1)
	globalSub, err := b.SubscribeControl(ctx, "ns", "", func(payload string) { globalCh <- payload })
	require.NoError(t, err)
	defer globalSub.Unsubscribe()

	scopedCh := make(chan string, 1)
	scopedSub, err := b.SubscribeControl(ctx, "ns", "inst-a", func(payload string) { scopedCh <- payload })
	require.NoError(t, err)
	defer scopedSub.Unsubscribe()

	require.NoError(t, b.PublishControl(ctx, "ns", "", "STOP"))
	select {
	case payload := <-globalCh:
		assert.Equal(t, "STOP", payload)
	case <-time.After(time.Second):
		t.Fatal("global control handler was not invoked")
	}
	select {
	case payload := <-scopedCh:
		t.Fatalf("scoped handler should not fire on global broadcast, got %q", payload)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, b.PublishControl(ctx, "ns", "inst-a", "STOP"))
	select {
	case payload := <-scopedCh:
		assert.Equal(t, "STOP", payload)
	case <-time.After(time.Second):
		t.Fatal("scoped control handler was not invoked")
	}
}

func TestMemoryBusHeartbeatWriteAndDelete(t *testing.T) {
	b := newTestMemoryBus(t)
	ctx := context.Background()

	require.NoError(t, b.WriteHeartbeat(ctx, "ns", "inst-a", time.Minute))
	require.NoError(t, b.RefreshHeartbeat(ctx, "ns", "inst-a", time.Minute))
	require.NoError(t, b.DeleteHeartbeat(ctx, "ns", "inst-a"))
}
