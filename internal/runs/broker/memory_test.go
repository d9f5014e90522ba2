package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/runorchestrator/internal/runs"
)

func TestMemoryBrokerDeliversSubmittedJob(t *testing.T) {
	b := NewMemoryBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := b.Consume(ctx)
	require.NoError(t, err)

	b.Submit(runs.Job{RunID: "run-1"})

	select {
	case d := <-deliveries:
		assert.Equal(t, "run-1", d.Job.RunID)
		assert.NoError(t, d.Ack())
	case <-time.After(time.Second):
		t.Fatal("job was never delivered")
	}
}

func TestMemoryBrokerNakRequeues(t *testing.T) {
	b := NewMemoryBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := b.Consume(ctx)
	require.NoError(t, err)

	b.Submit(runs.Job{RunID: "run-2"})

	var firstDelivery Delivery
	select {
	case firstDelivery = <-deliveries:
	case <-time.After(time.Second):
		t.Fatal("first delivery never arrived")
	}
	require.NoError(t, firstDelivery.Nak())

	select {
	case redelivered := <-deliveries:
		assert.Equal(t, "run-2", redelivered.Job.RunID)
	case <-time.After(time.Second):
		t.Fatal("job was not redelivered after Nak")
	}
}

func TestMemoryBrokerConsumeStopsOnContextCancel(t *testing.T) {
	b := NewMemoryBroker()
	ctx, cancel := context.WithCancel(context.Background())

	deliveries, err := b.Consume(ctx)
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-deliveries:
		assert.False(t, ok, "deliveries channel should close after context cancel")
	case <-time.After(time.Second):
		t.Fatal("deliveries channel did not close after context cancel")
	}
}

func TestMemoryBrokerClose(t *testing.T) {
	b := NewMemoryBroker()
	assert.NoError(t, b.Close())
}
