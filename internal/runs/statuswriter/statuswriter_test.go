package statuswriter

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/runorchestrator/internal/common/logger"
	"github.com/kandev/runorchestrator/internal/runs"
	"github.com/kandev/runorchestrator/internal/runs/store"
)

func TestStatusWriterWriteSucceedsFirstTry(t *testing.T) {
	st := store.NewMemoryStore()
	w := New(st, Config{Retries: 3, BaseDelay: time.Millisecond}, logger.Default())
	w.sleep = func(time.Duration) {}

	ok := w.Write(context.Background(), "run-1", runs.StatusCompleted, "", time.Now(), nil)
	require.True(t, ok, "Write should succeed on a healthy store")

	row, err := st.Get(context.Background(), "run-1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, runs.StatusCompleted, row.Status)
}

func TestStatusWriterRetriesThenSucceeds(t *testing.T) {
	inner := store.NewMemoryStore()
	var calls int32
	fs := &flakyWriteStore{inner: inner, failUntil: 2, calls: &calls}

	w := New(fs, Config{Retries: 3, BaseDelay: time.Millisecond}, logger.Default())
	w.sleep = func(time.Duration) {}

	ok := w.Write(context.Background(), "run-2", runs.StatusFailed, "boom", time.Now(), nil)
	require.True(t, ok, "Write should eventually succeed")
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls), "want 2 failures + 1 success")

	row, err := inner.Get(context.Background(), "run-2")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, runs.StatusFailed, row.Status)
	require.NotNil(t, row.Error)
	assert.Equal(t, "boom", *row.Error)
}

func TestStatusWriterExhaustsRetries(t *testing.T) {
	inner := store.NewMemoryStore()
	var calls int32
	fs := &flakyWriteStore{inner: inner, failUntil: 100, calls: &calls}

	w := New(fs, Config{Retries: 3, BaseDelay: time.Millisecond}, logger.Default())
	w.sleep = func(time.Duration) {}

	ok := w.Write(context.Background(), "run-3", runs.StatusCompleted, "", time.Now(), nil)
	assert.False(t, ok, "Write should fail after exhausting retries")
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls), "want exactly Retries attempts")
}

func TestStatusWriterIdempotentOverwrite(t *testing.T) {
	st := store.NewMemoryStore()
	w := New(st, Config{Retries: 1, BaseDelay: time.Millisecond}, logger.Default())
	w.sleep = func(time.Duration) {}

	completedAt := time.Now()
	w.Write(context.Background(), "run-4", runs.StatusCompleted, "", completedAt, nil)
	w.Write(context.Background(), "run-4", runs.StatusCompleted, "", completedAt, nil)

	row, err := st.Get(context.Background(), "run-4")
	require.NoError(t, err)
	assert.Equal(t, runs.StatusCompleted, row.Status)
}

// flakyWriteStore implements store.Store, failing WriteTerminal until
// failUntil calls have been made.
type flakyWriteStore struct {
	inner     *store.MemoryStore
	calls     *int32
	failUntil int32
}

func (s *flakyWriteStore) Get(ctx context.Context, runID string) (*runs.Run, error) {
	return s.inner.Get(ctx, runID)
}

func (s *flakyWriteStore) MarkRunning(ctx context.Context, job runs.Job, startedAt time.Time) error {
	return s.inner.MarkRunning(ctx, job, startedAt)
}

func (s *flakyWriteStore) WriteTerminal(ctx context.Context, runID string, status runs.Status, errMsg string, completedAt time.Time, events []json.RawMessage) error {
	n := atomic.AddInt32(s.calls, 1)
	if n <= s.failUntil {
		return errors.New("simulated transient write failure")
	}
	return s.inner.WriteTerminal(ctx, runID, status, errMsg, completedAt, events)
}
