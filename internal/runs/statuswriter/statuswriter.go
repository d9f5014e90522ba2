// Package statuswriter implements the Status Writer (STW): a small utility
// that writes a run's terminal state into the State Store with bounded
// retries, adapted from the scheduler's RetryTask exponential-backoff idiom.
package statuswriter

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/runorchestrator/internal/common/logger"
	"github.com/kandev/runorchestrator/internal/runs"
	"github.com/kandev/runorchestrator/internal/runs/store"
)

// Config holds the retry policy; SPEC_FULL.md §9 makes the source's
// hard-coded (3, exponential-base-0.5s) values configurable.
type Config struct {
	Retries   int
	BaseDelay time.Duration
}

// StatusWriter writes terminal run state with retries and a read-back
// verification, per SPEC_FULL.md §4.4.
type StatusWriter struct {
	store  store.Store
	cfg    Config
	logger *logger.Logger

	// sleep is overridable in tests so retry backoff doesn't slow the suite.
	sleep func(time.Duration)
}

// New builds a StatusWriter over store using cfg's retry policy.
func New(s store.Store, cfg Config, log *logger.Logger) *StatusWriter {
	return &StatusWriter{store: s, cfg: cfg, logger: log, sleep: time.Sleep}
}

// Write attempts to persist the terminal state, retrying transient failures
// with exponential backoff up to cfg.Retries attempts. It returns true if
// the write (eventually) succeeded, false only once every attempt failed.
// Calling Write twice with identical arguments produces identical State
// Store state (SPEC_FULL.md §8, STW idempotence law) because WriteTerminal
// only writes a row that has no completion timestamp yet; a second call
// finds the row frozen and leaves it unchanged.
func (w *StatusWriter) Write(ctx context.Context, runID string, status runs.Status, errMsg string, completedAt time.Time, events []json.RawMessage) bool {
	delay := w.cfg.BaseDelay

	var lastErr error
	for attempt := 1; attempt <= w.cfg.Retries; attempt++ {
		lastErr = w.store.WriteTerminal(ctx, runID, status, errMsg, completedAt, events)
		if lastErr == nil {
			w.verify(ctx, runID, status)
			return true
		}

		w.logger.Warn("statuswriter: terminal write failed, retrying",
			zap.String("run_id", runID), zap.Int("attempt", attempt), zap.Error(lastErr))

		if attempt < w.cfg.Retries {
			w.sleep(delay)
			delay *= 2
		}
	}

	w.logger.Error("statuswriter: terminal write exhausted retries",
		zap.String("run_id", runID), zap.Error(lastErr))
	return false
}

// verify reads the row back and logs a warning on mismatch; it never fails
// the write, per SPEC_FULL.md §4.4.
func (w *StatusWriter) verify(ctx context.Context, runID string, want runs.Status) {
	got, err := w.store.Get(ctx, runID)
	if err != nil {
		w.logger.Warn("statuswriter: read-back failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	if got == nil || got.Status != want {
		w.logger.Warn("statuswriter: read-back status mismatch",
			zap.String("run_id", runID), zap.String("want", string(want)))
	}
}
