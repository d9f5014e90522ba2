// Package store implements the State Store (SS): the durable transactional
// record of runs, their parameters, status, terminal error, and full
// ordered response log, adapted from the platform's common database
// wrapper's WithTx helper.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kandev/runorchestrator/internal/common/database"
	"github.com/kandev/runorchestrator/internal/runs"
)

// Store is the State Store contract the Status Writer and Run Coordinator
// use. Implementations must enforce the monotone status DAG and terminal
// immutability invariants from SPEC_FULL.md §3.
type Store interface {
	// Get returns the current row for runID, or (nil, nil) if it doesn't exist.
	Get(ctx context.Context, runID string) (*runs.Run, error)

	// MarkRunning transitions a run to running and records startedAt. It is
	// a no-op (not an error) if the row is already running or terminal,
	// since a duplicate delivery that loses the lock race never reaches
	// this call, but a retried claim on the same winning instance might.
	MarkRunning(ctx context.Context, job runs.Job, startedAt time.Time) error

	// WriteTerminal rewrites status, error, completedAt, and the full
	// response list for runID. It is a no-op once the row already has a
	// completedAt, so a terminal row is never overwritten. Idempotent:
	// identical arguments produce identical state (SPEC_FULL.md §8, STW
	// idempotence law).
	WriteTerminal(ctx context.Context, runID string, status runs.Status, errMsg string, completedAt time.Time, events []json.RawMessage) error
}

// PostgresStore implements Store over PostgreSQL via pgx.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore wraps an existing DB handle.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, runID string) (*runs.Run, error) {
	row := s.db.Pool().QueryRow(ctx, `
		SELECT id, kind, thread_id, project_id, status, error, started_at, completed_at, created_at, responses
		FROM runs WHERE id = $1
	`, runID)

	var r runs.Run
	var errStr *string
	var responsesRaw []byte
	if err := row.Scan(&r.ID, &r.Kind, &r.ThreadID, &r.ProjectID, &r.Status, &errStr, &r.StartedAt, &r.CompletedAt, &r.CreatedAt, &responsesRaw); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("store: get run %s: %w", runID, err)
	}
	r.Error = errStr

	if len(responsesRaw) > 0 {
		var list []json.RawMessage
		if err := json.Unmarshal(responsesRaw, &list); err != nil {
			return nil, fmt.Errorf("store: decode responses for run %s: %w", runID, err)
		}
		r.Responses = list
	}

	return &r, nil
}

func (s *PostgresStore) MarkRunning(ctx context.Context, job runs.Job, startedAt time.Time) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE runs SET status = 'running', started_at = $2
			WHERE id = $1 AND status = 'pending'
		`, job.RunID, startedAt)
		if err != nil {
			return fmt.Errorf("store: mark running %s: %w", job.RunID, err)
		}
		if tag.RowsAffected() > 0 {
			return nil
		}

		// Row doesn't exist yet or is already past pending. Try an insert
		// for the "doesn't exist yet" case; a unique-violation means it
		// already exists in a later state, which is fine (idempotent claim
		// semantics — the lock, not this row, is the source of truth for
		// "who owns this run right now").
		_, err = tx.Exec(ctx, `
			INSERT INTO runs (id, kind, thread_id, project_id, status, started_at, created_at, responses)
			VALUES ($1, $2, $3, $4, 'running', $5, now(), '[]')
			ON CONFLICT (id) DO NOTHING
		`, job.RunID, string(job.Kind), job.ThreadID, job.ProjectID, startedAt)
		if err != nil {
			return fmt.Errorf("store: insert running row %s: %w", job.RunID, err)
		}
		return nil
	})
}

func (s *PostgresStore) WriteTerminal(ctx context.Context, runID string, status runs.Status, errMsg string, completedAt time.Time, events []json.RawMessage) error {
	payload, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("store: marshal responses for %s: %w", runID, err)
	}

	var errArg interface{}
	if errMsg != "" {
		errArg = errMsg
	}

	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		// completed_at IS NULL guards the §3 terminal-immutability invariant:
		// once a terminal status has been written, the row is frozen, so a
		// second call (duplicate STW retry, redelivered job that raced a
		// first completion) is a no-op rather than an overwrite.
		_, err := tx.Exec(ctx, `
			UPDATE runs
			SET status = $2, error = $3, completed_at = $4, responses = $5
			WHERE id = $1 AND completed_at IS NULL
		`, runID, string(status), errArg, completedAt, payload)
		if err != nil {
			return fmt.Errorf("store: write terminal for %s: %w", runID, err)
		}
		return nil
	})
}
