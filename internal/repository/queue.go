package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/raulfrk/Tappy/internal/database"
	"github.com/raulfrk/Tappy/internal/models"
)

// QueueRepository is the wake-event delay queue, backed by a Postgres
// table. There is deliberately no remove operation: edits and cancels
// never delete enqueued events, they bump the tap's validity version
// and let stale events expire into no-ops at claim time.
type QueueRepository struct {
	db *database.DB
}

func NewQueueRepository(db *database.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

func (r *QueueRepository) Enqueue(ctx context.Context, kind models.WakeKind, payload models.WakePayload, runAt time.Time) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal wake payload: %w", err)
	}
	_, err = r.db.Pool.Exec(ctx,
		`INSERT INTO wake_events (kind, payload, run_at) VALUES ($1, $2, $3)`,
		kind, body, runAt,
	)
	return err
}

// Claim atomically takes one due event using FOR UPDATE SKIP LOCKED,
// so competing listener workers never double-claim. Returns nil when
// nothing is due. Events stuck in RUNNING (worker crash) are requeued
// after five minutes.
func (r *QueueRepository) Claim(ctx context.Context, workerID string) (*models.WakeEvent, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE wake_events
		 SET status = 'PENDING', locked_by = NULL, locked_at = NULL, updated_at = now()
		 WHERE status = 'RUNNING' AND locked_at IS NOT NULL AND locked_at < now() - interval '5 minutes'`,
	); err != nil {
		return nil, err
	}

	ev := &models.WakeEvent{}
	err = tx.QueryRow(ctx,
		`WITH due AS (
		    SELECT id FROM wake_events
		    WHERE status = 'PENDING' AND run_at <= now()
		    ORDER BY run_at ASC
		    FOR UPDATE SKIP LOCKED
		    LIMIT 1
		 )
		 UPDATE wake_events
		 SET status = 'RUNNING', locked_by = $1, locked_at = now(), updated_at = now()
		 WHERE id IN (SELECT id FROM due)
		 RETURNING id, kind, payload, run_at, status, attempts, max_attempts,
		           locked_by, locked_at, last_error, created_at, updated_at`,
		workerID,
	).Scan(&ev.ID, &ev.Kind, &ev.Payload, &ev.RunAt, &ev.Status, &ev.Attempts, &ev.MaxAttempts,
		&ev.LockedBy, &ev.LockedAt, &ev.LastError, &ev.CreatedAt, &ev.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, tx.Commit(ctx)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return ev, nil
}

func (r *QueueRepository) MarkDone(ctx context.Context, id int64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE wake_events SET status = 'DONE', updated_at = now() WHERE id = $1`,
		id,
	)
	return err
}

// MarkFailed dead-letters an event: it stays in the table with its
// last error for inspection, but is never claimed again.
func (r *QueueRepository) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE wake_events SET status = 'FAILED', last_error = $2, updated_at = now() WHERE id = $1`,
		id, errMsg,
	)
	return err
}

func (r *QueueRepository) RetryLater(ctx context.Context, id int64, attempts int, runAt time.Time, errMsg string) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE wake_events
		 SET status = 'PENDING', attempts = $2, run_at = $3,
		     locked_by = NULL, locked_at = NULL, last_error = $4, updated_at = now()
		 WHERE id = $1`,
		id, attempts, runAt, errMsg,
	)
	return err
}

// PurgeDone deletes completed events older than the cutoff. Run from
// the maintenance sweep; dead-lettered events are kept.
func (r *QueueRepository) PurgeDone(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`DELETE FROM wake_events WHERE status = 'DONE' AND updated_at < $1`,
		olderThan,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// HasPendingFire reports whether a pending TAP_FIRE event already
// exists for the tap, so the maintenance sweep does not pile up
// duplicates (duplicates are harmless but noisy).
func (r *QueueRepository) HasPendingFire(ctx context.Context, tapID string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS(
		    SELECT 1 FROM wake_events
		    WHERE kind = $1 AND status IN ('PENDING', 'RUNNING') AND payload->>'tap_id' = $2
		 )`,
		models.WakeTapFire, tapID,
	).Scan(&exists)
	return exists, err
}
