package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/raulfrk/Tappy/internal/database"
	"github.com/raulfrk/Tappy/internal/models"
)

type OccurrenceRepository struct {
	db *database.DB
}

func NewOccurrenceRepository(db *database.DB) *OccurrenceRepository {
	return &OccurrenceRepository{db: db}
}

// CreateIfAbsent inserts the occurrence and its recipient sub-states,
// keyed by (tap_id, version, fire_at). Under duplicate wake delivery
// the conflict is silently absorbed and created=false is returned.
func (r *OccurrenceRepository) CreateIfAbsent(ctx context.Context, occ *models.Occurrence) (bool, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx,
		`INSERT INTO occurrences (occurrence_id, tap_id, version, fire_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tap_id, version, fire_at) DO NOTHING
		 RETURNING created_at`,
		occ.OccurrenceID, occ.TapID, occ.Version, occ.FireAt,
	).Scan(&occ.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	for _, rs := range occ.Recipients {
		if _, err := tx.Exec(ctx,
			`INSERT INTO occurrence_recipients (occurrence_id, recipient_id, state)
			 VALUES ($1, $2, $3)`,
			occ.OccurrenceID, rs.RecipientID, rs.State,
		); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (r *OccurrenceRepository) GetByID(ctx context.Context, occurrenceID uuid.UUID) (*models.Occurrence, error) {
	return r.get(ctx,
		`SELECT occurrence_id, tap_id, version, fire_at, completed, completed_by, created_at
		 FROM occurrences WHERE occurrence_id = $1`,
		occurrenceID)
}

func (r *OccurrenceRepository) GetByKey(ctx context.Context, tapID uuid.UUID, version int64, fireAt time.Time) (*models.Occurrence, error) {
	return r.get(ctx,
		`SELECT occurrence_id, tap_id, version, fire_at, completed, completed_by, created_at
		 FROM occurrences WHERE tap_id = $1 AND version = $2 AND fire_at = $3`,
		tapID, version, fireAt)
}

func (r *OccurrenceRepository) get(ctx context.Context, query string, args ...any) (*models.Occurrence, error) {
	occ := &models.Occurrence{}
	err := r.db.Pool.QueryRow(ctx, query, args...).Scan(
		&occ.OccurrenceID, &occ.TapID, &occ.Version, &occ.FireAt,
		&occ.Completed, &occ.CompletedBy, &occ.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.Pool.Query(ctx,
		`SELECT recipient_id, state, acked_until, snooze_until
		 FROM occurrence_recipients WHERE occurrence_id = $1
		 ORDER BY recipient_id`,
		occ.OccurrenceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		rs := &models.RecipientState{}
		if err := rows.Scan(&rs.RecipientID, &rs.State, &rs.AckedUntil, &rs.SnoozeUntil); err != nil {
			return nil, err
		}
		occ.Recipients = append(occ.Recipients, rs)
	}
	return occ, rows.Err()
}

// UpdateRecipient persists one recipient's sub-state.
func (r *OccurrenceRepository) UpdateRecipient(ctx context.Context, occurrenceID uuid.UUID, rs *models.RecipientState) error {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE occurrence_recipients
		 SET state = $3, acked_until = $4, snooze_until = $5
		 WHERE occurrence_id = $1 AND recipient_id = $2`,
		occurrenceID, rs.RecipientID, rs.State, rs.AckedUntil, rs.SnoozeUntil,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("recipient %d not found on occurrence %s", rs.RecipientID, occurrenceID)
	}
	return nil
}

// CompleteAll marks the occurrence and every recipient sub-state
// completed in one transaction, so the "any one complete terminates
// all" rule is atomic.
func (r *OccurrenceRepository) CompleteAll(ctx context.Context, occurrenceID uuid.UUID, completedBy int64) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE occurrences SET completed = true, completed_by = $2
		 WHERE occurrence_id = $1 AND NOT completed`,
		occurrenceID, completedBy,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Lost the race to another completer; nothing left to do.
		return tx.Commit(ctx)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE occurrence_recipients
		 SET state = $2, acked_until = NULL, snooze_until = NULL
		 WHERE occurrence_id = $1`,
		occurrenceID, models.AckStateCompleted,
	); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
