package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/raulfrk/Tappy/internal/database"
	"github.com/raulfrk/Tappy/internal/models"
)

type TapRepository struct {
	db *database.DB
}

func NewTapRepository(db *database.DB) *TapRepository {
	return &TapRepository{db: db}
}

const tapColumns = `tap_id, owner_id, description, recipients, group_id, fire_at, recurrence_rule, dtstart,
	 validity_version, ack_default_seconds, nag_interval_seconds, cancelled, next_fire_at, created_at, updated_at`

func scanTap(row pgx.Row) (*models.Tap, error) {
	tap := &models.Tap{}
	var ackSeconds, nagSeconds int64
	err := row.Scan(&tap.TapID, &tap.OwnerID, &tap.Description, &tap.Recipients, &tap.GroupID,
		&tap.FireAt, &tap.RecurrenceRule, &tap.Dtstart, &tap.ValidityVersion,
		&ackSeconds, &nagSeconds, &tap.Cancelled, &tap.NextFireAt, &tap.CreatedAt, &tap.UpdatedAt)
	if err != nil {
		return nil, err
	}
	tap.AckDefault = time.Duration(ackSeconds) * time.Second
	tap.NagInterval = time.Duration(nagSeconds) * time.Second
	return tap, nil
}

func (r *TapRepository) Create(ctx context.Context, tap *models.Tap) error {
	return r.db.Pool.QueryRow(ctx,
		`INSERT INTO taps (tap_id, owner_id, description, recipients, group_id, fire_at, recurrence_rule, dtstart,
		                   ack_default_seconds, nag_interval_seconds, next_fire_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING validity_version, created_at, updated_at`,
		tap.TapID, tap.OwnerID, tap.Description, tap.Recipients, tap.GroupID, tap.FireAt,
		tap.RecurrenceRule, tap.Dtstart, int64(tap.AckDefault.Seconds()), int64(tap.NagInterval.Seconds()),
		tap.NextFireAt,
	).Scan(&tap.ValidityVersion, &tap.CreatedAt, &tap.UpdatedAt)
}

func (r *TapRepository) GetByID(ctx context.Context, tapID uuid.UUID) (*models.Tap, error) {
	return scanTap(r.db.Pool.QueryRow(ctx,
		`SELECT `+tapColumns+` FROM taps WHERE tap_id = $1`,
		tapID,
	))
}

func (r *TapRepository) ListByOwner(ctx context.Context, ownerID int64) ([]*models.Tap, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+tapColumns+` FROM taps
		 WHERE owner_id = $1 AND NOT cancelled
		 ORDER BY next_fire_at ASC NULLS LAST`,
		ownerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var taps []*models.Tap
	for rows.Next() {
		tap, err := scanTap(rows)
		if err != nil {
			return nil, err
		}
		taps = append(taps, tap)
	}
	return taps, rows.Err()
}

// UpdateCAS applies the edited fields and increments validity_version
// in one statement, guarded by the version the caller read. Returns
// pgx.ErrNoRows when a concurrent edit already advanced the version.
func (r *TapRepository) UpdateCAS(ctx context.Context, tap *models.Tap, expectedVersion int64) (int64, error) {
	var newVersion int64
	err := r.db.Pool.QueryRow(ctx,
		`UPDATE taps
		 SET description = $3, recipients = $4, group_id = $5, fire_at = $6, recurrence_rule = $7,
		     dtstart = $8, ack_default_seconds = $9, nag_interval_seconds = $10, next_fire_at = $11,
		     validity_version = validity_version + 1, updated_at = now()
		 WHERE tap_id = $1 AND validity_version = $2 AND NOT cancelled
		 RETURNING validity_version`,
		tap.TapID, expectedVersion, tap.Description, tap.Recipients, tap.GroupID, tap.FireAt,
		tap.RecurrenceRule, tap.Dtstart, int64(tap.AckDefault.Seconds()), int64(tap.NagInterval.Seconds()),
		tap.NextFireAt,
	).Scan(&newVersion)
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

// CancelCAS flips the cancelled flag and increments validity_version
// under the same optimistic guard as UpdateCAS. Already-enqueued wake
// events for older versions degrade to no-ops when dequeued.
func (r *TapRepository) CancelCAS(ctx context.Context, tapID uuid.UUID, expectedVersion int64) (int64, error) {
	var newVersion int64
	err := r.db.Pool.QueryRow(ctx,
		`UPDATE taps
		 SET cancelled = true, next_fire_at = NULL,
		     validity_version = validity_version + 1, updated_at = now()
		 WHERE tap_id = $1 AND validity_version = $2
		 RETURNING validity_version`,
		tapID, expectedVersion,
	).Scan(&newVersion)
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

func (r *TapRepository) SetNextFireAt(ctx context.Context, tapID uuid.UUID, nextFireAt *time.Time) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE taps SET next_fire_at = $2, updated_at = now() WHERE tap_id = $1`,
		tapID, nextFireAt,
	)
	return err
}

// ListMissedFires returns active taps whose next fire time has passed,
// used by the maintenance sweep to re-enqueue wake events lost to
// crashes between a tap mutation and its enqueue.
func (r *TapRepository) ListMissedFires(ctx context.Context, asOf time.Time) ([]*models.Tap, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT `+tapColumns+` FROM taps
		 WHERE NOT cancelled AND next_fire_at IS NOT NULL AND next_fire_at <= $1
		 ORDER BY next_fire_at ASC`,
		asOf,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var taps []*models.Tap
	for rows.Next() {
		tap, err := scanTap(rows)
		if err != nil {
			return nil, err
		}
		taps = append(taps, tap)
	}
	return taps, rows.Err()
}
