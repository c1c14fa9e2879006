package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/raulfrk/Tappy/internal/database"
	"github.com/raulfrk/Tappy/internal/models"
)

// ErrDuplicateGroup is returned when a group name is already taken.
var ErrDuplicateGroup = errors.New("group name already exists")

type GroupRepository struct {
	db *database.DB
}

func NewGroupRepository(db *database.DB) *GroupRepository {
	return &GroupRepository{db: db}
}

// Create inserts the group and makes the creator both a member and an
// admin, in one transaction.
func (r *GroupRepository) Create(ctx context.Context, name string, creatorID int64) (*models.Group, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	group := &models.Group{Name: name}
	err = tx.QueryRow(ctx,
		`INSERT INTO groups (name) VALUES ($1) RETURNING group_id, created_at`,
		name,
	).Scan(&group.GroupID, &group.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateGroup
		}
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO group_members (group_id, user_id, is_admin) VALUES ($1, $2, true)`,
		group.GroupID, creatorID,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return group, nil
}

func (r *GroupRepository) GetByName(ctx context.Context, name string) (*models.Group, error) {
	group := &models.Group{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT group_id, name, created_at FROM groups WHERE name = $1`,
		name,
	).Scan(&group.GroupID, &group.Name, &group.CreatedAt)
	if err != nil {
		return nil, err
	}
	return group, nil
}

func (r *GroupRepository) AddMember(ctx context.Context, groupID int, userID int64) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO group_members (group_id, user_id) VALUES ($1, $2)
		 ON CONFLICT (group_id, user_id) DO NOTHING`,
		groupID, userID,
	)
	return err
}

func (r *GroupRepository) RemoveMember(ctx context.Context, groupID int, userID int64) error {
	_, err := r.db.Pool.Exec(ctx,
		`DELETE FROM group_members WHERE group_id = $1 AND user_id = $2`,
		groupID, userID,
	)
	return err
}

func (r *GroupRepository) PromoteAdmin(ctx context.Context, groupID int, userID int64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE group_members SET is_admin = true WHERE group_id = $1 AND user_id = $2`,
		groupID, userID,
	)
	return err
}

func (r *GroupRepository) IsMember(ctx context.Context, groupID int, userID int64) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM group_members WHERE group_id = $1 AND user_id = $2)`,
		groupID, userID,
	).Scan(&exists)
	return exists, err
}

func (r *GroupRepository) IsAdmin(ctx context.Context, groupID int, userID int64) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM group_members WHERE group_id = $1 AND user_id = $2 AND is_admin)`,
		groupID, userID,
	).Scan(&exists)
	return exists, err
}

// MemberIDs returns the current member set. The listener calls this at
// occurrence-fire time; membership is never cached on the tap.
func (r *GroupRepository) MemberIDs(ctx context.Context, groupID int) ([]int64, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT user_id FROM group_members WHERE group_id = $1 ORDER BY user_id`,
		groupID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
