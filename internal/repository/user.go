package repository

import (
	"context"

	"github.com/raulfrk/Tappy/internal/database"
	"github.com/raulfrk/Tappy/internal/models"
)

type UserRepository struct {
	db *database.DB
}

func NewUserRepository(db *database.DB) *UserRepository {
	return &UserRepository{db: db}
}

// GetOrCreate registers the user on first contact and keeps the
// username and chat id fresh when Telegram reports a change.
func (r *UserRepository) GetOrCreate(ctx context.Context, userID int64, userName string, chatID int64) (*models.User, error) {
	user := &models.User{}
	err := r.db.Pool.QueryRow(ctx,
		`INSERT INTO users (user_id, user_name, chat_id) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id) DO UPDATE SET user_name = EXCLUDED.user_name, chat_id = EXCLUDED.chat_id
		 RETURNING user_id, user_name, chat_id, created_at`,
		userID, userName, chatID,
	).Scan(&user.UserID, &user.UserName, &user.ChatID, &user.CreatedAt)
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, userID int64) (*models.User, error) {
	user := &models.User{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT user_id, user_name, chat_id, created_at FROM users WHERE user_id = $1`,
		userID,
	).Scan(&user.UserID, &user.UserName, &user.ChatID, &user.CreatedAt)
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (r *UserRepository) GetByUserName(ctx context.Context, userName string) (*models.User, error) {
	user := &models.User{}
	err := r.db.Pool.QueryRow(ctx,
		`SELECT user_id, user_name, chat_id, created_at FROM users WHERE user_name = $1`,
		userName,
	).Scan(&user.UserID, &user.UserName, &user.ChatID, &user.CreatedAt)
	if err != nil {
		return nil, err
	}
	return user, nil
}
