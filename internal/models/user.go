package models

import "time"

// User is a Telegram user known to the bot. UserID is the Telegram id;
// ChatID is where notifications are delivered.
type User struct {
	UserID    int64     `json:"user_id"`
	UserName  string    `json:"user_name"`
	ChatID    int64     `json:"chat_id"`
	CreatedAt time.Time `json:"created_at"`
}
